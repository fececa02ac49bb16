// Package cfg loads the optional repository-level prmeta configuration
// file.
// The file contains the settings that belong to a repository instead of
// to a single workflow invocation.
package cfg

import (
	"errors"
	"io"
	"io/fs"
	"os"

	"github.com/pelletier/go-toml"
)

// DefConfigFile is the path of the configuration file, relative to the
// repository checkout.
const DefConfigFile = ".github/prmeta.toml"

type Config struct {
	// SlackChannel is the ID of the channel that pull request
	// notification messages are posted to.
	SlackChannel string `toml:"slack_channel"`
	// MergeMethod is the merge strategy passed to the auto-merge
	// mutation, one of: merge, squash, rebase.
	MergeMethod string `toml:"merge_method"`
	// PublicRepo enables rendering a link preview image instead of
	// repository/author fields in Slack messages.
	PublicRepo bool `toml:"public_repo"`
	// PreviewImageBaseURL is the base URL of the opengraph preview
	// image that is embedded in Slack messages for public repositories.
	PreviewImageBaseURL string `toml:"preview_image_base_url"`
	// FilterQuery is an optional jq expression that is evaluated
	// against the raw webhook event payload.
	// When it evaluates to false the invoked component exits without
	// doing anything.
	FilterQuery string `toml:"filter_query"`
}

func defaults() *Config {
	return &Config{
		MergeMethod: "squash",
	}
}

func Load(reader io.Reader) (*Config, error) {
	result := defaults()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}

	if err := toml.Unmarshal(data, result); err != nil {
		return nil, err
	}

	return result, nil
}

// LoadFile loads the configuration from path.
// If the file does not exist, the default configuration is returned.
func LoadFile(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return defaults(), nil
		}

		return nil, err
	}
	defer file.Close()

	return Load(file)
}

func (r *Config) Marshal(writer io.Writer) error {
	return toml.NewEncoder(writer).Encode(r)
}
