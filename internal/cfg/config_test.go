package cfg

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	const file = `
slack_channel = "C0123456789"
merge_method = "rebase"
public_repo = true
preview_image_base_url = "https://example.com/preview.png"
filter_query = ".pull_request.draft == false"
`

	config, err := Load(strings.NewReader(file))
	require.NoError(t, err)

	assert.Equal(t, "C0123456789", config.SlackChannel)
	assert.Equal(t, "rebase", config.MergeMethod)
	assert.True(t, config.PublicRepo)
	assert.Equal(t, "https://example.com/preview.png", config.PreviewImageBaseURL)
	assert.Equal(t, ".pull_request.draft == false", config.FilterQuery)
}

func TestLoadDefaults(t *testing.T) {
	config, err := Load(strings.NewReader(""))
	require.NoError(t, err)

	assert.Equal(t, "squash", config.MergeMethod)
	assert.Empty(t, config.SlackChannel)
	assert.False(t, config.PublicRepo)
}

func TestLoadFileMissingFileReturnsDefaults(t *testing.T) {
	config, err := LoadFile(t.TempDir() + "/does-not-exist.toml")
	require.NoError(t, err)

	assert.Equal(t, "squash", config.MergeMethod)
}
