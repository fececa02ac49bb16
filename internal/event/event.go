// Package event loads the webhook event payload that triggered the
// workflow run.
package event

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/go-github/v59/github"
	"go.uber.org/zap"

	"github.com/simplesurance/prmeta/internal/logfields"
)

// PayloadPathEnvVar is set by the CI runner and points to the file
// containing the raw webhook payload of the triggering event.
const PayloadPathEnvVar = "GITHUB_EVENT_PATH"

// Event is the webhook event that triggered the invocation.
type Event struct {
	JSON []byte
	// Name is the workflow trigger event name, e.g. "pull_request"
	// or "pull_request_review".
	Name string

	RepositoryOwner string
	Repository      string
	// PullRequestNr is 0 if it's not available
	PullRequestNr int
}

// IsReviewTriggered returns true if the event carries no fresh QA job
// outcome and QA status must be read back from labels.
func (e *Event) IsReviewTriggered() bool {
	return strings.HasPrefix(e.Name, "pull_request_review")
}

func (e *Event) String() string {
	return fmt.Sprintf("%s %s/%s #%d", e.Name, e.RepositoryOwner, e.Repository, e.PullRequestNr)
}

func (e *Event) LogFields() []zap.Field {
	fields := make([]zap.Field, 0, 4) // cap == max. size of fields we append

	fields = append(fields, logfields.TriggerEvent(e.Name))

	if e.Repository != "" {
		fields = append(fields, logfields.Repository(e.Repository))
	}

	if e.RepositoryOwner != "" {
		fields = append(fields, logfields.RepositoryOwner(e.RepositoryOwner))
	}

	if e.PullRequestNr != 0 {
		fields = append(fields, logfields.PullRequest(e.PullRequestNr))
	}

	return fields
}

// Load reads the payload of eventName from path and extracts the
// repository and pull request information.
func Load(eventName, path string) (*Event, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading event payload file failed: %w", err)
	}

	return Parse(eventName, payload)
}

// Parse converts a raw webhook payload to an Event.
func Parse(eventName string, payload []byte) (*Event, error) {
	ghEvent, err := github.ParseWebHook(eventName, payload)
	if err != nil {
		return nil, fmt.Errorf("parsing event payload failed: %w", err)
	}

	result := Event{
		JSON: payload,
		Name: eventName,
	}

	switch ev := ghEvent.(type) {
	case *github.PullRequestEvent:
		result.Repository = ev.GetRepo().GetName()
		result.RepositoryOwner = ev.GetRepo().GetOwner().GetLogin()
		result.PullRequestNr = ev.GetNumber()

	case *github.PullRequestReviewEvent:
		result.Repository = ev.GetRepo().GetName()
		result.RepositoryOwner = ev.GetRepo().GetOwner().GetLogin()
		result.PullRequestNr = ev.GetPullRequest().GetNumber()

	case *github.WorkflowRunEvent:
		result.Repository = ev.GetRepo().GetName()
		result.RepositoryOwner = ev.GetRepo().GetOwner().GetLogin()
		if prs := ev.GetWorkflowRun().PullRequests; len(prs) > 0 {
			result.PullRequestNr = prs[0].GetNumber()
		}
	}

	return &result, nil
}
