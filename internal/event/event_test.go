package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePullRequestEvent(t *testing.T) {
	const payload = `{
		"number": 7,
		"pull_request": {"number": 7},
		"repository": {
			"name": "repo",
			"owner": {"login": "testman"}
		}
	}`

	ev, err := Parse("pull_request", []byte(payload))
	require.NoError(t, err)

	assert.Equal(t, "pull_request", ev.Name)
	assert.Equal(t, "testman", ev.RepositoryOwner)
	assert.Equal(t, "repo", ev.Repository)
	assert.Equal(t, 7, ev.PullRequestNr)
	assert.False(t, ev.IsReviewTriggered())
}

func TestParsePullRequestReviewEvent(t *testing.T) {
	const payload = `{
		"pull_request": {"number": 9},
		"repository": {
			"name": "repo",
			"owner": {"login": "testman"}
		}
	}`

	ev, err := Parse("pull_request_review", []byte(payload))
	require.NoError(t, err)

	assert.Equal(t, 9, ev.PullRequestNr)
	assert.True(t, ev.IsReviewTriggered())
}

func TestParseInvalidPayload(t *testing.T) {
	_, err := Parse("pull_request", []byte("{"))
	require.Error(t, err)
}
