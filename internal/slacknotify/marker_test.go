package slacknotify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simplesurance/prmeta/internal/githubclt"
)

func TestFindTS(t *testing.T) {
	comments := []*githubclt.IssueComment{
		{ID: 1, Body: "LGTM!"},
		{ID: 2, Body: "bot says:\n<!-- slack-ts:1700000000.000100 -->"},
		{ID: 3, Body: "<!-- slack-ts:pending:12345 -->"},
	}

	assert.Equal(t, "1700000000.000100", findTS(comments))
}

func TestFindTSNoMarker(t *testing.T) {
	comments := []*githubclt.IssueComment{
		{ID: 1, Body: "just a comment"},
	}

	assert.Equal(t, "", findTS(comments))
}

func TestFindMarkersParsesLocks(t *testing.T) {
	comments := []*githubclt.IssueComment{
		{ID: 5, Body: lockMarkerBody("run-77")},
		{ID: 9, Body: tsMarkerBody("1700000000.000100")},
	}

	markers := findMarkers(comments)
	require.Len(t, markers, 2)

	assert.Equal(t, int64(5), markers[0].commentID)
	assert.Equal(t, "run-77", markers[0].lockOwner)
	assert.Equal(t, "", markers[0].ts)

	assert.Equal(t, int64(9), markers[1].commentID)
	assert.Equal(t, "1700000000.000100", markers[1].ts)
}

func TestConcurrentWinner(t *testing.T) {
	comments := []*githubclt.IssueComment{
		{ID: 3, Body: lockMarkerBody("other-run")},
		{ID: 7, Body: lockMarkerBody("own-run")},
	}

	winner := concurrentWinner(comments, 7)
	require.NotNil(t, winner)
	assert.Equal(t, int64(3), winner.commentID)

	// the earliest marker wins the race
	assert.Nil(t, concurrentWinner(comments, 3))
}
