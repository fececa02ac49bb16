package slacknotify

import (
	"fmt"
	"regexp"

	"github.com/simplesurance/prmeta/internal/githubclt"
)

// The timestamp of the Slack message belonging to a PR is persisted as
// an HTML comment inside an issue comment.
// A marker with the "pending" placeholder instead of a timestamp is the
// short-lived lock that guards first-message creation against
// concurrent workflow runs.
var (
	tsMarkerRe   = regexp.MustCompile(`<!-- slack-ts:([0-9]+\.[0-9]+) -->`)
	lockMarkerRe = regexp.MustCompile(`<!-- slack-ts:pending:([^ ]+) -->`)
)

func tsMarkerBody(ts string) string {
	return fmt.Sprintf("<!-- slack-ts:%s -->", ts)
}

func lockMarkerBody(runID string) string {
	return fmt.Sprintf("<!-- slack-ts:pending:%s -->", runID)
}

// marker is a parsed slack-ts marker comment.
type marker struct {
	commentID int64
	// ts is empty for lock markers
	ts string
	// lockOwner is the run id of the lock creator, empty for
	// timestamp markers
	lockOwner string
}

// findMarkers returns all slack-ts markers of the comment list, in
// comment order.
func findMarkers(comments []*githubclt.IssueComment) []*marker {
	var result []*marker

	for _, comment := range comments {
		if matches := tsMarkerRe.FindStringSubmatch(comment.Body); matches != nil {
			result = append(result, &marker{
				commentID: comment.ID,
				ts:        matches[1],
			})

			continue
		}

		if matches := lockMarkerRe.FindStringSubmatch(comment.Body); matches != nil {
			result = append(result, &marker{
				commentID: comment.ID,
				lockOwner: matches[1],
			})
		}
	}

	return result
}

// findTS returns the recorded message timestamp, or an empty string
// when no message exists yet.
func findTS(comments []*githubclt.IssueComment) string {
	for _, m := range findMarkers(comments) {
		if m.ts != "" {
			return m.ts
		}
	}

	return ""
}
