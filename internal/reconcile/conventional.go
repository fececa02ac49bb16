package reconcile

import (
	"context"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/simplesurance/prmeta/internal/logfields"
)

var (
	depsTitleRe     = regexp.MustCompile(`^(chore|fix|build)\(deps\):`)
	typeTitleRe     = regexp.MustCompile(`^(feat|fix|docs|style|refactor|perf|test|build|ci|revert)(\([^)]*\))?!?:`)
	breakingTitleRe = regexp.MustCompile(`^[a-z]+(\([^)]*\))?!:`)
)

const breakingChangeMarker = "BREAKING CHANGE:"

// ClassifyTitle computes the labels for a conventional-commit PR title.
//
// A dependency-update prefix has the highest precedence and
// short-circuits type detection. A title that matches no pattern
// classifies as chore.
// The breaking label is added independently when the title prefix
// carries a trailing "!" before the colon or the body contains the
// literal breaking change marker.
// Exactly one draft-vs-ready label is added based on the draft flag.
func ClassifyTitle(title, body string, draft bool) []string {
	var result []string

	switch {
	case depsTitleRe.MatchString(title):
		result = append(result, "dependencies")
	default:
		matches := typeTitleRe.FindStringSubmatch(title)
		if matches != nil {
			result = append(result, matches[1])
		} else {
			result = append(result, "chore")
		}
	}

	if breakingTitleRe.MatchString(title) || strings.Contains(body, breakingChangeMarker) {
		result = append(result, "breaking")
	}

	if draft {
		result = append(result, "status:draft")
	} else {
		result = append(result, "status:ready-for-review")
	}

	return result
}

// ApplyConventionalCommitLabels adds the computed labels in a single
// batched call.
// This is one-shot bootstrapping run at PR open, it is append-only and
// intentionally does not check for or remove previously applied labels.
func (r *LabelReconciler) ApplyConventionalCommitLabels(ctx context.Context, title, body string, draft bool) error {
	labels := ClassifyTitle(title, body, draft)

	if err := r.clt.AddLabels(ctx, r.owner, r.repo, r.prNumber, labels); err != nil {
		return err
	}

	r.logger.Info(
		"conventional commit labels added",
		logfields.Event("cc_labels_added"),
		zap.Strings("labels", labels),
	)

	return nil
}
