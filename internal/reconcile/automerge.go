package reconcile

import (
	"context"
	"strings"

	"github.com/shurcooL/githubv4"
	"go.uber.org/zap"

	"github.com/simplesurance/prmeta/internal/logfields"
)

// AutoMergeInput contains the facts that decide if auto-merge is
// enabled for a pull request.
type AutoMergeInput struct {
	AuthorType  string
	HasApproval bool
	QAStatus    QAStatus
	Draft       bool
	// MergeMethod is the merge strategy name: merge, squash or rebase.
	MergeMethod string
}

// benignAutoMergeErrSubstrings identify error responses that describe
// an expected state conflict instead of a real failure.
var benignAutoMergeErrSubstrings = []string{
	"already enabled",
	"already disabled",
	"not allowed",
	"clean status",
	"dirty status",
	"merge conflict",
}

var mergeMethods = map[string]githubv4.PullRequestMergeMethod{
	"merge":  githubv4.PullRequestMergeMethodMerge,
	"squash": githubv4.PullRequestMergeMethodSquash,
	"rebase": githubv4.PullRequestMergeMethodRebase,
}

// EnableAutoMerge enables auto-merge for the PR when the author is not
// a bot, an approval exists, QA succeeded and the PR is not a draft.
// When one of the conditions does not hold, nothing happens, auto-merge
// is in particular never disabled: a missing condition only withholds
// enabling. A human who enabled auto-merge manually must not be fought,
// and disabling could race with an in-flight merge.
//
// EnableAutoMerge never returns an error, the invoking workflow must
// not fail because of it.
func (r *LabelReconciler) EnableAutoMerge(ctx context.Context, in *AutoMergeInput) {
	if in.AuthorType == "Bot" {
		r.logger.Debug(
			"pr author is a bot, auto-merge is not managed",
			logfields.Event("auto_merge_skipped_bot_author"),
		)

		return
	}

	if !in.HasApproval || in.QAStatus != QAStatusSuccess || in.Draft {
		r.logger.Info(
			"pr is not mergeable, auto-merge not enabled",
			logfields.Event("auto_merge_conditions_unmet"),
			zap.Bool("has_approval", in.HasApproval),
			zap.String("qa_status", string(in.QAStatus)),
			zap.Bool("draft", in.Draft),
		)

		return
	}

	method, exists := mergeMethods[in.MergeMethod]
	if !exists {
		r.logger.Warn(
			"unknown merge method, falling back to squash",
			logfields.Event("auto_merge_unknown_merge_method"),
			zap.String("merge_method", in.MergeMethod),
		)

		method = githubv4.PullRequestMergeMethodSquash
	}

	pr, err := r.clt.GetPullRequest(ctx, r.owner, r.repo, r.prNumber)
	if err != nil {
		r.logger.Error(
			"fetching pull request node id failed, auto-merge not enabled",
			logfields.Event("auto_merge_pr_fetch_failed"),
			zap.Error(err),
		)

		return
	}

	if err := r.clt.EnableAutoMerge(ctx, pr.NodeID, method); err != nil {
		for _, substr := range benignAutoMergeErrSubstrings {
			if strings.Contains(err.Error(), substr) {
				r.logger.Info(
					"auto-merge mutation reported an expected state conflict",
					logfields.Event("auto_merge_state_conflict"),
					zap.Error(err),
				)

				return
			}
		}

		r.logger.Error(
			"enabling auto-merge failed",
			logfields.Event("auto_merge_enable_failed"),
			zap.Error(err),
		)

		return
	}

	r.logger.Info(
		"auto-merge enabled",
		logfields.Event("auto_merge_enabled"),
		zap.String("merge_method", string(method)),
	)
}
