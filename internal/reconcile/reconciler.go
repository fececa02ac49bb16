package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/shurcooL/githubv4"
	"go.uber.org/zap"

	"github.com/simplesurance/prmeta/internal/githubclt"
	"github.com/simplesurance/prmeta/internal/logfields"
)

const loggerName = "label_reconciler"

// GithubClient is the GitHub API surface the reconcilers operate
// through.
type GithubClient interface {
	GetPullRequest(ctx context.Context, owner, repo string, prNumber int) (*githubclt.PullRequest, error)
	ListReviews(ctx context.Context, owner, repo string, prNumber int) ([]*githubclt.Review, error)
	ListLabels(ctx context.Context, owner, repo string, prOrIssueNumber int) ([]string, error)
	AddLabels(ctx context.Context, owner, repo string, prOrIssueNumber int, labels []string) error
	RemoveLabel(ctx context.Context, owner, repo string, prOrIssueNumber int, label string) error
	GetRepoLabel(ctx context.Context, owner, repo, name string) (color, description string, err error)
	CreateRepoLabel(ctx context.Context, owner, repo, name, color, description string) error
	UpdateRepoLabel(ctx context.Context, owner, repo, name, color, description string) error
	EnableAutoMerge(ctx context.Context, prNodeID string, mergeMethod githubv4.PullRequestMergeMethod) error
}

// LabelReconciler converges the labels of a single pull request.
type LabelReconciler struct {
	clt      GithubClient
	owner    string
	repo     string
	prNumber int
	logger   *zap.Logger
}

func NewLabelReconciler(clt GithubClient, owner, repo string, prNumber int) *LabelReconciler {
	return &LabelReconciler{
		clt:      clt,
		owner:    owner,
		repo:     repo,
		prNumber: prNumber,
		logger: zap.L().Named(loggerName).With(
			logfields.RepositoryOwner(owner),
			logfields.Repository(repo),
			logfields.PullRequest(prNumber),
		),
	}
}

// EnsureLabelsExist creates every label of defs in the repository if it
// is absent and updates its color or description if it differs from the
// canonical definition.
// Labels are never deleted.
// A failure for one label is logged and does not abort processing the
// others.
func (r *LabelReconciler) EnsureLabelsExist(ctx context.Context, defs []LabelDef) error {
	var failures int

	for _, def := range defs {
		if err := r.ensureLabelExists(ctx, def); err != nil {
			failures++
			r.logger.Warn(
				"creating or updating label definition failed",
				logfields.Event("label_definition_sync_failed"),
				logfields.Label(def.Name),
				zap.Error(err),
			)
		}
	}

	if failures > 0 {
		return fmt.Errorf("syncing %d of %d label definitions failed", failures, len(defs))
	}

	return nil
}

func (r *LabelReconciler) ensureLabelExists(ctx context.Context, def LabelDef) error {
	color, description, err := r.clt.GetRepoLabel(ctx, r.owner, r.repo, def.Name)
	if err != nil {
		if !errors.Is(err, githubclt.ErrNotFound) {
			return err
		}

		if err := r.clt.CreateRepoLabel(ctx, r.owner, r.repo, def.Name, def.Color, def.Description); err != nil {
			return err
		}

		r.logger.Info(
			"label created",
			logfields.Event("label_created"),
			logfields.Label(def.Name),
		)

		return nil
	}

	if color == def.Color && description == def.Description {
		return nil
	}

	if err := r.clt.UpdateRepoLabel(ctx, r.owner, r.repo, def.Name, def.Color, def.Description); err != nil {
		return err
	}

	r.logger.Info(
		"label definition updated",
		logfields.Event("label_definition_updated"),
		logfields.Label(def.Name),
	)

	return nil
}

var qaStatusToLabel = map[QAStatus]string{
	QAStatusPending: "qa:pending",
	QAStatusRunning: "qa:running",
	QAStatusSuccess: "qa:success",
	QAStatusFailed:  "qa:failed",
}

// ReconcileQALabel converges the QA label group of the PR so that only
// the label matching status is present.
// An unrecognized status is a no-op.
func (r *LabelReconciler) ReconcileQALabel(ctx context.Context, status QAStatus) error {
	desired, exists := qaStatusToLabel[status]
	if !exists {
		r.logger.Info(
			"no label is mapped to qa status, skipping",
			logfields.Event("qa_label_unmapped_status"),
			zap.String("qa_status", string(status)),
		)

		return nil
	}

	return r.converge(ctx, QALabelNames(), desired)
}

// converge diffs the labels of group that are present on the PR against
// the single desired label, removes the extras and adds the desired
// label if it is missing.
// If the desired label is the only group member present, no write call
// is made.
// Removals and the addition are independent, a partial failure of one
// removal does not block the others or the addition.
func (r *LabelReconciler) converge(ctx context.Context, group []string, desired string) error {
	current, err := r.clt.ListLabels(ctx, r.owner, r.repo, r.prNumber)
	if err != nil {
		return fmt.Errorf("listing current labels failed: %w", err)
	}

	groupSet := toStrSet(group)

	var present []string
	desiredIsPresent := false
	for _, label := range current {
		if _, exists := groupSet[label]; !exists {
			continue
		}

		present = append(present, label)
		if label == desired {
			desiredIsPresent = true
		}
	}

	if len(present) == 1 && desiredIsPresent {
		r.logger.Debug(
			"label is already converged, nothing to do",
			logfields.Event("label_already_converged"),
			logfields.Label(desired),
		)

		return nil
	}

	var failures int
	for _, label := range present {
		if label == desired {
			continue
		}

		if err := r.clt.RemoveLabel(ctx, r.owner, r.repo, r.prNumber, label); err != nil {
			failures++
			r.logger.Warn(
				"removing competing label failed",
				logfields.Event("label_remove_failed"),
				logfields.Label(label),
				zap.Error(err),
			)

			continue
		}

		r.logger.Info(
			"competing label removed",
			logfields.Event("label_removed"),
			logfields.Label(label),
		)
	}

	if !desiredIsPresent {
		if err := r.clt.AddLabels(ctx, r.owner, r.repo, r.prNumber, []string{desired}); err != nil {
			return fmt.Errorf("adding label %q failed: %w", desired, err)
		}

		r.logger.Info(
			"label added",
			logfields.Event("label_added"),
			logfields.Label(desired),
		)
	}

	if failures > 0 {
		return fmt.Errorf("removing %d competing labels failed", failures)
	}

	return nil
}
