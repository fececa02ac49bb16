// Package slacknotify maintains one Slack message per pull request and
// converges its content and emoji reactions to the current label state.
package slacknotify

import (
	"context"
	"fmt"
	"time"

	"github.com/slack-go/slack"
	"go.uber.org/zap"

	"github.com/simplesurance/prmeta/internal/githubclt"
	"github.com/simplesurance/prmeta/internal/logfields"
)

const loggerName = "slack_notifier"

// invalidBlocksMaxRetries is how often posting the full block payload
// is retried before falling back to the minimal rendering.
const invalidBlocksMaxRetries = 2

// GithubClient is the GitHub API surface the notifier operates through.
type GithubClient interface {
	GetPullRequest(ctx context.Context, owner, repo string, prNumber int) (*githubclt.PullRequest, error)
	ListIssueComments(ctx context.Context, owner, repo string, issueOrPRNr int) ([]*githubclt.IssueComment, error)
	CreateIssueComment(ctx context.Context, owner, repo string, issueOrPRNr int, comment string) (int64, error)
	UpdateIssueComment(ctx context.Context, owner, repo string, commentID int64, comment string) error
	DeleteIssueComment(ctx context.Context, owner, repo string, commentID int64) error
}

// SlackClient is the Slack API surface the notifier operates through.
type SlackClient interface {
	PostMessage(ctx context.Context, fallbackText string, blocks ...slack.Block) (string, error)
	UpdateMessage(ctx context.Context, ts, fallbackText string, blocks ...slack.Block) error
	GetReactions(ctx context.Context, ts string) ([]string, error)
	AddReaction(ctx context.Context, ts, name string) error
	RemoveReaction(ctx context.Context, ts, name string) error
}

// IsInvalidBlocksErrFn matches errors the messaging API returns for a
// rejected block payload.
type IsInvalidBlocksErrFn func(error) bool

type Notifier struct {
	ghClt    GithubClient
	slackClt SlackClient

	owner    string
	repo     string
	prNumber int
	// runID identifies this invocation in the lock marker comment,
	// the CI run id is used.
	runID string

	publicRepo     bool
	previewBaseURL string

	isInvalidBlocksErr IsInvalidBlocksErrFn
	backoffInterval    time.Duration

	logger *zap.Logger
}

// Option customizes a Notifier.
type Option func(*Notifier)

// WithPreviewImage enables the public-repo preview image rendering.
func WithPreviewImage(baseURL string) Option {
	return func(n *Notifier) {
		n.publicRepo = true
		n.previewBaseURL = baseURL
	}
}

func New(ghClt GithubClient, slackClt SlackClient, owner, repo string, prNumber int, runID string, isInvalidBlocksErr IsInvalidBlocksErrFn, opts ...Option) *Notifier {
	n := Notifier{
		ghClt:              ghClt,
		slackClt:           slackClt,
		owner:              owner,
		repo:               repo,
		prNumber:           prNumber,
		runID:              runID,
		isInvalidBlocksErr: isInvalidBlocksErr,
		backoffInterval:    time.Second,
		logger: zap.L().Named(loggerName).With(
			logfields.RepositoryOwner(owner),
			logfields.Repository(repo),
			logfields.PullRequest(prNumber),
		),
	}

	for _, o := range opts {
		o(&n)
	}

	return &n
}

// Run creates or updates the notification message of the PR and
// reconciles its reactions.
func (n *Notifier) Run(ctx context.Context) error {
	pr, err := n.ghClt.GetPullRequest(ctx, n.owner, n.repo, n.prNumber)
	if err != nil {
		return fmt.Errorf("fetching pull request failed: %w", err)
	}

	comments, err := n.ghClt.ListIssueComments(ctx, n.owner, n.repo, n.prNumber)
	if err != nil {
		return fmt.Errorf("listing comments failed: %w", err)
	}

	ts := findTS(comments)
	if ts == "" {
		ts, err = n.createFirstMessage(ctx, pr)
		if err != nil {
			return err
		}

		if ts == "" {
			// nothing was created and nothing exists to update
			return nil
		}
	} else {
		in := n.messageInput(pr, ts)
		if err := n.updateMessage(ctx, ts, in); err != nil {
			return err
		}
	}

	return n.reconcileReactions(ctx, ts, pr.Labels, pr.Merged)
}

func (n *Notifier) messageInput(pr *githubclt.PullRequest, ts string) *messageInput {
	return &messageInput{
		Title:          pr.Title,
		Author:         pr.Author,
		Labels:         pr.Labels,
		Merged:         pr.Merged,
		Abandoned:      !pr.Merged && pr.State == "closed",
		QARunning:      hasLabel(pr.Labels, qaInProgressLabel),
		HasTS:          ts != "",
		PRURL:          fmt.Sprintf("https://github.com/%s/%s/pull/%d", n.owner, n.repo, pr.Number),
		RepoName:       fmt.Sprintf("%s/%s", n.owner, n.repo),
		PublicRepo:     n.publicRepo,
		PreviewBaseURL: n.previewBaseURL,
	}
}

// createFirstMessage posts the initial notification message, guarded by
// the comment-based lock protocol.
// It returns the timestamp of the message that exists afterwards, or an
// empty string when no message was or should be created.
func (n *Notifier) createFirstMessage(ctx context.Context, pr *githubclt.PullRequest) (string, error) {
	if pr.AuthorType == "Bot" {
		n.logger.Debug(
			"pr author is a bot, no notification message is created",
			logfields.Event("slack_message_skipped_bot_author"),
		)

		return "", nil
	}

	if hasLabel(pr.Labels, "status:draft") {
		n.logger.Debug(
			"pr is a draft, no notification message is created",
			logfields.Event("slack_message_skipped_draft"),
		)

		return "", nil
	}

	if pr.Merged || pr.State == "closed" {
		// without a prior message there is nothing to anchor an
		// update to
		n.logger.Debug(
			"pr is already merged or closed, no notification message is created",
			logfields.Event("slack_message_skipped_closed"),
		)

		return "", nil
	}

	lockID, err := n.ghClt.CreateIssueComment(ctx, n.owner, n.repo, n.prNumber, lockMarkerBody(n.runID))
	if err != nil {
		return "", fmt.Errorf("creating lock comment failed: %w", err)
	}

	// re-list to detect a concurrent writer, the first marker wins
	comments, err := n.ghClt.ListIssueComments(ctx, n.owner, n.repo, n.prNumber)
	if err != nil {
		return "", fmt.Errorf("re-listing comments failed: %w", err)
	}

	if winner := concurrentWinner(comments, lockID); winner != nil {
		n.logger.Info(
			"concurrent run won the message creation race, deferring to it",
			logfields.Event("slack_message_race_lost"),
			logfields.MessageTS(winner.ts),
		)

		if err := n.ghClt.DeleteIssueComment(ctx, n.owner, n.repo, lockID); err != nil {
			n.logger.Warn(
				"deleting own lock comment failed",
				logfields.Event("slack_lock_comment_delete_failed"),
				zap.Error(err),
			)
		}

		if winner.ts == "" {
			n.logger.Debug(
				"winning run has not recorded a message timestamp yet, message and reactions converge on a later event",
				logfields.Event("slack_message_convergence_deferred"),
			)
		}

		// adopt the winner's message when it already exists
		return winner.ts, nil
	}

	in := n.messageInput(pr, "")
	fallbackText, blocks := buildMessage(in)

	ts, err := n.postWithBlockFallback(ctx, in, fallbackText, blocks)
	if err != nil {
		// no orphaned marker may stay behind
		if delErr := n.ghClt.DeleteIssueComment(ctx, n.owner, n.repo, lockID); delErr != nil {
			n.logger.Warn(
				"deleting lock comment after failed message creation failed",
				logfields.Event("slack_lock_comment_delete_failed"),
				zap.Error(delErr),
			)
		}

		return "", fmt.Errorf("posting notification message failed: %w", err)
	}

	if err := n.ghClt.UpdateIssueComment(ctx, n.owner, n.repo, lockID, tsMarkerBody(ts)); err != nil {
		return "", fmt.Errorf("recording message timestamp in marker comment failed: %w", err)
	}

	n.logger.Info(
		"notification message created",
		logfields.Event("slack_message_created"),
		logfields.MessageTS(ts),
	)

	return ts, nil
}

// concurrentWinner returns the marker of a concurrent run that was
// created before our own lock comment, or nil if this invocation won
// the race.
func concurrentWinner(comments []*githubclt.IssueComment, ownLockID int64) *marker {
	for _, m := range findMarkers(comments) {
		if m.commentID == ownLockID {
			continue
		}

		if m.commentID < ownLockID {
			return m
		}
	}

	return nil
}

func (n *Notifier) updateMessage(ctx context.Context, ts string, in *messageInput) error {
	fallbackText, blocks := buildMessage(in)

	err := n.updateWithBlockFallback(ctx, ts, in, fallbackText, blocks)
	if err != nil {
		return fmt.Errorf("updating notification message failed: %w", err)
	}

	n.logger.Debug(
		"notification message updated",
		logfields.Event("slack_message_updated"),
		logfields.MessageTS(ts),
	)

	return nil
}

// postWithBlockFallback posts the message, retrying a rejected block
// payload before degrading to the minimal rendering.
func (n *Notifier) postWithBlockFallback(ctx context.Context, in *messageInput, fallbackText string, blocks []slack.Block) (string, error) {
	var ts string

	err := n.withBlockFallback(ctx, in, func(text string, blocks []slack.Block) error {
		var err error
		ts, err = n.slackClt.PostMessage(ctx, text, blocks...)
		return err
	}, fallbackText, blocks)

	return ts, err
}

func (n *Notifier) updateWithBlockFallback(ctx context.Context, ts string, in *messageInput, fallbackText string, blocks []slack.Block) error {
	return n.withBlockFallback(ctx, in, func(text string, blocks []slack.Block) error {
		return n.slackClt.UpdateMessage(ctx, ts, text, blocks...)
	}, fallbackText, blocks)
}

func (n *Notifier) withBlockFallback(ctx context.Context, in *messageInput, send func(string, []slack.Block) error, fallbackText string, blocks []slack.Block) error {
	var err error

	for attempt := 0; attempt <= invalidBlocksMaxRetries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(n.backoffInterval * time.Duration(attempt))
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		err = send(fallbackText, blocks)
		if err == nil {
			return nil
		}

		if !n.isInvalidBlocksErr(err) {
			return err
		}

		n.logger.Warn(
			"messaging api rejected the block payload",
			logfields.Event("slack_invalid_blocks"),
			zap.Int("try_count", attempt+1),
			zap.Error(err),
		)
	}

	n.logger.Warn(
		"falling back to minimal message rendering",
		logfields.Event("slack_message_minimal_fallback"),
		zap.Error(err),
	)

	minText, minBlocks := buildMinimalMessage(in)
	return send(minText, minBlocks)
}

func hasLabel(labels []string, name string) bool {
	for _, label := range labels {
		if label == name {
			return true
		}
	}

	return false
}
