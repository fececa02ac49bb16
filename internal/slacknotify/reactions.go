package slacknotify

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/simplesurance/prmeta/internal/logfields"
)

// labelToReaction maps managed labels to the emoji mirroring them on
// the notification message.
// The merged status has no entry, a merged PR carries zero managed
// reactions.
var labelToReaction = map[string]string{
	"qa:pending": "hourglass",
	"qa:running": "hourglass_flowing_sand",
	"qa:success": "white_check_mark",
	"qa:failed":  "x",

	"status:ready-for-review": "eyes",
	"status:approved":         "thumbsup",
	"status:mergeable":        "rocket",
	"status:abandoned":        "wastebasket",
}

// reaction exclusivity groups, ordered by priority, highest first.
// At most one reaction per group may be active.
var (
	qaReactionPriority     = []string{"x", "white_check_mark", "hourglass_flowing_sand", "hourglass"}
	statusReactionPriority = []string{"rocket", "thumbsup", "eyes", "wastebasket"}
)

const qaInProgressLabel = "qa:running"

// managedReactions is the full emoji vocabulary this system owns.
// Reactions outside of it are never touched.
func managedReactions() map[string]struct{} {
	result := make(map[string]struct{}, len(labelToReaction))
	for _, emoji := range labelToReaction {
		result[emoji] = struct{}{}
	}

	return result
}

// DesiredReactions computes the reaction set mirroring the label state.
//
// A merged PR has zero managed reactions. Otherwise every present label
// is mapped through labelToReaction and within each exclusivity group
// only the highest-priority emoji is kept. While the QA run is in
// progress only QA-group emoji are kept, a stale status emoji from a
// previous run must not survive a re-run.
func DesiredReactions(labels []string, merged bool) []string {
	if merged {
		return nil
	}

	active := make(map[string]struct{}, len(labels))
	qaInProgress := false
	for _, label := range labels {
		if emoji, exists := labelToReaction[label]; exists {
			active[emoji] = struct{}{}
		}

		if label == qaInProgressLabel {
			qaInProgress = true
		}
	}

	var result []string

	for _, emoji := range qaReactionPriority {
		if _, exists := active[emoji]; exists {
			result = append(result, emoji)
			break
		}
	}

	if qaInProgress {
		return result
	}

	for _, emoji := range statusReactionPriority {
		if _, exists := active[emoji]; exists {
			result = append(result, emoji)
			break
		}
	}

	return result
}

// reconcileReactions converges the reaction set of the message to the
// desired state.
// Extras are removed before missing ones are added, a transient
// violation of the one-reaction-per-group invariant is avoided that
// way. If any change was attempted the result is verified and on a
// mismatch reset from scratch once.
func (n *Notifier) reconcileReactions(ctx context.Context, ts string, labels []string, merged bool) error {
	desired := DesiredReactions(labels, merged)

	current, err := n.slackClt.GetReactions(ctx, ts)
	if err != nil {
		return fmt.Errorf("fetching current reactions failed: %w", err)
	}

	if changed := n.applyReactionDelta(ctx, ts, current, desired); !changed {
		return nil
	}

	actual, err := n.slackClt.GetReactions(ctx, ts)
	if err != nil {
		return fmt.Errorf("verifying reactions failed: %w", err)
	}

	if reactionsMatch(actual, desired) {
		return nil
	}

	n.logger.Warn(
		"reactions do not match desired state after update, resetting from scratch",
		logfields.Event("slack_reactions_reset"),
		logfields.MessageTS(ts),
		zap.Strings("desired_reactions", desired),
		zap.Strings("actual_reactions", actual),
	)

	n.resetReactions(ctx, ts, actual, desired)

	return nil
}

// applyReactionDelta removes managed reactions that are not desired and
// adds desired ones that are missing.
// Failures are isolated per reaction, the verification pass catches
// what was left behind.
// It returns true when at least one change was attempted.
func (n *Notifier) applyReactionDelta(ctx context.Context, ts string, current, desired []string) (changed bool) {
	managed := managedReactions()
	desiredSet := toStrSet(desired)
	currentSet := toStrSet(current)

	for _, emoji := range current {
		if _, isManaged := managed[emoji]; !isManaged {
			continue
		}

		if _, isDesired := desiredSet[emoji]; isDesired {
			continue
		}

		changed = true
		if err := n.slackClt.RemoveReaction(ctx, ts, emoji); err != nil {
			n.logger.Warn(
				"removing reaction failed",
				logfields.Event("slack_reaction_remove_failed"),
				logfields.Reaction(emoji),
				zap.Error(err),
			)
		}
	}

	for _, emoji := range desired {
		if _, exists := currentSet[emoji]; exists {
			continue
		}

		changed = true
		if err := n.slackClt.AddReaction(ctx, ts, emoji); err != nil {
			n.logger.Warn(
				"adding reaction failed",
				logfields.Event("slack_reaction_add_failed"),
				logfields.Reaction(emoji),
				zap.Error(err),
			)
		}
	}

	return changed
}

// resetReactions removes every managed reaction and re-adds the full
// desired set.
// It is the self-healing fallback after a failed verification, errors
// are logged but not raised.
func (n *Notifier) resetReactions(ctx context.Context, ts string, current, desired []string) {
	managed := managedReactions()

	for _, emoji := range current {
		if _, isManaged := managed[emoji]; !isManaged {
			continue
		}

		if err := n.slackClt.RemoveReaction(ctx, ts, emoji); err != nil {
			n.logger.Warn(
				"removing reaction during reset failed",
				logfields.Event("slack_reaction_reset_remove_failed"),
				logfields.Reaction(emoji),
				zap.Error(err),
			)
		}
	}

	for _, emoji := range desired {
		if err := n.slackClt.AddReaction(ctx, ts, emoji); err != nil {
			n.logger.Warn(
				"adding reaction during reset failed",
				logfields.Event("slack_reaction_reset_add_failed"),
				logfields.Reaction(emoji),
				zap.Error(err),
			)
		}
	}
}

// reactionsMatch compares the managed subset of actual against desired.
func reactionsMatch(actual, desired []string) bool {
	managed := managedReactions()

	var actualManaged []string
	for _, emoji := range actual {
		if _, exists := managed[emoji]; exists {
			actualManaged = append(actualManaged, emoji)
		}
	}

	if len(actualManaged) != len(desired) {
		return false
	}

	sortedActual := append([]string(nil), actualManaged...)
	sortedDesired := append([]string(nil), desired...)
	sort.Strings(sortedActual)
	sort.Strings(sortedDesired)

	for i := range sortedActual {
		if sortedActual[i] != sortedDesired[i] {
			return false
		}
	}

	return true
}

func toStrSet(sl []string) map[string]struct{} {
	result := make(map[string]struct{}, len(sl))

	for _, elem := range sl {
		result[elem] = struct{}{}
	}

	return result
}
