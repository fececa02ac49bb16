package reconcile

import (
	"github.com/simplesurance/prmeta/internal/githubclt"
)

// QAStatus describes the outcome of the automated QA checks for a pull
// request.
// It is never stored, it is recomputed from the trigger on every
// invocation.
type QAStatus string

const (
	QAStatusPending QAStatus = "pending"
	QAStatusRunning QAStatus = "running"
	QAStatusSuccess QAStatus = "success"
	QAStatusFailed  QAStatus = "failed"
)

// Trigger is the event-dependent input that the QA status is derived
// from.
// Review-triggered and PR-triggered events use disjoint input data, the
// two derivations are intentionally kept separate.
type Trigger interface {
	QAStatus() QAStatus
}

// ReviewTrigger derives the QA status for review-triggered events,
// which carry no fresh job outcome.
// The status is read back from whichever QA label is currently present.
type ReviewTrigger struct {
	// CurrentLabels is the label set currently present on the PR.
	CurrentLabels []string
}

var labelToQAStatus = map[string]QAStatus{
	"qa:pending": QAStatusPending,
	"qa:running": QAStatusRunning,
	"qa:success": QAStatusSuccess,
	"qa:failed":  QAStatusFailed,
}

func (t *ReviewTrigger) QAStatus() QAStatus {
	for _, label := range t.CurrentLabels {
		if status, exists := labelToQAStatus[label]; exists {
			return status
		}
	}

	return QAStatusPending
}

// JobTrigger derives the QA status for PR-triggered events from the
// outcome of the QA workflow job.
// The secret-scanning outcome is informational only and never changes
// the result.
type JobTrigger struct {
	// QAOutcome is the job outcome reported by the workflow, one of:
	// success, failure, cancelled, skipped, or empty when the job did
	// not run.
	QAOutcome string
	// SecretScanOutcome is the outcome of the secret-scanning job.
	SecretScanOutcome string
}

func (t *JobTrigger) QAStatus() QAStatus {
	switch t.QAOutcome {
	case "success":
		return QAStatusSuccess
	case "failure", "cancelled":
		return QAStatusFailed
	case "skipped", "":
		return QAStatusPending
	default:
		// fail closed on unrecognized outcome values
		return QAStatusFailed
	}
}

// HasApproval returns true if at least one review with state APPROVED
// exists whose author differs from the PR author.
// A self-approval never counts.
func HasApproval(reviews []*githubclt.Review, prAuthor string) bool {
	for _, review := range reviews {
		if review.State == "APPROVED" && review.Author != prAuthor {
			return true
		}
	}

	return false
}
