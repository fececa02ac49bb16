package reconcile

import "context"

// StatusLabelInput contains the facts the desired status label is
// derived from.
type StatusLabelInput struct {
	Merged      bool
	Abandoned   bool
	Draft       bool
	HasApproval bool
	QAStatus    QAStatus
}

// DesiredStatusLabel selects the single status label for the input.
// It is a strict priority chain, evaluated top-to-bottom, the first
// match wins.
func DesiredStatusLabel(in *StatusLabelInput) string {
	switch {
	case in.Merged:
		return "status:merged"
	case in.Abandoned:
		return "status:abandoned"
	case in.Draft:
		return "status:draft"
	case in.HasApproval && in.QAStatus == QAStatusSuccess:
		return "status:mergeable"
	case in.HasApproval:
		return "status:approved"
	default:
		return "status:ready-for-review"
	}
}

// ReconcileStatusLabel converges the status label group of the PR so
// that only the label selected for in is present.
func (r *LabelReconciler) ReconcileStatusLabel(ctx context.Context, in *StatusLabelInput) error {
	return r.converge(ctx, StatusLabelNames(), DesiredStatusLabel(in))
}
