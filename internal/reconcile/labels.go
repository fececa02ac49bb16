// Package reconcile computes the desired pull request metadata state
// and converges the labels on GitHub to it with the minimum number of
// write operations.
package reconcile

// LabelDef is the canonical definition of a managed label.
type LabelDef struct {
	Name        string
	Color       string
	Description string
}

// QALabels are the labels reflecting the QA run state of a pull
// request. At most one of them may be set on a PR at any time.
var QALabels = []LabelDef{
	{Name: "qa:pending", Color: "bfd4f2", Description: "QA run has not started yet"},
	{Name: "qa:running", Color: "fbca04", Description: "QA run is in progress"},
	{Name: "qa:success", Color: "0e8a16", Description: "QA run succeeded"},
	{Name: "qa:failed", Color: "d93f0b", Description: "QA run failed"},
}

// StatusLabels reflect the review/merge state of a pull request.
// At most one of them may be set on a PR at any time.
var StatusLabels = []LabelDef{
	{Name: "status:draft", Color: "cccccc", Description: "PR is a work in progress"},
	{Name: "status:ready-for-review", Color: "1d76db", Description: "PR is waiting for a review"},
	{Name: "status:approved", Color: "0e8a16", Description: "PR was approved by a reviewer"},
	{Name: "status:mergeable", Color: "5319e7", Description: "PR is approved and QA succeeded"},
	{Name: "status:merged", Color: "6f42c1", Description: "PR was merged"},
	{Name: "status:abandoned", Color: "000000", Description: "PR was closed without merging"},
}

// TypeLabels classify a pull request by its conventional-commit type.
var TypeLabels = []LabelDef{
	{Name: "feat", Color: "a2eeef", Description: "Adds a new feature"},
	{Name: "fix", Color: "d73a4a", Description: "Fixes a bug"},
	{Name: "docs", Color: "0075ca", Description: "Documentation only changes"},
	{Name: "style", Color: "fef2c0", Description: "Formatting, no code change"},
	{Name: "refactor", Color: "c5def5", Description: "Code change that neither fixes a bug nor adds a feature"},
	{Name: "perf", Color: "f9d0c4", Description: "Performance improvement"},
	{Name: "test", Color: "bfdadc", Description: "Adds or corrects tests"},
	{Name: "build", Color: "e4e669", Description: "Changes to the build system"},
	{Name: "ci", Color: "ededed", Description: "Changes to the CI configuration"},
	{Name: "revert", Color: "5319e7", Description: "Reverts a previous change"},
	{Name: "chore", Color: "fef2c0", Description: "Routine maintenance task"},
}

// ModifierLabels are set in addition to a type label.
var ModifierLabels = []LabelDef{
	{Name: "dependencies", Color: "0366d6", Description: "Updates a dependency"},
	{Name: "breaking", Color: "b60205", Description: "Contains a breaking change"},
}

func labelNames(defs []LabelDef) []string {
	result := make([]string, 0, len(defs))
	for _, def := range defs {
		result = append(result, def.Name)
	}

	return result
}

// QALabelNames returns the names of the QA exclusivity group.
func QALabelNames() []string {
	return labelNames(QALabels)
}

// StatusLabelNames returns the names of the status exclusivity group.
func StatusLabelNames() []string {
	return labelNames(StatusLabels)
}

// ManagedLabels returns the definitions of all labels this system owns.
func ManagedLabels() []LabelDef {
	result := make([]LabelDef, 0, len(QALabels)+len(StatusLabels)+len(TypeLabels)+len(ModifierLabels))
	result = append(result, QALabels...)
	result = append(result, StatusLabels...)
	result = append(result, TypeLabels...)
	result = append(result, ModifierLabels...)

	return result
}

func toStrSet(sl []string) map[string]struct{} {
	result := make(map[string]struct{}, len(sl))

	for _, elem := range sl {
		result[elem] = struct{}{}
	}

	return result
}
