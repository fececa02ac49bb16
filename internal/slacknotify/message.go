package slacknotify

import (
	"fmt"
	"strconv"
	"time"

	"github.com/slack-go/slack"
)

// messageInput are the facts the message content is rendered from.
type messageInput struct {
	Title      string
	Author     string
	Labels     []string
	Merged     bool
	Abandoned  bool
	QARunning  bool
	HasTS      bool
	PRURL      string
	RepoName   string
	PublicRepo bool
	// PreviewBaseURL is the opengraph preview image of the PR, only
	// used for public repositories.
	PreviewBaseURL string
}

// status line token tables. Within each group the first present label
// wins, the groups mirror how humans scan the message: status first,
// then priority, then change category.
// Priority and category labels are human-applied, they are read, never
// written.
var statusLineGroups = []struct {
	name   string
	tokens []labelToken
}{
	{
		name: "status",
		tokens: []labelToken{
			{label: "status:merged", token: ":tada: Merged"},
			{label: "status:abandoned", token: ":wastebasket: Abandoned"},
			{label: "status:mergeable", token: ":rocket: Mergeable"},
			{label: "status:approved", token: ":white_check_mark: Approved"},
			{label: "status:draft", token: ":memo: Draft"},
			{label: "status:ready-for-review", token: ":eyes: Ready for review"},
		},
	},
	{
		name: "priority",
		tokens: []labelToken{
			{label: "priority:urgent", token: ":fire: Urgent"},
			{label: "priority:high", token: ":warning: High"},
			{label: "priority:low", token: ":turtle: Low"},
		},
	},
	{
		name: "category",
		tokens: []labelToken{
			{label: "breaking", token: ":boom: Breaking"},
			{label: "dependencies", token: ":package: Dependencies"},
			{label: "feat", token: ":sparkles: Feature"},
			{label: "fix", token: ":bug: Fix"},
			{label: "docs", token: ":books: Docs"},
		},
	},
}

type labelToken struct {
	label string
	token string
}

// statusLine renders the single-pick matches of the three label groups
// as short text tokens.
func statusLine(labels []string) string {
	labelSet := toStrSet(labels)

	var result string
	for _, group := range statusLineGroups {
		for _, entry := range group.tokens {
			if _, exists := labelSet[entry.label]; !exists {
				continue
			}

			if result != "" {
				result += " · "
			}
			result += entry.token

			break
		}
	}

	return result
}

// previewCacheKey returns the cache-busting key for the preview image
// URL.
// Slack caches unfurled images per URL. While QA is running and no
// message exists yet the image still changes between retries, a
// time-based key forces a re-fetch. In every other situation a stable
// key avoids needlessly flapping the cached preview.
func previewCacheKey(qaRunning, hasTS bool, now func() time.Time) string {
	if qaRunning && !hasTS {
		return strconv.FormatInt(now().Unix(), 10)
	}

	return "stable"
}

// buildMessage renders the notification message.
// Three mutually exclusive renderings exist: a minimal celebratory one
// for merged PRs, a minimal closed-out one for abandoned PRs and the
// full block set for everything else.
func buildMessage(in *messageInput) (fallbackText string, blocks []slack.Block) {
	switch {
	case in.Merged:
		text := fmt.Sprintf(":tada: *%s* was merged", in.Title)
		return text, []slack.Block{
			slack.NewSectionBlock(
				slack.NewTextBlockObject(slack.MarkdownType, text, false, false),
				nil, nil,
			),
		}

	case in.Abandoned:
		text := fmt.Sprintf(":wastebasket: *%s* was closed without merging", in.Title)
		return text, []slack.Block{
			slack.NewSectionBlock(
				slack.NewTextBlockObject(slack.MarkdownType, text, false, false),
				nil, nil,
			),
		}

	default:
		return buildFullMessage(in)
	}
}

func buildFullMessage(in *messageInput) (fallbackText string, blocks []slack.Block) {
	blocks = append(blocks, slack.NewHeaderBlock(
		slack.NewTextBlockObject(slack.PlainTextType, in.Title, false, false),
	))

	if in.PublicRepo && in.PreviewBaseURL != "" {
		imageURL := fmt.Sprintf(
			"%s?v=%s",
			in.PreviewBaseURL,
			previewCacheKey(in.QARunning, in.HasTS, time.Now),
		)
		blocks = append(blocks, slack.NewImageBlock(
			imageURL,
			in.Title,
			"",
			slack.NewTextBlockObject(slack.PlainTextType, in.RepoName, false, false),
		))
	} else {
		blocks = append(blocks, slack.NewSectionBlock(
			nil,
			[]*slack.TextBlockObject{
				slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*Repository:*\n%s", in.RepoName), false, false),
				slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*Author:*\n%s", in.Author), false, false),
			},
			nil,
		))
	}

	if line := statusLine(in.Labels); line != "" {
		blocks = append(blocks, slack.NewContextBlock(
			"",
			slack.NewTextBlockObject(slack.MarkdownType, line, false, false),
		))
	}

	blocks = append(blocks, linkButtons(in.PRURL))

	return fmt.Sprintf("%s (%s)", in.Title, in.PRURL), blocks
}

func linkButtons(prURL string) slack.Block {
	viewBtn := slack.NewButtonBlockElement(
		"view_pr", "view",
		slack.NewTextBlockObject(slack.PlainTextType, "View PR", false, false),
	).WithURL(prURL)

	filesBtn := slack.NewButtonBlockElement(
		"view_files", "files",
		slack.NewTextBlockObject(slack.PlainTextType, "Files", false, false),
	).WithURL(prURL + "/files")

	checksBtn := slack.NewButtonBlockElement(
		"view_checks", "checks",
		slack.NewTextBlockObject(slack.PlainTextType, "Checks", false, false),
	).WithURL(prURL + "/checks")

	return slack.NewActionBlock("pr_links", viewBtn, filesBtn, checksBtn)
}

// buildMinimalMessage is the fallback rendering used when the API
// rejects the full block payload.
func buildMinimalMessage(in *messageInput) (fallbackText string, blocks []slack.Block) {
	text := fmt.Sprintf("*%s*", in.Title)

	return fmt.Sprintf("%s (%s)", in.Title, in.PRURL), []slack.Block{
		slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType, text, false, false),
			nil, nil,
		),
		slack.NewActionBlock("pr_links",
			slack.NewButtonBlockElement(
				"view_pr", "view",
				slack.NewTextBlockObject(slack.PlainTextType, "View PR", false, false),
			).WithURL(in.PRURL),
		),
	}
}
