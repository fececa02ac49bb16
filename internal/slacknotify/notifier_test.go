package slacknotify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/simplesurance/prmeta/internal/githubclt"
)

const repo = "repo"
const repoOwner = "testman"
const prNumber = 7
const runID = "run-1"

type fakeGithub struct {
	pr            *githubclt.PullRequest
	comments      []*githubclt.IssueComment
	nextCommentID int64

	// injectedAfterCreate is appended to the comment list after the
	// first CreateIssueComment call, simulating a concurrent run
	injectedAfterCreate []*githubclt.IssueComment

	updatedComments map[int64]string
	deletedComments []int64
}

func newFakeGithub(pr *githubclt.PullRequest) *fakeGithub {
	return &fakeGithub{
		pr:              pr,
		nextCommentID:   100,
		updatedComments: map[int64]string{},
	}
}

func (f *fakeGithub) GetPullRequest(context.Context, string, string, int) (*githubclt.PullRequest, error) {
	return f.pr, nil
}

func (f *fakeGithub) ListIssueComments(context.Context, string, string, int) ([]*githubclt.IssueComment, error) {
	return append([]*githubclt.IssueComment(nil), f.comments...), nil
}

func (f *fakeGithub) CreateIssueComment(_ context.Context, _, _ string, _ int, body string) (int64, error) {
	f.nextCommentID++
	id := f.nextCommentID
	f.comments = append(f.comments, f.injectedAfterCreate...)
	f.injectedAfterCreate = nil
	f.comments = append(f.comments, &githubclt.IssueComment{ID: id, Body: body})

	return id, nil
}

func (f *fakeGithub) UpdateIssueComment(_ context.Context, _, _ string, commentID int64, body string) error {
	f.updatedComments[commentID] = body
	return nil
}

func (f *fakeGithub) DeleteIssueComment(_ context.Context, _, _ string, commentID int64) error {
	f.deletedComments = append(f.deletedComments, commentID)
	return nil
}

type fakeSlack struct {
	postErrs  []error
	postCalls int
	posted    [][]slack.Block

	updatedTS []string

	reactions   []string
	added       []string
	removed     []string
	dropNextAdd bool
}

func (f *fakeSlack) PostMessage(_ context.Context, _ string, blocks ...slack.Block) (string, error) {
	call := f.postCalls
	f.postCalls++
	if call < len(f.postErrs) && f.postErrs[call] != nil {
		return "", f.postErrs[call]
	}

	f.posted = append(f.posted, blocks)
	return "1700000000.000100", nil
}

func (f *fakeSlack) UpdateMessage(_ context.Context, ts, _ string, _ ...slack.Block) error {
	f.updatedTS = append(f.updatedTS, ts)
	return nil
}

func (f *fakeSlack) GetReactions(context.Context, string) ([]string, error) {
	return append([]string(nil), f.reactions...), nil
}

func (f *fakeSlack) AddReaction(_ context.Context, _, name string) error {
	f.added = append(f.added, name)
	if f.dropNextAdd {
		// simulate a lost write, the reaction does not appear
		f.dropNextAdd = false
		return nil
	}

	f.reactions = append(f.reactions, name)
	return nil
}

func (f *fakeSlack) RemoveReaction(_ context.Context, _, name string) error {
	f.removed = append(f.removed, name)
	for i, existing := range f.reactions {
		if existing == name {
			f.reactions = append(f.reactions[:i], f.reactions[i+1:]...)
			break
		}
	}

	return nil
}

func isInvalidBlocksErr(err error) bool {
	return err != nil && err.Error() == "invalid_blocks"
}

func openPR() *githubclt.PullRequest {
	return &githubclt.PullRequest{
		Number:     prNumber,
		Title:      "feat(api): add pagination",
		Author:     "contributor",
		AuthorType: "User",
		State:      "open",
		Labels:     []string{"qa:pending", "status:ready-for-review", "feat"},
	}
}

func newTestNotifier(t *testing.T, gh *fakeGithub, slackClt *fakeSlack) *Notifier {
	t.Helper()
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	n := New(gh, slackClt, repoOwner, repo, prNumber, runID, isInvalidBlocksErr)
	n.backoffInterval = time.Millisecond

	return n
}

func TestFirstNotificationCreatesMessageAndMarker(t *testing.T) {
	gh := newFakeGithub(openPR())
	slackClt := &fakeSlack{}
	n := newTestNotifier(t, gh, slackClt)

	require.NoError(t, n.Run(context.Background()))

	require.Equal(t, 1, slackClt.postCalls)

	// the lock comment was rewritten to the ts marker
	require.Len(t, gh.updatedComments, 1)
	for _, body := range gh.updatedComments {
		assert.Equal(t, tsMarkerBody("1700000000.000100"), body)
	}
	assert.Empty(t, gh.deletedComments)

	// reactions were reconciled for the fresh message
	assert.ElementsMatch(t, []string{"hourglass", "eyes"}, slackClt.reactions)
}

func TestFirstNotificationSkipsBotAuthors(t *testing.T) {
	pr := openPR()
	pr.AuthorType = "Bot"

	gh := newFakeGithub(pr)
	slackClt := &fakeSlack{}
	n := newTestNotifier(t, gh, slackClt)

	require.NoError(t, n.Run(context.Background()))
	assert.Zero(t, slackClt.postCalls)
	assert.Empty(t, gh.comments)
}

func TestFirstNotificationSkipsDrafts(t *testing.T) {
	pr := openPR()
	pr.Labels = []string{"status:draft", "qa:pending"}

	gh := newFakeGithub(pr)
	slackClt := &fakeSlack{}
	n := newTestNotifier(t, gh, slackClt)

	require.NoError(t, n.Run(context.Background()))
	assert.Zero(t, slackClt.postCalls)
}

func TestFirstNotificationSkipsAlreadyClosedPRs(t *testing.T) {
	pr := openPR()
	pr.State = "closed"

	gh := newFakeGithub(pr)
	slackClt := &fakeSlack{}
	n := newTestNotifier(t, gh, slackClt)

	require.NoError(t, n.Run(context.Background()))
	assert.Zero(t, slackClt.postCalls)
}

func TestFirstNotificationLosesCreationRace(t *testing.T) {
	gh := newFakeGithub(openPR())
	// a concurrent run recorded its message before our lock comment
	gh.injectedAfterCreate = []*githubclt.IssueComment{
		{ID: 50, Body: tsMarkerBody("1690000000.000200")},
	}

	slackClt := &fakeSlack{}
	n := newTestNotifier(t, gh, slackClt)

	require.NoError(t, n.Run(context.Background()))

	// no own message was posted, the own lock comment was deleted
	// and the winner's message was adopted for reaction updates
	assert.Zero(t, slackClt.postCalls)
	assert.Len(t, gh.deletedComments, 1)
	assert.ElementsMatch(t, []string{"hourglass", "eyes"}, slackClt.reactions)
}

func TestFirstNotificationLosesRaceToPendingLock(t *testing.T) {
	gh := newFakeGithub(openPR())
	// the concurrent winner holds the lock but has not posted yet
	gh.injectedAfterCreate = []*githubclt.IssueComment{
		{ID: 50, Body: lockMarkerBody("other-run")},
	}

	slackClt := &fakeSlack{}
	n := newTestNotifier(t, gh, slackClt)

	require.NoError(t, n.Run(context.Background()))

	// nothing exists to converge, the winner's run takes over
	assert.Zero(t, slackClt.postCalls)
	assert.Len(t, gh.deletedComments, 1)
	assert.Empty(t, slackClt.added)
	assert.Empty(t, slackClt.removed)
}

func TestExistingMessageIsUpdatedInPlace(t *testing.T) {
	gh := newFakeGithub(openPR())
	gh.comments = []*githubclt.IssueComment{
		{ID: 10, Body: tsMarkerBody("1690000000.000300")},
	}

	slackClt := &fakeSlack{}
	n := newTestNotifier(t, gh, slackClt)

	require.NoError(t, n.Run(context.Background()))

	assert.Zero(t, slackClt.postCalls)
	assert.Equal(t, []string{"1690000000.000300"}, slackClt.updatedTS)
}

func TestInvalidBlocksFallsBackToMinimalRendering(t *testing.T) {
	gh := newFakeGithub(openPR())
	invalidBlocks := errors.New("invalid_blocks")
	slackClt := &fakeSlack{postErrs: []error{invalidBlocks, invalidBlocks, invalidBlocks}}
	n := newTestNotifier(t, gh, slackClt)

	require.NoError(t, n.Run(context.Background()))

	// initial try, 2 retries, then the minimal rendering
	require.Equal(t, 4, slackClt.postCalls)
	require.Len(t, slackClt.posted, 1)
}

func TestReactionExtrasAreRemovedBeforeAdding(t *testing.T) {
	pr := openPR()
	pr.Labels = []string{"qa:success", "status:mergeable"}

	gh := newFakeGithub(pr)
	gh.comments = []*githubclt.IssueComment{
		{ID: 10, Body: tsMarkerBody("1690000000.000300")},
	}

	slackClt := &fakeSlack{reactions: []string{"hourglass_flowing_sand", "eyes", "joy"}}
	n := newTestNotifier(t, gh, slackClt)

	require.NoError(t, n.Run(context.Background()))

	assert.ElementsMatch(t, []string{"hourglass_flowing_sand", "eyes"}, slackClt.removed)
	// the human-applied reaction is never touched
	assert.ElementsMatch(t, []string{"joy", "white_check_mark", "rocket"}, slackClt.reactions)
}

func TestReactionMismatchTriggersReset(t *testing.T) {
	pr := openPR()
	pr.Labels = []string{"qa:success", "status:mergeable"}

	gh := newFakeGithub(pr)
	gh.comments = []*githubclt.IssueComment{
		{ID: 10, Body: tsMarkerBody("1690000000.000300")},
	}

	// the first add is lost, verification must detect it and reset
	slackClt := &fakeSlack{dropNextAdd: true}
	n := newTestNotifier(t, gh, slackClt)

	require.NoError(t, n.Run(context.Background()))

	assert.ElementsMatch(t, []string{"white_check_mark", "rocket"}, slackClt.reactions)
	// the lost reaction was added twice: delta pass and reset pass
	assert.GreaterOrEqual(t, len(slackClt.added), 3)
}

func TestMergedPRGetsCelebratoryUpdateAndZeroReactions(t *testing.T) {
	pr := openPR()
	pr.Merged = true
	pr.State = "closed"
	pr.Labels = []string{"status:merged", "qa:success"}

	gh := newFakeGithub(pr)
	gh.comments = []*githubclt.IssueComment{
		{ID: 10, Body: tsMarkerBody("1690000000.000300")},
	}

	slackClt := &fakeSlack{reactions: []string{"white_check_mark", "rocket", "joy"}}
	n := newTestNotifier(t, gh, slackClt)

	require.NoError(t, n.Run(context.Background()))

	assert.Equal(t, []string{"1690000000.000300"}, slackClt.updatedTS)
	// all managed reactions removed, the human one stays
	assert.Equal(t, []string{"joy"}, slackClt.reactions)
}
