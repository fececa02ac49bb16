package reconcile

import (
	"context"
	"errors"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/simplesurance/prmeta/internal/githubclt"
	"github.com/simplesurance/prmeta/internal/reconcile/mocks"
)

const repo = "repo"
const repoOwner = "testman"
const prNumber = 7

func newTestReconciler(t *testing.T) (*LabelReconciler, *mocks.MockGithubClient) {
	t.Helper()
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	mockctrl := gomock.NewController(t)
	ghClient := mocks.NewMockGithubClient(mockctrl)

	return NewLabelReconciler(ghClient, repoOwner, repo, prNumber), ghClient
}

func mockListLabels(clt *mocks.MockGithubClient, labels []string) *gomock.Call {
	return clt.
		EXPECT().
		ListLabels(gomock.Any(), gomock.Eq(repoOwner), gomock.Eq(repo), gomock.Eq(prNumber)).
		Return(labels, nil)
}

func TestReconcileQALabelIsIdempotent(t *testing.T) {
	r, ghClient := newTestReconciler(t)

	// the desired label is the only QA label present, the second
	// invocation must not issue any write call
	mockListLabels(ghClient, []string{"feat", "qa:success"}).Times(2)

	require.NoError(t, r.ReconcileQALabel(context.Background(), QAStatusSuccess))
	require.NoError(t, r.ReconcileQALabel(context.Background(), QAStatusSuccess))
}

func TestReconcileQALabelConvergesCompetingLabels(t *testing.T) {
	r, ghClient := newTestReconciler(t)

	mockListLabels(ghClient, []string{"qa:running", "qa:failed", "feat"})
	ghClient.
		EXPECT().
		RemoveLabel(gomock.Any(), gomock.Eq(repoOwner), gomock.Eq(repo), gomock.Eq(prNumber), gomock.Eq("qa:running")).
		Return(nil)
	ghClient.
		EXPECT().
		RemoveLabel(gomock.Any(), gomock.Eq(repoOwner), gomock.Eq(repo), gomock.Eq(prNumber), gomock.Eq("qa:failed")).
		Return(nil)
	ghClient.
		EXPECT().
		AddLabels(gomock.Any(), gomock.Eq(repoOwner), gomock.Eq(repo), gomock.Eq(prNumber), gomock.Eq([]string{"qa:success"})).
		Return(nil)

	require.NoError(t, r.ReconcileQALabel(context.Background(), QAStatusSuccess))
}

func TestReconcileQALabelRemovalFailureDoesNotBlockAddition(t *testing.T) {
	r, ghClient := newTestReconciler(t)

	mockListLabels(ghClient, []string{"qa:running", "qa:failed"})
	ghClient.
		EXPECT().
		RemoveLabel(gomock.Any(), gomock.Eq(repoOwner), gomock.Eq(repo), gomock.Eq(prNumber), gomock.Eq("qa:running")).
		Return(errors.New("mocked remove error"))
	ghClient.
		EXPECT().
		RemoveLabel(gomock.Any(), gomock.Eq(repoOwner), gomock.Eq(repo), gomock.Eq(prNumber), gomock.Eq("qa:failed")).
		Return(nil)
	ghClient.
		EXPECT().
		AddLabels(gomock.Any(), gomock.Eq(repoOwner), gomock.Eq(repo), gomock.Eq(prNumber), gomock.Eq([]string{"qa:success"})).
		Return(nil)

	err := r.ReconcileQALabel(context.Background(), QAStatusSuccess)
	assert.Error(t, err)
}

func TestReconcileQALabelUnmappedStatusIsNoop(t *testing.T) {
	r, _ := newTestReconciler(t)

	require.NoError(t, r.ReconcileQALabel(context.Background(), QAStatus("weird")))
}

func TestReconcileQALabelDesiredPresentWithCompetitor(t *testing.T) {
	r, ghClient := newTestReconciler(t)

	mockListLabels(ghClient, []string{"qa:success", "qa:pending"})
	ghClient.
		EXPECT().
		RemoveLabel(gomock.Any(), gomock.Eq(repoOwner), gomock.Eq(repo), gomock.Eq(prNumber), gomock.Eq("qa:pending")).
		Return(nil)

	require.NoError(t, r.ReconcileQALabel(context.Background(), QAStatusSuccess))
}

func TestEnsureLabelsExistCreatesMissingAndUpdatesDrifted(t *testing.T) {
	r, ghClient := newTestReconciler(t)

	defs := []LabelDef{
		{Name: "qa:pending", Color: "bfd4f2", Description: "QA run has not started yet"},
		{Name: "qa:running", Color: "fbca04", Description: "QA run is in progress"},
		{Name: "qa:success", Color: "0e8a16", Description: "QA run succeeded"},
	}

	// missing -> created
	ghClient.
		EXPECT().
		GetRepoLabel(gomock.Any(), gomock.Eq(repoOwner), gomock.Eq(repo), gomock.Eq("qa:pending")).
		Return("", "", githubclt.ErrNotFound)
	ghClient.
		EXPECT().
		CreateRepoLabel(gomock.Any(), gomock.Eq(repoOwner), gomock.Eq(repo), gomock.Eq("qa:pending"), gomock.Eq("bfd4f2"), gomock.Eq("QA run has not started yet")).
		Return(nil)

	// drifted color -> updated
	ghClient.
		EXPECT().
		GetRepoLabel(gomock.Any(), gomock.Eq(repoOwner), gomock.Eq(repo), gomock.Eq("qa:running")).
		Return("ffffff", "QA run is in progress", nil)
	ghClient.
		EXPECT().
		UpdateRepoLabel(gomock.Any(), gomock.Eq(repoOwner), gomock.Eq(repo), gomock.Eq("qa:running"), gomock.Eq("fbca04"), gomock.Eq("QA run is in progress")).
		Return(nil)

	// canonical -> untouched
	ghClient.
		EXPECT().
		GetRepoLabel(gomock.Any(), gomock.Eq(repoOwner), gomock.Eq(repo), gomock.Eq("qa:success")).
		Return("0e8a16", "QA run succeeded", nil)

	require.NoError(t, r.EnsureLabelsExist(context.Background(), defs))
}

func TestEnsureLabelsExistFailureIsIsolatedPerLabel(t *testing.T) {
	r, ghClient := newTestReconciler(t)

	defs := []LabelDef{
		{Name: "qa:pending", Color: "bfd4f2", Description: "QA run has not started yet"},
		{Name: "qa:running", Color: "fbca04", Description: "QA run is in progress"},
	}

	ghClient.
		EXPECT().
		GetRepoLabel(gomock.Any(), gomock.Eq(repoOwner), gomock.Eq(repo), gomock.Eq("qa:pending")).
		Return("", "", errors.New("mocked api error"))

	// the second label is still processed
	ghClient.
		EXPECT().
		GetRepoLabel(gomock.Any(), gomock.Eq(repoOwner), gomock.Eq(repo), gomock.Eq("qa:running")).
		Return("fbca04", "QA run is in progress", nil)

	err := r.EnsureLabelsExist(context.Background(), defs)
	assert.Error(t, err)
}
