package ledger

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solidcrowd/crowdledger/internal/models"
	"github.com/solidcrowd/crowdledger/internal/notarization"
	"github.com/solidcrowd/crowdledger/pkg/utils"
)

func newTestProjectService(t *testing.T, notarizationURL string) (*testStack, *ProjectService) {
	t.Helper()

	stack := newTestStack(t)
	client := notarization.NewClient(notarizationURL, 2*time.Second)
	registry := notarization.NewRegistry(stack.storage, client, stack.audit)

	return stack, NewProjectService(stack.storage, stack.wallets, registry, stack.audit)
}

func newNotarizationStub(t *testing.T) *httptest.Server {
	t.Helper()

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/create-project-topic":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"success":       true,
				"topicId":       "0.0.5001",
				"transactionId": "tx-topic-1",
			})
		case "/notarize-project-validation":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"success":        true,
				"transactionId":  "tx-validation-1",
				"sequenceNumber": 1,
			})
		default:
			http.NotFound(w, r)
		}
	}))
}

func TestCreateProject(t *testing.T) {
	stack, service := newTestProjectService(t, "http://unused.invalid")
	ctx := context.Background()

	project, err := service.CreateProject(ctx, &CreateProjectRequest{
		Title:           "Community Well",
		Description:     "Clean water for the village",
		OwnerID:         "owner-1",
		RequestedAmount: 100000,
	})
	require.NoError(t, err)
	assert.Equal(t, models.ProjectStatusDraft, project.Status)
	assert.True(t, project.EnforceCap)
	assert.Equal(t, int64(0), project.CollectedAmount)

	// The project wallet was provisioned alongside
	wallet, err := stack.wallets.GetWallet(ctx, models.WalletOwnerProject, project.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, wallet.AccountID)
}

func TestCreateProjectValidation(t *testing.T) {
	_, service := newTestProjectService(t, "http://unused.invalid")
	ctx := context.Background()

	cases := []CreateProjectRequest{
		{OwnerID: "owner-1", RequestedAmount: 100000},
		{Title: "No Owner", RequestedAmount: 100000},
		{Title: "Bad Amount", OwnerID: "owner-1", RequestedAmount: 0},
		{Title: "Negative", OwnerID: "owner-1", RequestedAmount: -5},
	}
	for _, req := range cases {
		_, err := service.CreateProject(ctx, &req)
		require.Error(t, err)
		assert.True(t, utils.IsCode(err, utils.ErrCodeValidation))
	}
}

func TestCreateProjectOptOutOfCap(t *testing.T) {
	_, service := newTestProjectService(t, "http://unused.invalid")

	noCap := false
	project, err := service.CreateProject(context.Background(), &CreateProjectRequest{
		Title:           "Open Ended",
		OwnerID:         "owner-1",
		RequestedAmount: 100000,
		EnforceCap:      &noCap,
	})
	require.NoError(t, err)
	assert.False(t, project.EnforceCap)
}

func TestProjectLifecycle(t *testing.T) {
	stub := newNotarizationStub(t)
	defer stub.Close()

	stack, service := newTestProjectService(t, stub.URL)
	ctx := context.Background()

	project, err := service.CreateProject(ctx, &CreateProjectRequest{
		Title:           "Community Well",
		OwnerID:         "owner-1",
		RequestedAmount: 100000,
	})
	require.NoError(t, err)

	project, err = service.SubmitForReview(ctx, project.ID, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, models.ProjectStatusPendingReview, project.Status)

	project, err = service.Validate(ctx, project.ID, "validator-9")
	require.NoError(t, err)
	assert.Equal(t, models.ProjectStatusActive, project.Status)
	assert.Equal(t, "validator-9", project.ValidatedBy)

	// Activation anchored the project on the notarization log
	assert.Equal(t, "0.0.5001", project.TopicRef)

	topic, err := stack.storage.GetTopic(ctx, project.ID)
	require.NoError(t, err)
	require.NotNil(t, topic)
	assert.Equal(t, "0.0.5001", topic.TopicRef)
}

func TestValidateStandsWhenNotarizationDown(t *testing.T) {
	stub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
	}))
	defer stub.Close()

	_, service := newTestProjectService(t, stub.URL)
	ctx := context.Background()

	project, err := service.CreateProject(ctx, &CreateProjectRequest{
		Title:           "Community Well",
		OwnerID:         "owner-1",
		RequestedAmount: 100000,
	})
	require.NoError(t, err)

	_, err = service.SubmitForReview(ctx, project.ID, "owner-1")
	require.NoError(t, err)

	// Notarization failure degrades to a warning; the validation stands
	project, err = service.Validate(ctx, project.ID, "validator-9")
	require.NoError(t, err)
	assert.Equal(t, models.ProjectStatusActive, project.Status)
	assert.Empty(t, project.TopicRef)
}

func TestValidateGuardsStatus(t *testing.T) {
	_, service := newTestProjectService(t, "http://unused.invalid")
	ctx := context.Background()

	project, err := service.CreateProject(ctx, &CreateProjectRequest{
		Title:           "Community Well",
		OwnerID:         "owner-1",
		RequestedAmount: 100000,
	})
	require.NoError(t, err)

	// Draft projects cannot be validated directly
	_, err = service.Validate(ctx, project.ID, "validator-9")
	require.Error(t, err)
	assert.True(t, utils.IsCode(err, utils.ErrCodeStateTransition))

	_, err = service.Validate(ctx, project.ID, "")
	require.Error(t, err)
	assert.True(t, utils.IsCode(err, utils.ErrCodeValidation))
}

func TestRejectProject(t *testing.T) {
	stack, service := newTestProjectService(t, "http://unused.invalid")
	ctx := context.Background()

	project, err := service.CreateProject(ctx, &CreateProjectRequest{
		Title:           "Community Well",
		OwnerID:         "owner-1",
		RequestedAmount: 100000,
	})
	require.NoError(t, err)

	_, err = service.SubmitForReview(ctx, project.ID, "owner-1")
	require.NoError(t, err)

	project, err = service.Reject(ctx, project.ID, "validator-9", "insufficient documentation")
	require.NoError(t, err)
	assert.Equal(t, models.ProjectStatusRejected, project.Status)

	action := models.AuditActionReject
	entries, err := stack.audit.List(ctx, models.AuditFilter{Action: &action})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "insufficient documentation", entries[0].Detail["reason"])

	// Rejected projects cannot re-enter review
	_, err = service.SubmitForReview(ctx, project.ID, "owner-1")
	require.Error(t, err)
	assert.True(t, utils.IsCode(err, utils.ErrCodeStateTransition))
}

func TestGetProjectNotFound(t *testing.T) {
	_, service := newTestProjectService(t, "http://unused.invalid")

	_, err := service.GetProject(context.Background(), "no-such-project")
	require.Error(t, err)
	assert.True(t, utils.IsCode(err, utils.ErrCodeNotFound))
}
