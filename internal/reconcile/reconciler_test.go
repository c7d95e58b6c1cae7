package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solidcrowd/crowdledger/internal/audit"
	"github.com/solidcrowd/crowdledger/internal/ledger"
	"github.com/solidcrowd/crowdledger/internal/models"
	"github.com/solidcrowd/crowdledger/internal/notarization"
	"github.com/solidcrowd/crowdledger/internal/settlement"
	"github.com/solidcrowd/crowdledger/internal/storage"
	"github.com/solidcrowd/crowdledger/internal/vault"
	"github.com/solidcrowd/crowdledger/internal/wallet"
	"github.com/solidcrowd/crowdledger/pkg/utils"
)

type reconcileFixture struct {
	storage    storage.Storage
	settlement *settlement.SimulatedClient
	reconciler *Reconciler
}

func newFixture(t *testing.T, notarizationURL string) *reconcileFixture {
	t.Helper()

	store := storage.NewSQLiteStorage(&storage.StorageConfig{
		Type:             "sqlite",
		ConnectionString: filepath.Join(t.TempDir(), "reconcile_test.db"),
		MaxConnections:   10,
		MaxIdleTime:      15 * time.Minute,
	})
	require.NoError(t, store.Connect())
	require.NoError(t, store.Migrate())
	t.Cleanup(func() { store.Close() })

	client := settlement.NewSimulatedClient()
	trail := audit.NewTrail(store)
	registry := notarization.NewRegistry(store,
		notarization.NewClient(notarizationURL, 2*time.Second), trail)

	reconciler := NewReconciler(store, client, registry, trail, &Config{
		RunInterval:  time.Minute,
		VerifyWindow: 24 * time.Hour,
		BatchSize:    50,
	})

	return &reconcileFixture{storage: store, settlement: client, reconciler: reconciler}
}

func notarizationStub(t *testing.T) *httptest.Server {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/create-project-topic":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"success":       true,
				"topicId":       "0.0.5001",
				"transactionId": "tx-topic-1",
			})
		default:
			json.NewEncoder(w).Encode(map[string]interface{}{"messages": []interface{}{}})
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func (f *reconcileFixture) seedProject(t *testing.T, topicRef string) *models.Project {
	t.Helper()

	now := time.Now().UTC()
	project := &models.Project{
		ID:              utils.GenerateID(),
		AuditUUID:       utils.GenerateID(),
		Title:           "Community Well",
		OwnerID:         "owner-1",
		RequestedAmount: 100000,
		EnforceCap:      true,
		Status:          models.ProjectStatusActive,
		TopicRef:        topicRef,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	require.NoError(t, f.storage.SaveProject(context.Background(), project))
	return project
}

func (f *reconcileFixture) seedTimedOut(t *testing.T, projectID, txRef string) *models.Contribution {
	t.Helper()

	contribution := &models.Contribution{
		ID:            utils.GenerateID(),
		AuditUUID:     utils.GenerateID(),
		ProjectID:     projectID,
		ContributorID: "contributor-1",
		Amount:        5000,
		TxRef:         txRef,
		Status:        models.ContributionStatusError,
		FailureReason: "transfer timed out",
		TimedOut:      true,
		CreatedAt:     time.Now().UTC(),
	}
	require.NoError(t, f.storage.SaveContribution(context.Background(), contribution))
	return contribution
}

func TestReconcilerRecoversExecutedTransfer(t *testing.T) {
	stub := notarizationStub(t)
	fixture := newFixture(t, stub.URL)
	ctx := context.Background()

	project := fixture.seedProject(t, "0.0.5001")
	seedTopic(t, fixture.storage, project.ID)
	contribution := fixture.seedTimedOut(t, project.ID, "sim_tx_recovered")

	// The network executed the transfer despite the local timeout
	fixture.settlement.SeedTransaction("sim_tx_recovered")

	fixture.reconciler.RunOnce(ctx)

	recovered, err := fixture.storage.GetContribution(ctx, contribution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ContributionStatusConfirmed, recovered.Status)
	assert.NotNil(t, recovered.ConfirmedAt)

	retrieved, err := fixture.storage.GetProject(ctx, project.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), retrieved.CollectedAmount)

	stats := fixture.reconciler.GetStats()
	assert.Equal(t, uint64(1), stats.TotalRecovered)
	assert.Equal(t, uint64(1), stats.TotalRuns)
}

func TestReconcilerClosesUnexecutedTransfer(t *testing.T) {
	stub := notarizationStub(t)
	fixture := newFixture(t, stub.URL)
	ctx := context.Background()

	project := fixture.seedProject(t, "0.0.5001")
	seedTopic(t, fixture.storage, project.ID)
	contribution := fixture.seedTimedOut(t, project.ID, "sim_tx_never_happened")

	fixture.reconciler.RunOnce(ctx)

	closed, err := fixture.storage.GetContribution(ctx, contribution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ContributionStatusError, closed.Status)
	// Flag cleared so the next pass skips it
	assert.False(t, closed.TimedOut)

	retrieved, err := fixture.storage.GetProject(ctx, project.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), retrieved.CollectedAmount)

	stats := fixture.reconciler.GetStats()
	assert.Equal(t, uint64(1), stats.TotalClosedFailed)
}

func TestReconcilerClosesTransferWithoutReference(t *testing.T) {
	stub := notarizationStub(t)
	fixture := newFixture(t, stub.URL)
	ctx := context.Background()

	project := fixture.seedProject(t, "0.0.5001")
	seedTopic(t, fixture.storage, project.ID)
	contribution := fixture.seedTimedOut(t, project.ID, "")

	fixture.reconciler.RunOnce(ctx)

	closed, err := fixture.storage.GetContribution(ctx, contribution.ID)
	require.NoError(t, err)
	assert.False(t, closed.TimedOut)
	assert.Equal(t, uint64(1), fixture.reconciler.GetStats().TotalClosedFailed)
}

func TestReconcilerConfirmsStuckPending(t *testing.T) {
	stub := notarizationStub(t)
	fixture := newFixture(t, stub.URL)
	ctx := context.Background()

	project := fixture.seedProject(t, "0.0.5001")
	seedTopic(t, fixture.storage, project.ID)

	// The transfer succeeded but the confirmation never landed, leaving a
	// pending contribution holding its reference
	stuck := &models.Contribution{
		ID:            utils.GenerateID(),
		AuditUUID:     utils.GenerateID(),
		ProjectID:     project.ID,
		ContributorID: "contributor-1",
		Amount:        5000,
		TxRef:         "sim_tx_stuck",
		Status:        models.ContributionStatusPending,
		CreatedAt:     time.Now().UTC(),
	}
	require.NoError(t, fixture.storage.SaveContribution(ctx, stuck))

	// A fresh pending contribution without a reference must be left alone
	inflight := &models.Contribution{
		ID:            utils.GenerateID(),
		AuditUUID:     utils.GenerateID(),
		ProjectID:     project.ID,
		ContributorID: "contributor-2",
		Amount:        3000,
		Status:        models.ContributionStatusPending,
		CreatedAt:     time.Now().UTC(),
	}
	require.NoError(t, fixture.storage.SaveContribution(ctx, inflight))

	fixture.reconciler.RunOnce(ctx)

	confirmed, err := fixture.storage.GetContribution(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ContributionStatusConfirmed, confirmed.Status)
	assert.NotNil(t, confirmed.ConfirmedAt)

	untouched, err := fixture.storage.GetContribution(ctx, inflight.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ContributionStatusPending, untouched.Status)

	retrieved, err := fixture.storage.GetProject(ctx, project.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), retrieved.CollectedAmount)
	assert.Equal(t, uint64(1), fixture.reconciler.GetStats().TotalRecovered)
}

func TestReconcilerRecoversTimedOutSubmission(t *testing.T) {
	store := storage.NewSQLiteStorage(&storage.StorageConfig{
		Type:             "sqlite",
		ConnectionString: filepath.Join(t.TempDir(), "reconcile_e2e_test.db"),
		MaxConnections:   10,
		MaxIdleTime:      15 * time.Minute,
	})
	require.NoError(t, store.Connect())
	require.NoError(t, store.Migrate())
	t.Cleanup(func() { store.Close() })

	// One stub plays gateway and mirror: wallet creation responds, the
	// transfer submission hangs past the client timeout, and the mirror
	// reports the transfer as executed.
	var accounts int32
	var mirrorHits int32
	network := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/create-wallet":
			n := atomic.AddInt32(&accounts, 1)
			json.NewEncoder(w).Encode(map[string]string{
				"accountId":  fmt.Sprintf("0.0.91%02d", n),
				"privateKey": fmt.Sprintf("key-%d", n),
			})
		case r.URL.Path == "/transaction":
			time.Sleep(300 * time.Millisecond)
			fmt.Fprint(w, `[{"transactionId":"too-late"}]`)
		case strings.HasPrefix(r.URL.Path, "/transactions/"):
			atomic.AddInt32(&mirrorHits, 1)
			json.NewEncoder(w).Encode(map[string]string{"result": "SUCCESS"})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(network.Close)

	client := settlement.NewLiveClient(&settlement.ClientConfig{
		Mode:            "live",
		GatewayURL:      network.URL,
		MirrorURL:       network.URL,
		OperatorAccount: "0.0.1",
		RequestTimeout:  50 * time.Millisecond,
		FallbackRate:    1e-8,
	})

	keyVault, err := vault.New("reconcile-test-master-secret")
	require.NoError(t, err)

	trail := audit.NewTrail(store)
	wallets := wallet.NewProvisioner(store, client, keyVault, trail)
	contributionLedger := ledger.New(store, client, wallets, trail, &ledger.Config{
		MinContribution:   1000,
		AnonymizationSalt: "test-salt",
	})

	ctx := context.Background()
	now := time.Now().UTC()
	project := &models.Project{
		ID:              utils.GenerateID(),
		AuditUUID:       utils.GenerateID(),
		Title:           "Community Well",
		OwnerID:         "owner-1",
		RequestedAmount: 100000,
		EnforceCap:      true,
		Status:          models.ProjectStatusActive,
		TopicRef:        "0.0.5001",
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	require.NoError(t, store.SaveProject(ctx, project))
	seedTopic(t, store, project.ID)

	contribution, err := contributionLedger.SubmitContribution(ctx, &ledger.SubmitContributionRequest{
		ProjectID:     project.ID,
		ContributorID: "alice",
		Amount:        5000,
	})
	require.NoError(t, err)
	require.Equal(t, models.ContributionStatusError, contribution.Status)
	require.True(t, contribution.TimedOut)
	require.NotEmpty(t, contribution.TxRef)

	notary := notarizationStub(t)
	registry := notarization.NewRegistry(store,
		notarization.NewClient(notary.URL, 2*time.Second), trail)
	reconciler := NewReconciler(store, client, registry, trail, &Config{
		RunInterval:  time.Minute,
		VerifyWindow: 24 * time.Hour,
		BatchSize:    50,
	})

	reconciler.RunOnce(ctx)

	// The reconciler asked the mirror about the reference and confirmed
	// the contribution the network had executed
	assert.Greater(t, atomic.LoadInt32(&mirrorHits), int32(0))

	recovered, err := store.GetContribution(ctx, contribution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ContributionStatusConfirmed, recovered.Status)
	assert.Equal(t, contribution.TxRef, recovered.TxRef)

	retrieved, err := store.GetProject(ctx, project.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), retrieved.CollectedAmount)
	assert.Equal(t, uint64(1), reconciler.GetStats().TotalRecovered)
}

func TestReconcilerProvisionsMissingTopics(t *testing.T) {
	stub := notarizationStub(t)
	fixture := newFixture(t, stub.URL)
	ctx := context.Background()

	project := fixture.seedProject(t, "")

	fixture.reconciler.RunOnce(ctx)

	topic, err := fixture.storage.GetTopic(ctx, project.ID)
	require.NoError(t, err)
	require.NotNil(t, topic)
	assert.Equal(t, "0.0.5001", topic.TopicRef)
	assert.Equal(t, uint64(1), fixture.reconciler.GetStats().TotalTopicsCreated)

	// System state records the pass
	lastRun, err := fixture.storage.GetSystemState("last_reconcile_run")
	require.NoError(t, err)
	assert.NotEmpty(t, lastRun)
}

func TestReconcilerLifecycle(t *testing.T) {
	stub := notarizationStub(t)
	fixture := newFixture(t, stub.URL)
	ctx := context.Background()

	require.NoError(t, fixture.reconciler.Start(ctx))
	assert.True(t, fixture.reconciler.IsRunning())

	// Starting twice fails
	require.Error(t, fixture.reconciler.Start(ctx))

	health := fixture.reconciler.GetHealth()
	assert.True(t, health.Healthy)

	require.NoError(t, fixture.reconciler.Stop())
	assert.False(t, fixture.reconciler.IsRunning())

	health = fixture.reconciler.GetHealth()
	assert.False(t, health.Healthy)

	// Stopping an already stopped reconciler is a no-op
	require.NoError(t, fixture.reconciler.Stop())
}

func seedTopic(t *testing.T, store storage.Storage, projectID string) {
	t.Helper()

	topic := &models.NotarizationTopic{
		ID:        utils.GenerateID(),
		ProjectID: projectID,
		TopicRef:  "0.0.5001",
		CreatedAt: time.Now().UTC(),
	}
	_, _, err := store.CreateTopicWithReference(context.Background(), topic)
	require.NoError(t, err)
}
