package notarization

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solidcrowd/crowdledger/internal/audit"
	"github.com/solidcrowd/crowdledger/internal/models"
	"github.com/solidcrowd/crowdledger/internal/storage"
	"github.com/solidcrowd/crowdledger/pkg/utils"
)

type stubService struct {
	server       *httptest.Server
	topicCreates int32
	publishes    int32
	messages     []map[string]interface{}
}

func newStubService(t *testing.T) *stubService {
	t.Helper()

	stub := &stubService{}
	stub.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/create-project-topic":
			atomic.AddInt32(&stub.topicCreates, 1)
			json.NewEncoder(w).Encode(map[string]interface{}{
				"success":       true,
				"topicId":       "0.0.5001",
				"transactionId": "tx-topic-1",
			})
		case r.URL.Path == "/notarize-project-validation":
			atomic.AddInt32(&stub.publishes, 1)
			json.NewEncoder(w).Encode(map[string]interface{}{
				"success":        true,
				"transactionId":  "tx-validation-1",
				"sequenceNumber": len(stub.messages) + 1,
			})
		case r.URL.Path == "/topics/0.0.5001/messages":
			json.NewEncoder(w).Encode(map[string]interface{}{"messages": stub.messages})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(stub.server.Close)

	return stub
}

func newTestRegistry(t *testing.T, serviceURL string) (*Registry, storage.Storage) {
	t.Helper()

	store := storage.NewSQLiteStorage(&storage.StorageConfig{
		Type:             "sqlite",
		ConnectionString: filepath.Join(t.TempDir(), "registry_test.db"),
		MaxConnections:   10,
		MaxIdleTime:      15 * time.Minute,
	})
	require.NoError(t, store.Connect())
	require.NoError(t, store.Migrate())
	t.Cleanup(func() { store.Close() })

	client := NewClient(serviceURL, 2*time.Second)
	return NewRegistry(store, client, audit.NewTrail(store)), store
}

func seedActiveProject(t *testing.T, store storage.Storage) *models.Project {
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
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	require.NoError(t, store.SaveProject(context.Background(), project))
	return project
}

func TestEnsureTopicIdempotent(t *testing.T) {
	stub := newStubService(t)
	registry, store := newTestRegistry(t, stub.server.URL)
	ctx := context.Background()

	project := seedActiveProject(t, store)

	topic, err := registry.EnsureTopic(ctx, project, "validator-9")
	require.NoError(t, err)
	assert.Equal(t, "0.0.5001", topic.TopicRef)
	assert.Equal(t, "tx-topic-1", topic.CreationTxRef)

	// Second call returns the stored topic without a remote round trip
	again, err := registry.EnsureTopic(ctx, project, "validator-9")
	require.NoError(t, err)
	assert.Equal(t, topic.ID, again.ID)
	assert.Equal(t, int32(1), atomic.LoadInt32(&stub.topicCreates))

	topics, err := store.GetTopics(ctx)
	require.NoError(t, err)
	assert.Len(t, topics, 1)
}

func TestEnsureTopicRemoteFailure(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": false,
			"error":   "consensus service unavailable",
		})
	}))
	defer failing.Close()

	registry, store := newTestRegistry(t, failing.URL)
	project := seedActiveProject(t, store)

	_, err := registry.EnsureTopic(context.Background(), project, "validator-9")
	require.Error(t, err)
	assert.True(t, utils.IsCode(err, utils.ErrCodeNotarization))

	// Nothing was persisted locally
	topic, err := store.GetTopic(context.Background(), project.ID)
	require.NoError(t, err)
	assert.Nil(t, topic)
}

func TestPublishValidation(t *testing.T) {
	stub := newStubService(t)
	registry, store := newTestRegistry(t, stub.server.URL)
	ctx := context.Background()

	project := seedActiveProject(t, store)

	// Publishing without a topic fails cleanly
	err := registry.PublishValidation(ctx, project, "validator-9")
	require.Error(t, err)
	assert.True(t, utils.IsCode(err, utils.ErrCodeNotFound))

	_, err = registry.EnsureTopic(ctx, project, "validator-9")
	require.NoError(t, err)

	require.NoError(t, registry.PublishValidation(ctx, project, "validator-9"))
	assert.Equal(t, int32(1), atomic.LoadInt32(&stub.publishes))
}

func TestSyncMessagesIdempotent(t *testing.T) {
	stub := newStubService(t)
	stub.messages = []map[string]interface{}{
		{
			"sequenceNumber":     1,
			"consensusTimestamp": time.Now().UTC().Format(time.RFC3339Nano),
			"messageType":        models.MessageTypeValidation,
			"content":            map[string]interface{}{"title": "Community Well"},
			"transactionId":      "tx-msg-1",
		},
		{
			"sequenceNumber":     2,
			"consensusTimestamp": time.Now().UTC().Format(time.RFC3339Nano),
			"content":            map[string]interface{}{"note": "untyped message"},
			"transactionId":      "tx-msg-2",
		},
	}

	registry, store := newTestRegistry(t, stub.server.URL)
	ctx := context.Background()

	project := seedActiveProject(t, store)
	topic, err := registry.EnsureTopic(ctx, project, "validator-9")
	require.NoError(t, err)

	result, err := registry.SyncMessages(ctx, topic)
	require.NoError(t, err)
	assert.Equal(t, 2, result.RemoteCount)
	assert.Equal(t, 2, result.NewlyMirrored)

	// Replaying the same remote state mirrors nothing new
	result, err = registry.SyncMessages(ctx, topic)
	require.NoError(t, err)
	assert.Equal(t, 2, result.RemoteCount)
	assert.Equal(t, 0, result.NewlyMirrored)

	messages, err := registry.GetMirroredMessages(ctx, topic.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, models.MessageTypeValidation, messages[0].MessageType)
	// Untyped remote messages default to OTHER
	assert.Equal(t, models.MessageTypeOther, messages[1].MessageType)

	stored, err := store.GetTopic(ctx, project.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stored.MessageCount)
}

func TestSyncAllContinuesPastFailures(t *testing.T) {
	stub := newStubService(t)
	registry, store := newTestRegistry(t, stub.server.URL)
	ctx := context.Background()

	project := seedActiveProject(t, store)
	_, err := registry.EnsureTopic(ctx, project, "validator-9")
	require.NoError(t, err)

	// A topic whose remote ref the service does not know fails its sync but
	// does not abort the pass
	orphan := &models.NotarizationTopic{
		ID:        utils.GenerateID(),
		ProjectID: seedActiveProject(t, store).ID,
		TopicRef:  "0.0.9999",
		CreatedAt: time.Now().UTC(),
	}
	_, _, err = store.CreateTopicWithReference(ctx, orphan)
	require.NoError(t, err)

	results, err := registry.SyncAll(ctx)
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestGetTopicNotFound(t *testing.T) {
	registry, _ := newTestRegistry(t, "http://unused.invalid")

	_, err := registry.GetTopic(context.Background(), "no-such-project")
	require.Error(t, err)
	assert.True(t, utils.IsCode(err, utils.ErrCodeNotFound))
}
