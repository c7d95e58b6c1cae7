package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
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

type serverFixture struct {
	server     *HTTPServer
	settlement *settlement.SimulatedClient
	storage    storage.Storage
}

func newTestServer(t *testing.T) *serverFixture {
	t.Helper()

	stub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
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
			json.NewEncoder(w).Encode(map[string]interface{}{"messages": []interface{}{}})
		}
	}))
	t.Cleanup(stub.Close)

	store := storage.NewSQLiteStorage(&storage.StorageConfig{
		Type:             "sqlite",
		ConnectionString: filepath.Join(t.TempDir(), "server_test.db"),
		MaxConnections:   10,
		MaxIdleTime:      15 * time.Minute,
	})
	require.NoError(t, store.Connect())
	require.NoError(t, store.Migrate())
	t.Cleanup(func() { store.Close() })

	keyVault, err := vault.New("server-test-master-secret")
	require.NoError(t, err)

	client := settlement.NewSimulatedClient()
	trail := audit.NewTrail(store)
	wallets := wallet.NewProvisioner(store, client, keyVault, trail)
	registry := notarization.NewRegistry(store,
		notarization.NewClient(stub.URL, 2*time.Second), trail)

	contributionLedger := ledger.New(store, client, wallets, trail, &ledger.Config{
		MinContribution:   1000,
		AnonymizationSalt: "test-salt",
	})
	projects := ledger.NewProjectService(store, wallets, registry, trail)

	httpServer, err := NewHTTPServer(&ServerConfig{
		Port:         0,
		Host:         "127.0.0.1",
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		EnableHealth: true,
	}, store, contributionLedger, projects, wallets, registry, nil, client, trail, nil)
	require.NoError(t, err)

	return &serverFixture{server: httpServer, settlement: client, storage: store}
}

func (f *serverFixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	recorder := httptest.NewRecorder()
	f.server.router.ServeHTTP(recorder, req)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &decoded))
	return decoded
}

// activateProject walks a project through the API to active status
func (f *serverFixture) activateProject(t *testing.T) string {
	t.Helper()

	created := f.do(t, "POST", "/api/v1/projects", map[string]interface{}{
		"title":            "Community Well",
		"description":      "Clean water for the village",
		"owner_id":         "owner-1",
		"requested_amount": 100000,
	})
	require.Equal(t, http.StatusCreated, created.Code)
	projectID := decodeBody(t, created)["id"].(string)

	submitted := f.do(t, "POST", fmt.Sprintf("/api/v1/projects/%s/submit", projectID),
		map[string]interface{}{"actor": "owner-1"})
	require.Equal(t, http.StatusOK, submitted.Code)

	validated := f.do(t, "POST", fmt.Sprintf("/api/v1/projects/%s/validate", projectID),
		map[string]interface{}{"validator_id": "validator-9"})
	require.Equal(t, http.StatusOK, validated.Code)

	return projectID
}

func TestHealthEndpoint(t *testing.T) {
	fixture := newTestServer(t)

	recorder := fixture.do(t, "GET", "/api/v1/health", nil)
	require.Equal(t, http.StatusOK, recorder.Code)

	body := decodeBody(t, recorder)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "simulated", body["settlement_mode"])

	detailed := fixture.do(t, "GET", "/api/v1/health/detailed", nil)
	require.Equal(t, http.StatusOK, detailed.Code)
	components := decodeBody(t, detailed)["components"].(map[string]interface{})
	assert.Equal(t, true, components["storage"])
}

func TestProjectLifecycleOverHTTP(t *testing.T) {
	fixture := newTestServer(t)

	projectID := fixture.activateProject(t)

	retrieved := fixture.do(t, "GET", "/api/v1/projects/"+projectID, nil)
	require.Equal(t, http.StatusOK, retrieved.Code)
	body := decodeBody(t, retrieved)
	assert.Equal(t, models.ProjectStatusActive, body["status"])
	assert.Equal(t, "0.0.5001", body["topic_ref"])

	listed := fixture.do(t, "GET", "/api/v1/projects?status=active", nil)
	require.Equal(t, http.StatusOK, listed.Code)
	assert.Equal(t, float64(1), decodeBody(t, listed)["total"])

	topic := fixture.do(t, "GET", fmt.Sprintf("/api/v1/projects/%s/topic", projectID), nil)
	require.Equal(t, http.StatusOK, topic.Code)
}

func TestProjectErrorMapping(t *testing.T) {
	fixture := newTestServer(t)

	missing := fixture.do(t, "GET", "/api/v1/projects/no-such-project", nil)
	assert.Equal(t, http.StatusNotFound, missing.Code)
	assert.Equal(t, utils.ErrCodeNotFound, decodeBody(t, missing)["code"])

	invalid := fixture.do(t, "POST", "/api/v1/projects", map[string]interface{}{
		"owner_id": "owner-1",
	})
	assert.Equal(t, http.StatusBadRequest, invalid.Code)

	// Draft projects cannot be validated; the guard surfaces as a conflict
	created := fixture.do(t, "POST", "/api/v1/projects", map[string]interface{}{
		"title":            "Community Well",
		"owner_id":         "owner-1",
		"requested_amount": 100000,
	})
	require.Equal(t, http.StatusCreated, created.Code)
	projectID := decodeBody(t, created)["id"].(string)

	conflict := fixture.do(t, "POST", fmt.Sprintf("/api/v1/projects/%s/validate", projectID),
		map[string]interface{}{"validator_id": "validator-9"})
	assert.Equal(t, http.StatusConflict, conflict.Code)
}

func TestContributionFlowOverHTTP(t *testing.T) {
	fixture := newTestServer(t)

	projectID := fixture.activateProject(t)

	confirmed := fixture.do(t, "POST", "/api/v1/contributions", map[string]interface{}{
		"project_id":     projectID,
		"contributor_id": "contributor-1",
		"amount":         5000,
	})
	require.Equal(t, http.StatusCreated, confirmed.Code)
	body := decodeBody(t, confirmed)
	assert.Equal(t, models.ContributionStatusConfirmed, body["status"])
	contributionID := body["id"].(string)

	retrieved := fixture.do(t, "GET", "/api/v1/contributions/"+contributionID, nil)
	require.Equal(t, http.StatusOK, retrieved.Code)

	listed := fixture.do(t, "GET", "/api/v1/contributions?project="+projectID, nil)
	require.Equal(t, http.StatusOK, listed.Code)
	assert.Equal(t, float64(1), decodeBody(t, listed)["total"])

	belowMinimum := fixture.do(t, "POST", "/api/v1/contributions", map[string]interface{}{
		"project_id":     projectID,
		"contributor_id": "contributor-1",
		"amount":         10,
	})
	assert.Equal(t, http.StatusBadRequest, belowMinimum.Code)

	refunded := fixture.do(t, "POST", fmt.Sprintf("/api/v1/contributions/%s/refund", contributionID),
		map[string]interface{}{"actor": "admin"})
	require.Equal(t, http.StatusOK, refunded.Code)
	assert.Equal(t, models.ContributionStatusRefunded, decodeBody(t, refunded)["status"])

	// Refunding twice is a state conflict
	again := fixture.do(t, "POST", fmt.Sprintf("/api/v1/contributions/%s/refund", contributionID),
		map[string]interface{}{"actor": "admin"})
	assert.Equal(t, http.StatusConflict, again.Code)
}

func TestWalletEndpoints(t *testing.T) {
	fixture := newTestServer(t)

	provisioned := fixture.do(t, "POST", "/api/v1/wallets/user/contributor-1", nil)
	require.Equal(t, http.StatusOK, provisioned.Code)
	assert.NotEmpty(t, decodeBody(t, provisioned)["account_id"])

	balance := fixture.do(t, "GET", "/api/v1/wallets/user/contributor-1/balance", nil)
	require.Equal(t, http.StatusOK, balance.Code)
	body := decodeBody(t, balance)
	assert.Equal(t, "user", body["owner_kind"])
	assert.Equal(t, float64(0), body["balance"])
}

func TestAuditEndpoint(t *testing.T) {
	fixture := newTestServer(t)
	fixture.activateProject(t)

	recorder := fixture.do(t, "GET", "/api/v1/audit?actor=validator-9", nil)
	require.Equal(t, http.StatusOK, recorder.Code)

	body := decodeBody(t, recorder)
	assert.GreaterOrEqual(t, body["total"].(float64), float64(1))

	// Entries written during HTTP requests carry the caller's address
	entries := body["entries"].([]interface{})
	require.NotEmpty(t, entries)
	first := entries[0].(map[string]interface{})
	assert.NotEmpty(t, first["origin"])
}

func TestReconcilerEndpointsDisabled(t *testing.T) {
	fixture := newTestServer(t)

	status := fixture.do(t, "GET", "/api/v1/reconcile/status", nil)
	assert.Equal(t, http.StatusNotFound, status.Code)

	run := fixture.do(t, "POST", "/api/v1/reconcile/run", nil)
	assert.Equal(t, http.StatusNotFound, run.Code)
}

func TestSimulatorReset(t *testing.T) {
	fixture := newTestServer(t)

	projectID := fixture.activateProject(t)
	confirmed := fixture.do(t, "POST", "/api/v1/contributions", map[string]interface{}{
		"project_id":     projectID,
		"contributor_id": "contributor-1",
		"amount":         5000,
	})
	require.Equal(t, http.StatusCreated, confirmed.Code)
	assert.NotZero(t, fixture.settlement.CallCount("transfer"))

	recorder := fixture.do(t, "POST", "/api/v1/simulator/reset", nil)
	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Zero(t, fixture.settlement.CallCount("transfer"))
}

func TestMetricsDisabledByConfig(t *testing.T) {
	fixture := newTestServer(t)

	recorder := fixture.do(t, "GET", "/metrics", nil)
	assert.Equal(t, http.StatusNotFound, recorder.Code)
}
