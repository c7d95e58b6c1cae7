package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/solidcrowd/crowdledger/internal/audit"
	"github.com/solidcrowd/crowdledger/internal/ledger"
	"github.com/solidcrowd/crowdledger/internal/metrics"
	"github.com/solidcrowd/crowdledger/internal/models"
	"github.com/solidcrowd/crowdledger/internal/notarization"
	"github.com/solidcrowd/crowdledger/internal/reconcile"
	"github.com/solidcrowd/crowdledger/internal/settlement"
	"github.com/solidcrowd/crowdledger/internal/storage"
	"github.com/solidcrowd/crowdledger/internal/wallet"
	"github.com/solidcrowd/crowdledger/pkg/utils"
)

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port          int           `json:"port"`
	Host          string        `json:"host"`
	ReadTimeout   time.Duration `json:"read_timeout"`
	WriteTimeout  time.Duration `json:"write_timeout"`
	EnableMetrics bool          `json:"enable_metrics"`
	EnableHealth  bool          `json:"enable_health"`
}

// HTTPServer represents the HTTP server
type HTTPServer struct {
	config         *ServerConfig
	server         *http.Server
	router         *mux.Router
	storage        storage.Storage
	ledger         *ledger.Ledger
	projects       *ledger.ProjectService
	wallets        *wallet.Provisioner
	registry       *notarization.Registry
	reconciler     *reconcile.Reconciler
	settlement     settlement.Client
	auditTrail     *audit.Trail
	metricsManager *metrics.Manager
	logger         *logrus.Logger
}

// NewHTTPServer creates a new HTTP server
func NewHTTPServer(
	config *ServerConfig,
	store storage.Storage,
	contributionLedger *ledger.Ledger,
	projects *ledger.ProjectService,
	wallets *wallet.Provisioner,
	registry *notarization.Registry,
	reconciler *reconcile.Reconciler,
	settlementClient settlement.Client,
	auditTrail *audit.Trail,
	metricsManager *metrics.Manager,
) (*HTTPServer, error) {

	server := &HTTPServer{
		config:         config,
		storage:        store,
		ledger:         contributionLedger,
		projects:       projects,
		wallets:        wallets,
		registry:       registry,
		reconciler:     reconciler,
		settlement:     settlementClient,
		auditTrail:     auditTrail,
		metricsManager: metricsManager,
		logger:         utils.GetLogger(),
	}

	server.setupRouter()

	server.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", config.Host, config.Port),
		Handler:      server.router,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}

	return server, nil
}

// setupRouter sets up the HTTP routes
func (s *HTTPServer) setupRouter() {
	s.router = mux.NewRouter()

	// Middleware
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.corsMiddleware)
	s.router.Use(originMiddleware)
	if s.metricsManager != nil {
		s.router.Use(s.metricsMiddleware)
	}

	// API routes
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Health check endpoint
	if s.config.EnableHealth {
		api.HandleFunc("/health", s.healthHandler).Methods("GET")
		api.HandleFunc("/health/detailed", s.detailedHealthHandler).Methods("GET")
	}

	// Metrics endpoint
	if s.config.EnableMetrics {
		s.router.Handle("/metrics", promhttp.Handler())
		api.HandleFunc("/stats", s.statsHandler).Methods("GET")
	}

	// Project endpoints
	api.HandleFunc("/projects", s.listProjectsHandler).Methods("GET")
	api.HandleFunc("/projects", s.createProjectHandler).Methods("POST")
	api.HandleFunc("/projects/{id}", s.getProjectHandler).Methods("GET")
	api.HandleFunc("/projects/{id}/submit", s.submitProjectHandler).Methods("POST")
	api.HandleFunc("/projects/{id}/validate", s.validateProjectHandler).Methods("POST")
	api.HandleFunc("/projects/{id}/reject", s.rejectProjectHandler).Methods("POST")
	api.HandleFunc("/projects/{id}/topic", s.getTopicHandler).Methods("GET")
	api.HandleFunc("/projects/{id}/topic/sync", s.syncTopicHandler).Methods("POST")

	// Contribution endpoints
	api.HandleFunc("/contributions", s.listContributionsHandler).Methods("GET")
	api.HandleFunc("/contributions", s.submitContributionHandler).Methods("POST")
	api.HandleFunc("/contributions/{id}", s.getContributionHandler).Methods("GET")
	api.HandleFunc("/contributions/{id}/refund", s.refundContributionHandler).Methods("POST")

	// Wallet endpoints
	api.HandleFunc("/wallets/{kind}/{owner}", s.ensureWalletHandler).Methods("POST")
	api.HandleFunc("/wallets/{kind}/{owner}/balance", s.walletBalanceHandler).Methods("GET")

	// Audit endpoints
	api.HandleFunc("/audit", s.listAuditHandler).Methods("GET")

	// Reconciler endpoints
	api.HandleFunc("/reconcile/status", s.reconcileStatusHandler).Methods("GET")
	api.HandleFunc("/reconcile/run", s.reconcileRunHandler).Methods("POST")

	// Simulator endpoints
	api.HandleFunc("/simulator/reset", s.resetSimulatorHandler).Methods("POST")
}

// Start starts the HTTP server
func (s *HTTPServer) Start() error {
	s.logger.WithFields(logrus.Fields{
		"address":         s.server.Addr,
		"metrics_enabled": s.config.EnableMetrics,
	}).Info("Starting HTTP server")

	if s.metricsManager != nil {
		s.metricsManager.UpdateSystemMetrics()
		s.updateComponentHealth()
		go s.systemMetricsUpdater()
	}

	errChan := make(chan error, 1)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithField("error", err.Error()).Error("HTTP server error")
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return fmt.Errorf("failed to start HTTP server: %w", err)
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

// systemMetricsUpdater updates system metrics periodically
func (s *HTTPServer) systemMetricsUpdater() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		s.metricsManager.UpdateSystemMetrics()
		s.updateComponentHealth()
	}
}

func (s *HTTPServer) updateComponentHealth() {
	m := s.metricsManager.GetPrometheusMetrics()
	m.UpdateComponentHealth("storage", s.storage.Ping() == nil)
	if s.reconciler != nil {
		m.UpdateComponentHealth("reconciler", s.reconciler.GetHealth().Healthy)
	}
}

// Stop stops the HTTP server
func (s *HTTPServer) Stop() error {
	s.logger.Info("Stopping HTTP server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// Health Handlers

// healthHandler returns basic health status
func (s *HTTPServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status":          "healthy",
		"timestamp":       time.Now().UTC().Format(time.RFC3339Nano),
		"settlement_mode": s.settlement.Mode(),
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// detailedHealthHandler returns detailed health status
func (s *HTTPServer) detailedHealthHandler(w http.ResponseWriter, r *http.Request) {
	storageHealthy := s.storage.Ping() == nil

	components := map[string]interface{}{
		"storage": storageHealthy,
	}
	if s.reconciler != nil {
		components["reconciler"] = s.reconciler.GetHealth()
	}

	status := "healthy"
	if !storageHealthy {
		status = "unhealthy"
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":          status,
		"timestamp":       time.Now(),
		"settlement_mode": s.settlement.Mode(),
		"components":      components,
	})
}

// statsHandler returns application statistics
func (s *HTTPServer) statsHandler(w http.ResponseWriter, r *http.Request) {
	storageStats, err := s.storage.GetStorageStats()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Failed to retrieve storage stats", err)
		return
	}

	stats := map[string]interface{}{
		"timestamp": time.Now(),
		"storage":   storageStats,
	}
	if s.reconciler != nil {
		stats["reconciler"] = s.reconciler.GetStats()
	}

	s.writeJSON(w, http.StatusOK, stats)
}

// Project Handlers

// listProjectsHandler lists projects
func (s *HTTPServer) listProjectsHandler(w http.ResponseWriter, r *http.Request) {
	filter := models.ProjectFilter{
		Limit:  parseIntParam(r, "limit", 50),
		Offset: parseIntParam(r, "offset", 0),
	}
	if status := r.URL.Query().Get("status"); status != "" {
		filter.Status = &status
	}
	if owner := r.URL.Query().Get("owner"); owner != "" {
		filter.OwnerID = &owner
	}

	projects, err := s.projects.ListProjects(r.Context(), filter)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Failed to retrieve projects", err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"projects": projects,
		"total":    len(projects),
	})
}

// createProjectHandler registers a new project
func (s *HTTPServer) createProjectHandler(w http.ResponseWriter, r *http.Request) {
	var req ledger.CreateProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	project, err := s.projects.CreateProject(r.Context(), &req)
	if err != nil {
		s.writeError(w, statusForError(err), "Failed to create project", err)
		return
	}

	s.writeJSON(w, http.StatusCreated, project)
}

// getProjectHandler gets a specific project
func (s *HTTPServer) getProjectHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	project, err := s.projects.GetProject(r.Context(), vars["id"])
	if err != nil {
		s.writeError(w, statusForError(err), "Project not found", err)
		return
	}

	s.writeJSON(w, http.StatusOK, project)
}

// submitProjectHandler moves a draft project into review
func (s *HTTPServer) submitProjectHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	var req struct {
		Actor string `json:"actor"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	project, err := s.projects.SubmitForReview(r.Context(), vars["id"], req.Actor)
	if err != nil {
		s.writeError(w, statusForError(err), "Failed to submit project", err)
		return
	}

	s.writeJSON(w, http.StatusOK, project)
}

// validateProjectHandler activates a reviewed project
func (s *HTTPServer) validateProjectHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	var req struct {
		ValidatorID string `json:"validator_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	project, err := s.projects.Validate(r.Context(), vars["id"], req.ValidatorID)
	if err != nil {
		s.writeError(w, statusForError(err), "Failed to validate project", err)
		return
	}

	s.writeJSON(w, http.StatusOK, project)
}

// rejectProjectHandler declines a project under review
func (s *HTTPServer) rejectProjectHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	var req struct {
		ValidatorID string `json:"validator_id"`
		Reason      string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	project, err := s.projects.Reject(r.Context(), vars["id"], req.ValidatorID, req.Reason)
	if err != nil {
		s.writeError(w, statusForError(err), "Failed to reject project", err)
		return
	}

	s.writeJSON(w, http.StatusOK, project)
}

// getTopicHandler returns a project's notarization topic and mirror
func (s *HTTPServer) getTopicHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	topic, err := s.registry.GetTopic(r.Context(), vars["id"])
	if err != nil {
		s.writeError(w, statusForError(err), "Topic not found", err)
		return
	}

	messages, err := s.registry.GetMirroredMessages(r.Context(), topic.ID,
		parseIntParam(r, "limit", 50), parseIntParam(r, "offset", 0))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Failed to retrieve messages", err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"topic":    topic,
		"messages": messages,
	})
}

// syncTopicHandler triggers an on-demand mirror sync for a project's topic
func (s *HTTPServer) syncTopicHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	topic, err := s.registry.GetTopic(r.Context(), vars["id"])
	if err != nil {
		s.writeError(w, statusForError(err), "Topic not found", err)
		return
	}

	result, err := s.registry.SyncMessages(r.Context(), topic)
	if err != nil {
		s.writeError(w, statusForError(err), "Topic sync failed", err)
		return
	}

	s.writeJSON(w, http.StatusOK, result)
}

// Contribution Handlers

// listContributionsHandler lists contributions
func (s *HTTPServer) listContributionsHandler(w http.ResponseWriter, r *http.Request) {
	filter := models.ContributionFilter{
		Limit:  parseIntParam(r, "limit", 50),
		Offset: parseIntParam(r, "offset", 0),
	}
	if projectID := r.URL.Query().Get("project"); projectID != "" {
		filter.ProjectID = &projectID
	}
	if contributor := r.URL.Query().Get("contributor"); contributor != "" {
		filter.ContributorID = &contributor
	}
	if status := r.URL.Query().Get("status"); status != "" {
		filter.Status = &status
	}

	contributions, err := s.ledger.ListContributions(r.Context(), filter)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Failed to retrieve contributions", err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"contributions": contributions,
		"total":         len(contributions),
	})
}

// submitContributionHandler processes one contribution attempt
func (s *HTTPServer) submitContributionHandler(w http.ResponseWriter, r *http.Request) {
	var req ledger.SubmitContributionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	contribution, err := s.ledger.SubmitContribution(r.Context(), &req)
	if err != nil {
		s.writeError(w, statusForError(err), "Contribution rejected", err)
		return
	}

	status := http.StatusCreated
	if contribution.Status != models.ContributionStatusConfirmed {
		status = http.StatusAccepted
	}

	s.writeJSON(w, status, contribution)
}

// getContributionHandler gets a specific contribution
func (s *HTTPServer) getContributionHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	contribution, err := s.ledger.GetContribution(r.Context(), vars["id"])
	if err != nil {
		s.writeError(w, statusForError(err), "Contribution not found", err)
		return
	}

	s.writeJSON(w, http.StatusOK, contribution)
}

// refundContributionHandler reverses a confirmed contribution
func (s *HTTPServer) refundContributionHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	var req struct {
		Actor string `json:"actor"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	contribution, err := s.ledger.RefundContribution(r.Context(), vars["id"], req.Actor)
	if err != nil {
		s.writeError(w, statusForError(err), "Refund failed", err)
		return
	}

	s.writeJSON(w, http.StatusOK, contribution)
}

// Wallet Handlers

// ensureWalletHandler provisions a wallet for an owner
func (s *HTTPServer) ensureWalletHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	wallet, err := s.wallets.EnsureWallet(r.Context(), vars["kind"], vars["owner"])
	if err != nil {
		s.writeError(w, statusForError(err), "Failed to provision wallet", err)
		return
	}

	s.writeJSON(w, http.StatusOK, wallet)
}

// walletBalanceHandler returns a wallet's settlement balance
func (s *HTTPServer) walletBalanceHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	balance, err := s.wallets.Balance(r.Context(), vars["kind"], vars["owner"])
	if err != nil {
		s.writeError(w, statusForError(err), "Failed to retrieve balance", err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"owner_kind": vars["kind"],
		"owner_id":   vars["owner"],
		"balance":    balance,
	})
}

// Audit Handlers

// listAuditHandler lists audit entries
func (s *HTTPServer) listAuditHandler(w http.ResponseWriter, r *http.Request) {
	filter := models.AuditFilter{
		Limit:  parseIntParam(r, "limit", 50),
		Offset: parseIntParam(r, "offset", 0),
	}
	if actor := r.URL.Query().Get("actor"); actor != "" {
		filter.Actor = &actor
	}
	if action := r.URL.Query().Get("action"); action != "" {
		filter.Action = &action
	}
	if entityKind := r.URL.Query().Get("entity_kind"); entityKind != "" {
		filter.EntityKind = &entityKind
	}
	if entityID := r.URL.Query().Get("entity_id"); entityID != "" {
		filter.EntityID = &entityID
	}

	entries, err := s.auditTrail.List(r.Context(), filter)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Failed to retrieve audit entries", err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"total":   len(entries),
	})
}

// Reconciler Handlers

// reconcileStatusHandler returns reconciler statistics
func (s *HTTPServer) reconcileStatusHandler(w http.ResponseWriter, r *http.Request) {
	if s.reconciler == nil {
		s.writeError(w, http.StatusNotFound, "Reconciler is disabled", nil)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"stats":  s.reconciler.GetStats(),
		"health": s.reconciler.GetHealth(),
	})
}

// reconcileRunHandler triggers one reconciliation pass
func (s *HTTPServer) reconcileRunHandler(w http.ResponseWriter, r *http.Request) {
	if s.reconciler == nil {
		s.writeError(w, http.StatusNotFound, "Reconciler is disabled", nil)
		return
	}

	s.reconciler.RunOnce(r.Context())

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Reconciliation pass completed",
		"stats":   s.reconciler.GetStats(),
	})
}

// Simulator Handlers

// resetSimulatorHandler clears the simulated settlement state
func (s *HTTPServer) resetSimulatorHandler(w http.ResponseWriter, r *http.Request) {
	simulated, ok := s.settlement.(*settlement.SimulatedClient)
	if !ok {
		s.writeError(w, http.StatusConflict, "Settlement client is not simulated", nil)
		return
	}

	simulated.Reset()

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Simulated settlement state reset",
	})
}

// Utility Methods

// writeJSON writes a JSON response
func (s *HTTPServer) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.WithField("error", err.Error()).Error("Failed to encode JSON response")
	}
}

// writeError writes an error response
func (s *HTTPServer) writeError(w http.ResponseWriter, status int, message string, err error) {
	errorResponse := map[string]interface{}{
		"error":     message,
		"status":    status,
		"timestamp": time.Now(),
	}

	if err != nil {
		errorResponse["details"] = err.Error()
		if code := utils.ErrorCode(err); code != "" {
			errorResponse["code"] = code
		}
		s.logger.WithFields(logrus.Fields{
			"status":  status,
			"message": message,
			"error":   err.Error(),
		}).Error("HTTP error")
	}

	s.writeJSON(w, status, errorResponse)
}

// statusForError maps application error codes to HTTP status codes
func statusForError(err error) int {
	switch utils.ErrorCode(err) {
	case utils.ErrCodeValidation:
		return http.StatusBadRequest
	case utils.ErrCodeNotFound:
		return http.StatusNotFound
	case utils.ErrCodeStateTransition, utils.ErrCodeConcurrency:
		return http.StatusConflict
	case utils.ErrCodeSettlement, utils.ErrCodeNotarization, utils.ErrCodeExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func parseIntParam(r *http.Request, name string, fallback int) int {
	value := r.URL.Query().Get(name)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}
