package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/s3-encryption-gateway/internal/metrics"
	"github.com/kenneth/s3-encryption-gateway/internal/model"
	"github.com/kenneth/s3-encryption-gateway/internal/orchestrator"
)

// Handler serves the control-plane HTTP API: job creation and progress
// polling on top of the Orchestrator.
type Handler struct {
	orch    *orchestrator.Orchestrator
	logger  *logrus.Logger
	metrics *metrics.Metrics
}

// NewHandler creates a new API handler.
func NewHandler(orch *orchestrator.Orchestrator, logger *logrus.Logger, m *metrics.Metrics) *Handler {
	return &Handler{orch: orch, logger: logger, metrics: m}
}

// RegisterRoutes registers all API routes.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/health", h.handleHealth).Methods("GET")
	r.HandleFunc("/ready", h.handleReady).Methods("GET")
	r.HandleFunc("/live", h.handleLive).Methods("GET")

	r.HandleFunc("/elections/{electionId}/tally", h.handleCreateTally).Methods("POST")
	r.HandleFunc("/elections/{electionId}/decrypt/{guardianId}", h.handleInitiateDecryption).Methods("POST")
	r.HandleFunc("/elections/{electionId}/combine", h.handleCreateCombine).Methods("POST")
	r.HandleFunc("/jobs/{jobId}/progress", h.handleProgress).Methods("GET")
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	metrics.HealthHandler()(w, r)
	h.metrics.RecordHTTPRequest(r.Context(), "GET", "/health", http.StatusOK, time.Since(start), 0)
}

func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	metrics.ReadinessHandler(nil)(w, r)
	h.metrics.RecordHTTPRequest(r.Context(), "GET", "/ready", http.StatusOK, time.Since(start), 0)
}

func (h *Handler) handleLive(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	metrics.LivenessHandler()(w, r)
	h.metrics.RecordHTTPRequest(r.Context(), "GET", "/live", http.StatusOK, time.Since(start), 0)
}

type createTallyRequest struct {
	CreatedBy      string   `json:"createdBy"`
	JointPublicKey string   `json:"jointPublicKey"`
	ItemIDs        []string `json:"itemIds"`
}

// handleCreateTally handles POST /elections/{electionId}/tally.
func (h *Handler) handleCreateTally(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	electionID := mux.Vars(r)["electionId"]

	var req createTallyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, start, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := h.orch.CreateTally(r.Context(), electionID, req.CreatedBy, req.JointPublicKey, req.ItemIDs)
	h.writeLockResult(w, r, start, res, err)
}

type initiateDecryptionRequest struct {
	CreatedBy      string   `json:"createdBy"`
	PrivateKey     string   `json:"privateKey"`
	Polynomial     string   `json:"polynomial"`
	AllGuardianIDs []string `json:"allGuardianIds"`
}

// handleInitiateDecryption handles POST /elections/{electionId}/decrypt/{guardianId}.
func (h *Handler) handleInitiateDecryption(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	vars := mux.Vars(r)
	electionID, guardianID := vars["electionId"], vars["guardianId"]

	var req initiateDecryptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, start, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := h.orch.InitiatePartialDecryption(r.Context(), electionID, guardianID, req.CreatedBy, req.PrivateKey, req.Polynomial, req.AllGuardianIDs)
	h.writeLockResult(w, r, start, res, err)
}

type createCombineRequest struct {
	CreatedBy string `json:"createdBy"`
}

// handleCreateCombine handles POST /elections/{electionId}/combine.
func (h *Handler) handleCreateCombine(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	electionID := mux.Vars(r)["electionId"]

	var req createCombineRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, r, start, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	res, err := h.orch.CreateCombine(r.Context(), electionID, req.CreatedBy)
	h.writeLockResult(w, r, start, res, err)
}

// handleProgress handles GET /jobs/{jobId}/progress.
func (h *Handler) handleProgress(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	jobID := mux.Vars(r)["jobId"]

	pv, err := h.orch.Progress(r.Context(), jobID)
	if err != nil {
		h.logger.WithError(err).WithField("jobId", jobID).Warn("failed to load job progress")
		h.writeError(w, r, start, http.StatusNotFound, "job not found")
		return
	}

	h.writeJSON(w, r, start, http.StatusOK, pv)
}

// writeLockResult renders an orchestrator initiation result: a fresh job
// id, or the informational "already in progress" shape when the lock
// was already held by someone else (spec.md §4.5 — never an error).
func (h *Handler) writeLockResult(w http.ResponseWriter, r *http.Request, start time.Time, res *orchestrator.LockResult, err error) {
	if err != nil {
		status := http.StatusInternalServerError
		if model.ClassOf(err) == model.ErrInvalidInput {
			status = http.StatusBadRequest
		}
		h.logger.WithError(err).Error("orchestrator call failed")
		h.writeError(w, r, start, status, err.Error())
		return
	}
	if res.Holder != nil {
		h.writeJSON(w, r, start, http.StatusOK, map[string]any{
			"status": "ALREADY_IN_PROGRESS",
			"holder": res.Holder,
		})
		return
	}
	h.writeJSON(w, r, start, http.StatusAccepted, map[string]any{
		"jobId":  res.JobID,
		"status": "ACCEPTED",
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, r *http.Request, start time.Time, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	data, _ := json.Marshal(body)
	n, _ := w.Write(data)
	h.metrics.RecordHTTPRequest(r.Context(), r.Method, r.URL.Path, status, time.Since(start), int64(n))
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, start time.Time, status int, msg string) {
	h.writeJSON(w, r, start, status, map[string]string{"error": msg})
}
