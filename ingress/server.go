package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/songzhibin97/process-engine/types"
)

const maxBodyBytes = 1 << 20

// Resumer is the checkpoint subsystem; wait.Executor implements it.
type Resumer interface {
	Resume(ctx context.Context, payload types.WaitResumePayload) (types.WaitCheckpoint, error)
	Cancel(ctx context.Context, executionID string) error
}

// StatusReader exposes instance status; workflow.Engine implements it.
type StatusReader interface {
	Status(ctx context.Context, id uint64) (types.StatusView, error)
}

// resumeRequest is the body of signal and manual resumes.
type resumeRequest struct {
	CheckpointID string                 `json:"checkpointId"`
	SignalName   string                 `json:"signalName"`
	ResumedBy    string                 `json:"resumedBy"`
	Variables    map[string]interface{} `json:"variables"`
}

// Server is the inbound HTTP surface of the wait subsystem.
type Server struct {
	http.Server
	resumer   Resumer
	status    StatusReader
	approvals Approvals
	records   RecordEvents
	verifier  Verifier
	logger    *zap.Logger
}

// Option configures a Server.
type Option func(*Server)

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithVerifier sets request verification. Default accepts everything.
func WithVerifier(v Verifier) Option {
	return func(s *Server) { s.verifier = v }
}

// NewServer routes webhookPattern (which must contain {executionId} and
// {nodeId}) plus the signal, manual, cancel and status routes. Approval and
// record event routes are added when their options are given.
func NewServer(addr, webhookPattern string, resumer Resumer, status StatusReader, opts ...Option) *Server {
	s := &Server{
		Server: http.Server{
			Addr:              addr,
			ReadHeaderTimeout: 5 * time.Second,
			IdleTimeout:       30 * time.Second,
		},
		resumer:  resumer,
		status:   status,
		verifier: noneVerifier{},
		logger:   zap.NewNop(),
	}
	for _, o := range opts {
		o(s)
	}
	if webhookPattern == "" {
		webhookPattern = types.DefaultWebhookURLPattern
	}

	router := mux.NewRouter()
	router.HandleFunc(webhookPattern, s.HandleWebhook).Methods(http.MethodPost)
	v1 := router.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/automation/signal/{executionId}/{nodeId}", s.handleResume(types.WaitSignal)).Methods(http.MethodPost)
	v1.HandleFunc("/automation/manual/{executionId}/{nodeId}", s.handleResume(types.WaitManual)).Methods(http.MethodPost)
	v1.HandleFunc("/automation/wait/{executionId}", s.HandleCancel).Methods(http.MethodDelete)
	v1.HandleFunc("/instances/{id}", s.HandleStatus).Methods(http.MethodGet)
	s.routeAPI(v1)
	router.Use(s.loggingMiddleware)
	s.Handler = router
	return s
}

// Start serves until Stop.
func (s *Server) Start() error {
	s.logger.Info("starting http server", zap.String("addr", s.Addr))
	if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("stopping http server")
	return s.Shutdown(ctx)
}

// HandleWebhook resumes a webhook wait. The JSON body becomes the webhook payload.
func (s *Server) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	var payload map[string]interface{}
	if !s.decode(w, r, &payload) {
		return
	}
	vars := mux.Vars(r)
	s.resume(w, r, types.WaitResumePayload{
		ExecutionID:    vars["executionId"],
		NodeID:         vars["nodeId"],
		CheckpointID:   r.URL.Query().Get("checkpointId"),
		EventType:      types.WaitWebhook,
		WebhookPayload: payload,
		ResumedBy:      "webhook",
	})
}

func (s *Server) handleResume(eventType types.WaitEventType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req resumeRequest
		if !s.decode(w, r, &req) {
			return
		}
		vars := mux.Vars(r)
		s.resume(w, r, types.WaitResumePayload{
			ExecutionID:  vars["executionId"],
			NodeID:       vars["nodeId"],
			CheckpointID: req.CheckpointID,
			EventType:    eventType,
			SignalName:   req.SignalName,
			ResumedBy:    req.ResumedBy,
			Variables:    req.Variables,
		})
	}
}

func (s *Server) resume(w http.ResponseWriter, r *http.Request, payload types.WaitResumePayload) {
	if payload.ExecutionID == "" || payload.NodeID == "" {
		respondWithError(w, http.StatusBadRequest, "executionId and nodeId are required")
		return
	}
	cp, err := s.resumer.Resume(r.Context(), payload)
	if err != nil {
		s.logger.Info("resume rejected",
			zap.String("execution", payload.ExecutionID),
			zap.String("node", payload.NodeID),
			zap.Error(err))
		respondWithError(w, statusFor(err), err.Error())
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{"checkpointId": cp.ID, "status": cp.Status})
}

// HandleCancel aborts the outstanding wait of an execution.
func (s *Server) HandleCancel(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.readVerified(w, r); !ok {
		return
	}
	id := mux.Vars(r)["executionId"]
	if err := s.resumer.Cancel(r.Context(), id); err != nil {
		respondWithError(w, statusFor(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleStatus returns the structured status of an instance.
func (s *Server) HandleStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if _, ok := s.readVerified(w, r); !ok {
		return
	}
	view, err := s.status.Status(r.Context(), id)
	if err != nil {
		respondWithError(w, statusFor(err), err.Error())
		return
	}
	respondWithJSON(w, http.StatusOK, view)
}

// readVerified reads the body and runs the verifier, answering the
// request itself on failure.
func (s *Server) readVerified(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	defer r.Body.Close()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		respondWithError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return nil, false
	}
	if err := s.verifier.Verify(r, body); err != nil {
		s.logger.Warn("request verification failed", zap.String("path", r.URL.Path), zap.Error(err))
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return nil, false
	}
	return body, true
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.logger.Debug("request", zap.String("method", r.Method), zap.String("uri", r.RequestURI))
		next.ServeHTTP(w, r)
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, types.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, types.ErrAlreadyResumed), errors.Is(err, types.ErrAlreadyExpired), errors.Is(err, types.ErrCancelled),
		errors.Is(err, types.ErrRecordLocked), errors.Is(err, types.ErrVersionConflict):
		return http.StatusConflict
	case errors.Is(err, types.ErrCapacityExceeded):
		return http.StatusServiceUnavailable
	case errors.Is(err, types.ErrActionExecution):
		return http.StatusBadGateway
	case errors.Is(err, types.ErrValidation):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}
