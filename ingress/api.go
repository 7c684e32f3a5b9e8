package ingress

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/songzhibin97/process-engine/trigger"
	"github.com/songzhibin97/process-engine/types"
	"github.com/songzhibin97/process-engine/workflow"
)

// Approvals is the approval surface of the engine; workflow.Engine implements it.
type Approvals interface {
	Submit(ctx context.Context, req workflow.SubmitRequest) (types.ProcessInstance, error)
	Vote(ctx context.Context, req workflow.VoteRequest) (types.ProcessInstance, error)
	Recall(ctx context.Context, id uint64, by string) (types.ProcessInstance, error)
}

// RecordEvents receives CRM record changes; trigger.Dispatcher implements it.
type RecordEvents interface {
	OnRecordEvent(ctx context.Context, ev types.RecordEvent) (trigger.Result, error)
}

// WithApprovals exposes submit, vote and recall routes.
func WithApprovals(a Approvals) Option {
	return func(s *Server) { s.approvals = a }
}

// WithRecordEvents exposes the record event route.
func WithRecordEvents(r RecordEvents) Option {
	return func(s *Server) { s.records = r }
}

type submitRequest struct {
	ProcessName string                 `json:"processName"`
	RecordID    string                 `json:"recordId"`
	Record      map[string]interface{} `json:"record"`
	SubmittedBy string                 `json:"submittedBy"`
	Variables   map[string]interface{} `json:"variables"`
}

type voteRequest struct {
	StepIndex  int            `json:"stepIndex"`
	ApproverID string         `json:"approverId"`
	Decision   types.Decision `json:"decision"`
	Comment    string         `json:"comment"`
}

type recallRequest struct {
	By string `json:"by"`
}

func (s *Server) routeAPI(v1 *mux.Router) {
	if s.approvals != nil {
		v1.HandleFunc("/instances", s.HandleSubmit).Methods(http.MethodPost)
		v1.HandleFunc("/instances/{id}/votes", s.HandleVote).Methods(http.MethodPost)
		v1.HandleFunc("/instances/{id}/recall", s.HandleRecall).Methods(http.MethodPost)
	}
	if s.records != nil {
		v1.HandleFunc("/records/{object}/{recordId}/events", s.HandleRecordEvent).Methods(http.MethodPost)
	}
}

func (s *Server) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if !s.decode(w, r, &req) {
		return
	}
	inst, err := s.approvals.Submit(r.Context(), workflow.SubmitRequest{
		ProcessName: req.ProcessName,
		RecordID:    req.RecordID,
		Record:      req.Record,
		SubmittedBy: req.SubmittedBy,
		Variables:   req.Variables,
	})
	if err != nil {
		respondWithError(w, statusFor(err), err.Error())
		return
	}
	respondWithJSON(w, http.StatusCreated, inst)
}

func (s *Server) HandleVote(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req voteRequest
	if !s.decode(w, r, &req) {
		return
	}
	inst, err := s.approvals.Vote(r.Context(), workflow.VoteRequest{
		InstanceID: id,
		StepIndex:  req.StepIndex,
		ApproverID: req.ApproverID,
		Decision:   req.Decision,
		Comment:    req.Comment,
	})
	if err != nil {
		respondWithError(w, statusFor(err), err.Error())
		return
	}
	respondWithJSON(w, http.StatusOK, inst)
}

func (s *Server) HandleRecall(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req recallRequest
	if !s.decode(w, r, &req) {
		return
	}
	inst, err := s.approvals.Recall(r.Context(), id, req.By)
	if err != nil {
		respondWithError(w, statusFor(err), err.Error())
		return
	}
	respondWithJSON(w, http.StatusOK, inst)
}

// HandleRecordEvent feeds a record change to the trigger dispatcher. The
// response lists submitted instances and rules run even when some failed.
func (s *Server) HandleRecordEvent(w http.ResponseWriter, r *http.Request) {
	var ev types.RecordEvent
	if !s.decode(w, r, &ev) {
		return
	}
	vars := mux.Vars(r)
	ev.Object = vars["object"]
	ev.RecordID = vars["recordId"]
	if ev.Kind == "" {
		ev.Kind = types.RecordUpdated
	}
	res, err := s.records.OnRecordEvent(r.Context(), ev)
	body := map[string]interface{}{"submitted": res.Submitted, "rulesRun": res.RulesRun}
	if err != nil {
		body["error"] = err.Error()
		respondWithJSON(w, statusFor(err), body)
		return
	}
	respondWithJSON(w, http.StatusOK, body)
}

// decode verifies the request and unmarshals a non-empty JSON body into v.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	body, ok := s.readVerified(w, r)
	if !ok {
		return false
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return true
	}
	if err := json.Unmarshal(body, v); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid instance id")
		return 0, false
	}
	return id, true
}
