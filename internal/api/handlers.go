package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"AgentEscrow/internal/engine"
	xerrors "AgentEscrow/internal/errors"
	"AgentEscrow/internal/escrow"
)

const maxBodyBytes = 1 << 20

type assignRequest struct {
	Worker string `json:"worker"`
}

type submitRequest struct {
	DeliverableRef string `json:"deliverable_ref"`
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

type tickResponse struct {
	Fired int `json:"fired"`
}

var (
	errMissingAgent = xerrors.New(xerrors.CodeUnauthorized, "缺少 X-Agent-ID 请求头")
	errBadBody      = xerrors.New(xerrors.CodeInvalidArgument, "请求体解析失败")
)

// actor 读取调用方身份，缺失时写入 403。
func actor(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := strings.TrimSpace(r.Header.Get(AgentHeader))
	if id == "" {
		writeError(w, errMissingAgent)
		return "", false
	}
	return id, true
}

// decode 解析 JSON 请求体。空请求体视为零值。
func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && err != io.EOF {
		writeError(w, errBadBody.With(xerrors.WithMetadata("cause", err.Error())))
		return false
	}
	return true
}

func (s *Server) handleCreateEscrow(w http.ResponseWriter, r *http.Request) {
	agentID, ok := actor(w, r)
	if !ok {
		return
	}
	var req engine.CreateRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Requester == "" {
		req.Requester = agentID
	}
	if req.Requester != agentID {
		writeError(w, escrow.ErrUnauthorized.With(xerrors.WithMetadata("actor", agentID)))
		return
	}
	esc, err := s.svc.CreateEscrow(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, esc)
}

func (s *Server) handleListEscrows(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var opts []escrow.ListOption
	for _, raw := range q["state"] {
		for _, part := range strings.Split(raw, ",") {
			state := escrow.State(strings.TrimSpace(part))
			if !escrow.IsValidState(state) {
				writeError(w, escrow.ErrValidation.With(xerrors.WithMetadata("field", "state")))
				return
			}
			opts = append(opts, escrow.WithStates(state))
		}
	}
	if party := q.Get("party"); party != "" {
		opts = append(opts, escrow.WithParty(party))
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			writeError(w, escrow.ErrValidation.With(xerrors.WithMetadata("field", "limit")))
			return
		}
		opts = append(opts, escrow.WithLimit(limit))
	}
	if q.Get("stuck") == "true" {
		opts = append(opts, escrow.WithStuck())
	}
	if q.Get("pending") == "true" {
		opts = append(opts, escrow.WithPendingSettlement())
	}

	list, err := s.svc.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []*escrow.Escrow{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetEscrow(w http.ResponseWriter, r *http.Request) {
	esc, err := s.svc.Get(r.Context(), chi.URLParam(r, "escrowID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, esc)
}

func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	agentID, ok := actor(w, r)
	if !ok {
		return
	}
	var req assignRequest
	if !decode(w, r, &req) {
		return
	}
	esc, err := s.svc.AssignWorker(r.Context(), chi.URLParam(r, "escrowID"), agentID, req.Worker)
	respondEscrow(w, esc, err)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	agentID, ok := actor(w, r)
	if !ok {
		return
	}
	var req submitRequest
	if !decode(w, r, &req) {
		return
	}
	esc, err := s.svc.SubmitDeliverable(r.Context(), chi.URLParam(r, "escrowID"), agentID, req.DeliverableRef)
	respondEscrow(w, esc, err)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	agentID, ok := actor(w, r)
	if !ok {
		return
	}
	esc, err := s.svc.Approve(r.Context(), chi.URLParam(r, "escrowID"), agentID)
	respondSettlement(w, esc, err)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	agentID, ok := actor(w, r)
	if !ok {
		return
	}
	var req rejectRequest
	if !decode(w, r, &req) {
		return
	}
	esc, err := s.svc.Reject(r.Context(), chi.URLParam(r, "escrowID"), agentID, req.Reason)
	respondEscrow(w, esc, err)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	agentID, ok := actor(w, r)
	if !ok {
		return
	}
	esc, err := s.svc.Cancel(r.Context(), chi.URLParam(r, "escrowID"), agentID)
	respondSettlement(w, esc, err)
}

func (s *Server) handleRaiseDispute(w http.ResponseWriter, r *http.Request) {
	agentID, ok := actor(w, r)
	if !ok {
		return
	}
	var req engine.DisputeRequest
	if !decode(w, r, &req) {
		return
	}
	d, err := s.svc.RaiseDispute(r.Context(), chi.URLParam(r, "escrowID"), agentID, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

// handleRetrySettlement 是运维入口，由上游网关限制访问。
func (s *Server) handleRetrySettlement(w http.ResponseWriter, r *http.Request) {
	if _, ok := actor(w, r); !ok {
		return
	}
	esc, err := s.svc.RetrySettlement(r.Context(), chi.URLParam(r, "escrowID"))
	respondSettlement(w, esc, err)
}

// handleRetrySelection 与出账重试同属运维入口。
func (s *Server) handleRetrySelection(w http.ResponseWriter, r *http.Request) {
	if _, ok := actor(w, r); !ok {
		return
	}
	d, err := s.svc.RetrySelection(r.Context(), chi.URLParam(r, "disputeID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleGetDispute(w http.ResponseWriter, r *http.Request) {
	d, err := s.svc.GetDispute(r.Context(), chi.URLParam(r, "disputeID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleCastVote(w http.ResponseWriter, r *http.Request) {
	agentID, ok := actor(w, r)
	if !ok {
		return
	}
	var req engine.VoteRequest
	if !decode(w, r, &req) {
		return
	}
	if req.VoterID == "" {
		req.VoterID = agentID
	}
	if req.VoterID != agentID {
		writeError(w, xerrors.New(xerrors.CodeUnauthorized, "只能以自己的身份投票", xerrors.WithMetadata("actor", agentID)))
		return
	}
	receipt, err := s.svc.CastVote(r.Context(), chi.URLParam(r, "disputeID"), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, receipt)
}

func (s *Server) handleListVotes(w http.ResponseWriter, r *http.Request) {
	votes, err := s.svc.Votes(r.Context(), chi.URLParam(r, "disputeID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, votes)
}

func (s *Server) handleTick(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, tickResponse{Fired: s.svc.Tick(r.Context())})
}
