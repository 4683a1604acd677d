package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/dd0wney/cluso-mail/pkg/cluster"
	"github.com/dd0wney/cluso-mail/pkg/logging"
	"github.com/dd0wney/cluso-mail/pkg/validation"
)

// LeaderHeader names the leader's address on a 409 from a follower
const LeaderHeader = "X-Cluster-Leader"

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
	Leader  uint64 `json:"leader,omitempty"`
	Addr    string `json:"leader_addr,omitempty"`
	Index   uint64 `json:"index,omitempty"`
}

// LeaderResponse answers GET /cluster/shards/{shard}/leader
type LeaderResponse struct {
	Shard  uint32 `json:"shard"`
	Leader uint64 `json:"leader"`
	Self   bool   `json:"self"`
}

// SubmitResponse answers POST /cluster/shards/{shard}/entries. Pending is
// set when the entry is in the leader's log but the wait ended before it
// applied; the client must not resubmit it.
type SubmitResponse struct {
	Shard   uint32 `json:"shard"`
	Index   uint64 `json:"index"`
	Applied bool   `json:"applied"`
	Pending string `json:"pending,omitempty"`
}

// HealthResponse answers GET /health
type HealthResponse struct {
	Status     string `json:"status"`
	PeerID     uint64 `json:"peer_id"`
	Role       string `json:"role"`
	Leader     uint64 `json:"leader,omitempty"`
	Uptime     string `json:"uptime"`
	ApplyError string `json:"apply_error,omitempty"`
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("failed to encode response", logging.Error(err))
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, ErrorResponse{
		Error:   http.StatusText(status),
		Message: message,
		Code:    status,
	})
}

// respondClusterError maps node errors onto HTTP statuses
func (s *Server) respondClusterError(w http.ResponseWriter, r *http.Request, err error) {
	var nle *cluster.NotLeaderError
	switch {
	case errors.As(err, &nle):
		if nle.Addr != "" {
			w.Header().Set(LeaderHeader, nle.Addr)
		}
		s.respondJSON(w, http.StatusConflict, ErrorResponse{
			Error:   http.StatusText(http.StatusConflict),
			Message: err.Error(),
			Code:    http.StatusConflict,
			Leader:  uint64(nle.Leader),
			Addr:    nle.Addr,
		})
	case errors.Is(err, cluster.ErrEntryDiscarded):
		s.respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, cluster.ErrUnknownShard):
		s.respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, cluster.ErrEmptyPayload):
		s.respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, cluster.ErrApplyHalted):
		s.logger.Warn("request hit a halted shard",
			logging.String("request_id", RequestID(r)),
			logging.Error(err))
		s.respondError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, cluster.ErrNoLeader), errors.Is(err, cluster.ErrStopped):
		s.respondError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		s.respondError(w, http.StatusGatewayTimeout, err.Error())
	default:
		s.logger.Error("cluster request failed",
			logging.String("request_id", RequestID(r)),
			logging.String("path", r.URL.Path),
			logging.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
	}
}

// shardVar parses the {shard} path variable
func shardVar(r *http.Request) (cluster.ShardID, error) {
	v, err := strconv.ParseUint(mux.Vars(r)["shard"], 10, 32)
	if err != nil || v == 0 {
		return 0, fmt.Errorf("invalid shard %q", mux.Vars(r)["shard"])
	}
	return cluster.ShardID(v), nil
}

func (s *Server) requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.requestContext(r)
	defer cancel()

	st, err := s.node.ClusterStatus(ctx)
	if err != nil {
		s.respondClusterError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, st)
}

func (s *Server) handleLeader(w http.ResponseWriter, r *http.Request) {
	shard, err := shardVar(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := s.requestContext(r)
	defer cancel()

	leader, ok, err := s.node.CurrentLeader(ctx, shard)
	if err != nil {
		s.respondClusterError(w, r, err)
		return
	}
	if !ok {
		s.respondError(w, http.StatusNotFound, fmt.Sprintf("no leader known for shard %d", shard))
		return
	}
	s.respondJSON(w, http.StatusOK, LeaderResponse{
		Shard:  uint32(shard),
		Leader: uint64(leader),
		Self:   leader == s.node.ID(),
	})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	shard, err := shardVar(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Payload travels base64 encoded, a third larger than the raw bytes
	r.Body = http.MaxBytesReader(w, r.Body, int64(validation.MaxPayloadSize)*2)
	var req validation.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := validation.ValidateSubmitRequest(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	var (
		index uint64
		ctx   context.Context
	)
	if req.Wait {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(r.Context(), s.cfg.WaitTimeout)
		defer cancel()
		index, err = s.node.SubmitAndWait(ctx, shard, req.Payload)
	} else {
		var cancel context.CancelFunc
		ctx, cancel = s.requestContext(r)
		defer cancel()
		index, err = s.node.Submit(ctx, shard, req.Payload)
	}
	if err != nil && index != 0 {
		s.respondSubmitted(w, r, shard, index, err)
		return
	}
	if err != nil {
		s.respondClusterError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, SubmitResponse{
		Shard:   uint32(shard),
		Index:   index,
		Applied: req.Wait,
	})
}

// respondSubmitted answers a wait that failed after the entry was appended.
// The index is always reported so a retrying client can tell it was taken.
func (s *Server) respondSubmitted(w http.ResponseWriter, r *http.Request, shard cluster.ShardID, index uint64, err error) {
	switch {
	case errors.Is(err, cluster.ErrEntryDiscarded):
		// Overwritten by a new leader: never committed, safe to resubmit
		s.respondClusterError(w, r, err)
	case errors.Is(err, cluster.ErrApplyHalted):
		s.logger.Warn("submitted entry waits on a halted shard",
			logging.ShardID(uint32(shard)),
			logging.Uint64("index", index),
			logging.String("request_id", RequestID(r)),
			logging.Error(err))
		s.respondJSON(w, http.StatusServiceUnavailable, ErrorResponse{
			Error:   http.StatusText(http.StatusServiceUnavailable),
			Message: err.Error(),
			Code:    http.StatusServiceUnavailable,
			Index:   index,
		})
	default:
		s.respondJSON(w, http.StatusAccepted, SubmitResponse{
			Shard:   uint32(shard),
			Index:   index,
			Applied: false,
			Pending: err.Error(),
		})
	}
}

func (s *Server) handleStepDown(w http.ResponseWriter, r *http.Request) {
	shard, err := shardVar(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := s.requestContext(r)
	defer cancel()

	if err := s.node.StepDown(ctx, shard); err != nil {
		s.respondClusterError(w, r, err)
		return
	}
	s.logger.Info("leadership handed off on request",
		logging.ShardID(uint32(shard)), logging.String("request_id", RequestID(r)))
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "stepped_down"})
}

func (s *Server) handleResumeApply(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.requestContext(r)
	defer cancel()

	if err := s.node.ResumeApply(ctx); err != nil {
		s.respondClusterError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

// handleHealth is 200 while the shard has a leader and apply is running
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.requestContext(r)
	defer cancel()

	st, err := s.node.ClusterStatus(ctx)
	if err != nil {
		s.respondJSON(w, http.StatusServiceUnavailable, HealthResponse{
			Status: "unavailable",
			PeerID: uint64(s.node.ID()),
			Uptime: time.Since(s.startTime).String(),
		})
		return
	}

	resp := HealthResponse{
		Status:     "healthy",
		PeerID:     uint64(st.Self),
		Role:       st.Shard.Role,
		Leader:     uint64(st.Shard.Leader),
		Uptime:     time.Since(s.startTime).String(),
		ApplyError: st.Shard.ApplyError,
	}
	status := http.StatusOK
	if st.Shard.Leader == 0 || st.Shard.ApplyError != "" {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	s.respondJSON(w, status, resp)
}
