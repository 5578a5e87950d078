package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"escrowflow/auth"
	"escrowflow/dispute"
	"escrowflow/escrow"
)

type escrowService interface {
	CreateAgreement(ctx context.Context, buyer, seller, agent common.Address) (escrow.Agreement, error)
	Get(ctx context.Context, id uint64) (escrow.Agreement, error)
	List(ctx context.Context, filter escrow.ListFilter) ([]escrow.Agreement, error)
	Timeline(ctx context.Context, id uint64) ([]escrow.TimelineEvent, error)
	Balance(ctx context.Context, id uint64) (*big.Int, error)
	Deposit(ctx context.Context, id uint64, caller common.Address, value *big.Int) (escrow.Agreement, error)
	Approve(ctx context.Context, id uint64, caller common.Address, timeout time.Duration) (escrow.Agreement, error)
	RequestCancel(ctx context.Context, id uint64, caller common.Address) (escrow.Agreement, error)
	RequestComplete(ctx context.Context, id uint64, caller common.Address) (escrow.Agreement, error)
	AgentCancel(ctx context.Context, id uint64, caller common.Address) (escrow.Agreement, error)
	AgentComplete(ctx context.Context, id uint64, caller common.Address) (escrow.Agreement, error)
	RaiseDispute(ctx context.Context, id uint64, caller common.Address) (escrow.Agreement, error)
	ResolveDispute(ctx context.Context, id uint64, caller common.Address, outcome dispute.Outcome) (escrow.Agreement, error)
	CheckAndHandleExpirationAs(ctx context.Context, id uint64, caller common.Address) (escrow.Status, error)
}

type authService interface {
	Challenge(ctx context.Context, req auth.ChallengeRequest) (auth.Challenge, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	VerifyToken(token string) (common.Address, error)
}

type ctxKey string

const ctxKeyCaller ctxKey = "caller"

const maxBodyBytes = 1 << 16

// Server exposes the escrow operations over HTTP.
type Server struct {
	escrowService escrowService
	authService   authService
	logger        *slog.Logger
	ping          func(ctx context.Context) error
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /api/auth/challenge", s.handleChallenge)
	mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	mux.Handle("POST /api/agreements", s.requireCaller(http.HandlerFunc(s.handleCreateAgreement)))
	mux.Handle("GET /api/agreements", s.requireCaller(http.HandlerFunc(s.handleListAgreements)))
	mux.Handle("GET /api/agreements/{id}", s.requireCaller(http.HandlerFunc(s.handleGetAgreement)))
	mux.Handle("GET /api/agreements/{id}/timeline", s.requireCaller(http.HandlerFunc(s.handleTimeline)))
	mux.Handle("POST /api/agreements/{id}/{action}", s.requireCaller(http.HandlerFunc(s.handleAction)))
	return s.logRequests(mux)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)

		if s.logger != nil {
			s.logger.Info("http request",
				"request_id", requestID,
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"duration", time.Since(start),
			)
		}
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) requireCaller(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token", "")
			return
		}
		caller, err := s.authService.VerifyToken(strings.TrimSpace(token))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token", "")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyCaller, caller)))
	})
}

func callerFrom(ctx context.Context) (common.Address, bool) {
	addr, ok := ctx.Value(ctxKeyCaller).(common.Address)
	return addr, ok && addr != (common.Address{})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.ping != nil {
		if err := s.ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "database unavailable", "")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleChallenge(w http.ResponseWriter, r *http.Request) {
	var req auth.ChallengeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	c, err := s.authService.Challenge(r.Context(), req)
	if err != nil {
		s.writeAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"address":   c.Address.Hex(),
		"nonce":     c.Nonce,
		"message":   c.Message,
		"expiresAt": c.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := s.authService.Login(r.Context(), req)
	if err != nil {
		s.writeAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":     res.Token,
		"address":   res.Address.Hex(),
		"expiresAt": res.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

func (s *Server) writeAuthError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, auth.ErrInvalidAddress):
		writeError(w, http.StatusBadRequest, err.Error(), "")
	case errors.Is(err, auth.ErrChallengeMissing), errors.Is(err, auth.ErrInvalidSignature):
		writeError(w, http.StatusUnauthorized, err.Error(), "")
	default:
		s.logError("auth request failed", err)
		writeError(w, http.StatusInternalServerError, "internal error", "")
	}
}

type createAgreementRequest struct {
	Seller string `json:"seller"`
	Agent  string `json:"agent"`
}

func (s *Server) handleCreateAgreement(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "")
		return
	}
	var req createAgreementRequest
	if !decodeBody(w, r, &req) {
		return
	}
	seller, err := auth.ParseAddress(req.Seller)
	if err != nil {
		writeError(w, http.StatusBadRequest, "seller must be a valid address", escrow.KindInvalidParty)
		return
	}
	var agent common.Address
	if strings.TrimSpace(req.Agent) != "" {
		if agent, err = auth.ParseAddress(req.Agent); err != nil {
			writeError(w, http.StatusBadRequest, "agent must be a valid address", escrow.KindInvalidParty)
			return
		}
	}

	a, err := s.escrowService.CreateAgreement(r.Context(), caller, seller, agent)
	if err != nil {
		s.writeEscrowError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAgreementResponse(a))
}

func (s *Server) handleListAgreements(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "")
		return
	}
	q := r.URL.Query()
	filter := escrow.ListFilter{Party: caller}
	if raw := q.Get("party"); raw != "" {
		party, err := auth.ParseAddress(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "party must be a valid address", "")
			return
		}
		filter.Party = party
	}
	if raw := q.Get("status"); raw != "" {
		st, err := escrow.ParseStatus(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error(), "")
			return
		}
		filter.Status = &st
	}
	filter.Page = atoiDefault(q.Get("page"), 1)
	filter.PageSize = atoiDefault(q.Get("pageSize"), 20)

	items, err := s.escrowService.List(r.Context(), filter)
	if err != nil {
		s.writeEscrowError(w, err)
		return
	}
	out := make([]agreementResponse, 0, len(items))
	for _, a := range items {
		out = append(out, toAgreementResponse(a))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items":    out,
		"page":     filter.Page,
		"pageSize": filter.PageSize,
	})
}

func (s *Server) handleGetAgreement(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	a, err := s.escrowService.Get(r.Context(), id)
	if err != nil {
		s.writeEscrowError(w, err)
		return
	}
	resp := toAgreementResponse(a)
	if bal, err := s.escrowService.Balance(r.Context(), id); err == nil {
		resp.Escrowed = bal.String()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	evs, err := s.escrowService.Timeline(r.Context(), id)
	if err != nil {
		s.writeEscrowError(w, err)
		return
	}
	out := make([]timelineResponse, 0, len(evs))
	for _, ev := range evs {
		item := timelineResponse{
			Seq:       ev.Seq,
			Type:      ev.Type,
			Payload:   json.RawMessage(ev.Payload),
			CreatedAt: ev.CreatedAt.UTC().Format(time.RFC3339Nano),
		}
		if ev.Actor != (common.Address{}) {
			item.Actor = ev.Actor.Hex()
		}
		out = append(out, item)
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out})
}

type actionRequest struct {
	Value          string `json:"value"`
	TimeoutSeconds *int64 `json:"timeoutSeconds"`
	Outcome        string `json:"outcome"`
	SellerBps      uint16 `json:"sellerBps"`
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "")
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var req actionRequest
	if !decodeOptionalBody(w, r, &req) {
		return
	}

	ctx := r.Context()
	var (
		a   escrow.Agreement
		err error
	)
	switch action := r.PathValue("action"); action {
	case "deposit":
		value, ok := new(big.Int).SetString(strings.TrimSpace(req.Value), 10)
		if !ok {
			writeError(w, http.StatusBadRequest, "value must be a base-10 integer", escrow.KindInvalidArgument)
			return
		}
		a, err = s.escrowService.Deposit(ctx, id, caller, value)
	case "approve":
		if req.TimeoutSeconds == nil {
			writeError(w, http.StatusBadRequest, "timeoutSeconds is required", escrow.KindInvalidArgument)
			return
		}
		secs := *req.TimeoutSeconds
		if secs < 0 || secs > int64(escrow.MaxApprovalTimeout/time.Second) {
			writeError(w, http.StatusBadRequest, "timeoutSeconds out of range", escrow.KindInvalidArgument)
			return
		}
		a, err = s.escrowService.Approve(ctx, id, caller, time.Duration(secs)*time.Second)
	case "cancel":
		a, err = s.escrowService.RequestCancel(ctx, id, caller)
	case "complete":
		a, err = s.escrowService.RequestComplete(ctx, id, caller)
	case "agent-cancel":
		a, err = s.escrowService.AgentCancel(ctx, id, caller)
	case "agent-complete":
		a, err = s.escrowService.AgentComplete(ctx, id, caller)
	case "dispute":
		a, err = s.escrowService.RaiseDispute(ctx, id, caller)
	case "resolve":
		outcome, perr := dispute.Parse(req.Outcome, req.SellerBps)
		if perr != nil {
			writeError(w, http.StatusBadRequest, perr.Error(), escrow.KindInvalidArgument)
			return
		}
		a, err = s.escrowService.ResolveDispute(ctx, id, caller, outcome)
	case "expire":
		status, eerr := s.escrowService.CheckAndHandleExpirationAs(ctx, id, caller)
		if eerr != nil {
			s.writeEscrowError(w, eerr)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": status.String()})
		return
	default:
		writeError(w, http.StatusNotFound, "unknown action "+strconv.Quote(action), "")
		return
	}
	if err != nil {
		s.writeEscrowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAgreementResponse(a))
}

func pathID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid agreement id", "")
		return 0, false
	}
	return id, true
}

func statusForKind(kind string) int {
	switch kind {
	case escrow.KindNotFound:
		return http.StatusNotFound
	case escrow.KindWrongCaller:
		return http.StatusForbidden
	case escrow.KindInvalidState, escrow.KindNoAgent:
		return http.StatusConflict
	case escrow.KindAlreadyExpired:
		return http.StatusGone
	case escrow.KindInsufficientEscrow:
		return http.StatusUnprocessableEntity
	case escrow.KindInvalidParty, escrow.KindInvalidArgument:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeEscrowError(w http.ResponseWriter, err error) {
	kind := escrow.KindOf(err)
	status := statusForKind(kind)
	if status == http.StatusInternalServerError {
		s.logError("escrow request failed", err)
		writeError(w, status, "internal error", kind)
		return
	}
	writeError(w, status, err.Error(), kind)
}

func (s *Server) logError(msg string, err error) {
	if s.logger != nil {
		s.logger.Error(msg, "error", err)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "")
		return false
	}
	return true
}

// decodeOptionalBody accepts an empty body for actions that take no arguments.
func decodeOptionalBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Body == nil || r.Body == http.NoBody {
		return true
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body", "")
		return false
	}
	return true
}

func atoiDefault(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg, kind string) {
	body := map[string]string{"error": msg}
	if kind != "" {
		body["kind"] = kind
	}
	writeJSON(w, status, body)
}
