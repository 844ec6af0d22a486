package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"escrowflow/auth"
	"escrowflow/dispute"
	"escrowflow/escrow"
	"escrowflow/platform"
	"escrowflow/registry"
)

type ctxKey int

const (
	ctxKeyUserID ctxKey = iota
	ctxKeyRole
)

type authService interface {
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.User, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	VerifyToken(token string) (string, auth.Role, error)
}

type disputeService interface {
	Create(ctx context.Context, params dispute.CreateParams) (dispute.Dispute, error)
	DepositDefendantFunds(ctx context.Context, caller string, disputeID, amount int64) (dispute.Dispute, error)
	AssignJudge(ctx context.Context, caller string, disputeID int64) (dispute.Dispute, error)
	Resolve(ctx context.Context, caller string, disputeID int64, winner string) (dispute.Resolution, error)
	Cancel(ctx context.Context, caller string, disputeID int64) (dispute.Dispute, error)
	Get(ctx context.Context, disputeID int64) (dispute.Dispute, error)
	List(ctx context.Context, status dispute.Status, limit int) ([]dispute.Dispute, error)
	Timeline(ctx context.Context, disputeID int64) ([]dispute.TimelineEvent, error)
}

// escrowReader exposes the per-dispute escrow bookkeeping for read endpoints.
type escrowReader interface {
	Entries(ctx context.Context, disputeID int64) ([]escrow.Entry, error)
}

type judgeService interface {
	Register(ctx context.Context, address, name string) (registry.Judge, error)
	Get(ctx context.Context, address string) (registry.Judge, error)
	List(ctx context.Context, limit int) ([]registry.Judge, error)
}

type platformService interface {
	Get(ctx context.Context) (platform.Config, error)
	UpdateFee(ctx context.Context, caller string, percent int) (platform.Config, error)
	EmergencyWithdraw(ctx context.Context, caller string) (int64, error)
	FundAccount(ctx context.Context, caller, account string, amount int64) error
}

// Server wires HTTP handling to the domain services. It holds interfaces,
// not concrete types, so handler tests can run against stubs.
type Server struct {
	log             *logrus.Logger
	authService     authService
	disputeService  disputeService
	judgeService    judgeService
	platformService platformService
	escrowReader    escrowReader
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.SetHeader("Content-Type", "application/json"))

	r.Post("/api/auth/register", s.handleRegister)
	r.Post("/api/auth/login", s.handleLogin)

	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)

		r.Post("/api/disputes", s.handleCreateDispute)
		r.Get("/api/disputes", s.handleListDisputes)
		r.Get("/api/disputes/{id}", s.handleGetDispute)
		r.Get("/api/disputes/{id}/escrow", s.handleDisputeEscrow)
		r.Get("/api/disputes/{id}/timeline", s.handleDisputeTimeline)
		r.Post("/api/disputes/{id}/deposit", s.handleDeposit)
		r.Post("/api/disputes/{id}/judge", s.handleAssignJudge)
		r.Post("/api/disputes/{id}/resolve", s.handleResolve)
		r.Post("/api/disputes/{id}/cancel", s.handleCancel)

		r.Post("/api/judges", s.handleRegisterJudge)
		r.Get("/api/judges", s.handleListJudges)
		r.Get("/api/judges/{address}", s.handleGetJudge)

		r.Get("/api/platform/config", s.handleGetConfig)
		r.Patch("/api/platform/fee", s.handleUpdateFee)
		r.Post("/api/platform/emergency-withdraw", s.handleEmergencyWithdraw)
		r.Post("/api/platform/fund", s.handleFundAccount)
	})

	return r
}

// requireAuth validates the bearer token and stashes the caller identity in
// the request context. The user id doubles as the ledger account address.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeJSONError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		userID, role, err := s.authService.VerifyToken(token)
		if err != nil {
			writeJSONError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), ctxKeyUserID, userID)
		ctx = context.WithValue(ctx, ctxKeyRole, role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func callerID(r *http.Request) string {
	id, _ := r.Context().Value(ctxKeyUserID).(string)
	return id
}

// --- auth ---

type userResponse struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	FullName  string `json:"fullName"`
	Role      string `json:"role"`
	CreatedAt string `json:"createdAt"`
}

func toUserResponse(u auth.User) userResponse {
	return userResponse{
		ID:        u.ID,
		Email:     u.Email,
		FullName:  u.FullName,
		Role:      string(u.Role),
		CreatedAt: u.CreatedAt.Format(time.RFC3339),
	}
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	user, err := s.authService.Register(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toUserResponse(*user))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	result, err := s.authService.Login(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token": result.Token,
		"user":  toUserResponse(result.User),
	})
}

// --- disputes ---

type disputeResponse struct {
	ID            int64   `json:"id"`
	Plaintiff     string  `json:"plaintiff"`
	Defendant     string  `json:"defendant"`
	Description   string  `json:"description"`
	Amount        int64   `json:"amount"`
	Status        string  `json:"status"`
	AssignedJudge *string `json:"assignedJudge,omitempty"`
	Winner        *string `json:"winner,omitempty"`
	CreatedAt     string  `json:"createdAt"`
	ResolvedAt    *string `json:"resolvedAt,omitempty"`
}

func toDisputeResponse(d dispute.Dispute) disputeResponse {
	resp := disputeResponse{
		ID:            d.ID,
		Plaintiff:     d.Plaintiff,
		Defendant:     d.Defendant,
		Description:   d.Description,
		Amount:        d.Amount,
		Status:        string(d.Status),
		AssignedJudge: d.AssignedJudge,
		Winner:        d.Winner,
		CreatedAt:     d.CreatedAt.Format(time.RFC3339),
	}
	if d.ResolvedAt != nil {
		ts := d.ResolvedAt.Format(time.RFC3339)
		resp.ResolvedAt = &ts
	}
	return resp
}

type createDisputeRequest struct {
	Defendant   string `json:"defendant"`
	Description string `json:"description"`
	Amount      int64  `json:"amount"`
}

func (s *Server) handleCreateDispute(w http.ResponseWriter, r *http.Request) {
	var req createDisputeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	d, err := s.disputeService.Create(r.Context(), dispute.CreateParams{
		Plaintiff:   callerID(r),
		Defendant:   req.Defendant,
		Description: req.Description,
		Amount:      req.Amount,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toDisputeResponse(d))
}

func (s *Server) handleListDisputes(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 200 {
			limit = parsed
		}
	}
	status := dispute.Status(r.URL.Query().Get("status"))

	items, err := s.disputeService.List(r.Context(), status, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}

	resp := make([]disputeResponse, 0, len(items))
	for _, d := range items {
		resp = append(resp, toDisputeResponse(d))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": resp, "total": len(resp)})
}

func (s *Server) handleGetDispute(w http.ResponseWriter, r *http.Request) {
	id, ok := disputeID(w, r)
	if !ok {
		return
	}
	d, err := s.disputeService.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeResponse(d))
}

type escrowEntryResponse struct {
	Party  string `json:"party"`
	Amount int64  `json:"amount"`
}

func (s *Server) handleDisputeEscrow(w http.ResponseWriter, r *http.Request) {
	id, ok := disputeID(w, r)
	if !ok {
		return
	}
	if _, err := s.disputeService.Get(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	entries, err := s.escrowReader.Entries(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp := make([]escrowEntryResponse, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, escrowEntryResponse{Party: e.Party, Amount: e.Amount})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": resp})
}

type timelineEventResponse struct {
	Seq     int            `json:"seq"`
	Type    string         `json:"type"`
	Actor   *string        `json:"actor,omitempty"`
	Payload map[string]any `json:"payload"`
	TS      string         `json:"ts"`
}

func (s *Server) handleDisputeTimeline(w http.ResponseWriter, r *http.Request) {
	id, ok := disputeID(w, r)
	if !ok {
		return
	}
	events, err := s.disputeService.Timeline(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp := make([]timelineEventResponse, 0, len(events))
	for _, e := range events {
		resp = append(resp, timelineEventResponse{
			Seq:     e.Seq,
			Type:    e.Type,
			Actor:   e.Actor,
			Payload: e.Payload,
			TS:      e.TS.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": resp})
}

type depositRequest struct {
	Amount int64 `json:"amount"`
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	id, ok := disputeID(w, r)
	if !ok {
		return
	}
	var req depositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	d, err := s.disputeService.DepositDefendantFunds(r.Context(), callerID(r), id, req.Amount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeResponse(d))
}

func (s *Server) handleAssignJudge(w http.ResponseWriter, r *http.Request) {
	id, ok := disputeID(w, r)
	if !ok {
		return
	}
	d, err := s.disputeService.AssignJudge(r.Context(), callerID(r), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeResponse(d))
}

type resolveRequest struct {
	Winner string `json:"winner"`
}

type resolutionResponse struct {
	Dispute      disputeResponse `json:"dispute"`
	WinnerAmount int64           `json:"winnerAmount"`
	FeeAmount    int64           `json:"feeAmount"`
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	id, ok := disputeID(w, r)
	if !ok {
		return
	}
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	res, err := s.disputeService.Resolve(r.Context(), callerID(r), id, req.Winner)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resolutionResponse{
		Dispute:      toDisputeResponse(res.Dispute),
		WinnerAmount: res.WinnerAmount,
		FeeAmount:    res.FeeAmount,
	})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := disputeID(w, r)
	if !ok {
		return
	}
	d, err := s.disputeService.Cancel(r.Context(), callerID(r), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeResponse(d))
}

// --- judges ---

type judgeResponse struct {
	Address      string `json:"address"`
	Name         string `json:"name"`
	Reputation   int    `json:"reputation"`
	IsActive     bool   `json:"isActive"`
	CasesHandled int    `json:"casesHandled"`
	RegisteredAt string `json:"registeredAt"`
}

func toJudgeResponse(j registry.Judge) judgeResponse {
	return judgeResponse{
		Address:      j.Address,
		Name:         j.Name,
		Reputation:   j.Reputation,
		IsActive:     j.IsActive,
		CasesHandled: j.CasesHandled,
		RegisteredAt: j.RegisteredAt.Format(time.RFC3339),
	}
}

type registerJudgeRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleRegisterJudge(w http.ResponseWriter, r *http.Request) {
	var req registerJudgeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	j, err := s.judgeService.Register(r.Context(), callerID(r), req.Name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toJudgeResponse(j))
}

func (s *Server) handleListJudges(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 200 {
			limit = parsed
		}
	}

	items, err := s.judgeService.List(r.Context(), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}

	resp := make([]judgeResponse, 0, len(items))
	for _, j := range items {
		resp = append(resp, toJudgeResponse(j))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": resp, "total": len(resp)})
}

func (s *Server) handleGetJudge(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")
	j, err := s.judgeService.Get(r.Context(), address)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toJudgeResponse(j))
}

// --- platform ---

type configResponse struct {
	AdminAccount  string `json:"adminAccount"`
	EscrowAccount string `json:"escrowAccount"`
	FeePercent    int    `json:"feePercent"`
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.platformService.Get(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, configResponse{
		AdminAccount:  cfg.AdminAccount,
		EscrowAccount: cfg.EscrowAccount,
		FeePercent:    cfg.FeePercent,
	})
}

type updateFeeRequest struct {
	Percent int `json:"percent"`
}

func (s *Server) handleUpdateFee(w http.ResponseWriter, r *http.Request) {
	var req updateFeeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	cfg, err := s.platformService.UpdateFee(r.Context(), callerID(r), req.Percent)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, configResponse{
		AdminAccount:  cfg.AdminAccount,
		EscrowAccount: cfg.EscrowAccount,
		FeePercent:    cfg.FeePercent,
	})
}

func (s *Server) handleEmergencyWithdraw(w http.ResponseWriter, r *http.Request) {
	swept, err := s.platformService.EmergencyWithdraw(r.Context(), callerID(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"amount": swept})
}

type fundRequest struct {
	Account string `json:"account"`
	Amount  int64  `json:"amount"`
}

func (s *Server) handleFundAccount(w http.ResponseWriter, r *http.Request) {
	var req fundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if err := s.platformService.FundAccount(r.Context(), callerID(r), req.Account, req.Amount); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"account": req.Account, "amount": req.Amount})
}

// --- helpers ---

func disputeID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeJSONError(w, http.StatusBadRequest, "invalid dispute id")
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeError maps domain sentinels onto HTTP status codes. Anything
// unrecognized is logged and reported as a 500 without leaking detail.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, dispute.ErrNotFound),
		errors.Is(err, registry.ErrNotFound),
		errors.Is(err, auth.ErrUserNotFound),
		errors.Is(err, platform.ErrNotBootstrapped),
		errors.Is(err, escrow.ErrNoAccount):
		writeJSONError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, dispute.ErrUnauthorized),
		errors.Is(err, platform.ErrNotAdmin):
		writeJSONError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeJSONError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, dispute.ErrInvalidState),
		errors.Is(err, dispute.ErrJudgeAssigned),
		errors.Is(err, dispute.ErrAlreadyDeposited),
		errors.Is(err, registry.ErrAlreadyRegistered),
		errors.Is(err, auth.ErrDuplicateEmail):
		writeJSONError(w, http.StatusConflict, err.Error())
	case errors.Is(err, dispute.ErrInvalidInput),
		errors.Is(err, registry.ErrInvalidName),
		errors.Is(err, platform.ErrFeeOutOfRange),
		errors.Is(err, escrow.ErrInvalidAmount),
		errors.Is(err, escrow.ErrInsufficientFunds),
		errors.Is(err, auth.ErrWeakPassword):
		writeJSONError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		if s.log != nil {
			s.log.WithError(err).Error("request failed")
		}
		writeJSONError(w, http.StatusInternalServerError, "internal error")
	}
}
