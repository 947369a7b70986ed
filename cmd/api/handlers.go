package main

import (
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"escrowflow/account"
	"escrowflow/agreement"
	"escrowflow/auth"
	"escrowflow/dispute"
)

type credentialsRequest struct {
	Principal string `json:"principal"`
	Password  string `json:"password"`
}

type loginResponse struct {
	Token     string `json:"token"`
	Principal string `json:"principal"`
	Role      string `json:"role"`
}

type milestoneDTO struct {
	Description  string `json:"description"`
	PaymentShare uint64 `json:"payment_share"`
	Completed    bool   `json:"completed"`
}

type createAgreementRequest struct {
	ID         uint64         `json:"id"`
	Provider   string         `json:"provider"`
	TotalCost  uint64         `json:"total_cost"`
	Duration   uint64         `json:"duration"`
	Milestones []milestoneDTO `json:"milestones"`
}

type agreementResponse struct {
	ID              uint64         `json:"id"`
	Client          string         `json:"client"`
	Provider        string         `json:"provider"`
	TotalCost       uint64         `json:"total_cost"`
	Status          string         `json:"status"`
	StartTime       uint64         `json:"start_time"`
	EndTime         uint64         `json:"end_time"`
	DisputeDeadline uint64         `json:"dispute_deadline"`
	Milestones      []milestoneDTO `json:"milestones"`
	CreatedAt       string         `json:"created_at,omitempty"`
	UpdatedAt       string         `json:"updated_at,omitempty"`
}

type amountRequest struct {
	Amount uint64 `json:"amount"`
}

type disputeRequest struct {
	Reason string `json:"reason"`
}

type resolveRequest struct {
	Resolution      string `json:"resolution"`
	ClientRefundPct *int   `json:"client_refund_pct"`
}

type disputeResponse struct {
	AgreementID     uint64  `json:"agreement_id"`
	Status          string  `json:"status"`
	Reason          string  `json:"reason"`
	Initiator       string  `json:"initiator"`
	Resolution      *string `json:"resolution,omitempty"`
	ClientRefundPct *uint8  `json:"client_refund_pct,omitempty"`
	OpenedAt        string  `json:"opened_at"`
	ResolvedAt      string  `json:"resolved_at,omitempty"`
}

type settlementResponse struct {
	Agreement      agreementResponse `json:"agreement"`
	Dispute        disputeResponse   `json:"dispute"`
	Refund         uint64            `json:"refund"`
	ProviderAmount uint64            `json:"provider_amount"`
}

type accountResponse struct {
	Principal string `json:"principal"`
	Balance   uint64 `json:"balance"`
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func toAgreementResponse(a agreement.Agreement) agreementResponse {
	ms := make([]milestoneDTO, 0, len(a.Milestones))
	for _, m := range a.Milestones {
		ms = append(ms, milestoneDTO{Description: m.Description, PaymentShare: m.PaymentShare, Completed: m.Completed})
	}
	return agreementResponse{
		ID:              a.ID,
		Client:          a.Client,
		Provider:        a.Provider,
		TotalCost:       a.TotalCost,
		Status:          string(a.Status),
		StartTime:       a.StartTime,
		EndTime:         a.EndTime,
		DisputeDeadline: a.DisputeDeadline,
		Milestones:      ms,
		CreatedAt:       formatTime(a.CreatedAt),
		UpdatedAt:       formatTime(a.UpdatedAt),
	}
}

func toDisputeResponse(r dispute.Record) disputeResponse {
	resp := disputeResponse{
		AgreementID:     r.AgreementID,
		Status:          string(r.Status()),
		Reason:          r.Reason,
		Initiator:       r.Initiator,
		Resolution:      r.Resolution,
		ClientRefundPct: r.ClientRefundPct,
		OpenedAt:        formatTime(r.OpenedAt),
	}
	if r.ResolvedAt != nil {
		resp.ResolvedAt = formatTime(*r.ResolvedAt)
	}
	return resp
}

func toAccountResponse(a account.Account) accountResponse {
	return accountResponse{Principal: a.Principal, Balance: a.Balance}
}

// bindJSON decodes the body into dst, writing a 400 on failure.
func bindJSON(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_argument", "invalid request body")
		return false
	}
	return true
}

func pathID(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		respondError(c, http.StatusBadRequest, "invalid_argument", "agreement id must be a positive integer")
		return 0, false
	}
	return id, true
}

func (s *Server) handleRegister(c *gin.Context) {
	var req credentialsRequest
	if !bindJSON(c, &req) {
		return
	}
	p, err := s.authService.Register(c.Request.Context(), auth.RegisterRequest{Principal: req.Principal, Password: req.Password})
	if err != nil {
		s.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"principal": p.Name})
}

func (s *Server) handleLogin(c *gin.Context) {
	var req credentialsRequest
	if !bindJSON(c, &req) {
		return
	}
	res, err := s.authService.Login(c.Request.Context(), auth.LoginRequest{Principal: req.Principal, Password: req.Password})
	if err != nil {
		s.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, loginResponse{Token: res.Token, Principal: res.Principal.Name, Role: string(res.Role)})
}

func (s *Server) handleCreateAgreement(c *gin.Context) {
	var req createAgreementRequest
	if !bindJSON(c, &req) {
		return
	}
	if len(req.Milestones) != agreement.MilestoneCount {
		respondError(c, http.StatusBadRequest, "invalid_argument",
			fmt.Sprintf("exactly %d milestones required, got %d", agreement.MilestoneCount, len(req.Milestones)))
		return
	}

	params := agreement.CreateParams{
		ID:        req.ID,
		Provider:  req.Provider,
		TotalCost: req.TotalCost,
		Duration:  req.Duration,
	}
	for i, m := range req.Milestones {
		params.Milestones[i] = agreement.Milestone{Description: m.Description, PaymentShare: m.PaymentShare}
	}

	a, err := s.agreementService.CreateAgreement(c.Request.Context(), caller(c), params)
	if err != nil {
		s.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toAgreementResponse(a))
}

func (s *Server) handleGetAgreement(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	a, err := s.agreementService.Get(c.Request.Context(), id)
	if err != nil {
		s.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, toAgreementResponse(a))
}

func (s *Server) handleEscrowBalance(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	bal, err := s.agreementService.EscrowBalance(c.Request.Context(), id)
	if err != nil {
		s.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agreement_id": id, "balance": bal})
}

func (s *Server) handleDeposit(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req amountRequest
	if !bindJSON(c, &req) {
		return
	}
	a, err := s.agreementService.DepositPayment(c.Request.Context(), caller(c), id, req.Amount)
	if err != nil {
		s.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, toAgreementResponse(a))
}

func (s *Server) handleCompleteMilestone(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid_milestone_index", "milestone index must be an integer")
		return
	}
	a, err := s.agreementService.MarkMilestoneComplete(c.Request.Context(), caller(c), id, index)
	if err != nil {
		s.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, toAgreementResponse(a))
}

func (s *Server) handleRelease(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	a, released, err := s.agreementService.ReleaseEscrowedPayment(c.Request.Context(), caller(c), id)
	if err != nil {
		s.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agreement": toAgreementResponse(a), "released": released})
}

func (s *Server) handleTerminate(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	a, err := s.agreementService.TerminateAgreement(c.Request.Context(), caller(c), id)
	if err != nil {
		s.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, toAgreementResponse(a))
}

func (s *Server) handleGetDispute(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	rec, err := s.agreementService.Dispute(c.Request.Context(), id)
	if err != nil {
		s.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, toDisputeResponse(rec))
}

func (s *Server) handleInitiateDispute(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req disputeRequest
	if !bindJSON(c, &req) {
		return
	}
	rec, err := s.agreementService.InitiateDispute(c.Request.Context(), caller(c), id, req.Reason)
	if err != nil {
		s.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toDisputeResponse(rec))
}

func (s *Server) handleResolveDispute(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req resolveRequest
	if !bindJSON(c, &req) {
		return
	}
	if req.ClientRefundPct == nil || *req.ClientRefundPct < 0 || *req.ClientRefundPct > math.MaxUint8 {
		respondError(c, http.StatusBadRequest, "invalid_argument", "client_refund_pct must be between 0 and 100")
		return
	}

	out, err := s.agreementService.ResolveDisputeClaim(c.Request.Context(), caller(c), id, req.Resolution, uint8(*req.ClientRefundPct))
	if err != nil {
		s.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, settlementResponse{
		Agreement:      toAgreementResponse(out.Agreement),
		Dispute:        toDisputeResponse(out.Dispute),
		Refund:         out.Refund,
		ProviderAmount: out.ProviderAmount,
	})
}

func (s *Server) handleListDisputes(c *gin.Context) {
	recs, err := s.disputeService.List(c.Request.Context(), caller(c))
	if err != nil {
		s.respondServiceError(c, err)
		return
	}
	out := make([]disputeResponse, 0, len(recs))
	for _, r := range recs {
		out = append(out, toDisputeResponse(r))
	}
	c.JSON(http.StatusOK, gin.H{"disputes": out})
}

func (s *Server) handleAccount(c *gin.Context) {
	principal := c.Param("principal")
	if principal != caller(c) && !isAdministrator(c) {
		respondError(c, http.StatusForbidden, "unauthorized", "balances are visible to their owner and the administrator")
		return
	}
	acct, err := s.accountService.Balance(c.Request.Context(), principal)
	if err != nil {
		s.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, toAccountResponse(acct))
}

func (s *Server) handleFund(c *gin.Context) {
	if !isAdministrator(c) {
		respondError(c, http.StatusForbidden, "unauthorized", "only the administrator may fund accounts")
		return
	}
	var req amountRequest
	if !bindJSON(c, &req) {
		return
	}
	acct, err := s.accountService.Fund(c.Request.Context(), c.Param("principal"), req.Amount)
	if err != nil {
		s.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, toAccountResponse(acct))
}
