package main

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"escrowflow/account"
	"escrowflow/agreement"
	"escrowflow/auth"
	"escrowflow/dispute"
	"escrowflow/logger"
)

type agreementService interface {
	CreateAgreement(ctx context.Context, caller string, params agreement.CreateParams) (agreement.Agreement, error)
	DepositPayment(ctx context.Context, caller string, id uint64, amount uint64) (agreement.Agreement, error)
	MarkMilestoneComplete(ctx context.Context, caller string, id uint64, index int) (agreement.Agreement, error)
	ReleaseEscrowedPayment(ctx context.Context, caller string, id uint64) (agreement.Agreement, uint64, error)
	InitiateDispute(ctx context.Context, caller string, id uint64, reason string) (dispute.Record, error)
	ResolveDisputeClaim(ctx context.Context, caller string, id uint64, resolution string, clientRefundPct uint8) (agreement.Settlement, error)
	TerminateAgreement(ctx context.Context, caller string, id uint64) (agreement.Agreement, error)
	Get(ctx context.Context, id uint64) (agreement.Agreement, error)
	EscrowBalance(ctx context.Context, id uint64) (uint64, error)
	Dispute(ctx context.Context, id uint64) (dispute.Record, error)
}

type disputeService interface {
	List(ctx context.Context, principal string) ([]dispute.Record, error)
}

type accountService interface {
	Balance(ctx context.Context, principal string) (account.Account, error)
	Fund(ctx context.Context, principal string, amount uint64) (account.Account, error)
}

type authService interface {
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.Principal, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	VerifyToken(tokenString string) (string, auth.Role, error)
}

// Server exposes the escrow operations over HTTP.
type Server struct {
	agreementService agreementService
	disputeService   disputeService
	accountService   accountService
	authService      authService
	log              *logger.Logger
}

func NewServer(agreements agreementService, disputes disputeService, accounts accountService, authSvc authService, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Nop()
	}
	return &Server{
		agreementService: agreements,
		disputeService:   disputes,
		accountService:   accounts,
		authService:      authSvc,
		log:              log.With("component", "http"),
	}
}

// Router builds the gin engine with every route registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api")
	api.POST("/register", s.handleRegister)
	api.POST("/login", s.handleLogin)

	protected := api.Group("")
	protected.Use(s.requireAuth())
	{
		protected.POST("/agreements", s.handleCreateAgreement)
		protected.GET("/agreements/:id", s.handleGetAgreement)
		protected.GET("/agreements/:id/escrow", s.handleEscrowBalance)
		protected.POST("/agreements/:id/deposits", s.handleDeposit)
		protected.POST("/agreements/:id/milestones/:index/complete", s.handleCompleteMilestone)
		protected.POST("/agreements/:id/release", s.handleRelease)
		protected.POST("/agreements/:id/terminate", s.handleTerminate)
		protected.GET("/agreements/:id/dispute", s.handleGetDispute)
		protected.POST("/agreements/:id/dispute", s.handleInitiateDispute)
		protected.POST("/agreements/:id/dispute/resolve", s.handleResolveDispute)
		protected.GET("/disputes", s.handleListDisputes)
		protected.GET("/accounts/:principal", s.handleAccount)
		protected.POST("/accounts/:principal/fund", s.handleFund)
	}

	return r
}

const (
	ctxPrincipal = "principal"
	ctxRole      = "role"
)

func (s *Server) requireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c.GetHeader("Authorization"))
		if token == "" {
			respondError(c, http.StatusUnauthorized, "unauthorized", "missing or invalid token")
			c.Abort()
			return
		}
		principal, role, err := s.authService.VerifyToken(token)
		if err != nil {
			s.log.Debug("token rejected", "error", err)
			respondError(c, http.StatusUnauthorized, "unauthorized", "missing or invalid token")
			c.Abort()
			return
		}
		c.Set(ctxPrincipal, principal)
		c.Set(ctxRole, role)
		c.Next()
	}
}

func bearerToken(header string) string {
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

func caller(c *gin.Context) string {
	return c.GetString(ctxPrincipal)
}

func isAdministrator(c *gin.Context) bool {
	role, _ := c.Get(ctxRole)
	return role == auth.RoleAdministrator
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		fields := []interface{}{
			"method", c.Request.Method,
			"path", path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		}
		if p := caller(c); p != "" {
			fields = append(fields, "principal", p)
		}

		switch status := c.Writer.Status(); {
		case status >= 500:
			s.log.Error("HTTP request", fields...)
		case status >= 400:
			s.log.Warn("HTTP request", fields...)
		default:
			s.log.Debug("HTTP request", fields...)
		}
	}
}
