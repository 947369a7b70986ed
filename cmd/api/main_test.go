package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/gin-gonic/gin"

	"escrowflow/account"
	"escrowflow/agreement"
	"escrowflow/auth"
	"escrowflow/clock"
	"escrowflow/dispute"
	"escrowflow/logger"
	"escrowflow/memstore"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const testAdmin = "admin"

type stubAuthService struct {
	tokens map[string]string
}

func (s *stubAuthService) Register(_ context.Context, req auth.RegisterRequest) (*auth.Principal, error) {
	if len(req.Password) < 8 {
		return nil, auth.ErrWeakPassword
	}
	return &auth.Principal{Name: req.Principal}, nil
}

func (s *stubAuthService) Login(_ context.Context, req auth.LoginRequest) (auth.LoginResult, error) {
	for tok, p := range s.tokens {
		if p == req.Principal {
			return auth.LoginResult{Token: tok, Principal: auth.Principal{Name: p}, Role: auth.RoleParty}, nil
		}
	}
	return auth.LoginResult{}, auth.ErrInvalidCredentials
}

func (s *stubAuthService) VerifyToken(token string) (string, auth.Role, error) {
	p, ok := s.tokens[token]
	if !ok {
		return "", "", auth.ErrInvalidToken
	}
	if p == testAdmin {
		return p, auth.RoleAdministrator, nil
	}
	return p, auth.RoleParty, nil
}

type stubAgreementService struct {
	agreementService
	getErr error
}

func (s *stubAgreementService) Get(_ context.Context, _ uint64) (agreement.Agreement, error) {
	return agreement.Agreement{}, s.getErr
}

type testEnv struct {
	router *gin.Engine
	store  *memstore.Store
	clock  *clock.Manual
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := memstore.New()
	clk := clock.NewManual(100)
	agreements := agreement.NewService(store, clk, agreement.Config{Admin: testAdmin, DisputeWindow: 50}, logger.Nop())
	server := NewServer(
		agreements,
		dispute.NewService(store, testAdmin),
		account.NewService(store),
		&stubAuthService{tokens: map[string]string{
			"tok-client":   "client",
			"tok-provider": "provider",
			"tok-admin":    testAdmin,
			"tok-mallory":  "mallory",
		}},
		logger.Nop(),
	)
	if _, err := store.Credit(context.Background(), "client", 5_000); err != nil {
		t.Fatalf("credit: %v", err)
	}
	return &testEnv{router: server.Router(), store: store, clock: clk}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func expectStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("expected status %d, got %d: %s", want, rec.Code, rec.Body.String())
	}
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response: %v (%s)", err, rec.Body.String())
	}
	return out
}

func fiveMilestones() []milestoneDTO {
	ms := make([]milestoneDTO, agreement.MilestoneCount)
	for i := range ms {
		ms[i] = milestoneDTO{Description: "step", PaymentShare: 200}
	}
	return ms
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/healthz", "", nil)
	expectStatus(t, rec, http.StatusOK)
}

func TestRequiresBearerToken(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/agreements/1", "", nil)
	expectStatus(t, rec, http.StatusUnauthorized)

	rec = env.do(t, http.MethodGet, "/api/agreements/1", "forged", nil)
	expectStatus(t, rec, http.StatusUnauthorized)
	resp := decode[errorEnvelope](t, rec)
	if resp.Error.Code != "unauthorized" {
		t.Fatalf("expected unauthorized code, got %+v", resp)
	}
}

func TestAgreementLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/agreements", "tok-client", createAgreementRequest{
		ID: 1, Provider: "provider", TotalCost: 1_000, Duration: 10, Milestones: fiveMilestones(),
	})
	expectStatus(t, rec, http.StatusCreated)
	created := decode[agreementResponse](t, rec)
	if created.Status != string(agreement.StatusAwaitingPayment) || created.Client != "client" || created.DisputeDeadline != 160 {
		t.Fatalf("unexpected agreement %+v", created)
	}

	rec = env.do(t, http.MethodPost, "/api/agreements/1/deposits", "tok-client", amountRequest{Amount: 1_000})
	expectStatus(t, rec, http.StatusOK)
	if got := decode[agreementResponse](t, rec); got.Status != string(agreement.StatusActive) {
		t.Fatalf("expected active, got %s", got.Status)
	}

	for i := 0; i < agreement.MilestoneCount; i++ {
		rec = env.do(t, http.MethodPost, "/api/agreements/1/milestones/"+strconv.Itoa(i)+"/complete", "tok-provider", nil)
		expectStatus(t, rec, http.StatusOK)
	}
	if got := decode[agreementResponse](t, rec); got.Status != string(agreement.StatusDelivered) {
		t.Fatalf("expected delivered, got %s", got.Status)
	}

	rec = env.do(t, http.MethodPost, "/api/agreements/1/release", "tok-client", nil)
	expectStatus(t, rec, http.StatusOK)

	rec = env.do(t, http.MethodGet, "/api/accounts/provider", "tok-provider", nil)
	expectStatus(t, rec, http.StatusOK)
	if got := decode[accountResponse](t, rec); got.Balance != 1_000 {
		t.Fatalf("expected provider balance 1000, got %d", got.Balance)
	}

	rec = env.do(t, http.MethodGet, "/api/agreements/1/escrow", "tok-client", nil)
	expectStatus(t, rec, http.StatusOK)
}

func TestErrorStatusMapping(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/api/agreements", "tok-client", createAgreementRequest{
		ID: 1, Provider: "provider", TotalCost: 1_000, Milestones: fiveMilestones(),
	})
	expectStatus(t, rec, http.StatusCreated)

	cases := []struct {
		name   string
		method string
		path   string
		token  string
		body   any
		status int
		code   string
	}{
		{"duplicate id", http.MethodPost, "/api/agreements", "tok-client", createAgreementRequest{ID: 1, Provider: "provider", TotalCost: 5, Milestones: fiveMilestones()}, http.StatusConflict, "already_exists"},
		{"zero cost", http.MethodPost, "/api/agreements", "tok-client", createAgreementRequest{ID: 2, Provider: "provider", Milestones: fiveMilestones()}, http.StatusBadRequest, "insufficient_payment"},
		{"wrong milestone count", http.MethodPost, "/api/agreements", "tok-client", createAgreementRequest{ID: 3, Provider: "provider", TotalCost: 5}, http.StatusBadRequest, "invalid_argument"},
		{"not found", http.MethodGet, "/api/agreements/99", "tok-client", nil, http.StatusNotFound, "not_found"},
		{"bad id", http.MethodGet, "/api/agreements/abc", "tok-client", nil, http.StatusBadRequest, "invalid_argument"},
		{"provider deposits", http.MethodPost, "/api/agreements/1/deposits", "tok-provider", amountRequest{Amount: 5}, http.StatusForbidden, "unauthorized"},
		{"release too early", http.MethodPost, "/api/agreements/1/release", "tok-client", nil, http.StatusConflict, "invalid_status"},
		{"overdrawn deposit", http.MethodPost, "/api/agreements/1/deposits", "tok-client", amountRequest{Amount: 50_000}, http.StatusPaymentRequired, "transfer_failed"},
		{"no dispute", http.MethodGet, "/api/agreements/1/dispute", "tok-client", nil, http.StatusNotFound, "not_found"},
		{"resolve without pct", http.MethodPost, "/api/agreements/1/dispute/resolve", "tok-admin", resolveRequest{Resolution: "x"}, http.StatusBadRequest, "invalid_argument"},
		{"party funds", http.MethodPost, "/api/accounts/client/fund", "tok-client", amountRequest{Amount: 5}, http.StatusForbidden, "unauthorized"},
		{"foreign balance", http.MethodGet, "/api/accounts/client", "tok-mallory", nil, http.StatusForbidden, "unauthorized"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := env.do(t, tc.method, tc.path, tc.token, tc.body)
			expectStatus(t, rec, tc.status)
			if got := decode[errorEnvelope](t, rec); got.Error.Code != tc.code {
				t.Fatalf("expected code %q, got %+v", tc.code, got)
			}
		})
	}
}

func TestMilestoneIndexOutOfRange(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/api/agreements", "tok-client", createAgreementRequest{ID: 1, Provider: "provider", TotalCost: 10, Milestones: fiveMilestones()})
	env.do(t, http.MethodPost, "/api/agreements/1/deposits", "tok-client", amountRequest{Amount: 10})

	rec := env.do(t, http.MethodPost, "/api/agreements/1/milestones/5/complete", "tok-provider", nil)
	expectStatus(t, rec, http.StatusBadRequest)
	if got := decode[errorEnvelope](t, rec); got.Error.Code != "invalid_milestone_index" {
		t.Fatalf("unexpected code %+v", got)
	}
}

func TestDisputeFlowOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/api/agreements", "tok-client", createAgreementRequest{ID: 4, Provider: "provider", TotalCost: 1_000, Duration: 10, Milestones: fiveMilestones()})
	env.do(t, http.MethodPost, "/api/agreements/4/deposits", "tok-client", amountRequest{Amount: 1_000})

	rec := env.do(t, http.MethodPost, "/api/agreements/4/dispute", "tok-provider", disputeRequest{Reason: "client unresponsive"})
	expectStatus(t, rec, http.StatusCreated)

	rec = env.do(t, http.MethodGet, "/api/disputes", "tok-client", nil)
	expectStatus(t, rec, http.StatusOK)
	listed := decode[struct {
		Disputes []disputeResponse `json:"disputes"`
	}](t, rec)
	if len(listed.Disputes) != 1 || listed.Disputes[0].Status != string(dispute.StatusOpen) {
		t.Fatalf("unexpected dispute listing %+v", listed)
	}

	rec = env.do(t, http.MethodGet, "/api/disputes", "tok-mallory", nil)
	expectStatus(t, rec, http.StatusOK)
	if got := decode[struct {
		Disputes []disputeResponse `json:"disputes"`
	}](t, rec); len(got.Disputes) != 0 {
		t.Fatalf("outsider must not see disputes, got %+v", got)
	}

	pct := 25
	rec = env.do(t, http.MethodPost, "/api/agreements/4/dispute/resolve", "tok-client", resolveRequest{Resolution: "mine", ClientRefundPct: &pct})
	expectStatus(t, rec, http.StatusForbidden)

	over := 101
	rec = env.do(t, http.MethodPost, "/api/agreements/4/dispute/resolve", "tok-admin", resolveRequest{Resolution: "too much", ClientRefundPct: &over})
	expectStatus(t, rec, http.StatusBadRequest)

	rec = env.do(t, http.MethodPost, "/api/agreements/4/dispute/resolve", "tok-admin", resolveRequest{Resolution: "split", ClientRefundPct: &pct})
	expectStatus(t, rec, http.StatusOK)
	settled := decode[settlementResponse](t, rec)
	if settled.Refund != 250 || settled.ProviderAmount != 750 || settled.Agreement.Status != string(agreement.StatusDelivered) {
		t.Fatalf("unexpected settlement %+v", settled)
	}
	if settled.Dispute.ClientRefundPct == nil || *settled.Dispute.ClientRefundPct != 25 {
		t.Fatalf("expected recorded pct 25, got %+v", settled.Dispute)
	}
}

func TestDisputeAfterDeadlineConflict(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/api/agreements", "tok-client", createAgreementRequest{ID: 5, Provider: "provider", TotalCost: 10, Duration: 10, Milestones: fiveMilestones()})
	env.do(t, http.MethodPost, "/api/agreements/5/deposits", "tok-client", amountRequest{Amount: 10})
	env.clock.Set(160)

	rec := env.do(t, http.MethodPost, "/api/agreements/5/dispute", "tok-client", disputeRequest{Reason: "late"})
	expectStatus(t, rec, http.StatusConflict)
}

func TestTerminateAndFundOverHTTP(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/accounts/client/fund", "tok-admin", amountRequest{Amount: 500})
	expectStatus(t, rec, http.StatusOK)
	if got := decode[accountResponse](t, rec); got.Balance != 5_500 {
		t.Fatalf("expected 5500 after funding, got %d", got.Balance)
	}

	env.do(t, http.MethodPost, "/api/agreements", "tok-client", createAgreementRequest{ID: 6, Provider: "provider", TotalCost: 1_000, Milestones: fiveMilestones()})
	env.do(t, http.MethodPost, "/api/agreements/6/deposits", "tok-client", amountRequest{Amount: 300})

	rec = env.do(t, http.MethodPost, "/api/agreements/6/terminate", "tok-mallory", nil)
	expectStatus(t, rec, http.StatusForbidden)

	rec = env.do(t, http.MethodPost, "/api/agreements/6/terminate", "tok-provider", nil)
	expectStatus(t, rec, http.StatusOK)
	if got := decode[agreementResponse](t, rec); got.Status != string(agreement.StatusTerminated) {
		t.Fatalf("expected terminated, got %s", got.Status)
	}

	rec = env.do(t, http.MethodGet, "/api/accounts/client", "tok-client", nil)
	if got := decode[accountResponse](t, rec); got.Balance != 5_500 {
		t.Fatalf("expected full refund, got %d", got.Balance)
	}
}

func TestInternalErrorsAreMasked(t *testing.T) {
	server := NewServer(
		&stubAgreementService{getErr: errors.New("db: connection reset by peer")},
		nil, nil,
		&stubAuthService{tokens: map[string]string{"tok": "client"}},
		nil,
	)
	req := httptest.NewRequest(http.MethodGet, "/api/agreements/1", nil)
	req.Header.Set("Authorization", "Bearer tok")
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)

	expectStatus(t, rec, http.StatusInternalServerError)
	got := decode[errorEnvelope](t, rec)
	if got.Error.Message != "internal error" {
		t.Fatalf("internal detail leaked: %+v", got)
	}
}

func TestRegisterAndLogin(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/register", "", credentialsRequest{Principal: "carol", Password: "short"})
	expectStatus(t, rec, http.StatusBadRequest)

	rec = env.do(t, http.MethodPost, "/api/register", "", credentialsRequest{Principal: "carol", Password: "long-enough"})
	expectStatus(t, rec, http.StatusCreated)

	rec = env.do(t, http.MethodPost, "/api/login", "", credentialsRequest{Principal: "client", Password: "whatever"})
	expectStatus(t, rec, http.StatusOK)
	if got := decode[loginResponse](t, rec); got.Token != "tok-client" {
		t.Fatalf("unexpected login response %+v", got)
	}

	rec = env.do(t, http.MethodPost, "/api/login", "", credentialsRequest{Principal: "nobody", Password: "whatever"})
	expectStatus(t, rec, http.StatusUnauthorized)
}

func TestRegisterRejectsReservedAndBlankPrincipals(t *testing.T) {
	store := memstore.New()
	server := NewServer(
		agreement.NewService(store, clock.NewManual(100), agreement.Config{Admin: testAdmin}, logger.Nop()),
		dispute.NewService(store, testAdmin),
		account.NewService(store),
		auth.NewService(memstore.NewPrincipals(), "test-secret", testAdmin, agreement.DefaultEscrowAccount),
		logger.Nop(),
	)
	env := &testEnv{router: server.Router(), store: store}

	cases := []struct {
		principal string
		status    int
		code      string
	}{
		{testAdmin, http.StatusConflict, "reserved_principal"},
		{agreement.DefaultEscrowAccount, http.StatusConflict, "reserved_principal"},
		{"   ", http.StatusBadRequest, "invalid_argument"},
	}
	for _, tc := range cases {
		rec := env.do(t, http.MethodPost, "/api/register", "", credentialsRequest{Principal: tc.principal, Password: "long-enough"})
		expectStatus(t, rec, tc.status)
		if got := decode[errorEnvelope](t, rec); got.Error.Code != tc.code {
			t.Fatalf("principal %q: expected code %q, got %+v", tc.principal, tc.code, got)
		}
	}

	rec := env.do(t, http.MethodPost, "/api/login", "", credentialsRequest{Principal: testAdmin, Password: "long-enough"})
	expectStatus(t, rec, http.StatusUnauthorized)
}
