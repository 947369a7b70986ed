package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestService_RegisterAndLogin(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret", "admin")

	ctx := context.Background()
	p, err := svc.Register(ctx, RegisterRequest{Principal: "alice", Password: "supersafe"})
	if err != nil {
		t.Fatalf("register: unexpected error: %v", err)
	}
	if p.Name != "alice" {
		t.Fatalf("expected principal alice got %q", p.Name)
	}
	if p.PasswordHash == "supersafe" {
		t.Fatal("register: password stored in clear")
	}

	resp, err := svc.Login(ctx, LoginRequest{Principal: "alice", Password: "supersafe"})
	if err != nil {
		t.Fatalf("login: unexpected error: %v", err)
	}
	if resp.Token == "" {
		t.Fatal("login: expected token, got empty string")
	}
	if resp.Role != RoleParty {
		t.Fatalf("login: expected role %s got %s", RoleParty, resp.Role)
	}

	principal, role, err := svc.VerifyToken(resp.Token)
	if err != nil {
		t.Fatalf("verify token: %v", err)
	}
	if principal != "alice" || role != RoleParty {
		t.Fatalf("verify token: got %q/%s", principal, role)
	}
}

func TestService_AdministratorRole(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret", "admin")
	ctx := context.Background()

	if err := svc.EnsureAdmin(ctx, "rootroot"); err != nil {
		t.Fatalf("ensure admin: %v", err)
	}
	resp, err := svc.Login(ctx, LoginRequest{Principal: "admin", Password: "rootroot"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	_, role, err := svc.VerifyToken(resp.Token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if role != RoleAdministrator {
		t.Fatalf("expected administrator, got %s", role)
	}
}

func TestService_RegisterValidation(t *testing.T) {
	svc := NewService(newFakeRepository(), "test-secret", "admin")

	_, err := svc.Register(context.Background(), RegisterRequest{Principal: "alice", Password: "short"})
	if !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("expected ErrWeakPassword, got %v", err)
	}

	_, err = svc.Register(context.Background(), RegisterRequest{Principal: "  ", Password: "strongpassword"})
	if !errors.Is(err, ErrPrincipalRequired) {
		t.Fatalf("expected ErrPrincipalRequired, got %v", err)
	}
}

func TestService_ReservedPrincipalsCannotRegister(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret", "admin", "escrow")
	ctx := context.Background()

	for _, name := range []string{"admin", " admin ", "escrow"} {
		_, err := svc.Register(ctx, RegisterRequest{Principal: name, Password: "attacker-pass"})
		if !errors.Is(err, ErrReservedPrincipal) {
			t.Fatalf("register %q: expected ErrReservedPrincipal, got %v", name, err)
		}
	}
	if len(repo.principals) != 0 {
		t.Fatalf("reserved registration stored principals: %v", repo.principals)
	}

	if _, err := svc.Login(ctx, LoginRequest{Principal: "admin", Password: "attacker-pass"}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestService_EnsureAdminReplacesStoredPassword(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret", "admin")
	ctx := context.Background()

	if _, err := repo.CreatePrincipal(ctx, "admin", "stale-hash"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := svc.EnsureAdmin(ctx, "short"); !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("expected ErrWeakPassword, got %v", err)
	}
	if err := svc.EnsureAdmin(ctx, "deployment-secret"); err != nil {
		t.Fatalf("ensure admin: %v", err)
	}

	resp, err := svc.Login(ctx, LoginRequest{Principal: "admin", Password: "deployment-secret"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if resp.Role != RoleAdministrator {
		t.Fatalf("expected administrator, got %s", resp.Role)
	}
}

func TestService_DuplicatePrincipal(t *testing.T) {
	svc := NewService(newFakeRepository(), "test-secret", "admin")

	req := RegisterRequest{Principal: "alice", Password: "strongpassword"}
	if _, err := svc.Register(context.Background(), req); err != nil {
		t.Fatalf("first register failed: %v", err)
	}
	if _, err := svc.Register(context.Background(), req); !errors.Is(err, ErrDuplicatePrincipal) {
		t.Fatalf("expected ErrDuplicatePrincipal, got %v", err)
	}
}

func TestService_LoginInvalidCredentials(t *testing.T) {
	svc := NewService(newFakeRepository(), "test-secret", "admin")
	ctx := context.Background()

	_, err := svc.Login(ctx, LoginRequest{Principal: "unknown", Password: "irrelevant"})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}

	if _, err := svc.Register(ctx, RegisterRequest{Principal: "bob", Password: "correcthorse"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	_, err = svc.Login(ctx, LoginRequest{Principal: "bob", Password: "batterystaple"})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for wrong password, got %v", err)
	}
}

func TestService_VerifyTokenRejects(t *testing.T) {
	svc := NewService(newFakeRepository(), "test-secret", "admin")

	sign := func(secret string, claims jwt.MapClaims) string {
		t.Helper()
		tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		return tok
	}
	exp := time.Now().Add(time.Hour).Unix()

	cases := map[string]string{
		"garbage":      "not-a-token",
		"wrong secret": sign("other-secret", jwt.MapClaims{"sub": "alice", "role": "party", "exp": exp}),
		"expired":      sign("test-secret", jwt.MapClaims{"sub": "alice", "role": "party", "exp": time.Now().Add(-time.Hour).Unix()}),
		"no subject":   sign("test-secret", jwt.MapClaims{"role": "party", "exp": exp}),
		"forged admin": sign("test-secret", jwt.MapClaims{"sub": "alice", "role": "administrator", "exp": exp}),
	}
	for name, tok := range cases {
		t.Run(name, func(t *testing.T) {
			if _, _, err := svc.VerifyToken(tok); !errors.Is(err, ErrInvalidToken) {
				t.Fatalf("expected ErrInvalidToken, got %v", err)
			}
		})
	}
}

type fakeRepository struct {
	principals map[string]Principal
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{principals: make(map[string]Principal)}
}

func (f *fakeRepository) CreatePrincipal(ctx context.Context, name, passwordHash string) (Principal, error) {
	if _, exists := f.principals[name]; exists {
		return Principal{}, ErrDuplicatePrincipal
	}
	p := Principal{Name: name, PasswordHash: passwordHash, CreatedAt: time.Now().UTC()}
	f.principals[name] = p
	return p, nil
}

func (f *fakeRepository) GetPrincipal(ctx context.Context, name string) (Principal, error) {
	p, ok := f.principals[name]
	if !ok {
		return Principal{}, ErrPrincipalNotFound
	}
	return p, nil
}

func (f *fakeRepository) PutPrincipal(ctx context.Context, name, passwordHash string) (Principal, error) {
	p, ok := f.principals[name]
	if !ok {
		p = Principal{Name: name, CreatedAt: time.Now().UTC()}
	}
	p.PasswordHash = passwordHash
	f.principals[name] = p
	return p, nil
}
