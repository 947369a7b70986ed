package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrInvalidCredentials signals a wrong principal or password.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	// ErrWeakPassword signals password doesn't meet requirements.
	ErrWeakPassword = errors.New("auth: password must be at least 8 characters")
	// ErrInvalidToken covers every token that fails verification.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrPrincipalRequired signals a blank principal name.
	ErrPrincipalRequired = errors.New("auth: principal is required")
	// ErrReservedPrincipal rejects self-registration of the administrator or
	// any other name the deployment owns.
	ErrReservedPrincipal = errors.New("auth: principal name is reserved")
)

const tokenTTL = 24 * time.Hour

// Service handles authentication business logic.
type Service struct {
	repo      Repository
	jwtSecret []byte
	admin     string
	reserved  map[string]struct{}
}

// LoginResult bundles the token and principal returned after a successful login.
type LoginResult struct {
	Token     string
	Principal Principal
	Role      Role
}

// NewService creates a new authentication service. The admin principal is
// issued administrator tokens; everyone else is a party. Neither admin nor
// any reserved name can be registered through Register.
func NewService(repo Repository, jwtSecret, admin string, reserved ...string) *Service {
	names := make(map[string]struct{}, len(reserved)+1)
	for _, n := range reserved {
		if n = strings.TrimSpace(n); n != "" {
			names[n] = struct{}{}
		}
	}
	if n := strings.TrimSpace(admin); n != "" {
		names[n] = struct{}{}
	}
	return &Service{
		repo:      repo,
		jwtSecret: []byte(jwtSecret),
		admin:     admin,
		reserved:  names,
	}
}

// Register creates a new principal.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*Principal, error) {
	if len(req.Password) < 8 {
		return nil, ErrWeakPassword
	}

	name := strings.TrimSpace(req.Principal)
	if name == "" {
		return nil, ErrPrincipalRequired
	}
	if _, ok := s.reserved[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrReservedPrincipal, name)
	}

	passwordHash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("auth: hash password: %w", err)
	}

	p, err := s.repo.CreatePrincipal(ctx, name, string(passwordHash))
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// EnsureAdmin provisions the administrator credential, replacing any stored
// password for that name.
func (s *Service) EnsureAdmin(ctx context.Context, password string) error {
	if s.admin == "" {
		return ErrPrincipalRequired
	}
	if len(password) < 8 {
		return ErrWeakPassword
	}

	passwordHash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("auth: hash password: %w", err)
	}
	if _, err := s.repo.PutPrincipal(ctx, s.admin, string(passwordHash)); err != nil {
		return err
	}
	return nil
}

// Login authenticates a principal and returns a JWT token.
func (s *Service) Login(ctx context.Context, req LoginRequest) (LoginResult, error) {
	p, err := s.repo.GetPrincipal(ctx, strings.TrimSpace(req.Principal))
	if err != nil {
		if errors.Is(err, ErrPrincipalNotFound) {
			return LoginResult{}, ErrInvalidCredentials
		}
		return LoginResult{}, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(p.PasswordHash), []byte(req.Password)); err != nil {
		return LoginResult{}, ErrInvalidCredentials
	}

	role := s.RoleOf(p.Name)
	token, err := s.generateToken(p.Name, role)
	if err != nil {
		return LoginResult{}, fmt.Errorf("auth: generate token: %w", err)
	}

	return LoginResult{Token: token, Principal: p, Role: role}, nil
}

// RoleOf returns the role granted to principal.
func (s *Service) RoleOf(principal string) Role {
	if principal != "" && principal == s.admin {
		return RoleAdministrator
	}
	return RoleParty
}

// VerifyToken validates a JWT token and returns the principal and its role.
func (s *Service) VerifyToken(tokenString string) (string, Role, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return "", "", fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", "", ErrInvalidToken
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return "", "", fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	roleStr, ok := claims["role"].(string)
	if !ok {
		return "", "", fmt.Errorf("%w: missing role", ErrInvalidToken)
	}
	role := Role(roleStr)
	if role != s.RoleOf(sub) {
		return "", "", fmt.Errorf("%w: role %q does not match %q", ErrInvalidToken, roleStr, sub)
	}
	return sub, role, nil
}

func (s *Service) generateToken(principal string, role Role) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":  principal,
		"role": string(role),
		"exp":  now.Add(tokenTTL).Unix(),
		"iat":  now.Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}
