package memstore

import (
	"context"
	"sync"
	"time"

	"escrowflow/auth"
)

var _ auth.Repository = (*Principals)(nil)

// Principals is an in-memory auth.Repository.
type Principals struct {
	mu     sync.RWMutex
	byName map[string]auth.Principal
}

func NewPrincipals() *Principals {
	return &Principals{byName: make(map[string]auth.Principal)}
}

func (p *Principals) CreatePrincipal(_ context.Context, name, passwordHash string) (auth.Principal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.byName[name]; ok {
		return auth.Principal{}, auth.ErrDuplicatePrincipal
	}
	rec := auth.Principal{Name: name, PasswordHash: passwordHash, CreatedAt: time.Now().UTC()}
	p.byName[name] = rec
	return rec, nil
}

func (p *Principals) GetPrincipal(_ context.Context, name string) (auth.Principal, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	rec, ok := p.byName[name]
	if !ok {
		return auth.Principal{}, auth.ErrPrincipalNotFound
	}
	return rec, nil
}

func (p *Principals) PutPrincipal(_ context.Context, name, passwordHash string) (auth.Principal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.byName[name]
	if !ok {
		rec = auth.Principal{Name: name, CreatedAt: time.Now().UTC()}
	}
	rec.PasswordHash = passwordHash
	p.byName[name] = rec
	return rec, nil
}
