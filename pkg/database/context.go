package database

import (
	"context"
	"fmt"
)

type contextKey string

const (
	// ScopeKey is the context key for storing the scoped database connection.
	ScopeKey contextKey = "dbScope"
)

// GetScope retrieves the scoped database connection from context.
// Returns nil and false if not present.
func GetScope(ctx context.Context) (*Scope, bool) {
	scope, ok := ctx.Value(ScopeKey).(*Scope)
	if !ok || scope == nil || scope.Conn == nil {
		return nil, false
	}
	return scope, true
}

// SetScope stores the scoped database connection in context.
func SetScope(ctx context.Context, scope *Scope) context.Context {
	return context.WithValue(ctx, ScopeKey, scope)
}

// ScopeProvider hands out per-call database scopes.
// Callers acquire, use, and release a connection around each unit of work and
// never keep one across a wait.
type ScopeProvider interface {
	WithScope(ctx context.Context, fn func(ctx context.Context) error) error
}

// PoolScopeProvider implements ScopeProvider on top of a connection pool.
type PoolScopeProvider struct {
	db *DB
}

// NewScopeProvider creates a ScopeProvider for the given database.
func NewScopeProvider(db *DB) *PoolScopeProvider {
	return &PoolScopeProvider{db: db}
}

// WithScope acquires a connection, runs fn with it stored in ctx, and releases
// the connection on every path, including panics inside fn.
func (p *PoolScopeProvider) WithScope(ctx context.Context, fn func(ctx context.Context) error) error {
	scope, err := p.db.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire database connection: %w", err)
	}
	defer scope.Close()

	return fn(SetScope(ctx, scope))
}

var _ ScopeProvider = (*PoolScopeProvider)(nil)
