package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"

	"golang.org/x/text/unicode/norm"

	"github.com/muster-io/muster/internal/access"
)

// The access context is bound into a per-connection temp table so the
// policy evaluator and the audit path read the actor from engine-visible
// session state, never from an ambient value.
//
// Pooled drivers may hand a standalone "set context" statement and the
// query it governs to different physical connections, which corrupts
// policy evaluation without raising any error. The only safe shape is:
// bind context and run the governed statements inside one transaction on
// one connection. Run enforces that shape; nothing else in this module
// writes to request_context.
const contextTableDDL = `
	CREATE TEMP TABLE IF NOT EXISTS request_context (
		slot   INTEGER PRIMARY KEY CHECK (slot = 1),
		claims TEXT NOT NULL
	)`

// anonymousClaims is what an absent actor binds as. Binding "{}" rather
// than skipping the write guarantees a previous invocation's claims can
// never be observed by this one.
const anonymousClaims = "{}"

// Tx is the handle a unit-of-work operation issues its statements on.
// All statements execute on the transaction (and therefore the
// connection) the access context was bound to.
type Tx struct {
	tx *sql.Tx
}

// Exec executes a statement on the bound transaction.
func (t *Tx) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, query, args...)
}

// Query runs a query on the bound transaction.
// Callers are responsible for closing the returned rows.
func (t *Tx) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, query, args...)
}

// QueryRow runs a single-row query on the bound transaction.
func (t *Tx) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, query, args...)
}

// Actor reads the access context back from the bound session state.
//
// This deliberately round-trips through the database instead of returning
// a cached Go value: what Actor returns is exactly what the governed
// statements' connection sees, which is what the no-bleed tests assert on.
func (t *Tx) Actor(ctx context.Context) (access.Context, error) {
	var raw string
	err := t.tx.QueryRowContext(ctx,
		`SELECT claims FROM request_context WHERE slot = 1`).Scan(&raw)
	if err != nil {
		return access.Context{}, fmt.Errorf("read bound context: %w", err)
	}
	return parseClaims(raw)
}

// Run executes op inside a single transaction, with the actor's context
// bound to that transaction's connection before any other statement.
//
// Contract:
//   - one transaction, one connection, bind first;
//   - actor == nil binds an anonymous context (never left stale);
//   - a bind failure fails the whole transaction - execution never
//     proceeds with unbound or default context;
//   - commit on nil return from op, rollback on error, with op's error
//     propagated unchanged;
//   - no retries: a retry of a non-idempotent operation is a caller
//     decision.
func (s *Store) Run(ctx context.Context, actor *access.Context, op func(tx *Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("unit of work: begin: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	if err := bindContext(ctx, tx, actor); err != nil {
		return fmt.Errorf("unit of work: bind context: %w", err)
	}

	if err := op(&Tx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("unit of work: commit: %w", err)
	}
	return nil
}

// bindContext writes the actor's claims into the connection's session
// state as the transaction's first statements.
func bindContext(ctx context.Context, tx *sql.Tx, actor *access.Context) error {
	if _, err := tx.ExecContext(ctx, contextTableDDL); err != nil {
		return fmt.Errorf("create session table: %w", err)
	}

	claims := anonymousClaims
	if actor != nil && !actor.IsZero() {
		marshaled, err := marshalClaims(*actor)
		if err != nil {
			return fmt.Errorf("marshal claims: %w", err)
		}
		claims = marshaled
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO request_context (slot, claims)
		VALUES (1, ?)
		ON CONFLICT(slot) DO UPDATE SET claims = excluded.claims
	`, claims)
	if err != nil {
		return fmt.Errorf("write claims: %w", err)
	}
	return nil
}

// boundClaims is the wire form of a bound access context. Field order is
// alphabetical so encoding/json emits canonically ordered keys.
type boundClaims struct {
	Role     string   `json:"role"`
	ScopeIDs []string `json:"scope_ids"`
	Sub      string   `json:"sub"`
}

// marshalClaims serializes an access context canonically: sorted keys,
// sorted scope ids, NFC-normalized strings. Two equal contexts always
// bind byte-identical claims, which keeps the binding comparable in
// tests and in the audit trail.
func marshalClaims(actor access.Context) (string, error) {
	scopes := actor.ScopeIDs()
	for i, s := range scopes {
		scopes[i] = norm.NFC.String(s)
	}
	sort.Strings(scopes)

	claims := boundClaims{
		Role:     norm.NFC.String(string(actor.Role())),
		ScopeIDs: scopes,
		Sub:      norm.NFC.String(actor.ActorID()),
	}
	raw, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// parseClaims rebuilds an access context from bound claims.
// Anonymous claims parse to the zero context.
func parseClaims(raw string) (access.Context, error) {
	if raw == anonymousClaims || raw == "" {
		return access.Context{}, nil
	}
	var claims boundClaims
	if err := json.Unmarshal([]byte(raw), &claims); err != nil {
		return access.Context{}, fmt.Errorf("parse bound claims: %w", err)
	}
	role, err := access.ParseRole(claims.Role)
	if err != nil {
		return access.Context{}, fmt.Errorf("parse bound claims: %w", err)
	}
	return access.New(claims.Sub, role, claims.ScopeIDs), nil
}
