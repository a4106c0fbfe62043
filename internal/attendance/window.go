// Package attendance owns the weekly submission window and the records
// taken against it.
//
// A window is the only time-boxed gate in the system: group counts and
// member marks are accepted while now is inside [opensAt, closesAt] and
// rejected outside it. Open/closed is always derived from the clock at
// read time, never stored, so there is no state to drift.
package attendance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/muster-io/muster/internal/access"
	"github.com/muster-io/muster/internal/clock"
	"github.com/muster-io/muster/internal/domain"
	"github.com/muster-io/muster/internal/notary"
	"github.com/muster-io/muster/internal/policy"
	"github.com/muster-io/muster/internal/store"
)

// Window is one weekly submission window.
type Window struct {
	ID        string    `json:"id"`
	CycleDate string    `json:"cycle_date"`
	OpensAt   time.Time `json:"opens_at"`
	ClosesAt  time.Time `json:"closes_at"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}

// IsOpen reports whether the window accepts writes at time t.
// Both bounds are inclusive: opensAt ≤ t ≤ closesAt.
func IsOpen(w Window, t time.Time) bool {
	return !t.Before(w.OpensAt) && !t.After(w.ClosesAt)
}

// State returns "scheduled", "open", or "closed" for the window at time t.
// Purely presentational; write gating uses IsOpen.
func State(w Window, t time.Time) string {
	switch {
	case t.Before(w.OpensAt):
		return "scheduled"
	case IsOpen(w, t):
		return "open"
	default:
		return "closed"
	}
}

// Service exposes the window lifecycle and the attendance recorder.
type Service struct {
	store  *store.Store
	policy policy.Evaluator
	clock  clock.Clock
	notary *notary.Notary
	logger *slog.Logger
}

// NewService wires the attendance service.
func NewService(st *store.Store, pol policy.Evaluator, clk clock.Clock, nt *notary.Notary, logger *slog.Logger) *Service {
	return &Service{store: st, policy: pol, clock: clk, notary: nt, logger: logger}
}

// OpenWindow creates a window for a cycle date. Admin tier only.
// Fails with InvalidRange unless closesAt > opensAt.
func (s *Service) OpenWindow(ctx context.Context, actor access.Context, cycleDate string, opensAt, closesAt time.Time) (Window, error) {
	if _, err := time.Parse("2006-01-02", cycleDate); err != nil {
		return Window{}, domain.InvalidArgument("cycle date must be YYYY-MM-DD")
	}
	if !closesAt.After(opensAt) {
		return Window{}, domain.InvalidRange("closesAt must be after opensAt")
	}

	w := Window{
		ID:        uuid.Must(uuid.NewV7()).String(),
		CycleDate: cycleDate,
		OpensAt:   opensAt.UTC(),
		ClosesAt:  closesAt.UTC(),
		CreatedBy: actor.ActorID(),
		CreatedAt: s.clock.Now(),
	}
	err := s.store.Run(ctx, &actor, func(tx *store.Tx) error {
		bound, err := tx.Actor(ctx)
		if err != nil {
			return err
		}
		if err := s.policy.Authorize(bound, policy.ActionWindowOpen); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO attendance_windows (id, cycle_date, opens_at, closes_at, created_by, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, w.ID, w.CycleDate, w.OpensAt, w.ClosesAt, bound.ActorID(), w.CreatedAt)
		if err != nil {
			return fmt.Errorf("open window: %w", err)
		}
		return nil
	})
	if err != nil {
		return Window{}, err
	}
	return w, nil
}

// CloseWindow closes a window early: closesAt becomes min(now, closesAt).
// Idempotent - closing an already-closed window is a no-op, not an error.
func (s *Service) CloseWindow(ctx context.Context, actor access.Context, windowID string) (Window, error) {
	var closed Window
	now := s.clock.Now()
	err := s.store.Run(ctx, &actor, func(tx *store.Tx) error {
		bound, err := tx.Actor(ctx)
		if err != nil {
			return err
		}
		if err := s.policy.Authorize(bound, policy.ActionWindowClose); err != nil {
			return err
		}
		w, err := windowByID(ctx, tx, windowID)
		if err != nil {
			return err
		}
		if now.Before(w.ClosesAt) {
			if _, err := tx.Exec(ctx, `
				UPDATE attendance_windows SET closes_at = ? WHERE id = ?
			`, now, windowID); err != nil {
				return fmt.Errorf("close window: %w", err)
			}
			w.ClosesAt = now
		}
		closed = w
		return nil
	})
	if err != nil {
		return Window{}, err
	}
	return closed, nil
}

// Window returns one window by id.
func (s *Service) Window(ctx context.Context, actor access.Context, windowID string) (Window, error) {
	var w Window
	err := s.store.Run(ctx, &actor, func(tx *store.Tx) error {
		found, err := windowByID(ctx, tx, windowID)
		if err != nil {
			return err
		}
		w = found
		return nil
	})
	if err != nil {
		return Window{}, err
	}
	return w, nil
}

// CurrentWindow returns the window whose range contains now, or nil if no
// window is open. When ranges overlap, the most recent cycle date wins.
func (s *Service) CurrentWindow(ctx context.Context, actor access.Context) (*Window, error) {
	now := s.clock.Now()
	var w *Window
	err := s.store.Run(ctx, &actor, func(tx *store.Tx) error {
		var found Window
		err := tx.QueryRow(ctx, `
			SELECT id, cycle_date, opens_at, closes_at, created_by, created_at
			FROM attendance_windows
			WHERE opens_at <= ? AND closes_at >= ?
			ORDER BY cycle_date DESC, opens_at DESC
			LIMIT 1
		`, now, now).Scan(&found.ID, &found.CycleDate, &found.OpensAt,
			&found.ClosesAt, &found.CreatedBy, &found.CreatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("current window: %w", err)
		}
		w = &found
		return nil
	})
	if err != nil {
		return nil, err
	}
	return w, nil
}

// ListWindows returns every window, most recent cycle first.
func (s *Service) ListWindows(ctx context.Context, actor access.Context) ([]Window, error) {
	var windows []Window
	err := s.store.Run(ctx, &actor, func(tx *store.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT id, cycle_date, opens_at, closes_at, created_by, created_at
			FROM attendance_windows
			ORDER BY cycle_date DESC, opens_at DESC
		`)
		if err != nil {
			return fmt.Errorf("list windows: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var w Window
			if err := rows.Scan(&w.ID, &w.CycleDate, &w.OpensAt, &w.ClosesAt,
				&w.CreatedBy, &w.CreatedAt); err != nil {
				return fmt.Errorf("list windows: scan: %w", err)
			}
			windows = append(windows, w)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("list windows: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if windows == nil {
		windows = []Window{}
	}
	return windows, nil
}

// windowByID loads one window row, NotFound if absent.
func windowByID(ctx context.Context, tx *store.Tx, windowID string) (Window, error) {
	var w Window
	err := tx.QueryRow(ctx, `
		SELECT id, cycle_date, opens_at, closes_at, created_by, created_at
		FROM attendance_windows WHERE id = ?
	`, windowID).Scan(&w.ID, &w.CycleDate, &w.OpensAt, &w.ClosesAt, &w.CreatedBy, &w.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Window{}, domain.NotFound("attendance_window", windowID)
	}
	if err != nil {
		return Window{}, fmt.Errorf("lookup window: %w", err)
	}
	return w, nil
}

// openWindowByID loads a window and rejects with WindowClosed unless it is
// open at time t. Shared gate for every recorder write.
func openWindowByID(ctx context.Context, tx *store.Tx, windowID string, t time.Time) (Window, error) {
	w, err := windowByID(ctx, tx, windowID)
	if err != nil {
		return Window{}, err
	}
	if !IsOpen(w, t) {
		return Window{}, domain.WindowClosed(windowID)
	}
	return w, nil
}
