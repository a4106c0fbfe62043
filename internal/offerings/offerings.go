// Package offerings tracks offering and tithe amounts collected per
// group per window. Amounts are integer minor units. Unlike attendance,
// recording is not gated on the window being open: collections are
// often counted and entered after the window closes.
package offerings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/muster-io/muster/internal/access"
	"github.com/muster-io/muster/internal/clock"
	"github.com/muster-io/muster/internal/domain"
	"github.com/muster-io/muster/internal/notary"
	"github.com/muster-io/muster/internal/policy"
	"github.com/muster-io/muster/internal/store"
)

// Offering is one group's collection for one window.
type Offering struct {
	ID         string    `json:"id"`
	GroupID    string    `json:"group_id"`
	WindowID   string    `json:"window_id"`
	Offering   int       `json:"offering_amount"`
	Tithe      int       `json:"tithe_amount"`
	RecordedBy string    `json:"recorded_by"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Totals is the summed collection across a set of offerings.
type Totals struct {
	Offering int `json:"offering_total"`
	Tithe    int `json:"tithe_total"`
	Records  int `json:"records"`
}

// Service exposes offering recording and aggregation.
type Service struct {
	store  *store.Store
	policy policy.Evaluator
	clock  clock.Clock
	notary *notary.Notary
	logger *slog.Logger
}

// NewService wires the offerings service.
func NewService(st *store.Store, pol policy.Evaluator, clk clock.Clock, nt *notary.Notary, logger *slog.Logger) *Service {
	return &Service{store: st, policy: pol, clock: clk, notary: nt, logger: logger}
}

// Record upserts the collection for a (group, window) pair. Idempotent:
// re-recording replaces the amounts and refreshes recorded_by/recorded_at.
func (s *Service) Record(ctx context.Context, actor access.Context, groupID, windowID string, offering, tithe int) (Offering, error) {
	if offering < 0 || tithe < 0 {
		return Offering{}, domain.InvalidArgument("amounts must be >= 0")
	}

	now := s.clock.Now()
	var rec Offering
	err := s.store.Run(ctx, &actor, func(tx *store.Tx) error {
		bound, err := tx.Actor(ctx)
		if err != nil {
			return err
		}
		if err := s.policy.AuthorizeGroup(bound, policy.ActionOfferingRecord, groupID); err != nil {
			return err
		}
		var one int
		err = tx.QueryRow(ctx, `SELECT 1 FROM groups WHERE id = ?`, groupID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.NotFound("group", groupID)
		}
		if err != nil {
			return fmt.Errorf("record offering: lookup group: %w", err)
		}
		err = tx.QueryRow(ctx, `SELECT 1 FROM attendance_windows WHERE id = ?`, windowID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.NotFound("attendance_window", windowID)
		}
		if err != nil {
			return fmt.Errorf("record offering: lookup window: %w", err)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO offerings (id, group_id, window_id, offering_amount, tithe_amount, recorded_by, recorded_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(group_id, window_id) DO UPDATE SET
				offering_amount = excluded.offering_amount,
				tithe_amount = excluded.tithe_amount,
				recorded_by = excluded.recorded_by,
				recorded_at = excluded.recorded_at
		`, uuid.Must(uuid.NewV7()).String(), groupID, windowID, offering, tithe, bound.ActorID(), now)
		if err != nil {
			return fmt.Errorf("record offering: %w", err)
		}

		found, err := offeringByPair(ctx, tx, groupID, windowID)
		if err != nil {
			return err
		}
		rec = found
		return nil
	})
	if err != nil {
		return Offering{}, err
	}

	s.notary.Log(notary.Entry{
		ActorID:    rec.RecordedBy,
		Action:     "OFFERING_RECORDED",
		EntityType: "offering",
		EntityID:   rec.ID,
		Metadata: map[string]string{
			"group_id":        groupID,
			"window_id":       windowID,
			"offering_amount": strconv.Itoa(offering),
			"tithe_amount":    strconv.Itoa(tithe),
		},
		At: now,
	})
	return rec, nil
}

// Totals sums offering and tithe amounts. Either filter may be empty;
// empty filters sum everything.
func (s *Service) Totals(ctx context.Context, actor access.Context, groupID, windowID string) (Totals, error) {
	var t Totals
	err := s.store.Run(ctx, &actor, func(tx *store.Tx) error {
		err := tx.QueryRow(ctx, `
			SELECT COALESCE(SUM(offering_amount), 0), COALESCE(SUM(tithe_amount), 0), COUNT(*)
			FROM offerings
			WHERE (? = '' OR group_id = ?) AND (? = '' OR window_id = ?)
		`, groupID, groupID, windowID, windowID).Scan(&t.Offering, &t.Tithe, &t.Records)
		if err != nil {
			return fmt.Errorf("offering totals: %w", err)
		}
		return nil
	})
	if err != nil {
		return Totals{}, err
	}
	return t, nil
}

// List returns offerings filtered by group and/or window, most recently
// recorded first. Empty filters list everything.
func (s *Service) List(ctx context.Context, actor access.Context, groupID, windowID string) ([]Offering, error) {
	offerings := []Offering{}
	err := s.store.Run(ctx, &actor, func(tx *store.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT id, group_id, window_id, offering_amount, tithe_amount, recorded_by, recorded_at
			FROM offerings
			WHERE (? = '' OR group_id = ?) AND (? = '' OR window_id = ?)
			ORDER BY recorded_at DESC, id DESC
		`, groupID, groupID, windowID, windowID)
		if err != nil {
			return fmt.Errorf("list offerings: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var o Offering
			if err := rows.Scan(&o.ID, &o.GroupID, &o.WindowID, &o.Offering,
				&o.Tithe, &o.RecordedBy, &o.RecordedAt); err != nil {
				return fmt.Errorf("list offerings: scan: %w", err)
			}
			offerings = append(offerings, o)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return offerings, nil
}

// offeringByPair reads back the upserted (group, window) row.
func offeringByPair(ctx context.Context, tx *store.Tx, groupID, windowID string) (Offering, error) {
	var o Offering
	err := tx.QueryRow(ctx, `
		SELECT id, group_id, window_id, offering_amount, tithe_amount, recorded_by, recorded_at
		FROM offerings
		WHERE group_id = ? AND window_id = ?
	`, groupID, windowID).Scan(&o.ID, &o.GroupID, &o.WindowID, &o.Offering,
		&o.Tithe, &o.RecordedBy, &o.RecordedAt)
	if err != nil {
		return Offering{}, fmt.Errorf("read offering: %w", err)
	}
	return o, nil
}
