// Package distribution keeps the resource ledger for a window: one
// confirmed batch of received totals, and per-group allocations drawn
// against it. Remaining balance is always derived at read time and is
// deliberately not enforced as a ceiling when allocating.
package distribution

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"github.com/muster-io/muster/internal/access"
	"github.com/muster-io/muster/internal/clock"
	"github.com/muster-io/muster/internal/domain"
	"github.com/muster-io/muster/internal/notary"
	"github.com/muster-io/muster/internal/policy"
	"github.com/muster-io/muster/internal/store"
)

// AllocationType records how an allocation amount was decided.
type AllocationType string

const (
	AllocationEqual      AllocationType = "equal"
	AllocationAttendance AllocationType = "attendance_based"
	AllocationCustom     AllocationType = "custom"
)

// ParseAllocationType validates an allocation type string.
func ParseAllocationType(s string) (AllocationType, error) {
	switch AllocationType(s) {
	case AllocationEqual, AllocationAttendance, AllocationCustom:
		return AllocationType(s), nil
	}
	return "", domain.InvalidArgument(
		fmt.Sprintf("allocation type must be equal, attendance_based or custom, got %q", s))
}

// Batch is one confirmed receipt of resources for a window. Totals are
// fixed at confirmation and never mutated by allocation activity.
type Batch struct {
	ID          string    `json:"id"`
	WindowID    string    `json:"window_id"`
	TotalFood   int       `json:"total_food"`
	TotalWater  int       `json:"total_water"`
	ConfirmedBy string    `json:"confirmed_by"`
	ConfirmedAt time.Time `json:"confirmed_at"`
}

// Allocation is one group's portion of a batch.
type Allocation struct {
	ID            string         `json:"id"`
	BatchID       string         `json:"batch_id"`
	GroupID       string         `json:"group_id"`
	Food          int            `json:"food_allocated"`
	Water         int            `json:"water_allocated"`
	Type          AllocationType `json:"allocation_type"`
	DistributedBy string         `json:"distributed_by"`
	DistributedAt time.Time      `json:"distributed_at"`
}

// Engine exposes the distribution ledger.
type Engine struct {
	store  *store.Store
	policy policy.Evaluator
	clock  clock.Clock
	notary *notary.Notary
	logger *slog.Logger
}

// NewEngine wires the distribution engine.
func NewEngine(st *store.Store, pol policy.Evaluator, clk clock.Clock, nt *notary.Notary, logger *slog.Logger) *Engine {
	return &Engine{store: st, policy: pol, clock: clk, notary: nt, logger: logger}
}

// ConfirmReceipt records a batch of received resources against a window.
func (e *Engine) ConfirmReceipt(ctx context.Context, actor access.Context, windowID string, totalFood, totalWater int) (Batch, error) {
	if totalFood < 0 || totalWater < 0 {
		return Batch{}, domain.InvalidArgument("batch totals must be >= 0")
	}

	b := Batch{
		ID:          uuid.Must(uuid.NewV7()).String(),
		WindowID:    windowID,
		TotalFood:   totalFood,
		TotalWater:  totalWater,
		ConfirmedAt: e.clock.Now(),
	}
	err := e.store.Run(ctx, &actor, func(tx *store.Tx) error {
		bound, err := tx.Actor(ctx)
		if err != nil {
			return err
		}
		if err := e.policy.Authorize(bound, policy.ActionDistributionConfirm); err != nil {
			return err
		}
		var one int
		err = tx.QueryRow(ctx, `SELECT 1 FROM attendance_windows WHERE id = ?`, windowID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.NotFound("attendance_window", windowID)
		}
		if err != nil {
			return fmt.Errorf("confirm receipt: lookup window: %w", err)
		}

		b.ConfirmedBy = bound.ActorID()
		_, err = tx.Exec(ctx, `
			INSERT INTO distribution_batches (id, window_id, total_food, total_water, confirmed_by, confirmed_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, b.ID, b.WindowID, b.TotalFood, b.TotalWater, b.ConfirmedBy, b.ConfirmedAt)
		if err != nil {
			return fmt.Errorf("confirm receipt: %w", err)
		}
		return nil
	})
	if err != nil {
		return Batch{}, err
	}

	e.notary.Log(notary.Entry{
		ActorID:    b.ConfirmedBy,
		Action:     "DISTRIBUTION_CONFIRMED",
		EntityType: "distribution_batch",
		EntityID:   b.ID,
		Metadata: map[string]string{
			"window_id":   windowID,
			"total_food":  strconv.Itoa(totalFood),
			"total_water": strconv.Itoa(totalWater),
		},
		At: b.ConfirmedAt,
	})
	return b, nil
}

// AllocateParams are the inputs for one allocation.
type AllocateParams struct {
	BatchID string
	GroupID string
	Food    int
	Water   int
	Type    AllocationType
}

// Allocate draws a portion of a batch for one group. There is no ceiling
// check: cumulative allocations may exceed the batch totals, and the
// resulting negative remaining is surfaced by Overview rather than
// rejected here. Over-allocation is a business warning, not an error.
func (e *Engine) Allocate(ctx context.Context, actor access.Context, p AllocateParams) (Allocation, error) {
	if p.Food < 0 || p.Water < 0 {
		return Allocation{}, domain.InvalidArgument("allocation amounts must be >= 0")
	}
	if _, err := ParseAllocationType(string(p.Type)); err != nil {
		return Allocation{}, err
	}

	a := Allocation{
		ID:            uuid.Must(uuid.NewV7()).String(),
		BatchID:       p.BatchID,
		GroupID:       p.GroupID,
		Food:          p.Food,
		Water:         p.Water,
		Type:          p.Type,
		DistributedAt: e.clock.Now(),
	}
	err := e.store.Run(ctx, &actor, func(tx *store.Tx) error {
		bound, err := tx.Actor(ctx)
		if err != nil {
			return err
		}
		if err := e.policy.Authorize(bound, policy.ActionDistributionAllocate); err != nil {
			return err
		}
		if _, err := batchByID(ctx, tx, p.BatchID); err != nil {
			return err
		}
		var one int
		err = tx.QueryRow(ctx, `SELECT 1 FROM groups WHERE id = ?`, p.GroupID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.NotFound("group", p.GroupID)
		}
		if err != nil {
			return fmt.Errorf("allocate: lookup group: %w", err)
		}

		a.DistributedBy = bound.ActorID()
		_, err = tx.Exec(ctx, `
			INSERT INTO group_distributions (id, batch_id, group_id, food_allocated, water_allocated, allocation_type, distributed_by, distributed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, a.ID, a.BatchID, a.GroupID, a.Food, a.Water, string(a.Type), a.DistributedBy, a.DistributedAt)
		if err != nil {
			return fmt.Errorf("allocate: %w", err)
		}
		return nil
	})
	if err != nil {
		return Allocation{}, err
	}

	e.notary.Log(notary.Entry{
		ActorID:    a.DistributedBy,
		Action:     "DISTRIBUTION_ALLOCATED",
		EntityType: "group_distribution",
		EntityID:   a.ID,
		Metadata: map[string]string{
			"batch_id":        p.BatchID,
			"group_id":        p.GroupID,
			"food_allocated":  strconv.Itoa(p.Food),
			"water_allocated": strconv.Itoa(p.Water),
			"allocation_type": string(p.Type),
		},
		At: a.DistributedAt,
	})
	return a, nil
}

// UpdateParams are the optional fields of an allocation update. Nil
// pointers leave the stored value untouched.
type UpdateParams struct {
	Food  *int
	Water *int
	Type  *AllocationType
}

// UpdateAllocation partially updates an existing allocation's amounts or
// type. The same no-ceiling rule as Allocate applies.
func (e *Engine) UpdateAllocation(ctx context.Context, actor access.Context, allocationID string, p UpdateParams) (Allocation, error) {
	if p.Food != nil && *p.Food < 0 {
		return Allocation{}, domain.InvalidArgument("allocation amounts must be >= 0")
	}
	if p.Water != nil && *p.Water < 0 {
		return Allocation{}, domain.InvalidArgument("allocation amounts must be >= 0")
	}
	if p.Type != nil {
		if _, err := ParseAllocationType(string(*p.Type)); err != nil {
			return Allocation{}, err
		}
	}

	var updated Allocation
	err := e.store.Run(ctx, &actor, func(tx *store.Tx) error {
		bound, err := tx.Actor(ctx)
		if err != nil {
			return err
		}
		if err := e.policy.Authorize(bound, policy.ActionDistributionAllocate); err != nil {
			return err
		}
		cur, err := allocationByID(ctx, tx, allocationID)
		if err != nil {
			return err
		}
		if p.Food != nil {
			cur.Food = *p.Food
		}
		if p.Water != nil {
			cur.Water = *p.Water
		}
		if p.Type != nil {
			cur.Type = *p.Type
		}
		_, err = tx.Exec(ctx, `
			UPDATE group_distributions
			SET food_allocated = ?, water_allocated = ?, allocation_type = ?
			WHERE id = ?
		`, cur.Food, cur.Water, string(cur.Type), allocationID)
		if err != nil {
			return fmt.Errorf("update allocation: %w", err)
		}
		updated = cur
		return nil
	})
	if err != nil {
		return Allocation{}, err
	}
	return updated, nil
}

// ResourceTotals is the per-resource ledger of an overview.
type ResourceTotals struct {
	Received  int `json:"received"`
	Allocated int `json:"allocated"`
	Remaining int `json:"remaining"`
}

// Overview is the derived ledger state of one batch.
type Overview struct {
	Batch       Batch          `json:"batch"`
	Food        ResourceTotals `json:"food"`
	Water       ResourceTotals `json:"water"`
	Allocations []Allocation   `json:"allocations"`
}

// Overview reports a batch's totals, allocated sums and remaining
// balances. Remaining = received - allocated per resource, reported
// truthfully even when negative.
func (e *Engine) Overview(ctx context.Context, actor access.Context, batchID string) (Overview, error) {
	var ov Overview
	err := e.store.Run(ctx, &actor, func(tx *store.Tx) error {
		b, err := batchByID(ctx, tx, batchID)
		if err != nil {
			return err
		}
		allocs, err := batchAllocations(ctx, tx, batchID)
		if err != nil {
			return err
		}
		ov = Overview{Batch: b, Allocations: allocs}
		ov.Food.Received = b.TotalFood
		ov.Water.Received = b.TotalWater
		for _, a := range allocs {
			ov.Food.Allocated += a.Food
			ov.Water.Allocated += a.Water
		}
		ov.Food.Remaining = ov.Food.Received - ov.Food.Allocated
		ov.Water.Remaining = ov.Water.Received - ov.Water.Allocated
		return nil
	})
	if err != nil {
		return Overview{}, err
	}
	return ov, nil
}

// GroupInfo joins one group with its attendance for the batch's window
// and its allocation, if any. Drives the allocation decision.
type GroupInfo struct {
	GroupID     string      `json:"group_id"`
	GroupName   string      `json:"group_name"`
	MemberCount int         `json:"member_count"`
	GroupCount  int         `json:"group_count"`
	CountTaken  bool        `json:"count_taken"`
	Present     int         `json:"present"`
	Absent      int         `json:"absent"`
	Unmarked    int         `json:"unmarked"`
	Allocation  *Allocation `json:"allocation,omitempty"`
}

// GroupsWithAttendance returns every group joined against its attendance
// for the batch's window and its allocation if one exists. Read-only.
// Groups are ordered by collated name so accented names sort naturally.
func (e *Engine) GroupsWithAttendance(ctx context.Context, actor access.Context, batchID string) ([]GroupInfo, error) {
	var infos []GroupInfo
	err := e.store.Run(ctx, &actor, func(tx *store.Tx) error {
		b, err := batchByID(ctx, tx, batchID)
		if err != nil {
			return err
		}

		rows, err := tx.Query(ctx, `
			SELECT
				g.id,
				g.name,
				(SELECT COUNT(*) FROM members m WHERE m.group_id = g.id),
				COALESCE(ga.count, 0),
				ga.id IS NOT NULL,
				(SELECT COUNT(*) FROM member_attendance ma
					WHERE ma.group_id = g.id AND ma.window_id = ? AND ma.status = 'present'),
				(SELECT COUNT(*) FROM member_attendance ma
					WHERE ma.group_id = g.id AND ma.window_id = ? AND ma.status = 'absent'),
				(SELECT COUNT(*) FROM members m
					LEFT JOIN member_attendance ma
						ON ma.member_id = m.id AND ma.window_id = ?
					WHERE m.group_id = g.id AND ma.id IS NULL)
			FROM groups g
			LEFT JOIN group_attendance ga
				ON ga.group_id = g.id AND ga.window_id = ?
		`, b.WindowID, b.WindowID, b.WindowID, b.WindowID)
		if err != nil {
			return fmt.Errorf("groups with attendance: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var gi GroupInfo
			// Unmarked counts current members without a record, not
			// member count minus marks: marks keep their historical
			// group, so a transfer after marking would otherwise push
			// the difference negative.
			if err := rows.Scan(&gi.GroupID, &gi.GroupName, &gi.MemberCount,
				&gi.GroupCount, &gi.CountTaken, &gi.Present, &gi.Absent,
				&gi.Unmarked); err != nil {
				return fmt.Errorf("groups with attendance: scan: %w", err)
			}
			infos = append(infos, gi)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("groups with attendance: %w", err)
		}

		allocs, err := batchAllocations(ctx, tx, batchID)
		if err != nil {
			return err
		}
		byGroup := make(map[string]Allocation, len(allocs))
		for _, a := range allocs {
			byGroup[a.GroupID] = a
		}
		for i := range infos {
			if a, ok := byGroup[infos[i].GroupID]; ok {
				alloc := a
				infos[i].Allocation = &alloc
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	c := collate.New(language.Und)
	sort.SliceStable(infos, func(i, j int) bool {
		return c.CompareString(infos[i].GroupName, infos[j].GroupName) < 0
	})
	if infos == nil {
		infos = []GroupInfo{}
	}
	return infos, nil
}

// CurrentBatch returns the most recently confirmed batch for the window
// of the most recent cycle date containing now, or nil if none exists.
func (e *Engine) CurrentBatch(ctx context.Context, actor access.Context) (*Batch, error) {
	now := e.clock.Now()
	var b *Batch
	err := e.store.Run(ctx, &actor, func(tx *store.Tx) error {
		var found Batch
		err := tx.QueryRow(ctx, `
			SELECT b.id, b.window_id, b.total_food, b.total_water, b.confirmed_by, b.confirmed_at
			FROM distribution_batches b
			JOIN attendance_windows w ON w.id = b.window_id
			WHERE w.opens_at <= ? AND w.closes_at >= ?
			ORDER BY w.cycle_date DESC, b.confirmed_at DESC
			LIMIT 1
		`, now, now).Scan(&found.ID, &found.WindowID, &found.TotalFood,
			&found.TotalWater, &found.ConfirmedBy, &found.ConfirmedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("current batch: %w", err)
		}
		b = &found
		return nil
	})
	if err != nil {
		return nil, err
	}
	return b, nil
}

// ListBatches returns every batch, most recently confirmed first.
func (e *Engine) ListBatches(ctx context.Context, actor access.Context) ([]Batch, error) {
	batches := []Batch{}
	err := e.store.Run(ctx, &actor, func(tx *store.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT id, window_id, total_food, total_water, confirmed_by, confirmed_at
			FROM distribution_batches
			ORDER BY confirmed_at DESC
		`)
		if err != nil {
			return fmt.Errorf("list batches: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var b Batch
			if err := rows.Scan(&b.ID, &b.WindowID, &b.TotalFood, &b.TotalWater,
				&b.ConfirmedBy, &b.ConfirmedAt); err != nil {
				return fmt.Errorf("list batches: scan: %w", err)
			}
			batches = append(batches, b)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return batches, nil
}

// batchByID loads one batch row, NotFound if absent.
func batchByID(ctx context.Context, tx *store.Tx, batchID string) (Batch, error) {
	var b Batch
	err := tx.QueryRow(ctx, `
		SELECT id, window_id, total_food, total_water, confirmed_by, confirmed_at
		FROM distribution_batches WHERE id = ?
	`, batchID).Scan(&b.ID, &b.WindowID, &b.TotalFood, &b.TotalWater,
		&b.ConfirmedBy, &b.ConfirmedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Batch{}, domain.NotFound("distribution_batch", batchID)
	}
	if err != nil {
		return Batch{}, fmt.Errorf("lookup batch: %w", err)
	}
	return b, nil
}

// allocationByID loads one allocation row, NotFound if absent.
func allocationByID(ctx context.Context, tx *store.Tx, id string) (Allocation, error) {
	var a Allocation
	err := tx.QueryRow(ctx, `
		SELECT id, batch_id, group_id, food_allocated, water_allocated, allocation_type, distributed_by, distributed_at
		FROM group_distributions WHERE id = ?
	`, id).Scan(&a.ID, &a.BatchID, &a.GroupID, &a.Food, &a.Water, &a.Type,
		&a.DistributedBy, &a.DistributedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Allocation{}, domain.NotFound("allocation", id)
	}
	if err != nil {
		return Allocation{}, fmt.Errorf("lookup allocation: %w", err)
	}
	return a, nil
}

// batchAllocations loads a batch's allocations in distribution order.
func batchAllocations(ctx context.Context, tx *store.Tx, batchID string) ([]Allocation, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, batch_id, group_id, food_allocated, water_allocated, allocation_type, distributed_by, distributed_at
		FROM group_distributions
		WHERE batch_id = ?
		ORDER BY distributed_at ASC, id ASC
	`, batchID)
	if err != nil {
		return nil, fmt.Errorf("batch allocations: %w", err)
	}
	defer rows.Close()

	allocs := []Allocation{}
	for rows.Next() {
		var a Allocation
		if err := rows.Scan(&a.ID, &a.BatchID, &a.GroupID, &a.Food, &a.Water,
			&a.Type, &a.DistributedBy, &a.DistributedAt); err != nil {
			return nil, fmt.Errorf("batch allocations: scan: %w", err)
		}
		allocs = append(allocs, a)
	}
	return allocs, rows.Err()
}
