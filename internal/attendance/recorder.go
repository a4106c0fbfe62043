package attendance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/muster-io/muster/internal/access"
	"github.com/muster-io/muster/internal/domain"
	"github.com/muster-io/muster/internal/notary"
	"github.com/muster-io/muster/internal/policy"
	"github.com/muster-io/muster/internal/store"
)

// Status is a member's attendance status for one window.
type Status string

const (
	StatusPresent Status = "present"
	StatusAbsent  Status = "absent"
)

// ParseStatus validates a status string.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusPresent, StatusAbsent:
		return Status(s), nil
	}
	return "", domain.InvalidArgument(fmt.Sprintf("status must be present or absent, got %q", s))
}

// GroupRecord is the aggregate count for one (group, window) pair.
type GroupRecord struct {
	ID       string    `json:"id"`
	GroupID  string    `json:"group_id"`
	WindowID string    `json:"window_id"`
	Count    int       `json:"count"`
	TakenBy  string    `json:"taken_by"`
	TakenAt  time.Time `json:"taken_at"`
}

// MemberRecord is one member's status for one window.
type MemberRecord struct {
	ID       string    `json:"id"`
	MemberID string    `json:"member_id"`
	WindowID string    `json:"window_id"`
	GroupID  string    `json:"group_id"`
	Status   Status    `json:"status"`
	MarkedBy string    `json:"marked_by"`
	MarkedAt time.Time `json:"marked_at"`
	Notes    string    `json:"notes,omitempty"`
}

// RecordGroupCount upserts the aggregate count for a group against an open
// window. Idempotent: repeated calls with the same inputs converge to one
// row holding that count; every call refreshes taken_by/taken_at.
func (s *Service) RecordGroupCount(ctx context.Context, actor access.Context, groupID, windowID string, count int) (GroupRecord, error) {
	if count < 0 {
		return GroupRecord{}, domain.InvalidArgument("count must be >= 0")
	}

	now := s.clock.Now()
	var rec GroupRecord
	err := s.store.Run(ctx, &actor, func(tx *store.Tx) error {
		bound, err := tx.Actor(ctx)
		if err != nil {
			return err
		}
		if err := s.policy.AuthorizeGroup(bound, policy.ActionAttendanceRecord, groupID); err != nil {
			return err
		}
		if _, err := openWindowByID(ctx, tx, windowID, now); err != nil {
			return err
		}

		// ON CONFLICT keeps the original row id; the racing write that
		// loses simply overwrites count and taken_by/taken_at.
		_, err = tx.Exec(ctx, `
			INSERT INTO group_attendance (id, group_id, window_id, count, taken_by, taken_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(group_id, window_id) DO UPDATE SET
				count = excluded.count,
				taken_by = excluded.taken_by,
				taken_at = excluded.taken_at
		`, uuid.Must(uuid.NewV7()).String(), groupID, windowID, count, bound.ActorID(), now)
		if err != nil {
			return fmt.Errorf("record group count: %w", err)
		}

		found, err := groupRecord(ctx, tx, groupID, windowID)
		if err != nil {
			return err
		}
		rec = found
		return nil
	})
	if err != nil {
		return GroupRecord{}, err
	}

	// Audit after the transaction commits; failures never reach the caller.
	s.notary.Log(notary.Entry{
		ActorID:    actor.ActorID(),
		Action:     "ATTENDANCE_SUBMITTED",
		EntityType: "group_attendance",
		EntityID:   rec.ID,
		Metadata: map[string]string{
			"group_id":  groupID,
			"window_id": windowID,
			"count":     strconv.Itoa(count),
		},
		At: now,
	})
	return rec, nil
}

// MarkParams are the inputs for marking one member.
type MarkParams struct {
	MemberID string
	GroupID  string
	WindowID string
	Status   Status
	Notes    string
}

// MarkMember upserts one member's status against an open window.
// Rejects with GroupMismatch unless the member currently belongs to the
// stated group. Idempotent per (member, window).
func (s *Service) MarkMember(ctx context.Context, actor access.Context, p MarkParams) (MemberRecord, error) {
	if _, err := ParseStatus(string(p.Status)); err != nil {
		return MemberRecord{}, err
	}

	now := s.clock.Now()
	var rec MemberRecord
	err := s.store.Run(ctx, &actor, func(tx *store.Tx) error {
		bound, err := tx.Actor(ctx)
		if err != nil {
			return err
		}
		if err := s.policy.AuthorizeGroup(bound, policy.ActionAttendanceMark, p.GroupID); err != nil {
			return err
		}
		if _, err := openWindowByID(ctx, tx, p.WindowID, now); err != nil {
			return err
		}

		var currentGroup sql.NullString
		err = tx.QueryRow(ctx, `SELECT group_id FROM members WHERE id = ?`, p.MemberID).
			Scan(&currentGroup)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.NotFound("member", p.MemberID)
		}
		if err != nil {
			return fmt.Errorf("mark member: lookup member: %w", err)
		}
		if currentGroup.String != p.GroupID {
			return domain.GroupMismatch(p.MemberID, p.GroupID)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO member_attendance (id, member_id, window_id, group_id, status, marked_by, marked_at, notes)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(member_id, window_id) DO UPDATE SET
				group_id = excluded.group_id,
				status = excluded.status,
				marked_by = excluded.marked_by,
				marked_at = excluded.marked_at,
				notes = excluded.notes
		`, uuid.Must(uuid.NewV7()).String(), p.MemberID, p.WindowID, p.GroupID,
			string(p.Status), bound.ActorID(), now, nullableNotes(p.Notes))
		if err != nil {
			return fmt.Errorf("mark member: %w", err)
		}

		found, err := memberRecord(ctx, tx, p.MemberID, p.WindowID)
		if err != nil {
			return err
		}
		rec = found
		return nil
	})
	if err != nil {
		return MemberRecord{}, err
	}
	return rec, nil
}

// BulkRecord is one entry of a bulk mark request.
type BulkRecord struct {
	MemberID string
	Status   Status
	Notes    string
}

// BulkFailure pairs a member with the failure that rejected their record.
type BulkFailure struct {
	MemberID string
	Err      error
}

// BulkResult reports per-record outcomes of a bulk mark.
type BulkResult struct {
	Marked []MemberRecord
	Failed []BulkFailure
}

// BulkMark applies MarkMember per record.
//
// NOT atomic across the batch: each record runs in its own transaction, so
// a partial failure leaves earlier records marked and later ones not.
// Callers that need all-or-nothing must not use BulkMark. This mirrors the
// availability trade-off of marking a roster one member at a time.
func (s *Service) BulkMark(ctx context.Context, actor access.Context, groupID, windowID string, records []BulkRecord) BulkResult {
	var result BulkResult
	for _, r := range records {
		rec, err := s.MarkMember(ctx, actor, MarkParams{
			MemberID: r.MemberID,
			GroupID:  groupID,
			WindowID: windowID,
			Status:   r.Status,
			Notes:    r.Notes,
		})
		if err != nil {
			result.Failed = append(result.Failed, BulkFailure{MemberID: r.MemberID, Err: err})
			continue
		}
		result.Marked = append(result.Marked, rec)
	}
	return result
}

// RosterEntry pairs one current group member with their attendance record
// for a window, if any.
type RosterEntry struct {
	MemberID  string `json:"member_id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Marked    bool   `json:"marked"`
	Status    Status `json:"status,omitempty"`
	Notes     string `json:"notes,omitempty"`
}

// Roster is a group's members joined against a window's records.
type Roster struct {
	GroupID  string        `json:"group_id"`
	WindowID string        `json:"window_id"`
	Entries  []RosterEntry `json:"entries"`
	Present  int           `json:"present"`
	Absent   int           `json:"absent"`
	Unmarked int           `json:"unmarked"`
}

// GroupRoster returns every current member of the group with their record
// for the window (or unmarked), plus present/absent/unmarked tallies.
// Read-only; works on open and closed windows alike.
func (s *Service) GroupRoster(ctx context.Context, actor access.Context, groupID, windowID string) (Roster, error) {
	roster := Roster{GroupID: groupID, WindowID: windowID, Entries: []RosterEntry{}}
	err := s.store.Run(ctx, &actor, func(tx *store.Tx) error {
		if _, err := windowByID(ctx, tx, windowID); err != nil {
			return err
		}
		var one int
		err := tx.QueryRow(ctx, `SELECT 1 FROM groups WHERE id = ?`, groupID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.NotFound("group", groupID)
		}
		if err != nil {
			return fmt.Errorf("group roster: %w", err)
		}

		rows, err := tx.Query(ctx, `
			SELECT m.id, m.first_name, m.last_name, ma.status, ma.notes
			FROM members m
			LEFT JOIN member_attendance ma
				ON ma.member_id = m.id AND ma.window_id = ?
			WHERE m.group_id = ?
			ORDER BY m.last_name ASC, m.first_name ASC
		`, windowID, groupID)
		if err != nil {
			return fmt.Errorf("group roster: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var e RosterEntry
			var status, notes sql.NullString
			if err := rows.Scan(&e.MemberID, &e.FirstName, &e.LastName, &status, &notes); err != nil {
				return fmt.Errorf("group roster: scan: %w", err)
			}
			if status.Valid {
				e.Marked = true
				e.Status = Status(status.String)
				e.Notes = notes.String
			}
			switch {
			case !e.Marked:
				roster.Unmarked++
			case e.Status == StatusPresent:
				roster.Present++
			default:
				roster.Absent++
			}
			roster.Entries = append(roster.Entries, e)
		}
		return rows.Err()
	})
	if err != nil {
		return Roster{}, err
	}
	return roster, nil
}

// GroupCount is one group's aggregate count within a summary.
type GroupCount struct {
	GroupID   string `json:"group_id"`
	GroupName string `json:"group_name"`
	Count     int    `json:"count"`
}

// Summary aggregates a window's group counts.
type Summary struct {
	WindowID    string       `json:"window_id"`
	TotalGroups int          `json:"total_groups"`
	TotalCount  int          `json:"total_count"`
	ByGroup     []GroupCount `json:"by_group"`
}

// Summary returns the window's total count and per-group breakdown.
func (s *Service) Summary(ctx context.Context, actor access.Context, windowID string) (Summary, error) {
	sum := Summary{WindowID: windowID, ByGroup: []GroupCount{}}
	err := s.store.Run(ctx, &actor, func(tx *store.Tx) error {
		if _, err := windowByID(ctx, tx, windowID); err != nil {
			return err
		}
		rows, err := tx.Query(ctx, `
			SELECT g.id, g.name, ga.count
			FROM group_attendance ga
			JOIN groups g ON g.id = ga.group_id
			WHERE ga.window_id = ?
			ORDER BY g.name ASC
		`, windowID)
		if err != nil {
			return fmt.Errorf("attendance summary: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var gc GroupCount
			if err := rows.Scan(&gc.GroupID, &gc.GroupName, &gc.Count); err != nil {
				return fmt.Errorf("attendance summary: scan: %w", err)
			}
			sum.TotalGroups++
			sum.TotalCount += gc.Count
			sum.ByGroup = append(sum.ByGroup, gc)
		}
		return rows.Err()
	})
	if err != nil {
		return Summary{}, err
	}
	return sum, nil
}

// groupRecord reads back the upserted (group, window) row.
func groupRecord(ctx context.Context, tx *store.Tx, groupID, windowID string) (GroupRecord, error) {
	var rec GroupRecord
	err := tx.QueryRow(ctx, `
		SELECT id, group_id, window_id, count, taken_by, taken_at
		FROM group_attendance
		WHERE group_id = ? AND window_id = ?
	`, groupID, windowID).Scan(&rec.ID, &rec.GroupID, &rec.WindowID,
		&rec.Count, &rec.TakenBy, &rec.TakenAt)
	if err != nil {
		return GroupRecord{}, fmt.Errorf("read group attendance: %w", err)
	}
	return rec, nil
}

// memberRecord reads back the upserted (member, window) row.
func memberRecord(ctx context.Context, tx *store.Tx, memberID, windowID string) (MemberRecord, error) {
	var rec MemberRecord
	var notes sql.NullString
	err := tx.QueryRow(ctx, `
		SELECT id, member_id, window_id, group_id, status, marked_by, marked_at, notes
		FROM member_attendance
		WHERE member_id = ? AND window_id = ?
	`, memberID, windowID).Scan(&rec.ID, &rec.MemberID, &rec.WindowID, &rec.GroupID,
		&rec.Status, &rec.MarkedBy, &rec.MarkedAt, &notes)
	if err != nil {
		return MemberRecord{}, fmt.Errorf("read member attendance: %w", err)
	}
	rec.Notes = notes.String
	return rec, nil
}

func nullableNotes(notes string) any {
	if notes == "" {
		return nil
	}
	return notes
}
