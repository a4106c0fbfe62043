// Package roster maintains the groups and members registry.
//
// The attendance recorder validates a member's current group against this
// registry, and the distribution report joins every group against its
// attendance, so roster rows are the reference data the time-boxed
// workflows hang off.
package roster

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

// Group is one administrable unit (a platoon, a class).
type Group struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Kind      string    `json:"kind"`
	CreatedAt time.Time `json:"created_at"`
}

// Member is one person on the roster. GroupID is the member's current
// group and is empty for unassigned members.
type Member struct {
	ID        string    `json:"id"`
	FirstName string    `json:"first_name"`
	LastName  string    `json:"last_name"`
	Birthday  string    `json:"birthday,omitempty"`
	GroupID   string    `json:"group_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Service exposes the roster operations.
type Service struct {
	store  *store.Store
	policy policy.Evaluator
	clock  clock.Clock
	notary *notary.Notary
	logger *slog.Logger
}

// NewService wires the roster service.
func NewService(st *store.Store, pol policy.Evaluator, clk clock.Clock, nt *notary.Notary, logger *slog.Logger) *Service {
	return &Service{store: st, policy: pol, clock: clk, notary: nt, logger: logger}
}

// CreateGroup registers a new group. Admin tier only.
func (s *Service) CreateGroup(ctx context.Context, actor access.Context, name, kind string) (Group, error) {
	if name == "" {
		return Group{}, domain.InvalidArgument("group name is required")
	}
	if kind == "" {
		kind = "platoon"
	}

	g := Group{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Name:      name,
		Kind:      kind,
		CreatedAt: s.clock.Now(),
	}
	err := s.store.Run(ctx, &actor, func(tx *store.Tx) error {
		bound, err := tx.Actor(ctx)
		if err != nil {
			return err
		}
		if err := s.policy.Authorize(bound, policy.ActionRosterManage); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO groups (id, name, kind, created_at)
			VALUES (?, ?, ?, ?)
		`, g.ID, g.Name, g.Kind, g.CreatedAt)
		if err != nil {
			return fmt.Errorf("create group: %w", err)
		}
		return nil
	})
	if err != nil {
		return Group{}, err
	}
	return g, nil
}

// CreateMember registers a new member, optionally assigned to a group.
func (s *Service) CreateMember(ctx context.Context, actor access.Context, firstName, lastName, birthday, groupID string) (Member, error) {
	if firstName == "" || lastName == "" {
		return Member{}, domain.InvalidArgument("member first and last name are required")
	}
	if birthday != "" {
		if _, err := time.Parse("2006-01-02", birthday); err != nil {
			return Member{}, domain.InvalidArgument("birthday must be YYYY-MM-DD")
		}
	}

	m := Member{
		ID:        uuid.Must(uuid.NewV7()).String(),
		FirstName: firstName,
		LastName:  lastName,
		Birthday:  birthday,
		GroupID:   groupID,
		CreatedAt: s.clock.Now(),
	}
	err := s.store.Run(ctx, &actor, func(tx *store.Tx) error {
		bound, err := tx.Actor(ctx)
		if err != nil {
			return err
		}
		if err := s.policy.Authorize(bound, policy.ActionRosterManage); err != nil {
			return err
		}
		if groupID != "" {
			if err := groupExists(ctx, tx, groupID); err != nil {
				return err
			}
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO members (id, first_name, last_name, birthday, group_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, m.ID, m.FirstName, m.LastName, nullable(m.Birthday), nullable(m.GroupID), m.CreatedAt)
		if err != nil {
			return fmt.Errorf("create member: %w", err)
		}
		return nil
	})
	if err != nil {
		return Member{}, err
	}
	return m, nil
}

// TransferMember moves a member to a new current group, recording the
// movement in member_transfers. The audit entry is emitted after the
// transaction commits.
func (s *Service) TransferMember(ctx context.Context, actor access.Context, memberID, toGroupID string) (Member, error) {
	if toGroupID == "" {
		return Member{}, domain.InvalidArgument("target group is required")
	}

	var moved Member
	var fromGroupID string
	now := s.clock.Now()
	err := s.store.Run(ctx, &actor, func(tx *store.Tx) error {
		bound, err := tx.Actor(ctx)
		if err != nil {
			return err
		}
		if err := s.policy.Authorize(bound, policy.ActionRosterManage); err != nil {
			return err
		}
		m, err := memberByID(ctx, tx, memberID)
		if err != nil {
			return err
		}
		if err := groupExists(ctx, tx, toGroupID); err != nil {
			return err
		}
		fromGroupID = m.GroupID

		if _, err := tx.Exec(ctx, `
			UPDATE members SET group_id = ? WHERE id = ?
		`, toGroupID, memberID); err != nil {
			return fmt.Errorf("transfer member: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO member_transfers (member_id, from_group_id, to_group_id, moved_by, moved_at)
			VALUES (?, ?, ?, ?, ?)
		`, memberID, nullable(fromGroupID), toGroupID, bound.ActorID(), now); err != nil {
			return fmt.Errorf("transfer member: record movement: %w", err)
		}

		m.GroupID = toGroupID
		moved = m
		return nil
	})
	if err != nil {
		return Member{}, err
	}

	s.notary.Log(notary.Entry{
		ActorID:    actor.ActorID(),
		Action:     "MEMBER_TRANSFERRED",
		EntityType: "member",
		EntityID:   memberID,
		Metadata: map[string]string{
			"from_group_id": fromGroupID,
			"to_group_id":   toGroupID,
		},
		At: now,
	})
	return moved, nil
}

// Member returns one member by id.
func (s *Service) Member(ctx context.Context, actor access.Context, memberID string) (Member, error) {
	var m Member
	err := s.store.Run(ctx, &actor, func(tx *store.Tx) error {
		found, err := memberByID(ctx, tx, memberID)
		if err != nil {
			return err
		}
		m = found
		return nil
	})
	if err != nil {
		return Member{}, err
	}
	return m, nil
}

// GroupMembers returns every current member of a group, ordered by name.
func (s *Service) GroupMembers(ctx context.Context, actor access.Context, groupID string) ([]Member, error) {
	var members []Member
	err := s.store.Run(ctx, &actor, func(tx *store.Tx) error {
		if err := groupExists(ctx, tx, groupID); err != nil {
			return err
		}
		found, err := groupMembers(ctx, tx, groupID)
		if err != nil {
			return err
		}
		members = found
		return nil
	})
	if err != nil {
		return nil, err
	}
	return members, nil
}

// ListGroups returns every group ordered by kind then name.
func (s *Service) ListGroups(ctx context.Context, actor access.Context) ([]Group, error) {
	var groups []Group
	err := s.store.Run(ctx, &actor, func(tx *store.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT id, name, kind, created_at
			FROM groups
			ORDER BY kind ASC, name ASC
		`)
		if err != nil {
			return fmt.Errorf("list groups: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var g Group
			if err := rows.Scan(&g.ID, &g.Name, &g.Kind, &g.CreatedAt); err != nil {
				return fmt.Errorf("list groups: scan: %w", err)
			}
			groups = append(groups, g)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("list groups: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if groups == nil {
		groups = []Group{}
	}
	return groups, nil
}

// groupExists returns NotFound unless the group id is present.
func groupExists(ctx context.Context, tx *store.Tx, groupID string) error {
	var one int
	err := tx.QueryRow(ctx, `SELECT 1 FROM groups WHERE id = ?`, groupID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.NotFound("group", groupID)
	}
	if err != nil {
		return fmt.Errorf("lookup group: %w", err)
	}
	return nil
}

// memberByID loads one member row.
func memberByID(ctx context.Context, tx *store.Tx, memberID string) (Member, error) {
	var m Member
	var birthday, groupID sql.NullString
	err := tx.QueryRow(ctx, `
		SELECT id, first_name, last_name, birthday, group_id, created_at
		FROM members WHERE id = ?
	`, memberID).Scan(&m.ID, &m.FirstName, &m.LastName, &birthday, &groupID, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Member{}, domain.NotFound("member", memberID)
	}
	if err != nil {
		return Member{}, fmt.Errorf("lookup member: %w", err)
	}
	m.Birthday = birthday.String
	m.GroupID = groupID.String
	return m, nil
}

// groupMembers loads a group's current members ordered by name.
func groupMembers(ctx context.Context, tx *store.Tx, groupID string) ([]Member, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, first_name, last_name, birthday, group_id, created_at
		FROM members
		WHERE group_id = ?
		ORDER BY last_name ASC, first_name ASC
	`, groupID)
	if err != nil {
		return nil, fmt.Errorf("group members: %w", err)
	}
	defer rows.Close()

	members := []Member{}
	for rows.Next() {
		var m Member
		var birthday, gid sql.NullString
		if err := rows.Scan(&m.ID, &m.FirstName, &m.LastName, &birthday, &gid, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("group members: scan: %w", err)
		}
		m.Birthday = birthday.String
		m.GroupID = gid.String
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("group members: %w", err)
	}
	return members, nil
}

// nullable maps "" to NULL for optional text columns.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
