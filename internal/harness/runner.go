package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/muster-io/muster/internal/access"
	"github.com/muster-io/muster/internal/attendance"
	"github.com/muster-io/muster/internal/distribution"
	"github.com/muster-io/muster/internal/domain"
	"github.com/muster-io/muster/internal/notary"
	"github.com/muster-io/muster/internal/offerings"
	"github.com/muster-io/muster/internal/policy"
	"github.com/muster-io/muster/internal/roster"
	"github.com/muster-io/muster/internal/store"
	"github.com/muster-io/muster/internal/testutil"
)

// Event is the recorded outcome of one step.
type Event struct {
	Op     string `json:"op"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// ResourceState mirrors one resource of a distribution overview.
type ResourceState struct {
	Received  int `json:"received"`
	Allocated int `json:"allocated"`
	Remaining int `json:"remaining"`
}

// AttendanceState is the snapshot of a window's counts by group name.
type AttendanceState struct {
	TotalCount int            `json:"total_count"`
	ByGroup    map[string]int `json:"by_group"`
}

// DistributionState is the snapshot of the scenario's batch ledger.
type DistributionState struct {
	Food  ResourceState `json:"food"`
	Water ResourceState `json:"water"`
}

// Snapshot is the derived state captured after the flow completes.
type Snapshot struct {
	Attendance   *AttendanceState   `json:"attendance,omitempty"`
	Distribution *DistributionState `json:"distribution,omitempty"`
}

// Result is the full scenario outcome serialized into the golden file.
type Result struct {
	Scenario string   `json:"scenario"`
	Events   []Event  `json:"events"`
	Snapshot Snapshot `json:"snapshot"`
}

// seedActor performs roster seeding and window creation.
var seedActor = access.New("seed-admin", access.RoleSuperAdmin, nil)

// runner holds everything one scenario execution needs.
type runner struct {
	scenario *Scenario
	clock    *testutil.FixedClock
	store    *store.Store

	attendance   *attendance.Service
	distribution *distribution.Engine
	offerings    *offerings.Service
	roster       *roster.Service
	notary       *notary.Notary

	groups   map[string]string // seeded name -> id
	members  map[string]string // "First Last" -> id
	windowID string
	batchID  string
}

// Run executes a scenario in a fresh temp database under dir.
func Run(s *Scenario, dir string) (*Result, error) {
	st, err := store.Open(filepath.Join(dir, s.Name+".db"))
	if err != nil {
		return nil, fmt.Errorf("run scenario: %w", err)
	}
	defer st.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	nt := notary.New(notary.NewStoreSink(st), logger, notary.DefaultQueueSize)
	defer nt.Close()

	clk := testutil.NewFixedClock(s.Window.OpensAt)
	pol := policy.NewRolePolicy()
	r := &runner{
		scenario:     s,
		clock:        clk,
		store:        st,
		attendance:   attendance.NewService(st, pol, clk, nt, logger),
		distribution: distribution.NewEngine(st, pol, clk, nt, logger),
		offerings:    offerings.NewService(st, pol, clk, nt, logger),
		roster:       roster.NewService(st, pol, clk, nt, logger),
		notary:       nt,
		groups:       map[string]string{},
		members:      map[string]string{},
	}

	if err := r.seed(); err != nil {
		return nil, err
	}

	result := &Result{Scenario: s.Name, Events: []Event{}}
	for i, step := range s.Steps {
		ev, err := r.step(step)
		if err != nil {
			return nil, fmt.Errorf("steps[%d] %s: %w", i, step.Op, err)
		}
		if ev.Error != step.Expect {
			return nil, fmt.Errorf("steps[%d] %s: got error %q, scenario expects %q",
				i, step.Op, ev.Error, step.Expect)
		}
		result.Events = append(result.Events, ev)
	}

	snap, err := r.snapshot()
	if err != nil {
		return nil, err
	}
	result.Snapshot = snap
	return result, nil
}

func (r *runner) seed() error {
	ctx := context.Background()
	for _, g := range r.scenario.Seed.Groups {
		created, err := r.roster.CreateGroup(ctx, seedActor, g.Name, g.Kind)
		if err != nil {
			return fmt.Errorf("seed group %s: %w", g.Name, err)
		}
		r.groups[g.Name] = created.ID
	}
	for _, m := range r.scenario.Seed.Members {
		groupID, ok := r.groups[m.Group]
		if !ok {
			return fmt.Errorf("seed member %s %s: unknown group %q", m.First, m.Last, m.Group)
		}
		created, err := r.roster.CreateMember(ctx, seedActor, m.First, m.Last, "", groupID)
		if err != nil {
			return fmt.Errorf("seed member %s %s: %w", m.First, m.Last, err)
		}
		r.members[m.First+" "+m.Last] = created.ID
	}

	w, err := r.attendance.OpenWindow(ctx, seedActor,
		r.scenario.Window.CycleDate, r.scenario.Window.OpensAt, r.scenario.Window.ClosesAt)
	if err != nil {
		return fmt.Errorf("seed window: %w", err)
	}
	r.windowID = w.ID
	return nil
}

func (r *runner) step(s Step) (Event, error) {
	r.clock.Set(s.At)
	ctx := context.Background()
	actor, err := r.actor(s.Actor)
	if err != nil {
		return Event{}, err
	}

	var opErr error
	switch s.Op {
	case "window.close":
		_, opErr = r.attendance.CloseWindow(ctx, actor, r.windowID)

	case "attendance.take":
		groupID, err := r.group(s.Args, "group")
		if err != nil {
			return Event{}, err
		}
		_, opErr = r.attendance.RecordGroupCount(ctx, actor, groupID, r.windowID, argInt(s.Args, "count"))

	case "attendance.mark":
		groupID, err := r.group(s.Args, "group")
		if err != nil {
			return Event{}, err
		}
		memberID, ok := r.members[argString(s.Args, "member")]
		if !ok {
			return Event{}, fmt.Errorf("unknown member %q", argString(s.Args, "member"))
		}
		_, opErr = r.attendance.MarkMember(ctx, actor, attendance.MarkParams{
			MemberID: memberID,
			GroupID:  groupID,
			WindowID: r.windowID,
			Status:   attendance.Status(argString(s.Args, "status")),
			Notes:    argString(s.Args, "notes"),
		})

	case "distribution.confirm":
		var b distribution.Batch
		b, opErr = r.distribution.ConfirmReceipt(ctx, actor, r.windowID,
			argInt(s.Args, "food"), argInt(s.Args, "water"))
		if opErr == nil {
			r.batchID = b.ID
		}

	case "distribution.allocate":
		groupID, err := r.group(s.Args, "group")
		if err != nil {
			return Event{}, err
		}
		typ := argString(s.Args, "type")
		if typ == "" {
			typ = string(distribution.AllocationCustom)
		}
		_, opErr = r.distribution.Allocate(ctx, actor, distribution.AllocateParams{
			BatchID: r.batchID,
			GroupID: groupID,
			Food:    argInt(s.Args, "food"),
			Water:   argInt(s.Args, "water"),
			Type:    distribution.AllocationType(typ),
		})

	case "offering.record":
		groupID, err := r.group(s.Args, "group")
		if err != nil {
			return Event{}, err
		}
		_, opErr = r.offerings.Record(ctx, actor, groupID, r.windowID,
			argInt(s.Args, "offering"), argInt(s.Args, "tithe"))

	default:
		return Event{}, fmt.Errorf("unknown op %q", s.Op)
	}

	ev := Event{Op: s.Op, Status: "ok"}
	if opErr != nil {
		ev.Status = "error"
		var derr *domain.Error
		if !errors.As(opErr, &derr) {
			return Event{}, fmt.Errorf("untyped failure: %w", opErr)
		}
		ev.Error = string(derr.Code)
	}
	return ev, nil
}

func (r *runner) snapshot() (Snapshot, error) {
	ctx := context.Background()
	var snap Snapshot
	for _, view := range r.scenario.Snapshot {
		switch view {
		case "attendance":
			sum, err := r.attendance.Summary(ctx, seedActor, r.windowID)
			if err != nil {
				return Snapshot{}, fmt.Errorf("snapshot attendance: %w", err)
			}
			att := &AttendanceState{TotalCount: sum.TotalCount, ByGroup: map[string]int{}}
			for _, gc := range sum.ByGroup {
				att.ByGroup[gc.GroupName] = gc.Count
			}
			snap.Attendance = att

		case "distribution":
			if r.batchID == "" {
				return Snapshot{}, fmt.Errorf("snapshot distribution: no batch confirmed")
			}
			ov, err := r.distribution.Overview(ctx, seedActor, r.batchID)
			if err != nil {
				return Snapshot{}, fmt.Errorf("snapshot distribution: %w", err)
			}
			snap.Distribution = &DistributionState{
				Food:  ResourceState(ov.Food),
				Water: ResourceState(ov.Water),
			}

		default:
			return Snapshot{}, fmt.Errorf("unknown snapshot view %q", view)
		}
	}
	return snap, nil
}

func (r *runner) actor(a Actor) (access.Context, error) {
	if a.ID == "" {
		return access.Context{}, nil
	}
	role, err := access.ParseRole(a.Role)
	if err != nil {
		return access.Context{}, fmt.Errorf("actor %s: %w", a.ID, err)
	}
	var scopes []string
	for _, name := range a.Scopes {
		id, ok := r.groups[name]
		if !ok {
			return access.Context{}, fmt.Errorf("actor %s: unknown scope group %q", a.ID, name)
		}
		scopes = append(scopes, id)
	}
	return access.New(a.ID, role, scopes), nil
}

func (r *runner) group(args map[string]any, key string) (string, error) {
	name := argString(args, key)
	id, ok := r.groups[name]
	if !ok {
		return "", fmt.Errorf("unknown group %q", name)
	}
	return id, nil
}

func argString(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func argInt(args map[string]any, key string) int {
	switch v := args[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
