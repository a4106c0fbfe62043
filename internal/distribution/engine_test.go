package distribution

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/muster-io/muster/internal/access"
	"github.com/muster-io/muster/internal/domain"
	"github.com/muster-io/muster/internal/notary"
	"github.com/muster-io/muster/internal/policy"
	"github.com/muster-io/muster/internal/store"
	"github.com/muster-io/muster/internal/testutil"
)

var (
	admin   = access.New("admin-1", access.RoleAdmin, nil)
	quarter = access.New("qm-1", access.RoleDistribution, nil)
	leader  = access.New("leader-1", access.RoleLeader, []string{"g-1"})
)

var baseTime = time.Date(2024, 6, 2, 9, 0, 0, 0, time.UTC)

type fixture struct {
	engine *Engine
	store  *store.Store
	clock  *testutil.FixedClock
	sink   *notary.MemorySink
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sink := &notary.MemorySink{}
	nt := notary.New(sink, logger, 64)
	t.Cleanup(nt.Close)

	clk := testutil.NewFixedClock(baseTime)
	return &fixture{
		engine: NewEngine(st, policy.NewRolePolicy(), clk, nt, logger),
		store:  st,
		clock:  clk,
		sink:   sink,
	}
}

func (f *fixture) seedWindow(t *testing.T, cycleDate string, opensAt, closesAt time.Time) string {
	t.Helper()
	id := uuid.Must(uuid.NewV7()).String()
	ctx := context.Background()
	err := f.store.Run(ctx, nil, func(tx *store.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO attendance_windows (id, cycle_date, opens_at, closes_at, created_by, created_at)
			VALUES (?, ?, ?, ?, 'admin-1', ?)
		`, id, cycleDate, opensAt, closesAt, f.clock.Now())
		return err
	})
	require.NoError(t, err)
	return id
}

func (f *fixture) seedScenarioWindow(t *testing.T) string {
	t.Helper()
	return f.seedWindow(t, "2024-06-02",
		time.Date(2024, 6, 2, 8, 0, 0, 0, time.UTC),
		time.Date(2024, 6, 2, 12, 0, 0, 0, time.UTC))
}

func (f *fixture) seedGroup(t *testing.T, name string) string {
	t.Helper()
	id := uuid.Must(uuid.NewV7()).String()
	ctx := context.Background()
	err := f.store.Run(ctx, nil, func(tx *store.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO groups (id, name, kind, created_at) VALUES (?, ?, 'platoon', ?)
		`, id, name, f.clock.Now())
		return err
	})
	require.NoError(t, err)
	return id
}

func (f *fixture) seedMember(t *testing.T, groupID, first, last string) string {
	t.Helper()
	id := uuid.Must(uuid.NewV7()).String()
	ctx := context.Background()
	err := f.store.Run(ctx, nil, func(tx *store.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO members (id, first_name, last_name, group_id, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, id, first, last, groupID, f.clock.Now())
		return err
	})
	require.NoError(t, err)
	return id
}

func (f *fixture) seedMemberMark(t *testing.T, memberID, groupID, windowID, status string) {
	t.Helper()
	ctx := context.Background()
	err := f.store.Run(ctx, nil, func(tx *store.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO member_attendance (id, member_id, window_id, group_id, status, marked_by, marked_at)
			VALUES (?, ?, ?, ?, ?, 'admin-1', ?)
		`, uuid.Must(uuid.NewV7()).String(), memberID, windowID, groupID, status, f.clock.Now())
		return err
	})
	require.NoError(t, err)
}

func (f *fixture) moveMember(t *testing.T, memberID, toGroupID string) {
	t.Helper()
	ctx := context.Background()
	err := f.store.Run(ctx, nil, func(tx *store.Tx) error {
		_, err := tx.Exec(ctx, `UPDATE members SET group_id = ? WHERE id = ?`, toGroupID, memberID)
		return err
	})
	require.NoError(t, err)
}

func (f *fixture) seedGroupCount(t *testing.T, groupID, windowID string, count int) {
	t.Helper()
	ctx := context.Background()
	err := f.store.Run(ctx, nil, func(tx *store.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO group_attendance (id, group_id, window_id, count, taken_by, taken_at)
			VALUES (?, ?, ?, ?, 'admin-1', ?)
		`, uuid.Must(uuid.NewV7()).String(), groupID, windowID, count, f.clock.Now())
		return err
	})
	require.NoError(t, err)
}

func TestConfirmReceipt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	wid := f.seedScenarioWindow(t)

	b, err := f.engine.ConfirmReceipt(ctx, quarter, wid, 100, 50)
	require.NoError(t, err)
	assert.Equal(t, 100, b.TotalFood)
	assert.Equal(t, 50, b.TotalWater)
	assert.Equal(t, "qm-1", b.ConfirmedBy)

	require.Eventually(t, func() bool {
		return len(f.sink.Entries()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "DISTRIBUTION_CONFIRMED", f.sink.Entries()[0].Action)
}

func TestConfirmReceipt_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	wid := f.seedScenarioWindow(t)

	_, err := f.engine.ConfirmReceipt(ctx, quarter, wid, -1, 50)
	assert.True(t, domain.IsInvalidArgument(err))

	_, err = f.engine.ConfirmReceipt(ctx, quarter, "no-such-window", 100, 50)
	assert.True(t, domain.IsNotFound(err))

	_, err = f.engine.ConfirmReceipt(ctx, leader, wid, 100, 50)
	assert.True(t, domain.IsForbidden(err))
}

func TestAllocate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	wid := f.seedScenarioWindow(t)
	gid := f.seedGroup(t, "Alpha")
	b, err := f.engine.ConfirmReceipt(ctx, quarter, wid, 100, 50)
	require.NoError(t, err)

	a, err := f.engine.Allocate(ctx, quarter, AllocateParams{
		BatchID: b.ID, GroupID: gid, Food: 60, Water: 20, Type: AllocationEqual,
	})
	require.NoError(t, err)
	assert.Equal(t, 60, a.Food)
	assert.Equal(t, AllocationEqual, a.Type)
	assert.Equal(t, "qm-1", a.DistributedBy)

	require.Eventually(t, func() bool {
		return len(f.sink.Entries()) == 2
	}, time.Second, 5*time.Millisecond)
	e := f.sink.Entries()[1]
	assert.Equal(t, "DISTRIBUTION_ALLOCATED", e.Action)
	assert.Equal(t, "60", e.Metadata["food_allocated"])
}

func TestAllocate_BatchNotFound(t *testing.T) {
	f := newFixture(t)
	gid := f.seedGroup(t, "Alpha")

	_, err := f.engine.Allocate(context.Background(), quarter, AllocateParams{
		BatchID: "no-such-batch", GroupID: gid, Food: 1, Water: 1, Type: AllocationCustom,
	})
	assert.True(t, domain.IsNotFound(err))
}

func TestAllocate_BadType(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	wid := f.seedScenarioWindow(t)
	gid := f.seedGroup(t, "Alpha")
	b, err := f.engine.ConfirmReceipt(ctx, quarter, wid, 100, 50)
	require.NoError(t, err)

	_, err = f.engine.Allocate(ctx, quarter, AllocateParams{
		BatchID: b.ID, GroupID: gid, Food: 1, Water: 1, Type: "vibes",
	})
	assert.True(t, domain.IsInvalidArgument(err))
}

func TestOverview_RemainingGoesNegative(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	wid := f.seedScenarioWindow(t)
	alpha := f.seedGroup(t, "Alpha")
	bravo := f.seedGroup(t, "Bravo")

	b, err := f.engine.ConfirmReceipt(ctx, quarter, wid, 100, 50)
	require.NoError(t, err)

	// Two 60-food allocations against a 100-food batch: allowed, and the
	// overview must report the negative remaining without clamping.
	_, err = f.engine.Allocate(ctx, quarter, AllocateParams{
		BatchID: b.ID, GroupID: alpha, Food: 60, Water: 10, Type: AllocationEqual,
	})
	require.NoError(t, err)
	_, err = f.engine.Allocate(ctx, quarter, AllocateParams{
		BatchID: b.ID, GroupID: bravo, Food: 60, Water: 10, Type: AllocationEqual,
	})
	require.NoError(t, err)

	ov, err := f.engine.Overview(ctx, quarter, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 100, ov.Food.Received)
	assert.Equal(t, 120, ov.Food.Allocated)
	assert.Equal(t, -20, ov.Food.Remaining)
	assert.Equal(t, 20, ov.Water.Allocated)
	assert.Equal(t, 30, ov.Water.Remaining)
	require.Len(t, ov.Allocations, 2)
}

func TestUpdateAllocation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	wid := f.seedScenarioWindow(t)
	gid := f.seedGroup(t, "Alpha")
	b, err := f.engine.ConfirmReceipt(ctx, quarter, wid, 100, 50)
	require.NoError(t, err)
	a, err := f.engine.Allocate(ctx, quarter, AllocateParams{
		BatchID: b.ID, GroupID: gid, Food: 60, Water: 20, Type: AllocationEqual,
	})
	require.NoError(t, err)

	food := 45
	typ := AllocationCustom
	updated, err := f.engine.UpdateAllocation(ctx, quarter, a.ID, UpdateParams{
		Food: &food, Type: &typ,
	})
	require.NoError(t, err)
	assert.Equal(t, 45, updated.Food)
	assert.Equal(t, 20, updated.Water, "untouched field keeps its value")
	assert.Equal(t, AllocationCustom, updated.Type)

	ov, err := f.engine.Overview(ctx, quarter, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 45, ov.Food.Allocated)
}

func TestUpdateAllocation_NotFound(t *testing.T) {
	f := newFixture(t)
	food := 1

	_, err := f.engine.UpdateAllocation(context.Background(), quarter, "no-such-allocation", UpdateParams{Food: &food})
	assert.True(t, domain.IsNotFound(err))
}

func TestGroupsWithAttendance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	wid := f.seedScenarioWindow(t)
	f.seedGroup(t, "Bravo")
	alpha := f.seedGroup(t, "Alpha")
	f.seedGroupCount(t, alpha, wid, 30)

	b, err := f.engine.ConfirmReceipt(ctx, quarter, wid, 100, 50)
	require.NoError(t, err)
	_, err = f.engine.Allocate(ctx, quarter, AllocateParams{
		BatchID: b.ID, GroupID: alpha, Food: 40, Water: 15, Type: AllocationAttendance,
	})
	require.NoError(t, err)

	infos, err := f.engine.GroupsWithAttendance(ctx, quarter, b.ID)
	require.NoError(t, err)
	require.Len(t, infos, 2)

	// Collated name order, not insertion order.
	assert.Equal(t, "Alpha", infos[0].GroupName)
	assert.Equal(t, "Bravo", infos[1].GroupName)

	assert.True(t, infos[0].CountTaken)
	assert.Equal(t, 30, infos[0].GroupCount)
	require.NotNil(t, infos[0].Allocation)
	assert.Equal(t, 40, infos[0].Allocation.Food)

	assert.False(t, infos[1].CountTaken)
	assert.Equal(t, 0, infos[1].GroupCount)
	assert.Nil(t, infos[1].Allocation)
}

func TestGroupsWithAttendance_Tallies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	wid := f.seedScenarioWindow(t)
	alpha := f.seedGroup(t, "Alpha")

	present := f.seedMember(t, alpha, "Grace", "Hopper")
	f.seedMember(t, alpha, "Alan", "Turing")
	absent := f.seedMember(t, alpha, "Ada", "Byron")
	f.seedMemberMark(t, present, alpha, wid, "present")
	f.seedMemberMark(t, absent, alpha, wid, "absent")

	b, err := f.engine.ConfirmReceipt(ctx, quarter, wid, 100, 50)
	require.NoError(t, err)

	infos, err := f.engine.GroupsWithAttendance(ctx, quarter, b.ID)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, 3, infos[0].MemberCount)
	assert.Equal(t, 1, infos[0].Present)
	assert.Equal(t, 1, infos[0].Absent)
	assert.Equal(t, 1, infos[0].Unmarked)
}

func TestGroupsWithAttendance_TransferAfterMark(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	wid := f.seedScenarioWindow(t)
	alpha := f.seedGroup(t, "Alpha")
	bravo := f.seedGroup(t, "Bravo")

	// Marked in Alpha, then transferred to Bravo. The mark keeps its
	// historical group, so Alpha's unmarked tally must stay at zero
	// rather than going negative, and the member is not unmarked in
	// Bravo either: they already hold a record for the window.
	mid := f.seedMember(t, alpha, "Grace", "Hopper")
	f.seedMemberMark(t, mid, alpha, wid, "present")
	f.moveMember(t, mid, bravo)

	b, err := f.engine.ConfirmReceipt(ctx, quarter, wid, 100, 50)
	require.NoError(t, err)

	infos, err := f.engine.GroupsWithAttendance(ctx, quarter, b.ID)
	require.NoError(t, err)
	require.Len(t, infos, 2)

	assert.Equal(t, 0, infos[0].MemberCount)
	assert.Equal(t, 1, infos[0].Present)
	assert.Equal(t, 0, infos[0].Unmarked)

	assert.Equal(t, 1, infos[1].MemberCount)
	assert.Equal(t, 0, infos[1].Present)
	assert.Equal(t, 0, infos[1].Unmarked)
}

func TestCurrentBatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cur, err := f.engine.CurrentBatch(ctx, quarter)
	require.NoError(t, err)
	assert.Nil(t, cur)

	wid := f.seedScenarioWindow(t)
	first, err := f.engine.ConfirmReceipt(ctx, quarter, wid, 80, 40)
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	second, err := f.engine.ConfirmReceipt(ctx, quarter, wid, 100, 50)
	require.NoError(t, err)

	cur, err = f.engine.CurrentBatch(ctx, quarter)
	require.NoError(t, err)
	require.NotNil(t, cur)
	assert.Equal(t, second.ID, cur.ID, "most recently confirmed batch wins")
	assert.NotEqual(t, first.ID, cur.ID)

	// Outside the window there is no current batch.
	f.clock.Set(time.Date(2024, 6, 2, 13, 0, 0, 0, time.UTC))
	cur, err = f.engine.CurrentBatch(ctx, quarter)
	require.NoError(t, err)
	assert.Nil(t, cur)
}

func TestListBatches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	bs, err := f.engine.ListBatches(ctx, admin)
	require.NoError(t, err)
	assert.Empty(t, bs)

	wid := f.seedScenarioWindow(t)
	_, err = f.engine.ConfirmReceipt(ctx, quarter, wid, 80, 40)
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	second, err := f.engine.ConfirmReceipt(ctx, quarter, wid, 100, 50)
	require.NoError(t, err)

	bs, err = f.engine.ListBatches(ctx, admin)
	require.NoError(t, err)
	require.Len(t, bs, 2)
	assert.Equal(t, second.ID, bs[0].ID)
}
