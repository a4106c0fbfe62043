package offerings

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

var admin = access.New("admin-1", access.RoleAdmin, nil)

type fixture struct {
	service *Service
	store   *store.Store
	clock   *testutil.FixedClock
	sink    *notary.MemorySink
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

	clk := testutil.NewFixedClock(time.Date(2024, 6, 2, 13, 0, 0, 0, time.UTC))
	return &fixture{
		service: NewService(st, policy.NewRolePolicy(), clk, nt, logger),
		store:   st,
		clock:   clk,
		sink:    sink,
	}
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

// seedClosedWindow creates a window already past its close. Offerings
// are recorded against it regardless.
func (f *fixture) seedClosedWindow(t *testing.T, cycleDate string) string {
	t.Helper()
	id := uuid.Must(uuid.NewV7()).String()
	ctx := context.Background()
	opens, err := time.Parse("2006-01-02", cycleDate)
	require.NoError(t, err)
	err = f.store.Run(ctx, nil, func(tx *store.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO attendance_windows (id, cycle_date, opens_at, closes_at, created_by, created_at)
			VALUES (?, ?, ?, ?, 'admin-1', ?)
		`, id, cycleDate, opens.Add(8*time.Hour), opens.Add(12*time.Hour), f.clock.Now())
		return err
	})
	require.NoError(t, err)
	return id
}

func TestRecord_AfterWindowClose(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	gid := f.seedGroup(t, "Alpha")
	wid := f.seedClosedWindow(t, "2024-06-02")

	// Clock is 13:00, an hour past close. Recording still succeeds.
	rec, err := f.service.Record(ctx, admin, gid, wid, 12500, 4000)
	require.NoError(t, err)
	assert.Equal(t, 12500, rec.Offering)
	assert.Equal(t, 4000, rec.Tithe)
	assert.Equal(t, "admin-1", rec.RecordedBy)

	require.Eventually(t, func() bool {
		return len(f.sink.Entries()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "OFFERING_RECORDED", f.sink.Entries()[0].Action)
}

func TestRecord_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	gid := f.seedGroup(t, "Alpha")
	wid := f.seedClosedWindow(t, "2024-06-02")

	first, err := f.service.Record(ctx, admin, gid, wid, 10000, 3000)
	require.NoError(t, err)
	second, err := f.service.Record(ctx, admin, gid, wid, 11000, 3500)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID, "upsert must keep the original row")
	assert.Equal(t, 11000, second.Offering)

	totals, err := f.service.Totals(ctx, admin, gid, wid)
	require.NoError(t, err)
	assert.Equal(t, 11000, totals.Offering)
	assert.Equal(t, 3500, totals.Tithe)
	assert.Equal(t, 1, totals.Records)
}

func TestRecord_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	gid := f.seedGroup(t, "Alpha")
	wid := f.seedClosedWindow(t, "2024-06-02")

	_, err := f.service.Record(ctx, admin, gid, wid, -1, 0)
	assert.True(t, domain.IsInvalidArgument(err))

	_, err = f.service.Record(ctx, admin, "no-such-group", wid, 1, 1)
	assert.True(t, domain.IsNotFound(err))

	_, err = f.service.Record(ctx, admin, gid, "no-such-window", 1, 1)
	assert.True(t, domain.IsNotFound(err))
}

func TestRecord_LeaderScope(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alpha := f.seedGroup(t, "Alpha")
	bravo := f.seedGroup(t, "Bravo")
	wid := f.seedClosedWindow(t, "2024-06-02")
	leader := access.New("leader-1", access.RoleLeader, []string{alpha})

	_, err := f.service.Record(ctx, leader, alpha, wid, 5000, 1000)
	require.NoError(t, err)

	_, err = f.service.Record(ctx, leader, bravo, wid, 5000, 1000)
	assert.True(t, domain.IsForbidden(err))
}

func TestTotals_Filters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alpha := f.seedGroup(t, "Alpha")
	bravo := f.seedGroup(t, "Bravo")
	w1 := f.seedClosedWindow(t, "2024-06-02")
	w2 := f.seedClosedWindow(t, "2024-06-09")

	_, err := f.service.Record(ctx, admin, alpha, w1, 100, 10)
	require.NoError(t, err)
	_, err = f.service.Record(ctx, admin, bravo, w1, 200, 20)
	require.NoError(t, err)
	_, err = f.service.Record(ctx, admin, alpha, w2, 400, 40)
	require.NoError(t, err)

	all, err := f.service.Totals(ctx, admin, "", "")
	require.NoError(t, err)
	assert.Equal(t, 700, all.Offering)
	assert.Equal(t, 70, all.Tithe)
	assert.Equal(t, 3, all.Records)

	byGroup, err := f.service.Totals(ctx, admin, alpha, "")
	require.NoError(t, err)
	assert.Equal(t, 500, byGroup.Offering)

	byWindow, err := f.service.Totals(ctx, admin, "", w1)
	require.NoError(t, err)
	assert.Equal(t, 300, byWindow.Offering)
	assert.Equal(t, 2, byWindow.Records)
}

func TestList(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alpha := f.seedGroup(t, "Alpha")
	bravo := f.seedGroup(t, "Bravo")
	wid := f.seedClosedWindow(t, "2024-06-02")

	_, err := f.service.Record(ctx, admin, alpha, wid, 100, 10)
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	_, err = f.service.Record(ctx, admin, bravo, wid, 200, 20)
	require.NoError(t, err)

	got, err := f.service.List(ctx, admin, "", wid)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, bravo, got[0].GroupID, "most recent first")

	got, err = f.service.List(ctx, admin, alpha, "")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, alpha, got[0].GroupID)
}
