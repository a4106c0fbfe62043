package attendance

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/muster-io/muster/internal/access"
	"github.com/muster-io/muster/internal/notary"
	"github.com/muster-io/muster/internal/policy"
	"github.com/muster-io/muster/internal/store"
	"github.com/muster-io/muster/internal/testutil"
)

var (
	admin  = access.New("admin-1", access.RoleAdmin, nil)
	worker = access.New("worker-1", access.RoleWorker, nil)
)

// baseTime is inside scenario windows: 2024-06-02 (a Sunday) 08:00 UTC.
var baseTime = time.Date(2024, 6, 2, 8, 0, 0, 0, time.UTC)

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

	clk := testutil.NewFixedClock(baseTime)
	return &fixture{
		service: NewService(st, policy.NewRolePolicy(), clk, nt, logger),
		store:   st,
		clock:   clk,
		sink:    sink,
	}
}

// seedGroup inserts a group row directly and returns its id.
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

// seedMember inserts a member row assigned to groupID and returns its id.
func (f *fixture) seedMember(t *testing.T, firstName, lastName, groupID string) string {
	t.Helper()
	id := uuid.Must(uuid.NewV7()).String()
	ctx := context.Background()
	err := f.store.Run(ctx, nil, func(tx *store.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO members (id, first_name, last_name, group_id, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, id, firstName, lastName, groupID, f.clock.Now())
		return err
	})
	require.NoError(t, err)
	return id
}

// openScenarioWindow opens the standard Sunday window, 2024-06-02 08:00-12:00 UTC.
func (f *fixture) openScenarioWindow(t *testing.T) Window {
	t.Helper()
	w, err := f.service.OpenWindow(context.Background(), admin, "2024-06-02",
		time.Date(2024, 6, 2, 8, 0, 0, 0, time.UTC),
		time.Date(2024, 6, 2, 12, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	return w
}
