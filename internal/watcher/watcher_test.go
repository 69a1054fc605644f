package watcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"creditline/internal/chain"
	"creditline/internal/domain"
	"creditline/internal/gateway"
	"creditline/internal/ledger"
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func setup(t *testing.T, confirmAfter int, timeout time.Duration) (*Watcher, *gateway.Gateway, *ledger.Store, *chain.Simulated, *clock) {
	t.Helper()
	clk := &clock{now: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)}
	store := ledger.NewStore(ledger.Options{Now: clk.Now})
	sim := chain.NewSimulated(confirmAfter)
	gw := gateway.New(sim, store, gateway.Options{Now: clk.Now})
	w := New(sim, store, Options{Timeout: timeout, Now: clk.Now})
	return w, gw, store, sim, clk
}

func TestPollConfirmsAndUpdatesBalance(t *testing.T) {
	w, gw, store, _, _ := setup(t, 2, 0)
	ctx := context.Background()
	var notified []string
	w.opts.Resolved = func(_ context.Context, tx domain.Transaction) { notified = append(notified, tx.Hash) }

	tx, err := gw.Mint(ctx, "40", "PRJ-001")
	require.NoError(t, err)

	resolved, err := w.Poll(ctx)
	require.NoError(t, err)
	require.Empty(t, resolved)
	require.Len(t, store.Pending(), 1)

	resolved, err = w.Poll(ctx)
	require.NoError(t, err)
	require.Len(t, resolved, 1)
	require.Equal(t, domain.TxConfirmed, resolved[0].Status)
	require.Equal(t, []string{tx.Hash}, notified)

	snap := store.Snapshot()
	require.Empty(t, snap.Pending)
	require.Equal(t, "40", snap.CarbonBalance)

	resolved, err = w.Poll(ctx)
	require.NoError(t, err)
	require.Empty(t, resolved)
	require.Len(t, notified, 1)
}

func TestPollRecordsLedgerFailure(t *testing.T) {
	w, gw, store, sim, _ := setup(t, 1, 0)
	ctx := context.Background()
	sim.FailNext("out of gas")
	_, err := gw.Mint(ctx, "1", "PRJ-001")
	require.NoError(t, err)
	resolved, err := w.Poll(ctx)
	require.NoError(t, err)
	require.Len(t, resolved, 1)
	require.Equal(t, domain.TxFailed, resolved[0].Status)
	require.Equal(t, "out of gas", resolved[0].Error)
	require.Equal(t, "0", store.Snapshot().CarbonBalance)
}

type brokenPersister struct{}

func (brokenPersister) LoadLedger(context.Context) (ledger.Persisted, bool, error) {
	return ledger.Persisted{}, false, nil
}

func (brokenPersister) SaveLedger(context.Context, ledger.Persisted) error {
	return errors.New("database is locked")
}

func TestPollReportsUnpersistedResolution(t *testing.T) {
	store := ledger.NewStore(ledger.Options{Persister: brokenPersister{}})
	sim := chain.NewSimulated(1)
	gw := gateway.New(sim, store, gateway.Options{})
	var notified []string
	w := New(sim, store, Options{Resolved: func(_ context.Context, tx domain.Transaction) { notified = append(notified, tx.Hash) }})
	ctx := context.Background()
	tx, err := gw.Mint(ctx, "3", "PRJ-001")
	require.NoError(t, err)

	resolved, err := w.Poll(ctx)
	require.ErrorContains(t, err, "database is locked")
	require.Len(t, resolved, 1)
	require.Equal(t, []string{tx.Hash}, notified)
	require.Equal(t, "3", store.Snapshot().CarbonBalance)
}

func TestUnreachableStaysPendingUntilTimeout(t *testing.T) {
	w, gw, store, sim, clk := setup(t, 1, 10*time.Minute)
	ctx := context.Background()
	tx, err := gw.Mint(ctx, "5", "PRJ-001")
	require.NoError(t, err)
	sim.SetReachable(false)

	resolved, err := w.Poll(ctx)
	require.NoError(t, err)
	require.Empty(t, resolved)
	require.Len(t, store.Pending(), 1)

	clk.now = clk.now.Add(10 * time.Minute)
	resolved, err = w.Poll(ctx)
	require.NoError(t, err)
	require.Len(t, resolved, 1)
	require.Equal(t, tx.Hash, resolved[0].Hash)
	require.Equal(t, domain.TxFailed, resolved[0].Status)
	require.Equal(t, domain.ErrConfirmationTimeout.Error(), resolved[0].Error)

	sim.SetReachable(true)
	again, err := gw.Retry(ctx, tx.Hash)
	require.NoError(t, err)
	resolved, err = w.Poll(ctx)
	require.NoError(t, err)
	require.Len(t, resolved, 1)
	require.Equal(t, again.Hash, resolved[0].Hash)
	require.Equal(t, "5", store.Snapshot().CarbonBalance)
}

func TestWithoutTimeoutPendingIsIndefinite(t *testing.T) {
	w, gw, store, sim, clk := setup(t, 1, 0)
	ctx := context.Background()
	_, err := gw.Mint(ctx, "5", "PRJ-001")
	require.NoError(t, err)
	sim.SetReachable(false)
	clk.now = clk.now.Add(24 * time.Hour)
	resolved, err := w.Poll(ctx)
	require.NoError(t, err)
	require.Empty(t, resolved)
	require.Len(t, store.Pending(), 1)
}

func TestRunStopsOnCancel(t *testing.T) {
	store := ledger.NewStore(ledger.Options{})
	w := New(chain.NewSimulated(1), store, Options{Interval: time.Millisecond, RatePerSecond: 100})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watcher did not stop")
	}
}
