package realtime_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/mixing-engine/ledger"
	"github.com/warp/mixing-engine/notify"
	"github.com/warp/mixing-engine/realtime"
)

// =============================================================================
// TEST SETUP
// =============================================================================

const (
	waitFor = time.Second
	tick    = 5 * time.Millisecond
)

type countingFetcher struct {
	links        atomic.Int32
	reservations atomic.Int32
	fail         atomic.Bool
}

func (f *countingFetcher) Links(context.Context, ledger.TaskID) ([]ledger.Link, error) {
	f.links.Add(1)
	if f.fail.Load() {
		return nil, errors.New("store offline")
	}
	return []ledger.Link{{ID: "l-1", TaskID: "task-1"}}, nil
}

func (f *countingFetcher) Reservations(context.Context, ledger.TaskID) ([]ledger.Reservation, error) {
	f.reservations.Add(1)
	return []ledger.Reservation{{ID: "r-1", TaskID: "task-1"}}, nil
}

type changes struct {
	mu   sync.Mutex
	seen [][]byte
}

func (c *changes) add(b []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen = append(c.seen, b)
}

func (c *changes) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

func (c *changes) last() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seen[len(c.seen)-1]
}

func newCoordinator(t *testing.T, hub *realtime.Hub, fetch realtime.Fetcher, opts ...realtime.Option) *realtime.Coordinator {
	t.Helper()
	opts = append([]realtime.Option{realtime.WithDebounce(30 * time.Millisecond)}, opts...)
	c := realtime.NewCoordinator(hub, "task-1", fetch, opts...)
	t.Cleanup(c.Stop)
	return c
}

func publishLink(hub *realtime.Hub, id ledger.LinkID, at time.Time) {
	hub.LinkChanged(context.Background(), ledger.LinkEvent{
		Op: ledger.LinkCreated, TaskID: "task-1", LinkID: id, Quantity: decimal.NewFromInt(1), At: at,
	})
}

// =============================================================================
// HUB
// =============================================================================

func TestHub_QuerySubscriptionFiltersByField(t *testing.T) {
	hub := realtime.NewHub()
	var got atomic.Int32
	unsubscribe := hub.SubscribeQuery(realtime.CollectionLinks, realtime.FieldTaskID, "task-1", func(realtime.Change, error) {
		got.Add(1)
	})
	defer unsubscribe()

	at := time.Now()
	publishLink(hub, "l-1", at)
	hub.LinkChanged(context.Background(), ledger.LinkEvent{TaskID: "task-2", LinkID: "l-2", At: at})

	require.Eventually(t, func() bool { return got.Load() == 1 }, waitFor, tick)
	assert.Never(t, func() bool { return got.Load() > 1 }, 50*time.Millisecond, tick)
}

func TestHub_DocumentSubscriptionReplaysRetained(t *testing.T) {
	hub := realtime.NewHub()
	hub.PublishTask(context.Background(), "task-1", []byte(`[{"id":"h1"}]`))

	received := make(chan realtime.Change, 1)
	unsubscribe := hub.SubscribeDocument(realtime.CollectionTasks, "task-1", func(c realtime.Change, _ error) {
		received <- c
	})
	defer unsubscribe()

	select {
	case c := <-received:
		assert.JSONEq(t, `[{"id":"h1"}]`, string(c.Payload))
	case <-time.After(waitFor):
		t.Fatal("retained change not replayed")
	}
}

func TestHub_UnsubscribeIsIdempotent(t *testing.T) {
	hub := realtime.NewHub()
	unsubscribe := hub.SubscribeCollection(realtime.CollectionLinks, func(realtime.Change, error) {})
	require.Equal(t, 1, hub.Subscribers())

	unsubscribe()
	unsubscribe()

	assert.Equal(t, 0, hub.Subscribers())
}

// =============================================================================
// TASK STREAM
// =============================================================================

func TestCoordinator_FirstTaskEventPrimes(t *testing.T) {
	// GIVEN: a coordinator started without a known checklist
	hub := realtime.NewHub()
	seen := &changes{}
	c := newCoordinator(t, hub, &countingFetcher{}, realtime.OnTaskChanged(seen.add))
	require.NoError(t, c.Start(context.Background(), nil))

	// WHEN: the first task event arrives
	hub.PublishTask(context.Background(), "task-1", []byte(`["a"]`))

	// THEN: it is stored but not treated as a change
	require.Eventually(t, func() bool { return string(c.Checklist()) == `["a"]` }, waitFor, tick)
	assert.Never(t, func() bool { return seen.count() > 0 }, 100*time.Millisecond, tick)

	// WHEN: a different checklist arrives
	hub.PublishTask(context.Background(), "task-1", []byte(`["b"]`))

	// THEN: the debounced callback fires once with it
	require.Eventually(t, func() bool { return seen.count() == 1 }, waitFor, tick)
	assert.Equal(t, `["b"]`, string(seen.last()))
}

func TestCoordinator_DebounceCoalescesBursts(t *testing.T) {
	hub := realtime.NewHub()
	seen := &changes{}
	c := newCoordinator(t, hub, &countingFetcher{},
		realtime.WithDebounce(80*time.Millisecond), realtime.OnTaskChanged(seen.add))
	require.NoError(t, c.Start(context.Background(), []byte(`["a"]`)))

	for _, v := range []string{`["b"]`, `["c"]`, `["d"]`} {
		hub.PublishTask(context.Background(), "task-1", []byte(v))
	}

	require.Eventually(t, func() bool { return seen.count() == 1 }, waitFor, tick)
	assert.Equal(t, `["d"]`, string(seen.last()))
	assert.Never(t, func() bool { return seen.count() > 1 }, 150*time.Millisecond, tick)
}

func TestCoordinator_AcknowledgedEchoIsDropped(t *testing.T) {
	// GIVEN: this view wrote checklist "b" and acknowledged it
	hub := realtime.NewHub()
	seen := &changes{}
	c := newCoordinator(t, hub, &countingFetcher{}, realtime.OnTaskChanged(seen.add))
	require.NoError(t, c.Start(context.Background(), []byte(`["a"]`)))
	c.Acknowledge([]byte(`["b"]`))

	// WHEN: its own write echoes back
	hub.PublishTask(context.Background(), "task-1", []byte(`["b"]`))

	// THEN: nothing happens
	assert.Never(t, func() bool { return seen.count() > 0 || c.Syncing() }, 100*time.Millisecond, tick)
}

func TestCoordinator_ChangedChecklistFlashesSyncing(t *testing.T) {
	hub := realtime.NewHub()
	c := newCoordinator(t, hub, &countingFetcher{}, realtime.WithTaskFlash(time.Hour))
	require.NoError(t, c.Start(context.Background(), []byte(`["a"]`)))

	hub.PublishTask(context.Background(), "task-1", []byte(`["b"]`))

	require.Eventually(t, c.Syncing, waitFor, tick)
}

func TestCoordinator_StopCancelsPendingDebounce(t *testing.T) {
	hub := realtime.NewHub()
	seen := &changes{}
	c := newCoordinator(t, hub, &countingFetcher{},
		realtime.WithDebounce(100*time.Millisecond), realtime.OnTaskChanged(seen.add))
	require.NoError(t, c.Start(context.Background(), []byte(`["a"]`)))

	hub.PublishTask(context.Background(), "task-1", []byte(`["b"]`))
	require.Eventually(t, func() bool { return string(c.Checklist()) == `["b"]` }, waitFor, tick)
	c.Stop()

	assert.Equal(t, realtime.StateIdle, c.State())
	assert.Equal(t, 0, hub.Subscribers())
	assert.Never(t, func() bool { return seen.count() > 0 }, 250*time.Millisecond, tick)
}

// =============================================================================
// LINK STREAM
// =============================================================================

func TestCoordinator_LinkEventRefetchesBoth(t *testing.T) {
	hub := realtime.NewHub()
	fetch := &countingFetcher{}
	var refreshed atomic.Int32
	c := newCoordinator(t, hub, fetch, realtime.OnLinksRefreshed(func(s realtime.Snapshot) {
		if len(s.Links) == 1 && len(s.Reservations) == 1 {
			refreshed.Add(1)
		}
	}))
	require.NoError(t, c.Start(context.Background(), nil))
	require.EqualValues(t, 1, fetch.links.Load(), "initial sync")

	publishLink(hub, "l-1", time.Now())

	require.Eventually(t, func() bool { return refreshed.Load() == 1 }, waitFor, tick)
	assert.EqualValues(t, 2, fetch.links.Load())
	assert.EqualValues(t, 2, fetch.reservations.Load())
}

func TestCoordinator_ReplayedLinkEventIsIdempotent(t *testing.T) {
	// GIVEN: a link event already applied
	hub := realtime.NewHub()
	fetch := &countingFetcher{}
	var refreshed atomic.Int32
	c := newCoordinator(t, hub, fetch, realtime.OnLinksRefreshed(func(realtime.Snapshot) { refreshed.Add(1) }))
	require.NoError(t, c.Start(context.Background(), nil))

	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	publishLink(hub, "l-1", at)
	require.Eventually(t, func() bool { return refreshed.Load() == 1 }, waitFor, tick)

	// WHEN: the same event is delivered again
	publishLink(hub, "l-1", at)

	// THEN: no second fetch, no second callback
	assert.Never(t, func() bool { return refreshed.Load() > 1 }, 100*time.Millisecond, tick)
	assert.EqualValues(t, 2, fetch.links.Load())
}

func TestCoordinator_FailedRefreshKeepsLastState(t *testing.T) {
	hub := realtime.NewHub()
	fetch := &countingFetcher{}
	rec := &notify.Recorder{}
	c := newCoordinator(t, hub, fetch, realtime.WithNotifier(rec))
	require.NoError(t, c.Start(context.Background(), nil))
	before := c.Snapshot()

	fetch.fail.Store(true)
	publishLink(hub, "l-2", time.Now())

	require.Eventually(t, func() bool { return len(rec.All()) == 1 }, waitFor, tick)
	assert.Equal(t, notify.Warn, rec.Last().Level)
	assert.Equal(t, before, c.Snapshot())
	assert.Equal(t, realtime.StateSubscribed, c.State())
}

func TestCoordinator_StartFailsWhenInitialSyncFails(t *testing.T) {
	hub := realtime.NewHub()
	fetch := &countingFetcher{}
	fetch.fail.Store(true)
	c := newCoordinator(t, hub, fetch)

	err := c.Start(context.Background(), nil)

	require.Error(t, err)
	assert.Equal(t, realtime.StateIdle, c.State())
	assert.Equal(t, 0, hub.Subscribers())
}

func TestCoordinator_StartTwice(t *testing.T) {
	hub := realtime.NewHub()
	c := newCoordinator(t, hub, &countingFetcher{})
	require.NoError(t, c.Start(context.Background(), nil))

	assert.ErrorIs(t, c.Start(context.Background(), nil), realtime.ErrAlreadyStarted)
}

// slowFirstFetch blocks the first Links call until released and returns no
// links from it; later calls return one link.
type slowFirstFetch struct {
	calls   atomic.Int32
	entered chan struct{}
	release chan struct{}
}

func (f *slowFirstFetch) Links(context.Context, ledger.TaskID) ([]ledger.Link, error) {
	if f.calls.Add(1) == 1 {
		close(f.entered)
		<-f.release
		return nil, nil
	}
	return []ledger.Link{{ID: "l-1", TaskID: "task-1"}}, nil
}

func (f *slowFirstFetch) Reservations(context.Context, ledger.TaskID) ([]ledger.Reservation, error) {
	return []ledger.Reservation{{ID: "r-1", TaskID: "task-1"}}, nil
}

func TestCoordinator_LinkEventDuringInitialSyncIsApplied(t *testing.T) {
	hub := realtime.NewHub()
	fetch := &slowFirstFetch{entered: make(chan struct{}), release: make(chan struct{})}
	var refreshed atomic.Int32
	c := newCoordinator(t, hub, fetch, realtime.OnLinksRefreshed(func(realtime.Snapshot) { refreshed.Add(1) }))

	// GIVEN: the initial fetch is still in flight
	started := make(chan error, 1)
	go func() { started <- c.Start(context.Background(), nil) }()
	<-fetch.entered

	// WHEN: a link is created in that window
	publishLink(hub, "l-1", time.Now())
	require.Eventually(t, func() bool { return refreshed.Load() == 1 }, waitFor, tick)
	close(fetch.release)
	require.NoError(t, <-started)

	// THEN: the older initial result does not overwrite the event's snapshot
	assert.Len(t, c.Snapshot().Links, 1)
	assert.Equal(t, realtime.StateSubscribed, c.State())
}

// =============================================================================
// STREAM ERRORS
// =============================================================================

func TestCoordinator_RepeatedStreamErrorsDegrade(t *testing.T) {
	// GIVEN: at most 2 resubscribes
	hub := realtime.NewHub()
	rec := &notify.Recorder{}
	c := newCoordinator(t, hub, &countingFetcher{}, realtime.WithNotifier(rec), realtime.WithMaxResubscribe(2))
	require.NoError(t, c.Start(context.Background(), []byte(`["a"]`)))

	// WHEN: the link stream fails three times in a row
	for i := 1; i <= 3; i++ {
		hub.Fail(realtime.CollectionLinks, errors.New("connection reset"))
		want := i
		require.Eventually(t, func() bool { return len(rec.All()) == want }, waitFor, tick)
	}

	// THEN: the coordinator gives up, keeps its state and tells the user
	assert.Equal(t, realtime.StateDegraded, c.State())
	assert.Equal(t, 0, hub.Subscribers())
	assert.Equal(t, `["a"]`, string(c.Checklist()))
	for _, n := range rec.All() {
		assert.Equal(t, notify.Warn, n.Level)
	}
}

func TestCoordinator_StreamErrorResubscribes(t *testing.T) {
	hub := realtime.NewHub()
	fetch := &countingFetcher{}
	rec := &notify.Recorder{}
	var refreshed atomic.Int32
	c := newCoordinator(t, hub, fetch, realtime.WithNotifier(rec),
		realtime.OnLinksRefreshed(func(realtime.Snapshot) { refreshed.Add(1) }))
	require.NoError(t, c.Start(context.Background(), nil))

	hub.Fail(realtime.CollectionLinks, errors.New("connection reset"))
	require.Eventually(t, func() bool { return len(rec.All()) == 1 }, waitFor, tick)

	publishLink(hub, "l-9", time.Now())

	require.Eventually(t, func() bool { return refreshed.Load() == 1 }, waitFor, tick)
	assert.Equal(t, realtime.StateSubscribed, c.State())
}
