package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/warp/mixing-engine/ledger"
	"github.com/warp/mixing-engine/notify"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// =============================================================================
// COORDINATOR - Per-view sync state machine
// =============================================================================
//
//   Idle --Start--> Subscribed --Stop--> Idle
//                       |
//                       +-- more than maxResubscribe consecutive stream
//                           errors --> Degraded (last known state kept)
//
// Task stream: the serialized checklist is hashed and compared with the
// coordinator's own last-known hash. The first event after Start primes the
// hash unless Start was given the checklist. A changed checklist flashes
// "synchronizing" and schedules a debounced OnTaskChanged.
//
// Link stream: an event whose payload hash equals the last applied one is
// dropped. Otherwise links and reservations are re-fetched together and
// OnLinksRefreshed is called with the new snapshot.

type State int

const (
	StateIdle State = iota
	StateSubscribed
	StateDegraded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSubscribed:
		return "subscribed"
	case StateDegraded:
		return "degraded"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var ErrAlreadyStarted = errors.New("coordinator already started")

const (
	DefaultDebounce       = 1500 * time.Millisecond
	DefaultTaskFlash      = 500 * time.Millisecond
	DefaultLinkFlash      = 800 * time.Millisecond
	DefaultMaxResubscribe = 3
)

// Fetcher loads the link ledger and the reservation list of a task.
type Fetcher interface {
	Links(ctx context.Context, taskID ledger.TaskID) ([]ledger.Link, error)
	Reservations(ctx context.Context, taskID ledger.TaskID) ([]ledger.Reservation, error)
}

// Snapshot is the coordinator's view of links and reservations.
type Snapshot struct {
	Links        []ledger.Link
	Reservations []ledger.Reservation
	FetchedAt    time.Time
}

type Coordinator struct {
	hub    *Hub
	taskID ledger.TaskID
	fetch  Fetcher

	log            *zap.SugaredLogger
	notifier       notify.Notifier
	now            func() time.Time
	debounce       time.Duration
	taskFlash      time.Duration
	linkFlash      time.Duration
	maxResubscribe int

	onTaskChanged    func(checklist []byte)
	onLinksRefreshed func(Snapshot)

	mu           sync.Mutex
	state        State
	ctx          context.Context
	cancel       context.CancelFunc
	unsubTask    Unsubscribe
	unsubLinks   Unsubscribe
	failures     int
	primed       bool
	checklist    []byte
	checklistSum uint64
	linkSum      uint64
	linkApplied  bool
	linkGen      uint64
	snapshot     Snapshot
	syncingUntil time.Time
	timer        *time.Timer
	timerGen     uint64
}

type Option func(*Coordinator)

func WithDebounce(d time.Duration) Option  { return func(c *Coordinator) { c.debounce = d } }
func WithTaskFlash(d time.Duration) Option { return func(c *Coordinator) { c.taskFlash = d } }
func WithLinkFlash(d time.Duration) Option { return func(c *Coordinator) { c.linkFlash = d } }

func WithMaxResubscribe(n int) Option {
	return func(c *Coordinator) { c.maxResubscribe = n }
}

func WithLogger(log *zap.SugaredLogger) Option {
	return func(c *Coordinator) {
		if log != nil {
			c.log = log
		}
	}
}

func WithNotifier(n notify.Notifier) Option {
	return func(c *Coordinator) {
		if n != nil {
			c.notifier = n
		}
	}
}

func WithClock(now func() time.Time) Option { return func(c *Coordinator) { c.now = now } }

// OnTaskChanged is called, debounced, after the checklist changed remotely.
func OnTaskChanged(fn func(checklist []byte)) Option {
	return func(c *Coordinator) { c.onTaskChanged = fn }
}

// OnLinksRefreshed is called after every link-driven refresh.
func OnLinksRefreshed(fn func(Snapshot)) Option {
	return func(c *Coordinator) { c.onLinksRefreshed = fn }
}

func NewCoordinator(hub *Hub, taskID ledger.TaskID, fetch Fetcher, opts ...Option) *Coordinator {
	c := &Coordinator{
		hub:              hub,
		taskID:           taskID,
		fetch:            fetch,
		log:              zap.NewNop().Sugar(),
		notifier:         notify.Nop,
		now:              time.Now,
		debounce:         DefaultDebounce,
		taskFlash:        DefaultTaskFlash,
		linkFlash:        DefaultLinkFlash,
		maxResubscribe:   DefaultMaxResubscribe,
		onTaskChanged:    func([]byte) {},
		onLinksRefreshed: func(Snapshot) {},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With("task_id", taskID)
	return c
}

// =============================================================================
// LIFECYCLE
// =============================================================================

// Start subscribes to both streams, then loads the initial snapshot. A non-nil
// checklist primes the task hash; otherwise the first task event does.
func (c *Coordinator) Start(ctx context.Context, checklist []byte) error {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.failures = 0
	c.primed = checklist != nil
	if c.primed {
		c.setChecklist(checklist)
	}
	c.linkApplied = false
	c.state = StateSubscribed
	// Subscribe before the initial fetch so no link event falls in between.
	c.unsubTask = c.subscribeTask()
	c.unsubLinks = c.subscribeLinks()
	fetchCtx := c.ctx
	c.mu.Unlock()

	if _, err := c.Refresh(fetchCtx); err != nil {
		c.Stop()
		return fmt.Errorf("initial sync: %w", err)
	}
	c.log.Debugw("coordinator subscribed")
	return nil
}

// Stop cancels both subscriptions, any pending debounce and in-flight
// fetches. The coordinator can be started again.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
	c.state = StateIdle
}

func (c *Coordinator) stopLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.timerGen++
	if c.unsubTask != nil {
		c.unsubTask()
		c.unsubTask = nil
	}
	if c.unsubLinks != nil {
		c.unsubLinks()
		c.unsubLinks = nil
	}
	if c.cancel != nil {
		c.cancel()
	}
}

// =============================================================================
// STATE
// =============================================================================

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Syncing reports whether the "synchronizing" indicator is on.
func (c *Coordinator) Syncing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now().Before(c.syncingUntil)
}

func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot
}

// Checklist returns the last known serialized checklist.
func (c *Coordinator) Checklist() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.checklist...)
}

// Acknowledge records a checklist this view just wrote, so its echo on the
// task stream is recognized and dropped.
func (c *Coordinator) Acknowledge(checklist []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.primed = true
	c.setChecklist(checklist)
}

func (c *Coordinator) setChecklist(checklist []byte) {
	c.checklist = append([]byte(nil), checklist...)
	c.checklistSum = xxhash.Sum64(checklist)
}

func (c *Coordinator) flash(d time.Duration) {
	if until := c.now().Add(d); until.After(c.syncingUntil) {
		c.syncingUntil = until
	}
}

// =============================================================================
// TASK STREAM
// =============================================================================

func (c *Coordinator) subscribeTask() Unsubscribe {
	return c.hub.SubscribeDocument(CollectionTasks, string(c.taskID), c.handleTask)
}

func (c *Coordinator) handleTask(change Change, err error) {
	if err != nil {
		c.streamFailed(CollectionTasks, err)
		return
	}

	sum := xxhash.Sum64(change.Payload)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateIdle {
		return
	}
	c.failures = 0

	if !c.primed {
		c.primed = true
		c.setChecklist(change.Payload)
		return
	}
	if sum == c.checklistSum {
		return
	}

	c.setChecklist(change.Payload)
	c.flash(c.taskFlash)
	c.scheduleTaskChanged()
	c.log.Debugw("checklist changed remotely", "hash", sum)
}

// scheduleTaskChanged (re)arms the debounce timer. Caller holds mu.
func (c *Coordinator) scheduleTaskChanged() {
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timerGen++
	gen := c.timerGen
	c.timer = time.AfterFunc(c.debounce, func() { c.fireTaskChanged(gen) })
}

func (c *Coordinator) fireTaskChanged(gen uint64) {
	c.mu.Lock()
	if c.state == StateIdle || gen != c.timerGen {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	checklist := append([]byte(nil), c.checklist...)
	fn := c.onTaskChanged
	c.mu.Unlock()

	fn(checklist)
}

// =============================================================================
// LINK STREAM
// =============================================================================

func (c *Coordinator) subscribeLinks() Unsubscribe {
	return c.hub.SubscribeQuery(CollectionLinks, FieldTaskID, string(c.taskID), c.handleLinks)
}

func (c *Coordinator) handleLinks(change Change, err error) {
	if err != nil {
		c.streamFailed(CollectionLinks, err)
		return
	}

	sum := xxhash.Sum64(change.Payload)

	c.mu.Lock()
	if c.state == StateIdle || (c.linkApplied && sum == c.linkSum) {
		c.mu.Unlock()
		return
	}
	c.failures = 0
	ctx := c.ctx
	c.mu.Unlock()

	snap, err := c.refresh(ctx)
	if err != nil {
		if ctx.Err() == nil {
			c.log.Warnw("link refresh failed, keeping last known state", "error", err)
			c.notifier.Notify(notify.Warn, "Could not refresh linked reservations")
		}
		return
	}

	c.mu.Lock()
	if c.state == StateIdle {
		c.mu.Unlock()
		return
	}
	c.snapshot = snap
	c.linkGen++
	c.linkSum, c.linkApplied = sum, true
	c.flash(c.linkFlash)
	fn := c.onLinksRefreshed
	c.mu.Unlock()

	fn(snap)
}

// Refresh re-fetches links and reservations outside of any stream event.
// A snapshot applied by a link event while it was fetching is newer and
// wins.
func (c *Coordinator) Refresh(ctx context.Context) (Snapshot, error) {
	c.mu.Lock()
	gen := c.linkGen
	c.mu.Unlock()

	snap, err := c.refresh(ctx)
	if err != nil {
		return Snapshot{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.linkGen == gen {
		c.snapshot = snap
	}
	return c.snapshot, nil
}

// refresh fetches links and reservations concurrently; both are needed
// because one link changes every reservation's available quantity.
func (c *Coordinator) refresh(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		links, err := c.fetch.Links(gctx, c.taskID)
		if err != nil {
			return fmt.Errorf("fetch links: %w", err)
		}
		snap.Links = links
		return nil
	})
	g.Go(func() error {
		reservations, err := c.fetch.Reservations(gctx, c.taskID)
		if err != nil {
			return fmt.Errorf("fetch reservations: %w", err)
		}
		snap.Reservations = reservations
		return nil
	})
	if err := g.Wait(); err != nil {
		return Snapshot{}, err
	}
	snap.FetchedAt = c.now()
	return snap, nil
}

// =============================================================================
// STREAM ERRORS
// =============================================================================

func (c *Coordinator) streamFailed(collection string, err error) {
	c.mu.Lock()
	if c.state != StateSubscribed {
		c.mu.Unlock()
		return
	}

	c.failures++
	c.log.Warnw("change stream error", "collection", collection, "failures", c.failures, "error", err)

	if c.failures > c.maxResubscribe {
		c.stopLocked()
		c.state = StateDegraded
		c.mu.Unlock()
		c.log.Errorw("live updates stopped, showing last known state", "collection", collection)
		c.notifier.Notify(notify.Warn, "Live updates stopped. Reload to see the latest changes.")
		return
	}

	switch collection {
	case CollectionTasks:
		if c.unsubTask != nil {
			c.unsubTask()
		}
		c.unsubTask = c.subscribeTask()
	case CollectionLinks:
		if c.unsubLinks != nil {
			c.unsubLinks()
		}
		c.unsubLinks = c.subscribeLinks()
	}
	c.mu.Unlock()

	c.notifier.Notify(notify.Warn, "Live updates interrupted, reconnecting")
}

// =============================================================================
// FETCHER - Store-backed Fetcher
// =============================================================================

// LinkLister lists a task's links.
type LinkLister interface {
	ListLinks(ctx context.Context, taskID ledger.TaskID) ([]ledger.Link, error)
}

// StoreFetcher reads links from the link store and reservations from the
// inventory source: standard reservations followed by link snapshots.
type StoreFetcher struct {
	links  LinkLister
	source ledger.ReservationSource
}

func NewStoreFetcher(links LinkLister, source ledger.ReservationSource) *StoreFetcher {
	return &StoreFetcher{links: links, source: source}
}

func (f *StoreFetcher) Links(ctx context.Context, taskID ledger.TaskID) ([]ledger.Link, error) {
	return f.links.ListLinks(ctx, taskID)
}

func (f *StoreFetcher) Reservations(ctx context.Context, taskID ledger.TaskID) ([]ledger.Reservation, error) {
	standard, err := f.source.StandardReservationsForTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	virtual, err := f.source.VirtualReservationsFromSnapshots(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return append(standard, virtual...), nil
}
