/*
scheduler.go - Periodic link audit

PURPOSE:
  Periodically recomputes every reservation's linked counter from the links
  that reference it and reports drift (counter mismatch, over-linking,
  over-consumption). The audit only reads; repairs stay an inventory-side
  decision.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Audits every task the store knows about
  - Keeps the latest run for the admin endpoint

CONFIGURATION:
  - CheckInterval: How often to audit (default: 1 hour)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewAuditScheduler(store, ledger, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - ledger/audit.go: Ledger.Audit
  - handlers.go: GetAudit endpoint (one task, on demand)
*/
package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/mixing-engine/ledger"
)

// TaskLister lists the tasks to audit.
type TaskLister interface {
	ListTasks(ctx context.Context) ([]ledger.TaskID, error)
}

// AuditRun is the outcome of one pass over all tasks.
type AuditRun struct {
	StartedAt   time.Time             `json:"started_at"`
	CompletedAt time.Time             `json:"completed_at"`
	Tasks       int                   `json:"tasks"`
	Failed      int                   `json:"failed"`
	Drift       map[string][]DriftDTO `json:"drift"`
}

// AuditScheduler handles the periodic link audit.
type AuditScheduler struct {
	Tasks         TaskLister
	Ledger        *ledger.Ledger
	CheckInterval time.Duration
	Enabled       bool

	log    *zap.SugaredLogger
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
	last   *AuditRun
	next   time.Time
}

// AuditStatus is served by the latest-run endpoint.
type AuditStatus struct {
	Enabled   bool       `json:"enabled"`
	LastRun   *AuditRun  `json:"last_run"`
	NextRunAt *time.Time `json:"next_run_at,omitempty"`
}

// NewAuditScheduler creates a new scheduler.
func NewAuditScheduler(tasks TaskLister, l *ledger.Ledger, log *zap.SugaredLogger) *AuditScheduler {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &AuditScheduler{
		Tasks:         tasks,
		Ledger:        l,
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
		log:           log.With("component", "audit"),
	}
}

// Start begins the scheduler.
func (as *AuditScheduler) Start() {
	as.mu.Lock()
	defer as.mu.Unlock()

	if !as.Enabled {
		as.log.Infow("audit scheduler disabled, not starting")
		return
	}
	if as.ticker != nil {
		return
	}

	as.ticker = time.NewTicker(as.CheckInterval)
	as.stop = make(chan struct{})
	as.next = time.Now().Add(as.CheckInterval)
	as.wg.Add(1)

	go as.run(as.ticker, as.stop)

	as.log.Infow("audit scheduler started", "interval", as.CheckInterval)
}

// Stop stops the scheduler.
func (as *AuditScheduler) Stop() {
	as.mu.Lock()
	ticker, stop := as.ticker, as.stop
	as.ticker, as.stop = nil, nil
	as.next = time.Time{}
	as.mu.Unlock()

	if ticker != nil {
		ticker.Stop()
		close(stop)
		as.wg.Wait()
		as.log.Infow("audit scheduler stopped")
	}
}

func (as *AuditScheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer as.wg.Done()

	// Run immediately on start
	as.RunNow(context.Background())

	for {
		select {
		case now := <-ticker.C:
			as.mu.Lock()
			if as.ticker == ticker {
				as.next = now.Add(as.CheckInterval)
			}
			as.mu.Unlock()
			as.RunNow(context.Background())
		case <-stop:
			return
		}
	}
}

// RunNow audits every task once and records the run.
func (as *AuditScheduler) RunNow(ctx context.Context) AuditRun {
	run := AuditRun{StartedAt: time.Now().UTC(), Drift: make(map[string][]DriftDTO)}

	ids, err := as.Tasks.ListTasks(ctx)
	if err != nil {
		as.log.Errorw("list tasks failed", "error", err)
		run.Failed++
	}

	for _, id := range ids {
		run.Tasks++
		drifts, err := as.Ledger.Audit(ctx, id)
		if err != nil {
			as.log.Errorw("audit failed", "task_id", id, "error", err)
			run.Failed++
			continue
		}
		if len(drifts) > 0 {
			run.Drift[string(id)] = toDriftDTOs(drifts)
			for _, d := range drifts {
				as.log.Warnw("link drift",
					"task_id", id, "reservation_id", d.ReservationID, "reason", d.Reason,
					"stored_linked", d.StoredLinked, "linked_from_rows", d.LinkedFromRows, "reserved", d.Reserved)
			}
		}
	}
	run.CompletedAt = time.Now().UTC()

	as.mu.Lock()
	as.last = &run
	as.mu.Unlock()

	as.log.Infow("audit completed", "tasks", run.Tasks, "drifting_tasks", len(run.Drift), "failed", run.Failed)
	return run
}

// LastRun returns the most recent run, or nil before the first one.
func (as *AuditScheduler) LastRun() *AuditRun {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.last
}

// GetNextRunTime returns when the next scheduled check will occur, or the
// zero time while the scheduler is stopped.
func (as *AuditScheduler) GetNextRunTime() time.Time {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.next
}

// =============================================================================
// HTTP
// =============================================================================

// LatestRun serves the most recent audit run and the next scheduled one.
func (as *AuditScheduler) LatestRun(w http.ResponseWriter, r *http.Request) {
	status := AuditStatus{Enabled: as.Enabled, LastRun: as.LastRun()}
	if next := as.GetNextRunTime(); !next.IsZero() {
		status.NextRunAt = &next
	}
	writeJSON(w, http.StatusOK, status)
}

// TriggerRun audits all tasks now.
func (as *AuditScheduler) TriggerRun(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, as.RunNow(r.Context()))
}
