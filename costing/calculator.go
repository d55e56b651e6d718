package costing

import (
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
)

// DefaultTTL is how long a cached summary is served for an unchanged input.
const DefaultTTL = 2 * time.Second

// Diagnostics receives the input and result of the first calculation a
// Calculator performs, and is not called again.
type Diagnostics func(in Input, summary *CostSummary)

// =============================================================================
// CALCULATOR - Compute behind a fingerprinted TTL cache
// =============================================================================

// Calculator caches the last summary. A call with the same fingerprint
// within the TTL returns the cached pointer unchanged. One Calculator serves
// one task view; it is safe for concurrent use.
type Calculator struct {
	ttl  time.Duration
	now  func() time.Time
	log  *zap.SugaredLogger
	diag Diagnostics

	mu          sync.Mutex
	cached      *CostSummary
	fingerprint uint64
	cachedAt    time.Time
	diagOnce    sync.Once
}

type Option func(*Calculator)

func WithTTL(ttl time.Duration) Option {
	return func(c *Calculator) { c.ttl = ttl }
}

func WithClock(now func() time.Time) Option {
	return func(c *Calculator) { c.now = now }
}

func WithLogger(log *zap.SugaredLogger) Option {
	return func(c *Calculator) {
		if log != nil {
			c.log = log
		}
	}
}

func WithDiagnostics(fn Diagnostics) Option {
	return func(c *Calculator) { c.diag = fn }
}

func NewCalculator(opts ...Option) *Calculator {
	c := &Calculator{
		ttl: DefaultTTL,
		now: time.Now,
		log: zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Calculate returns the cost summary for in, from cache when possible.
func (c *Calculator) Calculate(in Input) (*CostSummary, error) {
	key := Fingerprint(in)
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cached != nil && c.fingerprint == key && now.Sub(c.cachedAt) < c.ttl {
		return c.cached, nil
	}

	summary, err := Compute(in)
	if err != nil {
		return nil, err
	}
	summary.Fingerprint = key
	summary.CalculatedAt = now

	c.cached, c.fingerprint, c.cachedAt = summary, key, now
	c.log.Debugw("costs recomputed", "task_id", in.TaskID, "fingerprint", key,
		"total_material_cost", summary.TotalMaterialCost, "unit_production_cost", summary.UnitProductionCost)

	if c.diag != nil {
		c.diagOnce.Do(func() { c.diag(in, summary) })
	}
	return summary, nil
}

// Invalidate drops the cached summary so the next Calculate recomputes.
func (c *Calculator) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cached = nil
}

// =============================================================================
// FINGERPRINT
// =============================================================================

// Fingerprint hashes the parts of in the cache is keyed on: consumed
// material count, sorted batch keys, material count, overrides, inclusion
// flags, PO reservation count, task quantities, labor cost and Revision.
func Fingerprint(in Input) uint64 {
	h := xxhash.New()
	field := func(s string) {
		_, _ = h.WriteString(s)
		_, _ = h.Write([]byte{0})
	}

	field(string(in.TaskID))
	field(strconv.Itoa(in.ConsumedMaterials))

	keys := make([]string, 0, len(in.Batches))
	for _, b := range in.Batches {
		keys = append(keys, b.Key)
	}
	sort.Strings(keys)
	for _, k := range keys {
		field(k)
	}

	field(strconv.Itoa(len(in.Materials)))

	overrides := make([]string, 0, len(in.QuantityOverrides))
	for id, q := range in.QuantityOverrides {
		overrides = append(overrides, string(id)+"="+q.String())
	}
	sort.Strings(overrides)
	for _, o := range overrides {
		field(o)
	}

	flags := make([]string, 0, len(in.Included))
	for id, on := range in.Included {
		flags = append(flags, string(id)+"="+strconv.FormatBool(on))
	}
	sort.Strings(flags)
	for _, f := range flags {
		field(f)
	}

	field(strconv.Itoa(len(in.POReservations)))
	field(in.RequiredQuantity.String())
	field(in.ProducedQuantity.String())
	field(in.LaborCost.String())
	field(strconv.FormatUint(in.Revision, 10))
	return h.Sum64()
}
