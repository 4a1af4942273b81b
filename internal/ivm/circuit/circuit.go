package circuit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ivmcore/ivmcore/internal/ivm/queryplan"
)

var tracer = otel.Tracer("ivmcore/circuit")

// stage is one link of the Source -> [Related] -> Filter -> Project ->
// [OrderLimit] -> Sink pipeline a Circuit compiles a Plan into (spec
// §4.E).
type stage interface {
	Ingest(ctx context.Context, d Delta) ([]Delta, error)
}

// State is a view's lifecycle state (spec §6): a freshly compiled circuit
// starts Registered and every Ingest sets it Active. Quiescent and
// Unregistered are set only through SetState; the session and registry
// do not call it, so an idle or unregistered view's circuit does not
// change state.
type State int

const (
	StateRegistered State = iota
	StateActive
	StateQuiescent
	StateUnregistered
)

func (s State) String() string {
	switch s {
	case StateRegistered:
		return "registered"
	case StateActive:
		return "active"
	case StateQuiescent:
		return "quiescent"
	case StateUnregistered:
		return "unregistered"
	default:
		return "unknown"
	}
}

// Circuit is one compiled, live view: the operator chain plus the
// bookkeeping the Session/Live Router needs to drive its lifecycle
// (spec §4.E, §4.H). Viewing it as a dataflow graph, Ingest is the
// single entry point every upstream mutation passes through.
type Circuit struct {
	ViewID string
	Plan   *queryplan.Plan

	mu         sync.Mutex
	state      State
	lastActive time.Time
	stages     []stage
	sink       *Sink
	log        *slog.Logger
}

// Compile builds the operator DAG for plan: Source admits the plan's FROM
// table (and, with a related subselect, the related table too), then the
// chain narrows through Filter/Project/OrderLimit down to a Sink.
func Compile(viewID string, plan *queryplan.Plan, log *slog.Logger) *Circuit {
	if log == nil {
		log = slog.Default()
	}

	var stages []stage
	var orderSrc *OrderLimit
	var relAgg *RelatedAggregator
	if plan.Related != nil {
		stages = append(stages, NewSource(plan.Table, plan.Related.Table))
		relAgg = NewRelatedAggregator(plan.Table, plan.Related.Table, plan.Related.ParentField, plan.Related.Alias, limitValue(plan.Related.Limit), plan.Related.Where)
		stages = append(stages, relAgg)
	} else {
		stages = append(stages, NewSource(plan.Table))
	}

	stages = append(stages, NewFilter(plan.Where, log))
	stages = append(stages, NewProject(plan.Fields))

	if len(plan.Order) > 0 || plan.Limit != nil {
		ol := NewOrderLimit(plan.Order, limitValue(plan.Limit))
		stages = append(stages, ol)
		orderSrc = ol
	}

	var order orderedSource
	if orderSrc != nil {
		order = orderSrc
	}
	sink := NewSink(viewID, order)
	stages = append(stages, sink)

	return &Circuit{
		ViewID:     viewID,
		Plan:       plan,
		state:      StateRegistered,
		lastActive: nowPlaceholder(),
		stages:     stages,
		sink:       sink,
		log:        log,
	}
}

// RelatedTable reports the second table this circuit's DAG watches, if
// the plan carries a related subselect, so the Session layer knows which
// mutations to fan into this circuit alongside the primary table's.
func (c *Circuit) RelatedTable() (string, bool) {
	if c.Plan.Related == nil {
		return "", false
	}
	return c.Plan.Related.Table, true
}

// Ingest drives one mutation's deltas through every stage in sequence,
// then asks the terminal Sink to recompute the view's current id-set.
// Stage fan-out (one goroutine per chained delta) isn't needed here
// because a single mutation never produces enough deltas to benefit
// from it; IngestAll instead runs one goroutine per circuit, with its
// own recover, to isolate a single view's failure from its siblings
// when the Session layer ingests the same mutation into several
// circuits concurrently (spec §4.E, §4.H).
func (c *Circuit) Ingest(ctx context.Context, deltas []Delta) (ViewUpdate, []Leaf, error) {
	ctx, span := tracer.Start(ctx, "circuit.ingest", trace.WithAttributes(
		attribute.String("view_id", c.ViewID),
		attribute.Int("delta_count", len(deltas)),
	))
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()

	pending := deltas
	for _, st := range c.stages[:len(c.stages)-1] {
		var next []Delta
		for _, d := range pending {
			out, err := st.Ingest(ctx, d)
			if err != nil {
				return ViewUpdate{}, nil, fmt.Errorf("circuit %s: %w", c.ViewID, err)
			}
			next = append(next, out...)
		}
		pending = next
	}
	for _, d := range pending {
		if _, err := c.sink.Ingest(ctx, d); err != nil {
			return ViewUpdate{}, nil, fmt.Errorf("circuit %s: sink: %w", c.ViewID, err)
		}
	}

	update, leaves := c.sink.Compute()
	c.state = StateActive
	c.lastActive = nowPlaceholder()
	return update, leaves, nil
}

// IngestAll runs Ingest for several circuits concurrently via errgroup.
// errgroup.Group.Go does not recover panics on its own — a panic that
// escapes a goroutine it started still crashes the process — so each
// closure below recovers locally and turns a panic into a plain error
// before it ever reaches the group. That is what makes a single bad
// view's failure (error or panic) isolated from its siblings: every
// circuit's Ingest call runs to completion before IngestAll returns,
// whether or not one of them errored, so a single bad view never costs
// the Session layer the updates the other views correctly produced —
// updates[i]/leaves[i] are always populated for every circuits[i] that
// did not itself error; err reports the first failure, if any (spec
// §4.E, §4.H: panics are isolated to the failing view and never affect
// another view).
func IngestAll(ctx context.Context, circuits []*Circuit, deltas []Delta) ([]ViewUpdate, [][]Leaf, error) {
	updates := make([]ViewUpdate, len(circuits))
	leaves := make([][]Leaf, len(circuits))
	g, _ := errgroup.WithContext(ctx)
	for i, c := range circuits {
		i, c := i, c
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("circuit %s: panic: %v", c.ViewID, r)
				}
			}()
			update, ls, ingestErr := c.Ingest(ctx, deltas)
			if ingestErr != nil {
				return ingestErr
			}
			updates[i] = update
			leaves[i] = ls
			return nil
		})
	}
	err := g.Wait()
	return updates, leaves, err
}

func (c *Circuit) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Circuit) SetState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

func (c *Circuit) LastActive() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActive
}

func (c *Circuit) Touch(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActive = t
}

func limitValue(l *int) int {
	if l == nil {
		return 0
	}
	return *l
}

// nowPlaceholder exists because a Circuit is constructed and touched
// from contexts that must stay deterministic for tests; the Session
// layer is responsible for stamping real wall-clock activity times via
// Touch.
func nowPlaceholder() time.Time { return time.Time{} }
