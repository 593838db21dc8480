// Package orchestrator schedules many items toward completion with
// dependency ordering, either sequentially or through a bounded worker
// pool. All durable state flows through the store; the coordinator's
// in-memory done-set only gates scheduling.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wreckit/wreckit/internal/events"
	"github.com/wreckit/wreckit/internal/item"
	"github.com/wreckit/wreckit/internal/phase"
	"github.com/wreckit/wreckit/internal/store"
)

// ErrNothingRunnable is returned when no item can currently advance.
var ErrNothingRunnable = errors.New("no runnable items")

// pollInterval bounds the wait of a parallel worker that found nothing
// runnable while peers are still working.
const pollInterval = 500 * time.Millisecond

type Orchestrator struct {
	Store  *store.Store
	Runner *phase.Runner
	Sink   events.Sink
	Log    *zap.Logger

	// Poll overrides pollInterval; tests shrink it.
	Poll time.Duration
}

func New(st *store.Store, runner *phase.Runner, sink events.Sink, log *zap.Logger) *Orchestrator {
	if sink == nil {
		sink = events.Nop()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{Store: st, Runner: runner, Sink: sink, Log: log, Poll: pollInterval}
}

// Runnable reports whether an item may advance: not done, and every
// dependency currently done. A dependency naming a non-existent item
// keeps the item non-runnable indefinitely; that is not an error.
func Runnable(it *item.Item, done map[string]bool) bool {
	if it.State == item.StateDone {
		return false
	}
	for _, dep := range it.DependsOn {
		if !done[dep] {
			return false
		}
	}
	return true
}

// doneSet builds the scheduling done-set from the durable records.
func doneSet(items []*item.Item) map[string]bool {
	done := make(map[string]bool, len(items))
	for _, it := range items {
		if it.State == item.StateDone {
			done[it.ID] = true
		}
	}
	return done
}

// Next advances the lowest-id runnable item by one phase.
func (o *Orchestrator) Next(ctx context.Context) (string, phase.Phase, error) {
	items, err := o.Store.ListItems()
	if err != nil {
		return "", "", err
	}
	done := doneSet(items)
	for _, it := range items {
		if Runnable(it, done) {
			ph, err := o.Runner.Advance(ctx, it.ID)
			return it.ID, ph, err
		}
	}
	return "", "", ErrNothingRunnable
}

// RunItem drives one item to done through repeated phase advances.
func (o *Orchestrator) RunItem(ctx context.Context, id string) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		it, err := o.Store.ReadItem(id)
		if err != nil {
			return err
		}
		if it.State == item.StateDone {
			return nil
		}
		if _, err := o.Runner.Advance(ctx, id); err != nil {
			return err
		}
	}
}

// RunAll drives every runnable item to completion. parallel <= 1 runs
// the sequential scheduler; larger values run a worker pool of that
// size. Items that fail a phase are recorded and skipped; RunAll
// returns an aggregate error when any item failed.
func (o *Orchestrator) RunAll(ctx context.Context, parallel int) error {
	if parallel <= 1 {
		return o.runSequential(ctx)
	}
	return o.runParallel(ctx, parallel)
}

func (o *Orchestrator) runSequential(ctx context.Context) error {
	failed := map[string]error{}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		items, err := o.Store.ListItems()
		if err != nil {
			return err
		}
		done := doneSet(items)
		advanced := false
		for _, it := range items {
			if failed[it.ID] != nil || !Runnable(it, done) {
				continue
			}
			if _, err := o.Runner.Advance(ctx, it.ID); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				o.Log.Warn("item failed, continuing", zap.String("item", it.ID), zap.Error(err))
				failed[it.ID] = err
			}
			advanced = true
			break
		}
		if !advanced {
			return collectFailures(failed)
		}
	}
}

// coordinator owns the mutable scheduling state of the worker pool.
// Every read or write of remaining/done/claimed happens under mu, so a
// dependent observes its dependency in done strictly before it can be
// claimed.
type coordinator struct {
	mu        sync.Mutex
	remaining map[string]struct{}
	done      map[string]bool
	claimed   map[string]struct{}
	failed    map[string]error
	store     *store.Store
}

// claim returns the lowest-id runnable unclaimed item, or ok=false
// with more=true when the worker should poll again.
func (c *coordinator) claim() (id string, ok, more bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.remaining) == 0 {
		return "", false, false
	}
	ids := make([]string, 0, len(c.remaining))
	for id := range c.remaining {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if _, busy := c.claimed[id]; busy {
			continue
		}
		it, err := c.store.ReadItem(id)
		if err != nil {
			c.failed[id] = err
			delete(c.remaining, id)
			continue
		}
		if !Runnable(it, c.done) {
			continue
		}
		c.claimed[id] = struct{}{}
		return id, true, true
	}
	// Nothing is claimable. Progress is only possible while a peer still
	// holds a claim whose completion may unblock a dependent; with no
	// claims in flight the remaining items are permanently blocked and
	// workers must exit rather than poll forever.
	return "", false, len(c.claimed) > 0
}

// finish records the terminal outcome of a claimed item.
func (c *coordinator) finish(id string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.claimed, id)
	delete(c.remaining, id)
	if err != nil {
		c.failed[id] = err
		return
	}
	c.done[id] = true
}

func (o *Orchestrator) runParallel(ctx context.Context, n int) error {
	items, err := o.Store.ListItems()
	if err != nil {
		return err
	}
	coord := &coordinator{
		remaining: map[string]struct{}{},
		done:      doneSet(items),
		claimed:   map[string]struct{}{},
		failed:    map[string]error{},
		store:     o.Store,
	}
	for _, it := range items {
		if it.State != item.StateDone {
			coord.remaining[it.ID] = struct{}{}
		}
	}

	poll := o.Poll
	if poll <= 0 {
		poll = pollInterval
	}

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < n; w++ {
		g.Go(func() error {
			for {
				if err := gctx.Err(); err != nil {
					return err
				}
				id, ok, more := coord.claim()
				if !ok {
					if !more {
						return nil
					}
					// Dependencies may become satisfied as peers finish.
					select {
					case <-gctx.Done():
						return gctx.Err()
					case <-time.After(poll):
					}
					continue
				}
				err := o.RunItem(gctx, id)
				if err != nil && gctx.Err() != nil {
					coord.mu.Lock()
					delete(coord.claimed, id)
					coord.mu.Unlock()
					return gctx.Err()
				}
				if err != nil {
					o.Log.Warn("item failed, continuing", zap.String("item", id), zap.Error(err))
				}
				coord.finish(id, err)
			}
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	// Items still remaining were never claimable: their dependencies
	// failed or name no existing item. Surface them alongside the
	// direct failures.
	coord.mu.Lock()
	for id := range coord.remaining {
		if coord.failed[id] == nil {
			coord.failed[id] = errors.New("blocked: dependencies never completed")
		}
	}
	coord.mu.Unlock()
	return collectFailures(coord.failed)
}

func collectFailures(failed map[string]error) error {
	if len(failed) == 0 {
		return nil
	}
	ids := make([]string, 0, len(failed))
	for id := range failed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, fmt.Sprintf("%s: %v", id, failed[id]))
	}
	return fmt.Errorf("%d item(s) failed: %s", len(ids), strings.Join(parts, "; "))
}

// DryRun reports the phases each runnable item would go through,
// without invoking agents or writing any state.
func (o *Orchestrator) DryRun() ([]string, error) {
	items, err := o.Store.ListItems()
	if err != nil {
		return nil, err
	}
	done := doneSet(items)
	var out []string
	for _, it := range items {
		if it.State == item.StateDone {
			continue
		}
		line := fmt.Sprintf("%s: %s", it.ID, joinPhases(PhasesRemaining(it.State)))
		if !Runnable(it, done) {
			line += fmt.Sprintf(" (blocked on %s)", strings.Join(pendingDeps(it, done), ", "))
		}
		out = append(out, line)
	}
	return out, nil
}

// PhasesRemaining lists the phases between a state and done.
func PhasesRemaining(st item.State) []phase.Phase {
	switch st {
	case item.StateRaw:
		return []phase.Phase{phase.Research, phase.Plan, phase.Implement, phase.PR, phase.Complete}
	case item.StateResearched:
		return []phase.Phase{phase.Plan, phase.Implement, phase.PR, phase.Complete}
	case item.StatePlanned:
		return []phase.Phase{phase.Implement, phase.PR, phase.Complete}
	case item.StateImplementing:
		return []phase.Phase{phase.Implement, phase.PR, phase.Complete}
	case item.StateInPR:
		return []phase.Phase{phase.Complete}
	default:
		return nil
	}
}

func joinPhases(phs []phase.Phase) string {
	parts := make([]string, len(phs))
	for i, p := range phs {
		parts[i] = string(p)
	}
	return strings.Join(parts, " -> ")
}

func pendingDeps(it *item.Item, done map[string]bool) []string {
	var out []string
	for _, dep := range it.DependsOn {
		if !done[dep] {
			out = append(out, dep)
		}
	}
	return out
}
