/*
Copyright 2025 The Placeholder Scaler Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package scaler runs the periodic control loop: refresh the calendar on a
// slow cadence, and on every tick evaluate demand per node pool and drive
// the placeholder Deployments toward it. Pools are reconciled independently
// so one pool's API failure never starves the others.
package scaler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/ahoma/placeholder-scaler/internal/calendar"
	"github.com/ahoma/placeholder-scaler/internal/cluster"
	"github.com/ahoma/placeholder-scaler/internal/config"
	"github.com/ahoma/placeholder-scaler/internal/demand"
	"github.com/ahoma/placeholder-scaler/internal/reconciler"
)

// MetricsRecorder receives loop-level observations.
type MetricsRecorder interface {
	RecordTick(err error)
	RecordCalendarSync(eventCount int)
	RecordPoolCapacity(pool string, freeMemoryBytes, freeCPUMillicores int64)
}

// Fetcher abstracts calendar retrieval for the loop.
type Fetcher interface {
	Fetch(ctx context.Context) ([]calendar.Event, error)
}

// Inspector abstracts cluster capacity reads for the loop.
type Inspector interface {
	UsableResources(ctx context.Context) (map[string]map[string]cluster.NodeResources, error)
}

// Loop owns the scaler's run cycle.
type Loop struct {
	cfg        *config.Config
	fetcher    Fetcher
	store      *calendar.Store
	evaluator  *demand.Evaluator
	reconciler *reconciler.PoolReconciler
	inspector  Inspector
	metrics    MetricsRecorder
	log        logr.Logger

	// now is swapped in tests
	now func() time.Time

	// runMu serializes ticks and calendar refreshes so a pool never has
	// two writes in flight and a stale fetch never replaces a newer
	// snapshot.
	runMu sync.Mutex

	ready      atomic.Bool
	tickedOnce atomic.Bool
}

// NewLoop assembles the control loop. inspector and metrics may be nil.
func NewLoop(
	cfg *config.Config,
	fetcher Fetcher,
	evaluator *demand.Evaluator,
	poolReconciler *reconciler.PoolReconciler,
	inspector Inspector,
	metrics MetricsRecorder,
	log logr.Logger,
) *Loop {
	return &Loop{
		cfg:        cfg,
		fetcher:    fetcher,
		store:      calendar.NewStore(),
		evaluator:  evaluator,
		reconciler: poolReconciler,
		inspector:  inspector,
		metrics:    metrics,
		log:        log.WithName("scaler"),
		now:        time.Now,
	}
}

// Ready reports whether the loop holds calendar data and has completed at
// least one tick. The readiness probe keys off this.
func (l *Loop) Ready() bool {
	return l.ready.Load()
}

// Run executes the loop until the context is canceled. The calendar is
// fetched immediately, then refreshed on its own cadence; pools are
// reconciled every tick.
func (l *Loop) Run(ctx context.Context) error {
	l.RefreshCalendar(ctx)
	l.Tick(ctx)

	tick := time.NewTicker(l.cfg.Scaler.TickInterval)
	defer tick.Stop()
	refresh := time.NewTicker(l.cfg.Calendar.RefreshInterval)
	defer refresh.Stop()

	// The watcher only signals; the reload is drained here so all
	// refresh and tick work stays on this goroutine.
	reload := make(chan struct{}, 1)
	if path, local := calendar.LocalPath(l.cfg.Calendar.Source); local && l.cfg.Calendar.WatchFile {
		watcher := calendar.NewFileWatcher(path, l.log, func() {
			select {
			case reload <- struct{}{}:
			default:
			}
		})
		go func() {
			if err := watcher.Start(ctx); err != nil {
				l.log.Error(err, "Calendar file watcher stopped")
			}
		}()
	}

	for {
		select {
		case <-ctx.Done():
			l.log.Info("Scaler loop stopping")
			return ctx.Err()
		case <-reload:
			l.RefreshCalendar(ctx)
			l.Tick(ctx)
		case <-refresh.C:
			l.RefreshCalendar(ctx)
		case <-tick.C:
			l.Tick(ctx)
		}
	}
}

// RefreshCalendar fetches the calendar and replaces the event snapshot. On
// failure the previous snapshot is kept so scaling continues on last-known
// events.
func (l *Loop) RefreshCalendar(ctx context.Context) {
	l.runMu.Lock()
	defer l.runMu.Unlock()

	fetchCtx, cancel := context.WithTimeout(ctx, l.cfg.Calendar.FetchTimeout)
	defer cancel()

	events, err := l.fetcher.Fetch(fetchCtx)
	if err != nil {
		l.log.Error(err, "Calendar fetch failed, keeping last snapshot",
			"source", l.cfg.Calendar.Source,
			"has_data", l.store.HasData())
		return
	}

	l.store.Replace(events, l.now())
	if l.metrics != nil {
		l.metrics.RecordCalendarSync(len(events))
	}
	l.log.V(1).Info("Calendar refreshed", "events", len(events))

	l.updateReady()
}

// Tick evaluates demand for every pool and reconciles the placeholder
// Deployments, one goroutine per pool.
func (l *Loop) Tick(ctx context.Context) {
	l.runMu.Lock()
	defer l.runMu.Unlock()

	tickID := uuid.NewString()[:8]
	now := l.now()
	events := l.store.Events()
	log := l.log.WithValues("tick_id", tickID)

	log.V(2).Info("Tick starting", "pools", len(l.cfg.Pools), "events", len(events))
	for i := range events {
		if events[i].ActiveAt(now) {
			log.V(1).Info("Active calendar event", "event", events[i].String())
		}
	}

	var wg sync.WaitGroup
	errs := make([]error, len(l.cfg.Pools))

	for i := range l.cfg.Pools {
		pool := &l.cfg.Pools[i]
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = l.reconcilePool(ctx, log, pool, now, events)
		}(i)
	}
	wg.Wait()

	tickErr := errors.Join(errs...)
	if l.metrics != nil {
		l.metrics.RecordTick(tickErr)
	}
	if tickErr != nil {
		log.Error(tickErr, "Tick finished with failed pools")
	} else {
		log.V(2).Info("Tick finished", "total_reconciles", l.reconciler.GetReconcileCount())
	}

	l.reportCapacity(ctx, log)

	// Readiness waits for the first clean pass over every pool.
	if tickErr == nil {
		l.tickedOnce.Store(true)
	}
	l.updateReady()
}

func (l *Loop) reconcilePool(ctx context.Context, log logr.Logger, pool *config.NodePoolConfig, now time.Time, events []calendar.Event) error {
	desired := l.evaluator.Evaluate(pool, now, events)

	callCtx, cancel := context.WithTimeout(ctx, l.cfg.Scaler.APICallTimeout)
	defer cancel()

	action, err := l.reconciler.Reconcile(callCtx, pool, desired)
	if err != nil {
		log.Error(err, "Pool reconcile failed", "pool", pool.Name, "desired", desired)
		return err
	}

	if action != reconciler.ActionNone {
		log.Info("Pool reconciled", "pool", pool.Name, "desired", desired, "action", string(action))
	} else {
		log.V(2).Info("Pool unchanged", "pool", pool.Name, "desired", desired)
	}
	return nil
}

// reportCapacity publishes free capacity per pool. Failures only cost the
// gauges an update, never the tick.
func (l *Loop) reportCapacity(ctx context.Context, log logr.Logger) {
	if l.inspector == nil || l.metrics == nil {
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, l.cfg.Scaler.APICallTimeout)
	defer cancel()

	usable, err := l.inspector.UsableResources(callCtx)
	if err != nil {
		log.V(1).Info("Capacity inspection failed", "error", err.Error())
		return
	}

	for pool, nodes := range usable {
		var freeMemMi, freeCPUMilli int64
		for _, node := range nodes {
			freeMemMi += node.FreeMemMi
			freeCPUMilli += node.FreeCPUMilli
		}
		l.metrics.RecordPoolCapacity(pool, freeMemMi<<20, freeCPUMilli)
	}
}

func (l *Loop) updateReady() {
	if l.store.HasData() && l.tickedOnce.Load() {
		l.ready.Store(true)
	}
}
