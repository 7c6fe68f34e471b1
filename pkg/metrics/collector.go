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

// Package metrics provides Prometheus metrics collection and recording
// for scaler ticks, reconciliation outcomes, and pool capacity.
package metrics

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	ctrlmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"

	"github.com/ahoma/placeholder-scaler/internal/reconciler"
)

var (
	// Scaler loop metrics
	ticksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "placeholder_scaler_ticks_total",
			Help: "Total number of scaler ticks performed",
		},
		[]string{"result"},
	)

	reconcileTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "placeholder_scaler_reconcile_total",
			Help: "Total number of pool reconcile passes",
		},
		[]string{"pool", "action", "result"},
	)

	reconcileErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "placeholder_scaler_reconcile_errors_total",
			Help: "Total number of failed pool reconcile passes",
		},
		[]string{"pool", "op"},
	)

	// Calendar metrics
	calendarLastSuccess = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "placeholder_scaler_calendar_last_success_timestamp",
			Help: "Timestamp of the last successful calendar fetch",
		},
	)

	calendarEvents = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "placeholder_scaler_calendar_events",
			Help: "Number of events in the current calendar snapshot",
		},
	)

	// Replica metrics
	desiredReplicas = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "placeholder_scaler_desired_replicas",
			Help: "Desired placeholder replicas per node pool",
		},
		[]string{"pool"},
	)

	observedReplicas = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "placeholder_scaler_observed_replicas",
			Help: "Observed placeholder replicas per node pool",
		},
		[]string{"pool"},
	)

	// Capacity metrics
	poolFreeMemory = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "placeholder_scaler_pool_free_memory_bytes",
			Help: "Free allocatable memory per node pool",
		},
		[]string{"pool"},
	)

	poolFreeCPU = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "placeholder_scaler_pool_free_cpu_millicores",
			Help: "Free allocatable CPU per node pool",
		},
		[]string{"pool"},
	)
)

// Collector records scaler metrics. It satisfies the reconciler's
// MetricsRecorder interface so reconcile outcomes flow in directly.
type Collector struct {
	mutex      sync.RWMutex
	lastUpdate time.Time
}

// NewCollector creates a new metrics collector.
func NewCollector() *Collector {
	// Seed the tick counter so both series exist before the first tick.
	ticksTotal.WithLabelValues("success").Add(0)
	ticksTotal.WithLabelValues("error").Add(0)

	return &Collector{lastUpdate: time.Now()}
}

// RegisterMetrics registers all scaler metrics with the provided registry.
// Duplicate registrations are ignored so restarts and tests stay quiet.
func (c *Collector) RegisterMetrics(registry prometheus.Registerer) {
	if registry == nil {
		registry = ctrlmetrics.Registry
	}

	collectors := []prometheus.Collector{
		ticksTotal,
		reconcileTotal,
		reconcileErrors,
		calendarLastSuccess,
		calendarEvents,
		desiredReplicas,
		observedReplicas,
		poolFreeMemory,
		poolFreeCPU,
	}
	for _, collector := range collectors {
		_ = registry.Register(collector)
	}
}

// RecordTick records one completed scaler tick.
func (c *Collector) RecordTick(err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	ticksTotal.WithLabelValues(result).Inc()

	c.mutex.Lock()
	c.lastUpdate = time.Now()
	c.mutex.Unlock()
}

// RecordReconciliation records the outcome of a pool reconcile pass.
func (c *Collector) RecordReconciliation(pool, action string, err error) {
	result := "success"
	if err != nil {
		result = "error"

		op := "unknown"
		var reconcileErr *reconciler.Error
		if errors.As(err, &reconcileErr) {
			op = string(reconcileErr.Op)
		}
		reconcileErrors.WithLabelValues(pool, op).Inc()
	}

	reconcileTotal.WithLabelValues(pool, action, result).Inc()
}

// RecordReplicas records the desired and observed replica counts for a pool.
func (c *Collector) RecordReplicas(pool string, desired, observed int32) {
	desiredReplicas.WithLabelValues(pool).Set(float64(desired))
	observedReplicas.WithLabelValues(pool).Set(float64(observed))
}

// RecordCalendarSync records a successful calendar refresh.
func (c *Collector) RecordCalendarSync(eventCount int) {
	calendarLastSuccess.SetToCurrentTime()
	calendarEvents.Set(float64(eventCount))
}

// RecordPoolCapacity records free capacity for a pool.
func (c *Collector) RecordPoolCapacity(pool string, freeMemoryBytes, freeCPUMillicores int64) {
	poolFreeMemory.WithLabelValues(pool).Set(float64(freeMemoryBytes))
	poolFreeCPU.WithLabelValues(pool).Set(float64(freeCPUMillicores))
}

// LastUpdate returns when the collector last recorded a tick.
func (c *Collector) LastUpdate() time.Time {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.lastUpdate
}

// ResetMetrics resets all metrics (useful for testing).
func (c *Collector) ResetMetrics() {
	ticksTotal.Reset()
	reconcileTotal.Reset()
	reconcileErrors.Reset()
	calendarLastSuccess.Set(0)
	calendarEvents.Set(0)
	desiredReplicas.Reset()
	observedReplicas.Reset()
	poolFreeMemory.Reset()
	poolFreeCPU.Reset()
}
