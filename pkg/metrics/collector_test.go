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

package metrics

import (
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/ahoma/placeholder-scaler/internal/reconciler"
)

var _ = Describe("Collector", func() {
	var collector *Collector

	BeforeEach(func() {
		collector = NewCollector()
		collector.ResetMetrics()
	})

	Describe("NewCollector", func() {
		It("should create a collector with an initialized timestamp", func() {
			c := NewCollector()
			Expect(c).NotTo(BeNil())
			Expect(c.LastUpdate()).To(BeTemporally("~", time.Now(), time.Second))
		})
	})

	Describe("RegisterMetrics", func() {
		It("should register all metrics with a fresh registry", func() {
			registry := prometheus.NewRegistry()
			collector.RegisterMetrics(registry)

			collector.RecordTick(nil)
			collector.RecordReplicas("base", 3, 2)
			collector.RecordCalendarSync(5)
			collector.RecordPoolCapacity("base", 6<<30, 3000)

			families, err := registry.Gather()
			Expect(err).NotTo(HaveOccurred())

			names := make([]string, 0, len(families))
			for _, family := range families {
				names = append(names, family.GetName())
			}
			Expect(names).To(ContainElements(
				"placeholder_scaler_ticks_total",
				"placeholder_scaler_desired_replicas",
				"placeholder_scaler_observed_replicas",
				"placeholder_scaler_calendar_events",
				"placeholder_scaler_calendar_last_success_timestamp",
				"placeholder_scaler_pool_free_memory_bytes",
				"placeholder_scaler_pool_free_cpu_millicores",
			))
		})

		It("should tolerate double registration", func() {
			registry := prometheus.NewRegistry()
			collector.RegisterMetrics(registry)
			Expect(func() { collector.RegisterMetrics(registry) }).NotTo(Panic())
		})
	})

	Describe("RecordTick", func() {
		It("should count successful and failed ticks separately", func() {
			collector.RecordTick(nil)
			collector.RecordTick(nil)
			collector.RecordTick(errors.New("calendar down"))

			Expect(testutil.ToFloat64(ticksTotal.WithLabelValues("success"))).To(Equal(2.0))
			Expect(testutil.ToFloat64(ticksTotal.WithLabelValues("error"))).To(Equal(1.0))
		})

		It("should advance the last update timestamp", func() {
			before := collector.LastUpdate()
			time.Sleep(time.Millisecond)
			collector.RecordTick(nil)
			Expect(collector.LastUpdate()).To(BeTemporally(">", before))
		})
	})

	Describe("RecordReconciliation", func() {
		It("should count successes by pool and action", func() {
			collector.RecordReconciliation("base", "create", nil)
			collector.RecordReconciliation("base", "none", nil)
			collector.RecordReconciliation("base", "none", nil)

			Expect(testutil.ToFloat64(reconcileTotal.WithLabelValues("base", "create", "success"))).To(Equal(1.0))
			Expect(testutil.ToFloat64(reconcileTotal.WithLabelValues("base", "none", "success"))).To(Equal(2.0))
		})

		It("should extract the failed operation from reconcile errors", func() {
			err := &reconciler.Error{Pool: "gpu", Op: reconciler.OpPatch, Err: errors.New("conflict")}
			collector.RecordReconciliation("gpu", "scale", err)

			Expect(testutil.ToFloat64(reconcileTotal.WithLabelValues("gpu", "scale", "error"))).To(Equal(1.0))
			Expect(testutil.ToFloat64(reconcileErrors.WithLabelValues("gpu", "patch"))).To(Equal(1.0))
		})

		It("should label unrecognized errors as unknown", func() {
			collector.RecordReconciliation("base", "create", errors.New("boom"))
			Expect(testutil.ToFloat64(reconcileErrors.WithLabelValues("base", "unknown"))).To(Equal(1.0))
		})
	})

	Describe("RecordReplicas", func() {
		It("should set gauges per pool", func() {
			collector.RecordReplicas("base", 5, 2)
			collector.RecordReplicas("gpu", 0, 0)

			Expect(testutil.ToFloat64(desiredReplicas.WithLabelValues("base"))).To(Equal(5.0))
			Expect(testutil.ToFloat64(observedReplicas.WithLabelValues("base"))).To(Equal(2.0))
			Expect(testutil.ToFloat64(desiredReplicas.WithLabelValues("gpu"))).To(Equal(0.0))
		})
	})

	Describe("RecordCalendarSync", func() {
		It("should set the event gauge and bump the success timestamp", func() {
			collector.RecordCalendarSync(7)

			Expect(testutil.ToFloat64(calendarEvents)).To(Equal(7.0))
			Expect(testutil.ToFloat64(calendarLastSuccess)).To(BeNumerically("~", float64(time.Now().Unix()), 2))
		})
	})

	Describe("RecordPoolCapacity", func() {
		It("should set free memory and CPU per pool", func() {
			collector.RecordPoolCapacity("base", 6144<<20, 3000)

			Expect(testutil.ToFloat64(poolFreeMemory.WithLabelValues("base"))).To(Equal(float64(6144 << 20)))
			Expect(testutil.ToFloat64(poolFreeCPU.WithLabelValues("base"))).To(Equal(3000.0))
		})
	})
})
