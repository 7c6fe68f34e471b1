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

package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/common/expfmt"

	"github.com/ahoma/placeholder-scaler/pkg/metrics"
)

var _ = Describe("MetricsServer", func() {
	var (
		engine    *gin.Engine
		collector *metrics.Collector
		srv       *MetricsServer
	)

	BeforeEach(func() {
		collector = metrics.NewCollector()
		collector.ResetMetrics()

		srv = NewMetricsServer(collector)
		engine = gin.New()
		engine.GET("/metrics", srv.MetricsHandler)
	})

	It("should serve Prometheus text format", func() {
		collector.RecordTick(nil)
		collector.RecordReplicas("base", 3, 3)

		recorder := performRequest(engine, http.MethodGet, "/metrics")
		Expect(recorder.Code).To(Equal(http.StatusOK))

		parser := expfmt.TextParser{}
		families, err := parser.TextToMetricFamilies(strings.NewReader(recorder.Body.String()))
		Expect(err).NotTo(HaveOccurred())

		Expect(families).To(HaveKey("placeholder_scaler_ticks_total"))
		Expect(families).To(HaveKey("placeholder_scaler_desired_replicas"))

		desired := families["placeholder_scaler_desired_replicas"]
		Expect(desired.GetMetric()).To(HaveLen(1))
		Expect(desired.GetMetric()[0].GetGauge().GetValue()).To(Equal(3.0))
		Expect(desired.GetMetric()[0].GetLabel()[0].GetValue()).To(Equal("base"))
	})

	It("should include calendar and capacity gauges", func() {
		collector.RecordCalendarSync(4)
		collector.RecordPoolCapacity("gpu", 16<<30, 8000)

		recorder := performRequest(engine, http.MethodGet, "/metrics")
		Expect(recorder.Code).To(Equal(http.StatusOK))

		body := recorder.Body.String()
		Expect(body).To(ContainSubstring("placeholder_scaler_calendar_events 4"))
		Expect(body).To(ContainSubstring(`placeholder_scaler_pool_free_cpu_millicores{pool="gpu"} 8000`))
	})

	It("should fail while a collection error is set", func() {
		srv.SetCollectionError("registry corrupted")

		recorder := performRequest(engine, http.MethodGet, "/metrics")
		Expect(recorder.Code).To(Equal(http.StatusInternalServerError))

		srv.ClearCollectionError()
		recorder = performRequest(engine, http.MethodGet, "/metrics")
		Expect(recorder.Code).To(Equal(http.StatusOK))
	})

	It("should record when metrics were last scraped", func() {
		Expect(srv.LastServed().IsZero()).To(BeTrue())
		performRequest(engine, http.MethodGet, "/metrics")
		Expect(srv.LastServed().IsZero()).To(BeFalse())
	})
})

var _ = Describe("Server", func() {
	It("should register all routes", func() {
		collector := metrics.NewCollector()
		checker := NewHealthChecker(nil, nil, "support")
		srv := New(":0", checker, NewMetricsServer(collector), testLogger())

		routes := srv.Engine().Routes()
		paths := make([]string, 0, len(routes))
		for _, route := range routes {
			paths = append(paths, route.Path)
		}
		Expect(paths).To(ConsistOf("/healthz", "/readyz", "/metrics"))
	})
})
