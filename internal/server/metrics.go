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
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ahoma/placeholder-scaler/pkg/metrics"
)

// MetricsServer serves the scaler's Prometheus metrics over /metrics.
type MetricsServer struct {
	collector *metrics.Collector
	registry  *prometheus.Registry

	mu              sync.RWMutex
	collectionError string
	lastServed      time.Time
}

// NewMetricsServer creates a metrics server backed by its own registry.
// The collector's metrics are registered with both this registry and the
// controller-runtime global one.
func NewMetricsServer(collector *metrics.Collector) *MetricsServer {
	registry := prometheus.NewRegistry()
	if collector != nil {
		collector.RegisterMetrics(registry)
		collector.RegisterMetrics(nil)
	}

	return &MetricsServer{
		collector: collector,
		registry:  registry,
	}
}

// MetricsHandler implements the /metrics endpoint in Prometheus text format.
func (m *MetricsServer) MetricsHandler(c *gin.Context) {
	m.mu.RLock()
	collectionError := m.collectionError
	m.mu.RUnlock()

	if collectionError != "" {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":  "metrics collection failed",
			"reason": collectionError,
		})
		return
	}

	handler := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
		Registry:      m.registry,
		Timeout:       30 * time.Second,
	})
	gin.WrapH(handler)(c)

	m.mu.Lock()
	m.lastServed = time.Now()
	m.mu.Unlock()
}

// SetCollectionError makes /metrics fail until cleared.
func (m *MetricsServer) SetCollectionError(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.collectionError = reason
}

// ClearCollectionError clears a forced collection error.
func (m *MetricsServer) ClearCollectionError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.collectionError = ""
}

// LastServed returns when metrics were last scraped.
func (m *MetricsServer) LastServed() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastServed
}

// GetRegistry returns the Prometheus registry for advanced usage.
func (m *MetricsServer) GetRegistry() *prometheus.Registry {
	return m.registry
}
