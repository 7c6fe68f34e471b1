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

// Package server provides the HTTP surface of the scaler: health checks,
// readiness, and Prometheus metrics.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

// ReadinessReporter tells the health checker whether the scaler loop is
// ready to serve, i.e. it holds a calendar snapshot and has completed a tick.
type ReadinessReporter interface {
	Ready() bool
}

// HealthChecker backs the /healthz and /readyz endpoints.
type HealthChecker struct {
	kubeClient kubernetes.Interface
	readiness  ReadinessReporter
	namespace  string
	startTime  time.Time

	mu              sync.RWMutex
	unhealthyReason string
	notReadyReason  string
}

// NewHealthChecker creates a health checker. readiness may be nil, in which
// case the loop readiness check always passes.
func NewHealthChecker(kubeClient kubernetes.Interface, readiness ReadinessReporter, namespace string) *HealthChecker {
	return &HealthChecker{
		kubeClient: kubeClient,
		readiness:  readiness,
		namespace:  namespace,
		startTime:  time.Now(),
	}
}

// HealthzHandler implements the /healthz endpoint. It answers 200 as long
// as the process runs and the Kubernetes API is reachable.
func (h *HealthChecker) HealthzHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	h.mu.RLock()
	unhealthyReason := h.unhealthyReason
	h.mu.RUnlock()

	uptime := time.Since(h.startTime)

	if unhealthyReason != "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unhealthy",
			"reason": unhealthyReason,
			"uptime": uptime.String(),
		})
		return
	}

	if err := h.checkKubernetesAPI(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":    "unhealthy",
			"component": "kubernetes-api",
			"error":     err.Error(),
			"uptime":    uptime.String(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"uptime": uptime.String(),
		"checks": gin.H{
			"kubernetes-api": "ok",
			"scaler":         "running",
		},
	})
}

// ReadyzHandler implements the /readyz endpoint. Readiness additionally
// requires namespace access and a scaler loop that has completed its first
// tick with calendar data.
func (h *HealthChecker) ReadyzHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	h.mu.RLock()
	notReadyReason := h.notReadyReason
	h.mu.RUnlock()

	checks := make(map[string]string)
	ready := true

	if notReadyReason != "" {
		checks["manual-check"] = fmt.Sprintf("not ready: %s", notReadyReason)
		ready = false
	}

	if err := h.checkKubernetesAPI(ctx); err != nil {
		checks["kubernetes-api"] = fmt.Sprintf("failed: %v", err)
		ready = false
	} else {
		checks["kubernetes-api"] = "ok"
	}

	if err := h.checkNamespaceAccess(ctx); err != nil {
		checks["namespace-access"] = fmt.Sprintf("failed: %v", err)
		ready = false
	} else {
		checks["namespace-access"] = "ok"
	}

	if h.readiness != nil && !h.readiness.Ready() {
		checks["scaler-loop"] = "waiting for first successful tick"
		ready = false
	} else {
		checks["scaler-loop"] = "ok"
	}

	status := "ready"
	statusCode := http.StatusOK
	if !ready {
		status = "not ready"
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, gin.H{
		"status": status,
		"checks": checks,
		"uptime": time.Since(h.startTime).String(),
	})
}

// SetUnhealthy forces /healthz to fail with the given reason.
func (h *HealthChecker) SetUnhealthy(reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unhealthyReason = reason
}

// SetNotReady forces /readyz to fail with the given reason.
func (h *HealthChecker) SetNotReady(reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.notReadyReason = reason
}

// ClearUnhealthy clears a forced unhealthy state.
func (h *HealthChecker) ClearUnhealthy() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unhealthyReason = ""
}

// ClearNotReady clears a forced not-ready state.
func (h *HealthChecker) ClearNotReady() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.notReadyReason = ""
}

func (h *HealthChecker) checkKubernetesAPI(_ context.Context) error {
	if h.kubeClient == nil {
		return fmt.Errorf("kubernetes client not initialized")
	}

	// Server version is the cheapest round-trip available.
	if _, err := h.kubeClient.Discovery().ServerVersion(); err != nil {
		return fmt.Errorf("failed to connect to kubernetes API: %w", err)
	}
	return nil
}

func (h *HealthChecker) checkNamespaceAccess(ctx context.Context) error {
	if h.namespace == "" {
		return fmt.Errorf("namespace not configured")
	}

	if _, err := h.kubeClient.CoreV1().Namespaces().Get(ctx, h.namespace, metav1.GetOptions{}); err != nil {
		return fmt.Errorf("failed to access namespace %s: %w", h.namespace, err)
	}
	return nil
}
