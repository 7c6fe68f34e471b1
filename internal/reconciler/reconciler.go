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

// Package reconciler drives placeholder Deployments toward the desired
// replica count for each node pool. It owns all writes against the apps/v1
// API: a Deployment is created when a pool first needs capacity and patched
// when its replica count drifts, and is otherwise left untouched.
package reconciler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/utils/ptr"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"golang.org/x/time/rate"

	"github.com/ahoma/placeholder-scaler/internal/config"
)

const (
	// managedByLabel marks Deployments owned by the scaler
	managedByLabel = "app.kubernetes.io/managed-by"
	managedByValue = "placeholder-scaler"

	// poolLabel records which node pool a placeholder Deployment backs
	poolLabel = "placeholder-scaler.ahoma.dev/pool"

	componentLabel = "component"
	componentValue = "placeholder"
)

// Action describes what a reconcile pass did to a pool's Deployment.
type Action string

const (
	// ActionNone means the Deployment already matched the desired state
	ActionNone Action = "none"
	// ActionCreate means a missing Deployment was created
	ActionCreate Action = "create"
	// ActionScale means an existing Deployment's replicas were patched
	ActionScale Action = "scale"
)

// Op identifies the API operation that failed inside a reconcile pass.
type Op string

const (
	OpGet    Op = "get"
	OpCreate Op = "create"
	OpPatch  Op = "patch"
)

// Error wraps an API failure for a single pool. Errors are reported and the
// pool is retried on the next tick; one pool's failure never blocks another.
type Error struct {
	Pool string
	Op   Op
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("reconcile %s for pool %q: %v", e.Op, e.Pool, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// MetricsRecorder receives the outcome of each reconcile pass.
type MetricsRecorder interface {
	RecordReconciliation(pool string, action string, err error)
	RecordReplicas(pool string, desired, observed int32)
}

// LastError captures the most recent reconcile failure for diagnostics.
type LastError struct {
	Err       error
	Pool      string
	Timestamp time.Time
}

// PoolReconciler converges one placeholder Deployment per node pool onto
// its desired replica count. Safe for concurrent use across pools.
type PoolReconciler struct {
	client.Client
	Namespace   string
	Placeholder config.PlaceholderConfig
	Metrics     MetricsRecorder

	// limiter throttles API writes across all pools
	limiter *rate.Limiter

	reconcileCount atomic.Int64
	errorCount     atomic.Int64

	lastError     *LastError
	lastErrorLock sync.RWMutex
}

// NewPoolReconciler creates a PoolReconciler writing to the given namespace.
// writeQPS/writeBurst bound the rate of create and patch calls.
func NewPoolReconciler(c client.Client, namespace string, placeholder config.PlaceholderConfig, writeQPS float64, writeBurst int) *PoolReconciler {
	if writeQPS <= 0 {
		writeQPS = 5
	}
	if writeBurst <= 0 {
		writeBurst = 10
	}
	return &PoolReconciler{
		Client:      c,
		Namespace:   namespace,
		Placeholder: placeholder,
		limiter:     rate.NewLimiter(rate.Limit(writeQPS), writeBurst),
	}
}

// Reconcile drives the pool's placeholder Deployment to desired replicas.
// It creates the Deployment if it is absent and demand is nonzero, patches
// only spec.replicas when the count drifts, and does nothing otherwise.
// Calling it twice with an unchanged desired count issues no writes on the
// second call.
func (r *PoolReconciler) Reconcile(ctx context.Context, pool *config.NodePoolConfig, desired int32) (Action, error) {
	r.reconcileCount.Add(1)

	if desired < 0 {
		desired = 0
	}

	name := pool.DeploymentName()
	key := types.NamespacedName{Namespace: r.Namespace, Name: name}

	var deployment appsv1.Deployment
	err := r.Get(ctx, key, &deployment)
	switch {
	case errors.IsNotFound(err):
		if desired == 0 {
			// Nothing to scale down; never create a zero-replica Deployment.
			r.recordOutcome(pool.Name, ActionNone, desired, 0, nil)
			return ActionNone, nil
		}
		return r.create(ctx, pool, desired)
	case err != nil:
		wrapped := r.fail(pool.Name, OpGet, err)
		r.recordOutcome(pool.Name, ActionNone, desired, 0, wrapped)
		return ActionNone, wrapped
	}

	observed := int32(0)
	if deployment.Spec.Replicas != nil {
		observed = *deployment.Spec.Replicas
	}

	if observed == desired {
		r.recordOutcome(pool.Name, ActionNone, desired, observed, nil)
		return ActionNone, nil
	}

	return r.patch(ctx, pool, &deployment, desired, observed)
}

func (r *PoolReconciler) create(ctx context.Context, pool *config.NodePoolConfig, desired int32) (Action, error) {
	if err := r.waitForWriteBudget(ctx, pool.Name, OpCreate); err != nil {
		r.recordOutcome(pool.Name, ActionCreate, desired, 0, err)
		return ActionNone, err
	}

	deployment := r.buildDeployment(pool, desired)
	if err := r.Create(ctx, deployment); err != nil {
		// Another writer may have raced us; treat as drift and retry next tick.
		wrapped := r.fail(pool.Name, OpCreate, err)
		r.recordOutcome(pool.Name, ActionCreate, desired, 0, wrapped)
		return ActionNone, wrapped
	}

	r.markRecovered()
	r.recordOutcome(pool.Name, ActionCreate, desired, desired, nil)
	return ActionCreate, nil
}

func (r *PoolReconciler) patch(ctx context.Context, pool *config.NodePoolConfig, deployment *appsv1.Deployment, desired, observed int32) (Action, error) {
	if err := r.waitForWriteBudget(ctx, pool.Name, OpPatch); err != nil {
		r.recordOutcome(pool.Name, ActionScale, desired, observed, err)
		return ActionNone, err
	}

	// Patch only the replica count. Any other drift on the Deployment spec
	// is preserved as-is so operators can adjust images or resources
	// out-of-band without a fight.
	patch := client.RawPatch(types.MergePatchType,
		[]byte(fmt.Sprintf(`{"spec":{"replicas":%d}}`, desired)))

	if err := r.Patch(ctx, deployment, patch); err != nil {
		wrapped := r.fail(pool.Name, OpPatch, err)
		r.recordOutcome(pool.Name, ActionScale, desired, observed, wrapped)
		return ActionNone, wrapped
	}

	r.markRecovered()
	r.recordOutcome(pool.Name, ActionScale, desired, desired, nil)
	return ActionScale, nil
}

// buildDeployment constructs the placeholder Deployment for a pool. The pod
// runs a pause container pinned to the pool via its node selector, with a
// memory request sized to reserve (most of) one node and a low-priority
// class so real workloads evict it.
func (r *PoolReconciler) buildDeployment(pool *config.NodePoolConfig, desired int32) *appsv1.Deployment {
	labels := map[string]string{
		managedByLabel: managedByValue,
		componentLabel: componentValue,
		poolLabel:      pool.Name,
	}

	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      pool.DeploymentName(),
			Namespace: r.Namespace,
			Labels:    labels,
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: ptr.To(desired),
			Selector: &metav1.LabelSelector{
				MatchLabels: map[string]string{poolLabel: pool.Name},
			},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: labels,
				},
				Spec: corev1.PodSpec{
					NodeSelector:      pool.NodeSelector,
					PriorityClassName: r.Placeholder.PriorityClassName,
					TerminationGracePeriodSeconds: ptr.To(int64(0)),
					Containers: []corev1.Container{
						{
							Name:  "placeholder",
							Image: r.Placeholder.Image,
							Resources: corev1.ResourceRequirements{
								Requests: corev1.ResourceList{
									corev1.ResourceMemory: pool.Memory,
								},
							},
						},
					},
				},
			},
		},
	}
}

// waitForWriteBudget blocks until the write limiter admits another API call
// or the context expires.
func (r *PoolReconciler) waitForWriteBudget(ctx context.Context, pool string, op Op) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return r.fail(pool, op, fmt.Errorf("waiting for write budget: %w", err))
	}
	return nil
}

func (r *PoolReconciler) recordOutcome(pool string, action Action, desired, observed int32, err error) {
	if r.Metrics == nil {
		return
	}
	r.Metrics.RecordReconciliation(pool, string(action), err)
	if err == nil {
		r.Metrics.RecordReplicas(pool, desired, observed)
	}
}

func (r *PoolReconciler) fail(pool string, op Op, err error) error {
	r.errorCount.Add(1)
	wrapped := &Error{Pool: pool, Op: op, Err: err}
	r.lastErrorLock.Lock()
	r.lastError = &LastError{Err: wrapped, Pool: pool, Timestamp: time.Now()}
	r.lastErrorLock.Unlock()
	return wrapped
}

func (r *PoolReconciler) markRecovered() {
	r.lastErrorLock.Lock()
	r.lastError = nil
	r.lastErrorLock.Unlock()
}

// GetReconcileCount returns the total number of reconcile passes performed.
func (r *PoolReconciler) GetReconcileCount() int64 {
	return r.reconcileCount.Load()
}

// GetErrorCount returns the total number of failed reconcile passes.
func (r *PoolReconciler) GetErrorCount() int64 {
	return r.errorCount.Load()
}

// GetLastError returns the most recent unrecovered failure, if any.
func (r *PoolReconciler) GetLastError() *LastError {
	r.lastErrorLock.RLock()
	defer r.lastErrorLock.RUnlock()
	return r.lastError
}

// ManagedBy returns the label selector matching Deployments this reconciler
// owns, for listing and for resource quota inspection.
func ManagedBy() client.MatchingLabels {
	return client.MatchingLabels{managedByLabel: managedByValue}
}
