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

package reconciler

import (
	"context"
	"fmt"
	"sync/atomic"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"
	"sigs.k8s.io/controller-runtime/pkg/client/interceptor"

	"github.com/ahoma/placeholder-scaler/internal/config"
)

// countingRecorder captures reconcile outcomes for assertions.
type countingRecorder struct {
	reconciliations []recordedReconciliation
	lastDesired     map[string]int32
}

type recordedReconciliation struct {
	pool   string
	action string
	err    error
}

func (c *countingRecorder) RecordReconciliation(pool, action string, err error) {
	c.reconciliations = append(c.reconciliations, recordedReconciliation{pool, action, err})
}

func (c *countingRecorder) RecordReplicas(pool string, desired, _ int32) {
	if c.lastDesired == nil {
		c.lastDesired = map[string]int32{}
	}
	c.lastDesired[pool] = desired
}

var _ = Describe("PoolReconciler", func() {
	var (
		ctx        context.Context
		scheme     *runtime.Scheme
		fakeClient client.Client
		recorder   *countingRecorder
		pool       config.NodePoolConfig
	)

	const namespace = "support"

	placeholder := config.PlaceholderConfig{
		Image:             "registry.k8s.io/pause:3.10",
		PriorityClassName: "node-placeholder",
	}

	newReconciler := func(c client.Client) *PoolReconciler {
		r := NewPoolReconciler(c, namespace, placeholder, 100, 100)
		r.Metrics = recorder
		return r
	}

	getDeployment := func(c client.Client, name string) (*appsv1.Deployment, error) {
		var deployment appsv1.Deployment
		err := c.Get(ctx, types.NamespacedName{Namespace: namespace, Name: name}, &deployment)
		if err != nil {
			return nil, err
		}
		return &deployment, nil
	}

	BeforeEach(func() {
		ctx = context.Background()
		scheme = runtime.NewScheme()
		Expect(appsv1.AddToScheme(scheme)).To(Succeed())
		Expect(corev1.AddToScheme(scheme)).To(Succeed())

		fakeClient = fake.NewClientBuilder().WithScheme(scheme).Build()
		recorder = &countingRecorder{}

		pool = config.NodePoolConfig{
			Name:          "base",
			BaseReplicas:  0,
			NodeSelector:  map[string]string{"hub.jupyter.org/pool-name": "base"},
			MemoryRequest: "56Gi",
			Memory:        resource.MustParse("56Gi"),
		}
	})

	Describe("Reconcile", func() {
		Context("when the Deployment is absent", func() {
			It("creates it with the desired replica count and pool shape", func() {
				r := newReconciler(fakeClient)

				action, err := r.Reconcile(ctx, &pool, 3)
				Expect(err).NotTo(HaveOccurred())
				Expect(action).To(Equal(ActionCreate))

				deployment, err := getDeployment(fakeClient, "base-placeholder")
				Expect(err).NotTo(HaveOccurred())
				Expect(*deployment.Spec.Replicas).To(Equal(int32(3)))

				podSpec := deployment.Spec.Template.Spec
				Expect(podSpec.NodeSelector).To(Equal(pool.NodeSelector))
				Expect(podSpec.PriorityClassName).To(Equal("node-placeholder"))
				Expect(podSpec.Containers).To(HaveLen(1))
				Expect(podSpec.Containers[0].Image).To(Equal("registry.k8s.io/pause:3.10"))

				memory := podSpec.Containers[0].Resources.Requests[corev1.ResourceMemory]
				Expect(memory.Value()).To(Equal(int64(56 << 30)))
			})

			It("does not create anything when desired is zero", func() {
				r := newReconciler(fakeClient)

				action, err := r.Reconcile(ctx, &pool, 0)
				Expect(err).NotTo(HaveOccurred())
				Expect(action).To(Equal(ActionNone))

				var deployments appsv1.DeploymentList
				Expect(fakeClient.List(ctx, &deployments, client.InNamespace(namespace))).To(Succeed())
				Expect(deployments.Items).To(BeEmpty())
			})
		})

		Context("when the Deployment exists with a different replica count", func() {
			BeforeEach(func() {
				r := newReconciler(fakeClient)
				_, err := r.Reconcile(ctx, &pool, 2)
				Expect(err).NotTo(HaveOccurred())
			})

			It("patches only the replica count", func() {
				// Simulate out-of-band drift on a field we do not own.
				deployment, err := getDeployment(fakeClient, "base-placeholder")
				Expect(err).NotTo(HaveOccurred())
				deployment.Annotations = map[string]string{"operated-by": "someone-else"}
				Expect(fakeClient.Update(ctx, deployment)).To(Succeed())

				r := newReconciler(fakeClient)
				action, err := r.Reconcile(ctx, &pool, 5)
				Expect(err).NotTo(HaveOccurred())
				Expect(action).To(Equal(ActionScale))

				deployment, err = getDeployment(fakeClient, "base-placeholder")
				Expect(err).NotTo(HaveOccurred())
				Expect(*deployment.Spec.Replicas).To(Equal(int32(5)))
				Expect(deployment.Annotations).To(HaveKeyWithValue("operated-by", "someone-else"))
			})

			It("scales down to zero without deleting the Deployment", func() {
				r := newReconciler(fakeClient)
				action, err := r.Reconcile(ctx, &pool, 0)
				Expect(err).NotTo(HaveOccurred())
				Expect(action).To(Equal(ActionScale))

				deployment, err := getDeployment(fakeClient, "base-placeholder")
				Expect(err).NotTo(HaveOccurred())
				Expect(*deployment.Spec.Replicas).To(Equal(int32(0)))
			})
		})

		Context("when the Deployment already matches", func() {
			It("issues no writes on repeated reconciles", func() {
				var writes atomic.Int64
				counting := fake.NewClientBuilder().
					WithScheme(scheme).
					WithInterceptorFuncs(interceptor.Funcs{
						Create: func(ctx context.Context, c client.WithWatch, obj client.Object, opts ...client.CreateOption) error {
							writes.Add(1)
							return c.Create(ctx, obj, opts...)
						},
						Patch: func(ctx context.Context, c client.WithWatch, obj client.Object, patch client.Patch, opts ...client.PatchOption) error {
							writes.Add(1)
							return c.Patch(ctx, obj, patch, opts...)
						},
					}).
					Build()

				r := newReconciler(counting)

				action, err := r.Reconcile(ctx, &pool, 4)
				Expect(err).NotTo(HaveOccurred())
				Expect(action).To(Equal(ActionCreate))
				Expect(writes.Load()).To(Equal(int64(1)))

				action, err = r.Reconcile(ctx, &pool, 4)
				Expect(err).NotTo(HaveOccurred())
				Expect(action).To(Equal(ActionNone))
				Expect(writes.Load()).To(Equal(int64(1)))
				Expect(r.GetReconcileCount()).To(Equal(int64(2)))
			})
		})

		Context("when the API server rejects writes", func() {
			It("wraps create failures with the pool and operation", func() {
				failing := fake.NewClientBuilder().
					WithScheme(scheme).
					WithInterceptorFuncs(interceptor.Funcs{
						Create: func(_ context.Context, _ client.WithWatch, _ client.Object, _ ...client.CreateOption) error {
							return fmt.Errorf("admission denied")
						},
					}).
					Build()

				r := newReconciler(failing)

				action, err := r.Reconcile(ctx, &pool, 2)
				Expect(action).To(Equal(ActionNone))

				var reconcileErr *Error
				Expect(err).To(HaveOccurred())
				Expect(err).To(BeAssignableToTypeOf(reconcileErr))
				reconcileErr = err.(*Error)
				Expect(reconcileErr.Pool).To(Equal("base"))
				Expect(reconcileErr.Op).To(Equal(OpCreate))

				Expect(r.GetErrorCount()).To(Equal(int64(1)))
				Expect(r.GetLastError()).NotTo(BeNil())
			})

			It("wraps patch failures and leaves the Deployment untouched", func() {
				seeded := newReconciler(fakeClient)
				_, err := seeded.Reconcile(ctx, &pool, 2)
				Expect(err).NotTo(HaveOccurred())

				failing := fake.NewClientBuilder().
					WithScheme(scheme).
					WithObjects(mustGet(ctx, fakeClient, namespace, "base-placeholder")).
					WithInterceptorFuncs(interceptor.Funcs{
						Patch: func(_ context.Context, _ client.WithWatch, _ client.Object, _ client.Patch, _ ...client.PatchOption) error {
							return fmt.Errorf("conflict")
						},
					}).
					Build()

				r := newReconciler(failing)
				_, err = r.Reconcile(ctx, &pool, 6)

				var reconcileErr *Error
				Expect(err).To(HaveOccurred())
				Expect(err).To(BeAssignableToTypeOf(reconcileErr))
				Expect(err.(*Error).Op).To(Equal(OpPatch))

				deployment, err := getDeployment(failing, "base-placeholder")
				Expect(err).NotTo(HaveOccurred())
				Expect(*deployment.Spec.Replicas).To(Equal(int32(2)))
			})
		})

		It("records outcomes through the metrics recorder", func() {
			r := newReconciler(fakeClient)

			_, err := r.Reconcile(ctx, &pool, 2)
			Expect(err).NotTo(HaveOccurred())
			_, err = r.Reconcile(ctx, &pool, 2)
			Expect(err).NotTo(HaveOccurred())

			Expect(recorder.reconciliations).To(HaveLen(2))
			Expect(recorder.reconciliations[0].action).To(Equal(string(ActionCreate)))
			Expect(recorder.reconciliations[1].action).To(Equal(string(ActionNone)))
			Expect(recorder.lastDesired).To(HaveKeyWithValue("base", int32(2)))
		})
	})
})

// mustGet fetches a Deployment for seeding a second fake client.
func mustGet(ctx context.Context, c client.Client, namespace, name string) *appsv1.Deployment {
	var deployment appsv1.Deployment
	Expect(c.Get(ctx, types.NamespacedName{Namespace: namespace, Name: name}, &deployment)).To(Succeed())
	deployment.ResourceVersion = ""
	return &deployment
}

var _ = Describe("ManagedBy", func() {
	It("selects the managed-by label", func() {
		Expect(ManagedBy()).To(Equal(client.MatchingLabels{
			"app.kubernetes.io/managed-by": "placeholder-scaler",
		}))
	})
})

var _ = Describe("Error", func() {
	It("formats the pool and operation and unwraps the cause", func() {
		cause := fmt.Errorf("boom")
		err := &Error{Pool: "gpu", Op: OpPatch, Err: cause}

		Expect(err.Error()).To(ContainSubstring(`pool "gpu"`))
		Expect(err.Error()).To(ContainSubstring("patch"))
		Expect(err.Unwrap()).To(Equal(cause))
	})
})

var _ = Describe("buildDeployment", func() {
	It("keeps the selector immutable across reconciles", func() {
		// Selectors are immutable in apps/v1; the reconciler must never try
		// to change one, so create and patch paths share the same labels.
		p := config.NodePoolConfig{
			Name:          "gpu",
			NodeSelector:  map[string]string{"hub.jupyter.org/pool-name": "gpu"},
			MemoryRequest: "16Gi",
			Memory:        resource.MustParse("16Gi"),
		}
		r := &PoolReconciler{Placeholder: config.PlaceholderConfig{Image: "img"}, Namespace: "support"}
		d := r.buildDeployment(&p, 1)

		Expect(d.Spec.Selector).To(Equal(&metav1.LabelSelector{
			MatchLabels: map[string]string{"placeholder-scaler.ahoma.dev/pool": "gpu"},
		}))
		Expect(d.Spec.Template.Labels).To(HaveKeyWithValue("placeholder-scaler.ahoma.dev/pool", "gpu"))
	})
})
