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

	"github.com/gin-gonic/gin"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
)

// stubReadiness is a fixed-answer ReadinessReporter.
type stubReadiness bool

func (s stubReadiness) Ready() bool { return bool(s) }

var _ = Describe("HealthChecker", func() {
	var (
		engine  *gin.Engine
		checker *HealthChecker
	)

	newEngine := func(c *HealthChecker) *gin.Engine {
		e := gin.New()
		e.GET("/healthz", c.HealthzHandler)
		e.GET("/readyz", c.ReadyzHandler)
		return e
	}

	supportNamespace := &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{Name: "support"},
	}

	BeforeEach(func() {
		clientset := fake.NewSimpleClientset(supportNamespace)
		checker = NewHealthChecker(clientset, stubReadiness(true), "support")
		engine = newEngine(checker)
	})

	Describe("/healthz", func() {
		It("should report healthy with a reachable API", func() {
			recorder := performRequest(engine, http.MethodGet, "/healthz")
			Expect(recorder.Code).To(Equal(http.StatusOK))

			var body map[string]any
			Expect(parseJSONResponse(recorder, &body)).To(Succeed())
			Expect(body["status"]).To(Equal("healthy"))
			Expect(body).To(HaveKey("uptime"))
		})

		It("should report unhealthy when manually forced", func() {
			checker.SetUnhealthy("draining")

			recorder := performRequest(engine, http.MethodGet, "/healthz")
			Expect(recorder.Code).To(Equal(http.StatusServiceUnavailable))

			var body map[string]any
			Expect(parseJSONResponse(recorder, &body)).To(Succeed())
			Expect(body["status"]).To(Equal("unhealthy"))
			Expect(body["reason"]).To(Equal("draining"))
		})

		It("should recover after the forced state is cleared", func() {
			checker.SetUnhealthy("draining")
			checker.ClearUnhealthy()

			recorder := performRequest(engine, http.MethodGet, "/healthz")
			Expect(recorder.Code).To(Equal(http.StatusOK))
		})

		It("should report unhealthy without a kubernetes client", func() {
			broken := NewHealthChecker(nil, nil, "support")

			recorder := performRequest(newEngine(broken), http.MethodGet, "/healthz")
			Expect(recorder.Code).To(Equal(http.StatusServiceUnavailable))
		})
	})

	Describe("/readyz", func() {
		It("should report ready when all checks pass", func() {
			recorder := performRequest(engine, http.MethodGet, "/readyz")
			Expect(recorder.Code).To(Equal(http.StatusOK))

			var body map[string]any
			Expect(parseJSONResponse(recorder, &body)).To(Succeed())
			Expect(body["status"]).To(Equal("ready"))

			checks := body["checks"].(map[string]any)
			Expect(checks["kubernetes-api"]).To(Equal("ok"))
			Expect(checks["namespace-access"]).To(Equal("ok"))
			Expect(checks["scaler-loop"]).To(Equal("ok"))
		})

		It("should report not ready before the scaler loop's first tick", func() {
			clientset := fake.NewSimpleClientset(supportNamespace)
			waiting := NewHealthChecker(clientset, stubReadiness(false), "support")

			recorder := performRequest(newEngine(waiting), http.MethodGet, "/readyz")
			Expect(recorder.Code).To(Equal(http.StatusServiceUnavailable))

			var body map[string]any
			Expect(parseJSONResponse(recorder, &body)).To(Succeed())
			checks := body["checks"].(map[string]any)
			Expect(checks["scaler-loop"]).To(ContainSubstring("waiting"))
		})

		It("should report not ready when the namespace is missing", func() {
			clientset := fake.NewSimpleClientset()
			missing := NewHealthChecker(clientset, stubReadiness(true), "nope")

			recorder := performRequest(newEngine(missing), http.MethodGet, "/readyz")
			Expect(recorder.Code).To(Equal(http.StatusServiceUnavailable))
		})

		It("should report not ready when manually forced", func() {
			checker.SetNotReady("config reload in flight")

			recorder := performRequest(engine, http.MethodGet, "/readyz")
			Expect(recorder.Code).To(Equal(http.StatusServiceUnavailable))

			checker.ClearNotReady()
			recorder = performRequest(engine, http.MethodGet, "/readyz")
			Expect(recorder.Code).To(Equal(http.StatusOK))
		})

		It("should pass the loop check when no reporter is wired", func() {
			clientset := fake.NewSimpleClientset(supportNamespace)
			noReporter := NewHealthChecker(clientset, nil, "support")

			recorder := performRequest(newEngine(noReporter), http.MethodGet, "/readyz")
			Expect(recorder.Code).To(Equal(http.StatusOK))
		})
	})
})
