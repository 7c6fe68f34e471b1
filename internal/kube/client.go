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

// Package kube builds the Kubernetes clients the scaler uses: a typed
// clientset for read-side capacity inspection and a controller-runtime
// client for Deployment writes.
package kube

import (
	"fmt"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/ahoma/placeholder-scaler/internal/config"
)

// ClientManager holds the configured Kubernetes clients.
type ClientManager struct {
	restConfig *rest.Config
	kubeClient kubernetes.Interface
	ctrlClient client.Client
	scheme     *runtime.Scheme
}

// userAgent identifies the scaler in API server audit logs.
const userAgent = "placeholder-scaler"

// NewClientManager creates clients from an explicit kubeconfig path when
// one is configured, otherwise the in-cluster config with the default
// loading rules as fallback.
func NewClientManager(cfg config.KubernetesConfig) (*ClientManager, error) {
	restConfig, err := buildRESTConfig(cfg.Kubeconfig)
	if err != nil {
		return nil, err
	}

	restConfig.QPS = cfg.QPS
	restConfig.Burst = cfg.Burst
	restConfig.UserAgent = userAgent

	scheme := runtime.NewScheme()
	if err := appsv1.AddToScheme(scheme); err != nil {
		return nil, fmt.Errorf("registering apps/v1 types: %w", err)
	}
	if err := corev1.AddToScheme(scheme); err != nil {
		return nil, fmt.Errorf("registering core/v1 types: %w", err)
	}

	kubeClient, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("creating kubernetes clientset: %w", err)
	}

	ctrlClient, err := client.New(restConfig, client.Options{Scheme: scheme})
	if err != nil {
		return nil, fmt.Errorf("creating controller client: %w", err)
	}

	return &ClientManager{
		restConfig: restConfig,
		kubeClient: kubeClient,
		ctrlClient: ctrlClient,
		scheme:     scheme,
	}, nil
}

func buildRESTConfig(kubeconfig string) (*rest.Config, error) {
	if kubeconfig != "" {
		restConfig, err := clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("loading kubeconfig from %s: %w", kubeconfig, err)
		}
		return restConfig, nil
	}

	restConfig, err := ctrl.GetConfig()
	if err != nil {
		return nil, fmt.Errorf("getting kubernetes config: %w", err)
	}
	return restConfig, nil
}

// GetRESTConfig returns the REST configuration.
func (m *ClientManager) GetRESTConfig() *rest.Config {
	return m.restConfig
}

// GetKubernetesClient returns the typed clientset.
func (m *ClientManager) GetKubernetesClient() kubernetes.Interface {
	return m.kubeClient
}

// GetControllerClient returns the controller-runtime client.
func (m *ClientManager) GetControllerClient() client.Client {
	return m.ctrlClient
}

// GetScheme returns the runtime scheme shared by the clients.
func (m *ClientManager) GetScheme() *runtime.Scheme {
	return m.scheme
}
