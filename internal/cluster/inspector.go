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

// Package cluster reads node and pod state to report per-pool capacity.
// The numbers feed the capacity gauges; scaling decisions never depend on
// them, so every read here degrades gracefully when the API misbehaves.
package cluster

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

// UnknownPool groups nodes that carry no pool label.
const UnknownPool = "unknown-pool"

// NodeResources summarizes one node's capacity from the scheduler's point
// of view: allocatable minus the sum of pod container requests.
type NodeResources struct {
	Pool string

	AllocatableCPUMilli int64
	AllocatableMemMi    int64
	RequestedCPUMilli   int64
	RequestedMemMi      int64
	FreeCPUMilli        int64
	FreeMemMi           int64
	FreeCPURatio        float64
	FreeMemRatio        float64
}

// Inspector answers capacity questions about the cluster's node pools.
type Inspector struct {
	clientset kubernetes.Interface
	labelKey  string
	log       logr.Logger
}

// NewInspector creates an Inspector grouping nodes by the given label key.
func NewInspector(clientset kubernetes.Interface, labelKey string, log logr.Logger) *Inspector {
	return &Inspector{
		clientset: clientset,
		labelKey:  labelKey,
		log:       log.WithName("cluster"),
	}
}

// NodePoolMapping maps every node name to its pool. Nodes without the pool
// label land in UnknownPool so capacity on them stays visible.
func (i *Inspector) NodePoolMapping(ctx context.Context) (map[string]string, error) {
	nodes, err := i.clientset.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("listing nodes: %w", err)
	}

	mapping := make(map[string]string, len(nodes.Items))
	for idx := range nodes.Items {
		node := &nodes.Items[idx]
		pool := node.Labels[i.labelKey]
		if pool == "" {
			pool = UnknownPool
		}
		mapping[node.Name] = pool
	}
	return mapping, nil
}

// AllocatableByPool returns each node's allocatable CPU (millicores) and
// memory (MiB), grouped by pool. Nodes missing from the mapping are
// reported under UnknownPool.
func (i *Inspector) AllocatableByPool(ctx context.Context, mapping map[string]string) (map[string]map[string]NodeResources, error) {
	nodes, err := i.clientset.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("listing nodes: %w", err)
	}

	result := make(map[string]map[string]NodeResources)
	for idx := range nodes.Items {
		node := &nodes.Items[idx]
		pool := mapping[node.Name]
		if pool == "" {
			pool = UnknownPool
		}

		cpu := node.Status.Allocatable.Cpu()
		mem := node.Status.Allocatable.Memory()

		if result[pool] == nil {
			result[pool] = make(map[string]NodeResources)
		}
		result[pool][node.Name] = NodeResources{
			Pool:                pool,
			AllocatableCPUMilli: cpu.MilliValue(),
			AllocatableMemMi:    mem.Value() >> 20,
		}
	}
	return result, nil
}

// RequestedByPool sums pod container requests per node, grouped by pool.
// Pods not yet scheduled to a node are skipped.
func (i *Inspector) RequestedByPool(ctx context.Context, mapping map[string]string) (map[string]map[string]NodeResources, error) {
	pods, err := i.clientset.CoreV1().Pods(metav1.NamespaceAll).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("listing pods: %w", err)
	}

	result := make(map[string]map[string]NodeResources)
	for idx := range pods.Items {
		pod := &pods.Items[idx]
		nodeName := pod.Spec.NodeName
		if nodeName == "" {
			continue
		}

		pool := mapping[nodeName]
		if pool == "" {
			pool = UnknownPool
		}

		var cpuMilli, memBytes int64
		for c := range pod.Spec.Containers {
			requests := pod.Spec.Containers[c].Resources.Requests
			if cpu, ok := requests[corev1.ResourceCPU]; ok {
				cpuMilli += cpu.MilliValue()
			}
			if mem, ok := requests[corev1.ResourceMemory]; ok {
				memBytes += mem.Value()
			}
		}

		if result[pool] == nil {
			result[pool] = make(map[string]NodeResources)
		}
		current := result[pool][nodeName]
		current.Pool = pool
		current.RequestedCPUMilli += cpuMilli
		current.RequestedMemMi += memBytes >> 20
		result[pool][nodeName] = current
	}
	return result, nil
}

// UsableResources combines allocatable and requested into free capacity per
// node, grouped by pool. Free ratios are zero when allocatable is zero.
func (i *Inspector) UsableResources(ctx context.Context) (map[string]map[string]NodeResources, error) {
	mapping, err := i.NodePoolMapping(ctx)
	if err != nil {
		return nil, err
	}
	allocatable, err := i.AllocatableByPool(ctx, mapping)
	if err != nil {
		return nil, err
	}
	requested, err := i.RequestedByPool(ctx, mapping)
	if err != nil {
		return nil, err
	}

	result := make(map[string]map[string]NodeResources, len(allocatable))
	for pool, nodes := range allocatable {
		result[pool] = make(map[string]NodeResources, len(nodes))
		for name, alloc := range nodes {
			req := requested[pool][name]

			usable := NodeResources{
				Pool:                pool,
				AllocatableCPUMilli: alloc.AllocatableCPUMilli,
				AllocatableMemMi:    alloc.AllocatableMemMi,
				RequestedCPUMilli:   req.RequestedCPUMilli,
				RequestedMemMi:      req.RequestedMemMi,
				FreeCPUMilli:        alloc.AllocatableCPUMilli - req.RequestedCPUMilli,
				FreeMemMi:           alloc.AllocatableMemMi - req.RequestedMemMi,
			}
			if alloc.AllocatableCPUMilli > 0 {
				usable.FreeCPURatio = float64(usable.FreeCPUMilli) / float64(alloc.AllocatableCPUMilli)
			}
			if alloc.AllocatableMemMi > 0 {
				usable.FreeMemRatio = float64(usable.FreeMemMi) / float64(alloc.AllocatableMemMi)
			}
			result[pool][name] = usable
		}
	}
	return result, nil
}

// PlaceholderPodRunning reports whether a running pod matching the label
// selector sits on the given node. API errors read as "not running".
func (i *Inspector) PlaceholderPodRunning(ctx context.Context, nodeName, namespace, labelSelector string) bool {
	pods, err := i.clientset.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{
		LabelSelector: labelSelector,
	})
	if err != nil {
		i.log.Error(err, "Failed to list placeholder pods", "node", nodeName, "namespace", namespace)
		return false
	}

	for idx := range pods.Items {
		pod := &pods.Items[idx]
		if pod.Spec.NodeName == nodeName && pod.Status.Phase == corev1.PodRunning {
			return true
		}
	}
	return false
}

// IsUnschedulable reports whether a node is cordoned. API errors read as
// schedulable so a flaky control plane never pins capacity reports.
func (i *Inspector) IsUnschedulable(ctx context.Context, nodeName string) bool {
	node, err := i.clientset.CoreV1().Nodes().Get(ctx, nodeName, metav1.GetOptions{})
	if err != nil {
		i.log.Error(err, "Failed to read node", "node", nodeName)
		return false
	}
	return node.Spec.Unschedulable
}
