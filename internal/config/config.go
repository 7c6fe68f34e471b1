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

// Package config defines the typed configuration for the placeholder scaler
// and its loading from YAML files and environment variables. Configuration
// is immutable after load: every problem it can detect is fatal at startup,
// never mid-loop.
package config

import (
	"fmt"
	"regexp"
	"time"

	"github.com/robfig/cron/v3"
	"k8s.io/apimachinery/pkg/api/resource"
)

// Error represents a fatal configuration problem detected at startup.
type Error struct {
	Reason string
}

func (e *Error) Error() string {
	return "config: " + e.Reason
}

func errorf(format string, args ...interface{}) *Error {
	return &Error{Reason: fmt.Sprintf(format, args...)}
}

// dnsLabel matches names usable as a Kubernetes object name segment.
var dnsLabel = regexp.MustCompile(`^[a-z0-9]([-a-z0-9]*[a-z0-9])?$`)

// Config is the complete scaler configuration.
type Config struct {
	// Calendar configuration
	Calendar CalendarConfig `yaml:"calendar" json:"calendar"`

	// Scaler control loop configuration
	Scaler ScalerConfig `yaml:"scaler" json:"scaler"`

	// Kubernetes client configuration
	Kubernetes KubernetesConfig `yaml:"kubernetes" json:"kubernetes"`

	// HTTP server configuration
	Server ServerConfig `yaml:"server" json:"server"`

	// Logging configuration
	Logging LoggingConfig `yaml:"logging" json:"logging"`

	// Pools lists the node pools to reserve capacity on
	Pools []NodePoolConfig `yaml:"nodePools" json:"nodePools"`
}

// CalendarConfig configures the calendar feed.
type CalendarConfig struct {
	// Source is the calendar location: an http(s) URL, a file:// URL,
	// or a bare filesystem path.
	Source string `yaml:"source" json:"source"`

	// RefreshInterval is how often the calendar is re-fetched. Calendars
	// change rarely, so this is independent of and slower than the
	// reconcile tick.
	RefreshInterval time.Duration `yaml:"refreshInterval" json:"refreshInterval"`

	// FetchTimeout bounds a single calendar fetch.
	FetchTimeout time.Duration `yaml:"fetchTimeout" json:"fetchTimeout"`

	// Horizon is how far ahead recurring events are expanded.
	Horizon time.Duration `yaml:"horizon" json:"horizon"`

	// WatchFile enables an fsnotify watcher for file-backed calendars so
	// edits are picked up without waiting for the refresh interval.
	WatchFile bool `yaml:"watchFile" json:"watchFile"`
}

// ScalerConfig configures the control loop and placeholder deployments.
type ScalerConfig struct {
	// Namespace is where placeholder deployments live.
	Namespace string `yaml:"namespace" json:"namespace"`

	// TickInterval is the reconciliation cadence.
	TickInterval time.Duration `yaml:"tickInterval" json:"tickInterval"`

	// APICallTimeout bounds each Kubernetes API call made during a tick.
	APICallTimeout time.Duration `yaml:"apiCallTimeout" json:"apiCallTimeout"`

	// NodePoolLabelKey is the node label holding the pool name, used for
	// capacity accounting.
	NodePoolLabelKey string `yaml:"nodePoolLabelKey" json:"nodePoolLabelKey"`

	// WriteQPS and WriteBurst rate-limit mutating API calls across pools.
	WriteQPS   float64 `yaml:"writeQPS" json:"writeQPS"`
	WriteBurst int     `yaml:"writeBurst" json:"writeBurst"`

	// Placeholder configures the pods the deployments run.
	Placeholder PlaceholderConfig `yaml:"placeholder" json:"placeholder"`
}

// PlaceholderConfig configures the placeholder pod template.
type PlaceholderConfig struct {
	// Image is the container image; anything that sleeps forever works.
	Image string `yaml:"image" json:"image"`

	// PriorityClassName must resolve to a negative-priority class so real
	// workloads preempt placeholders.
	PriorityClassName string `yaml:"priorityClassName" json:"priorityClassName"`
}

// KubernetesConfig contains Kubernetes client configuration.
type KubernetesConfig struct {
	Kubeconfig string  `yaml:"kubeconfig" json:"kubeconfig"`
	QPS        float32 `yaml:"qps" json:"qps"`
	Burst      int     `yaml:"burst" json:"burst"`
}

// ServerConfig configures the health and metrics HTTP server.
type ServerConfig struct {
	BindAddress string `yaml:"bindAddress" json:"bindAddress"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// NodePoolConfig identifies one node pool and its scaling inputs.
// Immutable once loaded.
type NodePoolConfig struct {
	// Name is the pool name. The placeholder deployment is named
	// "<name>-placeholder".
	Name string `yaml:"name" json:"name"`

	// NodeSelector pins placeholder pods to the pool's nodes.
	NodeSelector map[string]string `yaml:"nodeSelector" json:"nodeSelector"`

	// MemoryRequest is the per-pod memory request as a Kubernetes
	// quantity ("60929654784" or "56Gi").
	MemoryRequest string `yaml:"memoryRequest" json:"memoryRequest"`

	// BaseReplicas is the steady-state replica count. Zero means the
	// pool only scales up during calendar windows.
	BaseReplicas int32 `yaml:"baseReplicas" json:"baseReplicas"`

	// CalendarRules map event summaries to replica overrides.
	CalendarRules []CalendarRule `yaml:"calendarRules" json:"calendarRules"`

	// Schedules are cron-driven override windows evaluated in UTC.
	Schedules []ScheduleRule `yaml:"schedules" json:"schedules"`

	// Memory is the parsed MemoryRequest, populated by Validate.
	Memory resource.Quantity `yaml:"-" json:"-"`
}

// CalendarRule maps calendar event summaries to a replica override.
// Match is an exact string unless it ends in "*", which matches as a prefix.
type CalendarRule struct {
	Match    string `yaml:"match" json:"match"`
	Replicas int32  `yaml:"replicas" json:"replicas"`
}

// ScheduleRule is a recurring override window: a 5-field cron expression
// (UTC) plus a duration the window stays open.
type ScheduleRule struct {
	Schedule string `yaml:"schedule" json:"schedule"`
	Duration string `yaml:"duration" json:"duration"`
	Replicas int32  `yaml:"replicas" json:"replicas"`
}

// DeploymentName returns the deterministic placeholder deployment name for
// the pool.
func (p *NodePoolConfig) DeploymentName() string {
	return p.Name + "-placeholder"
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Calendar: CalendarConfig{
			RefreshInterval: 10 * time.Minute,
			FetchTimeout:    30 * time.Second,
			Horizon:         31 * 24 * time.Hour,
			WatchFile:       true,
		},
		Scaler: ScalerConfig{
			Namespace:        "support",
			TickInterval:     time.Minute,
			APICallTimeout:   10 * time.Second,
			NodePoolLabelKey: "hub.jupyter.org/pool-name",
			WriteQPS:         5.0,
			WriteBurst:       10,
			Placeholder: PlaceholderConfig{
				Image:             "registry.k8s.io/pause:3.10",
				PriorityClassName: "node-placeholder",
			},
		},
		Kubernetes: KubernetesConfig{
			QPS:   20.0,
			Burst: 30,
		},
		Server: ServerConfig{
			BindAddress: ":8080",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate checks the configuration and resolves derived fields. It returns
// a *Error describing the first problem found.
func (c *Config) Validate() error {
	if c.Calendar.Source == "" {
		return errorf("calendar.source is required")
	}
	if c.Calendar.RefreshInterval <= 0 {
		return errorf("calendar.refreshInterval must be positive")
	}
	if c.Calendar.FetchTimeout <= 0 {
		return errorf("calendar.fetchTimeout must be positive")
	}
	if c.Calendar.Horizon <= 0 {
		return errorf("calendar.horizon must be positive")
	}

	if c.Scaler.Namespace == "" {
		return errorf("scaler.namespace is required")
	}
	if c.Scaler.TickInterval <= 0 {
		return errorf("scaler.tickInterval must be positive")
	}
	if c.Calendar.RefreshInterval < c.Scaler.TickInterval {
		return errorf("calendar.refreshInterval must not be shorter than scaler.tickInterval")
	}
	if c.Scaler.APICallTimeout <= 0 {
		return errorf("scaler.apiCallTimeout must be positive")
	}
	if c.Scaler.NodePoolLabelKey == "" {
		return errorf("scaler.nodePoolLabelKey is required")
	}
	if c.Scaler.WriteQPS <= 0 {
		return errorf("scaler.writeQPS must be positive")
	}
	if c.Scaler.WriteBurst <= 0 {
		return errorf("scaler.writeBurst must be positive")
	}
	if c.Scaler.Placeholder.Image == "" {
		return errorf("scaler.placeholder.image is required")
	}

	if c.Kubernetes.QPS <= 0 {
		return errorf("kubernetes.qps must be positive")
	}
	if c.Kubernetes.Burst <= 0 {
		return errorf("kubernetes.burst must be positive")
	}

	if len(c.Pools) == 0 {
		return errorf("at least one node pool is required")
	}

	seen := make(map[string]struct{}, len(c.Pools))
	for i := range c.Pools {
		if err := validatePool(&c.Pools[i]); err != nil {
			return err
		}
		if _, dup := seen[c.Pools[i].Name]; dup {
			return errorf("duplicate node pool %q", c.Pools[i].Name)
		}
		seen[c.Pools[i].Name] = struct{}{}
	}

	return nil
}

func validatePool(p *NodePoolConfig) error {
	if p.Name == "" {
		return errorf("node pool name is required")
	}
	if !dnsLabel.MatchString(p.Name) {
		return errorf("node pool name %q is not a valid DNS label", p.Name)
	}
	// "-placeholder" is appended to form the deployment name
	if len(p.DeploymentName()) > 63 {
		return errorf("node pool name %q is too long", p.Name)
	}
	if len(p.NodeSelector) == 0 {
		return errorf("node pool %q: nodeSelector is required", p.Name)
	}
	if p.BaseReplicas < 0 {
		return errorf("node pool %q: baseReplicas must not be negative", p.Name)
	}
	if p.MemoryRequest == "" {
		return errorf("node pool %q: memoryRequest is required", p.Name)
	}

	qty, err := resource.ParseQuantity(p.MemoryRequest)
	if err != nil {
		return errorf("node pool %q: invalid memoryRequest %q: %v", p.Name, p.MemoryRequest, err)
	}
	if qty.Sign() <= 0 {
		return errorf("node pool %q: memoryRequest must be positive", p.Name)
	}
	p.Memory = qty

	for _, rule := range p.CalendarRules {
		if rule.Match == "" {
			return errorf("node pool %q: calendar rule match is required", p.Name)
		}
		if rule.Replicas < 0 {
			return errorf("node pool %q: calendar rule replicas must not be negative", p.Name)
		}
	}

	cronParser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	for _, sched := range p.Schedules {
		if _, err := cronParser.Parse(sched.Schedule); err != nil {
			return errorf("node pool %q: invalid schedule %q: %v", p.Name, sched.Schedule, err)
		}
		dur, err := time.ParseDuration(sched.Duration)
		if err != nil {
			return errorf("node pool %q: invalid schedule duration %q: %v", p.Name, sched.Duration, err)
		}
		if dur <= 0 {
			return errorf("node pool %q: schedule duration must be positive", p.Name)
		}
		if sched.Replicas < 0 {
			return errorf("node pool %q: schedule replicas must not be negative", p.Name)
		}
	}

	return nil
}
