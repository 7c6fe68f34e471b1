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

package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Loader handles loading configuration from multiple sources: defaults,
// then an optional YAML file, then environment variable overrides.
type Loader struct {
	config *Config
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		config: DefaultConfig(),
	}
}

// Load loads configuration from the given file (may be empty) and the
// environment, then validates it.
func (l *Loader) Load(configFile string) (*Config, error) {
	l.config = DefaultConfig()

	if configFile != "" {
		if err := l.loadFromFile(configFile); err != nil {
			return nil, err
		}
	}

	if err := l.loadFromEnvironment(); err != nil {
		return nil, err
	}

	if err := l.config.Validate(); err != nil {
		return nil, err
	}

	return l.config, nil
}

func (l *Loader) loadFromFile(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return errorf("configuration file not found: %s", path)
	}

	data, err := os.ReadFile(path) // #nosec G304 - path is an operator-supplied configuration file
	if err != nil {
		return errorf("failed to read configuration file: %v", err)
	}

	if err := yaml.Unmarshal(data, l.config); err != nil {
		return errorf("failed to parse configuration file: %v", err)
	}

	return nil
}

func (l *Loader) loadFromEnvironment() error {
	envMappings := map[string]func(string) error{
		"PLACEHOLDER_SCALER_CALENDAR_URL":              l.setCalendarSource,
		"PLACEHOLDER_SCALER_CALENDAR_REFRESH_INTERVAL": l.setCalendarRefreshInterval,
		"PLACEHOLDER_SCALER_CALENDAR_FETCH_TIMEOUT":    l.setCalendarFetchTimeout,
		"PLACEHOLDER_SCALER_NAMESPACE":                 l.setNamespace,
		"PLACEHOLDER_SCALER_TICK_INTERVAL":             l.setTickInterval,
		"PLACEHOLDER_SCALER_API_CALL_TIMEOUT":          l.setAPICallTimeout,
		"PLACEHOLDER_SCALER_NODE_POOL_LABEL_KEY":       l.setNodePoolLabelKey,
		"PLACEHOLDER_SCALER_PLACEHOLDER_IMAGE":         l.setPlaceholderImage,
		"PLACEHOLDER_SCALER_PRIORITY_CLASS":            l.setPriorityClass,
		"KUBECONFIG":                                   l.setKubeconfig,
		"PLACEHOLDER_SCALER_KUBE_QPS":                  l.setKubeQPS,
		"PLACEHOLDER_SCALER_KUBE_BURST":                l.setKubeBurst,
		"PLACEHOLDER_SCALER_SERVER_BIND_ADDRESS":       l.setServerBindAddress,
		"PLACEHOLDER_SCALER_LOG_LEVEL":                 l.setLogLevel,
		"PLACEHOLDER_SCALER_LOG_FORMAT":                l.setLogFormat,
	}

	for envVar, setter := range envMappings {
		if value := os.Getenv(envVar); value != "" {
			if err := setter(value); err != nil {
				return errorf("invalid %s=%q: %v", envVar, value, err)
			}
		}
	}

	return nil
}

func (l *Loader) setCalendarSource(value string) error {
	l.config.Calendar.Source = value
	return nil
}

func (l *Loader) setCalendarRefreshInterval(value string) error {
	val, err := time.ParseDuration(value)
	if err != nil {
		return err
	}
	l.config.Calendar.RefreshInterval = val
	return nil
}

func (l *Loader) setCalendarFetchTimeout(value string) error {
	val, err := time.ParseDuration(value)
	if err != nil {
		return err
	}
	l.config.Calendar.FetchTimeout = val
	return nil
}

func (l *Loader) setNamespace(value string) error {
	l.config.Scaler.Namespace = value
	return nil
}

func (l *Loader) setTickInterval(value string) error {
	val, err := time.ParseDuration(value)
	if err != nil {
		return err
	}
	l.config.Scaler.TickInterval = val
	return nil
}

func (l *Loader) setAPICallTimeout(value string) error {
	val, err := time.ParseDuration(value)
	if err != nil {
		return err
	}
	l.config.Scaler.APICallTimeout = val
	return nil
}

func (l *Loader) setNodePoolLabelKey(value string) error {
	l.config.Scaler.NodePoolLabelKey = value
	return nil
}

func (l *Loader) setPlaceholderImage(value string) error {
	l.config.Scaler.Placeholder.Image = value
	return nil
}

func (l *Loader) setPriorityClass(value string) error {
	l.config.Scaler.Placeholder.PriorityClassName = value
	return nil
}

func (l *Loader) setKubeconfig(value string) error {
	l.config.Kubernetes.Kubeconfig = value
	return nil
}

func (l *Loader) setKubeQPS(value string) error {
	val, err := strconv.ParseFloat(value, 32)
	if err != nil {
		return err
	}
	l.config.Kubernetes.QPS = float32(val)
	return nil
}

func (l *Loader) setKubeBurst(value string) error {
	val, err := strconv.Atoi(value)
	if err != nil {
		return err
	}
	l.config.Kubernetes.Burst = val
	return nil
}

func (l *Loader) setServerBindAddress(value string) error {
	l.config.Server.BindAddress = value
	return nil
}

func (l *Loader) setLogLevel(value string) error {
	l.config.Logging.Level = value
	return nil
}

func (l *Loader) setLogFormat(value string) error {
	l.config.Logging.Format = value
	return nil
}
