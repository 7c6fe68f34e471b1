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

// Package demand computes the desired placeholder replica count for a node
// pool from its base configuration and the current calendar state. The
// evaluation is a pure function of pool config, time, and events: no I/O,
// no caching, safe to call from any goroutine.
package demand

import (
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ahoma/placeholder-scaler/internal/calendar"
	"github.com/ahoma/placeholder-scaler/internal/config"
)

// Evaluator resolves desired replica counts for node pools. Schedule rules
// are compiled once at construction; everything else is evaluated per call.
type Evaluator struct {
	windows map[string][]Window
}

// NewEvaluator compiles the schedule rules of the given pools. Config
// validation has already checked the cron expressions, so errors here
// indicate a programming mistake rather than bad user input.
func NewEvaluator(pools []config.NodePoolConfig) (*Evaluator, error) {
	windows := make(map[string][]Window, len(pools))
	for i := range pools {
		pool := &pools[i]
		compiled, err := compileWindows(pool.Schedules)
		if err != nil {
			return nil, err
		}
		if len(compiled) > 0 {
			windows[pool.Name] = compiled
		}
	}
	return &Evaluator{windows: windows}, nil
}

// Evaluate returns the desired replica count for pool at the given instant.
// The result is the maximum of the pool's base replicas, any replica
// override named in an active event's description, any calendar rule whose
// pattern matches an active event's summary, and any open schedule window.
// The result is never negative.
func (e *Evaluator) Evaluate(pool *config.NodePoolConfig, now time.Time, events []calendar.Event) int32 {
	desired := pool.BaseReplicas

	for i := range events {
		event := &events[i]
		if !event.ActiveAt(now) {
			continue
		}

		if replicas, ok := descriptionOverride(event.Description, pool.Name); ok && replicas > desired {
			desired = replicas
		}

		for _, rule := range pool.CalendarRules {
			if matchesSummary(rule.Match, event.Summary) && rule.Replicas > desired {
				desired = rule.Replicas
			}
		}
	}

	for _, window := range e.windows[pool.Name] {
		if window.Contains(now) && window.Replicas > desired {
			desired = window.Replicas
		}
	}

	if desired < 0 {
		desired = 0
	}
	return desired
}

// descriptionOverride parses an event description as a YAML mapping of pool
// name to replica count and looks up the given pool. Descriptions that are
// not valid YAML mappings, and entries that are not non-negative integers,
// are ignored.
func descriptionOverride(description, pool string) (int32, bool) {
	description = strings.TrimSpace(description)
	if description == "" {
		return 0, false
	}

	var overrides map[string]any
	if err := yaml.Unmarshal([]byte(description), &overrides); err != nil {
		return 0, false
	}

	value, ok := overrides[pool]
	if !ok {
		return 0, false
	}

	replicas, ok := value.(int)
	if !ok || replicas < 0 {
		return 0, false
	}
	return int32(replicas), true
}

// matchesSummary reports whether an event summary matches a calendar rule
// pattern. A trailing "*" makes the pattern a prefix match; otherwise the
// comparison is exact. Matching is case-sensitive.
func matchesSummary(pattern, summary string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(summary, prefix)
	}
	return pattern == summary
}
