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

package demand

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ahoma/placeholder-scaler/internal/config"
)

// Window is a compiled schedule rule: a recurring time window during which
// a pool's replica count is raised to Replicas.
type Window struct {
	// Schedule is the parsed cron schedule (UTC)
	Schedule cron.Schedule
	// Duration is how long the window stays open after each occurrence
	Duration time.Duration
	// Replicas is the override applied while the window is open
	Replicas int32
}

// compileWindows parses a pool's schedule rules.
func compileWindows(rules []config.ScheduleRule) ([]Window, error) {
	if len(rules) == 0 {
		return nil, nil
	}

	// 5-field format: minute hour day month weekday
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

	windows := make([]Window, 0, len(rules))
	for _, rule := range rules {
		schedule, err := parser.Parse(rule.Schedule)
		if err != nil {
			return nil, fmt.Errorf("invalid schedule %q: %w", rule.Schedule, err)
		}
		duration, err := time.ParseDuration(rule.Duration)
		if err != nil {
			return nil, fmt.Errorf("invalid duration %q: %w", rule.Duration, err)
		}
		windows = append(windows, Window{
			Schedule: schedule,
			Duration: duration,
			Replicas: rule.Replicas,
		})
	}

	return windows, nil
}

// Contains checks if the given time falls inside the window.
func (w *Window) Contains(t time.Time) bool {
	t = t.UTC()

	// Find the most recent occurrence by stepping back by the duration and
	// asking for the next occurrence after that point. The window is
	// [occurrence, occurrence + duration).
	last := w.Schedule.Next(t.Add(-w.Duration))
	end := last.Add(w.Duration)

	return !t.Before(last) && t.Before(end)
}
