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

// Package calendar fetches and parses the iCalendar feed that drives
// scheduled scaling demand. Parsed event sets are replaced wholesale on
// every refresh; the last successfully parsed set is kept through fetch
// failures.
package calendar

import (
	"fmt"
	"time"
)

// Event is a parsed calendar occurrence, times normalized to UTC.
type Event struct {
	UID         string
	Summary     string
	Description string
	Start       time.Time
	End         time.Time
}

// ActiveAt reports whether the event covers t (start <= t < end).
func (e *Event) ActiveAt(t time.Time) bool {
	return !t.Before(e.Start) && t.Before(e.End)
}

// String renders the event for logs: all-day events show dates only,
// intraday events show the start timestamp and a short end time.
func (e *Event) String() string {
	if e.End.Sub(e.Start) >= 24*time.Hour {
		return fmt.Sprintf("%s (%s to %s)", e.Summary,
			e.Start.Format("2006-01-02"), e.End.Format("2006-01-02"))
	}
	if e.Start.Truncate(24 * time.Hour).Equal(e.End.Truncate(24 * time.Hour)) {
		return fmt.Sprintf("%s (%s to %s)", e.Summary,
			e.Start.Format("2006-01-02 15:04 MST"), e.End.Format("15:04 MST"))
	}
	return fmt.Sprintf("%s (%s to %s)", e.Summary,
		e.Start.Format("2006-01-02 15:04 MST"), e.End.Format("2006-01-02 15:04 MST"))
}

// FetchError reports a calendar feed that could not be retrieved or parsed
// at the top level. Callers keep the last good event set when they see one.
type FetchError struct {
	Source string
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetching calendar %s: %v", e.Source, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// ParseError reports a single malformed event. It is logged and the event
// skipped; it never fails the whole fetch.
type ParseError struct {
	UID    string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("skipping event %q: %s", e.UID, e.Reason)
}
