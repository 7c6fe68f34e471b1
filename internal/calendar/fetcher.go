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

package calendar

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/apognu/gocal"
	"github.com/go-logr/logr"
)

// htmlTag matches markup that some calendar frontends embed in event
// descriptions. The original feed values are plain "pool: replicas" text.
var htmlTag = regexp.MustCompile(`<[^>]*>`)

// Fetcher retrieves and parses one iCalendar source. Sources may be
// http(s) URLs, file:// URLs, or bare filesystem paths.
type Fetcher struct {
	source  string
	horizon time.Duration
	client  *http.Client
	log     logr.Logger

	// now is replaceable for tests
	now func() time.Time
}

// NewFetcher creates a fetcher for the given source. horizon bounds how far
// ahead recurring events are expanded; timeout bounds each HTTP fetch.
func NewFetcher(source string, horizon, timeout time.Duration, log logr.Logger) *Fetcher {
	return &Fetcher{
		source:  source,
		horizon: horizon,
		client:  &http.Client{Timeout: timeout},
		log:     log,
		now:     time.Now,
	}
}

// Source returns the configured calendar source.
func (f *Fetcher) Source() string {
	return f.source
}

// Fetch retrieves the calendar and returns its events ordered by start
// time, normalized to UTC. Individual malformed events are skipped and
// logged; an unreachable or unparseable feed returns a *FetchError.
func (f *Fetcher) Fetch(ctx context.Context) ([]Event, error) {
	body, err := f.read(ctx)
	if err != nil {
		return nil, &FetchError{Source: f.source, Err: err}
	}

	now := f.now().UTC()
	events, err := f.parse(body, now.Add(-24*time.Hour), now.Add(f.horizon))
	if err != nil {
		return nil, &FetchError{Source: f.source, Err: err}
	}

	return events, nil
}

func (f *Fetcher) read(ctx context.Context) ([]byte, error) {
	if path, ok := LocalPath(f.source); ok {
		data, err := os.ReadFile(path) // #nosec G304 - path is the configured calendar file
		if err != nil {
			return nil, err
		}
		return data, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.source, nil)
	if err != nil {
		return nil, err
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}

	return io.ReadAll(resp.Body)
}

// parse expands the feed between start and end. Recurring events are
// expanded to individual occurrences within that window.
func (f *Fetcher) parse(data []byte, start, end time.Time) ([]Event, error) {
	if !bytes.Contains(data, []byte("BEGIN:VCALENDAR")) {
		return nil, fmt.Errorf("body is not an iCalendar feed")
	}

	parser := gocal.NewParser(bytes.NewReader(data))
	parser.Start, parser.End = &start, &end
	// A single bad VEVENT drops that event, not the feed.
	parser.Strict = gocal.StrictParams{Mode: gocal.StrictModeFailEvent}

	if err := parser.Parse(); err != nil {
		return nil, fmt.Errorf("parsing feed: %w", err)
	}

	events := make([]Event, 0, len(parser.Events))
	for i := range parser.Events {
		raw := &parser.Events[i]

		if raw.Start == nil || raw.End == nil {
			f.log.Info("dropping malformed calendar event",
				"error", (&ParseError{UID: raw.Uid, Reason: "missing start or end time"}).Error())
			continue
		}

		ev := Event{
			UID:         raw.Uid,
			Summary:     raw.Summary,
			Description: stripHTML(raw.Description),
			Start:       raw.Start.UTC(),
			End:         raw.End.UTC(),
		}
		if !ev.End.After(ev.Start) {
			f.log.Info("dropping malformed calendar event",
				"error", (&ParseError{UID: raw.Uid, Reason: "end does not follow start"}).Error())
			continue
		}

		events = append(events, ev)
	}

	sort.Slice(events, func(i, j int) bool {
		if !events[i].Start.Equal(events[j].Start) {
			return events[i].Start.Before(events[j].Start)
		}
		return events[i].Summary < events[j].Summary
	})

	return events, nil
}

// stripHTML removes markup tags from an event description.
func stripHTML(s string) string {
	return htmlTag.ReplaceAllString(s, "")
}

// LocalPath reports whether source refers to a local file and returns its
// filesystem path.
func LocalPath(source string) (string, bool) {
	if strings.HasPrefix(source, "file://") {
		return strings.TrimPrefix(source, "file://"), true
	}
	if strings.Contains(source, "://") {
		return "", false
	}
	return source, true
}
