// Package research executes prioritized search queries sequentially and
// streams progress, findings, and failures as a finite event sequence.
package research

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/planforge/orchestrator/internal/search"
)

// Query is one planned search, consumed in priority order (1 = highest;
// ties keep original order).
type Query struct {
	Query    string `json:"query"`
	Section  string `json:"section"`
	Priority int    `json:"priority"`
}

// Finding is the outcome of one executed query.
type Finding struct {
	Query   string          `json:"query"`
	Answer  string          `json:"answer,omitempty"`
	Results []search.Result `json:"results"`
}

// EventType tags pipeline events.
type EventType string

const (
	EventProgress    EventType = "progress"
	EventFinding     EventType = "finding"
	EventQueryFailed EventType = "query_failed"
	EventComplete    EventType = "complete"
)

// Event is one element of the pipeline's output sequence. Exactly one
// Complete event terminates the sequence, carrying everything aggregated so
// far even when some queries failed.
type Event struct {
	Type EventType

	// Progress
	Index   int
	Total   int
	Percent int
	Label   string

	// Finding / QueryFailed
	Section string
	Query   string
	Finding *Finding
	Err     error

	// Complete
	Findings map[string][]Finding
}

// send delivers ev, preferring delivery when the consumer is ready and giving
// up once ctx is cancelled and the consumer is not reading.
func send(ctx context.Context, out chan<- Event, ev Event) bool {
	select {
	case out <- ev:
		return true
	default:
	}
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// Pipeline runs research queries against the search collaborator.
type Pipeline struct {
	search search.Client
	pause  time.Duration
	logger *zap.Logger
}

// NewPipeline creates a pipeline. pause is the fixed delay after each query,
// respecting upstream rate limits; <=0 selects the default.
func NewPipeline(client search.Client, pause time.Duration, logger *zap.Logger) *Pipeline {
	if pause <= 0 {
		pause = 200 * time.Millisecond
	}
	return &Pipeline{search: client, pause: pause, logger: logger}
}

// Run executes queries sequentially in priority order, emitting events on the
// returned channel. The channel is closed after the terminal Complete event.
// The sequence is single-pass and not restartable. A query failure is
// reported and the pipeline continues; cancellation of ctx stops execution
// after the in-flight query and releases the producer even when the consumer
// has stopped reading, in which case the Complete event may be lost.
func (p *Pipeline) Run(ctx context.Context, subject string, queries []Query) <-chan Event {
	out := make(chan Event)

	sorted := make([]Query, len(queries))
	copy(sorted, queries)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority < sorted[j].Priority
	})

	go func() {
		defer close(out)

		total := len(sorted)
		findings := make(map[string][]Finding)

		for i, q := range sorted {
			select {
			case <-ctx.Done():
				send(ctx, out, Event{Type: EventComplete, Findings: findings})
				return
			default:
			}

			if !send(ctx, out, Event{
				Type:    EventProgress,
				Index:   i + 1,
				Total:   total,
				Percent: i * 100 / total,
				Label:   "Researching: " + q.Section,
				Query:   q.Query,
			}) {
				return
			}

			resp, err := p.search.Search(ctx, search.Request{
				Query:         q.Query,
				Depth:         search.DepthAdvanced,
				IncludeAnswer: true,
			})
			if err != nil {
				p.logger.Warn("Research query failed",
					zap.String("subject", subject),
					zap.String("section", q.Section),
					zap.String("query", q.Query),
					zap.Error(err),
				)
				if !send(ctx, out, Event{Type: EventQueryFailed, Section: q.Section, Query: q.Query, Err: err}) {
					return
				}
			} else {
				f := Finding{Query: q.Query, Answer: resp.Answer, Results: resp.Results}
				findings[q.Section] = append(findings[q.Section], f)
				if !send(ctx, out, Event{Type: EventFinding, Section: q.Section, Query: q.Query, Finding: &f}) {
					return
				}
			}

			select {
			case <-ctx.Done():
			case <-time.After(p.pause):
			}
		}

		send(ctx, out, Event{Type: EventComplete, Findings: findings})
	}()

	return out
}
