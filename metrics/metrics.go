package metrics

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
)

// Kind groups counter events by the error taxonomy subsystems report.
type Kind string

const (
	KindIngest    Kind = "ingest"
	KindTransient Kind = "transient"
	KindMalformed Kind = "malformed"
	KindCapacity  Kind = "capacity"
	KindDropped   Kind = "dropped"
)

// Event is one typed report from a subsystem: a counter bump plus an
// optional message. Nothing panics out of a task; everything lands here.
type Event struct {
	Kind    Kind
	Name    string
	Message string
}

// Collector aggregates events into counters. Reporting is non-blocking:
// under extreme load events are counted as lost rather than stalling the
// reporting task.
type Collector struct {
	events chan Event
	lost   atomic.Int64

	mu     sync.Mutex
	counts map[string]int64
}

func NewCollector() *Collector {
	return &Collector{
		events: make(chan Event, 4096),
		counts: make(map[string]int64),
	}
}

// Run consumes events until the context is cancelled.
func (c *Collector) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-c.events:
			c.mu.Lock()
			c.counts[string(ev.Kind)+"."+ev.Name]++
			c.mu.Unlock()
		}
	}
}

// Report bumps a counter.
func (c *Collector) Report(kind Kind, name string) {
	c.ReportMsg(kind, name, "")
}

// ReportMsg bumps a counter with an attached message.
func (c *Collector) ReportMsg(kind Kind, name, message string) {
	select {
	case c.events <- Event{Kind: kind, Name: name, Message: message}:
	default:
		c.lost.Add(1)
	}
}

// Snapshot returns a copy of all counters, plus the lost-event count.
func (c *Collector) Snapshot() map[string]int64 {
	c.mu.Lock()
	out := make(map[string]int64, len(c.counts)+1)
	for k, v := range c.counts {
		out[k] = v
	}
	c.mu.Unlock()
	if lost := c.lost.Load(); lost > 0 {
		out["metrics.lost"] = lost
	}
	return out
}

// Keys returns the sorted counter names of a snapshot, for stable logs.
func Keys(snapshot map[string]int64) []string {
	keys := make([]string, 0, len(snapshot))
	for k := range snapshot {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
