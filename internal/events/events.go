// Package events reads raw site interaction events (page views, clicks,
// form fills) that carry ad click identifiers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jshorwitz/ai-adwords/internal/model"
)

// RawEvent is one interaction as emitted by the site tracker.
type RawEvent struct {
	ID         string            `json:"id,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
	UserRef    string            `json:"user_ref,omitempty"`
	EventType  string            `json:"event_type,omitempty"`
	URL        string            `json:"url,omitempty"`
	Params     map[string]string `json:"params,omitempty"`
}

// Lookup returns a tracking parameter from Params, falling back to the
// query string of URL.
func (e RawEvent) Lookup(key string) string {
	if v := strings.TrimSpace(e.Params[key]); v != "" {
		return v
	}
	if e.URL == "" {
		return ""
	}
	u, err := url.Parse(e.URL)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(u.Query().Get(key))
}

// Source yields the raw events that occurred in a window, oldest first.
type Source interface {
	Events(ctx context.Context, w model.Window) ([]RawEvent, error)
}

const (
	payloadField = "payload"
	pageSize     = 500
)

// RedisSource reads events from a Redis stream. Entry ids carry the event
// time in milliseconds, so a window maps to an XRANGE.
type RedisSource struct {
	client *redis.Client
	stream string
}

// NewRedisSource reads from stream.
func NewRedisSource(client *redis.Client, stream string) *RedisSource {
	return &RedisSource{client: client, stream: stream}
}

func (s *RedisSource) Events(ctx context.Context, w model.Window) ([]RawEvent, error) {
	start := strconv.FormatInt(w.Start.UnixMilli(), 10)
	// An end id without a sequence covers every entry in that millisecond.
	end := strconv.FormatInt(w.End.UnixMilli()-1, 10)

	var out []RawEvent
	for {
		msgs, err := s.client.XRangeN(ctx, s.stream, start, end, pageSize).Result()
		if err != nil {
			return nil, fmt.Errorf("events: xrange %s: %w", s.stream, err)
		}
		for _, m := range msgs {
			ev, err := decode(m)
			if err != nil {
				return nil, err
			}
			out = append(out, ev)
		}
		if len(msgs) < pageSize {
			return out, nil
		}
		start = "(" + msgs[len(msgs)-1].ID
	}
}

func decode(m redis.XMessage) (RawEvent, error) {
	raw, ok := m.Values[payloadField].(string)
	if !ok {
		return RawEvent{}, fmt.Errorf("events: entry %s has no %s field", m.ID, payloadField)
	}
	var ev RawEvent
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		return RawEvent{}, fmt.Errorf("events: decode entry %s: %w", m.ID, err)
	}
	ev.ID = m.ID
	if ev.OccurredAt.IsZero() {
		ms, _, _ := strings.Cut(m.ID, "-")
		if n, err := strconv.ParseInt(ms, 10, 64); err == nil {
			ev.OccurredAt = time.UnixMilli(n).UTC()
		}
	}
	return ev, nil
}

// Publish appends ev to the stream with an id taken from its OccurredAt.
// Redis requires ids to increase, so events must be published in time order.
func Publish(ctx context.Context, client *redis.Client, stream string, ev RawEvent) (string, error) {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("events: encode: %w", err)
	}
	id, err := client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		ID:     fmt.Sprintf("%d-*", ev.OccurredAt.UnixMilli()),
		Values: map[string]any{payloadField: string(payload)},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("events: xadd %s: %w", stream, err)
	}
	return id, nil
}

// MemorySource holds events in memory.
type MemorySource struct {
	mu     sync.Mutex
	events []RawEvent
}

// NewMemorySource returns a source preloaded with evs.
func NewMemorySource(evs ...RawEvent) *MemorySource {
	s := &MemorySource{}
	s.Add(evs...)
	return s
}

// Add appends events.
func (s *MemorySource) Add(evs ...RawEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evs...)
}

func (s *MemorySource) Events(ctx context.Context, w model.Window) ([]RawEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []RawEvent
	for _, ev := range s.events {
		if w.Contains(ev.OccurredAt) {
			out = append(out, ev)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].OccurredAt.Before(out[j].OccurredAt) })
	return out, nil
}
