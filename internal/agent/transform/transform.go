// Package transform turns raw site events into attributable touchpoints.
package transform

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/jshorwitz/ai-adwords/internal/agent"
	"github.com/jshorwitz/ai-adwords/internal/events"
	"github.com/jshorwitz/ai-adwords/internal/model"
)

// Name is the registry name of the extractor.
const Name = "touchpoint-extractor"

// TouchpointStore inserts touchpoints, ignoring click ids already stored.
type TouchpointStore interface {
	InsertTouchpoints(ctx context.Context, tps []model.Touchpoint) (int, error)
}

// clickKeys lists platform-specific click parameters in priority order.
var clickKeys = []struct {
	key      string
	platform model.Platform
}{
	{"gclid", model.PlatformGoogle},
	{"gbraid", model.PlatformGoogle},
	{"wbraid", model.PlatformGoogle},
	{"rdt_cid", model.PlatformReddit},
	{"twclid", model.PlatformX},
	{"msclkid", model.PlatformMicrosoft},
	{"li_fat_id", model.PlatformLinkedIn},
}

var (
	hex32        = regexp.MustCompile(`^[0-9a-fA-F]{32}$`)
	googlePrefix = []string{"Cj0", "CjwK", "EAIaIQ"}
)

// Classify guesses the platform of a bare click identifier from its shape.
func Classify(clickID string) (model.Platform, bool) {
	id := strings.TrimSpace(clickID)
	switch {
	case id == "":
		return "", false
	case hasAnyPrefix(id, googlePrefix...):
		return model.PlatformGoogle, true
	case hex32.MatchString(id):
		return model.PlatformMicrosoft, true
	case hasAnyPrefix(strings.ToLower(id), "rdt_", "reddit_", "t2_"):
		return model.PlatformReddit, true
	case hasAnyPrefix(strings.ToLower(id), "twclid", "twitter_", "x_"):
		return model.PlatformX, true
	case hasAnyPrefix(strings.ToLower(id), "li_", "linkedin_"):
		return model.PlatformLinkedIn, true
	}
	return "", false
}

// platformFromUTM maps a utm_source value to a platform.
func platformFromUTM(source string) (model.Platform, bool) {
	switch strings.ToLower(strings.TrimSpace(source)) {
	case "google", "googleads", "adwords":
		return model.PlatformGoogle, true
	case "reddit":
		return model.PlatformReddit, true
	case "twitter", "x":
		return model.PlatformX, true
	case "bing", "microsoft", "microsoftads":
		return model.PlatformMicrosoft, true
	case "linkedin":
		return model.PlatformLinkedIn, true
	}
	return "", false
}

func hasAnyPrefix(s string, prefixes ...string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

// dropReason explains why an event produced no touchpoint.
type dropReason string

const (
	dropNoClickID    dropReason = "no_click_id"
	dropUnclassified dropReason = "unclassified"
)

// Extract builds the touchpoint carried by ev. It reports a drop reason
// when the event has no usable click identifier.
func Extract(ev events.RawEvent) (model.Touchpoint, dropReason) {
	var (
		clickID  string
		platform model.Platform
	)
	for _, ck := range clickKeys {
		if v := ev.Lookup(ck.key); v != "" {
			clickID, platform = v, ck.platform
			break
		}
	}
	if clickID == "" {
		clickID = ev.Lookup("click_id")
		if clickID == "" {
			return model.Touchpoint{}, dropNoClickID
		}
		p, ok := Classify(clickID)
		if !ok {
			p, ok = platformFromUTM(ev.Lookup("utm_source"))
		}
		if !ok {
			return model.Touchpoint{}, dropUnclassified
		}
		platform = p
	}

	raw := make(map[string]any, len(ev.Params)+1)
	for k, v := range ev.Params {
		raw[k] = v
	}
	if ev.ID != "" {
		raw["event_id"] = ev.ID
	}
	return model.Touchpoint{
		ClickID:    clickID,
		Platform:   platform,
		UserRef:    ev.UserRef,
		OccurredAt: ev.OccurredAt.UTC(),
		Campaign:   ev.Lookup("utm_campaign"),
		Source:     ev.Lookup("utm_source"),
		Medium:     ev.Lookup("utm_medium"),
		LandingURL: ev.URL,
		EventType:  ev.EventType,
		Raw:        raw,
	}, ""
}

// Extractor is the touchpoint-extractor agent. It is meant to run often on
// short windows so attribution stays fresh.
type Extractor struct {
	source events.Source
	store  TouchpointStore
	logger *slog.Logger
}

// New creates the extractor.
func New(source events.Source, store TouchpointStore, logger *slog.Logger) *Extractor {
	return &Extractor{source: source, store: store, logger: logger}
}

func (x *Extractor) Name() string { return Name }

func (x *Extractor) Describe() model.AgentInfo {
	return model.AgentInfo{
		Kind:        "transform",
		Description: "Extracts ad click identifiers from raw site events into touchpoints.",
	}
}

// DefaultLookback keeps unattended windows short.
func (x *Extractor) DefaultLookback() time.Duration { return 15 * time.Minute }

func (x *Extractor) Run(ctx context.Context, in agent.JobInput) (agent.Result, error) {
	var res agent.Result

	evs, err := x.source.Events(ctx, in.Window)
	if err != nil {
		return res, agent.Wrap(model.ErrorKindTransient, "read events", err)
	}

	seen := make(map[string]struct{}, len(evs))
	tps := make([]model.Touchpoint, 0, len(evs))
	drops := map[dropReason]int{}
	perPlatform := map[model.Platform]int{}
	for _, ev := range evs {
		tp, reason := Extract(ev)
		if reason != "" {
			drops[reason]++
			continue
		}
		if _, dup := seen[tp.ClickID]; dup {
			continue
		}
		seen[tp.ClickID] = struct{}{}
		tps = append(tps, tp)
		perPlatform[tp.Platform]++
	}

	dropped := drops[dropNoClickID] + drops[dropUnclassified]
	res.Metric("events_read", float64(len(evs)))
	res.Metric("events_dropped", float64(dropped))
	res.Metric("touchpoints_extracted", float64(len(tps)))
	for p, n := range perPlatform {
		res.Metric("touchpoints_"+string(p), float64(n))
	}
	if n := drops[dropNoClickID]; n > 0 {
		res.Note("dropped %d events without a click identifier", n)
	}
	if n := drops[dropUnclassified]; n > 0 {
		res.Note("dropped %d events whose click identifier matched no platform", n)
	}

	if in.DryRun {
		res.Metric("would_write", float64(len(tps)))
		return res, nil
	}

	inserted, err := x.store.InsertTouchpoints(ctx, tps)
	if err != nil {
		return res, agent.Wrap(model.ErrorKindTransient, "insert touchpoints", err)
	}
	res.RecordsWritten = inserted
	x.logger.InfoContext(ctx, "transform: touchpoints inserted",
		"events", len(evs), "extracted", len(tps), "inserted", inserted, "dropped", dropped)
	return res, nil
}
