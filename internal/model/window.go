package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const dateLayout = "2006-01-02"

// Window is a half-open processing interval [Start, End).
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Validate rejects empty and inverted windows.
func (w Window) Validate() error {
	if w.Start.IsZero() || w.End.IsZero() {
		return errors.New("window start and end are required")
	}
	if !w.End.After(w.Start) {
		return fmt.Errorf("window end %s must be after start %s",
			w.End.Format(time.RFC3339), w.Start.Format(time.RFC3339))
	}
	return nil
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Duration returns the length of the window.
func (w Window) Duration() time.Duration {
	return w.End.Sub(w.Start)
}

// Days returns each calendar date (UTC) touched by the window.
func (w Window) Days() []time.Time {
	var days []time.Time
	d := truncateDay(w.Start)
	for d.Before(w.End) {
		days = append(days, d)
		d = d.AddDate(0, 0, 1)
	}
	return days
}

// WindowInput is the wire form of a window. Each bound is either a date
// (YYYY-MM-DD) or an RFC3339 timestamp. A date-only end bound is inclusive,
// so {"start":"2025-01-01","end":"2025-01-01"} covers the whole day.
type WindowInput struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// Parse converts the wire form into a validated Window.
func (in WindowInput) Parse() (Window, error) {
	w, err := in.Bounds()
	if err != nil {
		return Window{}, err
	}
	if err := w.Validate(); err != nil {
		return Window{}, err
	}
	return w, nil
}

// Bounds decodes both bounds without checking their order. Callers that hand
// the window to the runner use it so an inverted window is rejected, and
// recorded, there.
func (in WindowInput) Bounds() (Window, error) {
	start, _, err := parseBound(in.Start)
	if err != nil {
		return Window{}, fmt.Errorf("window start: %w", err)
	}
	end, dateOnly, err := parseBound(in.End)
	if err != nil {
		return Window{}, fmt.Errorf("window end: %w", err)
	}
	if dateOnly {
		end = end.AddDate(0, 0, 1)
	}
	return Window{Start: start, End: end}, nil
}

func parseBound(s string) (time.Time, bool, error) {
	if s == "" {
		return time.Time{}, false, errors.New("is required")
	}
	if t, err := time.Parse(dateLayout, s); err == nil {
		return t.UTC(), true, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("%q is neither YYYY-MM-DD nor RFC3339", s)
	}
	return t.UTC(), false, nil
}

// UnmarshalJSON accepts both the WindowInput form and RFC3339 timestamps.
func (w *Window) UnmarshalJSON(data []byte) error {
	var in WindowInput
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	parsed, err := in.Parse()
	if err != nil {
		return err
	}
	*w = parsed
	return nil
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Date returns t truncated to its UTC calendar day.
func Date(t time.Time) time.Time {
	return truncateDay(t)
}
