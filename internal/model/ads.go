package model

import (
	"fmt"
	"time"
)

// Platform identifies an external ad platform.
type Platform string

const (
	PlatformGoogle    Platform = "google"
	PlatformReddit    Platform = "reddit"
	PlatformX         Platform = "x"
	PlatformMicrosoft Platform = "microsoft"
	PlatformLinkedIn  Platform = "linkedin"
)

// Platforms lists every supported platform.
var Platforms = []Platform{PlatformGoogle, PlatformReddit, PlatformX, PlatformMicrosoft, PlatformLinkedIn}

// ParsePlatform validates a platform name.
func ParsePlatform(s string) (Platform, error) {
	for _, p := range Platforms {
		if string(p) == s {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown platform %q", s)
}

// AdMetric is one day of campaign performance. At most one row exists per
// (Platform, AccountID, CampaignID, Date).
type AdMetric struct {
	Platform        Platform       `json:"platform"`
	AccountID       string         `json:"account_id"`
	CampaignID      string         `json:"campaign_id"`
	CampaignName    string         `json:"campaign_name"`
	Date            time.Time      `json:"date"`
	Impressions     int64          `json:"impressions"`
	Clicks          int64          `json:"clicks"`
	Spend           float64        `json:"spend"`
	Conversions     float64        `json:"conversions"`
	ConversionValue float64        `json:"conversion_value"`
	RawPayload      map[string]any `json:"raw_payload,omitempty"`
	IngestedAt      time.Time      `json:"ingested_at"`
}

// Key returns the upsert key of the metric.
func (m AdMetric) Key() string {
	return fmt.Sprintf("%s|%s|%s|%s", m.Platform, m.AccountID, m.CampaignID, m.Date.Format(dateLayout))
}

// CampaignPerformance aggregates AdMetric rows for one campaign over a period.
type CampaignPerformance struct {
	Platform        Platform `json:"platform"`
	AccountID       string   `json:"account_id"`
	CampaignID      string   `json:"campaign_id"`
	Impressions     int64    `json:"impressions"`
	Clicks          int64    `json:"clicks"`
	Spend           float64  `json:"spend"`
	Conversions     float64  `json:"conversions"`
	ConversionValue float64  `json:"conversion_value"`
}

// Touchpoint is a recorded click carrying a platform click identifier.
// ClickID is globally unique.
type Touchpoint struct {
	ClickID    string         `json:"click_id"`
	Platform   Platform       `json:"platform"`
	UserRef    string         `json:"user_ref,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
	Campaign   string         `json:"campaign,omitempty"`
	Source     string         `json:"source,omitempty"`
	Medium     string         `json:"medium,omitempty"`
	LandingURL string         `json:"landing_url,omitempty"`
	EventType  string         `json:"event_type,omitempty"`
	Raw        map[string]any `json:"raw,omitempty"`
}

// MatchState describes whether a conversion has been attributed.
type MatchState string

const (
	MatchPending   MatchState = "pending"
	MatchMatched   MatchState = "matched"
	MatchUnmatched MatchState = "unmatched"
)

// Conversion is an outcome event that may be attributed to a touchpoint and
// re-uploaded to the originating platform.
type Conversion struct {
	ConversionID      string     `json:"conversion_id"`
	ClickID           string     `json:"click_id,omitempty"`
	UserRef           string     `json:"user_ref,omitempty"`
	Name              string     `json:"name"`
	Value             float64    `json:"value"`
	Currency          string     `json:"currency"`
	OccurredAt        time.Time  `json:"occurred_at"`
	MatchState        MatchState `json:"match_state"`
	MatchedClickID    string     `json:"matched_click_id,omitempty"`
	MatchedPlatform   Platform   `json:"matched_platform,omitempty"`
	UploadedPlatforms []Platform `json:"uploaded_platforms"`
}

// UploadedTo reports whether the conversion was already sent to p.
func (c Conversion) UploadedTo(p Platform) bool {
	for _, u := range c.UploadedPlatforms {
		if u == p {
			return true
		}
	}
	return false
}

// CampaignPolicy bounds what the budget optimizer may do to a campaign.
type CampaignPolicy struct {
	Platform       Platform  `json:"platform" yaml:"platform"`
	AccountID      string    `json:"account_id" yaml:"account_id"`
	CampaignID     string    `json:"campaign_id" yaml:"campaign_id"`
	TargetCAC      float64   `json:"target_cac" yaml:"target_cac"`
	TargetROAS     float64   `json:"target_roas" yaml:"target_roas"`
	MinBudget      float64   `json:"min_budget" yaml:"min_budget"`
	MaxBudget      float64   `json:"max_budget" yaml:"max_budget"`
	MinConversions float64   `json:"min_conversions" yaml:"min_conversions"`
	Enabled        bool      `json:"enabled" yaml:"-"`
	UpdatedAt      time.Time `json:"updated_at" yaml:"-"`
}

// Validate checks the policy bounds.
func (p CampaignPolicy) Validate() error {
	if _, err := ParsePlatform(string(p.Platform)); err != nil {
		return err
	}
	if p.CampaignID == "" {
		return fmt.Errorf("campaign_id is required")
	}
	if p.TargetCAC <= 0 {
		return fmt.Errorf("campaign %s: target_cac must be positive", p.CampaignID)
	}
	if p.TargetROAS < 0 {
		return fmt.Errorf("campaign %s: target_roas must not be negative", p.CampaignID)
	}
	if p.MinBudget < 0 || p.MaxBudget < p.MinBudget {
		return fmt.Errorf("campaign %s: budget bounds must satisfy 0 <= min_budget <= max_budget", p.CampaignID)
	}
	if p.MinConversions < 0 {
		return fmt.Errorf("campaign %s: min_conversions must not be negative", p.CampaignID)
	}
	return nil
}

// KeywordStat is a keyword research data point pulled from a planner API.
type KeywordStat struct {
	Keyword       string    `json:"keyword"`
	Source        string    `json:"source"`
	MonthlyVolume int64     `json:"monthly_volume"`
	EstimatedCPC  float64   `json:"est_cpc"`
	Competition   string    `json:"competition"`
	PulledAt      time.Time `json:"pulled_at"`
}
