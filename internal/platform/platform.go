// Package platform is the boundary to external ad platforms.
//
// Readers fetch performance data and campaign state. Every side effect goes
// through a Mutations handle: Gate for live jobs, DryRunHandle for dry runs.
// Agents never see a raw Mutator, so a dry-run job has no path to the
// platform's write APIs.
package platform

import (
	"context"
	"time"

	"github.com/jshorwitz/ai-adwords/internal/model"
)

// MetricsQuery asks for one page of daily campaign metrics.
type MetricsQuery struct {
	Platform  model.Platform
	AccountID string
	Window    model.Window
	PageToken string
}

// MetricsRow is one campaign-day as reported by a platform. Cost is in
// micros of the account currency.
type MetricsRow struct {
	Date            time.Time `json:"date"`
	AccountID       string    `json:"account_id"`
	CampaignID      string    `json:"campaign_id"`
	CampaignName    string    `json:"campaign_name"`
	Impressions     int64     `json:"impressions"`
	Clicks          int64     `json:"clicks"`
	CostMicros      int64     `json:"cost_micros"`
	Conversions     float64   `json:"conversions"`
	ConversionValue float64   `json:"conversion_value"`
}

// MetricsPage is a page of rows. An empty NextPageToken ends the listing.
type MetricsPage struct {
	Rows          []MetricsRow `json:"rows"`
	NextPageToken string       `json:"next_page_token,omitempty"`
}

// Campaign statuses.
const (
	StatusEnabled = "ENABLED"
	StatusPaused  = "PAUSED"
)

// CampaignState is the current serving configuration of a campaign.
type CampaignState struct {
	CampaignID        string `json:"campaign_id"`
	Status            string `json:"status"`
	DailyBudgetMicros int64  `json:"daily_budget_micros"`
}

// ConversionUpload is one offline conversion in platform shape. ClickField
// names the platform's click identifier field (gclid, rdt_cid, ...).
type ConversionUpload struct {
	OrderID        string    `json:"order_id"`
	ClickField     string    `json:"click_field"`
	ClickID        string    `json:"click_id"`
	ConversionName string    `json:"conversion_name"`
	Value          float64   `json:"conversion_value"`
	Currency       string    `json:"currency_code"`
	OccurredAt     time.Time `json:"conversion_time"`
}

// ConversionBatch uploads conversions to one platform account.
type ConversionBatch struct {
	Platform     model.Platform     `json:"platform"`
	AccountID    string             `json:"account_id"`
	Conversions  []ConversionUpload `json:"conversions"`
	ValidateOnly bool               `json:"validate_only"`
}

// Update mask fields for campaign operations.
const (
	FieldBudget = "budget_micros"
	FieldStatus = "status"
)

// CampaignOperation changes the fields named in UpdateMask and nothing else.
type CampaignOperation struct {
	CampaignID   string   `json:"campaign_id"`
	UpdateMask   []string `json:"update_mask"`
	BudgetMicros int64    `json:"budget_micros,omitempty"`
	Status       string   `json:"status,omitempty"`
}

// CampaignMutateRequest is a bulk campaign mutation.
type CampaignMutateRequest struct {
	Platform     model.Platform      `json:"platform"`
	AccountID    string              `json:"account_id"`
	Operations   []CampaignOperation `json:"operations"`
	ValidateOnly bool                `json:"validate_only"`
}

// OperationResult reports the outcome of one operation in a bulk call.
type OperationResult struct {
	Index int    `json:"index"`
	ID    string `json:"id"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// MutateResult reports per-operation outcomes. Committed is false when the
// call only validated (or, for a dry run, was never sent).
type MutateResult struct {
	Results   []OperationResult `json:"results"`
	Committed bool              `json:"committed"`
}

// Failed returns the rejected operations.
func (r MutateResult) Failed() []OperationResult {
	var out []OperationResult
	for _, op := range r.Results {
		if !op.OK {
			out = append(out, op)
		}
	}
	return out
}

// KeywordIdea is a keyword planner suggestion.
type KeywordIdea struct {
	Keyword       string `json:"keyword"`
	MonthlyVolume int64  `json:"monthly_volume"`
	CPCMicros     int64  `json:"cpc_micros"`
	Competition   string `json:"competition"`
}

// MetricsReader pages through daily campaign metrics.
type MetricsReader interface {
	FetchMetrics(ctx context.Context, q MetricsQuery) (MetricsPage, error)
}

// StateReader reads current campaign configuration.
type StateReader interface {
	CampaignStates(ctx context.Context, p model.Platform, accountID string, campaignIDs []string) ([]CampaignState, error)
}

// Mutator is the raw write API of a platform.
type Mutator interface {
	UploadConversions(ctx context.Context, b ConversionBatch) (MutateResult, error)
	MutateCampaigns(ctx context.Context, req CampaignMutateRequest) (MutateResult, error)
}

// KeywordPlanner suggests keywords and their search statistics.
type KeywordPlanner interface {
	KeywordIdeas(ctx context.Context, seeds []string) ([]KeywordIdea, error)
}

// Client is everything a platform backend provides.
type Client interface {
	MetricsReader
	StateReader
	Mutator
	KeywordPlanner
}

// Mutations is the only write path handed to agents.
type Mutations interface {
	Mutator
	// Live reports whether calls can reach a platform at all.
	Live() bool
}
