package platform

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/jshorwitz/ai-adwords/internal/model"
)

// profile shapes the generated numbers of one platform.
type profile struct {
	seed           uint64
	impressions    [2]int64
	clicks         [2]int64
	spend          [2]float64
	conversions    [2]int64
	campaignPrefix string
}

var profiles = map[model.Platform]profile{
	model.PlatformGoogle:    {seed: 123, impressions: [2]int64{2000, 20000}, clicks: [2]int64{100, 1000}, spend: [2]float64{200, 2000}, conversions: [2]int64{5, 40}, campaignPrefix: "google_camp_"},
	model.PlatformReddit:    {seed: 42, impressions: [2]int64{1000, 10000}, clicks: [2]int64{50, 500}, spend: [2]float64{100, 1000}, conversions: [2]int64{1, 20}, campaignPrefix: "reddit_camp_"},
	model.PlatformMicrosoft: {seed: 789, impressions: [2]int64{1500, 15000}, clicks: [2]int64{80, 800}, spend: [2]float64{150, 1500}, conversions: [2]int64{3, 25}, campaignPrefix: "microsoft_camp_"},
	model.PlatformLinkedIn:  {seed: 456, impressions: [2]int64{800, 8000}, clicks: [2]int64{30, 300}, spend: [2]float64{80, 800}, conversions: [2]int64{2, 15}, campaignPrefix: "linkedin_camp_"},
	model.PlatformX:         {seed: 7, impressions: [2]int64{500, 5000}, clicks: [2]int64{20, 200}, spend: [2]float64{50, 500}, conversions: [2]int64{1, 10}, campaignPrefix: "x_camp_"},
}

const (
	simCampaignsPerAccount = 2
	simPageSize            = 10
)

// Simulated is a deterministic in-memory platform backend for development
// and tests. The same (platform, account, campaign, date) always yields
// the same row, so overlapping windows replay identical data.
type Simulated struct {
	mu        sync.Mutex
	states    map[string]CampaignState // platform|account|campaign
	uploads   []ConversionUpload
	mutations []CampaignMutateRequest
	calls     map[string]int
	rejectOps map[string]string // campaign id -> validation error
	failNext  map[string]error  // op -> error returned once
}

// NewSimulated returns an empty simulated backend.
func NewSimulated() *Simulated {
	return &Simulated{
		states:    make(map[string]CampaignState),
		calls:     make(map[string]int),
		rejectOps: make(map[string]string),
		failNext:  make(map[string]error),
	}
}

// SimulatedCampaigns lists the campaign ids generated for a platform.
func SimulatedCampaigns(p model.Platform) []string {
	prof := profiles[p]
	ids := make([]string, simCampaignsPerAccount)
	for i := range ids {
		ids[i] = prof.campaignPrefix + strconv.Itoa(i+1)
	}
	return ids
}

func (s *Simulated) FetchMetrics(ctx context.Context, q MetricsQuery) (MetricsPage, error) {
	if err := s.enter(ctx, "fetch_metrics"); err != nil {
		return MetricsPage{}, err
	}
	prof, ok := profiles[q.Platform]
	if !ok {
		return MetricsPage{}, &Error{Platform: q.Platform, Op: "fetch_metrics", Kind: model.ErrorKindValidation, Message: "unsupported platform"}
	}

	var all []MetricsRow
	for _, d := range q.Window.Days() {
		for _, id := range SimulatedCampaigns(q.Platform) {
			all = append(all, simRow(prof, q.AccountID, id, d))
		}
	}

	offset := 0
	if q.PageToken != "" {
		n, err := strconv.Atoi(q.PageToken)
		if err != nil || n < 0 || n > len(all) {
			return MetricsPage{}, &Error{Platform: q.Platform, Op: "fetch_metrics", Kind: model.ErrorKindValidation, Message: "bad page token"}
		}
		offset = n
	}
	end := min(offset+simPageSize, len(all))
	page := MetricsPage{Rows: all[offset:end]}
	if end < len(all) {
		page.NextPageToken = strconv.Itoa(end)
	}
	return page, nil
}

func simRow(prof profile, account, campaign string, day time.Time) MetricsRow {
	h := fnv.New64a()
	_, _ = fmt.Fprintf(h, "%s|%s|%s", account, campaign, day.Format("2006-01-02"))
	r := rand.New(rand.NewPCG(prof.seed, h.Sum64()))

	between := func(b [2]int64) int64 { return b[0] + r.Int64N(b[1]-b[0]+1) }
	spend := prof.spend[0] + r.Float64()*(prof.spend[1]-prof.spend[0])
	conv := between(prof.conversions)

	return MetricsRow{
		Date:            day,
		AccountID:       account,
		CampaignID:      campaign,
		CampaignName:    "Campaign " + campaign,
		Impressions:     between(prof.impressions),
		Clicks:          between(prof.clicks),
		CostMicros:      int64(spend * 1e6),
		Conversions:     float64(conv),
		ConversionValue: float64(conv) * (40 + r.Float64()*80),
	}
}

func (s *Simulated) CampaignStates(ctx context.Context, p model.Platform, accountID string, ids []string) ([]CampaignState, error) {
	if err := s.enter(ctx, "campaign_states"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]CampaignState, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.stateLocked(p, accountID, id))
	}
	return out, nil
}

func (s *Simulated) stateLocked(p model.Platform, account, id string) CampaignState {
	key := string(p) + "|" + account + "|" + id
	if st, ok := s.states[key]; ok {
		return st
	}
	h := fnv.New64a()
	_, _ = fmt.Fprintf(h, "%s|%s|%s", p, account, id)
	// Budgets between 50 and 150 currency units per day.
	st := CampaignState{CampaignID: id, Status: StatusEnabled, DailyBudgetMicros: int64(50+h.Sum64()%101) * 1_000_000}
	s.states[key] = st
	return st
}

// SetCampaignState overrides the state of a campaign.
func (s *Simulated) SetCampaignState(p model.Platform, account string, st CampaignState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[string(p)+"|"+account+"|"+st.CampaignID] = st
}

func (s *Simulated) UploadConversions(ctx context.Context, b ConversionBatch) (MutateResult, error) {
	if err := s.enter(ctx, "upload_conversions"); err != nil {
		return MutateResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	res := MutateResult{Results: make([]OperationResult, len(b.Conversions)), Committed: !b.ValidateOnly}
	for i, c := range b.Conversions {
		r := OperationResult{Index: i, ID: c.OrderID, OK: true}
		switch {
		case c.ClickID == "":
			r.OK, r.Error = false, "missing click identifier"
		case c.Value < 0:
			r.OK, r.Error = false, "conversion value must not be negative"
		}
		if r.OK && !b.ValidateOnly {
			s.uploads = append(s.uploads, c)
		}
		res.Results[i] = r
	}
	return res, nil
}

func (s *Simulated) MutateCampaigns(ctx context.Context, req CampaignMutateRequest) (MutateResult, error) {
	if err := s.enter(ctx, "mutate_campaigns"); err != nil {
		return MutateResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	res := MutateResult{Results: make([]OperationResult, len(req.Operations)), Committed: !req.ValidateOnly}
	for i, op := range req.Operations {
		r := OperationResult{Index: i, ID: op.CampaignID, OK: true}
		if msg := s.validateLocked(op); msg != "" {
			r.OK, r.Error = false, msg
		}
		if r.OK && !req.ValidateOnly {
			st := s.stateLocked(req.Platform, req.AccountID, op.CampaignID)
			for _, f := range op.UpdateMask {
				switch f {
				case FieldBudget:
					st.DailyBudgetMicros = op.BudgetMicros
				case FieldStatus:
					st.Status = op.Status
				}
			}
			s.states[string(req.Platform)+"|"+req.AccountID+"|"+op.CampaignID] = st
		}
		res.Results[i] = r
	}
	if !req.ValidateOnly {
		s.mutations = append(s.mutations, req)
	}
	return res, nil
}

func (s *Simulated) validateLocked(op CampaignOperation) string {
	if msg, ok := s.rejectOps[op.CampaignID]; ok {
		return msg
	}
	if len(op.UpdateMask) == 0 {
		return "empty update mask"
	}
	for _, f := range op.UpdateMask {
		switch f {
		case FieldBudget:
			if op.BudgetMicros <= 0 {
				return "budget must be positive"
			}
		case FieldStatus:
			if op.Status != StatusEnabled && op.Status != StatusPaused {
				return fmt.Sprintf("unknown status %q", op.Status)
			}
		default:
			return fmt.Sprintf("field %q is not mutable", f)
		}
	}
	return ""
}

func (s *Simulated) KeywordIdeas(ctx context.Context, seeds []string) ([]KeywordIdea, error) {
	if err := s.enter(ctx, "keyword_ideas"); err != nil {
		return nil, err
	}
	competition := []string{"LOW", "MEDIUM", "HIGH"}
	out := make([]KeywordIdea, 0, len(seeds))
	for _, kw := range seeds {
		h := fnv.New64a()
		_, _ = h.Write([]byte(kw))
		r := rand.New(rand.NewPCG(profiles[model.PlatformGoogle].seed, h.Sum64()))
		out = append(out, KeywordIdea{
			Keyword:       kw,
			MonthlyVolume: 100 + r.Int64N(50_000),
			CPCMicros:     500_000 + r.Int64N(8_000_000),
			Competition:   competition[r.IntN(len(competition))],
		})
	}
	return out, nil
}

// RejectCampaign makes validation of any operation on id fail with msg.
func (s *Simulated) RejectCampaign(id, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectOps[id] = msg
}

// FailNext makes the next call of op return err.
func (s *Simulated) FailNext(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext[op] = err
}

// Calls returns how many times op was invoked.
func (s *Simulated) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// Uploaded returns committed conversion uploads, ordered by order id.
func (s *Simulated) Uploaded() []ConversionUpload {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]ConversionUpload(nil), s.uploads...)
	sort.Slice(out, func(i, j int) bool { return out[i].OrderID < out[j].OrderID })
	return out
}

// Mutations returns committed campaign mutation requests.
func (s *Simulated) Mutations() []CampaignMutateRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]CampaignMutateRequest(nil), s.mutations...)
}

func (s *Simulated) enter(ctx context.Context, op string) error {
	s.mu.Lock()
	s.calls[op]++
	err := s.failNext[op]
	delete(s.failNext, op)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return ctx.Err()
}
