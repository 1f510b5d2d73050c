package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/jshorwitz/ai-adwords/internal/model"
)

// REST talks JSON to an ads gateway that fronts the platform APIs:
//
//	GET  {base}/{platform}/accounts/{account}/metrics?start=&end=&page_token=
//	GET  {base}/{platform}/accounts/{account}/campaigns?ids=a,b
//	POST {base}/{platform}/accounts/{account}/conversions:upload
//	POST {base}/{platform}/accounts/{account}/campaigns:mutate
//	POST {base}/google/keywords:ideas
//
// Each platform authenticates with its own bearer token.
type REST struct {
	baseURL    string
	tokens     map[string]string
	httpClient *http.Client
}

// NewREST creates a gateway client. Timeouts are applied per call by Guard.
func NewREST(baseURL string, tokens map[string]string) *REST {
	return &REST{
		baseURL:    strings.TrimRight(baseURL, "/"),
		tokens:     tokens,
		httpClient: &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
}

func (c *REST) FetchMetrics(ctx context.Context, q MetricsQuery) (MetricsPage, error) {
	v := url.Values{}
	v.Set("start", q.Window.Start.UTC().Format("2006-01-02T15:04:05Z07:00"))
	v.Set("end", q.Window.End.UTC().Format("2006-01-02T15:04:05Z07:00"))
	if q.PageToken != "" {
		v.Set("page_token", q.PageToken)
	}
	var page MetricsPage
	err := c.do(ctx, q.Platform, "fetch_metrics", http.MethodGet, c.accountPath(q.Platform, q.AccountID, "metrics")+"?"+v.Encode(), nil, &page)
	return page, err
}

func (c *REST) CampaignStates(ctx context.Context, p model.Platform, accountID string, ids []string) ([]CampaignState, error) {
	v := url.Values{}
	v.Set("ids", strings.Join(ids, ","))
	var out struct {
		Campaigns []CampaignState `json:"campaigns"`
	}
	err := c.do(ctx, p, "campaign_states", http.MethodGet, c.accountPath(p, accountID, "campaigns")+"?"+v.Encode(), nil, &out)
	return out.Campaigns, err
}

func (c *REST) UploadConversions(ctx context.Context, b ConversionBatch) (MutateResult, error) {
	var res MutateResult
	err := c.do(ctx, b.Platform, "upload_conversions", http.MethodPost, c.accountPath(b.Platform, b.AccountID, "conversions:upload"), b, &res)
	return res, err
}

func (c *REST) MutateCampaigns(ctx context.Context, req CampaignMutateRequest) (MutateResult, error) {
	var res MutateResult
	err := c.do(ctx, req.Platform, "mutate_campaigns", http.MethodPost, c.accountPath(req.Platform, req.AccountID, "campaigns:mutate"), req, &res)
	return res, err
}

func (c *REST) KeywordIdeas(ctx context.Context, seeds []string) ([]KeywordIdea, error) {
	var out struct {
		Ideas []KeywordIdea `json:"ideas"`
	}
	body := map[string][]string{"seeds": seeds}
	err := c.do(ctx, model.PlatformGoogle, "keyword_ideas", http.MethodPost, c.baseURL+"/google/keywords:ideas", body, &out)
	return out.Ideas, err
}

func (c *REST) accountPath(p model.Platform, account, suffix string) string {
	return fmt.Sprintf("%s/%s/accounts/%s/%s", c.baseURL, p, url.PathEscape(account), suffix)
}

func (c *REST) do(ctx context.Context, p model.Platform, op, method, target string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("platform: marshal %s request: %w", op, err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("platform: create %s request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok := c.tokens[string(p)]; tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// Connection-level failures are worth another attempt.
		return transient(p, op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return transient(p, op, fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &Error{
			Platform: p,
			Op:       op,
			Kind:     ClassifyHTTP(resp.StatusCode, raw),
			Status:   resp.StatusCode,
			Message:  errorMessage(raw),
		}
	}

	if out == nil {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(out); err != nil {
		return &Error{Platform: p, Op: op, Kind: model.ErrorKindSchema, Status: resp.StatusCode,
			Message: "undecodable response", Err: err}
	}
	return nil
}

// errorMessage pulls {"error":{"message":...}} or {"message":...} out of a
// gateway error body, falling back to a truncated raw body.
func errorMessage(raw []byte) string {
	var shaped struct {
		Message string `json:"message"`
		Error   struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &shaped); err == nil {
		if shaped.Error.Message != "" {
			return shaped.Error.Message
		}
		if shaped.Message != "" {
			return shaped.Message
		}
	}
	s := string(raw)
	if len(s) > 256 {
		s = s[:256] + "..."
	}
	return s
}
