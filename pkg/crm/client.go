// Package crm is a read-only client for the source CRM's paginated REST API.
package crm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/crm-import/internal/resilience"
)

const defaultBaseURL = "https://api.crm.example.com/v1"

// Endpoints consumed by the migration.
const (
	EndpointUsers     = "users"
	EndpointContacts  = "contacts"
	EndpointProspects = "prospects"
	EndpointNotes     = "notes"
	EndpointTimeline  = "timeline"
)

// pageSizes is the fixed page-size policy. Record-heavy endpoints use
// smaller pages so one page fits in a single short invocation.
var pageSizes = map[string]int{
	EndpointUsers:     100,
	EndpointContacts:  100,
	EndpointProspects: 50,
	EndpointNotes:     25,
	EndpointTimeline:  25,
}

// PageSize returns the page size used for endpoint.
func PageSize(endpoint string) int {
	if n, ok := pageSizes[endpoint]; ok {
		return n
	}
	return 50
}

// PageRequest selects one page of an endpoint. A nil UpdatedSince fetches
// every record.
type PageRequest struct {
	Page         int
	PerPage      int
	UpdatedSince *time.Time
}

// Client fetches pages from the CRM.
type Client interface {
	FetchPage(ctx context.Context, endpoint string, req PageRequest) (*Page, error)
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the default API base URL.
func WithBaseURL(u string) Option {
	return func(c *httpClient) {
		c.baseURL = strings.TrimRight(u, "/")
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithRateLimit caps outgoing requests per second.
func WithRateLimit(rps float64) Option {
	return func(c *httpClient) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), max(int(rps), 1))
		}
	}
}

// WithRetry sets the retry policy for network failures and gateway errors.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(c *httpClient) {
		c.retry = cfg
	}
}

// WithClock overrides time.Now, used to resolve HTTP-date Retry-After values.
func WithClock(now func() time.Time) Option {
	return func(c *httpClient) {
		c.now = now
	}
}

type httpClient struct {
	token   string
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	retry   resilience.RetryConfig
	now     func() time.Time
}

// NewClient creates a CRM client authenticated with a bearer token.
func NewClient(token string, opts ...Option) Client {
	c := &httpClient{
		token:   token,
		baseURL: defaultBaseURL,
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		retry: resilience.DefaultRetryConfig(),
		now:   time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	if c.retry.OnRetry == nil {
		c.retry.OnRetry = resilience.RetryLogger("crm", "fetch_page")
	}
	if c.retry.ShouldRetry == nil {
		c.retry.ShouldRetry = shouldRetry
	}
	return c
}

// shouldRetry retries network failures and gateway errors only. Rate limits
// and other API errors are left to the caller.
func shouldRetry(err error) bool {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return false
	}
	var te *resilience.TransientError
	var apiErr *APIError
	if errors.As(err, &apiErr) && !errors.As(err, &te) {
		return false
	}
	return resilience.IsTransient(err)
}

type listResponse struct {
	Data []Resource `json:"data"`
	Meta struct {
		Pagination *struct {
			CurrentPage int `json:"current_page"`
			TotalPages  int `json:"total_pages"`
			TotalCount  int `json:"total_count"`
			PerPage     int `json:"per_page"`
		} `json:"pagination"`
	} `json:"meta"`
}

func (c *httpClient) FetchPage(ctx context.Context, endpoint string, req PageRequest) (*Page, error) {
	if req.Page <= 0 {
		req.Page = 1
	}
	if req.PerPage <= 0 {
		req.PerPage = PageSize(endpoint)
	}

	body, err := resilience.DoVal(ctx, c.retry, func(ctx context.Context) ([]byte, error) {
		return c.get(ctx, endpoint, req)
	})
	if err != nil {
		var te *resilience.TransientError
		var apiErr *APIError
		if errors.As(err, &te) && errors.As(err, &apiErr) {
			return nil, apiErr
		}
		return nil, err
	}

	var resp listResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, eris.Wrapf(err, "crm: unmarshal %s page %d", endpoint, req.Page)
	}

	return &Page{
		Records:    resp.Data,
		Pagination: normalize(resp, req),
	}, nil
}

func (c *httpClient) get(ctx context.Context, endpoint string, req PageRequest) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "crm: rate limiter wait")
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/"+endpoint+"?"+query(req).Encode(), nil)
	if err != nil {
		return nil, eris.Wrap(err, "crm: create request")
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, eris.Wrapf(err, "crm: send %s request", endpoint)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "crm: read response")
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &RateLimitError{
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), c.now()),
			Body:       truncateBody(body),
		}
	case resilience.IsGatewayStatus(resp.StatusCode):
		return nil, resilience.NewTransientError(&APIError{StatusCode: resp.StatusCode, Body: truncateBody(body)}, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, &APIError{StatusCode: resp.StatusCode, Body: truncateBody(body)}
	}
	return body, nil
}

// query builds page, per_page, and the updated-since filter triple.
func query(req PageRequest) url.Values {
	q := url.Values{}
	q.Set("page", strconv.Itoa(req.Page))
	q.Set("per_page", strconv.Itoa(req.PerPage))
	if req.UpdatedSince != nil {
		q.Set("filter_by", "updated_at")
		q.Set("filter_on", ">=")
		q.Set("filter_with", req.UpdatedSince.UTC().Format(time.RFC3339))
	}
	return q
}

func normalize(resp listResponse, req PageRequest) Pagination {
	p := Pagination{
		CurrentPage: req.Page,
		TotalPages:  req.Page,
		TotalCount:  len(resp.Data),
		PerPage:     req.PerPage,
	}
	if m := resp.Meta.Pagination; m != nil {
		if m.CurrentPage > 0 {
			p.CurrentPage = m.CurrentPage
		}
		p.TotalPages = m.TotalPages
		p.TotalCount = m.TotalCount
		if m.PerPage > 0 {
			p.PerPage = m.PerPage
		}
	}
	p.HasMore = p.CurrentPage < p.TotalPages && len(resp.Data) > 0
	return p
}
