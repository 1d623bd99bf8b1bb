package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"schemealert/internal/config"
	"schemealert/internal/types"
)

// RecordsClient reads schemes and artisan profiles from the platform records
// API. It implements both SchemeSource and UserSource; the coordinator is
// its only consumer.
type RecordsClient struct {
	base    *BaseClient
	baseURL string
	apiKey  string
	logger  types.Logger
}

// NewRecordsClient creates a records client for the configured endpoint.
func NewRecordsClient(cfg config.RecordsConfig, logger types.Logger, opts ...BaseClientOption) *RecordsClient {
	httpClient := &http.Client{Timeout: cfg.Timeout}
	return &RecordsClient{
		base:    NewBaseClient(httpClient, "records", DefaultRetryPolicy(), cfg.UserAgent, opts...),
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		logger:  logger.With("component", "records"),
	}
}

var (
	_ types.SchemeSource = (*RecordsClient)(nil)
	_ types.UserSource   = (*RecordsClient)(nil)
)

// ListChangedSchemes returns schemes updated strictly after since, ordered
// by UpdatedAt ascending.
func (c *RecordsClient) ListChangedSchemes(ctx context.Context, since time.Time) ([]types.Scheme, error) {
	endpoint := fmt.Sprintf("%s/v1/schemes/changed?since=%s",
		c.baseURL, url.QueryEscape(since.UTC().Format(time.RFC3339Nano)))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected,
			"failed to build scheme listing request", err)
	}
	c.authorize(req)

	resp, err := c.base.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.unexpectedStatus(resp, "listing changed schemes")
	}

	var body struct {
		Schemes []types.Scheme `json:"schemes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamGateway,
			"unreadable scheme listing response", err)
	}
	return body.Schemes, nil
}

// FindCandidateUsers returns artisan profiles matching the coarse filter.
// Fine-grained scoring stays with the matcher; this only narrows the set.
func (c *RecordsClient) FindCandidateUsers(ctx context.Context, filter types.CandidateFilter) ([]types.UserProfile, error) {
	payload, err := json.Marshal(filter)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected,
			"failed to encode candidate filter", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/users/search", bytes.NewReader(payload))
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected,
			"failed to build candidate search request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.base.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.unexpectedStatus(resp, "searching candidate users")
	}

	var body struct {
		Users []types.UserProfile `json:"users"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamGateway,
			"unreadable candidate search response", err)
	}
	return body.Users, nil
}

func (c *RecordsClient) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

func (c *RecordsClient) unexpectedStatus(resp *http.Response, what string) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	c.logger.Warn("records API returned unexpected status",
		"status", resp.StatusCode,
		"operation", what,
		"body", string(snippet),
	)
	return types.NewAppErrorWithDetails(types.ErrCodeUpstreamGateway,
		fmt.Sprintf("records API error while %s", what), nil,
		map[string]any{"status": resp.StatusCode})
}
