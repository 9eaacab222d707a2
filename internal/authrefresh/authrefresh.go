// Package authrefresh exchanges a refresh token with the identity provider
// for an access token and quota snapshot, classifying every outcome
// (spec.md §4.3). Concurrent refreshes for the same account are
// deduplicated with singleflight, mirroring the teacher's token refresher.
package authrefresh

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultTimeout bounds one refresh HTTP call (spec.md §5).
const DefaultTimeout = 15 * time.Second

// Outcome classifies a refresh attempt (spec.md §4.3 table).
type Outcome string

const (
	OutcomeOK             Outcome = "ok"
	OutcomeRejected       Outcome = "refresh_rejected"
	OutcomeTransient      Outcome = "refresh_transient"
	OutcomeNetwork        Outcome = "network"
	OutcomeQuotaExhausted Outcome = "quota_exhausted"
)

// Quota mirrors the identity provider's quota snapshot.
type Quota struct {
	Limit           int64      `json:"limit"`
	Used            int64      `json:"used"`
	NextRefreshTime *time.Time `json:"next_refresh_time,omitempty"`
	RefreshDuration time.Duration `json:"refresh_duration_seconds,omitempty"`
	IsUnlimited     bool       `json:"is_unlimited"`
}

// Result is returned on a successful or classifiable refresh attempt.
type Result struct {
	Outcome     Outcome
	AccessToken string
	ExpiresAt   time.Time
	Quota       *Quota
	Detail      string
}

// Refresher exchanges refresh tokens for access tokens.
type Refresher struct {
	httpClient *http.Client
	logger     *slog.Logger
	url        string
	region     string
	timeout    time.Duration

	sf singleflight.Group
}

// Options configures a Refresher.
type Options struct {
	// URL is IDENTITY_REFRESH_URL, optionally containing one %s for Region.
	URL        string
	Region     string
	HTTPClient *http.Client
	Logger     *slog.Logger
	Timeout    time.Duration
}

// New constructs a Refresher.
func New(opts Options) *Refresher {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	return &Refresher{
		httpClient: client,
		logger:     logger,
		url:        opts.URL,
		region:     opts.Region,
		timeout:    timeout,
	}
}

type refreshRequestBody struct {
	RefreshToken string `json:"refresh_token"`
}

type refreshResponseBody struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	Quota       *struct {
		Limit           int64  `json:"limit"`
		Used            int64  `json:"used"`
		NextRefreshTime string `json:"next_refresh_time"`
		RefreshDuration int64  `json:"refresh_duration_seconds"`
		IsUnlimited     bool   `json:"is_unlimited"`
	} `json:"quota"`
	Error string `json:"error"`
}

func (r *Refresher) endpoint() string {
	if strings.Contains(r.url, "%s") {
		return fmt.Sprintf(r.url, r.region)
	}
	return r.url
}

// Refresh performs a deduplicated refresh for accountKey (typically the
// account's refresh-token fingerprint, not its id, so rotation of the id
// space never reuses a singleflight key). Concurrent callers for the same
// key observe the one in-flight result.
func (r *Refresher) Refresh(ctx context.Context, accountKey, refreshToken string) (*Result, error) {
	v, err, _ := r.sf.Do(accountKey, func() (any, error) {
		return r.doRefresh(ctx, refreshToken)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Result), nil
}

func (r *Refresher) doRefresh(ctx context.Context, refreshToken string) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	body, err := json.Marshal(refreshRequestBody{RefreshToken: refreshToken})
	if err != nil {
		return nil, fmt.Errorf("authrefresh: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("authrefresh: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		r.logger.Warn("refresh request failed", "error", err)
		return &Result{Outcome: OutcomeNetwork, Detail: err.Error()}, nil
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &Result{Outcome: OutcomeNetwork, Detail: err.Error()}, nil
	}

	if resp.StatusCode >= 400 {
		return r.classifyError(resp.StatusCode, raw), nil
	}

	var parsed refreshResponseBody
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return &Result{Outcome: OutcomeTransient, Detail: "unparseable response body"}, nil
	}

	result := &Result{
		Outcome:     OutcomeOK,
		AccessToken: parsed.AccessToken,
		ExpiresAt:   time.Now().Add(time.Duration(parsed.ExpiresIn) * time.Second),
	}
	if parsed.Quota != nil {
		q := &Quota{
			Limit:           parsed.Quota.Limit,
			Used:            parsed.Quota.Used,
			RefreshDuration: time.Duration(parsed.Quota.RefreshDuration) * time.Second,
			IsUnlimited:     parsed.Quota.IsUnlimited,
		}
		if t, err := time.Parse(time.RFC3339, parsed.Quota.NextRefreshTime); err == nil {
			q.NextRefreshTime = &t
		}
		result.Quota = q
		if !q.IsUnlimited && q.Limit-q.Used <= 0 {
			result.Outcome = OutcomeQuotaExhausted
		}
	}
	return result, nil
}

// classifyError maps a 4xx/5xx refresh response per spec.md §4.3.
func (r *Refresher) classifyError(status int, body []byte) *Result {
	snippet := string(body)
	lower := strings.ToLower(snippet)

	if status >= 400 && status < 500 {
		if strings.Contains(lower, "invalid_grant") || strings.Contains(lower, "revoked") {
			return &Result{Outcome: OutcomeRejected, Detail: snippet}
		}
		if strings.Contains(lower, "quota") {
			return &Result{Outcome: OutcomeQuotaExhausted, Detail: snippet}
		}
	}
	return &Result{Outcome: OutcomeTransient, Detail: "status " + strconv.Itoa(status) + ": " + snippet}
}
