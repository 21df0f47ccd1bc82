package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/pressroom-hq/account-harvester/internal/domain"
	"github.com/pressroom-hq/account-harvester/internal/logger"
	"github.com/pressroom-hq/account-harvester/internal/session"
	"github.com/pressroom-hq/account-harvester/pkg/httpclient"
)

// Package platform talks to the content platform's private web API: account
// search, paginated article listings, and the credential liveness probe.

const (
	searchPath  = "/cgi-bin/searchbiz"
	listingPath = "/cgi-bin/appmsg"

	// PageSize is fixed by the listing endpoint.
	PageSize = 5

	defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/107.0.0.0 Safari/537.36"
)

// Revocation codes the service advertises when a token is dead. Anything else
// in base_resp is treated as a transient service error.
var revokedRetCodes = map[int]bool{
	-6:     true,
	200013: true,
}

// ResolveError wraps a failed account search.
type ResolveError struct {
	Name string
	Err  error
}

func (e *ResolveError) Error() string { return fmt.Sprintf("resolve %q: %v", e.Name, e.Err) }
func (e *ResolveError) Unwrap() error { return e.Err }

// FetchError wraps a failed listing page fetch.
type FetchError struct {
	AccountRef string
	Offset     int
	Err        error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch page offset %d for %s: %v", e.Offset, e.AccountRef, e.Err)
}
func (e *FetchError) Unwrap() error { return e.Err }

// Client is the resty-backed platform API client. Listing fetches are throttled
// by both a jittered pre-request delay and a token-bucket ceiling.
type Client struct {
	http    httpclient.Client
	baseURL string
	delay   Delay
	retry   Backoff
	limiter *rate.Limiter
	log     logger.Logger
}

// Options tunes the client's throttling and retry behavior.
type Options struct {
	Delay Delay
	Retry Backoff
}

// NewClient builds a platform client. A nil http client gets a default resty
// transport with a 15s timeout.
func NewClient(http httpclient.Client, baseURL string, opts Options, log logger.Logger) *Client {
	if http == nil {
		http = httpclient.NewRestyClient(15 * time.Second)
	}
	if log == nil {
		log = &logger.NopLogger{}
	}
	// Ceiling of one listing call per second regardless of configured delays.
	limiter := rate.NewLimiter(rate.Every(time.Second), 1)
	return &Client{
		http:    http,
		baseURL: strings.TrimRight(baseURL, "/"),
		delay:   opts.Delay,
		retry:   opts.Retry,
		limiter: limiter,
		log:     log,
	}
}

type baseResp struct {
	Ret    int    `json:"ret"`
	ErrMsg string `json:"err_msg"`
}

type searchResponse struct {
	BaseResp *baseResp     `json:"base_resp"`
	List     []searchEntry `json:"list"`
}

type searchEntry struct {
	Nickname string `json:"nickname"`
	FakeID   string `json:"fakeid"`
}

type listingResponse struct {
	BaseResp *baseResp     `json:"base_resp"`
	AppMsgs  *[]listingMsg `json:"app_msg_list"`
}

type listingMsg struct {
	Title      string `json:"title"`
	Link       string `json:"link"`
	UpdateTime int64  `json:"update_time"`
}

func headers(cred domain.Credential) map[string]string {
	h := map[string]string{
		"User-Agent": defaultUserAgent,
	}
	if cookie := cred.CookieHeader(); cookie != "" {
		h["Cookie"] = cookie
	}
	return h
}

// Resolve searches the platform for accounts matching name. Zero candidates is
// a normal outcome, not an error. No retries here; retry policy belongs to the
// caller.
func (c *Client) Resolve(ctx context.Context, cred domain.Credential, name string) ([]domain.Candidate, error) {
	query := map[string]string{
		"action": "search_biz",
		"scene":  "1",
		"begin":  "0",
		"count":  "10",
		"query":  name,
		"token":  cred.Token,
		"lang":   "zh_CN",
		"f":      "json",
		"ajax":   "1",
	}

	var resp searchResponse
	if err := c.getJSON(ctx, c.baseURL+searchPath, cred, query, &resp); err != nil {
		return nil, &ResolveError{Name: name, Err: err}
	}
	if resp.BaseResp != nil && resp.BaseResp.Ret != 0 {
		return nil, &ResolveError{Name: name, Err: retError(resp.BaseResp)}
	}

	candidates := make([]domain.Candidate, 0, len(resp.List))
	for _, entry := range resp.List {
		if strings.TrimSpace(entry.FakeID) == "" {
			continue
		}
		candidates = append(candidates, domain.Candidate{
			Name:       entry.Nickname,
			PlatformID: entry.FakeID,
		})
	}
	return candidates, nil
}

// FetchPage retrieves one listing page for the given platform account id at the
// given offset. It returns the stubs and whether more pages may follow (the
// endpoint signals exhaustion by omitting the listing field). Every call is
// preceded by the configured jittered delay plus the rate ceiling; the request
// itself is retried per the backoff policy.
func (c *Client) FetchPage(ctx context.Context, cred domain.Credential, accountRef string, offset int) ([]domain.ArticleStub, bool, error) {
	if err := c.delay.Wait(ctx); err != nil {
		return nil, false, &FetchError{AccountRef: accountRef, Offset: offset, Err: err}
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, false, &FetchError{AccountRef: accountRef, Offset: offset, Err: err}
	}

	query := map[string]string{
		"action": "list_ex",
		"begin":  strconv.Itoa(offset),
		"count":  strconv.Itoa(PageSize),
		"fakeid": accountRef,
		"type":   "9",
		"query":  "",
		"token":  cred.Token,
		"lang":   "zh_CN",
		"f":      "json",
		"ajax":   "1",
	}

	var resp listingResponse
	err := c.retry.Do(ctx, func() error {
		resp = listingResponse{}
		return c.getJSON(ctx, c.baseURL+listingPath, cred, query, &resp)
	})
	if err != nil {
		return nil, false, &FetchError{AccountRef: accountRef, Offset: offset, Err: err}
	}

	if resp.AppMsgs == nil {
		// Listing field absent: either exhausted or throttled; stop paging.
		if resp.BaseResp != nil && resp.BaseResp.Ret != 0 {
			c.log.WarnObj("listing page returned no article field", "listing_meta", map[string]any{
				"account_ref": accountRef,
				"offset":      offset,
				"ret":         resp.BaseResp.Ret,
			})
		}
		return nil, false, nil
	}

	now := time.Now()
	stubs := make([]domain.ArticleStub, 0, len(*resp.AppMsgs))
	for _, msg := range *resp.AppMsgs {
		ts := msg.UpdateTime
		if ts <= 0 {
			// Parse failure surfaces as fetch-time timestamp; see domain.ParsePublishTime.
			ts = now.Unix()
		}
		stubs = append(stubs, domain.ArticleStub{
			Title:            msg.Title,
			URL:              msg.Link,
			PublishTimestamp: ts,
		})
	}
	return stubs, len(stubs) > 0, nil
}

// Probe is the liveness check used by the session cache: the cheapest
// authenticated read the service offers. Revocation codes map to
// session.ErrCredentialRevoked; anything else is transient.
func (c *Client) Probe(ctx context.Context, cred domain.Credential) error {
	query := map[string]string{
		"action": "search_biz",
		"token":  cred.Token,
		"lang":   "zh_CN",
		"f":      "json",
		"ajax":   "1",
		"random": strconv.FormatFloat(rand.Float64(), 'f', -1, 64),
		"query":  "test",
		"begin":  "0",
		"count":  "1",
	}

	var resp searchResponse
	if err := c.getJSON(ctx, c.baseURL+searchPath, cred, query, &resp); err != nil {
		return fmt.Errorf("liveness probe: %w", err)
	}
	if resp.BaseResp == nil {
		return fmt.Errorf("liveness probe: response missing base_resp")
	}
	if resp.BaseResp.Ret == 0 {
		return nil
	}
	if revokedRetCodes[resp.BaseResp.Ret] {
		return fmt.Errorf("liveness probe ret %d: %w", resp.BaseResp.Ret, session.ErrCredentialRevoked)
	}
	return fmt.Errorf("liveness probe: %w", retError(resp.BaseResp))
}

func (c *Client) getJSON(ctx context.Context, url string, cred domain.Credential, query map[string]string, out any) error {
	resp, err := c.http.Get(ctx, url, headers(cred), query)
	if err != nil {
		return fmt.Errorf("http get: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("status %d body: %s", resp.StatusCode(), responseSnippet(resp.Body()))
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func retError(br *baseResp) error {
	if br.ErrMsg != "" {
		return fmt.Errorf("service error ret %d: %s", br.Ret, br.ErrMsg)
	}
	return fmt.Errorf("service error ret %d", br.Ret)
}

func responseSnippet(body []byte) string {
	const maxLen = 512
	s := strings.TrimSpace(string(body))
	if len(s) > maxLen {
		return s[:maxLen] + "..."
	}
	if s == "" {
		return "<empty>"
	}
	return s
}
