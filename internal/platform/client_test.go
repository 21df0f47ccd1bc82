package platform

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pressroom-hq/account-harvester/internal/domain"
	"github.com/pressroom-hq/account-harvester/internal/session"
	"github.com/pressroom-hq/account-harvester/pkg/httpclient"
)

// stubHTTPResponse implements httpclient.Response.
type stubHTTPResponse struct {
	body       []byte
	statusCode int
}

func (s stubHTTPResponse) Body() []byte    { return s.body }
func (s stubHTTPResponse) StatusCode() int { return s.statusCode }

// stubHTTPClient records requests and replays canned responses in order.
type stubHTTPClient struct {
	responses []stubHTTPResponse
	err       error
	calls     int
	lastURL   string
	lastQuery map[string]string
}

func (s *stubHTTPClient) Get(_ context.Context, url string, _, query map[string]string) (httpclient.Response, error) {
	s.calls++
	s.lastURL = url
	s.lastQuery = query
	if s.err != nil {
		return nil, s.err
	}
	idx := s.calls - 1
	if idx >= len(s.responses) {
		idx = len(s.responses) - 1
	}
	return s.responses[idx], nil
}

func testClient(http *stubHTTPClient) *Client {
	return NewClient(http, "https://platform.example", Options{}, nil)
}

func testCred() domain.Credential {
	return domain.Credential{Token: "tok", Cookies: map[string]string{"sid": "abc"}}
}

func TestResolveReturnsCandidates(t *testing.T) {
	http := &stubHTTPClient{responses: []stubHTTPResponse{{
		statusCode: 200,
		body: []byte(`{"base_resp":{"ret":0},"list":[
			{"nickname":"Acme News","fakeid":"FAKE123"},
			{"nickname":"Acme Daily","fakeid":"FAKE456"}]}`),
	}}}

	got, err := testClient(http).Resolve(context.Background(), testCred(), "Acme")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(got))
	}
	if got[0].Name != "Acme News" || got[0].PlatformID != "FAKE123" {
		t.Fatalf("unexpected candidate %+v", got[0])
	}
	if http.lastQuery["query"] != "Acme" || http.lastQuery["token"] != "tok" {
		t.Fatalf("unexpected query params %v", http.lastQuery)
	}
}

func TestResolveZeroCandidatesIsNotError(t *testing.T) {
	http := &stubHTTPClient{responses: []stubHTTPResponse{{
		statusCode: 200,
		body:       []byte(`{"base_resp":{"ret":0},"list":[]}`),
	}}}

	got, err := testClient(http).Resolve(context.Background(), testCred(), "nobody")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected zero candidates, got %d", len(got))
	}
}

func TestResolveWrapsServiceError(t *testing.T) {
	http := &stubHTTPClient{responses: []stubHTTPResponse{{
		statusCode: 200,
		body:       []byte(`{"base_resp":{"ret":200003,"err_msg":"invalid session"}}`),
	}}}

	_, err := testClient(http).Resolve(context.Background(), testCred(), "Acme")
	var resolveErr *ResolveError
	if !errors.As(err, &resolveErr) {
		t.Fatalf("expected ResolveError, got %v", err)
	}
}

func TestFetchPageReturnsStubs(t *testing.T) {
	http := &stubHTTPClient{responses: []stubHTTPResponse{{
		statusCode: 200,
		body: []byte(`{"base_resp":{"ret":0},"app_msg_list":[
			{"title":"First","link":"https://p.example/a1","update_time":1705276800},
			{"title":"Second","link":"https://p.example/a2","update_time":1705190400}]}`),
	}}}

	stubs, more, err := testClient(http).FetchPage(context.Background(), testCred(), "FAKE123", 0)
	if err != nil {
		t.Fatalf("FetchPage: %v", err)
	}
	if !more {
		t.Fatalf("expected hasMore=true")
	}
	if len(stubs) != 2 {
		t.Fatalf("expected 2 stubs, got %d", len(stubs))
	}
	if stubs[0].URL != "https://p.example/a1" || stubs[0].PublishTimestamp != 1705276800 {
		t.Fatalf("unexpected stub %+v", stubs[0])
	}
	if http.lastQuery["fakeid"] != "FAKE123" || http.lastQuery["begin"] != "0" {
		t.Fatalf("unexpected query params %v", http.lastQuery)
	}
}

func TestFetchPageStopsWhenListingFieldAbsent(t *testing.T) {
	http := &stubHTTPClient{responses: []stubHTTPResponse{{
		statusCode: 200,
		body:       []byte(`{"base_resp":{"ret":200013,"err_msg":"freq control"}}`),
	}}}

	stubs, more, err := testClient(http).FetchPage(context.Background(), testCred(), "FAKE123", 5)
	if err != nil {
		t.Fatalf("FetchPage: %v", err)
	}
	if more || len(stubs) != 0 {
		t.Fatalf("expected exhausted page, got stubs=%d more=%v", len(stubs), more)
	}
}

func TestFetchPageRetriesTransportErrors(t *testing.T) {
	http := &stubHTTPClient{err: errors.New("connection reset")}
	client := NewClient(http, "https://platform.example", Options{
		Retry: Backoff{Attempts: 3},
	}, nil)

	_, _, err := client.FetchPage(context.Background(), testCred(), "FAKE123", 0)
	var fetchErr *FetchError
	if !errors.As(err, &fetchErr) {
		t.Fatalf("expected FetchError, got %v", err)
	}
	if http.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", http.calls)
	}
}

func TestProbeDistinguishesRevocationFromTransient(t *testing.T) {
	cases := []struct {
		name    string
		body    string
		revoked bool
		wantErr bool
	}{
		{"live", `{"base_resp":{"ret":0}}`, false, false},
		{"revoked", `{"base_resp":{"ret":-6}}`, true, true},
		{"revoked freq", `{"base_resp":{"ret":200013}}`, true, true},
		{"transient", `{"base_resp":{"ret":500,"err_msg":"busy"}}`, false, true},
	}

	for _, tc := range cases {
		http := &stubHTTPClient{responses: []stubHTTPResponse{{statusCode: 200, body: []byte(tc.body)}}}
		err := testClient(http).Probe(context.Background(), testCred())
		if tc.wantErr && err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
		if !tc.wantErr && err != nil {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
		if got := errors.Is(err, session.ErrCredentialRevoked); got != tc.revoked {
			t.Fatalf("%s: revoked=%v, want %v (err=%v)", tc.name, got, tc.revoked, err)
		}
	}
}

func TestBackoffStopsAfterSuccess(t *testing.T) {
	calls := 0
	err := Backoff{Attempts: 5, Interval: time.Millisecond}.Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("not yet")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestBackoffHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Backoff{Attempts: 3, Interval: time.Second}.Do(ctx, func() error {
		return errors.New("fail")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestDelayWaitStaysWithinRange(t *testing.T) {
	d := Delay{Min: 5 * time.Millisecond, Max: 20 * time.Millisecond}
	start := time.Now()
	if err := d.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	elapsed := time.Since(start)
	if elapsed < 5*time.Millisecond {
		t.Fatalf("delay too short: %v", elapsed)
	}
}
