package domain

import (
	"fmt"
	"time"
)

// Domain contains core models shared across harvesting, storage, and publishing.

// Account is a named content source on a platform. Identity is (Platform, Name);
// PlatformAccountID is the platform's internal identifier and may be empty.
type Account struct {
	ID                int64             `json:"id"`
	Name              string            `json:"name"`
	Platform          string            `json:"platform"`
	PlatformAccountID string            `json:"platform_account_id"`
	Details           map[string]string `json:"details"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// Article is one piece of content published by an Account, keyed by its URL.
// AccountName carries provenance between fetch and persistence; storage backends
// key on AccountID only.
type Article struct {
	ID               int64             `json:"id"`
	AccountID        int64             `json:"account_id"`
	AccountName      string            `json:"account_name,omitempty"`
	Title            string            `json:"title"`
	URL              string            `json:"url"`
	PublishTime      string            `json:"publish_time"`
	PublishTimestamp int64             `json:"publish_timestamp"`
	Content          string            `json:"content,omitempty"`
	Summary          string            `json:"summary,omitempty"`
	Details          map[string]string `json:"details,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// ArticleStub is the partial record produced by the listing fetch stage.
type ArticleStub struct {
	Title            string `json:"title"`
	URL              string `json:"url"`
	PublishTimestamp int64  `json:"publish_timestamp"`
}

// Candidate is one account-resolution match returned by the platform search.
type Candidate struct {
	Name       string `json:"name"`
	PlatformID string `json:"platform_id"`
}

// Credential is the token/cookie pair required by the platform's private endpoints.
type Credential struct {
	Token     string            `json:"token"`
	Cookies   map[string]string `json:"cookies"`
	Timestamp time.Time         `json:"timestamp"`
}

// IsZero reports whether the credential carries no usable token.
func (c Credential) IsZero() bool { return c.Token == "" }

// Age returns how long ago the credential was issued.
func (c Credential) Age(now time.Time) time.Duration { return now.Sub(c.Timestamp) }

// CookieHeader renders the cookie set as a single Cookie header value.
func (c Credential) CookieHeader() string {
	out := ""
	for k, v := range c.Cookies {
		if out != "" {
			out += "; "
		}
		out += k + "=" + v
	}
	return out
}

const dateLayout = "2006-01-02"

// TimeLayout is the human-readable publish time format used throughout.
const TimeLayout = "2006-01-02 15:04:05"

// DateRange is an inclusive calendar-date window.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// ParseDateRange parses "YYYY-MM-DD" bounds into a DateRange.
func ParseDateRange(start, end string) (DateRange, error) {
	s, err := time.ParseInLocation(dateLayout, start, time.Local)
	if err != nil {
		return DateRange{}, fmt.Errorf("parse start date %q: %w", start, err)
	}
	e, err := time.ParseInLocation(dateLayout, end, time.Local)
	if err != nil {
		return DateRange{}, fmt.Errorf("parse end date %q: %w", end, err)
	}
	return DateRange{Start: s, End: e}, nil
}

// LastDays returns the window covering the past n calendar days up to today.
func LastDays(n int, now time.Time) DateRange {
	end := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	return DateRange{Start: end.AddDate(0, 0, -n), End: end}
}

// Valid reports whether the window is ordered.
func (r DateRange) Valid() bool { return !r.Start.After(r.End) }

// Bounds returns the inclusive epoch-second limits of the window,
// [start 00:00:00, end 23:59:59] in local time.
func (r DateRange) Bounds() (int64, int64) {
	lo := time.Date(r.Start.Year(), r.Start.Month(), r.Start.Day(), 0, 0, 0, 0, time.Local)
	hi := time.Date(r.End.Year(), r.End.Month(), r.End.Day(), 23, 59, 59, 0, time.Local)
	return lo.Unix(), hi.Unix()
}

// Contains reports whether the epoch-second timestamp falls inside the window.
func (r DateRange) Contains(ts int64) bool {
	lo, hi := r.Bounds()
	return ts >= lo && ts <= hi
}

func (r DateRange) String() string {
	return r.Start.Format(dateLayout) + ".." + r.End.Format(dateLayout)
}

// FormatTimestamp renders an epoch-second timestamp as a publish time string.
func FormatTimestamp(ts int64) string {
	return time.Unix(ts, 0).Format(TimeLayout)
}

// ParsePublishTime converts a publish time string back to epoch seconds. When
// parsing fails the supplied fallback (normally the fetch time) is returned,
// which callers must treat as a parse-failure signal.
func ParsePublishTime(s string, fallback time.Time) int64 {
	t, err := time.ParseInLocation(TimeLayout, s, time.Local)
	if err != nil {
		return fallback.Unix()
	}
	return t.Unix()
}

// Detail keys reserved for batch provenance on persisted articles.
const (
	DetailBatchToken  = "batch_token"
	DetailBatchWindow = "batch_window"
	DetailDigest      = "digest"
)

// MergeDetails shallow-merges b over a, new keys winning on conflict.
func MergeDetails(a, b map[string]string) map[string]string {
	if a == nil && b == nil {
		return nil
	}
	out := make(map[string]string, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}
