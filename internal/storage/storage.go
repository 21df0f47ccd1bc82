package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/pressroom-hq/account-harvester/internal/domain"
)

// Package storage persists accounts and harvested articles behind pluggable
// backends. Dedup guarantees live here and nowhere else: (platform, name) is
// the unique account key, url the unique article key, and both hold under
// concurrent writers.

// PersistError wraps a storage conflict or I/O failure on a single record.
type PersistError struct {
	Op  string
	Err error
}

func (e *PersistError) Error() string { return fmt.Sprintf("persist %s: %v", e.Op, e.Err) }
func (e *PersistError) Unwrap() error { return e.Err }

// ArticleQuery filters article reads. Zero values mean "no filter".
type ArticleQuery struct {
	AccountID int64
	Platform  string
	Window    *domain.DateRange
	Keywords  []string
	Limit     int
	Offset    int
}

const defaultQueryLimit = 100

func (q ArticleQuery) limit() int {
	if q.Limit <= 0 {
		return defaultQueryLimit
	}
	return q.Limit
}

// Backend is the storage contract shared by the embedded and client/server
// engines. Implementations must give identical dedup and ordering semantics:
// SaveArticle on a known url is a no-op returning false, and Articles is
// ordered by publish_timestamp descending.
type Backend interface {
	Close() error

	// SaveAccount upserts by (platform, name), shallow-merging details with
	// new keys winning, and returns the row id.
	SaveAccount(ctx context.Context, name, platform, platformID string, details map[string]string) (int64, error)
	AccountByID(ctx context.Context, id int64) (*domain.Account, error)
	Account(ctx context.Context, name, platform string) (*domain.Account, error)

	// SaveArticle inserts the article and returns true; a duplicate url
	// returns (false, nil), never an error.
	SaveArticle(ctx context.Context, art domain.Article) (bool, error)
	ArticleByID(ctx context.Context, id int64) (*domain.Article, error)
	UpdateArticleSummary(ctx context.Context, id int64, summary string) error

	Articles(ctx context.Context, q ArticleQuery) ([]domain.Article, error)
	CountArticles(ctx context.Context, q ArticleQuery) (int64, error)

	Platforms(ctx context.Context) ([]string, error)
	AccountsByPlatform(ctx context.Context, platform string) ([]domain.Account, error)
}

// Options carries backend connection settings.
type Options struct {
	BBoltPath   string
	PostgresDSN string
}

// NewBackend creates the configured storage backend.
func NewBackend(typ string, opts Options) (Backend, error) {
	typ = strings.TrimSpace(strings.ToLower(typ))

	switch typ {
	case "", "none", "disabled":
		return noopBackend{}, nil
	case "bbolt", "bolt":
		if strings.TrimSpace(opts.BBoltPath) == "" {
			return nil, fmt.Errorf("bbolt storage requires a path")
		}
		return openBolt(opts.BBoltPath)
	case "postgres", "postgresql":
		if strings.TrimSpace(opts.PostgresDSN) == "" {
			return nil, fmt.Errorf("postgres storage requires a dsn")
		}
		return openPostgres(opts.PostgresDSN)
	default:
		return nil, fmt.Errorf("unsupported storage type %q", typ)
	}
}

// matchesKeywords reports whether any keyword appears in any of the article's
// title, content, or summary (case-insensitive). Shared by backends so both
// engines filter identically.
func matchesKeywords(art domain.Article, keywords []string) bool {
	if len(keywords) == 0 {
		return true
	}
	fields := []string{
		strings.ToLower(art.Title),
		strings.ToLower(art.Content),
		strings.ToLower(art.Summary),
	}
	for _, kw := range keywords {
		kw = strings.ToLower(kw)
		if kw == "" {
			continue
		}
		for _, f := range fields {
			if strings.Contains(f, kw) {
				return true
			}
		}
	}
	return false
}

// windowBounds converts a date window to inclusive epoch-second bounds.
func windowBounds(w *domain.DateRange) (int64, int64, bool) {
	if w == nil {
		return 0, 0, false
	}
	lo, hi := w.Bounds()
	return lo, hi, true
}

type noopBackend struct{}

func (noopBackend) Close() error { return nil }
func (noopBackend) SaveAccount(context.Context, string, string, string, map[string]string) (int64, error) {
	return 0, nil
}
func (noopBackend) AccountByID(context.Context, int64) (*domain.Account, error) { return nil, nil }
func (noopBackend) Account(context.Context, string, string) (*domain.Account, error) {
	return nil, nil
}
func (noopBackend) SaveArticle(context.Context, domain.Article) (bool, error)  { return true, nil }
func (noopBackend) ArticleByID(context.Context, int64) (*domain.Article, error) { return nil, nil }
func (noopBackend) UpdateArticleSummary(context.Context, int64, string) error  { return nil }
func (noopBackend) Articles(context.Context, ArticleQuery) ([]domain.Article, error) {
	return nil, nil
}
func (noopBackend) CountArticles(context.Context, ArticleQuery) (int64, error) { return 0, nil }
func (noopBackend) Platforms(context.Context) ([]string, error)                { return nil, nil }
func (noopBackend) AccountsByPlatform(context.Context, string) ([]domain.Account, error) {
	return nil, nil
}
