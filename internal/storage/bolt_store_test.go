package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pressroom-hq/account-harvester/internal/domain"
)

func newTestStore(t *testing.T) Backend {
	t.Helper()
	path := filepath.Join(t.TempDir(), "harvest.db")
	b, err := NewBackend("bbolt", Options{BBoltPath: path})
	if err != nil {
		t.Fatalf("NewBackend: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func TestNewBackendNoneAndUnknown(t *testing.T) {
	b, err := NewBackend("none", Options{})
	if err != nil {
		t.Fatalf("none backend: %v", err)
	}
	inserted, err := b.SaveArticle(context.Background(), domain.Article{URL: "https://x/1"})
	if err != nil || !inserted {
		t.Fatalf("noop SaveArticle = (%v, %v), want (true, nil)", inserted, err)
	}

	if _, err := NewBackend("mongodb", Options{}); err == nil {
		t.Fatal("expected error for unsupported backend type")
	}
	if _, err := NewBackend("bbolt", Options{}); err == nil {
		t.Fatal("expected error for bbolt without path")
	}
}

func TestSaveAccountUpsertMergesDetails(t *testing.T) {
	b := newTestStore(t)
	ctx := context.Background()

	id1, err := b.SaveAccount(ctx, "daily-tech", "wechat", "fk100", map[string]string{"tier": "a", "lang": "zh"})
	if err != nil {
		t.Fatalf("first SaveAccount: %v", err)
	}
	id2, err := b.SaveAccount(ctx, "daily-tech", "wechat", "", map[string]string{"tier": "b"})
	if err != nil {
		t.Fatalf("second SaveAccount: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("upsert returned different ids: %d vs %d", id1, id2)
	}

	acc, err := b.Account(ctx, "daily-tech", "wechat")
	if err != nil {
		t.Fatalf("Account: %v", err)
	}
	if acc == nil {
		t.Fatal("account not found after upsert")
	}
	if acc.PlatformAccountID != "fk100" {
		t.Fatalf("empty platform id overwrote existing, got %q", acc.PlatformAccountID)
	}
	if acc.Details["tier"] != "b" || acc.Details["lang"] != "zh" {
		t.Fatalf("details not merged with new keys winning: %v", acc.Details)
	}
}

func TestSaveAccountDistinctPlatforms(t *testing.T) {
	b := newTestStore(t)
	ctx := context.Background()

	id1, err := b.SaveAccount(ctx, "daily-tech", "wechat", "", nil)
	if err != nil {
		t.Fatalf("SaveAccount wechat: %v", err)
	}
	id2, err := b.SaveAccount(ctx, "daily-tech", "weibo", "", nil)
	if err != nil {
		t.Fatalf("SaveAccount weibo: %v", err)
	}
	if id1 == id2 {
		t.Fatal("same name on different platforms must be distinct accounts")
	}

	platforms, err := b.Platforms(ctx)
	if err != nil {
		t.Fatalf("Platforms: %v", err)
	}
	if len(platforms) != 2 || platforms[0] != "wechat" || platforms[1] != "weibo" {
		t.Fatalf("unexpected platforms: %v", platforms)
	}
}

func TestSaveAccountConcurrent(t *testing.T) {
	b := newTestStore(t)
	ctx := context.Background()

	const writers = 12
	ids := make([]int64, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := b.SaveAccount(ctx, "daily-tech", "wechat", "fk100", nil)
			if err != nil {
				t.Errorf("concurrent SaveAccount: %v", err)
				return
			}
			ids[i] = id
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		if id != ids[0] {
			t.Fatalf("concurrent upserts produced distinct ids: %v", ids)
		}
	}

	accounts, err := b.AccountsByPlatform(ctx, "wechat")
	if err != nil {
		t.Fatalf("AccountsByPlatform: %v", err)
	}
	if len(accounts) != 1 {
		t.Fatalf("want exactly one account row, got %d", len(accounts))
	}
}

func TestSaveArticleDeduplicatesByURL(t *testing.T) {
	b := newTestStore(t)
	ctx := context.Background()

	accID, err := b.SaveAccount(ctx, "daily-tech", "wechat", "", nil)
	if err != nil {
		t.Fatalf("SaveAccount: %v", err)
	}

	art := domain.Article{
		AccountID:   accID,
		Title:       "launch notes",
		URL:         "https://example.com/a/1",
		PublishTime: "2026-08-20 10:00:00",
	}
	inserted, err := b.SaveArticle(ctx, art)
	if err != nil || !inserted {
		t.Fatalf("first SaveArticle = (%v, %v), want (true, nil)", inserted, err)
	}

	art.Title = "launch notes, revised"
	inserted, err = b.SaveArticle(ctx, art)
	if err != nil {
		t.Fatalf("duplicate SaveArticle returned error: %v", err)
	}
	if inserted {
		t.Fatal("duplicate url must be a no-op")
	}

	n, err := b.CountArticles(ctx, ArticleQuery{AccountID: accID})
	if err != nil {
		t.Fatalf("CountArticles: %v", err)
	}
	if n != 1 {
		t.Fatalf("want 1 stored article, got %d", n)
	}
}

func TestSaveArticleUnknownAccount(t *testing.T) {
	b := newTestStore(t)

	_, err := b.SaveArticle(context.Background(), domain.Article{AccountID: 42, URL: "https://example.com/x"})
	if err == nil {
		t.Fatal("expected error for unknown account id")
	}
	var pe *PersistError
	if !errors.As(err, &pe) {
		t.Fatalf("want *PersistError, got %T", err)
	}
}

func TestArticlesOrderingAndPagination(t *testing.T) {
	b := newTestStore(t)
	ctx := context.Background()

	accID, err := b.SaveAccount(ctx, "daily-tech", "wechat", "", nil)
	if err != nil {
		t.Fatalf("SaveAccount: %v", err)
	}

	base := time.Date(2026, 8, 10, 12, 0, 0, 0, time.Local).Unix()
	for i := 0; i < 5; i++ {
		_, err := b.SaveArticle(ctx, domain.Article{
			AccountID:        accID,
			Title:            fmt.Sprintf("post %d", i),
			URL:              fmt.Sprintf("https://example.com/p/%d", i),
			PublishTimestamp: base + int64(i*3600),
		})
		if err != nil {
			t.Fatalf("SaveArticle %d: %v", i, err)
		}
	}

	arts, err := b.Articles(ctx, ArticleQuery{AccountID: accID})
	if err != nil {
		t.Fatalf("Articles: %v", err)
	}
	if len(arts) != 5 {
		t.Fatalf("want 5 articles, got %d", len(arts))
	}
	for i := 1; i < len(arts); i++ {
		if arts[i].PublishTimestamp > arts[i-1].PublishTimestamp {
			t.Fatalf("articles not ordered newest first at %d", i)
		}
	}

	page, err := b.Articles(ctx, ArticleQuery{AccountID: accID, Limit: 2, Offset: 2})
	if err != nil {
		t.Fatalf("Articles page: %v", err)
	}
	if len(page) != 2 || page[0].Title != "post 2" {
		t.Fatalf("unexpected page: %+v", page)
	}
}

func TestArticlesWindowBounds(t *testing.T) {
	b := newTestStore(t)
	ctx := context.Background()

	accID, err := b.SaveAccount(ctx, "daily-tech", "wechat", "", nil)
	if err != nil {
		t.Fatalf("SaveAccount: %v", err)
	}

	window, err := domain.ParseDateRange("2026-08-10", "2026-08-12")
	if err != nil {
		t.Fatalf("ParseDateRange: %v", err)
	}
	lo, hi := window.Bounds()

	cases := map[string]int64{
		"https://example.com/w/start":       lo,
		"https://example.com/w/end":         hi,
		"https://example.com/w/before":      lo - 1,
		"https://example.com/w/after":       hi + 1,
		"https://example.com/w/middle-noon": lo + 86400 + 12*3600,
	}
	for url, ts := range cases {
		if _, err := b.SaveArticle(ctx, domain.Article{AccountID: accID, URL: url, PublishTimestamp: ts}); err != nil {
			t.Fatalf("SaveArticle %s: %v", url, err)
		}
	}

	arts, err := b.Articles(ctx, ArticleQuery{Window: &window})
	if err != nil {
		t.Fatalf("Articles: %v", err)
	}
	got := map[string]bool{}
	for _, a := range arts {
		got[a.URL] = true
	}
	for _, want := range []string{"https://example.com/w/start", "https://example.com/w/end", "https://example.com/w/middle-noon"} {
		if !got[want] {
			t.Fatalf("in-window article %s missing from results", want)
		}
	}
	if got["https://example.com/w/before"] || got["https://example.com/w/after"] {
		t.Fatalf("out-of-window article leaked into results: %v", got)
	}
}

func TestArticlesKeywordFilter(t *testing.T) {
	b := newTestStore(t)
	ctx := context.Background()

	accID, err := b.SaveAccount(ctx, "daily-tech", "wechat", "", nil)
	if err != nil {
		t.Fatalf("SaveAccount: %v", err)
	}

	seed := []domain.Article{
		{AccountID: accID, URL: "https://example.com/k/1", Title: "Quantum roundup", PublishTimestamp: 100},
		{AccountID: accID, URL: "https://example.com/k/2", Title: "weekly digest", Content: "quantum hardware notes", PublishTimestamp: 200},
		{AccountID: accID, URL: "https://example.com/k/3", Title: "markets", Summary: "chip supply recap", PublishTimestamp: 300},
		{AccountID: accID, URL: "https://example.com/k/4", Title: "sports", PublishTimestamp: 400},
	}
	for _, a := range seed {
		if _, err := b.SaveArticle(ctx, a); err != nil {
			t.Fatalf("SaveArticle %s: %v", a.URL, err)
		}
	}

	arts, err := b.Articles(ctx, ArticleQuery{Keywords: []string{"quantum", "chip"}})
	if err != nil {
		t.Fatalf("Articles: %v", err)
	}
	if len(arts) != 3 {
		t.Fatalf("want 3 keyword matches across title/content/summary, got %d", len(arts))
	}
	for _, a := range arts {
		if a.URL == "https://example.com/k/4" {
			t.Fatal("non-matching article returned")
		}
	}
}

func TestUpdateArticleSummary(t *testing.T) {
	b := newTestStore(t)
	ctx := context.Background()

	accID, err := b.SaveAccount(ctx, "daily-tech", "wechat", "", nil)
	if err != nil {
		t.Fatalf("SaveAccount: %v", err)
	}
	if _, err := b.SaveArticle(ctx, domain.Article{AccountID: accID, URL: "https://example.com/s/1", PublishTimestamp: 10}); err != nil {
		t.Fatalf("SaveArticle: %v", err)
	}

	arts, err := b.Articles(ctx, ArticleQuery{AccountID: accID})
	if err != nil || len(arts) != 1 {
		t.Fatalf("Articles = (%v, %v)", arts, err)
	}
	id := arts[0].ID

	if err := b.UpdateArticleSummary(ctx, id, "short recap"); err != nil {
		t.Fatalf("UpdateArticleSummary: %v", err)
	}
	art, err := b.ArticleByID(ctx, id)
	if err != nil || art == nil {
		t.Fatalf("ArticleByID = (%v, %v)", art, err)
	}
	if art.Summary != "short recap" {
		t.Fatalf("summary not updated: %q", art.Summary)
	}

	if err := b.UpdateArticleSummary(ctx, 9999, "x"); err == nil {
		t.Fatal("expected error for unknown article id")
	}
}
