package harvest

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pressroom-hq/account-harvester/internal/domain"
	"github.com/pressroom-hq/account-harvester/internal/logger"
	"github.com/pressroom-hq/account-harvester/internal/platform"
	"github.com/pressroom-hq/account-harvester/internal/storage"
)

// ConfigError reports an invalid batch configuration. It is raised before any
// network or storage work starts.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string { return "invalid batch config: " + e.Reason }

// AccountError pairs a failed account with the error that stopped it.
type AccountError struct {
	Account string
	Err     error
}

func (e AccountError) Error() string { return e.Account + ": " + e.Err.Error() }

func (e AccountError) Unwrap() error { return e.Err }

// Result is the outcome of one batch run: the articles that survived
// filtering plus the per-account failures that were contained.
type Result struct {
	Articles []domain.Article
	Errors   []AccountError
}

// accountHarvest is one account's fetch-phase output, held until the
// persist stage runs after aggregation.
type accountHarvest struct {
	name      string
	candidate domain.Candidate
	articles  []domain.Article
}

// Resolver turns an account name into platform candidates.
type Resolver interface {
	Resolve(ctx context.Context, cred domain.Credential, name string) ([]domain.Candidate, error)
}

// Fetcher pages through an account's article listing.
type Fetcher interface {
	FetchPage(ctx context.Context, cred domain.Credential, accountRef string, offset int) ([]domain.ArticleStub, bool, error)
}

// Enricher fills the article body. It never fails the pipeline.
type Enricher interface {
	Enrich(ctx context.Context, cred domain.Credential, art domain.Article) domain.Article
}

// Credentials hands out a live session credential.
type Credentials interface {
	Acquire(ctx context.Context) (domain.Credential, error)
}

// Options tunes one batch run.
type Options struct {
	// Platform names the content platform accounts live on.
	Platform string
	// PageBudget caps listing pages per account. Zero or negative fetches
	// nothing.
	PageBudget int
	// PageSize is the listing page size. Defaults to the platform page size.
	PageSize int
	// Workers bounds pool concurrency when Parallel is set.
	Workers int
	Parallel bool
	// IncludeContent turns on the body enrichment stage.
	IncludeContent bool
	// Keywords, when non-empty, keeps only articles whose title contains at
	// least one keyword (case-insensitive).
	Keywords []string
	// AccountDelay is the jittered pause between consecutive accounts in
	// sequential mode. It runs after a successful account, never before the
	// first one, and not at all in parallel mode.
	AccountDelay platform.Delay
	Sink         Sink
}

// Orchestrator drives the batch pipeline: resolve, fetch, filter, and enrich
// per account, then persist after aggregation. Accounts fail independently;
// only an authentication or configuration error aborts the batch.
type Orchestrator struct {
	creds    Credentials
	resolver Resolver
	fetcher  Fetcher
	enricher Enricher
	store    storage.Backend
	log      logger.Logger
	opts     Options
	sink     Sink

	mu     sync.Mutex
	cancel context.CancelFunc
}

// New creates an Orchestrator. store and enricher may be nil to skip their
// stages; a nil sink drops events.
func New(creds Credentials, resolver Resolver, fetcher Fetcher, enricher Enricher, store storage.Backend, opts Options, log logger.Logger) *Orchestrator {
	if opts.PageSize <= 0 {
		opts.PageSize = platform.PageSize
	}
	sink := opts.Sink
	if sink == nil {
		sink = nopSink{}
	}
	if log == nil {
		log = &logger.NopLogger{}
	}
	return &Orchestrator{
		creds:    creds,
		resolver: resolver,
		fetcher:  fetcher,
		enricher: enricher,
		store:    store,
		opts:     opts,
		sink:     sink,
		log:      log,
	}
}

// Cancel stops an in-flight Run at the next stage boundary.
func (o *Orchestrator) Cancel() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancel != nil {
		o.cancel()
	}
}

// newBatchToken derives a short unique token identifying one batch run.
func newBatchToken(window domain.DateRange, now time.Time) string {
	sum := sha1.Sum([]byte(fmt.Sprintf("%s|%d", window.String(), now.UnixNano())))
	return hex.EncodeToString(sum[:])[:12]
}

// Run harvests the named accounts over the date window. The result carries
// every article that survived filtering plus the contained per-account
// failures; the returned error is non-nil only for configuration,
// authentication, or cancellation failures.
func (o *Orchestrator) Run(ctx context.Context, names []string, window domain.DateRange) (Result, error) {
	if !window.Valid() {
		return Result{}, &ConfigError{Reason: "window start is after end (" + window.String() + ")"}
	}
	if o.opts.Parallel && o.opts.Workers <= 0 {
		return Result{}, &ConfigError{Reason: fmt.Sprintf("worker count must be positive, got %d", o.opts.Workers)}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.mu.Lock()
	o.cancel = cancel
	o.mu.Unlock()

	if len(names) == 0 {
		o.sink.Publish(Event{Kind: EventBatchCompleted, Harvested: 0, At: time.Now()})
		return Result{}, nil
	}

	cred, err := o.creds.Acquire(ctx)
	if err != nil {
		return Result{}, err
	}

	token := newBatchToken(window, time.Now())
	o.log.InfoObj("starting batch "+token, "accounts", len(names))

	var (
		resMu     sync.Mutex
		res       Result
		harvested []accountHarvest
		done      int
	)
	finish := func(name string, h accountHarvest, err error) {
		resMu.Lock()
		defer resMu.Unlock()
		if err != nil {
			res.Errors = append(res.Errors, AccountError{Account: name, Err: err})
			o.sink.Publish(Event{Kind: EventError, Account: name, Err: err, At: time.Now()})
			o.sink.Publish(Event{Kind: EventAccountStatus, Account: name, State: StateErrored, Message: err.Error(), At: time.Now()})
			o.log.WarnObj("account "+name+" failed", "error", err)
		} else {
			harvested = append(harvested, h)
		}
		done++
		o.sink.Publish(Event{
			Kind:    EventProgress,
			Done:    done,
			Total:   len(names),
			Percent: done * 100 / len(names),
			At:      time.Now(),
		})
	}

	if o.opts.Parallel && o.opts.Workers > 1 {
		o.runPool(ctx, cred, names, window, token, finish)
	} else {
		prevOK := false
		for i, name := range names {
			if ctx.Err() != nil {
				break
			}
			if i > 0 && prevOK {
				if err := o.opts.AccountDelay.Wait(ctx); err != nil {
					break
				}
			}
			h, err := o.harvestAccount(ctx, cred, name, window, token)
			prevOK = err == nil
			finish(name, h, err)
		}
	}

	collect := func() {
		for _, h := range harvested {
			res.Articles = append(res.Articles, h.articles...)
		}
	}

	if err := ctx.Err(); err != nil {
		collect()
		o.log.WarnObj("batch "+token+" cancelled", "harvested", len(res.Articles))
		return res, err
	}

	// Persist after aggregation, in the calling goroutine. Storage failures
	// here are contained and never remove collected articles from the result.
	o.persistAll(ctx, token, window, harvested, &res)
	collect()

	if err := ctx.Err(); err != nil {
		o.log.WarnObj("batch "+token+" cancelled", "harvested", len(res.Articles))
		return res, err
	}

	o.sink.Publish(Event{Kind: EventBatchCompleted, Harvested: len(res.Articles), At: time.Now()})
	if len(res.Errors) > 0 {
		o.log.WarnObj("batch "+token+" had failures", "accounts", len(res.Errors))
	}
	o.log.InfoObj("batch "+token+" done", "harvested", len(res.Articles))
	return res, nil
}

// runPool fans accounts out over a bounded worker pool.
func (o *Orchestrator) runPool(ctx context.Context, cred domain.Credential, names []string, window domain.DateRange, token string, finish func(string, accountHarvest, error)) {
	workers := o.opts.Workers
	if workers > len(names) {
		workers = len(names)
	}

	jobs := make(chan string)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for name := range jobs {
				if ctx.Err() != nil {
					return
				}
				h, err := o.harvestAccount(ctx, cred, name, window, token)
				finish(name, h, err)
			}
		}()
	}

feed:
	for _, name := range names {
		select {
		case jobs <- name:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()
}

// harvestAccount runs the fetch-phase pipeline for one account: resolve,
// fetch, filter, enrich. Errors here are contained to the account. The
// persist stage runs later, after aggregation.
func (o *Orchestrator) harvestAccount(ctx context.Context, cred domain.Credential, name string, window domain.DateRange, token string) (accountHarvest, error) {
	status := func(state AccountState) {
		o.sink.Publish(Event{Kind: EventAccountStatus, Account: name, State: state, At: time.Now()})
	}

	status(StateResolving)
	candidate, err := o.resolve(ctx, cred, name)
	if err != nil {
		return accountHarvest{}, err
	}

	status(StateFetching)
	stubs, err := o.fetchPages(ctx, cred, name, candidate.PlatformID)
	if err != nil {
		return accountHarvest{}, err
	}

	status(StateFiltering)
	articles := o.filter(name, stubs, window, token)

	if o.opts.IncludeContent && o.enricher != nil {
		status(StateEnriching)
		for i := range articles {
			if err := ctx.Err(); err != nil {
				return accountHarvest{}, err
			}
			articles[i] = o.enricher.Enrich(ctx, cred, articles[i])
		}
	}

	o.log.InfoObj("account "+name+" harvested", "articles", len(articles))
	return accountHarvest{name: name, candidate: candidate, articles: articles}, nil
}

// resolve picks the platform candidate for the name, preferring an exact
// match over the first search hit.
func (o *Orchestrator) resolve(ctx context.Context, cred domain.Credential, name string) (domain.Candidate, error) {
	candidates, err := o.resolver.Resolve(ctx, cred, name)
	if err != nil {
		return domain.Candidate{}, err
	}
	if len(candidates) == 0 {
		return domain.Candidate{}, &platform.ResolveError{Name: name, Err: errors.New("no matching account")}
	}
	for _, c := range candidates {
		if c.Name == name {
			return c, nil
		}
	}
	return candidates[0], nil
}

// fetchPages pages the listing up to the page budget or until the platform
// signals the end, emitting per-account fetch progress against the budget.
// A non-positive budget fetches nothing.
func (o *Orchestrator) fetchPages(ctx context.Context, cred domain.Credential, name, accountRef string) ([]domain.ArticleStub, error) {
	var stubs []domain.ArticleStub
	budget := o.opts.PageBudget
	for page := 0; page < budget; page++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		batch, more, err := o.fetcher.FetchPage(ctx, cred, accountRef, page*o.opts.PageSize)
		if err != nil {
			return nil, err
		}
		stubs = append(stubs, batch...)

		fetched := page + 1
		percent := fetched * 100 / budget
		if !more {
			// The listing ended early; the budget no longer applies.
			percent = 100
		}
		o.sink.Publish(Event{
			Kind:    EventProgress,
			Account: name,
			Done:    fetched,
			Total:   budget,
			Percent: percent,
			At:      time.Now(),
		})
		if !more {
			break
		}
	}
	return stubs, nil
}

// filter keeps stubs inside the window (and matching the keyword filter, if
// any) and promotes them to articles stamped with batch provenance.
func (o *Orchestrator) filter(name string, stubs []domain.ArticleStub, window domain.DateRange, token string) []domain.Article {
	var out []domain.Article
	for _, s := range stubs {
		if !window.Contains(s.PublishTimestamp) {
			continue
		}
		if !titleMatches(s.Title, o.opts.Keywords) {
			continue
		}
		out = append(out, domain.Article{
			AccountName:      name,
			Title:            s.Title,
			URL:              s.URL,
			PublishTimestamp: s.PublishTimestamp,
			PublishTime:      domain.FormatTimestamp(s.PublishTimestamp),
			Details: map[string]string{
				domain.DetailBatchToken:  token,
				domain.DetailBatchWindow: window.String(),
			},
		})
	}
	return out
}

func titleMatches(title string, keywords []string) bool {
	if len(keywords) == 0 {
		return true
	}
	lower := strings.ToLower(title)
	for _, kw := range keywords {
		if kw == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// persistAll runs the persist stage for every surviving account once the
// fetch phase has finished. Storage failures are contained: they are logged
// and reported, and the account's collected articles stay in the result.
func (o *Orchestrator) persistAll(ctx context.Context, token string, window domain.DateRange, harvested []accountHarvest, res *Result) {
	for i := range harvested {
		if ctx.Err() != nil {
			return
		}
		h := &harvested[i]
		if o.store != nil {
			o.sink.Publish(Event{Kind: EventAccountStatus, Account: h.name, State: StatePersisting, At: time.Now()})
			if err := o.persist(ctx, h, window, token); err != nil {
				if ctx.Err() != nil {
					return
				}
				res.Errors = append(res.Errors, AccountError{Account: h.name, Err: err})
				o.sink.Publish(Event{Kind: EventError, Account: h.name, Err: err, At: time.Now()})
				o.sink.Publish(Event{Kind: EventAccountStatus, Account: h.name, State: StateErrored, Message: err.Error(), At: time.Now()})
				o.log.WarnObj("account "+h.name+" not persisted", "error", err)
				continue
			}
		}
		o.sink.Publish(Event{Kind: EventAccountStatus, Account: h.name, State: StateDone, At: time.Now()})
	}
}

// persist stores the account then its articles. Per-article failures are
// reported and skipped; only the account upsert fails this account's
// persist stage.
func (o *Orchestrator) persist(ctx context.Context, h *accountHarvest, window domain.DateRange, token string) error {
	details := map[string]string{
		domain.DetailBatchToken:  token,
		domain.DetailBatchWindow: window.String(),
	}
	accID, err := o.store.SaveAccount(ctx, h.name, o.opts.Platform, h.candidate.PlatformID, details)
	if err != nil {
		return err
	}

	for i := range h.articles {
		if err := ctx.Err(); err != nil {
			return err
		}
		h.articles[i].AccountID = accID
		inserted, err := o.store.SaveArticle(ctx, h.articles[i])
		if err != nil {
			o.sink.Publish(Event{Kind: EventError, Account: h.name, Err: err, At: time.Now()})
			o.log.WarnObj("article not persisted", "error", err)
			continue
		}
		if !inserted {
			o.log.DebugObj("duplicate article skipped", "url", h.articles[i].URL)
		}
	}
	return nil
}
