package app

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/pressroom-hq/account-harvester/internal/config"
	"github.com/pressroom-hq/account-harvester/internal/domain"
	"github.com/pressroom-hq/account-harvester/internal/enrich"
	"github.com/pressroom-hq/account-harvester/internal/export"
	"github.com/pressroom-hq/account-harvester/internal/harvest"
	"github.com/pressroom-hq/account-harvester/internal/logger"
	"github.com/pressroom-hq/account-harvester/internal/platform"
	"github.com/pressroom-hq/account-harvester/internal/session"
	"github.com/pressroom-hq/account-harvester/internal/storage"
	"github.com/pressroom-hq/account-harvester/pkg/httpclient"
	"github.com/pressroom-hq/account-harvester/pkg/publishers"
)

const (
	httpTimeout   = 30 * time.Second
	retryInterval = 2 * time.Second
	retryJitter   = time.Second
)

// Harvester is the batch runtime. It wires the session cache, platform
// client, storage backend, and downstream publishers, then drives one
// harvest over the configured accounts and window.
type Harvester struct {
	cfg      *config.Config
	accounts []string
	window   domain.DateRange
	sessions *session.Cache
	orch     *harvest.Orchestrator
	fanout   *publishers.Fanout
	store    storage.Backend
	log      logger.Logger
}

// NewHarvester builds a harvester runtime from config.
func NewHarvester(ctx context.Context, cfg *config.Config, log logger.Logger) (*Harvester, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if log == nil {
		log = &logger.NopLogger{}
	}
	if ctx == nil {
		ctx = context.Background()
	}

	accounts, err := LoadAccounts(cfg.AccountsFile)
	if err != nil {
		return nil, fmt.Errorf("load accounts: %w", err)
	}
	log.InfoObj("accounts loaded", "accounts_meta", map[string]any{
		"count": len(accounts),
		"file":  cfg.AccountsFile,
	})

	window, err := ResolveWindow(cfg, time.Now())
	if err != nil {
		return nil, fmt.Errorf("resolve window: %w", err)
	}

	http := httpclient.NewRestyClient(httpTimeout)
	platClient := platform.NewClient(http, cfg.PlatformBaseURL, platform.Options{
		Delay: platform.Delay{Min: cfg.RequestDelayMin, Max: cfg.RequestDelayMax},
		Retry: platform.Backoff{
			Attempts: cfg.FetchRetryAttempts,
			Interval: retryInterval,
			Jitter:   retryJitter,
		},
	}, log)

	sessions := session.NewCache(cfg.CredentialCachePath, cfg.CredentialTTL, nil, platClient, log)

	store, err := storage.NewBackend(cfg.StorageType, storage.Options{
		BBoltPath:   cfg.BBoltPath,
		PostgresDSN: cfg.PostgresDSN(),
	})
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}
	log.InfoObj("storage initialized", "storage_config", map[string]any{
		"type": cfg.StorageType,
		"path": cfg.BBoltPath,
	})

	var fanout *publishers.Fanout
	if cfg.PublishersFile != "" {
		fanout, err = buildFanout(ctx, cfg.PublishersFile, log)
		if err != nil {
			store.Close()
			return nil, err
		}
	}

	var enricher harvest.Enricher
	if cfg.IncludeContent {
		enricher = enrich.NewEnricher(http, log)
	}

	orch := harvest.New(sessions, platClient, platClient, enricher, store, harvest.Options{
		Platform:       cfg.Platform,
		PageBudget:     cfg.PageBudget,
		Workers:        cfg.Workers,
		Parallel:       cfg.Parallel,
		IncludeContent: cfg.IncludeContent,
		AccountDelay:   platform.Delay{Min: cfg.AccountDelayMin, Max: cfg.AccountDelayMax},
		Sink:           harvest.LogSink{Log: log},
	}, log)

	return &Harvester{
		cfg:      cfg,
		accounts: accounts,
		window:   window,
		sessions: sessions,
		orch:     orch,
		fanout:   fanout,
		store:    store,
		log:      log,
	}, nil
}

// buildFanout loads the publishers file and instantiates every enabled sink.
func buildFanout(ctx context.Context, path string, log logger.Logger) (*publishers.Fanout, error) {
	publisherReg, err := publishers.LoadRegistry(path)
	if err != nil {
		return nil, fmt.Errorf("load publishers registry: %w", err)
	}

	enabled := publisherReg.Enabled()
	pubClients, err := publishers.BuildAll(ctx, publishers.DefaultRegistry(), enabled, log)
	if err != nil {
		return nil, fmt.Errorf("build publishers: %w", err)
	}

	summaries := make([]map[string]string, 0, len(enabled))
	for _, pubCfg := range enabled {
		summaries = append(summaries, map[string]string{
			"id":   pubCfg.ID,
			"type": pubCfg.Type,
		})
	}
	log.InfoObj("publishers registry loaded", "publishers_meta", map[string]any{
		"count":      len(summaries),
		"publishers": summaries,
	})
	return publishers.NewFanout(pubClients), nil
}

// Run performs one batch harvest and dispatches the results.
func (h *Harvester) Run(ctx context.Context) error {
	if h == nil || h.orch == nil {
		return fmt.Errorf("harvester is not initialized")
	}
	defer h.closeStore()

	status := h.sessions.Status()
	h.log.InfoObj("session status", "session", map[string]any{
		"logged_in": status.LoggedIn,
		"remaining": status.Remaining.String(),
	})

	start := time.Now()
	h.log.InfoObj("batch started", "batch_meta", map[string]any{
		"accounts": len(h.accounts),
		"window":   h.window.String(),
		"parallel": h.cfg.Parallel,
	})

	res, err := h.orch.Run(ctx, h.accounts, h.window)
	if err != nil {
		return fmt.Errorf("harvest: %w", err)
	}
	for _, accErr := range res.Errors {
		h.log.WarnObj("account skipped", "error", accErr.Error())
	}

	h.dispatch(ctx, res.Articles)

	if h.cfg.ExportCSVPath != "" {
		if err := export.WriteCSV(h.cfg.ExportCSVPath, res.Articles); err != nil {
			h.log.ErrorObj("csv export failed", "error", err)
		} else {
			h.log.InfoObj("csv export written", "path", h.cfg.ExportCSVPath)
		}
	}

	h.log.InfoObj("batch completed", "batch_meta", map[string]any{
		"articles":   len(res.Articles),
		"failed":     len(res.Errors),
		"elapsed_ms": time.Since(start).Milliseconds(),
	})
	return nil
}

// dispatch publishes one event per harvested article to the configured sinks.
func (h *Harvester) dispatch(ctx context.Context, articles []domain.Article) {
	if h.fanout == nil || h.fanout.Size() == 0 || len(articles) == 0 {
		return
	}

	delivered := 0
	for _, art := range articles {
		evt := publishers.NewEvent(art.Details[domain.DetailBatchToken], h.cfg.Platform, art)
		n, err := h.fanout.Publish(ctx, evt)
		if err != nil {
			h.log.WarnObj("publish failed for "+art.URL, "error", err)
		}
		delivered += n
	}
	h.log.InfoObj("articles dispatched", "publish_meta", map[string]any{
		"articles":   len(articles),
		"deliveries": delivered,
		"sinks":      h.fanout.Size(),
	})
}

// closeStore safely closes the storage backend, logging any errors encountered.
func (h *Harvester) closeStore() {
	if h == nil || h.store == nil {
		return
	}
	if err := h.store.Close(); err != nil {
		h.log.ErrorObj("storage close failed", "error", err)
	}
}

// accountSeparators splits accounts files on newlines, commas, and semicolons.
var accountSeparators = regexp.MustCompile(`[\n\r,;]+`)

// LoadAccounts reads the account names file. Entries may be separated by
// newlines, commas, or semicolons; blank entries and #-comment lines are
// skipped, and duplicates are dropped keeping first position.
func LoadAccounts(path string) ([]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read accounts file: %w", err)
	}

	seen := make(map[string]bool)
	var out []string
	for _, part := range accountSeparators.Split(string(raw), -1) {
		name := strings.TrimSpace(part)
		if name == "" || strings.HasPrefix(name, "#") {
			continue
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("accounts file %q contains no account names", path)
	}
	return out, nil
}

// ResolveWindow derives the batch date window from config. Explicit start and
// end dates win over the relative window_days.
func ResolveWindow(cfg *config.Config, now time.Time) (domain.DateRange, error) {
	if cfg.StartDate != "" || cfg.EndDate != "" {
		if cfg.StartDate == "" || cfg.EndDate == "" {
			return domain.DateRange{}, fmt.Errorf("start_date and end_date must both be set")
		}
		window, err := domain.ParseDateRange(cfg.StartDate, cfg.EndDate)
		if err != nil {
			return domain.DateRange{}, err
		}
		return window, nil
	}

	days := cfg.WindowDays
	if days <= 0 {
		return domain.DateRange{}, fmt.Errorf("window_days must be positive when no explicit dates are set")
	}
	return domain.LastDays(days, now), nil
}
