package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/pressroom-hq/account-harvester/internal/domain"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS accounts (
	id                  BIGSERIAL PRIMARY KEY,
	name                TEXT NOT NULL,
	platform            TEXT NOT NULL,
	platform_account_id TEXT NOT NULL DEFAULT '',
	details             JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (platform, name)
);

CREATE TABLE IF NOT EXISTS articles (
	id                BIGSERIAL PRIMARY KEY,
	account_id        BIGINT NOT NULL REFERENCES accounts(id),
	title             TEXT NOT NULL DEFAULT '',
	url               TEXT NOT NULL UNIQUE,
	publish_time      TEXT NOT NULL DEFAULT '',
	publish_timestamp BIGINT NOT NULL DEFAULT 0,
	content           TEXT NOT NULL DEFAULT '',
	summary           TEXT NOT NULL DEFAULT '',
	details           JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_articles_account ON articles (account_id);
CREATE INDEX IF NOT EXISTS idx_articles_publish_ts ON articles (publish_timestamp DESC);
`

// pgStore implements Backend on PostgreSQL. Dedup is enforced by the database
// itself via ON CONFLICT, so concurrent writers from several harvester
// processes stay consistent.
type pgStore struct {
	db *sqlx.DB
}

type pgAccountRow struct {
	ID                int64     `db:"id"`
	Name              string    `db:"name"`
	Platform          string    `db:"platform"`
	PlatformAccountID string    `db:"platform_account_id"`
	Details           []byte    `db:"details"`
	CreatedAt         time.Time `db:"created_at"`
	UpdatedAt         time.Time `db:"updated_at"`
}

type pgArticleRow struct {
	ID               int64     `db:"id"`
	AccountID        int64     `db:"account_id"`
	Title            string    `db:"title"`
	URL              string    `db:"url"`
	PublishTime      string    `db:"publish_time"`
	PublishTimestamp int64     `db:"publish_timestamp"`
	Content          string    `db:"content"`
	Summary          string    `db:"summary"`
	Details          []byte    `db:"details"`
	CreatedAt        time.Time `db:"created_at"`
	UpdatedAt        time.Time `db:"updated_at"`
}

// openPostgres connects to PostgreSQL and ensures the schema exists.
func openPostgres(dsn string) (Backend, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)

	if _, err := db.Exec(pgSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init postgres schema: %w", err)
	}
	return &pgStore{db: db}, nil
}

// Close closes the connection pool.
func (p *pgStore) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}

func marshalDetails(details map[string]string) ([]byte, error) {
	if details == nil {
		details = map[string]string{}
	}
	return json.Marshal(details)
}

func unmarshalDetails(raw []byte) map[string]string {
	if len(raw) == 0 {
		return nil
	}
	var out map[string]string
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// SaveAccount upserts by (platform, name) in a single statement. The jsonb
// concatenation keeps existing detail keys and lets incoming ones win.
func (p *pgStore) SaveAccount(ctx context.Context, name, platform, platformID string, details map[string]string) (int64, error) {
	buf, err := marshalDetails(details)
	if err != nil {
		return 0, &PersistError{Op: "account " + name, Err: err}
	}

	const stmt = `
		INSERT INTO accounts (name, platform, platform_account_id, details)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (platform, name) DO UPDATE SET
			platform_account_id = CASE
				WHEN EXCLUDED.platform_account_id <> '' THEN EXCLUDED.platform_account_id
				ELSE accounts.platform_account_id
			END,
			details    = accounts.details || EXCLUDED.details,
			updated_at = now()
		RETURNING id`

	var id int64
	if err := p.db.QueryRowxContext(ctx, stmt, name, platform, platformID, buf).Scan(&id); err != nil {
		return 0, &PersistError{Op: "account " + name, Err: err}
	}
	return id, nil
}

// AccountByID loads one account, nil when absent.
func (p *pgStore) AccountByID(ctx context.Context, id int64) (*domain.Account, error) {
	var row pgAccountRow
	err := p.db.GetContext(ctx, &row, `SELECT * FROM accounts WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	acc := row.toDomain()
	return &acc, nil
}

// Account loads one account by its (platform, name) key, nil when absent.
func (p *pgStore) Account(ctx context.Context, name, platform string) (*domain.Account, error) {
	var row pgAccountRow
	err := p.db.GetContext(ctx, &row,
		`SELECT * FROM accounts WHERE platform = $1 AND name = $2`, platform, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	acc := row.toDomain()
	return &acc, nil
}

// SaveArticle inserts the article unless its url is already known. Duplicates
// return (false, nil).
func (p *pgStore) SaveArticle(ctx context.Context, art domain.Article) (bool, error) {
	if art.PublishTimestamp == 0 && art.PublishTime != "" {
		art.PublishTimestamp = domain.ParsePublishTime(art.PublishTime, time.Now())
	}
	buf, err := marshalDetails(art.Details)
	if err != nil {
		return false, &PersistError{Op: "article " + art.URL, Err: err}
	}

	const stmt = `
		INSERT INTO articles (account_id, title, url, publish_time, publish_timestamp, content, summary, details)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (url) DO NOTHING
		RETURNING id`

	var id int64
	err = p.db.QueryRowxContext(ctx, stmt,
		art.AccountID, art.Title, art.URL, art.PublishTime, art.PublishTimestamp,
		art.Content, art.Summary, buf).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, &PersistError{Op: "article " + art.URL, Err: err}
	}
	return true, nil
}

// ArticleByID loads one article, nil when absent.
func (p *pgStore) ArticleByID(ctx context.Context, id int64) (*domain.Article, error) {
	var row pgArticleRow
	err := p.db.GetContext(ctx, &row, `SELECT * FROM articles WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	art := row.toDomain()
	return &art, nil
}

// UpdateArticleSummary back-fills the summary on a stored article.
func (p *pgStore) UpdateArticleSummary(ctx context.Context, id int64, summary string) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE articles SET summary = $1, updated_at = now() WHERE id = $2`, summary, id)
	if err != nil {
		return &PersistError{Op: fmt.Sprintf("article summary %d", id), Err: err}
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return &PersistError{Op: fmt.Sprintf("article summary %d", id), Err: fmt.Errorf("unknown article id %d", id)}
	}
	return nil
}

// articleFilter renders the query's WHERE clause and its positional args.
func articleFilter(q ArticleQuery) (string, []any) {
	var conds []string
	var args []any

	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if q.AccountID != 0 {
		conds = append(conds, "a.account_id = "+arg(q.AccountID))
	}
	if q.Platform != "" {
		conds = append(conds, "ac.platform = "+arg(q.Platform))
	}
	if lo, hi, ok := windowBounds(q.Window); ok {
		conds = append(conds, "a.publish_timestamp >= "+arg(lo))
		conds = append(conds, "a.publish_timestamp <= "+arg(hi))
	}
	if len(q.Keywords) > 0 {
		var ors []string
		for _, kw := range q.Keywords {
			if kw == "" {
				continue
			}
			ph := arg("%" + kw + "%")
			ors = append(ors, fmt.Sprintf("(a.title ILIKE %[1]s OR a.content ILIKE %[1]s OR a.summary ILIKE %[1]s)", ph))
		}
		if len(ors) > 0 {
			conds = append(conds, "("+strings.Join(ors, " OR ")+")")
		}
	}

	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// Articles returns matching articles ordered by publish timestamp descending.
func (p *pgStore) Articles(ctx context.Context, q ArticleQuery) ([]domain.Article, error) {
	where, args := articleFilter(q)
	stmt := `SELECT a.* FROM articles a JOIN accounts ac ON ac.id = a.account_id` + where +
		fmt.Sprintf(` ORDER BY a.publish_timestamp DESC, a.id DESC LIMIT %d OFFSET %d`, q.limit(), q.Offset)

	var rows []pgArticleRow
	if err := p.db.SelectContext(ctx, &rows, stmt, args...); err != nil {
		return nil, err
	}
	out := make([]domain.Article, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

// CountArticles counts matches without pagination.
func (p *pgStore) CountArticles(ctx context.Context, q ArticleQuery) (int64, error) {
	where, args := articleFilter(q)
	stmt := `SELECT COUNT(*) FROM articles a JOIN accounts ac ON ac.id = a.account_id` + where

	var n int64
	if err := p.db.GetContext(ctx, &n, stmt, args...); err != nil {
		return 0, err
	}
	return n, nil
}

// Platforms lists the distinct platforms with stored accounts, sorted.
func (p *pgStore) Platforms(ctx context.Context) ([]string, error) {
	var out []string
	err := p.db.SelectContext(ctx, &out, `SELECT DISTINCT platform FROM accounts ORDER BY platform`)
	return out, err
}

// AccountsByPlatform lists accounts on a platform ordered by name.
func (p *pgStore) AccountsByPlatform(ctx context.Context, platform string) ([]domain.Account, error) {
	var rows []pgAccountRow
	err := p.db.SelectContext(ctx, &rows,
		`SELECT * FROM accounts WHERE platform = $1 ORDER BY name`, platform)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Account, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

func (r pgAccountRow) toDomain() domain.Account {
	return domain.Account{
		ID:                r.ID,
		Name:              r.Name,
		Platform:          r.Platform,
		PlatformAccountID: r.PlatformAccountID,
		Details:           unmarshalDetails(r.Details),
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
}

func (r pgArticleRow) toDomain() domain.Article {
	return domain.Article{
		ID:               r.ID,
		AccountID:        r.AccountID,
		Title:            r.Title,
		URL:              r.URL,
		PublishTime:      r.PublishTime,
		PublishTimestamp: r.PublishTimestamp,
		Content:          r.Content,
		Summary:          r.Summary,
		Details:          unmarshalDetails(r.Details),
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
}
