package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/pressroom-hq/account-harvester/internal/domain"
)

const (
	accountBucket    = "accounts"
	accountKeyBucket = "accounts_by_key"
	articleBucket    = "articles"
	articleURLBucket = "articles_by_url"

	idValueBytes = 8
)

// boltStore implements Backend on an embedded BoltDB file. Records are stored
// as JSON under sequence ids; secondary buckets map (platform, name) and url
// to ids so dedup is a single Get inside the write transaction.
type boltStore struct {
	db *bolt.DB
}

// openBolt initializes a BoltDB-backed Backend.
func openBolt(path string) (Backend, error) {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage directory: %w", err)
		}
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bbolt db: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{accountBucket, accountKeyBucket, articleBucket, articleURLBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("init buckets: %w", err)
	}

	return &boltStore{db: db}, nil
}

// Close closes the BoltDB backend.
func (b *boltStore) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

// accountKey builds the (platform, name) index key. The NUL separator keeps
// distinct pairs from colliding.
func accountKey(platform, name string) []byte {
	return []byte(platform + "\x00" + name)
}

func encodeID(id int64) []byte {
	buf := make([]byte, idValueBytes)
	binary.BigEndian.PutUint64(buf, uint64(id))
	return buf
}

func decodeID(value []byte) (int64, bool) {
	if len(value) != idValueBytes {
		return 0, false
	}
	return int64(binary.BigEndian.Uint64(value)), true
}

// SaveAccount upserts by (platform, name). On an existing account, the
// platform id is refreshed when non-empty and details are shallow-merged with
// new keys winning.
func (b *boltStore) SaveAccount(ctx context.Context, name, platform, platformID string, details map[string]string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var id int64
	err := b.db.Update(func(tx *bolt.Tx) error {
		accounts := tx.Bucket([]byte(accountBucket))
		keys := tx.Bucket([]byte(accountKeyBucket))
		now := time.Now()

		key := accountKey(platform, name)
		if raw := keys.Get(key); raw != nil {
			existing, ok := decodeID(raw)
			if !ok {
				return fmt.Errorf("corrupt account index for %q", name)
			}
			var acc domain.Account
			if err := json.Unmarshal(accounts.Get(encodeID(existing)), &acc); err != nil {
				return fmt.Errorf("decode account %d: %w", existing, err)
			}
			if platformID != "" {
				acc.PlatformAccountID = platformID
			}
			acc.Details = domain.MergeDetails(acc.Details, details)
			acc.UpdatedAt = now
			buf, err := json.Marshal(acc)
			if err != nil {
				return err
			}
			id = existing
			return accounts.Put(encodeID(existing), buf)
		}

		seq, err := accounts.NextSequence()
		if err != nil {
			return err
		}
		acc := domain.Account{
			ID:                int64(seq),
			Name:              name,
			Platform:          platform,
			PlatformAccountID: platformID,
			Details:           domain.MergeDetails(nil, details),
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		buf, err := json.Marshal(acc)
		if err != nil {
			return err
		}
		if err := accounts.Put(encodeID(acc.ID), buf); err != nil {
			return err
		}
		if err := keys.Put(key, encodeID(acc.ID)); err != nil {
			return err
		}
		id = acc.ID
		return nil
	})
	if err != nil {
		return 0, &PersistError{Op: "account " + name, Err: err}
	}
	return id, nil
}

// AccountByID loads one account, nil when absent.
func (b *boltStore) AccountByID(ctx context.Context, id int64) (*domain.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var acc *domain.Account
	err := b.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(accountBucket)).Get(encodeID(id))
		if raw == nil {
			return nil
		}
		var a domain.Account
		if err := json.Unmarshal(raw, &a); err != nil {
			return fmt.Errorf("decode account %d: %w", id, err)
		}
		acc = &a
		return nil
	})
	return acc, err
}

// Account loads one account by its (platform, name) key, nil when absent.
func (b *boltStore) Account(ctx context.Context, name, platform string) (*domain.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var id int64
	found := false
	err := b.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(accountKeyBucket)).Get(accountKey(platform, name))
		if raw == nil {
			return nil
		}
		var ok bool
		id, ok = decodeID(raw)
		found = ok
		return nil
	})
	if err != nil || !found {
		return nil, err
	}
	return b.AccountByID(ctx, id)
}

// SaveArticle inserts the article unless its url is already known. Duplicates
// return (false, nil). A missing owning account is a persistence error.
func (b *boltStore) SaveArticle(ctx context.Context, art domain.Article) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	inserted := false
	err := b.db.Update(func(tx *bolt.Tx) error {
		articles := tx.Bucket([]byte(articleBucket))
		urls := tx.Bucket([]byte(articleURLBucket))

		if urls.Get([]byte(art.URL)) != nil {
			return nil
		}
		if tx.Bucket([]byte(accountBucket)).Get(encodeID(art.AccountID)) == nil {
			return fmt.Errorf("unknown account id %d", art.AccountID)
		}

		seq, err := articles.NextSequence()
		if err != nil {
			return err
		}
		now := time.Now()
		art.ID = int64(seq)
		if art.PublishTimestamp == 0 && art.PublishTime != "" {
			art.PublishTimestamp = domain.ParsePublishTime(art.PublishTime, now)
		}
		art.CreatedAt = now
		art.UpdatedAt = now

		buf, err := json.Marshal(art)
		if err != nil {
			return err
		}
		if err := articles.Put(encodeID(art.ID), buf); err != nil {
			return err
		}
		if err := urls.Put([]byte(art.URL), encodeID(art.ID)); err != nil {
			return err
		}
		inserted = true
		return nil
	})
	if err != nil {
		return false, &PersistError{Op: "article " + art.URL, Err: err}
	}
	return inserted, nil
}

// ArticleByID loads one article, nil when absent.
func (b *boltStore) ArticleByID(ctx context.Context, id int64) (*domain.Article, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var art *domain.Article
	err := b.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(articleBucket)).Get(encodeID(id))
		if raw == nil {
			return nil
		}
		var a domain.Article
		if err := json.Unmarshal(raw, &a); err != nil {
			return fmt.Errorf("decode article %d: %w", id, err)
		}
		art = &a
		return nil
	})
	return art, err
}

// UpdateArticleSummary back-fills the summary on a stored article.
func (b *boltStore) UpdateArticleSummary(ctx context.Context, id int64, summary string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := b.db.Update(func(tx *bolt.Tx) error {
		articles := tx.Bucket([]byte(articleBucket))
		raw := articles.Get(encodeID(id))
		if raw == nil {
			return fmt.Errorf("unknown article id %d", id)
		}
		var art domain.Article
		if err := json.Unmarshal(raw, &art); err != nil {
			return fmt.Errorf("decode article %d: %w", id, err)
		}
		art.Summary = summary
		art.UpdatedAt = time.Now()
		buf, err := json.Marshal(art)
		if err != nil {
			return err
		}
		return articles.Put(encodeID(id), buf)
	})
	if err != nil {
		return &PersistError{Op: fmt.Sprintf("article summary %d", id), Err: err}
	}
	return nil
}

// Articles returns matching articles ordered by publish timestamp descending.
func (b *boltStore) Articles(ctx context.Context, q ArticleQuery) ([]domain.Article, error) {
	matched, err := b.filterArticles(ctx, q)
	if err != nil {
		return nil, err
	}

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].PublishTimestamp > matched[j].PublishTimestamp
	})

	if q.Offset >= len(matched) {
		return nil, nil
	}
	matched = matched[q.Offset:]
	if limit := q.limit(); len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

// CountArticles counts matches without pagination.
func (b *boltStore) CountArticles(ctx context.Context, q ArticleQuery) (int64, error) {
	matched, err := b.filterArticles(ctx, q)
	if err != nil {
		return 0, err
	}
	return int64(len(matched)), nil
}

func (b *boltStore) filterArticles(ctx context.Context, q ArticleQuery) ([]domain.Article, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	lo, hi, bounded := windowBounds(q.Window)

	var matched []domain.Article
	err := b.db.View(func(tx *bolt.Tx) error {
		var platformIDs map[int64]bool
		if q.Platform != "" {
			platformIDs = make(map[int64]bool)
			cur := tx.Bucket([]byte(accountBucket)).Cursor()
			for k, v := cur.First(); k != nil; k, v = cur.Next() {
				var acc domain.Account
				if err := json.Unmarshal(v, &acc); err != nil {
					return err
				}
				if acc.Platform == q.Platform {
					platformIDs[acc.ID] = true
				}
			}
		}

		cur := tx.Bucket([]byte(articleBucket)).Cursor()
		for k, v := cur.First(); k != nil; k, v = cur.Next() {
			var art domain.Article
			if err := json.Unmarshal(v, &art); err != nil {
				return err
			}
			if q.AccountID != 0 && art.AccountID != q.AccountID {
				continue
			}
			if platformIDs != nil && !platformIDs[art.AccountID] {
				continue
			}
			if bounded && (art.PublishTimestamp < lo || art.PublishTimestamp > hi) {
				continue
			}
			if !matchesKeywords(art, q.Keywords) {
				continue
			}
			matched = append(matched, art)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return matched, nil
}

// Platforms lists the distinct platforms with stored accounts, sorted.
func (b *boltStore) Platforms(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	err := b.db.View(func(tx *bolt.Tx) error {
		cur := tx.Bucket([]byte(accountBucket)).Cursor()
		for k, v := cur.First(); k != nil; k, v = cur.Next() {
			var acc domain.Account
			if err := json.Unmarshal(v, &acc); err != nil {
				return err
			}
			seen[acc.Platform] = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

// AccountsByPlatform lists accounts on a platform ordered by name.
func (b *boltStore) AccountsByPlatform(ctx context.Context, platform string) ([]domain.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []domain.Account
	err := b.db.View(func(tx *bolt.Tx) error {
		cur := tx.Bucket([]byte(accountBucket)).Cursor()
		for k, v := cur.First(); k != nil; k, v = cur.Next() {
			var acc domain.Account
			if err := json.Unmarshal(v, &acc); err != nil {
				return err
			}
			if acc.Platform == platform {
				out = append(out, acc)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
