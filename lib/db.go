package feed2mobi

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// Feed is the stored state of a syndication source. Feeds are never hard
// deleted, only deactivated.
type Feed struct {
	ID               int64          `db:"id"`
	URL              string         `db:"url"`
	Title            string         `db:"title"`
	Description      sql.NullString `db:"description"`
	LastUpdated      sql.NullString `db:"last_updated"`
	HTTPLastModified sql.NullString `db:"http_last_modified"`
	HTTPETag         sql.NullString `db:"http_etag"`
	Actived          bool           `db:"actived"`
}

// Entry is one stored feed entry; Path is its content-addressed body
// location relative to the data directory.
type Entry struct {
	ID      int64          `db:"id"`
	FeedID  int64          `db:"feed_id"`
	Path    string         `db:"path"`
	Link    sql.NullString `db:"link"`
	Title   string         `db:"title"`
	Author  sql.NullString `db:"author"`
	PubDate sql.NullString `db:"pub_date"`
}

// Account is a subscriber, created lazily on first authentication.
type Account struct {
	ID              int64          `db:"id"`
	Name            string         `db:"name"`
	DeliveryAddress sql.NullString `db:"delivery_address"`
	DeliveryHour    int            `db:"delivery_hour"`
	DeliveryActived bool           `db:"delivery_actived"`
	BundleSize      int            `db:"bundle_size"`
	Actived         bool           `db:"actived"`
}

// OpenDB opens the sqlite database at path. The busy timeout makes
// concurrent update workers wait for the write lock instead of failing.
func OpenDB(path string) (*sqlx.DB, error) {
	return sqlx.Open("sqlite3", path+"?_busy_timeout=5000")
}

// MigrateDB creates the schema when absent.
func MigrateDB(db *sqlx.DB) error {
	sqlStmt := `
	CREATE TABLE IF NOT EXISTS account
	(
	 id INTEGER PRIMARY KEY AUTOINCREMENT,
	 name TEXT NOT NULL UNIQUE,
	 delivery_address TEXT,
	 delivery_hour INTEGER DEFAULT 8,
	 delivery_actived INTEGER NOT NULL DEFAULT 0,
	 bundle_size INTEGER NOT NULL DEFAULT 0,
	 actived INTEGER NOT NULL DEFAULT 1
	);
	CREATE TABLE IF NOT EXISTS feed
	(
	 id INTEGER PRIMARY KEY AUTOINCREMENT,
	 url TEXT NOT NULL UNIQUE,
	 title TEXT NOT NULL,
	 description TEXT,
	 last_updated TEXT,
	 http_last_modified TEXT,
	 http_etag TEXT,
	 actived INTEGER NOT NULL DEFAULT 1
	);
	CREATE TABLE IF NOT EXISTS entry
	(
	 id INTEGER PRIMARY KEY AUTOINCREMENT,
	 feed_id INTEGER NOT NULL,
	 path TEXT NOT NULL,
	 link TEXT,
	 title TEXT NOT NULL,
	 author TEXT,
	 pub_date TEXT,
	 CONSTRAINT fk_feed_id FOREIGN KEY (feed_id) REFERENCES feed (id)
	);
	CREATE TABLE IF NOT EXISTS account_feed
	(
	 id INTEGER PRIMARY KEY AUTOINCREMENT,
	 account_id INTEGER NOT NULL,
	 feed_id INTEGER NOT NULL,
	 CONSTRAINT fk_af_account_id FOREIGN KEY (account_id) REFERENCES account (id),
	 CONSTRAINT fk_af_feed_id FOREIGN KEY (feed_id) REFERENCES feed (id)
	);
	CREATE TABLE IF NOT EXISTS account_entry
	(
	 account_id INTEGER NOT NULL,
	 feed_id INTEGER NOT NULL,
	 entry_id INTEGER NOT NULL,
	 unread INTEGER NOT NULL DEFAULT 1,
	 CONSTRAINT pk_ae PRIMARY KEY (account_id, feed_id, entry_id),
	 CONSTRAINT fk_ae_account_id FOREIGN KEY (account_id) REFERENCES account (id),
	 CONSTRAINT fk_ae_feed_id FOREIGN KEY (feed_id) REFERENCES feed (id),
	 CONSTRAINT fk_ae_entry_id FOREIGN KEY (entry_id) REFERENCES entry (id)
	);
	CREATE INDEX IF NOT EXISTS ix_account_actived ON account (actived);
	CREATE INDEX IF NOT EXISTS ix_feed_actived ON feed (actived);
	CREATE UNIQUE INDEX IF NOT EXISTS ix_account_feed_pk ON account_feed (account_id, feed_id);
	CREATE UNIQUE INDEX IF NOT EXISTS ix_entry_feed_path ON entry (feed_id, path);
	CREATE INDEX IF NOT EXISTS ix_account_actived_hour ON account (actived, delivery_actived, delivery_hour);
	CREATE INDEX IF NOT EXISTS ix_account_entry_unread ON account_entry (account_id, unread);
	`

	_, err := db.Exec(sqlStmt)
	return err
}

// Manager owns all feed, entry and read-state mutation. There is no shared
// in-memory state; all coordination goes through the database.
type Manager struct {
	db      *sqlx.DB
	store   *ContentStore
	fetcher Fetcher
}

func NewManager(db *sqlx.DB, store *ContentStore, fetcher Fetcher) *Manager {
	return &Manager{db: db, store: store, fetcher: fetcher}
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

type idActivedRow struct {
	ID      int64 `db:"id"`
	Actived bool  `db:"actived"`
}

// Account returns the id and actived flag for name, creating the account
// on first sight.
func (m *Manager) Account(name string) (int64, bool, error) {
	var row idActivedRow
	err := m.db.Get(&row, `SELECT id, actived FROM account WHERE name=?`, name)
	if err == nil {
		return row.ID, row.Actived, nil
	}
	if err != sql.ErrNoRows {
		return 0, false, err
	}

	if _, err := m.db.Exec(`INSERT INTO account (name) VALUES (?) ON CONFLICT (name) DO NOTHING`, name); err != nil {
		return 0, false, err
	}
	// A concurrent insert may have won the race; either way the row exists
	// now.
	if err := m.db.Get(&row, `SELECT id, actived FROM account WHERE name=?`, name); err != nil {
		return 0, false, err
	}
	return row.ID, row.Actived, nil
}

// Subscribe links an account to a feed, creating the feed on its first
// successful parse. feedRef is a feed id or a feed URL. Re-subscribing is
// a no-op.
func (m *Manager) Subscribe(ctx context.Context, feedRef string, accountID int64) (int64, error) {
	var count int
	if err := m.db.Get(&count, `SELECT COUNT(*) FROM account WHERE id=?`, accountID); err != nil {
		return 0, err
	}
	if count == 0 {
		return 0, fmt.Errorf("account#%d does not exist", accountID)
	}

	feedID, actived, err := m.findFeed(feedRef)
	if err != nil {
		return 0, err
	}
	if feedID != 0 && !actived {
		return 0, fmt.Errorf("feed %s does not exist", feedRef)
	}

	if feedID == 0 {
		res, err := m.fetcher.Fetch(ctx, feedRef, "", "")
		if err != nil {
			return 0, err
		}
		if res.Feed == nil {
			return 0, fmt.Errorf("feed %s: no document fetched", feedRef)
		}
		if _, err := m.db.Exec(`INSERT INTO feed (url, title, description) VALUES (?, ?, ?) ON CONFLICT (url) DO NOTHING`,
			feedRef, res.Feed.Title, nullable(res.Feed.Description)); err != nil {
			return 0, err
		}
		if err := m.db.Get(&feedID, `SELECT id FROM feed WHERE url=?`, feedRef); err != nil {
			return 0, err
		}
	}

	if _, err := m.db.Exec(`INSERT INTO account_feed (account_id, feed_id) VALUES (?, ?) ON CONFLICT (account_id, feed_id) DO NOTHING`,
		accountID, feedID); err != nil {
		return 0, err
	}
	return feedID, nil
}

// Unsubscribe removes the account/feed link; removing a link that does not
// exist is a no-op.
func (m *Manager) Unsubscribe(feedRef string, accountID int64) error {
	feedID, _, err := m.findFeed(feedRef)
	if err != nil || feedID == 0 {
		return err
	}
	_, err = m.db.Exec(`DELETE FROM account_feed WHERE feed_id=? AND account_id=?`, feedID, accountID)
	return err
}

// findFeed resolves feedRef as a feed id first, then as a URL. A zero id
// means not found.
func (m *Manager) findFeed(feedRef string) (int64, bool, error) {
	var row idActivedRow
	if id, perr := strconv.ParseInt(feedRef, 10, 64); perr == nil {
		err := m.db.Get(&row, `SELECT id, actived FROM feed WHERE id=?`, id)
		if err == nil {
			return row.ID, row.Actived, nil
		}
		if err != sql.ErrNoRows {
			return 0, false, err
		}
	}
	err := m.db.Get(&row, `SELECT id, actived FROM feed WHERE url=?`, feedRef)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return row.ID, row.Actived, nil
}
