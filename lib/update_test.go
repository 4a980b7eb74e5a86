package feed2mobi

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func subscribeTestFeed(t *testing.T, mgr *Manager, mf *mockFetcher, url string) (accountID, feedID int64) {
	t.Helper()
	mf.results[url] = &FetchResult{Feed: &FeedDocument{URL: url, Title: "News"}}

	accountID, _, err := mgr.Account("tom@example.com")
	require.NoError(t, err)
	feedID, err = mgr.Subscribe(context.Background(), url, accountID)
	require.NoError(t, err)
	return accountID, feedID
}

func entryBody(t *testing.T, mgr *Manager, feedID int64, url string) string {
	t.Helper()
	rel := mgr.store.EntryPath(feedID, mgr.store.Address(feedID, url))
	data, err := os.ReadFile(filepath.Join(mgr.store.DataPath(), rel))
	require.NoError(t, err)
	return string(data)
}

func TestUpdateFirstIngestion(t *testing.T) {
	mgr, mf := testManager(t)
	_, feedID := subscribeTestFeed(t, mgr, mf, "http://x/feed")

	mf.results["http://x/feed"] = &FetchResult{
		Feed: &FeedDocument{
			URL:         "http://x/feed",
			Title:       "News",
			LastUpdated: "L1",
			Items: []FeedItem{
				{URL: "http://x/1", Title: "Hello", PubDate: "D1", Summary: "<p>hi</p>"},
			},
		},
		LastModified: "lm1",
		ETag:         "e1",
	}
	require.NoError(t, mgr.Update(context.Background(), 1))

	var entry Entry
	require.NoError(t, mgr.db.Get(&entry, `SELECT id, feed_id, path, link, title, author, pub_date FROM entry`))
	require.Equal(t, feedID, entry.FeedID)
	require.Equal(t, "http://x/1", entry.Link.String)
	require.Equal(t, "Hello", entry.Title)
	require.Equal(t, "D1", entry.PubDate.String)

	var unread int
	require.NoError(t, mgr.db.Get(&unread, `SELECT COUNT(*) FROM account_entry WHERE unread=1`))
	require.Equal(t, 1, unread)

	body := entryBody(t, mgr, feedID, "http://x/1")
	require.Contains(t, body, "<h2>Hello</h2>")
	require.Contains(t, body, "<p>hi</p>")

	var feed Feed
	require.NoError(t, mgr.db.Get(&feed, `SELECT id, url, title, description, last_updated, http_last_modified, http_etag, actived FROM feed WHERE id=?`, feedID))
	require.Equal(t, "L1", feed.LastUpdated.String)
	require.Equal(t, "lm1", feed.HTTPLastModified.String)
	require.Equal(t, "e1", feed.HTTPETag.String)
}

func TestUpdateIsIdempotent(t *testing.T) {
	mgr, mf := testManager(t)
	subscribeTestFeed(t, mgr, mf, "http://x/feed")

	mf.results["http://x/feed"] = &FetchResult{
		Feed: &FeedDocument{
			URL:   "http://x/feed",
			Title: "News",
			Items: []FeedItem{{URL: "http://x/1", Title: "Hello", PubDate: "D1", Summary: "s"}},
		},
	}
	require.NoError(t, mgr.Update(context.Background(), 1))
	require.NoError(t, mgr.Update(context.Background(), 1))

	var entries, marks int
	require.NoError(t, mgr.db.Get(&entries, `SELECT COUNT(*) FROM entry`))
	require.NoError(t, mgr.db.Get(&marks, `SELECT COUNT(*) FROM account_entry`))
	require.Equal(t, 1, entries)
	require.Equal(t, 1, marks)
}

func TestUpdateUnchangedMarkerSkipsFeed(t *testing.T) {
	mgr, mf := testManager(t)
	_, feedID := subscribeTestFeed(t, mgr, mf, "http://x/feed")

	mf.results["http://x/feed"] = &FetchResult{
		Feed: &FeedDocument{
			URL:         "http://x/feed",
			Title:       "News",
			LastUpdated: "L1",
			Items:       []FeedItem{{URL: "http://x/1", Title: "Hello", PubDate: "D1", Summary: "s"}},
		},
	}
	require.NoError(t, mgr.Update(context.Background(), 1))

	// Same last-updated marker on the next cycle: the body must not be
	// rewritten even though the fetch returned a full document.
	rel := mgr.store.EntryPath(feedID, mgr.store.Address(feedID, "http://x/1"))
	require.NoError(t, os.WriteFile(filepath.Join(mgr.store.DataPath(), rel), []byte("sentinel"), 0o644))

	require.NoError(t, mgr.Update(context.Background(), 1))
	require.Equal(t, "sentinel", entryBody(t, mgr, feedID, "http://x/1"))
}

func TestUpdatePubDateChangeKeepsReadState(t *testing.T) {
	mgr, mf := testManager(t)
	_, feedID := subscribeTestFeed(t, mgr, mf, "http://x/feed")

	mf.results["http://x/feed"] = &FetchResult{
		Feed: &FeedDocument{
			URL:         "http://x/feed",
			Title:       "News",
			LastUpdated: "L1",
			Items:       []FeedItem{{URL: "http://x/1", Title: "Hello", PubDate: "D1", Summary: "s"}},
		},
	}
	require.NoError(t, mgr.Update(context.Background(), 1))

	_, err := mgr.db.Exec(`UPDATE account_entry SET unread=0`)
	require.NoError(t, err)

	mf.results["http://x/feed"] = &FetchResult{
		Feed: &FeedDocument{
			URL:         "http://x/feed",
			Title:       "News",
			LastUpdated: "L2",
			Items:       []FeedItem{{URL: "http://x/1", Title: "Hello v2", PubDate: "D2", Summary: "s2"}},
		},
	}
	require.NoError(t, mgr.Update(context.Background(), 1))

	var entry Entry
	require.NoError(t, mgr.db.Get(&entry, `SELECT id, feed_id, path, link, title, author, pub_date FROM entry`))
	require.Equal(t, "Hello v2", entry.Title)
	require.Equal(t, "D2", entry.PubDate.String)

	var count, unread int
	require.NoError(t, mgr.db.Get(&count, `SELECT COUNT(*) FROM entry`))
	require.NoError(t, mgr.db.Get(&unread, `SELECT COUNT(*) FROM account_entry WHERE unread=1`))
	require.Equal(t, 1, count, "an edit stays in place")
	require.Zero(t, unread, "an edit does not come back as unread")
	require.Contains(t, entryBody(t, mgr, feedID, "http://x/1"), "s2")
}

func TestUpdateNotModified(t *testing.T) {
	mgr, mf := testManager(t)
	_, feedID := subscribeTestFeed(t, mgr, mf, "http://x/feed")

	mf.results["http://x/feed"] = &FetchResult{NotModified: true}
	require.NoError(t, mgr.Update(context.Background(), 1))

	var entries int
	require.NoError(t, mgr.db.Get(&entries, `SELECT COUNT(*) FROM entry`))
	require.Zero(t, entries)

	var feed Feed
	require.NoError(t, mgr.db.Get(&feed, `SELECT id, url, title, description, last_updated, http_last_modified, http_etag, actived FROM feed WHERE id=?`, feedID))
	require.False(t, feed.LastUpdated.Valid, "a 304 leaves the feed row alone")
}

func TestUpdateFetchFailureIsolated(t *testing.T) {
	mgr, mf := testManager(t)
	subscribeTestFeed(t, mgr, mf, "http://x/a")

	mf.results["http://x/b"] = &FetchResult{Feed: &FeedDocument{URL: "http://x/b", Title: "B"}}
	acct, _, err := mgr.Account("tom@example.com")
	require.NoError(t, err)
	_, err = mgr.Subscribe(context.Background(), "http://x/b", acct)
	require.NoError(t, err)

	mf.errs["http://x/a"] = fmt.Errorf("connection refused")
	mf.results["http://x/b"] = &FetchResult{
		Feed: &FeedDocument{
			URL:   "http://x/b",
			Title: "B",
			Items: []FeedItem{{URL: "http://x/b/1", Title: "Only", PubDate: "D1", Summary: "s"}},
		},
	}
	require.NoError(t, mgr.Update(context.Background(), 2))

	var entries int
	require.NoError(t, mgr.db.Get(&entries, `SELECT COUNT(*) FROM entry`))
	require.Equal(t, 1, entries, "one broken feed does not block the others")
}

func TestUpdateEntryFailureSkipsOnlyThatEntry(t *testing.T) {
	mgr, mf := testManager(t)
	_, feedID := subscribeTestFeed(t, mgr, mf, "http://x/feed")

	// Plant a regular file where the bad entry's bucket directory belongs,
	// so its body write fails while the other entry's succeeds.
	badAddr := mgr.store.Address(feedID, "http://x/bad")
	bucket := filepath.Join(mgr.store.DataPath(), filepath.Dir(mgr.store.EntryPath(feedID, badAddr)))
	require.NoError(t, os.MkdirAll(filepath.Dir(bucket), 0o755))
	require.NoError(t, os.WriteFile(bucket, nil, 0o644))

	mf.results["http://x/feed"] = &FetchResult{
		Feed: &FeedDocument{
			URL:         "http://x/feed",
			Title:       "News",
			LastUpdated: "L1",
			Items: []FeedItem{
				{URL: "http://x/good", Title: "Good", PubDate: "D2", Summary: "s"},
				{URL: "http://x/bad", Title: "Bad", PubDate: "D1", Summary: "s"},
			},
		},
	}
	require.NoError(t, mgr.Update(context.Background(), 1))

	var titles []string
	require.NoError(t, mgr.db.Select(&titles, `SELECT title FROM entry`))
	require.Equal(t, []string{"Good"}, titles, "the failing entry rolls back, the rest of the feed lands")

	var marks int
	require.NoError(t, mgr.db.Get(&marks, `SELECT COUNT(*) FROM account_entry`))
	require.Equal(t, 1, marks)

	var feed Feed
	require.NoError(t, mgr.db.Get(&feed, `SELECT id, url, title, description, last_updated, http_last_modified, http_etag, actived FROM feed WHERE id=?`, feedID))
	require.Equal(t, "L1", feed.LastUpdated.String, "the feed row is still written after a partial failure")
}

func TestUpdateManyFeedsSmallPool(t *testing.T) {
	mgr, mf := testManager(t)
	acct, _, err := mgr.Account("tom@example.com")
	require.NoError(t, err)

	for i := 0; i < 8; i++ {
		url := fmt.Sprintf("http://x/feed/%d", i)
		mf.results[url] = &FetchResult{
			Feed: &FeedDocument{
				URL:   url,
				Title: fmt.Sprintf("F%d", i),
				Items: []FeedItem{{URL: url + "/1", Title: "T", PubDate: "D1", Summary: "s"}},
			},
		}
		_, err := mgr.Subscribe(context.Background(), url, acct)
		require.NoError(t, err)
	}

	require.NoError(t, mgr.Update(context.Background(), 3))

	var entries int
	require.NoError(t, mgr.db.Get(&entries, `SELECT COUNT(*) FROM entry`))
	require.Equal(t, 8, entries)
}
