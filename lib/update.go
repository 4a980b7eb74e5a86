package feed2mobi

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"sync"
)

// Update runs the ingestion algorithm over every active feed. Feeds are
// distributed over a bounded pool of workers; each feed is processed
// entirely by one worker, so per-feed persistence stays serialized and the
// address-based idempotence holds.
func (m *Manager) Update(ctx context.Context, workers int) error {
	var feeds []Feed
	if err := m.db.Select(&feeds, `SELECT id, url, title, description, last_updated, http_last_modified, http_etag, actived FROM feed WHERE actived=1`); err != nil {
		return err
	}
	if workers < 1 {
		workers = 1
	}

	jobs := make(chan Feed)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for feed := range jobs {
				m.updateFeed(ctx, feed)
			}
		}()
	}
	for _, feed := range feeds {
		jobs <- feed
	}
	close(jobs)
	wg.Wait()
	return nil
}

// updateFeed fetches one feed and persists its entries. Any failure is
// logged and leaves the feed's stored state untouched, so the next cycle
// retries from the same validators.
func (m *Manager) updateFeed(ctx context.Context, feed Feed) {
	res, err := m.fetcher.Fetch(ctx, feed.URL, feed.HTTPLastModified.String, feed.HTTPETag.String)
	if err != nil {
		if errors.Is(err, ErrUnsupportedFeedType) {
			log.Printf("Feed %s needs operator attention: %s", feed.URL, err)
		} else {
			log.Printf("Error fetching feed %s: %s", feed.URL, err)
		}
		return
	}
	if res.NotModified {
		return
	}
	doc := res.Feed

	// Some feeds rotate validators without changing content; the stored
	// last-updated marker catches those.
	if feed.LastUpdated.Valid && feed.LastUpdated.String != "" && feed.LastUpdated.String == doc.LastUpdated {
		return
	}

	// Oldest first, so an interrupted run leaves the older entries durable.
	for i := len(doc.Items) - 1; i >= 0; i-- {
		if err := m.updateEntry(feed.ID, doc.Items[i]); err != nil {
			log.Printf("Error saving entry %s: %s", doc.Items[i].URL, err)
		}
	}

	// The feed row is written once, after all entries: a crash before this
	// point leaves the feed looking not yet updated and safely retried.
	_, err = m.db.Exec(`UPDATE feed SET title=?, description=?, last_updated=?, http_last_modified=?, http_etag=? WHERE id=?`,
		doc.Title, nullable(doc.Description), nullable(doc.LastUpdated),
		nullable(res.LastModified), nullable(res.ETag), feed.ID)
	if err != nil {
		log.Printf("Error updating feed %s: %s", feed.URL, err)
	}
}

// updateEntry persists a single entry. Row mutation, unread fan-out and
// the body write form one transaction, so a crash leaves either a fully
// written entry or none.
func (m *Manager) updateEntry(feedID int64, item FeedItem) error {
	if item.URL == "" {
		return nil // nothing to address the entry by
	}
	addr := m.store.Address(feedID, item.URL)
	relPath := m.store.EntryPath(feedID, addr)

	var existing Entry
	found := true
	err := m.db.Get(&existing, `SELECT id, feed_id, path, link, title, author, pub_date FROM entry WHERE feed_id=? AND path=?`, feedID, relPath)
	if err == sql.ErrNoRows {
		found = false
	} else if err != nil {
		return err
	}

	if found && existing.PubDate.String == item.PubDate {
		return nil // already current
	}

	tx, err := m.db.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if found {
		// A publish-date change is an edit: refresh the row and the body,
		// but leave read state alone so an edited item does not come back
		// as unread.
		if _, err := tx.Exec(`UPDATE entry SET title=?, author=?, pub_date=? WHERE id=?`,
			item.Title, nullable(item.Author), nullable(item.PubDate), existing.ID); err != nil {
			return err
		}
	} else {
		res, err := tx.Exec(`INSERT INTO entry (feed_id, path, link, title, author, pub_date) VALUES (?, ?, ?, ?, ?, ?)`,
			feedID, relPath, item.URL, item.Title, nullable(item.Author), nullable(item.PubDate))
		if err != nil {
			return err
		}
		entryID, err := res.LastInsertId()
		if err != nil {
			return err
		}
		// Fan the unread flag out to every currently subscribed account.
		if _, err := tx.Exec(`INSERT INTO account_entry (account_id, feed_id, entry_id, unread)
			SELECT account_id, feed_id, ?, 1 FROM account_feed WHERE feed_id=?`, entryID, feedID); err != nil {
			return err
		}
	}

	content := item.Content
	if content == "" {
		content = item.Summary
	}
	if err := m.store.Write(relPath, item.Title, content); err != nil {
		return err
	}
	return tx.Commit()
}
