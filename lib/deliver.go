package feed2mobi

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"time"
)

// DeliverHour builds and mails a periodical for every active,
// delivery-enabled account whose delivery hour equals hour. Read state
// flips only after compile and hand-off both succeeded, so a crash in
// between re-delivers the same entries next cycle instead of losing them.
func (m *Manager) DeliverHour(ctx context.Context, hour int, builder *Builder, mailer Mailer) error {
	var accounts []Account
	err := m.db.Select(&accounts, `SELECT id, name, delivery_address, delivery_hour, delivery_actived, bundle_size, actived
		FROM account WHERE actived=1 AND delivery_actived=1 AND delivery_hour=?`, hour)
	if err != nil {
		return err
	}

	title := "Feed2Mobi"
	date := time.Now().Format("2006-01-02")

	for _, account := range accounts {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := m.deliverAccount(account, title, date, builder, mailer); err != nil {
			log.Printf("Error delivering to %s: %s", account.Name, err)
		}
	}
	return nil
}

func (m *Manager) deliverAccount(account Account, title, date string, builder *Builder, mailer Mailer) error {
	// The section grouping in the builder relies on this ordering.
	query := `SELECT account_entry.feed_id, feed.title feed_title, account_entry.entry_id,
		entry.title entry_title, entry.author, entry.path
		FROM account_entry, entry, feed
		WHERE account_entry.account_id=? AND account_entry.unread=1
		  AND account_entry.entry_id=entry.id AND account_entry.feed_id=feed.id
		ORDER BY account_entry.feed_id ASC, account_entry.entry_id ASC`
	args := []interface{}{account.ID}
	if account.BundleSize > 0 {
		query += ` LIMIT ?`
		args = append(args, account.BundleSize)
	}
	var entries []PeriodicalEntry
	if err := m.db.Select(&entries, query, args...); err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	output, err := builder.Build(title, date, entries)
	if err != nil {
		return err
	}
	// Artifacts go away even when the hand-off fails: unread state alone
	// drives the retry, and the next cycle rebuilds the same documents.
	defer removeArtifacts(builder.Dir, output)

	if err := mailer.Send(account.DeliveryAddress.String, "feed2mobi daily delivery", filepath.Join(builder.Dir, output)); err != nil {
		return err
	}

	tx, err := m.db.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, e := range entries {
		if _, err := tx.Exec(`UPDATE account_entry SET unread=0 WHERE account_id=? AND entry_id=?`, account.ID, e.EntryID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func removeArtifacts(dir, output string) {
	for _, name := range []string{output, TOCName, OPFName, NCXName} {
		if err := os.Remove(filepath.Join(dir, name)); err != nil && !os.IsNotExist(err) {
			log.Printf("Error removing build artifact %s: %s", name, err)
		}
	}
}
