package feed2mobi

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// seedDelivery ingests two unread entries for one delivery-enabled account
// with delivery hour 8.
func seedDelivery(t *testing.T, mgr *Manager, mf *mockFetcher) {
	t.Helper()
	subscribeTestFeed(t, mgr, mf, "http://x/feed")

	mf.results["http://x/feed"] = &FetchResult{
		Feed: &FeedDocument{
			URL:         "http://x/feed",
			Title:       "News",
			LastUpdated: "L1",
			Items: []FeedItem{
				{URL: "http://x/2", Title: "Second", PubDate: "D2", Summary: "s2"},
				{URL: "http://x/1", Title: "First", PubDate: "D1", Summary: "s1"},
			},
		},
	}
	require.NoError(t, mgr.Update(context.Background(), 1))

	_, err := mgr.db.Exec(`UPDATE account SET delivery_address='tom@x', delivery_actived=1, delivery_hour=8`)
	require.NoError(t, err)
}

func unreadCount(t *testing.T, mgr *Manager) int {
	t.Helper()
	var n int
	require.NoError(t, mgr.db.Get(&n, `SELECT COUNT(*) FROM account_entry WHERE unread=1`))
	return n
}

func TestDeliverHourMarksRead(t *testing.T) {
	mgr, mf := testManager(t)
	seedDelivery(t, mgr, mf)

	b := &Builder{Dir: mgr.store.DataPath(), Compiler: &mockCompiler{}}
	mm := &mockMailer{}
	require.NoError(t, mgr.DeliverHour(context.Background(), 8, b, mm))

	require.Equal(t, []string{"tom@x"}, mm.sent)
	require.Zero(t, unreadCount(t, mgr))

	for _, name := range []string{TOCName, OPFName, NCXName} {
		_, err := os.Stat(filepath.Join(b.Dir, name))
		require.True(t, os.IsNotExist(err), "build artifact %s is cleaned up", name)
	}
}

func TestDeliverHourWrongHourIsNoop(t *testing.T) {
	mgr, mf := testManager(t)
	seedDelivery(t, mgr, mf)

	mm := &mockMailer{}
	b := &Builder{Dir: mgr.store.DataPath(), Compiler: &mockCompiler{}}
	require.NoError(t, mgr.DeliverHour(context.Background(), 9, b, mm))

	require.Empty(t, mm.sent)
	require.Equal(t, 2, unreadCount(t, mgr))
}

func TestDeliverHourCompilerFailureLeavesUnread(t *testing.T) {
	mgr, mf := testManager(t)
	seedDelivery(t, mgr, mf)

	mm := &mockMailer{}
	b := &Builder{Dir: mgr.store.DataPath(), Compiler: &mockCompiler{fail: true}}
	require.NoError(t, mgr.DeliverHour(context.Background(), 8, b, mm),
		"one failing account does not abort the sweep")

	require.Empty(t, mm.sent)
	require.Equal(t, 2, unreadCount(t, mgr), "entries stay unread for the next cycle")
}

func TestDeliverHourMailFailureLeavesUnread(t *testing.T) {
	mgr, mf := testManager(t)
	seedDelivery(t, mgr, mf)

	mm := &mockMailer{fail: true}
	b := &Builder{Dir: mgr.store.DataPath(), Compiler: &mockCompiler{}}
	require.NoError(t, mgr.DeliverHour(context.Background(), 8, b, mm))

	require.Empty(t, mm.sent)
	require.Equal(t, 2, unreadCount(t, mgr))
}

func TestDeliverHourBundleSizeCaps(t *testing.T) {
	mgr, mf := testManager(t)
	seedDelivery(t, mgr, mf)

	_, err := mgr.db.Exec(`UPDATE account SET bundle_size=1`)
	require.NoError(t, err)

	mm := &mockMailer{}
	b := &Builder{Dir: mgr.store.DataPath(), Compiler: &mockCompiler{}}
	require.NoError(t, mgr.DeliverHour(context.Background(), 8, b, mm))

	require.Equal(t, []string{"tom@x"}, mm.sent)
	require.Equal(t, 1, unreadCount(t, mgr), "the rest waits for the next bundle")

	// Ingestion is oldest first, so the lowest entry id goes out first and
	// the newer entry stays behind.
	var unreadTitle string
	require.NoError(t, mgr.db.Get(&unreadTitle, `SELECT entry.title FROM account_entry, entry
		WHERE account_entry.unread=1 AND account_entry.entry_id=entry.id`))
	require.Equal(t, "Second", unreadTitle)
}

func TestDeliverHourNothingUnreadIsNoop(t *testing.T) {
	mgr, mf := testManager(t)
	seedDelivery(t, mgr, mf)

	_, err := mgr.db.Exec(`UPDATE account_entry SET unread=0`)
	require.NoError(t, err)

	mc := &mockCompiler{}
	mm := &mockMailer{}
	b := &Builder{Dir: mgr.store.DataPath(), Compiler: mc}
	require.NoError(t, mgr.DeliverHour(context.Background(), 8, b, mm))

	require.Empty(t, mc.compiled)
	require.Empty(t, mm.sent)
}
