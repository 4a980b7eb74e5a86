package feed2mobi

import (
	"crypto/sha1"
	"fmt"
	"html"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// The charset meta is what lets the compiler decode utf-8 body files.
const charsetMeta = `<meta http-equiv="Content-Type" content="text/html;charset=UTF-8"/>`

// ContentStore writes sanitized entry bodies to content-addressed paths
// under a data directory.
type ContentStore struct {
	dataPath string
}

func NewContentStore(dataPath string) *ContentStore {
	return &ContentStore{dataPath: dataPath}
}

func (s *ContentStore) DataPath() string {
	return s.dataPath
}

// Address returns the stable content address for an entry: the hex SHA-1
// of "<feedID>:<entryURL>". The same feed and url always map to the same
// address, so repeated fetches store at most one copy per logical entry.
func (s *ContentStore) Address(feedID int64, entryURL string) string {
	sum := sha1.Sum([]byte(strconv.FormatInt(feedID, 10) + ":" + entryURL))
	return fmt.Sprintf("%x", sum)
}

// EntryPath returns the body path for an address, relative to the data
// directory: <feedID>/<addr[:2]>/<addr[2:]>.html. The two-character bucket
// bounds per-feed directory fan-out at 256.
func (s *ContentStore) EntryPath(feedID int64, addr string) string {
	return filepath.Join(strconv.FormatInt(feedID, 10), addr[:2], addr[2:]+".html")
}

// Write sanitizes htmlFragment and writes a standalone document with an h2
// title heading to relPath. Overwrites are allowed: an entry update
// replaces its stored body.
func (s *ContentStore) Write(relPath, title, htmlFragment string) error {
	body, err := sanitizeHTML(htmlFragment)
	if err != nil {
		return err
	}

	full := filepath.Join(s.dataPath, relPath)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}

	var b strings.Builder
	b.WriteString("<html><head>")
	b.WriteString(charsetMeta)
	b.WriteString("</head><body><h2>")
	b.WriteString(html.EscapeString(title))
	b.WriteString("</h2>")
	b.WriteString(body)
	b.WriteString("</body></html>")
	return os.WriteFile(full, []byte(b.String()), 0o644)
}

// sanitizeHTML strips images, scripts and styles entirely, and anchors
// carrying no visible text, which render as dead links on the device.
func sanitizeHTML(fragment string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return "", err
	}
	doc.Find("img, script, style").Remove()
	doc.Find("a").Each(func(_ int, a *goquery.Selection) {
		if strings.TrimSpace(a.Text()) == "" {
			a.Remove()
		}
	})
	return doc.Find("body").Html()
}
