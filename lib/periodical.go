package feed2mobi

import (
	"database/sql"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/beevik/etree"
)

// Build artifact names, fixed by the periodical format.
const (
	TOCName = "periodical.html"
	OPFName = "periodical.opf"
	NCXName = "periodical.ncx"
)

var periodicalMIME = map[string]string{
	"html": "application/xhtml+xml",
	"jpg":  "image/jpeg",
	"gif":  "image/gif",
	"png":  "image/png",
	"ncx":  "application/x-dtbncx+xml",
}

// PeriodicalEntry is one unread entry as selected for delivery, joined
// across account_entry, entry and feed.
type PeriodicalEntry struct {
	FeedID     int64          `db:"feed_id"`
	FeedTitle  string         `db:"feed_title"`
	EntryID    int64          `db:"entry_id"`
	EntryTitle string         `db:"entry_title"`
	Author     sql.NullString `db:"author"`
	Path       string         `db:"path"`
}

// Compiler turns a manifest document into the final compiled artifact.
type Compiler interface {
	Compile(dir, manifest, output string) error
}

// KindleGen invokes the external kindlegen binary.
type KindleGen struct {
	Program string
}

func (k KindleGen) Compile(dir, manifest, output string) error {
	program := k.Program
	if program == "" {
		program = "kindlegen"
	}
	cmd := exec.Command(program, "-c2", "-o", output, manifest)
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%s: %w: %s", program, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Builder assembles the periodical document set in Dir and hands it to the
// compiler. Entries must arrive sorted by (feed id, entry id): sections
// are built from consecutive runs of equal feed title, so unsorted input
// produces duplicate sections.
type Builder struct {
	Dir      string
	Compiler Compiler
}

// Build writes the table-of-contents, manifest and navigation documents
// for entries and invokes the compiler. It returns the compiled file name.
// An empty entry set is an explicit no-op: no documents, no compiler run.
func (b *Builder) Build(title, date string, entries []PeriodicalEntry) (string, error) {
	if len(entries) == 0 {
		return "", nil
	}

	bookID := strings.ReplaceAll(title, " ", "_") + "_" + date

	if err := b.writeTOC(entries); err != nil {
		return "", err
	}
	if err := b.writeOPF(bookID, title, date, entries); err != nil {
		return "", err
	}
	if err := b.writeNCX(bookID, title, entries); err != nil {
		return "", err
	}

	output := bookID + ".mobi"
	if err := b.Compiler.Compile(b.Dir, OPFName, output); err != nil {
		return "", err
	}
	// Exit code zero alone is not success; the output has to exist too.
	if _, err := os.Stat(filepath.Join(b.Dir, output)); err != nil {
		return "", fmt.Errorf("compiler produced no %s: %w", output, err)
	}
	return output, nil
}

type periodicalSection struct {
	title    string
	articles []PeriodicalEntry
}

// groupByFeedTitle groups consecutive runs of equal feed title; input
// order decides section boundaries.
func groupByFeedTitle(entries []PeriodicalEntry) []periodicalSection {
	var sections []periodicalSection
	for _, e := range entries {
		if n := len(sections); n > 0 && sections[n-1].title == e.FeedTitle {
			sections[n-1].articles = append(sections[n-1].articles, e)
			continue
		}
		sections = append(sections, periodicalSection{title: e.FeedTitle, articles: []PeriodicalEntry{e}})
	}
	return sections
}

func (b *Builder) writeTOC(entries []PeriodicalEntry) error {
	doc := etree.NewDocument()
	html := doc.CreateElement("html")
	head := html.CreateElement("head")
	meta := head.CreateElement("meta")
	meta.CreateAttr("http-equiv", "Content-Type")
	meta.CreateAttr("content", "text/html;charset=UTF-8")

	body := html.CreateElement("body")
	body.CreateElement("h2").SetText("Table of Contents")

	for _, section := range groupByFeedTitle(entries) {
		body.CreateElement("h4").SetText(section.title)
		for _, article := range section.articles {
			a := body.CreateElement("a")
			a.CreateAttr("href", article.Path)
			a.SetText(article.EntryTitle)
			body.CreateElement("br")
		}
	}

	doc.Indent(2)
	return doc.WriteToFile(filepath.Join(b.Dir, TOCName))
}

func (b *Builder) writeOPF(bookID, title, date string, entries []PeriodicalEntry) error {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="utf-8"`)

	pkg := doc.CreateElement("package")
	pkg.CreateAttr("xmlns", "http://www.idpf.org/2007/opf")
	pkg.CreateAttr("version", "2.0")
	pkg.CreateAttr("unique-identifier", bookID)

	metadata := pkg.CreateElement("metadata")
	dcMeta := metadata.CreateElement("dc-metadata")
	dcMeta.CreateAttr("xmlns:dc", "http://purl.org/dc/elements/1.1/")
	dcMeta.CreateElement("dc:title").SetText(title)
	dcMeta.CreateElement("dc:language").SetText("en-us")
	dcMeta.CreateElement("dc:creator").SetText(title)
	dcMeta.CreateElement("dc:publisher").SetText(title)
	dcMeta.CreateElement("dc:subject").SetText("News")
	dcMeta.CreateElement("dc:date").SetText(date)
	dcMeta.CreateElement("dc:description").SetText(title + " on " + date)

	xMeta := metadata.CreateElement("x-metadata")
	output := xMeta.CreateElement("output")
	output.CreateAttr("encoding", "utf-8")
	output.CreateAttr("content-type", "application/x-mobipocket-subscription-magazine")

	manifest := pkg.CreateElement("manifest")
	addManifestItem(manifest, TOCName, periodicalMIME["html"], TOCName)
	addManifestItem(manifest, NCXName, periodicalMIME["ncx"], NCXName)

	spine := pkg.CreateElement("spine")
	spine.CreateAttr("toc", NCXName)
	spine.CreateElement("itemref").CreateAttr("idref", TOCName)

	for _, e := range entries {
		id := strconv.FormatInt(e.EntryID, 10)
		ext := strings.TrimPrefix(filepath.Ext(e.Path), ".")
		addManifestItem(manifest, id, periodicalMIME[ext], e.Path)
		spine.CreateElement("itemref").CreateAttr("idref", id)
	}

	guide := pkg.CreateElement("guide")
	addGuideReference(guide, "toc", "Table of Contents", TOCName)
	addGuideReference(guide, "text", "Welcome", TOCName)

	doc.Indent(2)
	return doc.WriteToFile(filepath.Join(b.Dir, OPFName))
}

func addManifestItem(manifest *etree.Element, id, mediaType, href string) {
	item := manifest.CreateElement("item")
	item.CreateAttr("id", id)
	item.CreateAttr("media-type", mediaType)
	item.CreateAttr("href", href)
}

func addGuideReference(guide *etree.Element, refType, title, href string) {
	ref := guide.CreateElement("reference")
	ref.CreateAttr("type", refType)
	ref.CreateAttr("title", title)
	ref.CreateAttr("href", href)
}

func (b *Builder) writeNCX(bookID, title string, entries []PeriodicalEntry) error {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="utf-8"`)
	doc.CreateDirective(`DOCTYPE ncx PUBLIC "-//NISO//DTD ncx 2005-1//EN" "http://www.daisy.org/z3986/2005/ncx-2005-1.dtd"`)

	ncx := doc.CreateElement("ncx")
	ncx.CreateAttr("xmlns", "http://www.daisy.org/z3986/2005/ncx/")
	ncx.CreateAttr("xmlns:mbp", "http://mobipocket.com/ns/mbp")
	ncx.CreateAttr("version", "2005-1")
	ncx.CreateAttr("xml:lang", "en-US")

	head := ncx.CreateElement("head")
	addNCXMeta(head, "dtb:uid", bookID)
	addNCXMeta(head, "dtb:depth", "2")
	addNCXMeta(head, "dtb:totalPageCount", "0")
	addNCXMeta(head, "dtb:maxPageNumber", "0")

	ncx.CreateElement("docTitle").CreateElement("text").SetText(title)
	ncx.CreateElement("docAuthor").CreateElement("text").SetText(title)

	navMap := ncx.CreateElement("navMap")
	root := addNavPoint(navMap, "periodical", "periodical", 0, "Table of Contents", TOCName)

	// Play order counts strictly up in document order: root 0, then one
	// per section and one per article.
	playOrder := 1
	for i, section := range groupByFeedTitle(entries) {
		sec := addNavPoint(root, "section", fmt.Sprintf("sec_%d", i+1), playOrder, section.title, section.articles[0].Path)
		playOrder++
		for j, article := range section.articles {
			addNavPoint(sec, "article", fmt.Sprintf("art_%d_%d", i+1, j+1), playOrder, article.EntryTitle, article.Path)
			playOrder++
		}
	}

	doc.Indent(2)
	return doc.WriteToFile(filepath.Join(b.Dir, NCXName))
}

func addNCXMeta(head *etree.Element, name, content string) {
	meta := head.CreateElement("meta")
	meta.CreateAttr("name", name)
	meta.CreateAttr("content", content)
}

func addNavPoint(parent *etree.Element, class, id string, playOrder int, label, src string) *etree.Element {
	np := parent.CreateElement("navPoint")
	np.CreateAttr("class", class)
	np.CreateAttr("id", id)
	np.CreateAttr("playOrder", strconv.Itoa(playOrder))
	np.CreateElement("navLabel").CreateElement("text").SetText(label)
	np.CreateElement("content").CreateAttr("src", src)
	return np
}
