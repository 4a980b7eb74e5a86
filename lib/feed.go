package feed2mobi

import (
	"errors"
	"fmt"
	"strings"

	"github.com/beevik/etree"
)

const atomNamespace = "http://www.w3.org/2005/Atom"

// ErrUnsupportedFeedType means no variant can parse the document. Retrying
// without a code change is futile, so callers should log it loudly.
var ErrUnsupportedFeedType = errors.New("unsupported feed type")

// FeedItem is one normalized entry of a parsed feed.
type FeedItem struct {
	URL     string
	Title   string
	Author  string
	PubDate string
	Summary string
	Content string
}

// FeedDocument is the typed representation of a parsed feed. Dates stay
// opaque strings as supplied by the source; they are compared, never parsed.
type FeedDocument struct {
	URL         string
	Title       string
	Description string
	LastUpdated string
	Items       []FeedItem
}

type feedVariant interface {
	accept(root *etree.Element) bool
	parse(url string, doc *etree.Document) *FeedDocument
}

// Variants are tried in order; the first accepting one wins.
var feedVariants = []feedVariant{rss2Variant{}, atomVariant{}}

// ParseFeedDocument selects the matching feed variant for doc and extracts
// a FeedDocument from it.
func ParseFeedDocument(url string, doc *etree.Document) (*FeedDocument, error) {
	root := doc.Root()
	if root == nil {
		return nil, fmt.Errorf("feed %s: document has no root element", url)
	}
	for _, v := range feedVariants {
		if v.accept(root) {
			return v.parse(url, doc), nil
		}
	}
	return nil, fmt.Errorf("feed %s: root <%s>: %w", url, root.FullTag(), ErrUnsupportedFeedType)
}

// textOf returns the value of the first candidate element that carries one.
// An element typed "xhtml" with child elements yields the serialized markup
// of its first child, so inline HTML survives extraction.
func textOf(parent *etree.Element, paths ...string) string {
	for _, p := range paths {
		e := parent.FindElement(p)
		if e == nil {
			continue
		}
		if e.SelectAttrValue("type", "") == "xhtml" {
			if children := e.ChildElements(); len(children) > 0 {
				return serializeElement(children[0])
			}
		}
		if t := e.Text(); t != "" {
			return t
		}
	}
	return ""
}

// textsOf joins the text of every element matching the first productive
// candidate path.
func textsOf(parent *etree.Element, paths ...string) string {
	for _, p := range paths {
		var parts []string
		for _, e := range parent.FindElements(p) {
			if t := e.Text(); t != "" {
				parts = append(parts, t)
			}
		}
		if len(parts) > 0 {
			return strings.Join(parts, ", ")
		}
	}
	return ""
}

func serializeElement(e *etree.Element) string {
	d := etree.NewDocument()
	d.SetRoot(e.Copy())
	s, err := d.WriteToString()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(s)
}

// hostOf is the title fallback for feeds that carry none: the host segment
// of the feed's own URL.
func hostOf(url string) string {
	parts := strings.Split(url, "/")
	if len(parts) > 2 {
		return parts[2]
	}
	return url
}

type rss2Variant struct{}

func (rss2Variant) accept(root *etree.Element) bool {
	return root.Tag == "rss" && root.SelectAttrValue("version", "") == "2.0"
}

func (rss2Variant) parse(url string, doc *etree.Document) *FeedDocument {
	feed := &FeedDocument{URL: url}

	if e := doc.FindElement("/rss/channel/title"); e != nil && e.Text() != "" {
		feed.Title = e.Text()
	} else {
		feed.Title = hostOf(url)
	}
	if e := doc.FindElement("/rss/channel/description"); e != nil {
		feed.Description = e.Text()
	}
	if e := doc.FindElement("/rss/channel/lastBuildDate"); e != nil {
		feed.LastUpdated = e.Text()
	}

	for _, item := range doc.FindElements("/rss/channel/item") {
		feed.Items = append(feed.Items, FeedItem{
			URL:     textOf(item, "link", "guid"),
			Title:   textOf(item, "title"),
			Author:  textOf(item, "dc:creator"),
			PubDate: textOf(item, "pubDate"),
			Summary: textOf(item, "description"),
			Content: textOf(item, "content:encoded"),
		})
	}
	return feed
}

type atomVariant struct{}

func (atomVariant) accept(root *etree.Element) bool {
	return root.Tag == "feed" && declaredNamespace(root) == atomNamespace
}

func declaredNamespace(root *etree.Element) string {
	if root.Space == "" {
		return root.SelectAttrValue("xmlns", "")
	}
	return root.SelectAttrValue("xmlns:"+root.Space, "")
}

func (atomVariant) parse(url string, doc *etree.Document) *FeedDocument {
	root := doc.Root()
	// Elements live in the same namespace as the root, so paths carry its
	// prefix, if any.
	ns := func(tag string) string {
		if root.Space == "" {
			return tag
		}
		return root.Space + ":" + tag
	}

	feed := &FeedDocument{URL: url}
	if e := root.FindElement(ns("title")); e != nil && e.Text() != "" {
		feed.Title = e.Text()
	} else {
		feed.Title = hostOf(url)
	}
	if e := root.FindElement(ns("subtitle")); e != nil {
		feed.Description = e.Text()
	}
	if e := root.FindElement(ns("updated")); e != nil {
		feed.LastUpdated = e.Text()
	}

	// The document base is normalized to end in a slash: a bare
	// scheme://host gets one appended, otherwise the last path segment is
	// cut off.
	feedBase := root.SelectAttrValue("xml:base", "")
	if feedBase != "" {
		parts := strings.Split(feedBase, "/")
		if len(parts) == 3 {
			feedBase += "/"
		} else {
			parts[len(parts)-1] = ""
			feedBase = strings.Join(parts, "/")
		}
	}

	feedAuthor := textOf(root, ns("author")+"/"+ns("name"))

	for _, item := range root.FindElements(ns("entry")) {
		entryBase := item.SelectAttrValue("xml:base", "")

		// Prefer a relation-less link, fall back to any link.
		var href string
		links := item.FindElements(ns("link"))
		for _, l := range links {
			if l.SelectAttr("rel") == nil {
				href = l.SelectAttrValue("href", "")
				break
			}
		}
		if href == "" && len(links) > 0 {
			href = links[0].SelectAttrValue("href", "")
		}

		author := textsOf(item, ns("author")+"/"+ns("name"))
		if author == "" {
			author = feedAuthor
		}

		feed.Items = append(feed.Items, FeedItem{
			// Document base, entry base and link are concatenated, not
			// URL-joined.
			URL:     feedBase + entryBase + href,
			Title:   textOf(item, ns("title")),
			Author:  author,
			PubDate: textOf(item, ns("updated"), ns("published")),
			Summary: textOf(item, ns("summary")),
			Content: textOf(item, ns("content")),
		})
	}
	return feed
}
