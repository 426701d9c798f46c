package feed

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/mmcdole/gofeed"
	"github.com/mmcdole/gofeed/atom"
	ext "github.com/mmcdole/gofeed/extensions"
	"github.com/mmcdole/gofeed/rss"
)

// Parse turns a feed document into raw items in document order.
//
// RSS channel items are tried first, then Atom entries. A well-formed XML
// document with neither yields an empty slice.
func Parse(sourceURL string, body []byte) ([]RawItem, error) {
	switch gofeed.DetectFeedType(bytes.NewReader(body)) {
	case gofeed.FeedTypeRSS:
		doc, err := (&rss.Parser{}).Parse(bytes.NewReader(body))
		if err != nil {
			return nil, &ParseError{URL: sourceURL, Err: err}
		}
		items := make([]RawItem, 0, len(doc.Items))
		for _, it := range doc.Items {
			items = append(items, flattenRSSItem(it))
		}
		return items, nil

	case gofeed.FeedTypeAtom:
		doc, err := (&atom.Parser{}).Parse(bytes.NewReader(body))
		if err != nil {
			return nil, &ParseError{URL: sourceURL, Err: err}
		}
		items := make([]RawItem, 0, len(doc.Entries))
		for _, e := range doc.Entries {
			items = append(items, flattenAtomEntry(e))
		}
		return items, nil

	case gofeed.FeedTypeJSON:
		return nil, &ParseError{URL: sourceURL, Err: errors.New("JSON feeds are not supported")}
	}

	// DetectFeedType reports unknown for malformed XML and for foreign roots alike
	if err := checkWellFormed(body); err != nil {
		return nil, &ParseError{URL: sourceURL, Err: err}
	}
	return []RawItem{}, nil
}

func checkWellFormed(body []byte) error {
	if len(bytes.TrimSpace(body)) == 0 {
		return errors.New("empty document")
	}
	dec := xml.NewDecoder(bytes.NewReader(body))
	dec.Strict = true
	sawElement := false
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if _, ok := tok.(xml.StartElement); ok {
			sawElement = true
		}
	}
	if !sawElement {
		return errors.New("no root element")
	}
	return nil
}

func flattenRSSItem(it *rss.Item) RawItem {
	raw := RawItem{}
	setString(raw, "title", it.Title)
	setString(raw, "link", it.Link)
	setString(raw, "description", it.Description)
	setString(raw, "content:encoded", it.Content)
	setString(raw, "author", it.Author)
	setString(raw, "pubDate", it.PubDate)
	setString(raw, "comments", it.Comments)

	if it.GUID != nil && strings.TrimSpace(it.GUID.Value) != "" {
		if it.GUID.IsPermalink != "" {
			raw["guid"] = map[string]any{
				"text":       it.GUID.Value,
				"attributes": map[string]any{"isPermaLink": it.GUID.IsPermalink},
			}
		} else {
			raw["guid"] = it.GUID.Value
		}
	}

	cats := make([]string, 0, len(it.Categories))
	for _, c := range it.Categories {
		if c != nil && strings.TrimSpace(c.Value) != "" {
			cats = append(cats, strings.TrimSpace(c.Value))
		}
	}
	setRepeated(raw, "category", cats)

	if it.Enclosure != nil && it.Enclosure.URL != "" {
		raw["enclosure"] = map[string]any{
			"text": "",
			"attributes": map[string]any{
				"url":    it.Enclosure.URL,
				"type":   it.Enclosure.Type,
				"length": it.Enclosure.Length,
			},
		}
	}

	flattenExtensions(raw, it.Extensions)

	// Unnamespaced elements gofeed does not model (region, type, ...)
	for k, v := range it.Custom {
		if _, exists := raw[k]; !exists {
			setString(raw, k, v)
		}
	}
	return raw
}

func flattenAtomEntry(e *atom.Entry) RawItem {
	raw := RawItem{}
	setString(raw, "title", e.Title)
	setString(raw, "guid", e.ID)
	setString(raw, "description", e.Summary)
	if e.Content != nil {
		setString(raw, "content:encoded", e.Content.Value)
	}
	if len(e.Authors) > 0 && e.Authors[0] != nil {
		setString(raw, "author", e.Authors[0].Name)
	}

	published := e.Published
	if published == "" {
		published = e.Updated
	}
	setString(raw, "pubDate", published)
	setString(raw, "updated", e.Updated)

	for _, l := range e.Links {
		if l == nil || l.Href == "" {
			continue
		}
		if l.Rel == "" || l.Rel == "alternate" {
			raw["link"] = l.Href
			break
		}
		if _, ok := raw["link"]; !ok {
			raw["link"] = l.Href
		}
	}

	cats := make([]string, 0, len(e.Categories))
	for _, c := range e.Categories {
		if c == nil {
			continue
		}
		term := c.Term
		if term == "" {
			term = c.Label
		}
		if strings.TrimSpace(term) != "" {
			cats = append(cats, strings.TrimSpace(term))
		}
	}
	setRepeated(raw, "category", cats)

	flattenExtensions(raw, e.Extensions)
	return raw
}

// flattenExtensions stores every namespaced element as "prefix:name"
func flattenExtensions(raw RawItem, exts ext.Extensions) {
	for prefix, elems := range exts {
		for name, list := range elems {
			key := fmt.Sprintf("%s:%s", prefix, name)
			if _, exists := raw[key]; exists {
				continue
			}
			values := make([]any, 0, len(list))
			for _, x := range list {
				values = append(values, extensionValue(x))
			}
			switch len(values) {
			case 0:
			case 1:
				raw[key] = values[0]
			default:
				raw[key] = values
			}
		}
	}
}

func extensionValue(x ext.Extension) any {
	value := strings.TrimSpace(x.Value)
	if len(x.Attrs) == 0 {
		return value
	}
	attrs := make(map[string]any, len(x.Attrs))
	for k, v := range x.Attrs {
		attrs[k] = v
	}
	return map[string]any{"text": value, "attributes": attrs}
}

func setString(raw RawItem, key, value string) {
	if value = strings.TrimSpace(value); value != "" {
		raw[key] = value
	}
}

// setRepeated keeps a single occurrence as a plain string
func setRepeated(raw RawItem, key string, values []string) {
	switch len(values) {
	case 0:
	case 1:
		raw[key] = values[0]
	default:
		raw[key] = values
	}
}
