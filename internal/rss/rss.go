// Package rss renders a digest as an RSS 2.0 feed so it can be read in any
// feed reader.
package rss

import (
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"feedagent/internal/models"
)

// RSS is the root element of an RSS feed.
type RSS struct {
	XMLName xml.Name `xml:"rss"`
	Version string   `xml:"version,attr"`
	Channel Channel  `xml:"channel"`
}

// Channel represents the channel element in an RSS feed.
type Channel struct {
	XMLName       xml.Name `xml:"channel"`
	Title         string   `xml:"title"`
	Link          string   `xml:"link"`
	Description   string   `xml:"description"`
	Language      string   `xml:"language,omitempty"`
	LastBuildDate string   `xml:"lastBuildDate,omitempty"` // RFC1123Z
	Items         []Item   `xml:"item"`
}

// Item represents an item element in an RSS feed.
type Item struct {
	XMLName     xml.Name `xml:"item"`
	Title       string   `xml:"title"`
	Link        string   `xml:"link,omitempty"`
	Description string   `xml:"description,omitempty"`
	Category    string   `xml:"category,omitempty"`
	PubDate     string   `xml:"pubDate,omitempty"` // RFC1123Z
	GUID        GUID     `xml:"guid"`
}

type GUID struct {
	Value       string `xml:",chardata"`
	IsPermaLink bool   `xml:"isPermaLink,attr"`
}

// FromDigest builds a feed with one item per category, followed by the
// must-read articles. link is the channel link, usually where the feed is
// published.
func FromDigest(d models.DailyDigest, link string) RSS {
	pubDate := d.Date.Format(time.RFC1123Z)
	title := "Daily digest " + d.Date.Format("2006-01-02")
	if d.Headline != "" {
		title += ": " + d.Headline
	}

	items := make([]Item, 0, len(d.Categories)+len(d.MustRead))
	for _, c := range d.Categories {
		items = append(items, Item{
			Title:       fmt.Sprintf("%s (%d articles)", c.Name, c.ArticleCount),
			Description: categoryText(c),
			Category:    c.Name,
			PubDate:     pubDate,
			GUID:        GUID{Value: d.ID + "#" + c.Slug},
		})
	}
	for _, id := range d.MustRead {
		a, ok := d.Article(id)
		if !ok {
			continue
		}
		items = append(items, Item{
			Title:       "Must read: " + a.Title,
			Link:        a.URL,
			Description: a.Summary,
			Category:    a.Category,
			PubDate:     a.Published.Format(time.RFC1123Z),
			GUID:        GUID{Value: a.URL, IsPermaLink: true},
		})
	}

	return RSS{
		Version: "2.0",
		Channel: Channel{
			Title:         title,
			Link:          link,
			Description:   strings.Join(d.OverallThemes, "; "),
			Language:      "en",
			LastBuildDate: pubDate,
			Items:         items,
		},
	}
}

func categoryText(c models.CategoryDigest) string {
	var b strings.Builder
	b.WriteString(c.Synthesis)
	for _, t := range c.TopTakeaways {
		b.WriteString("\n• ")
		b.WriteString(t)
	}
	return b.String()
}

// Write encodes feed as an indented XML document.
func Write(w io.Writer, feed RSS) error {
	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(feed); err != nil {
		return fmt.Errorf("encoding rss: %w", err)
	}
	return enc.Close()
}

// WriteFile renders d to path, creating parent directories.
func WriteFile(path string, d models.DailyDigest, link string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating rss directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating rss file: %w", err)
	}
	if err := Write(f, FromDigest(d, link)); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
