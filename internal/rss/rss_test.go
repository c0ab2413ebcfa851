package rss

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mmcdole/gofeed"

	"feedagent/internal/models"
)

func sampleDigest() models.DailyDigest {
	article := models.Article{
		ID:        "a1",
		URL:       "https://example.com/posts/1",
		Title:     "Go 1.24 released",
		Category:  "Tech",
		Published: time.Date(2026, 3, 14, 6, 0, 0, 0, time.UTC),
		Summary:   "Generic type aliases & faster maps.",
	}
	return models.DailyDigest{
		ID:       "digest-1",
		Date:     time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC),
		Headline: "Tooling day",
		Categories: []models.CategoryDigest{{
			Name:         "Tech",
			Slug:         "tech",
			ArticleCount: 1,
			Articles:     []models.Article{article},
			Synthesis:    "Releases <everywhere>.",
			TopTakeaways: []string{"upgrade"},
		}},
		OverallThemes: []string{"tooling", "releases"},
		MustRead:      []string{"a1", "missing"},
	}
}

func TestWriteRoundTripsThroughParser(t *testing.T) {
	var buf bytes.Buffer
	if err := Write(&buf, FromDigest(sampleDigest(), "https://example.com/digest.xml")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	parsed, err := gofeed.NewParser().ParseString(buf.String())
	if err != nil {
		t.Fatalf("rendered feed does not parse: %v\n%s", err, buf.String())
	}
	if parsed.Title != "Daily digest 2026-03-14: Tooling day" {
		t.Errorf("unexpected title %q", parsed.Title)
	}
	if parsed.Description != "tooling; releases" {
		t.Errorf("unexpected description %q", parsed.Description)
	}
	if len(parsed.Items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(parsed.Items))
	}

	category := parsed.Items[0]
	if category.Title != "Tech (1 articles)" || category.GUID != "digest-1#tech" {
		t.Errorf("unexpected category item %q %q", category.Title, category.GUID)
	}
	if !strings.HasPrefix(category.Description, "Releases") || !strings.Contains(category.Description, "• upgrade") {
		t.Errorf("unexpected category description %q", category.Description)
	}

	mustRead := parsed.Items[1]
	if mustRead.Link != "https://example.com/posts/1" || mustRead.Title != "Must read: Go 1.24 released" {
		t.Errorf("unexpected must-read item %q %q", mustRead.Title, mustRead.Link)
	}
	if mustRead.PublishedParsed == nil || !mustRead.PublishedParsed.Equal(time.Date(2026, 3, 14, 6, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected pubDate %v", mustRead.PublishedParsed)
	}
}

func TestWriteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "digest.xml")
	if err := WriteFile(path, sampleDigest(), "https://example.com/digest.xml"); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if !strings.HasPrefix(string(data), "<?xml") || !strings.Contains(string(data), "&lt;everywhere&gt;") {
		t.Errorf("unexpected document:\n%s", data)
	}
}
