package config

import (
	"fmt"
	"sort"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"feedagent/internal/models"
)

type feedEntry struct {
	URL      string `koanf:"url" validate:"required,http_url"`
	Category string `koanf:"category"`
}

// LoadFeeds reads the feeds mapping from a YAML document of the form
//
//	feeds:
//	  Some Newsletter:
//	    url: https://example.com/feed
//	    category: Tech
//
// Entries with a missing or invalid url are skipped and reported as
// warnings. The returned sources are sorted by name.
func LoadFeeds(path string) ([]models.FeedSource, []string, error) {
	k := koanf.New("::")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, nil, fmt.Errorf("loading feeds file %s: %w", path, err)
	}
	return parseFeeds(k)
}

func parseFeeds(k *koanf.Koanf) ([]models.FeedSource, []string, error) {
	raw, ok := k.Get("feeds").(map[string]any)
	if !ok {
		if k.Exists("feeds") {
			return nil, nil, fmt.Errorf("feeds: expected a mapping of name to {url, category}")
		}
		return nil, []string{"no feeds configured"}, nil
	}

	names := make([]string, 0, len(raw))
	for name := range raw {
		names = append(names, name)
	}
	sort.Strings(names)

	var (
		sources  []models.FeedSource
		warnings []string
	)
	for _, name := range names {
		var e feedEntry
		if err := k.Unmarshal("feeds::"+name, &e); err != nil {
			warnings = append(warnings, fmt.Sprintf("feed %q: %v", name, err))
			continue
		}
		e.URL = strings.TrimSpace(e.URL)
		if e.URL == "" {
			warnings = append(warnings, fmt.Sprintf("feed %q has no url configured, skipping", name))
			continue
		}
		if err := validate.Struct(e); err != nil {
			warnings = append(warnings, fmt.Sprintf("feed %q has an invalid url %q, skipping", name, e.URL))
			continue
		}
		category := strings.TrimSpace(e.Category)
		if category == "" {
			category = models.DefaultCategory
		}
		sources = append(sources, models.FeedSource{Name: name, URL: e.URL, Category: category})
	}
	return sources, warnings, nil
}
