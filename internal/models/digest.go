package models

import "time"

// Sentiment labels accepted from the generator.
const (
	SentimentPositive = "positive"
	SentimentNegative = "negative"
	SentimentNeutral  = "neutral"
	SentimentMixed    = "mixed"
)

// Summary is the structured result of summarizing one article. It is also
// the value stored in the response cache.
type Summary struct {
	Summary      string   `json:"summary"`
	KeyTakeaways []string `json:"key_takeaways"`
	ActionItems  []string `json:"action_items"`
	Topics       []string `json:"topics"`
	Sentiment    string   `json:"sentiment"`
	Importance   int      `json:"importance"`
}

type FeedHealth struct {
	FeedURL             string     `json:"feed_url"`
	FeedName            string     `json:"feed_name"`
	LastChecked         *time.Time `json:"last_checked,omitempty"`
	LastSuccess         *time.Time `json:"last_success,omitempty"`
	LastError           string     `json:"last_error,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	ETag                string     `json:"etag,omitempty"`
	LastModified        string     `json:"last_modified,omitempty"`
}

type CategoryDigest struct {
	Name           string    `json:"name"`
	Slug           string    `json:"slug"`
	ArticleCount   int       `json:"article_count"`
	Articles       []Article `json:"articles"`
	Synthesis      string    `json:"synthesis"`
	TopTakeaways   []string  `json:"top_takeaways"`
	Degraded       bool      `json:"degraded,omitempty"`
	DegradedReason string    `json:"degraded_reason,omitempty"`
}

// DailyDigest is the terminal artifact of a pipeline run. Consumers treat it
// as read-only.
type DailyDigest struct {
	ID             string           `json:"id"`
	Date           time.Time        `json:"date"`
	Headline       string           `json:"headline,omitempty"`
	Categories     []CategoryDigest `json:"categories"`
	OverallThemes  []string         `json:"overall_themes"`
	MustRead       []string         `json:"must_read"`
	TotalArticles  int              `json:"total_articles"`
	TotalFeeds     int              `json:"total_feeds"`
	ProcessingTime time.Duration    `json:"processing_time_ns"`
	Degraded       bool             `json:"degraded,omitempty"`
	DegradedNotes  []string         `json:"degraded_notes,omitempty"`
}

// Article looks up a digest article by id.
func (d *DailyDigest) Article(id string) (Article, bool) {
	for _, c := range d.Categories {
		for _, a := range c.Articles {
			if a.ID == id {
				return a, true
			}
		}
	}
	return Article{}, false
}

type DigestStats struct {
	FeedsChecked       int           `json:"feeds_checked"`
	FeedsSucceeded     int           `json:"feeds_succeeded"`
	FeedsFailed        int           `json:"feeds_failed"`
	ArticlesFound      int           `json:"articles_found"`
	ArticlesNew        int           `json:"articles_new"`
	ArticlesSkipped    int           `json:"articles_skipped"`
	ArticlesFiltered   int           `json:"articles_filtered"`
	ArticlesSummarized int           `json:"articles_summarized"`
	ArticlesFailed     int           `json:"articles_failed"`
	CacheHits          int           `json:"cache_hits"`
	InputTokens        int           `json:"input_tokens"`
	OutputTokens       int           `json:"output_tokens"`
	EstimatedCostUSD   float64       `json:"estimated_cost_usd"`
	Duration           time.Duration `json:"duration_ns"`
}

// TotalTokens is input plus output tokens.
func (s DigestStats) TotalTokens() int {
	return s.InputTokens + s.OutputTokens
}

// FeedSource is one configured feed.
type FeedSource struct {
	Name     string `json:"name"`
	URL      string `json:"url"`
	Category string `json:"category"`
}
