package analyze

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"feedagent/internal/llm"
	"feedagent/internal/models"
)

// maxContentChars bounds the article text sent to the model.
const maxContentChars = 30000

const articleSystemPrompt = `You are a skilled editor who writes concise, insightful summaries of
newsletter articles. Your summaries let busy professionals grasp the key
points quickly and decide what deserves a closer read.

A good summary:
- captures the core thesis or argument
- highlights what is new or surprising
- notes practical implications
- uses clear, direct prose and avoids jargon unless it is essential

Always respond with valid JSON matching the requested schema.`

const digestSystemPrompt = `You are assembling a daily newsletter digest for a busy professional.
Synthesize several article summaries into one coherent overview that
surfaces the most important themes and insights.

Identify connections across articles, lead with the most important
takeaways, call out surprising or counterintuitive findings and favour
actionable insights. Keep it scannable. Write in a warm but efficient tone,
like a trusted colleague giving a briefing over coffee.`

const overallSystemPrompt = `You are writing the executive summary of a daily newsletter digest.
Identify the most important themes across all categories so the reader
understands at a glance what matters today.`

var summarySchema = llm.Schema{
	"type": "object",
	"properties": map[string]any{
		"summary":       map[string]any{"type": "string", "description": "2-3 sentences: the main point and why it matters"},
		"key_takeaways": stringList("Up to 5 key insights"),
		"action_items":  stringList("Up to 3 concrete actions, or empty"),
		"topics":        stringList("Up to 5 short topic labels"),
		"sentiment": map[string]any{
			"type": "string",
			"enum": []any{models.SentimentPositive, models.SentimentNegative, models.SentimentNeutral, models.SentimentMixed},
		},
		"importance": map[string]any{"type": "integer", "description": "1 (skip) to 5 (must read)"},
	},
	"required": []any{"summary", "key_takeaways", "action_items", "topics", "sentiment", "importance"},
}

var categorySchema = llm.Schema{
	"type": "object",
	"properties": map[string]any{
		"synthesis":     map[string]any{"type": "string", "description": "2-4 sentences on the key themes"},
		"top_takeaways": stringList("The most important insights, best first"),
	},
	"required": []any{"synthesis", "top_takeaways"},
}

var overallSchema = llm.Schema{
	"type": "object",
	"properties": map[string]any{
		"overall_themes": stringList("Up to 5 cross-cutting themes"),
		"headline":       map[string]any{"type": "string", "description": "One sentence on what matters most today"},
	},
	"required": []any{"overall_themes", "headline"},
}

func stringList(description string) map[string]any {
	return map[string]any{
		"type":        "array",
		"items":       map[string]any{"type": "string"},
		"description": description,
	}
}

func articlePrompt(a models.Article) string {
	content, cut := truncate(a.Content, maxContentChars)
	if cut {
		content += "\n\n[Content truncated]"
	}

	var b strings.Builder
	b.WriteString("Summarize this article and extract its key insights.\n\n<article>\n")
	fmt.Fprintf(&b, "Title: %s\n", a.Title)
	fmt.Fprintf(&b, "Author: %s\n", a.Author)
	fmt.Fprintf(&b, "Source: %s\n", a.FeedName)
	fmt.Fprintf(&b, "Published: %s\n\n", a.Published.UTC().Format(time.RFC1123))
	fmt.Fprintf(&b, "Content:\n%s\n</article>\n\n", content)
	b.WriteString(`Respond with JSON containing:
- "summary": 2-3 sentences capturing the main point and why it matters
- "key_takeaways": up to 5 insights
- "action_items": up to 3 actionable items, or an empty array if there are none
- "topics": up to 5 short topic labels
- "sentiment": one of positive, negative, neutral, mixed
- "importance": an integer from 1 to 5

Focus on what is genuinely useful.`)
	return b.String()
}

func categoryPrompt(category string, articles []models.Article) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Here are the summaries from today's %s articles:\n\n", category)
	for i, a := range articles {
		if i > 0 {
			b.WriteString("\n\n")
		}
		summary := a.Summary
		if summary == "" {
			summary = "No summary available"
		}
		points := "None"
		if len(a.KeyTakeaways) > 0 {
			points = strings.Join(a.KeyTakeaways, ", ")
		}
		fmt.Fprintf(&b, "**%s** (%s)\nURL: %s\nSummary: %s\nKey points: %s", a.Title, a.FeedName, a.URL, summary, points)
	}
	b.WriteString(`

Write a synthesis for this category. Respond with JSON containing
"synthesis" (2-4 sentences on the key themes and most important points
across these articles) and "top_takeaways" (the 3 to 5 most important
insights, best first).`)
	return b.String()
}

func overallPrompt(categories []models.CategoryDigest) string {
	var b strings.Builder
	b.WriteString("Here are today's category summaries:\n\n")
	for i, c := range categories {
		if i > 0 {
			b.WriteString("\n\n")
		}
		points := "None"
		if len(c.TopTakeaways) > 0 {
			points = strings.Join(c.TopTakeaways, ", ")
		}
		fmt.Fprintf(&b, "**%s** (%d articles)\nSynthesis: %s\nKey takeaways: %s", c.Name, c.ArticleCount, c.Synthesis, points)
	}
	b.WriteString(`

Write the overall synthesis. Respond with JSON containing "overall_themes"
(up to 5 themes that cut across categories) and "headline" (one compelling
sentence capturing what matters most today).`)
	return b.String()
}

// truncate cuts s to its first n characters.
func truncate(s string, n int) (string, bool) {
	if utf8.RuneCountInString(s) <= n {
		return s, false
	}
	count := 0
	for pos := range s {
		if count == n {
			return s[:pos], true
		}
		count++
	}
	return s, false
}
