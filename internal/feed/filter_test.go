package feed

import (
	"testing"

	"feedagent/internal/models"
)

func titled(title, category string) models.Article {
	return models.Article{Title: title, Category: category, Author: "Jane Doe", FeedName: "Weekly"}
}

func TestFilterEngine_KeywordFilter(t *testing.T) {
	rule := FilterRule{Target: "title", PatternType: "keyword", Pattern: "Go", CaseSensitive: true}
	fe, err := NewFilterEngine([]FilterGroup{{Name: "go", Action: "discard", Rules: []FilterRule{rule}}})
	if err != nil {
		t.Fatalf("NewFilterEngine failed: %v", err)
	}

	if fe.Evaluate(titled("Learning Go Programming", "Tech")) != FilterDiscard {
		t.Error("Expected filter to match 'Learning Go Programming'")
	}
	if fe.Evaluate(titled("Learning go programming", "Tech")) != FilterKeep {
		t.Error("Expected filter not to match 'Learning go programming' (case sensitive)")
	}

	rule.CaseSensitive = false
	fe, err = NewFilterEngine([]FilterGroup{{Name: "go", Action: "discard", Rules: []FilterRule{rule}}})
	if err != nil {
		t.Fatalf("NewFilterEngine failed: %v", err)
	}
	if fe.Evaluate(titled("Learning go programming", "Tech")) != FilterDiscard {
		t.Error("Expected case-insensitive filter to match 'Learning go programming'")
	}
}

func TestFilterEngine_RegexFilter(t *testing.T) {
	fe, err := NewFilterEngine([]FilterGroup{{
		Name:   "releases",
		Action: "keep",
		Rules:  []FilterRule{{Target: "title", PatternType: "regex", Pattern: `^Go\s+\d+\.\d+`, CaseSensitive: true}},
	}})
	if err != nil {
		t.Fatalf("NewFilterEngine failed: %v", err)
	}

	if fe.Evaluate(titled("Go 1.24 Released", "Tech")) != FilterKeep {
		t.Error("Expected regex filter to keep 'Go 1.24 Released'")
	}
	if fe.Evaluate(titled("New Go features", "Tech")) != FilterDiscard {
		t.Error("Keep groups should drop articles they do not match")
	}
}

func TestFilterEngine_InvalidGroups(t *testing.T) {
	tests := map[string]FilterGroup{
		"regex":   {Name: "bad", Action: "keep", Rules: []FilterRule{{Target: "title", PatternType: "regex", Pattern: `[invalid regex`}}},
		"target":  {Name: "bad", Action: "keep", Rules: []FilterRule{{Target: "tags", PatternType: "keyword", Pattern: "x"}}},
		"pattern": {Name: "bad", Action: "keep", Rules: []FilterRule{{Target: "title", PatternType: "glob", Pattern: "x"}}},
		"action":  {Name: "bad", Action: "hide", Rules: []FilterRule{{Target: "title", PatternType: "keyword", Pattern: "x"}}},
	}
	for name, g := range tests {
		if _, err := NewFilterEngine([]FilterGroup{g}); err == nil {
			t.Errorf("%s: expected an error", name)
		}
	}
}

func TestFilterEngine_CategoryScope(t *testing.T) {
	fe, err := NewFilterEngine([]FilterGroup{{
		Name:     "only ai in research",
		Action:   "keep",
		Category: "Research",
		Rules:    []FilterRule{{Target: "title", PatternType: "keyword", Pattern: "AI"}},
	}})
	if err != nil {
		t.Fatalf("NewFilterEngine failed: %v", err)
	}

	if fe.Evaluate(titled("Sports roundup", "Sport")) != FilterKeep {
		t.Error("A group scoped to another category should not apply")
	}
	if fe.Evaluate(titled("Sports roundup", "research")) != FilterDiscard {
		t.Error("Category match should ignore case")
	}
	if fe.Evaluate(titled("AI papers", "Research")) != FilterKeep {
		t.Error("Expected the keep group to match")
	}
}

func TestFilterEngine_Operators(t *testing.T) {
	sponsored := FilterRule{Target: "title", PatternType: "keyword", Pattern: "sponsored"}
	byJane := FilterRule{Operator: "AND", Target: "author", PatternType: "keyword", Pattern: "jane"}
	weekly := FilterRule{Operator: "OR", Target: "feed_name", PatternType: "keyword", Pattern: "daily"}

	and, err := NewFilterEngine([]FilterGroup{{Name: "and", Action: "discard", Rules: []FilterRule{sponsored, byJane}}})
	if err != nil {
		t.Fatalf("NewFilterEngine failed: %v", err)
	}
	if and.Evaluate(titled("Sponsored: tools", "Tech")) != FilterDiscard {
		t.Error("AND: both rules match, expected discard")
	}
	if and.Evaluate(titled("Tools", "Tech")) != FilterKeep {
		t.Error("AND: first rule fails, expected keep")
	}

	or, err := NewFilterEngine([]FilterGroup{{Name: "or", Action: "discard", Rules: []FilterRule{sponsored, weekly}}})
	if err != nil {
		t.Fatalf("NewFilterEngine failed: %v", err)
	}
	if or.Evaluate(titled("Sponsored: tools", "Tech")) != FilterDiscard {
		t.Error("OR: first rule matches, expected discard")
	}
	if or.Evaluate(titled("Tools", "Tech")) != FilterKeep {
		t.Error("OR: neither rule matches, expected keep")
	}
}

func TestFilterEngine_NilKeepsEverything(t *testing.T) {
	var fe *FilterEngine
	if fe.Evaluate(titled("Anything", "Tech")) != FilterKeep {
		t.Error("nil engine should keep")
	}
	empty, err := NewFilterEngine(nil)
	if err != nil || empty.Evaluate(titled("Anything", "Tech")) != FilterKeep {
		t.Errorf("empty engine should keep, err=%v", err)
	}
}
