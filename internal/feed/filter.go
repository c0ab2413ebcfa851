package feed

import (
	"fmt"
	"regexp"
	"strings"

	"feedagent/internal/models"
)

// FilterDecision represents the result of filter evaluation
type FilterDecision int

const (
	FilterKeep FilterDecision = iota
	FilterDiscard
)

// FilterRule matches one article field against a keyword or a regex.
type FilterRule struct {
	// Operator joins this rule to the ones before it: AND (default) or OR.
	Operator      string
	Target        string // title, author, content, feed_name, feed_category
	PatternType   string // keyword or regex
	Pattern       string
	CaseSensitive bool
}

// FilterGroup is a named list of rules with an action. A group with a
// Category only applies to articles of that category.
type FilterGroup struct {
	Name     string
	Action   string // keep or discard
	Category string
	Rules    []FilterRule
}

// FilterEngine decides which articles enter the pipeline. When any keep
// group applies to an article, the article must match one of them;
// otherwise it is dropped only if a discard group matches.
type FilterEngine struct {
	groups  []FilterGroup
	regexes map[string]*regexp.Regexp
}

// NewFilterEngine validates groups and compiles their patterns. A nil or
// empty list keeps everything.
func NewFilterEngine(groups []FilterGroup) (*FilterEngine, error) {
	fe := &FilterEngine{groups: groups, regexes: make(map[string]*regexp.Regexp)}
	for _, g := range groups {
		if g.Action != "keep" && g.Action != "discard" {
			return nil, fmt.Errorf("filter group %q: unknown action %q", g.Name, g.Action)
		}
		for i, r := range g.Rules {
			if err := fe.compile(r); err != nil {
				return nil, fmt.Errorf("filter group %q rule %d: %w", g.Name, i, err)
			}
		}
	}
	return fe, nil
}

func regexKey(r FilterRule) string {
	return fmt.Sprintf("%s:%t", r.Pattern, r.CaseSensitive)
}

func (fe *FilterEngine) compile(r FilterRule) error {
	switch r.Target {
	case "title", "author", "content", "feed_name", "feed_category":
	default:
		return fmt.Errorf("unknown filter target type: %s", r.Target)
	}
	switch r.PatternType {
	case "keyword":
		return nil
	case "regex":
	default:
		return fmt.Errorf("unknown filter pattern type: %s", r.PatternType)
	}

	pattern := r.Pattern
	if !r.CaseSensitive {
		pattern = "(?i)" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return fmt.Errorf("invalid regex pattern '%s': %w", r.Pattern, err)
	}
	fe.regexes[regexKey(r)] = re
	return nil
}

// Evaluate returns the decision for a.
func (fe *FilterEngine) Evaluate(a models.Article) FilterDecision {
	if fe == nil {
		return FilterKeep
	}
	var keep, discard []FilterGroup
	for _, g := range fe.groups {
		if g.Category != "" && !strings.EqualFold(g.Category, a.Category) {
			continue
		}
		if g.Action == "keep" {
			keep = append(keep, g)
		} else {
			discard = append(discard, g)
		}
	}

	if len(keep) > 0 {
		for _, g := range keep {
			if fe.matchGroup(g, a) {
				return FilterKeep
			}
		}
		return FilterDiscard
	}
	for _, g := range discard {
		if fe.matchGroup(g, a) {
			return FilterDiscard
		}
	}
	return FilterKeep
}

// matchGroup folds the rules left to right; the first rule's operator is
// ignored.
func (fe *FilterEngine) matchGroup(g FilterGroup, a models.Article) bool {
	if len(g.Rules) == 0 {
		return false
	}
	result := fe.matchRule(g.Rules[0], a)
	for _, r := range g.Rules[1:] {
		if strings.EqualFold(r.Operator, "OR") {
			result = result || fe.matchRule(r, a)
		} else {
			result = result && fe.matchRule(r, a)
		}
	}
	return result
}

func (fe *FilterEngine) matchRule(r FilterRule, a models.Article) bool {
	var text string
	switch r.Target {
	case "title":
		text = a.Title
	case "author":
		text = a.Author
	case "content":
		text = a.Content
	case "feed_name":
		text = a.FeedName
	case "feed_category":
		text = a.Category
	}

	if r.PatternType == "regex" {
		return fe.regexes[regexKey(r)].MatchString(text)
	}
	if !r.CaseSensitive {
		return strings.Contains(strings.ToLower(text), strings.ToLower(r.Pattern))
	}
	return strings.Contains(text, r.Pattern)
}
