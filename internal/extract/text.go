package extract

import (
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

var unicodeSpaces = strings.NewReplacer(
	"\u00a0", " ", // no-break space
	"\u2002", " ",
	"\u2003", " ",
	"\u2009", " ",
	"\u202f", " ",
	"\u3000", " ",
	"\u200b", " ", // zero width space
	"\u200c", " ",
	"\u200d", " ",
	"\u2060", " ",
	"\ufeff", " ",
	"\t", " ",
	"\r", "",
)

var (
	spaceRun   = regexp.MustCompile(` {2,}`)
	newlineRun = regexp.MustCompile(`\n{3,}`)

	// Newsletter chrome that survives tag stripping. Patterns match from the
	// start of a line, after any block marker.
	boilerplate = []*regexp.Regexp{
		regexp.MustCompile(`(?i)^subscribe\b`),
		regexp.MustCompile(`(?i)^share this\b`),
		regexp.MustCompile(`(?i)^unsubscribe\b`),
		regexp.MustCompile(`(?i)^forward (this )?(email |newsletter )?to a friend\b`),
		regexp.MustCompile(`(?i)^view (this )?(email |post )?in (your )?browser\b`),
		regexp.MustCompile(`(?i)^like this post\??`),
	}
	// Short lines that mention these anywhere are chrome too.
	boilerplateAnywhere = regexp.MustCompile(`(?i)\b(unsubscribe|view in browser|forward to a friend)\b`)
)

const blockMarkers = "#>• "

// Normalize applies NFKC, maps unicode spaces to ASCII, collapses whitespace
// runs and drops boilerplate lines.
func Normalize(s string) string {
	s = norm.NFKC.String(s)
	s = unicodeSpaces.Replace(s)

	lines := strings.Split(s, "\n")
	kept := lines[:0]
	for _, line := range lines {
		line = strings.TrimSpace(spaceRun.ReplaceAllString(line, " "))
		if isBoilerplate(line) {
			continue
		}
		kept = append(kept, line)
	}
	s = strings.Join(kept, "\n")
	s = newlineRun.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

func isBoilerplate(line string) bool {
	if line == "" {
		return false
	}
	bare := strings.TrimLeft(line, blockMarkers)
	for _, re := range boilerplate {
		if re.MatchString(bare) {
			return true
		}
	}
	return len(strings.Fields(bare)) <= 15 && boilerplateAnywhere.MatchString(bare)
}

// WordCount is the number of whitespace-separated fields.
func WordCount(s string) int {
	return len(strings.Fields(s))
}

// collapse flattens an element's text onto one line.
func collapse(s string) string {
	return strings.Join(strings.Fields(unicodeSpaces.Replace(s)), " ")
}
