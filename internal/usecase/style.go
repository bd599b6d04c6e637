package usecase

import (
	"regexp"
	"strconv"
	"strings"

	"aivr-agent/internal/domain"
)

// StyleChoice is the outcome of classifying a style reply. When Matched is
// false, Instruction holds the user's own text.
type StyleChoice struct {
	Style       domain.Style
	Matched     bool
	Instruction string
}

// indexPattern accepts "3", "3.", "3)", "3:", "#3" and the keycap emoji "3️⃣".
var indexPattern = regexp.MustCompile(`^#?\s*([1-6])\s*(?:[.):]|\x{FE0F}?\x{20E3})?$`)

var canonicalKeywords = map[string]int{
	"anime":           1,
	"chibi":           2,
	"chibi cartoon":   2,
	"ghibli":          3,
	"studio ghibli":   3,
	"western":         4,
	"western cartoon": 4,
	"chinese anime":   5,
	"disney":          6,
}

type partialRule struct {
	index    int
	keyword  string
	excluded []string
}

// partialRules are tried in menu order. A rule matches when its keyword is
// present and none of its excluded words are.
var partialRules = []partialRule{
	{index: 1, keyword: "anime", excluded: []string{"chinese", "cartoon", "chibi", "ghibli", "western", "disney"}},
	{index: 2, keyword: "chibi", excluded: []string{"ghibli", "western", "chinese", "disney"}},
	{index: 3, keyword: "ghibli", excluded: []string{"chibi", "western", "chinese", "disney"}},
	{index: 4, keyword: "western", excluded: []string{"chibi", "ghibli", "anime", "disney"}},
	{index: 5, keyword: "chinese", excluded: []string{"chibi", "ghibli", "western", "disney"}},
	{index: 6, keyword: "disney", excluded: []string{"chibi", "ghibli", "western", "anime"}},
}

// ClassifyStyle resolves a reply to the style menu. Rules apply in order:
// menu index, exact keyword, keyword with exclusions, then free-form text.
func ClassifyStyle(text string) StyleChoice {
	raw := strings.TrimSpace(text)
	norm := strings.Join(strings.Fields(strings.ToLower(raw)), " ")

	if m := indexPattern.FindStringSubmatch(norm); m != nil {
		i, _ := strconv.Atoi(m[1])
		if st, ok := domain.StyleByIndex(i); ok {
			return matched(st)
		}
	}

	if i, ok := canonicalKeywords[norm]; ok {
		st, _ := domain.StyleByIndex(i)
		return matched(st)
	}

	for _, rule := range partialRules {
		if !strings.Contains(norm, rule.keyword) || containsAny(norm, rule.excluded) {
			continue
		}
		st, _ := domain.StyleByIndex(rule.index)
		return matched(st)
	}

	return StyleChoice{Instruction: raw}
}

func matched(st domain.Style) StyleChoice {
	return StyleChoice{Style: st, Matched: true, Instruction: st.Instruction}
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
