package chat

import (
	"regexp"
	"strconv"
)

// Citation points a numbered marker in an answer back to its source
// passage. Numbers are 1-based and follow passage order, so they line up
// with the [n] markers the model is instructed to emit.
type Citation struct {
	Number  int    `json:"number"`
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

const snippetLimit = 200

// BuildCitations derives one citation per passage, numbered 1..N in input
// order. The list covers every passage handed to the model, not only the
// ones it referenced; see FilterReferenced for the narrower policy.
func BuildCitations(passages []RetrievedPassage) []Citation {
	citations := make([]Citation, 0, len(passages))
	for i, p := range passages {
		citations = append(citations, Citation{
			Number:  i + 1,
			Title:   p.Title,
			URL:     p.URL,
			Snippet: Truncate(p.Content, snippetLimit),
		})
	}
	return citations
}

var citationMarker = regexp.MustCompile(`\[(\d+)\]`)

// FilterReferenced keeps only citations whose [n] marker appears in the
// answer text. Numbers are not renumbered, so surviving entries stay
// aligned with the markers in the answer.
func FilterReferenced(answer string, citations []Citation) []Citation {
	referenced := make(map[int]bool)
	for _, m := range citationMarker.FindAllStringSubmatch(answer, -1) {
		if n, err := strconv.Atoi(m[1]); err == nil {
			referenced[n] = true
		}
	}

	filtered := make([]Citation, 0, len(citations))
	for _, c := range citations {
		if referenced[c.Number] {
			filtered = append(filtered, c)
		}
	}
	return filtered
}

// Truncate cuts s to at most limit runes without splitting a character.
func Truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
