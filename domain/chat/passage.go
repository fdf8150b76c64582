package chat

// RetrievedPassage is one unit of source content returned by the search
// service. Passages live for a single query: they feed the generation
// context and the citation list, and are not persisted.
type RetrievedPassage struct {
	Content string   `json:"content"`
	Title   string   `json:"title"`
	URL     string   `json:"url"`
	Site    string   `json:"site,omitempty"`
	Score   *float64 `json:"score,omitempty"`
}
