package domain

// Passage is one retrieved unit of knowledge.
type Passage struct {
	KnowledgeBaseID string         `json:"knowledge_base_id"`
	DocumentID      string         `json:"document_id,omitempty"`
	SegmentID       string         `json:"segment_id,omitempty"`
	Content         string         `json:"content"`
	Score           float64        `json:"score"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// RetrievedContext is the ordered, budgeted result of the retrieval stage.
type RetrievedContext struct {
	Passages []Passage `json:"passages"`
	Tokens   int       `json:"tokens"`
}

// Empty reports whether no passage survived retrieval.
func (c *RetrievedContext) Empty() bool {
	return c == nil || len(c.Passages) == 0
}

// AnnotationMatch is a curated reply selected for a query. Exact is set when
// the question equals the query after normalization, Literal when it equals
// the query byte for byte.
type AnnotationMatch struct {
	ID       string  `json:"id"`
	Question string  `json:"question"`
	Content  string  `json:"content"`
	Score    float64 `json:"score"`
	Exact    bool    `json:"exact"`
	Literal  bool    `json:"literal,omitempty"`
}
