package mcp

// --- Tool Arguments ---

type UpsertEntityArgs struct {
	ID         string         `json:"id,omitempty" jsonschema:"Entity ID. Omit to create a new entity with a generated ID"`
	Type       string         `json:"type" jsonschema:"Entity type: note, task, contact, document or chunk"`
	Attributes map[string]any `json:"attributes" jsonschema:"Type-specific fields. A task takes title, description, status, priority, due_date, project and tags"`
}

type UpsertEntityResult struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Embedded bool   `json:"embedded"`
}

type DeleteEntityArgs struct {
	ID string `json:"id" jsonschema:"ID of the entity to delete"`
}

type DeleteEntityResult struct {
	Deleted string `json:"deleted"`
}

type AskArgs struct {
	Question string `json:"question" jsonschema:"Natural-language question about the knowledge base"`
}

type SourceRef struct {
	Ref    int    `json:"ref"`
	NodeID string `json:"node_id"`
	Type   string `json:"type"`
	Title  string `json:"title"`
}

type AskResult struct {
	Answer   string      `json:"answer"`
	Sources  []SourceRef `json:"sources"`
	Provider string      `json:"provider,omitempty"`
}

type SimilarArgs struct {
	ID    string `json:"id" jsonschema:"Entity to find related items for"`
	Limit int    `json:"limit,omitempty" jsonschema:"Max number of results (default 5)"`
}

type SearchArgs struct {
	Query string   `json:"query" jsonschema:"The semantic query to search for"`
	Types []string `json:"types,omitempty" jsonschema:"Restrict results to these entity types"`
	Limit int      `json:"limit,omitempty" jsonschema:"Max number of results (default 5)"`
}

type SearchResult struct {
	Results []string `json:"results"` // Formatted strings for the LLM
}

type ConnectArgs struct {
	SourceID string  `json:"source_id"`
	TargetID string  `json:"target_id"`
	Relation string  `json:"relation,omitempty" jsonschema:"explicit_link (default) or references"`
	Weight   float64 `json:"weight,omitempty" jsonschema:"Strength of the relation in (0,1], default 1"`
}

type ConnectResult struct {
	Status string `json:"status"`
}

type TraverseArgs struct {
	RootID    string   `json:"root_id"`
	Relations []string `json:"relations,omitempty" jsonschema:"Filter by relation types (e.g. ['mentions'])"`
	Depth     int      `json:"depth,omitempty" jsonschema:"Depth (default 1, max 3)"`
}

type TraverseResult struct {
	GraphDescription string `json:"graph_description"` // Textual description of connections
}

type FindConnectionArgs struct {
	SourceID string `json:"source_id" jsonschema:"Start entity ID"`
	TargetID string `json:"target_id" jsonschema:"End entity ID"`
	MaxDepth int    `json:"max_depth,omitempty" jsonschema:"Maximum path length (default 4)"`
}

type FindConnectionResult struct {
	PathDescription string `json:"path_description"` // "A -> B -> C"
}

type GraphStatsArgs struct{}

type GraphStatsResult struct {
	Nodes          int            `json:"nodes"`
	Edges          int            `json:"edges"`
	ByType         map[string]int `json:"by_type"`
	Embedded       int            `json:"embedded"`
	Refined        int            `json:"refined"`
	Isolated       int            `json:"isolated"`
	AverageDegree  float64        `json:"average_degree"`
	IndexedVectors int            `json:"indexed_vectors"`
	PendingRefine  int            `json:"pending_refine"`
}
