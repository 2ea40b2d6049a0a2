package graph

import (
	"math"
	"strings"
	"time"
)

// LinkPolicy sets the weights of derived edges. Derived weights stay in
// (0,1); user-declared relations use ExplicitWeight.
type LinkPolicy struct {
	ExplicitWeight    float64       `yaml:"explicit_weight" json:"explicit_weight"`
	SameProjectWeight float64       `yaml:"same_project_weight" json:"same_project_weight"`
	SameOrgWeight     float64       `yaml:"same_organization_weight" json:"same_organization_weight"`
	MentionWeight     float64       `yaml:"mention_weight" json:"mention_weight"`
	TemporalMaxWeight float64       `yaml:"temporal_max_weight" json:"temporal_max_weight"`
	TemporalWindow    time.Duration `yaml:"temporal_window" json:"temporal_window"`
	MinMentionLength  int           `yaml:"min_mention_length" json:"min_mention_length"`
	PartOfWeight      float64       `yaml:"part_of_weight" json:"part_of_weight"`
}

// DefaultLinkPolicy returns the stock weights.
func DefaultLinkPolicy() LinkPolicy {
	return LinkPolicy{
		ExplicitWeight:    1.0,
		SameProjectWeight: 0.9,
		SameOrgWeight:     0.9,
		MentionWeight:     0.8,
		TemporalMaxWeight: 0.6,
		TemporalWindow:    72 * time.Hour,
		MinMentionLength:  4,
		PartOfWeight:      1.0,
	}
}

// TagWeight maps a shared-tag count n to a weight: 1 - 0.5^n. It is
// monotonically increasing and stays below 1.
func TagWeight(n int) float64 {
	if n <= 0 {
		return 0
	}
	return 1 - math.Pow(0.5, float64(n))
}

// TemporalWeight decays linearly with the gap between two instants and is
// zero outside the window.
func (p LinkPolicy) TemporalWeight(a, b time.Time) float64 {
	if p.TemporalWindow <= 0 {
		return 0
	}
	gap := a.Sub(b)
	if gap < 0 {
		gap = -gap
	}
	if gap >= p.TemporalWindow {
		return 0
	}
	w := p.TemporalMaxWeight * (1 - float64(gap)/float64(p.TemporalWindow))
	return math.Max(w, 1e-3)
}

// Linker infers derived edges for a node from its attributes and the rest
// of the graph.
type Linker struct {
	Policy LinkPolicy
}

// NewLinker returns a Linker using p.
func NewLinker(p LinkPolicy) *Linker {
	return &Linker{Policy: p}
}

// Infer returns the derived edges between n and the nodes of snap. n need
// not be in snap yet; any copy of n inside snap is ignored. At most one edge
// per (pair, relation) is produced.
func (l *Linker) Infer(snap *Snapshot, n Node) []Edge {
	if n.Attributes == nil {
		return nil
	}
	var out []Edge
	add := func(other string, rel RelationType, w float64) {
		if other == n.ID || w <= 0 {
			return
		}
		out = append(out, Edge{Source: n.ID, Target: other, Relation: rel, Weight: clampWeight(w)})
	}

	// Shared tags, counted through the tag index.
	shared := make(map[string]int)
	for _, t := range n.Tags() {
		for _, id := range snap.NodesByTag(t) {
			shared[id]++
		}
	}
	for id, count := range shared {
		add(id, RelTagShared, TagWeight(count))
	}

	if c, ok := n.Attributes.(ChunkAttrs); ok && snap.Has(c.DocumentID) {
		add(c.DocumentID, RelPartOf, l.Policy.PartOfWeight)
	}

	title := strings.ToLower(strings.TrimSpace(n.Title()))
	text := strings.ToLower(n.Text)
	project, org, due := l.keys(n)

	for _, other := range snap.Nodes() {
		if other.ID == n.ID || other.Attributes == nil {
			continue
		}
		oProject, oOrg, oDue := l.keys(other)
		if project != "" && project == oProject {
			add(other.ID, RelSameProject, l.Policy.SameProjectWeight)
		}
		if org != "" && org == oOrg {
			add(other.ID, RelSameOrganization, l.Policy.SameOrgWeight)
		}
		if due != nil && oDue != nil {
			add(other.ID, RelTemporal, l.Policy.TemporalWeight(*due, *oDue))
		}
		oTitle := strings.ToLower(strings.TrimSpace(other.Title()))
		if l.mentions(text, oTitle) || l.mentions(strings.ToLower(other.Text), title) {
			add(other.ID, RelMentions, l.Policy.MentionWeight)
		}
	}
	return out
}

func (l *Linker) mentions(text, title string) bool {
	if len(title) < l.Policy.MinMentionLength || text == "" {
		return false
	}
	return strings.Contains(text, title)
}

func (l *Linker) keys(n Node) (project, org string, due *time.Time) {
	switch a := n.Attributes.(type) {
	case TaskAttrs:
		return strings.ToLower(strings.TrimSpace(a.Project)), "", a.DueDate
	case ContactAttrs:
		return "", strings.ToLower(strings.TrimSpace(a.Organization)), nil
	}
	return "", "", nil
}
