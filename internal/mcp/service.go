package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/sanonone/kektorbrain/pkg/engine"
	"github.com/sanonone/kektorbrain/pkg/graph"
)

const defaultLimit = 5

type Service struct {
	engine *engine.Engine
}

func NewService(eng *engine.Engine) *Service {
	return &Service{engine: eng}
}

// --- Tool Handlers ---

func (s *Service) UpsertEntity(ctx context.Context, req *mcp.CallToolRequest, args UpsertEntityArgs) (*mcp.CallToolResult, UpsertEntityResult, error) {
	typ, err := graph.ParseNodeType(args.Type)
	if err != nil {
		return nil, UpsertEntityResult{}, err
	}
	raw, err := json.Marshal(args.Attributes)
	if err != nil {
		return nil, UpsertEntityResult{}, fmt.Errorf("encode attributes: %w", err)
	}
	attrs, err := graph.DecodeAttributes(typ, raw)
	if err != nil {
		return nil, UpsertEntityResult{}, err
	}

	id, err := s.engine.UpsertEntity(ctx, engine.EntityInput{ID: args.ID, Type: typ, Attributes: attrs})
	if err != nil {
		return nil, UpsertEntityResult{}, err
	}
	n, err := s.engine.Get(id)
	if err != nil {
		return nil, UpsertEntityResult{}, err
	}
	return nil, UpsertEntityResult{ID: id, Title: n.Title(), Embedded: n.Embedding != nil}, nil
}

func (s *Service) DeleteEntity(ctx context.Context, req *mcp.CallToolRequest, args DeleteEntityArgs) (*mcp.CallToolResult, DeleteEntityResult, error) {
	if err := s.engine.DeleteEntity(ctx, args.ID); err != nil {
		return nil, DeleteEntityResult{}, err
	}
	return nil, DeleteEntityResult{Deleted: args.ID}, nil
}

func (s *Service) Ask(ctx context.Context, req *mcp.CallToolRequest, args AskArgs) (*mcp.CallToolResult, AskResult, error) {
	ans, err := s.engine.Query(ctx, args.Question)
	if err != nil {
		return nil, AskResult{}, err
	}
	res := AskResult{Answer: ans.Text, Provider: ans.Provider, Sources: make([]SourceRef, 0, len(ans.Sources))}
	for i, src := range ans.Sources {
		res.Sources = append(res.Sources, SourceRef{Ref: i + 1, NodeID: src.NodeID, Type: string(src.Type), Title: src.Title})
	}
	return nil, res, nil
}

func (s *Service) Similar(ctx context.Context, req *mcp.CallToolRequest, args SimilarArgs) (*mcp.CallToolResult, SearchResult, error) {
	matches, err := s.engine.Similar(ctx, args.ID, limitOrDefault(args.Limit))
	if err != nil {
		return nil, SearchResult{}, err
	}
	return nil, formatMatches(matches), nil
}

func (s *Service) Search(ctx context.Context, req *mcp.CallToolRequest, args SearchArgs) (*mcp.CallToolResult, SearchResult, error) {
	types := make([]graph.NodeType, 0, len(args.Types))
	for _, t := range args.Types {
		typ, err := graph.ParseNodeType(t)
		if err != nil {
			return nil, SearchResult{}, err
		}
		types = append(types, typ)
	}
	matches, err := s.engine.SemanticSearch(ctx, args.Query, limitOrDefault(args.Limit), types...)
	if err != nil {
		return nil, SearchResult{}, err
	}
	return nil, formatMatches(matches), nil
}

func (s *Service) Connect(ctx context.Context, req *mcp.CallToolRequest, args ConnectArgs) (*mcp.CallToolResult, ConnectResult, error) {
	if err := s.engine.Link(ctx, args.SourceID, args.TargetID, graph.RelationType(args.Relation), args.Weight); err != nil {
		return nil, ConnectResult{}, err
	}
	return nil, ConnectResult{Status: "linked"}, nil
}

func (s *Service) Traverse(ctx context.Context, req *mcp.CallToolRequest, args TraverseArgs) (*mcp.CallToolResult, TraverseResult, error) {
	depth := args.Depth
	if depth <= 0 {
		depth = 1
	}
	depth = min(depth, 3)

	rels := make([]graph.RelationType, 0, len(args.Relations))
	for _, r := range args.Relations {
		rel, err := graph.ParseRelation(r)
		if err != nil {
			return nil, TraverseResult{}, err
		}
		rels = append(rels, rel)
	}

	root, err := s.engine.Get(args.RootID)
	if err != nil {
		return nil, TraverseResult{}, err
	}
	ids, err := s.engine.Neighbors(args.RootID, depth, rels...)
	if err != nil {
		return nil, TraverseResult{}, err
	}

	// Format as a readable description for the LLM
	var sb strings.Builder
	if len(ids) == 0 {
		fmt.Fprintf(&sb, "No connections found around '%s'.\n", root.Title())
		return nil, TraverseResult{GraphDescription: sb.String()}, nil
	}

	fmt.Fprintf(&sb, "Graph context around '%s' (Depth %d):\n", root.Title(), depth)
	for _, e := range s.engine.Edges(args.RootID) {
		if len(rels) > 0 && !containsRel(rels, e.Relation) {
			continue
		}
		if e.Source == args.RootID {
			fmt.Fprintf(&sb, "- [THIS] --(%s %.2f)--> %s\n", e.Relation, e.Weight, e.Target)
		} else {
			fmt.Fprintf(&sb, "- [THIS] <--(%s %.2f)-- %s\n", e.Relation, e.Weight, e.Source)
		}
	}

	sb.WriteString("\nNodes details:\n")
	fmt.Fprintf(&sb, "* %s [%s] %s\n", root.ID, root.Type, root.Title())
	for _, id := range ids {
		n, err := s.engine.Get(id)
		if err != nil {
			continue
		}
		fmt.Fprintf(&sb, "- %s [%s] %s\n", n.ID, n.Type, n.Title())
	}
	return nil, TraverseResult{GraphDescription: sb.String()}, nil
}

func (s *Service) FindConnection(ctx context.Context, req *mcp.CallToolRequest, args FindConnectionArgs) (*mcp.CallToolResult, FindConnectionResult, error) {
	depth := args.MaxDepth
	if depth <= 0 {
		depth = 4
	}
	path, err := s.engine.FindPath(args.SourceID, args.TargetID, depth)
	if err != nil {
		return nil, FindConnectionResult{}, err
	}
	titles := make([]string, len(path))
	for i, id := range path {
		titles[i] = id
		if n, err := s.engine.Get(id); err == nil {
			titles[i] = fmt.Sprintf("%s (%s)", n.Title(), id)
		}
	}
	return nil, FindConnectionResult{PathDescription: strings.Join(titles, " -> ")}, nil
}

func (s *Service) GraphStats(ctx context.Context, req *mcp.CallToolRequest, args GraphStatsArgs) (*mcp.CallToolResult, GraphStatsResult, error) {
	st := s.engine.Stats()
	res := GraphStatsResult{
		Nodes:          st.Graph.Nodes,
		Edges:          st.Graph.Edges,
		ByType:         make(map[string]int, len(st.Graph.ByType)),
		Embedded:       st.Graph.Embedded,
		Refined:        st.Graph.Refined,
		Isolated:       st.Graph.Isolated,
		AverageDegree:  st.Graph.AverageDegree,
		IndexedVectors: st.IndexedVectors,
		PendingRefine:  st.PendingRefine,
	}
	for t, n := range st.Graph.ByType {
		res.ByType[string(t)] = n
	}
	return nil, res, nil
}

func limitOrDefault(n int) int {
	if n <= 0 {
		return defaultLimit
	}
	return min(n, 50)
}

func containsRel(rels []graph.RelationType, r graph.RelationType) bool {
	for _, x := range rels {
		if x == r {
			return true
		}
	}
	return false
}

// formatMatches renders results as strings for the LLM.
func formatMatches(matches []engine.Match) SearchResult {
	res := make([]string, 0, len(matches))
	for _, m := range matches {
		res = append(res, fmt.Sprintf("[%s] (%s) %s  score=%.3f similarity=%.3f", m.NodeID, m.Type, m.Title, m.Score, m.Similarity))
	}
	return SearchResult{Results: res}
}
