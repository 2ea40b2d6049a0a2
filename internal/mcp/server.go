package mcp

import (
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/sanonone/kektorbrain/pkg/engine"
)

// Version is reported to MCP clients.
var Version = "0.1.0"

func NewMCPServer(eng *engine.Engine) *mcp.Server {
	service := NewService(eng)

	s := mcp.NewServer(&mcp.Implementation{
		Name:    "KektorBrain",
		Version: Version,
	}, nil)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "upsert_entity",
		Description: "Create or update a note, task, contact, document or chunk in the knowledge graph. Related entities are linked automatically.",
	}, service.UpsertEntity)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "delete_entity",
		Description: "Delete an entity and all its relations.",
	}, service.DeleteEntity)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "ask",
		Description: "Answer a question using the knowledge graph as context. Returns the answer and the entities it cites.",
	}, service.Ask)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "similar",
		Description: "Find entities related to a given entity, by meaning and by graph proximity.",
	}, service.Similar)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "semantic_search",
		Description: "Search entities semantically by query.",
	}, service.Search)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "connect_entities",
		Description: "Create an explicit relationship between two entities.",
	}, service.Connect)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "explore_connections",
		Description: "Explore the graph neighborhood of an entity to understand its context.",
	}, service.Traverse)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "find_connection",
		Description: "Discover how two entities are connected in the graph (Pathfinding).",
	}, service.FindConnection)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "graph_stats",
		Description: "Summarise the knowledge graph: entity counts by type, relations, embedding coverage.",
	}, service.GraphStats)

	return s
}
