package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/sanonone/kektorbrain/pkg/engine"
	"github.com/sanonone/kektorbrain/pkg/graph"
	"github.com/sanonone/kektorbrain/pkg/rag"
)

const (
	defaultK     = 10
	maxBodyBytes = 4 << 20
	defaultHops  = 1
	maxHops      = 3
	defaultDepth = 4
	maxPathDepth = 8
)

var validate = validator.New()

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeHTTPResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Entities ---

func (s *Server) handleUpsertEntity(w http.ResponseWriter, r *http.Request) {
	var req UpsertEntityRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	typ, err := graph.ParseNodeType(req.Type)
	if err != nil {
		s.writeHTTPError(w, http.StatusBadRequest, err.Error())
		return
	}
	attrs, err := graph.DecodeAttributes(typ, req.Attributes)
	if err != nil {
		s.writeHTTPError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := s.Engine.UpsertEntity(r.Context(), engine.EntityInput{ID: req.ID, Type: typ, Attributes: attrs})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	n, err := s.Engine.Get(id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeHTTPResponse(w, http.StatusOK, entityResponse(n, nil, false))
}

func (s *Server) handleGetEntity(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	n, err := s.Engine.Get(id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	edges := s.Engine.Edges(id)
	withVector := r.URL.Query().Get("include_vector") == "true"
	s.writeHTTPResponse(w, http.StatusOK, entityResponse(n, edges, withVector))
}

func (s *Server) handleListEntities(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter graph.NodeType
	if t := q.Get("type"); t != "" {
		typ, err := graph.ParseNodeType(t)
		if err != nil {
			s.writeHTTPError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter = typ
	}
	var tagged map[string]bool
	if tag := q.Get("tag"); tag != "" {
		tagged = make(map[string]bool)
		for _, id := range s.Engine.ByTag(tag) {
			tagged[id] = true
		}
	}

	out := []EntityResponse{}
	for _, n := range s.Engine.GraphSnapshot().Nodes {
		if filter != "" && n.Type != filter {
			continue
		}
		if tagged != nil && !tagged[n.ID] {
			continue
		}
		out = append(out, entityResponse(n, nil, false))
	}
	s.writeHTTPResponse(w, http.StatusOK, map[string]any{"entities": out, "count": len(out)})
}

func (s *Server) handleDeleteEntity(w http.ResponseWriter, r *http.Request) {
	if err := s.Engine.DeleteEntity(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSimilar(w http.ResponseWriter, r *http.Request) {
	k, ok := s.intParam(w, r, "k", defaultK, 1, 100)
	if !ok {
		return
	}
	matches, err := s.Engine.Similar(r.Context(), chi.URLParam(r, "id"), k)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeHTTPResponse(w, http.StatusOK, map[string]any{"results": matches})
}

func (s *Server) handleNeighbors(w http.ResponseWriter, r *http.Request) {
	hops, ok := s.intParam(w, r, "hops", defaultHops, 1, maxHops)
	if !ok {
		return
	}
	var rels []graph.RelationType
	if raw := r.URL.Query().Get("relations"); raw != "" {
		for _, name := range strings.Split(raw, ",") {
			rel, err := graph.ParseRelation(strings.TrimSpace(name))
			if err != nil {
				s.writeHTTPError(w, http.StatusBadRequest, err.Error())
				return
			}
			rels = append(rels, rel)
		}
	}
	ids, err := s.Engine.Neighbors(chi.URLParam(r, "id"), hops, rels...)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeHTTPResponse(w, http.StatusOK, map[string]any{"neighbors": ids})
}

// --- Links ---

func (s *Server) handleLink(w http.ResponseWriter, r *http.Request) {
	var req LinkRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	err := s.Engine.Link(r.Context(), req.Source, req.Target, graph.RelationType(req.Relation), req.Weight)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeHTTPResponse(w, http.StatusOK, map[string]string{"status": "OK"})
}

func (s *Server) handleUnlink(w http.ResponseWriter, r *http.Request) {
	var req LinkRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if err := s.Engine.Unlink(r.Context(), req.Source, req.Target, graph.RelationType(req.Relation)); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeHTTPResponse(w, http.StatusOK, map[string]string{"status": "OK"})
}

func (s *Server) handleFindPath(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, to := q.Get("from"), q.Get("to")
	if from == "" || to == "" {
		s.writeHTTPError(w, http.StatusBadRequest, "'from' and 'to' are required")
		return
	}
	depth, ok := s.intParam(w, r, "max_depth", defaultDepth, 1, maxPathDepth)
	if !ok {
		return
	}
	path, err := s.Engine.FindPath(from, to, depth)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeHTTPResponse(w, http.StatusOK, map[string]any{"path": path})
}

// --- Retrieval ---

func (s *Server) handleSemanticSearch(w http.ResponseWriter, r *http.Request) {
	var req SearchRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.K == 0 {
		req.K = defaultK
	}
	types := make([]graph.NodeType, 0, len(req.Types))
	for _, t := range req.Types {
		typ, err := graph.ParseNodeType(t)
		if err != nil {
			s.writeHTTPError(w, http.StatusBadRequest, err.Error())
			return
		}
		types = append(types, typ)
	}
	matches, err := s.Engine.SemanticSearch(r.Context(), req.Text, req.K, types...)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeHTTPResponse(w, http.StatusOK, map[string]any{"results": matches})
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req QueryRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	ans, err := s.Engine.Query(r.Context(), req.Question)
	if err != nil {
		var qe *rag.QueryError
		if errors.As(err, &qe) {
			sources := qe.Sources
			if sources == nil {
				sources = []rag.Source{}
			}
			code := engine.CodeOf(err)
			s.writeHTTPResponse(w, statusForCode(code), QueryErrorResponse{
				Error:   qe.Message,
				Code:    string(code),
				Sources: sources,
				Trace:   qe.Trace,
			})
			return
		}
		s.writeEngineError(w, err)
		return
	}
	if ans.Sources == nil {
		ans.Sources = []rag.Source{}
	}
	s.writeHTTPResponse(w, http.StatusOK, ans)
}

func (s *Server) handleGraphSnapshot(w http.ResponseWriter, r *http.Request) {
	exp := s.Engine.GraphSnapshot()
	if r.URL.Query().Get("include_vectors") != "true" {
		for i := range exp.Nodes {
			exp.Nodes[i].Embedding = nil
			exp.Nodes[i].RefinedEmbedding = nil
		}
	}
	s.writeHTTPResponse(w, http.StatusOK, exp)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeHTTPResponse(w, http.StatusOK, s.Engine.Stats())
}

// --- System ---

func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) {
	if err := s.Engine.Save(); err != nil {
		s.logger.Error("SAVE via HTTP failed", "error", err)
		s.writeHTTPError(w, http.StatusInternalServerError, fmt.Sprintf("save failed: %v", err))
		return
	}
	s.writeHTTPResponse(w, http.StatusOK, map[string]string{"status": "OK"})
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	s.startTask(w, "reconcile", func(ctx context.Context, t *Task) (any, error) {
		t.SetProgress("rebuilding vector index")
		return s.Engine.Reconcile(ctx)
	})
}

func (s *Server) handleBackfill(w http.ResponseWriter, r *http.Request) {
	s.startTask(w, "backfill", func(ctx context.Context, t *Task) (any, error) {
		t.SetProgress("embedding stale entities")
		n, err := s.Engine.Backfill(ctx)
		return map[string]int{"embedded": n}, err
	})
}

func (s *Server) handleRefine(w http.ResponseWriter, r *http.Request) {
	s.startTask(w, "refine", func(ctx context.Context, t *Task) (any, error) {
		t.SetProgress("refining all entities")
		return nil, s.Engine.RefreshRefinements(ctx)
	})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, ok := s.taskManager.GetTask(chi.URLParam(r, "id"))
	if !ok {
		s.writeHTTPError(w, http.StatusNotFound, "task not found")
		return
	}
	s.writeHTTPResponse(w, http.StatusOK, task.View())
}

func (s *Server) startTask(w http.ResponseWriter, kind string, fn func(ctx context.Context, t *Task) (any, error)) {
	task := s.taskManager.Run(s.tasksCtx, kind, func(ctx context.Context, t *Task) (any, error) {
		res, err := fn(ctx, t)
		if err != nil {
			s.logger.Error("task failed", "task_id", t.ID, "kind", kind, "error", err)
		}
		return res, err
	})
	s.writeHTTPResponse(w, http.StatusAccepted, TaskAccepted{TaskID: task.ID, Status: string(TaskStatusStarted)})
}

// --- Helpers ---

func entityResponse(n graph.Node, edges []graph.Edge, withVector bool) EntityResponse {
	resp := EntityResponse{
		ID:         n.ID,
		Type:       n.Type,
		Title:      n.Title(),
		Attributes: n.Attributes,
		Embedded:   n.Embedding != nil,
		Refined:    n.RefinedEmbedding != nil,
		Revision:   n.Revision,
		CreatedAt:  n.CreatedAt,
		UpdatedAt:  n.UpdatedAt,
		Edges:      edges,
	}
	if withVector {
		resp.Embedding = n.SearchVector()
	}
	return resp
}

// decodeJSON reads and validates a request body. It writes the error
// response itself and reports whether the handler should continue.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		s.writeHTTPError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	if err := validate.Struct(dst); err != nil {
		s.writeHTTPError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return false
	}
	return true
}

func (s *Server) intParam(w http.ResponseWriter, r *http.Request, name string, def, lo, hi int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < lo || v > hi {
		s.writeHTTPError(w, http.StatusBadRequest, fmt.Sprintf("'%s' must be an integer in [%d,%d]", name, lo, hi))
		return 0, false
	}
	return v, true
}

func statusForCode(code engine.Code) int {
	switch code {
	case engine.CodeNotFound:
		return http.StatusNotFound
	case engine.CodeInvalidArgument:
		return http.StatusBadRequest
	case engine.CodeEmbeddingFailure:
		return http.StatusServiceUnavailable
	case engine.CodeGenerationFailure:
		return http.StatusBadGateway
	case engine.CodeTimeout:
		return http.StatusGatewayTimeout
	case engine.CodeCancelled:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	code := engine.CodeOf(err)
	status := statusForCode(code)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "code", code, "error", err)
	}
	s.writeHTTPResponse(w, status, map[string]string{"error": err.Error(), "code": string(code)})
}

func (s *Server) writeHTTPResponse(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeHTTPError(w http.ResponseWriter, statusCode int, message string) {
	s.writeHTTPResponse(w, statusCode, map[string]string{"error": message})
}
