package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sanonone/kektorbrain/pkg/engine"
	"github.com/sanonone/kektorbrain/pkg/graph"
	"github.com/sanonone/kektorbrain/pkg/rag"
)

var (
	searchK     int
	searchTypes []string
	exportOut   string
	exportVecs  bool
)

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Answer a question from the knowledge graph",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		eng, err := openEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { err = errors.Join(err, eng.Close()) }()

		ans, err := eng.Query(cmd.Context(), strings.Join(args, " "))
		if err != nil {
			var qe *rag.QueryError
			if errors.As(err, &qe) && len(qe.Sources) > 0 {
				cmd.PrintErrln("Relevant entities found before the failure:")
				printSources(cmd.ErrOrStderr(), qe.Sources)
			}
			return err
		}
		cmd.Println(ans.Text)
		if len(ans.Sources) > 0 {
			cmd.Println()
			printSources(cmd.OutOrStdout(), ans.Sources)
		}
		return nil
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <text>",
	Short: "Semantic search over entities",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		types := make([]graph.NodeType, 0, len(searchTypes))
		for _, t := range searchTypes {
			typ, err := graph.ParseNodeType(t)
			if err != nil {
				return err
			}
			types = append(types, typ)
		}
		eng, err := openEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { err = errors.Join(err, eng.Close()) }()

		matches, err := eng.SemanticSearch(cmd.Context(), strings.Join(args, " "), searchK, types...)
		if err != nil {
			return err
		}
		for i, m := range matches {
			cmd.Printf("%2d. [%s] %s (%s)  score=%.3f\n", i+1, m.Type, m.Title, m.NodeID, m.Score)
		}
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print graph and index statistics as JSON",
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		eng, err := openEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { err = errors.Join(err, eng.Close()) }()
		return writeJSON(cmd.OutOrStdout(), eng.Stats())
	},
}

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Embed missing vectors, recompute refinements and rebuild the vector index",
	Long: `Run the maintenance passes offline: embed every entity whose embedding
is missing or was produced by another model, recompute the refined vectors
of the whole graph, then rebuild the vector index from the graph.`,
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		ctx := cmd.Context()
		eng, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer func() { err = errors.Join(err, eng.Close()) }()

		n, err := eng.Backfill(ctx)
		if err != nil {
			return err
		}
		cmd.Printf("embedded %d entities\n", n)
		if err := eng.RefreshRefinements(ctx); err != nil {
			return err
		}
		report, err := eng.Reconcile(ctx)
		if err != nil {
			return err
		}
		cmd.Printf("index: %d vectors, %d restored, %d stale entries removed (%s)\n",
			report.Indexed, report.Added, len(report.Removed), report.Duration)
		return nil
	},
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write the whole graph as JSON",
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		eng, err := openEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { err = errors.Join(err, eng.Close()) }()

		exp := eng.GraphSnapshot()
		if !exportVecs {
			for i := range exp.Nodes {
				exp.Nodes[i].Embedding = nil
				exp.Nodes[i].RefinedEmbedding = nil
			}
		}
		if exportOut == "" || exportOut == "-" {
			return writeJSON(cmd.OutOrStdout(), exp)
		}
		f, err := os.Create(exportOut)
		if err != nil {
			return err
		}
		if err := writeJSON(f, exp); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
		cmd.PrintErrf("exported %d entities and %d relations to %s\n", len(exp.Nodes), len(exp.Edges), exportOut)
		return nil
	},
}

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Replace the graph with a JSON export",
	Long: `Replace the whole graph with the content of a file written by
'kektorbrain export'. Entities exported without vectors are embedded again.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		var exp engine.GraphExport
		if err := json.Unmarshal(data, &exp); err != nil {
			return fmt.Errorf("parse '%s': %w", args[0], err)
		}

		ctx := cmd.Context()
		eng, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer func() { err = errors.Join(err, eng.Close()) }()

		if err := eng.RebuildFromSnapshot(ctx, exp); err != nil {
			return err
		}
		n, err := eng.Backfill(ctx)
		if err != nil {
			return err
		}
		if err := eng.RefreshRefinements(ctx); err != nil {
			return err
		}
		cmd.Printf("imported %d entities and %d relations, embedded %d\n", len(exp.Nodes), len(exp.Edges), n)
		return nil
	},
}

func printSources(w io.Writer, sources []rag.Source) {
	for i, s := range sources {
		fmt.Fprintf(w, "[%d] %s (%s, %s)\n", i+1, s.Title, s.Type, s.NodeID)
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	searchCmd.Flags().IntVarP(&searchK, "k", "k", 10, "number of results")
	searchCmd.Flags().StringSliceVarP(&searchTypes, "type", "t", nil, "restrict to entity types (note, task, contact, document, chunk)")
	exportCmd.Flags().StringVarP(&exportOut, "out", "o", "", "output file (default stdout)")
	exportCmd.Flags().BoolVar(&exportVecs, "vectors", false, "include embeddings")
}
