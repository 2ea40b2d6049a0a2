package rag

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/sanonone/kektorbrain/pkg/graph"
	"github.com/sanonone/kektorbrain/pkg/retrieval"
)

const (
	entrySeparator = "\n\n"
	truncMarker    = "..."
)

// QueryContext is the material handed to the model for one question.
type QueryContext struct {
	Question string
	Entries  []ContextEntry
	Budget   int
}

// ContextEntry is one node rendered for the prompt.
type ContextEntry struct {
	Source Source
	Block  string
}

// Empty reports whether no entry survived.
func (qc QueryContext) Empty() bool { return len(qc.Entries) == 0 }

// Text joins the entries in relevance order.
func (qc QueryContext) Text() string {
	blocks := make([]string, len(qc.Entries))
	for i, e := range qc.Entries {
		blocks[i] = e.Block
	}
	return strings.Join(blocks, entrySeparator)
}

// Sources returns the sources of the kept entries, most relevant first.
func (qc QueryContext) Sources() []Source {
	out := make([]Source, len(qc.Entries))
	for i, e := range qc.Entries {
		out[i] = e.Source
	}
	return out
}

// BuildContext renders results, assumed sorted by descending score, within
// budget characters. Entries are dropped from the least relevant end until
// the text fits; a single remaining entry that is still too long has its
// body cut. Results whose node has disappeared from snap are skipped.
func BuildContext(question string, results []retrieval.Result, snap *graph.Snapshot, budget int) QueryContext {
	qc := QueryContext{Question: question, Budget: budget}
	for _, r := range results {
		n, ok := snap.Get(r.NodeID)
		if !ok {
			continue
		}
		src := Source{NodeID: n.ID, Type: n.Type, Title: n.Title(), Relevance: r.Score}
		qc.Entries = append(qc.Entries, ContextEntry{Source: src, Block: renderEntry(src, n.Text)})
	}

	size := 0
	for i, e := range qc.Entries {
		size += utf8.RuneCountInString(e.Block)
		if i > 0 {
			size += len(entrySeparator)
		}
	}
	for len(qc.Entries) > 1 && size > budget {
		last := qc.Entries[len(qc.Entries)-1]
		size -= utf8.RuneCountInString(last.Block) + len(entrySeparator)
		qc.Entries = qc.Entries[:len(qc.Entries)-1]
	}
	if len(qc.Entries) == 1 && size > budget {
		qc.Entries[0].Block = truncateRunes(qc.Entries[0].Block, budget)
	}
	return qc
}

func renderEntry(src Source, body string) string {
	header := fmt.Sprintf("[%s id=%s score=%.2f] %s", strings.ToUpper(string(src.Type)), src.NodeID, src.Relevance, src.Title)
	body = strings.TrimSpace(body)
	if body == "" {
		return header
	}
	return header + "\n" + body
}

func truncateRunes(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	keep := limit - len(truncMarker)
	if keep <= 0 {
		return string([]rune(s)[:limit])
	}
	return string([]rune(s)[:keep]) + truncMarker
}

func renderPrompt(template string, qc QueryContext) string {
	out := strings.ReplaceAll(template, "{{context}}", qc.Text())
	return strings.ReplaceAll(out, "{{query}}", qc.Question)
}
