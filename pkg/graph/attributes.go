package graph

import (
	"encoding/gob"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Attributes is the type-specific payload of a node. The set of
// implementations is closed: NoteAttrs, TaskAttrs, ContactAttrs,
// DocumentAttrs and ChunkAttrs.
type Attributes interface {
	NodeType() NodeType
	sealed()
}

type NoteAttrs struct {
	Title   string   `json:"title" validate:"required"`
	Content string   `json:"content"`
	Tags    []string `json:"tags,omitempty"`
}

type TaskAttrs struct {
	Title       string     `json:"title" validate:"required"`
	Description string     `json:"description,omitempty"`
	Status      string     `json:"status,omitempty" validate:"omitempty,oneof=todo in_progress done cancelled"`
	Priority    string     `json:"priority,omitempty" validate:"omitempty,oneof=low medium high urgent"`
	DueDate     *time.Time `json:"due_date,omitempty"`
	Project     string     `json:"project,omitempty"`
	Tags        []string   `json:"tags,omitempty"`
}

type ContactAttrs struct {
	Name         string   `json:"name" validate:"required"`
	Email        string   `json:"email,omitempty" validate:"omitempty,email"`
	Phone        string   `json:"phone,omitempty"`
	Organization string   `json:"organization,omitempty"`
	Tags         []string `json:"tags,omitempty"`
}

type DocumentAttrs struct {
	Title   string   `json:"title" validate:"required"`
	Content string   `json:"content,omitempty"`
	Summary string   `json:"summary,omitempty"`
	Topics  []string `json:"topics,omitempty"`
	Tags    []string `json:"tags,omitempty"`
}

// ChunkAttrs is a slice of a document produced by an external chunker.
type ChunkAttrs struct {
	DocumentID string `json:"document_id" validate:"required"`
	Index      int    `json:"index" validate:"gte=0"`
	Content    string `json:"content" validate:"required"`
}

func (NoteAttrs) NodeType() NodeType     { return NodeNote }
func (TaskAttrs) NodeType() NodeType     { return NodeTask }
func (ContactAttrs) NodeType() NodeType  { return NodeContact }
func (DocumentAttrs) NodeType() NodeType { return NodeDocument }
func (ChunkAttrs) NodeType() NodeType    { return NodeChunk }

func (NoteAttrs) sealed()     {}
func (TaskAttrs) sealed()     {}
func (ContactAttrs) sealed()  {}
func (DocumentAttrs) sealed() {}
func (ChunkAttrs) sealed()    {}

func init() {
	gob.Register(NoteAttrs{})
	gob.Register(TaskAttrs{})
	gob.Register(ContactAttrs{})
	gob.Register(DocumentAttrs{})
	gob.Register(ChunkAttrs{})
}

// DecodeAttributes unmarshals a JSON payload into the attribute struct for t.
func DecodeAttributes(t NodeType, raw json.RawMessage) (Attributes, error) {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	var (
		attrs Attributes
		err   error
	)
	switch t {
	case NodeNote:
		var a NoteAttrs
		err = json.Unmarshal(raw, &a)
		attrs = a
	case NodeTask:
		var a TaskAttrs
		err = json.Unmarshal(raw, &a)
		attrs = a
	case NodeContact:
		var a ContactAttrs
		err = json.Unmarshal(raw, &a)
		attrs = a
	case NodeDocument:
		var a DocumentAttrs
		err = json.Unmarshal(raw, &a)
		attrs = a
	case NodeChunk:
		var a ChunkAttrs
		err = json.Unmarshal(raw, &a)
		attrs = a
	default:
		return nil, fmt.Errorf("graph: unknown node type %q", t)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s attributes: %w", t, err)
	}
	return attrs, nil
}

// UnmarshalJSON decodes the attributes according to the node's type.
func (n *Node) UnmarshalJSON(data []byte) error {
	type plain Node
	var aux struct {
		plain
		Attributes json.RawMessage `json:"attributes"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*n = Node(aux.plain)
	if len(aux.Attributes) == 0 || string(aux.Attributes) == "null" {
		return nil
	}
	attrs, err := DecodeAttributes(n.Type, aux.Attributes)
	if err != nil {
		return err
	}
	n.Attributes = attrs
	return nil
}

// Title returns the display title for a payload.
func Title(a Attributes) string {
	switch v := a.(type) {
	case NoteAttrs:
		return v.Title
	case TaskAttrs:
		return v.Title
	case ContactAttrs:
		return v.Name
	case DocumentAttrs:
		return v.Title
	case ChunkAttrs:
		return fmt.Sprintf("%s#%d", v.DocumentID, v.Index)
	default:
		panic(fmt.Sprintf("graph: unhandled attributes %T", a))
	}
}

// Tags returns the tags of a payload, lower-cased and trimmed.
func Tags(a Attributes) []string {
	var raw []string
	switch v := a.(type) {
	case NoteAttrs:
		raw = v.Tags
	case TaskAttrs:
		raw = v.Tags
	case ContactAttrs:
		raw = v.Tags
	case DocumentAttrs:
		raw = append(append([]string{}, v.Tags...), v.Topics...)
	case ChunkAttrs:
		return nil
	default:
		panic(fmt.Sprintf("graph: unhandled attributes %T", a))
	}
	return normalizeTags(raw)
}

// Describe builds the text that represents a payload for embedding.
func Describe(a Attributes) string {
	var b strings.Builder
	line := func(label, value string) {
		if strings.TrimSpace(value) == "" {
			return
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		if label != "" {
			b.WriteString(label)
			b.WriteString(": ")
		}
		b.WriteString(value)
	}

	switch v := a.(type) {
	case NoteAttrs:
		line("", v.Title)
		line("", v.Content)
	case TaskAttrs:
		line("Task", v.Title)
		line("", v.Description)
		line("Status", v.Status)
		line("Priority", v.Priority)
		line("Project", v.Project)
		if v.DueDate != nil {
			line("Due", v.DueDate.Format("2006-01-02"))
		}
	case ContactAttrs:
		line("Contact", v.Name)
		line("Organization", v.Organization)
		line("Email", v.Email)
	case DocumentAttrs:
		line("Document", v.Title)
		line("Summary", v.Summary)
		line("", v.Content)
	case ChunkAttrs:
		line("", v.Content)
	default:
		panic(fmt.Sprintf("graph: unhandled attributes %T", a))
	}
	if tags := Tags(a); len(tags) > 0 {
		line("Tags", strings.Join(tags, ", "))
	}
	return b.String()
}

func normalizeTags(raw []string) []string {
	if len(raw) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	for _, t := range raw {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
