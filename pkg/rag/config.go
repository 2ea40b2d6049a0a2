package rag

import "time"

const defaultSystemPrompt = `You are a helpful assistant answering questions about the user's personal knowledge base (notes, tasks, contacts and documents).
Use only the context below. Each entry starts with a tag like [NOTE id=... score=...] followed by its title.
Cite the titles of the entries you used. If the answer is not in the context, say "I don't have enough information in my knowledge base".
Do not invent facts, titles or people.

IMPORTANT: Answer in the same language as the user's question.`

const defaultUserTemplate = `Context:
{{context}}

Question:
{{query}}`

// Config holds the parameters of the question-answering flow.
type Config struct {
	// TopK is the number of nodes retrieved per question.
	TopK int `yaml:"top_k" json:"top_k" validate:"gte=1,lte=100"`
	// ContextBudget caps the context handed to the model, in characters.
	ContextBudget int `yaml:"context_budget" json:"context_budget" validate:"gte=200"`
	// QueryTimeout bounds a whole Ask call. Zero means no extra deadline.
	QueryTimeout time.Duration `yaml:"query_timeout" json:"query_timeout"`

	SystemPrompt string `yaml:"system_prompt" json:"system_prompt"`
	// UserTemplate must contain {{context}} and {{query}}.
	UserTemplate string `yaml:"user_template" json:"user_template"`
	// EmptyAnswer is returned verbatim when nothing relevant was found.
	EmptyAnswer string `yaml:"empty_answer" json:"empty_answer"`
}

// DefaultConfig returns the stock settings.
func DefaultConfig() Config {
	return Config{
		TopK:          8,
		ContextBudget: 6000,
		QueryTimeout:  2 * time.Minute,
		SystemPrompt:  defaultSystemPrompt,
		UserTemplate:  defaultUserTemplate,
		EmptyAnswer:   "I couldn't find any relevant notes in your knowledge base for this question.",
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.TopK <= 0 {
		c.TopK = def.TopK
	}
	if c.ContextBudget <= 0 {
		c.ContextBudget = def.ContextBudget
	}
	if c.SystemPrompt == "" {
		c.SystemPrompt = def.SystemPrompt
	}
	if c.UserTemplate == "" {
		c.UserTemplate = def.UserTemplate
	}
	if c.EmptyAnswer == "" {
		c.EmptyAnswer = def.EmptyAnswer
	}
	return c
}
