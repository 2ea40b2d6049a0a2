package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/sanonone/kektorbrain/pkg/embeddings"
	"github.com/sanonone/kektorbrain/pkg/graph"
	"github.com/sanonone/kektorbrain/pkg/llm"
	"github.com/sanonone/kektorbrain/pkg/rag"
	"github.com/sanonone/kektorbrain/pkg/retrieval"
)

// Code is a machine-readable failure reason.
type Code string

const (
	CodeNotFound           Code = "not_found"
	CodeEmbeddingFailure   Code = "embedding_failure"
	CodeIndexInconsistency Code = "index_inconsistency"
	CodeGenerationFailure  Code = "generation_failure"
	CodeTimeout            Code = "timeout"
	CodeInvalidArgument    Code = "invalid_argument"
	CodeCancelled          Code = "cancelled"
	CodeInternal           Code = "internal"
)

// Sentinels matched by errors.Is through *Error.
var (
	ErrNotFound             = graph.ErrNotFound
	ErrEmbeddingUnavailable = embeddings.ErrEmbeddingUnavailable
	ErrIndexInconsistency   = retrieval.ErrIndexInconsistency
	ErrGenerationFailure    = llm.ErrGenerationFailed
	ErrTimeout              = errors.New("engine: timeout")
	ErrInvalidArgument      = errors.New("engine: invalid argument")
	ErrClosed               = errors.New("engine: closed")
)

// Error is returned by every Engine operation.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the code-only sentinels.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrTimeout:
		return e.Code == CodeTimeout
	case ErrInvalidArgument:
		return e.Code == CodeInvalidArgument
	}
	return false
}

// CodeOf returns the code of err, CodeInternal for foreign errors and ""
// for nil.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

func newError(code Code, msg string, err error) *Error {
	return &Error{Code: code, Message: msg, Err: err}
}

func invalid(format string, args ...any) *Error {
	return newError(CodeInvalidArgument, fmt.Sprintf(format, args...), nil)
}

// wrap classifies err into an *Error.
func wrap(msg string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	var qe *rag.QueryError
	if errors.As(err, &qe) {
		return newError(Code(qe.Reason), qe.Message, err)
	}
	var verr validator.ValidationErrors
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return newError(CodeTimeout, msg, err)
	case errors.Is(err, context.Canceled):
		return newError(CodeCancelled, msg, err)
	case errors.Is(err, graph.ErrNotFound):
		return newError(CodeNotFound, msg, err)
	case errors.Is(err, graph.ErrAlreadyExists),
		errors.Is(err, graph.ErrTypeMismatch),
		errors.Is(err, graph.ErrInvalidEdge),
		errors.As(err, &verr):
		return newError(CodeInvalidArgument, msg, err)
	case errors.Is(err, embeddings.ErrEmbeddingUnavailable):
		return newError(CodeEmbeddingFailure, msg, err)
	case errors.Is(err, retrieval.ErrIndexInconsistency):
		return newError(CodeIndexInconsistency, msg, err)
	case errors.Is(err, llm.ErrGenerationFailed):
		return newError(CodeGenerationFailure, msg, err)
	default:
		return newError(CodeInternal, msg, err)
	}
}
