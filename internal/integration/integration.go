// Package integration defines the contract every broker integration
// implements: a table of named action handlers and uniform response
// shaping shared by all of them.
package integration

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"
	"unicode"

	"github.com/Biometria-se/grizzly-sub007/internal/pkg/logger"
	"github.com/Biometria-se/grizzly-sub007/internal/protocol"
)

// ConfigurationError is a malformed request: missing context, unknown
// scheme, unsupported argument, or an illegal action payload.
type ConfigurationError struct {
	Message string
}

func (e *ConfigurationError) Error() string {
	return e.Message
}

// Errorf builds a ConfigurationError.
func Errorf(format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Message: fmt.Sprintf(format, args...)}
}

// Result is what an action handler produces; Handle merges it into the
// response envelope.
type Result struct {
	Message        string
	Payload        *string
	Metadata       map[string]any
	ResponseLength int

	// Action, when set, overrides the echoed request action. Used by
	// Service Bus DISCONNECT to keep the worker alive while other
	// senders or receivers remain.
	Action string
}

// Handler performs one named action.
type Handler func(ctx context.Context, req *protocol.Request) (*Result, error)

// HandlerTable is the declarative action registry embedded by every
// integration. First registration of a name wins.
type HandlerTable struct {
	handlers map[string]Handler
}

// Register installs a handler under one or more action names (aliases).
// Names that are already present are left untouched.
func (t *HandlerTable) Register(handler Handler, names ...string) {
	if t.handlers == nil {
		t.handlers = make(map[string]Handler)
	}
	for _, name := range names {
		if _, exists := t.handlers[name]; exists {
			continue
		}
		t.handlers[name] = handler
	}
}

// GetHandler returns the handler registered for an action, or nil.
func (t *HandlerTable) GetHandler(action string) Handler {
	return t.handlers[strings.ToUpper(action)]
}

// Integration is the per-worker object owning all broker state.
type Integration interface {
	// Handle dispatches one request and never returns an error: every
	// failure becomes a response with success=false.
	Handle(ctx context.Context, req *protocol.Request) *protocol.Response

	// Close releases all held broker resources.
	Close() error
}

// Handle is the shared dispatch used by all integrations: it measures
// wall time, resolves the handler, converts errors to failure responses
// and always stamps worker and response_time.
func Handle(ctx context.Context, table *HandlerTable, worker string, req *protocol.Request) *protocol.Response {
	started := time.Now()

	response := &protocol.Response{
		RequestID: req.RequestID,
		Worker:    worker,
		Action:    req.Action,
	}

	handler := table.GetHandler(req.Action)
	if handler == nil {
		response.Success = false
		response.Message = fmt.Sprintf("no implementation for %s", req.Action)
	} else if result, err := handler(ctx, req); err != nil {
		response.Success = false
		response.Message = fmt.Sprintf("%s: %s=%q", req.Action, errorName(err), err.Error())
		logger.Error("handler failed",
			"worker", worker,
			"request_id", req.RequestID,
			"action", req.Action,
			"error", err,
		)
	} else {
		response.Success = true
		response.Message = result.Message
		response.Payload = result.Payload
		response.Metadata = result.Metadata
		response.ResponseLength = result.ResponseLength
		if result.Action != "" {
			response.Action = result.Action
		}
	}

	response.ResponseTime = time.Since(started).Milliseconds()

	return response
}

// errorName gives the failure message a stable, human-readable error
// kind: the first exported type name in the unwrap chain. Anonymous
// wrappers like the fmt and errors internals are skipped so clients
// never see Go plumbing names.
func errorName(err error) string {
	var configuration *ConfigurationError
	if errors.As(err, &configuration) {
		return "ConfigurationError"
	}

	for e := err; e != nil; e = errors.Unwrap(e) {
		t := reflect.TypeOf(e)
		for t != nil && t.Kind() == reflect.Ptr {
			t = t.Elem()
		}
		if t == nil {
			continue
		}
		name := t.Name()
		if name != "" && unicode.IsUpper(rune(name[0])) {
			return name
		}
	}

	return "Error"
}
