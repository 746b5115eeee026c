// Package capability defines the closed set of named operations an agent
// may invoke, their input schemas and their dispatch.
package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/ShayCichocki/daybreak/pkg/models"
)

// RegistryVersion identifies the capability set published to engines.
const RegistryVersion = "1"

// Spec is the engine-facing description of a capability.
type Spec struct {
	Name        string
	Description string
	// Properties is the JSON-schema "properties" object of the input.
	Properties map[string]any
	Required   []string
}

// JSONSchema returns the full input schema as an object schema.
func (s Spec) JSONSchema() map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": s.Properties,
	}
	if len(s.Required) > 0 {
		schema["required"] = s.Required
	}
	return schema
}

// Scope is the explicit context every invocation runs in.
type Scope struct {
	RunID   string
	UserID  string
	AgentID string
	// TaskID, when set, restricts task mutations to this one task.
	TaskID   string
	Deadline time.Time
	// MaxCreates limits create_task calls. Zero means no limit.
	MaxCreates int
	Now        func() time.Time
	Logger     *slog.Logger

	mu      sync.Mutex
	created []string
}

func (s *Scope) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Scope) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// reserveCreate records a created task id, failing once the limit is hit.
func (s *Scope) reserveCreate(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.MaxCreates > 0 && len(s.created) >= s.MaxCreates {
		return false
	}
	s.created = append(s.created, id)
	return true
}

func (s *Scope) releaseCreate(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, c := range s.created {
		if c == id {
			s.created = append(s.created[:i], s.created[i+1:]...)
			return
		}
	}
}

// Created returns the ids of tasks created through this scope.
func (s *Scope) Created() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.created...)
}

// Error reports an unknown capability or an invalid invocation.
type Error struct {
	Capability string
	Reason     string
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("capability %s: %s", e.Capability, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is makes every capability Error match models.ErrCapability.
func (e *Error) Is(target error) bool { return target == models.ErrCapability }

// Handler executes a validated invocation and returns the result content.
type Handler func(ctx context.Context, scope *Scope, input json.RawMessage) (string, error)

// Capability couples a Spec with its handler.
type Capability struct {
	Spec    Spec
	Handler Handler
}

// Observer is notified after every invocation.
type Observer func(name string, err error)

// Registry is a closed lookup table of capabilities.
type Registry struct {
	caps     map[string]Capability
	observer Observer
}

// NewRegistry builds a registry from the given capabilities.
// Duplicate names are a programming error and panic.
func NewRegistry(caps ...Capability) *Registry {
	r := &Registry{caps: make(map[string]Capability, len(caps))}
	for _, c := range caps {
		if _, dup := r.caps[c.Spec.Name]; dup {
			panic("capability: duplicate registration of " + c.Spec.Name)
		}
		r.caps[c.Spec.Name] = c
	}
	return r
}

// SetObserver installs a hook called after each invocation.
func (r *Registry) SetObserver(o Observer) {
	r.observer = o
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.caps[name]
	return ok
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.caps))
	for n := range r.caps {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Specs returns the specs of every registered capability, sorted by name.
func (r *Registry) Specs() []Spec {
	specs := make([]Spec, 0, len(r.caps))
	for _, n := range r.Names() {
		specs = append(specs, r.caps[n].Spec)
	}
	return specs
}

// Subset returns a registry holding only the named capabilities. Names
// not registered here are skipped, so optional capabilities can be listed
// unconditionally.
func (r *Registry) Subset(names ...string) *Registry {
	sub := &Registry{caps: make(map[string]Capability, len(names)), observer: r.observer}
	for _, n := range names {
		if c, ok := r.caps[n]; ok {
			sub.caps[n] = c
		}
	}
	return sub
}

// Invoke dispatches a capability request.
func (r *Registry) Invoke(ctx context.Context, scope *Scope, name string, input json.RawMessage) (string, error) {
	c, ok := r.caps[name]
	if !ok {
		err := &Error{Capability: name, Reason: "unknown capability"}
		r.observe(name, err)
		return "", err
	}
	if scope == nil {
		scope = &Scope{}
	}
	out, err := c.Handler(ctx, scope, input)
	if err != nil {
		var ce *Error
		if !errors.As(err, &ce) {
			err = &Error{Capability: name, Reason: "failed", Err: err}
		}
	}
	r.observe(name, err)
	return out, err
}

func (r *Registry) observe(name string, err error) {
	if r.observer != nil {
		r.observer(name, err)
	}
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func inputValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

// decode parses raw into T, rejecting unknown fields, and validates it
// against T's struct tags.
func decode[T any](name string, raw json.RawMessage) (T, error) {
	var v T
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		trimmed = []byte("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		return v, &Error{Capability: name, Reason: "invalid input", Err: err}
	}
	if err := inputValidator().Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return v, &Error{Capability: name, Reason: "invalid input", Err: describe(verrs)}
		}
		return v, &Error{Capability: name, Reason: "invalid input", Err: err}
	}
	return v, nil
}

func describe(verrs validator.ValidationErrors) error {
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fmt.Sprintf("%s is required", fe.Field()))
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of [%s]", fe.Field(), fe.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		}
	}
	return errors.New(strings.Join(msgs, "; "))
}

func marshal(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
