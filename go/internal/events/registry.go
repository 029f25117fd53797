package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"google.golang.org/protobuf/proto"
)

// HandlerFunc handles one decoded event. Handlers must be idempotent: delivery
// is at-least-once.
type HandlerFunc[T any] func(ctx context.Context, payload T, md Metadata) Result

type decodeFunc func(data []byte) (any, error)

type dispatchFunc func(ctx context.Context, payload any, md Metadata) Result

// Binding ties an event name to its payload decoder and, optionally, a handler.
type Binding struct {
	Name     string
	decode   decodeFunc
	dispatch dispatchFunc
}

// Decode turns raw payload bytes into the registered payload type.
func (b *Binding) Decode(data []byte) (any, error) {
	v, err := b.decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w %s: %v", ErrDecodePayload, b.Name, err)
	}
	return v, nil
}

// HasHandler is false for types registered only so they can be published.
func (b *Binding) HasHandler() bool {
	return b.dispatch != nil
}

// Dispatch invokes the handler. A binding without a handler skips the event.
func (b *Binding) Dispatch(ctx context.Context, payload any, md Metadata) Result {
	if b.dispatch == nil {
		return Skip()
	}
	return b.dispatch(ctx, payload, md)
}

// Registry maps event names to bindings. It is the type-name mapper used by both
// the outbox drain loop and the stream consumer.
type Registry struct {
	mu       sync.RWMutex
	bindings map[string]*Binding
}

func NewRegistry() *Registry {
	return &Registry{bindings: make(map[string]*Binding)}
}

// Lookup resolves an event name.
func (r *Registry) Lookup(name string) (*Binding, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bindings[name]
	return b, ok
}

// Decode resolves and decodes in one step.
func (r *Registry) Decode(name string, data []byte) (any, error) {
	b, ok := r.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, name)
	}
	return b.Decode(data)
}

// Names returns the registered event names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.bindings))
	for name := range r.bindings {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) add(b *Binding) error {
	if b.Name == "" {
		return ErrEmptyEventName
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.bindings[b.Name]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateHandler, b.Name)
	}
	r.bindings[b.Name] = b
	return nil
}

func jsonDecoder[T any]() decodeFunc {
	return func(data []byte) (any, error) {
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, err
		}
		return v, nil
	}
}

func protoDecoder[T proto.Message]() decodeFunc {
	return func(data []byte) (any, error) {
		var zero T
		msg := zero.ProtoReflect().Type().New().Interface().(T)
		if err := proto.Unmarshal(data, msg); err != nil {
			return nil, err
		}
		return msg, nil
	}
}

func typedDispatch[T any](h HandlerFunc[T]) dispatchFunc {
	return func(ctx context.Context, payload any, md Metadata) Result {
		v, ok := payload.(T)
		if !ok {
			return DeadLetter(ReasonDeserializationFailed)
		}
		return h(ctx, v, md)
	}
}

// Register makes a JSON payload type known without attaching a handler.
func Register[T any](r *Registry, name string) error {
	return r.add(&Binding{Name: name, decode: jsonDecoder[T]()})
}

// Handle registers a JSON payload type together with its handler.
func Handle[T any](r *Registry, name string, h HandlerFunc[T]) error {
	if h == nil {
		return ErrNilHandler
	}
	return r.add(&Binding{Name: name, decode: jsonDecoder[T](), dispatch: typedDispatch(h)})
}

// RegisterProto makes a protobuf payload type known without attaching a handler.
func RegisterProto[T proto.Message](r *Registry, name string) error {
	return r.add(&Binding{Name: name, decode: protoDecoder[T]()})
}

// HandleProto registers a protobuf payload type together with its handler.
func HandleProto[T proto.Message](r *Registry, name string, h HandlerFunc[T]) error {
	if h == nil {
		return ErrNilHandler
	}
	return r.add(&Binding{Name: name, decode: protoDecoder[T](), dispatch: typedDispatch(h)})
}
