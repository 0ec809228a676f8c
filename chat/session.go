// Package chat implements a streaming chat session: an observable
// conversation state machine fed by a remote completion endpoint.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/martinjo/ai/config"
	"github.com/martinjo/ai/proto"
	"github.com/martinjo/ai/registry"
)

// FinishMeta is the completion metadata handed to OnFinish.
type FinishMeta struct {
	Reason string
	Usage  proto.Usage
}

// ToolCaller handles a tool invocation requested by the model. Returning an
// empty result leaves the call unresolved; a resolved call is appended to
// the conversation as a tool message.
type ToolCaller func(ctx context.Context, call proto.ToolCall) (string, error)

// FormEvent is the minimal surface [Session.Submit] needs from a UI submit
// event.
type FormEvent interface {
	PreventDefault()
}

// SessionConfig represents the configuration for a [Session].
type SessionConfig struct {
	// ID identifies the session. A fresh id is generated when empty.
	ID string

	Client *Client

	// Registry rehydrates and persists the conversation across session
	// reconstructions. Optional.
	Registry registry.Registry

	InitialMessages []proto.Message
	InitialInput    string

	// SendExtraFields sends full messages instead of the minimal
	// role/content projection.
	SendExtraFields bool

	// OnResponse fires once per request leg as soon as headers are
	// available.
	OnResponse func(*http.Response)

	// OnFinish fires once per completed exchange.
	OnFinish func(proto.Message, FinishMeta)

	// OnError fires on exchange failure. Cancellation is not a failure.
	OnError func(error)

	// OnToolCall intercepts tool invocations client-side.
	OnToolCall ToolCaller
}

// Session owns one conversation and the at-most-one exchange in flight for
// it. All state lives in its [Store]; observers subscribe there. Store
// listeners are notified synchronously and must not call back into the
// session.
type Session struct {
	mu         sync.Mutex
	id         string
	config     SessionConfig
	client     *Client
	store      *Store
	generation uint64
	cancel     context.CancelFunc
}

// NewSession creates a session. If the config carries a registry holding a
// conversation for (endpoint, id), the session starts from it instead of
// InitialMessages.
func NewSession(config SessionConfig) *Session {
	id := config.ID
	if id == "" {
		id = uuid.NewString()
	}

	s := &Session{
		id:     id,
		config: config,
		client: config.Client,
		store:  NewStore(),
	}

	messages := slices.Clone(config.InitialMessages)
	if config.Registry != nil {
		if stored, err := config.Registry.Load(s.endpoint(), id); err == nil {
			messages = stored
		}
	}
	for i := range messages {
		if messages[i].ID == "" {
			messages[i].ID = uuid.NewString()
		}
	}
	s.store.Messages.Set(messages)
	s.store.Input.Set(config.InitialInput)
	return s
}

// NewSessionFromConfig creates a session wired from loaded library
// settings: the endpoint client, the extra-fields mode, and, when a data
// directory is configured, an on-disk registry rooted there. Close the
// session to release the registry.
func NewSessionFromConfig(cfg config.Config, id string) (*Session, error) {
	sessionConfig := SessionConfig{
		ID:              id,
		Client:          NewClientFromConfig(cfg),
		SendExtraFields: cfg.SendExtraFields,
	}
	if cfg.DataDir != "" {
		db, err := registry.Open(cfg.DataDir)
		if err != nil {
			return nil, err
		}
		sessionConfig.Registry = db
	}
	return NewSession(sessionConfig), nil
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Store returns the session's observable state.
func (s *Session) Store() *Store { return s.store }

// Append adds a message to the conversation and triggers an exchange with
// the updated history.
func (s *Session) Append(ctx context.Context, msg proto.Message, opts *RequestOptions) *Exchange {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	s.mu.Lock()
	messages := append(slices.Clone(s.store.Messages.Get()), msg)
	s.store.Messages.Set(messages)
	s.mu.Unlock()

	return s.start(ctx, opts)
}

// Reload regenerates the last assistant message: if the conversation ends
// in one it is dropped and the truncated history is resubmitted, otherwise
// the history is resubmitted unchanged.
func (s *Session) Reload(ctx context.Context, opts *RequestOptions) *Exchange {
	s.mu.Lock()
	messages := slices.Clone(s.store.Messages.Get())
	if n := len(messages); n > 0 && messages[n-1].Role == proto.RoleAssistant {
		messages = messages[:n-1]
		s.store.Messages.Set(messages)
	}
	s.mu.Unlock()

	return s.start(ctx, opts)
}

// Stop cancels the in-flight exchange, if any. Already-applied partial
// state is kept. Idempotent.
func (s *Session) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Close stops any in-flight exchange and releases the registry when it is
// closable, such as one opened by [NewSessionFromConfig].
func (s *Session) Close() error {
	s.Stop()
	if closer, ok := s.config.Registry.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// SetMessages replaces the conversation wholesale. It does not affect an
// in-flight exchange.
func (s *Session) SetMessages(messages []proto.Message) {
	s.mu.Lock()
	s.store.Messages.Set(slices.Clone(messages))
	s.mu.Unlock()
	s.persist()
}

// Submit reads the pending input and, when non-empty, appends it as a user
// message and clears the input.
func (s *Session) Submit(ctx context.Context, form FormEvent, opts *RequestOptions) *Exchange {
	if form != nil {
		form.PreventDefault()
	}
	text := s.store.Input.Get()
	if strings.TrimSpace(text) == "" {
		return nil
	}
	s.store.Input.Set("")
	return s.Append(ctx, proto.Message{
		Role:    proto.RoleUser,
		Content: text,
	}, opts)
}

// start begins a new exchange, superseding any in-flight one: the prior
// cancellation handle is invalidated and the generation is bumped so that
// late events from the old exchange are dropped instead of applied.
func (s *Session) start(ctx context.Context, opts *RequestOptions) *Exchange {
	ex := &Exchange{done: make(chan struct{})}

	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.generation++
	gen := s.generation
	exCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	snapshot := slices.Clone(s.store.Messages.Get())
	dataSnapshot := slices.Clone(s.store.Data.Get())
	s.store.Err.Set(nil)
	s.store.Loading.Set(true)
	s.mu.Unlock()

	go s.run(exCtx, gen, snapshot, dataSnapshot, opts, ex)
	return ex
}

func (s *Session) run(
	ctx context.Context,
	gen uint64,
	snapshot []proto.Message,
	dataSnapshot []json.RawMessage,
	opts *RequestOptions,
	ex *Exchange,
) {
	var red *reducer
	for {
		resp, dec, err := s.client.send(ctx, proto.Request{Messages: s.history()}, opts)
		if err != nil {
			s.settle(gen, snapshot, dataSnapshot, red, ex, err)
			return
		}
		if s.config.OnResponse != nil && s.current(gen) {
			s.config.OnResponse(resp)
		}

		red = newReducer(s.store)
		for {
			ev, err := dec.Next()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				_ = resp.Body.Close()
				s.settle(gen, snapshot, dataSnapshot, red, ex, err)
				return
			}
			s.mu.Lock()
			if gen != s.generation {
				s.mu.Unlock()
				_ = resp.Body.Close()
				ex.complete(proto.Message{}, nil)
				return
			}
			red.apply(ev)
			s.mu.Unlock()
		}
		_ = resp.Body.Close()

		msg, opened := red.message()
		if opened && len(msg.ToolCalls) > 0 && s.config.OnToolCall != nil {
			resolved, err := s.callTools(ctx, gen, msg.ToolCalls)
			if err != nil {
				s.settle(gen, snapshot, dataSnapshot, red, ex, err)
				return
			}
			if resolved == len(msg.ToolCalls) {
				// Every call produced a result; ask the model to continue.
				continue
			}
		}
		break
	}

	msg, opened := red.message()
	meta := red.meta()

	s.mu.Lock()
	current := gen == s.generation
	if current {
		s.cancel = nil
		s.store.Loading.Set(false)
	}
	s.mu.Unlock()

	if current {
		if s.config.OnFinish != nil && opened {
			s.config.OnFinish(msg, FinishMeta{Reason: meta.Reason, Usage: meta.Usage})
		}
		s.persist()
	}
	ex.complete(msg, nil)
}

// callTools runs the tool hook for each completed call and appends resolved
// results to the conversation.
func (s *Session) callTools(ctx context.Context, gen uint64, calls []proto.ToolCall) (int, error) {
	resolved := 0
	for _, call := range calls {
		content, err := s.config.OnToolCall(ctx, call)
		if err != nil {
			return resolved, &ToolExecutionError{Tool: call.Function.Name, Err: err}
		}
		if content == "" {
			continue
		}
		resolved++

		s.mu.Lock()
		if gen == s.generation {
			messages := append(slices.Clone(s.store.Messages.Get()), proto.Message{
				ID:         uuid.NewString(),
				Role:       proto.RoleTool,
				Content:    content,
				Name:       call.Function.Name,
				ToolCallID: call.ID,
				CreatedAt:  time.Now(),
			})
			s.store.Messages.Set(messages)
		}
		s.mu.Unlock()
	}
	return resolved, nil
}

// settle concludes a failed or aborted exchange. Aborts keep the applied
// partial state and surface no error; any other failure rolls the store
// back to the pre-exchange snapshot. The loading flag is always cleared for
// the current generation.
func (s *Session) settle(
	gen uint64,
	snapshot []proto.Message,
	dataSnapshot []json.RawMessage,
	red *reducer,
	ex *Exchange,
	err error,
) {
	abort := isAbort(err)

	s.mu.Lock()
	current := gen == s.generation
	if current {
		s.cancel = nil
		if !abort {
			s.store.Messages.Set(snapshot)
			s.store.Data.Set(dataSnapshot)
			s.store.Err.Set(err)
		}
		s.store.Loading.Set(false)
	}
	s.mu.Unlock()

	if current && !abort && s.config.OnError != nil {
		s.config.OnError(err)
	}

	var msg proto.Message
	if abort && red != nil {
		msg, _ = red.message()
	}
	if abort {
		err = nil
	}
	ex.complete(msg, err)
}

func (s *Session) current(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return gen == s.generation
}

// history projects the conversation for the outgoing request.
func (s *Session) history() []proto.Message {
	messages := s.store.Messages.Get()
	if s.config.SendExtraFields {
		return messages
	}
	return proto.Trim(messages)
}

func (s *Session) persist() {
	if s.config.Registry == nil {
		return
	}
	_ = s.config.Registry.Save(s.endpoint(), s.id, s.store.Messages.Get())
}

func (s *Session) endpoint() string {
	if s.client == nil {
		return ""
	}
	return s.client.config.Endpoint
}

// Exchange is the handle for one request/response cycle.
type Exchange struct {
	once sync.Once
	done chan struct{}
	msg  proto.Message
	err  error
}

// Wait blocks until the exchange concludes and returns the final assistant
// message, if any. Waiting on a nil exchange returns immediately.
func (e *Exchange) Wait(ctx context.Context) (proto.Message, error) {
	if e == nil {
		return proto.Message{}, nil
	}
	select {
	case <-ctx.Done():
		return proto.Message{}, ctx.Err()
	case <-e.done:
		return e.msg, e.err
	}
}

func (e *Exchange) complete(msg proto.Message, err error) {
	e.once.Do(func() {
		e.msg = msg
		e.err = err
		close(e.done)
	})
}
