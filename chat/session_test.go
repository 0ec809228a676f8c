package chat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/martinjo/ai/config"
	"github.com/martinjo/ai/proto"
	"github.com/martinjo/ai/registry"
	"github.com/martinjo/ai/stream"
)

type testForm struct {
	prevented bool
}

func (f *testForm) PreventDefault() { f.prevented = true }

func writePart(w http.ResponseWriter, part string) {
	_, _ = io.WriteString(w, part+"\n")
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

func newTestSession(t *testing.T, handler http.HandlerFunc, mutate func(*SessionConfig)) *Session {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	config := SessionConfig{Client: NewClient(DefaultClientConfig(srv.URL))}
	if mutate != nil {
		mutate(&config)
	}
	return NewSession(config)
}

func TestSessionAppend(t *testing.T) {
	var finished []FinishMeta
	session := newTestSession(t, func(w http.ResponseWriter, r *http.Request) {
		writePart(w, `0:"Hel"`)
		writePart(w, `0:"lo!"`)
		writePart(w, `d:{"finishReason":"stop","usage":{"promptTokens":10,"completionTokens":4}}`)
	}, func(config *SessionConfig) {
		config.OnFinish = func(_ proto.Message, meta FinishMeta) {
			finished = append(finished, meta)
		}
	})

	var mu sync.Mutex
	var loading []bool
	session.Store().Loading.Subscribe(func(value bool) {
		mu.Lock()
		loading = append(loading, value)
		mu.Unlock()
	})

	require.False(t, session.Store().Loading.Get())

	msg, err := session.Append(context.Background(), proto.Message{
		Role:    proto.RoleUser,
		Content: "Hi",
	}, nil).Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, "Hello!", msg.Content)

	messages := session.Store().Messages.Get()
	require.Len(t, messages, 2)
	require.Equal(t, proto.RoleUser, messages[0].Role)
	require.Equal(t, "Hi", messages[0].Content)
	require.NotEmpty(t, messages[0].ID)
	require.Equal(t, proto.RoleAssistant, messages[1].Role)
	require.Equal(t, "Hello!", messages[1].Content)

	require.NoError(t, session.Store().Err.Get())
	require.False(t, session.Store().Loading.Get())

	mu.Lock()
	require.Equal(t, []bool{true, false}, loading)
	mu.Unlock()

	require.Len(t, finished, 1)
	require.Equal(t, "stop", finished[0].Reason)
	require.EqualValues(t, 14, finished[0].Usage.TotalTokens)
}

func TestSessionParseErrorRollsBack(t *testing.T) {
	var onError []error
	session := newTestSession(t, func(w http.ResponseWriter, r *http.Request) {
		writePart(w, `0:"Hel"`)
		writePart(w, `2:[{"step":1}]`)
		writePart(w, `garbage`)
	}, func(config *SessionConfig) {
		config.OnError = func(err error) {
			onError = append(onError, err)
		}
	})

	user := proto.Message{
		ID:        "u1",
		Role:      proto.RoleUser,
		Content:   "Hi",
		CreatedAt: time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	_, err := session.Append(context.Background(), user, nil).Wait(context.Background())

	var parseErr *stream.ParseError
	require.ErrorAs(t, err, &parseErr)
	require.ErrorAs(t, session.Store().Err.Get(), &parseErr)
	require.Len(t, onError, 1)

	// The conversation and data are exactly the pre-exchange snapshot.
	require.Equal(t, []proto.Message{user}, session.Store().Messages.Get())
	require.Empty(t, session.Store().Data.Get())
	require.False(t, session.Store().Loading.Get())
}

func TestSessionStop(t *testing.T) {
	t.Run("idle is a no-op", func(t *testing.T) {
		session := newTestSession(t, func(w http.ResponseWriter, r *http.Request) {}, nil)
		session.Stop()
		session.Stop()
	})

	t.Run("keeps partial state without error", func(t *testing.T) {
		session := newTestSession(t, func(w http.ResponseWriter, r *http.Request) {
			writePart(w, `0:"par"`)
			<-r.Context().Done()
		}, nil)

		ex := session.Append(context.Background(), proto.Message{
			Role:    proto.RoleUser,
			Content: "Hi",
		}, nil)

		require.Eventually(t, func() bool {
			messages := session.Store().Messages.Get()
			return len(messages) == 2 && messages[1].Content == "par"
		}, 5*time.Second, 10*time.Millisecond)

		session.Stop()

		msg, err := ex.Wait(context.Background())
		require.NoError(t, err)
		require.Equal(t, "par", msg.Content)

		messages := session.Store().Messages.Get()
		require.Len(t, messages, 2)
		require.Equal(t, "par", messages[1].Content)
		require.NoError(t, session.Store().Err.Get())
		require.False(t, session.Store().Loading.Get())
	})
}

func TestSessionSupersede(t *testing.T) {
	var leg atomic.Int32
	release := make(chan struct{})
	session := newTestSession(t, func(w http.ResponseWriter, r *http.Request) {
		if leg.Add(1) == 1 {
			writePart(w, `0:"from A"`)
			<-release
			writePart(w, `0:" LATE"`)
			writePart(w, `d:{"finishReason":"stop","usage":{}}`)
			return
		}
		writePart(w, `0:"from B"`)
		writePart(w, `d:{"finishReason":"stop","usage":{}}`)
	}, nil)

	exA := session.Append(context.Background(), proto.Message{
		Role:    proto.RoleUser,
		Content: "Hi",
	}, nil)

	require.Eventually(t, func() bool {
		messages := session.Store().Messages.Get()
		return len(messages) == 2 && messages[1].Content == "from A"
	}, 5*time.Second, 10*time.Millisecond)

	exB := session.Append(context.Background(), proto.Message{
		Role:    proto.RoleUser,
		Content: "again",
	}, nil)

	msg, err := exB.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, "from B", msg.Content)

	close(release)
	_, _ = exA.Wait(context.Background())

	messages := session.Store().Messages.Get()
	require.Len(t, messages, 4)
	require.Equal(t, "Hi", messages[0].Content)
	require.Equal(t, "from A", messages[1].Content)
	require.Equal(t, "again", messages[2].Content)
	require.Equal(t, "from B", messages[3].Content)
	require.NoError(t, session.Store().Err.Get())
	require.False(t, session.Store().Loading.Get())
}

func TestSessionReload(t *testing.T) {
	var sent atomic.Int32
	handler := func(w http.ResponseWriter, r *http.Request) {
		var req proto.Request
		payload, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(payload, &req)
		sent.Store(int32(len(req.Messages)))
		writePart(w, `0:"regenerated"`)
		writePart(w, `d:{"finishReason":"stop","usage":{}}`)
	}

	t.Run("drops trailing assistant message", func(t *testing.T) {
		session := newTestSession(t, handler, nil)
		session.SetMessages([]proto.Message{
			{ID: "u1", Role: proto.RoleUser, Content: "Hi"},
			{ID: "a1", Role: proto.RoleAssistant, Content: "old answer"},
		})

		msg, err := session.Reload(context.Background(), nil).Wait(context.Background())
		require.NoError(t, err)
		require.Equal(t, "regenerated", msg.Content)
		require.EqualValues(t, 1, sent.Load())

		messages := session.Store().Messages.Get()
		require.Len(t, messages, 2)
		require.Equal(t, "Hi", messages[0].Content)
		require.Equal(t, "regenerated", messages[1].Content)
	})

	t.Run("resubmits unchanged after user message", func(t *testing.T) {
		session := newTestSession(t, handler, nil)
		session.SetMessages([]proto.Message{
			{ID: "u1", Role: proto.RoleUser, Content: "Hi"},
		})

		_, err := session.Reload(context.Background(), nil).Wait(context.Background())
		require.NoError(t, err)
		require.EqualValues(t, 1, sent.Load())

		messages := session.Store().Messages.Get()
		require.Len(t, messages, 2)
		require.Equal(t, "Hi", messages[0].Content)
	})
}

func TestSessionSubmit(t *testing.T) {
	var requests atomic.Int32
	session := newTestSession(t, func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		writePart(w, `0:"sure"`)
		writePart(w, `d:{"finishReason":"stop","usage":{}}`)
	}, nil)

	t.Run("appends pending input", func(t *testing.T) {
		session.Store().Input.Set("Hi there")
		form := &testForm{}

		msg, err := session.Submit(context.Background(), form, nil).Wait(context.Background())
		require.NoError(t, err)
		require.True(t, form.prevented)
		require.Equal(t, "sure", msg.Content)
		require.Empty(t, session.Store().Input.Get())

		messages := session.Store().Messages.Get()
		require.Len(t, messages, 2)
		require.Equal(t, "Hi there", messages[0].Content)
	})

	t.Run("blank input is a no-op", func(t *testing.T) {
		before := requests.Load()
		session.Store().Input.Set("   ")

		ex := session.Submit(context.Background(), &testForm{}, nil)
		require.Nil(t, ex)

		_, err := ex.Wait(context.Background())
		require.NoError(t, err)
		require.Equal(t, before, requests.Load())
	})
}

func TestSessionRegistry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writePart(w, `0:"Hello again!"`)
		writePart(w, `d:{"finishReason":"stop","usage":{}}`)
	}))
	t.Cleanup(srv.Close)

	reg := registry.NewMemory()
	seed := []proto.Message{
		{ID: "u1", Role: proto.RoleUser, Content: "earlier"},
	}
	require.NoError(t, reg.Save(srv.URL, "sess-1", seed))

	session := NewSession(SessionConfig{
		ID:       "sess-1",
		Client:   NewClient(DefaultClientConfig(srv.URL)),
		Registry: reg,
	})
	require.Equal(t, seed, session.Store().Messages.Get())

	_, err := session.Append(context.Background(), proto.Message{
		Role:    proto.RoleUser,
		Content: "Hi",
	}, nil).Wait(context.Background())
	require.NoError(t, err)

	stored, err := reg.Load(srv.URL, "sess-1")
	require.NoError(t, err)
	require.Len(t, stored, 3)
	require.Equal(t, "Hello again!", stored[2].Content)
}

func TestSessionFromConfig(t *testing.T) {
	var mu sync.Mutex
	var bodies [][]byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		payload, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, payload)
		mu.Unlock()
		writePart(w, `0:"pong"`)
		writePart(w, `d:{"finishReason":"stop","usage":{}}`)
	}))
	t.Cleanup(srv.Close)

	cfg := config.Default()
	cfg.Endpoint = srv.URL
	cfg.DataDir = t.TempDir()
	cfg.SendExtraFields = true

	session, err := NewSessionFromConfig(cfg, "sess-cfg")
	require.NoError(t, err)

	_, err = session.Append(context.Background(), proto.Message{
		Role:    proto.RoleUser,
		Content: "ping",
	}, nil).Wait(context.Background())
	require.NoError(t, err)
	require.NoError(t, session.Close())

	// Extra fields ride along when configured to.
	mu.Lock()
	require.Len(t, bodies, 1)
	var req struct {
		Messages []map[string]any `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(bodies[0], &req))
	mu.Unlock()
	require.Len(t, req.Messages, 1)
	require.NotEmpty(t, req.Messages[0]["id"])

	// A second session over the same data dir rehydrates the conversation.
	reopened, err := NewSessionFromConfig(cfg, "sess-cfg")
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })

	messages := reopened.Store().Messages.Get()
	require.Len(t, messages, 2)
	require.Equal(t, "pong", messages[1].Content)
}

func TestSessionToolCalls(t *testing.T) {
	var leg atomic.Int32
	handler := func(w http.ResponseWriter, r *http.Request) {
		if leg.Add(1) == 1 {
			writePart(w, `b:{"toolCallId":"call_1","toolName":"get_time"}`)
			writePart(w, `c:{"toolCallId":"call_1","argsTextDelta":"{}"}`)
			writePart(w, `d:{"finishReason":"tool_calls","usage":{}}`)
			return
		}
		writePart(w, `0:"It is noon."`)
		writePart(w, `d:{"finishReason":"stop","usage":{}}`)
	}

	t.Run("resolved calls trigger a follow-up", func(t *testing.T) {
		var finishes atomic.Int32
		var calledTool atomic.Pointer[string]
		session := newTestSession(t, handler, func(config *SessionConfig) {
			config.OnToolCall = func(_ context.Context, call proto.ToolCall) (string, error) {
				calledTool.Store(&call.Function.Name)
				return "12:00", nil
			}
			config.OnFinish = func(proto.Message, FinishMeta) {
				finishes.Add(1)
			}
		})

		msg, err := session.Append(context.Background(), proto.Message{
			Role:    proto.RoleUser,
			Content: "what time is it?",
		}, nil).Wait(context.Background())
		require.NoError(t, err)
		require.Equal(t, "It is noon.", msg.Content)

		messages := session.Store().Messages.Get()
		require.Len(t, messages, 4)
		require.Equal(t, proto.RoleAssistant, messages[1].Role)
		require.Equal(t, "call_1", messages[1].ToolCalls[0].ID)
		require.Equal(t, proto.RoleTool, messages[2].Role)
		require.Equal(t, "12:00", messages[2].Content)
		require.Equal(t, "call_1", messages[2].ToolCallID)
		require.Equal(t, "It is noon.", messages[3].Content)
		require.Equal(t, "get_time", *calledTool.Load())
		require.EqualValues(t, 1, finishes.Load())
	})

	t.Run("follow-up request carries tool linkage", func(t *testing.T) {
		var mu sync.Mutex
		var bodies [][]byte
		session := newTestSession(t, func(w http.ResponseWriter, r *http.Request) {
			payload, _ := io.ReadAll(r.Body)
			mu.Lock()
			bodies = append(bodies, payload)
			count := len(bodies)
			mu.Unlock()

			if count == 1 {
				writePart(w, `b:{"toolCallId":"call_1","toolName":"get_time"}`)
				writePart(w, `c:{"toolCallId":"call_1","argsTextDelta":"{}"}`)
				writePart(w, `d:{"finishReason":"tool_calls","usage":{}}`)
				return
			}
			writePart(w, `0:"It is noon."`)
			writePart(w, `d:{"finishReason":"stop","usage":{}}`)
		}, func(config *SessionConfig) {
			config.OnToolCall = func(context.Context, proto.ToolCall) (string, error) {
				return "12:00", nil
			}
		})

		_, err := session.Append(context.Background(), proto.Message{
			Role:    proto.RoleUser,
			Content: "what time is it?",
		}, nil).Wait(context.Background())
		require.NoError(t, err)

		mu.Lock()
		defer mu.Unlock()
		require.Len(t, bodies, 2)

		// Even without the extra fields, the follow-up leg keeps the
		// call/result linkage the endpoint needs to pair them up.
		var req proto.Request
		require.NoError(t, json.Unmarshal(bodies[1], &req))
		require.Len(t, req.Messages, 3)

		assistant := req.Messages[1]
		require.Equal(t, proto.RoleAssistant, assistant.Role)
		require.Len(t, assistant.ToolCalls, 1)
		require.Equal(t, "call_1", assistant.ToolCalls[0].ID)
		require.Equal(t, "get_time", assistant.ToolCalls[0].Function.Name)

		tool := req.Messages[2]
		require.Equal(t, proto.RoleTool, tool.Role)
		require.Equal(t, "call_1", tool.ToolCallID)
		require.Equal(t, "get_time", tool.Name)
		require.Equal(t, "12:00", tool.Content)
		require.Empty(t, tool.ID)
	})

	t.Run("unresolved calls conclude the exchange", func(t *testing.T) {
		leg.Store(0)
		session := newTestSession(t, handler, func(config *SessionConfig) {
			config.OnToolCall = func(context.Context, proto.ToolCall) (string, error) {
				return "", nil
			}
		})

		_, err := session.Append(context.Background(), proto.Message{
			Role:    proto.RoleUser,
			Content: "what time is it?",
		}, nil).Wait(context.Background())
		require.NoError(t, err)

		// No tool message and no follow-up leg.
		messages := session.Store().Messages.Get()
		require.Len(t, messages, 2)
		require.Equal(t, "call_1", messages[1].ToolCalls[0].ID)
		require.EqualValues(t, 1, leg.Load())
	})

	t.Run("hook failure rolls back", func(t *testing.T) {
		leg.Store(0)
		session := newTestSession(t, handler, func(config *SessionConfig) {
			config.OnToolCall = func(context.Context, proto.ToolCall) (string, error) {
				return "", errors.New("clock is broken")
			}
		})

		user := proto.Message{
			ID:        "u1",
			Role:      proto.RoleUser,
			Content:   "what time is it?",
			CreatedAt: time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
		}
		_, err := session.Append(context.Background(), user, nil).Wait(context.Background())

		var toolErr *ToolExecutionError
		require.ErrorAs(t, err, &toolErr)
		require.Equal(t, "get_time", toolErr.Tool)
		require.Equal(t, []proto.Message{user}, session.Store().Messages.Get())
	})
}
