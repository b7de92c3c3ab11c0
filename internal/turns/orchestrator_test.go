package turns

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/ent0n29/carevoice/internal/brain"
	"github.com/ent0n29/carevoice/internal/fault"
	"github.com/ent0n29/carevoice/internal/memory"
	"github.com/ent0n29/carevoice/internal/observability"
	"github.com/ent0n29/carevoice/internal/session"
	"github.com/ent0n29/carevoice/internal/voice"
)

type gatewayFunc func(ctx context.Context, req brain.Request) (brain.Response, error)

func (f gatewayFunc) Generate(ctx context.Context, req brain.Request) (brain.Response, error) {
	return f(ctx, req)
}

func replyMessage(content string) brain.Message {
	return brain.Message{
		Role:            "assistant",
		Content:         content,
		Usage:           &brain.TokenUsage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5},
		FinishReason:    "stop",
		HasFinishReason: true,
	}
}

// echoGateway replies with the newest user text.
func echoGateway() gatewayFunc {
	return func(_ context.Context, req brain.Request) (brain.Response, error) {
		return brain.Response{Messages: []brain.Message{
			{Role: "user", Content: req.LastUserText()},
			replyMessage("re: " + req.LastUserText()),
		}}, nil
	}
}

type harness struct {
	orch     *Orchestrator
	store    *memory.InMemoryStore
	sessions *session.Manager
}

func newHarness(t *testing.T, gw brain.Gateway, policy session.BusyPolicy, cfg Config) *harness {
	t.Helper()
	store := memory.NewInMemoryStore(0, 0)
	sessions := session.NewManager(time.Hour, policy)
	orch, err := NewOrchestrator(Deps{Store: store, Brain: gw, Sessions: sessions}, cfg)
	require.NoError(t, err)
	return &harness{orch: orch, store: store, sessions: sessions}
}

func strPtr(s string) *string { return &s }

func TestHandleUserTurnStoresBothTurns(t *testing.T) {
	h := newHarness(t, echoGateway(), session.BusyQueue, Config{})
	ctx := context.Background()

	reply, err := h.orch.HandleUserTurn(ctx, "abc", strPtr("I feel dizzy"))
	require.NoError(t, err)
	assert.Equal(t, "re: I feel dizzy", reply.Content)
	assert.False(t, reply.Missing)
	assert.NotEmpty(t, reply.TurnID)

	turns, err := h.store.History(ctx, "abc")
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, memory.RoleUser, turns[0].Role)
	assert.Equal(t, reply.TurnID, turns[0].ID)
	assert.Equal(t, memory.RoleAssistant, turns[1].Role)
	assert.Equal(t, "re: I feel dizzy", turns[1].Content)
}

func TestGatewaySeesFullHistoryAndSessionKey(t *testing.T) {
	var got []brain.Request
	gw := gatewayFunc(func(ctx context.Context, req brain.Request) (brain.Response, error) {
		got = append(got, req)
		return brain.Response{Messages: []brain.Message{replyMessage("ok")}}, nil
	})
	h := newHarness(t, gw, session.BusyQueue, Config{})
	ctx := context.Background()

	_, err := h.orch.HandleUserTurn(ctx, "thread-1", strPtr("first"))
	require.NoError(t, err)
	_, err = h.orch.HandleUserTurn(ctx, "thread-1", strPtr("second"))
	require.NoError(t, err)

	require.Len(t, got, 2)
	assert.Equal(t, "thread-1", got[1].SessionKey)
	require.Len(t, got[1].History, 3)
	assert.Equal(t, "first", got[1].History[0].Content)
	assert.Equal(t, "ok", got[1].History[1].Content)
	assert.Equal(t, "second", got[1].History[2].Content)
}

func TestMissingSessionIDDoesNotMutate(t *testing.T) {
	var calls int32
	gw := gatewayFunc(func(ctx context.Context, req brain.Request) (brain.Response, error) {
		atomic.AddInt32(&calls, 1)
		return brain.Response{}, nil
	})
	h := newHarness(t, gw, session.BusyQueue, Config{})

	for _, id := range []string{"", "   "} {
		_, err := h.orch.HandleUserTurn(context.Background(), id, strPtr("hello"))
		if got := fault.KindOf(err); got != fault.MissingSessionID {
			t.Fatalf("KindOf(HandleUserTurn(%q)) = %v, want %v", id, got, fault.MissingSessionID)
		}
	}
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
	assert.Equal(t, 0, h.store.Len())
	assert.Equal(t, 0, h.sessions.ActiveCount())
}

func TestInvalidSessionID(t *testing.T) {
	h := newHarness(t, echoGateway(), session.BusyQueue, Config{})
	_, err := h.orch.HandleUserTurn(context.Background(), "bad\nid", strPtr("hello"))
	if got := fault.KindOf(err); got != fault.InvalidSession {
		t.Fatalf("KindOf(err) = %v, want %v", got, fault.InvalidSession)
	}
	assert.Equal(t, 0, h.store.Len())
}

func TestEmptyAndAbsentMessageDiffer(t *testing.T) {
	var seen []string
	gw := gatewayFunc(func(ctx context.Context, req brain.Request) (brain.Response, error) {
		seen = append(seen, req.LastUserText())
		return brain.Response{Messages: []brain.Message{replyMessage("ok")}}, nil
	})
	h := newHarness(t, gw, session.BusyQueue, Config{})
	ctx := context.Background()

	_, err := h.orch.HandleUserTurn(ctx, "a", nil)
	require.NoError(t, err)
	_, err = h.orch.HandleUserTurn(ctx, "b", strPtr(""))
	require.NoError(t, err)

	require.Equal(t, []string{DefaultFallbackMessage, ""}, seen)

	turns, err := h.store.History(ctx, "b")
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "", turns[0].Content)
}

func TestConfiguredFallbackMessage(t *testing.T) {
	h := newHarness(t, echoGateway(), session.BusyQueue, Config{FallbackMessage: "How can you help me?"})
	reply, err := h.orch.HandleUserTurn(context.Background(), "abc", nil)
	require.NoError(t, err)
	assert.Equal(t, "re: How can you help me?", reply.Content)
}

func TestContextPrefixStripping(t *testing.T) {
	prefixes := normalizePrefixes([]string{"Context: ", "Context: patient says ", "", "Context: "})
	require.Equal(t, []string{"Context: patient says ", "Context: "}, prefixes)

	cases := []struct {
		in   string
		want string
	}{
		{"Context: patient says my knee hurts", "my knee hurts"},
		{"Context: my knee hurts", "my knee hurts"},
		{"Context: Context: twice", "Context: twice"},
		{"context: lower case", "context: lower case"},
		{"Contextual question", "Contextual question"},
		{"no prefix", "no prefix"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := StripContextPrefix(tc.in, prefixes); got != tc.want {
			t.Fatalf("StripContextPrefix(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestUserTurnIsStoredWithoutPrefix(t *testing.T) {
	h := newHarness(t, echoGateway(), session.BusyQueue, Config{ContextPrefixes: []string{"Context: "}})
	ctx := context.Background()
	_, err := h.orch.HandleUserTurn(ctx, "abc", strPtr("Context: what is a fever?"))
	require.NoError(t, err)

	turns, err := h.store.History(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, "what is a fever?", turns[0].Content)
}

func TestGenerationFailureLeavesUnansweredUserTurn(t *testing.T) {
	gw := gatewayFunc(func(ctx context.Context, req brain.Request) (brain.Response, error) {
		return brain.Response{}, errors.New("upstream exploded")
	})
	h := newHarness(t, gw, session.BusyQueue, Config{})
	ctx := context.Background()

	_, err := h.orch.HandleUserTurn(ctx, "abc", strPtr("hello"))
	if got := fault.KindOf(err); got != fault.GenerationFailed {
		t.Fatalf("KindOf(err) = %v, want %v", got, fault.GenerationFailed)
	}

	turns, err := h.store.History(ctx, "abc")
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, memory.RoleUser, turns[0].Role)
	assert.False(t, h.sessions.Busy("abc"))
}

func TestGenerationTimeoutIsGenerationFailed(t *testing.T) {
	gw := gatewayFunc(func(ctx context.Context, req brain.Request) (brain.Response, error) {
		<-ctx.Done()
		return brain.Response{}, ctx.Err()
	})
	h := newHarness(t, gw, session.BusyQueue, Config{GenerationTimeout: 20 * time.Millisecond})

	_, err := h.orch.HandleUserTurn(context.Background(), "abc", strPtr("hello"))
	if got := fault.KindOf(err); got != fault.GenerationFailed {
		t.Fatalf("KindOf(err) = %v, want %v", got, fault.GenerationFailed)
	}
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNoReplyIsMissingNotPlaceholder(t *testing.T) {
	gw := gatewayFunc(func(ctx context.Context, req brain.Request) (brain.Response, error) {
		return brain.Response{Messages: []brain.Message{
			{Role: "user", Content: req.LastUserText()},
			{Role: "assistant", Content: "partial", FinishReason: "stop", HasFinishReason: true},
		}}, nil
	})
	h := newHarness(t, gw, session.BusyQueue, Config{})
	ctx := context.Background()

	reply, err := h.orch.HandleUserTurn(ctx, "abc", strPtr("hello"))
	require.NoError(t, err)
	assert.True(t, reply.Missing)
	assert.Empty(t, reply.Content)

	turns, err := h.store.History(ctx, "abc")
	require.NoError(t, err)
	assert.Len(t, turns, 1)
}

func TestExtractsFourthFromLast(t *testing.T) {
	gw := gatewayFunc(func(ctx context.Context, req brain.Request) (brain.Response, error) {
		return brain.Response{Messages: []brain.Message{
			{Role: "user", Content: "hi"},
			replyMessage("the answer"),
			{Role: "tool", Content: "a", HasFinishReason: true},
			{Role: "tool", Content: "b", Usage: &brain.TokenUsage{TotalTokens: 1}},
			{Role: "tool", Content: "c"},
		}}, nil
	})
	h := newHarness(t, gw, session.BusyQueue, Config{})
	reply, err := h.orch.HandleUserTurn(context.Background(), "abc", strPtr("hi"))
	require.NoError(t, err)
	assert.Equal(t, "the answer", reply.Content)
}

func TestBusyRejectPolicy(t *testing.T) {
	entered := make(chan struct{})
	unblock := make(chan struct{})
	gw := gatewayFunc(func(ctx context.Context, req brain.Request) (brain.Response, error) {
		close(entered)
		<-unblock
		return brain.Response{Messages: []brain.Message{replyMessage("done")}}, nil
	})
	h := newHarness(t, gw, session.BusyReject, Config{})
	ctx := context.Background()

	errCh := make(chan error, 1)
	go func() {
		_, err := h.orch.HandleUserTurn(ctx, "abc", strPtr("first"))
		errCh <- err
	}()
	<-entered

	_, err := h.orch.HandleUserTurn(ctx, "abc", strPtr("second"))
	if got := fault.KindOf(err); got != fault.SessionBusy {
		t.Fatalf("KindOf(err) = %v, want %v", got, fault.SessionBusy)
	}

	// Other sessions are unaffected.
	other := newHarness(t, echoGateway(), session.BusyReject, Config{})
	_, err = other.orch.HandleUserTurn(ctx, "xyz", strPtr("parallel"))
	require.NoError(t, err)

	close(unblock)
	require.NoError(t, <-errCh)

	turns, err := h.store.History(ctx, "abc")
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "first", turns[0].Content)
}

func TestBusyQueueSerializesSameSession(t *testing.T) {
	var inFlight, maxInFlight int32
	gw := gatewayFunc(func(ctx context.Context, req brain.Request) (brain.Response, error) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			m := atomic.LoadInt32(&maxInFlight)
			if n <= m || atomic.CompareAndSwapInt32(&maxInFlight, m, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return brain.Response{Messages: []brain.Message{replyMessage("re: " + req.LastUserText())}}, nil
	})
	h := newHarness(t, gw, session.BusyQueue, Config{})
	ctx := context.Background()

	const n = 12
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.orch.HandleUserTurn(ctx, "shared", strPtr(fmt.Sprintf("msg %d", i)))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&maxInFlight))
	turns, err := h.store.History(ctx, "shared")
	require.NoError(t, err)
	require.Len(t, turns, 2*n)
	for i := 0; i < len(turns); i += 2 {
		assert.Equal(t, memory.RoleUser, turns[i].Role)
		assert.Equal(t, memory.RoleAssistant, turns[i+1].Role)
		assert.Equal(t, "re: "+turns[i].Content, turns[i+1].Content)
	}
}

func TestQueuedTurnGivesUpWithContext(t *testing.T) {
	entered := make(chan struct{})
	unblock := make(chan struct{})
	gw := gatewayFunc(func(ctx context.Context, req brain.Request) (brain.Response, error) {
		close(entered)
		<-unblock
		return brain.Response{Messages: []brain.Message{replyMessage("done")}}, nil
	})
	h := newHarness(t, gw, session.BusyQueue, Config{})

	go func() { _, _ = h.orch.HandleUserTurn(context.Background(), "abc", strPtr("first")) }()
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := h.orch.HandleUserTurn(ctx, "abc", strPtr("second"))
	close(unblock)
	if got := fault.KindOf(err); got != fault.SessionBusy {
		t.Fatalf("KindOf(err) = %v, want %v", got, fault.SessionBusy)
	}
}

func TestRateLimitedTurn(t *testing.T) {
	store := memory.NewInMemoryStore(0, 0)
	orch, err := NewOrchestrator(Deps{
		Store:    store,
		Brain:    echoGateway(),
		Sessions: session.NewManager(time.Hour, session.BusyQueue),
		Limiter:  NewSessionRateLimiter(2),
	}, Config{})
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := orch.HandleUserTurn(ctx, "abc", strPtr("hi"))
		require.NoError(t, err)
	}
	_, err = orch.HandleUserTurn(ctx, "abc", strPtr("hi"))
	if got := fault.KindOf(err); got != fault.RateLimited {
		t.Fatalf("KindOf(err) = %v, want %v", got, fault.RateLimited)
	}
	_, err = orch.HandleUserTurn(ctx, "other", strPtr("hi"))
	require.NoError(t, err)
}

func TestTurnsInterleaveProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		outcomes := rapid.SliceOfN(rapid.SampledFrom([]string{"reply", "error", "none"}), 1, 20).Draw(rt, "outcomes")
		i := 0
		gw := gatewayFunc(func(ctx context.Context, req brain.Request) (brain.Response, error) {
			outcome := outcomes[i]
			i++
			switch outcome {
			case "error":
				return brain.Response{}, errors.New("boom")
			case "none":
				return brain.Response{Messages: []brain.Message{{Role: "user", Content: req.LastUserText()}}}, nil
			default:
				return brain.Response{Messages: []brain.Message{replyMessage("ok")}}, nil
			}
		})
		store := memory.NewInMemoryStore(0, 0)
		orch, err := NewOrchestrator(Deps{
			Store:    store,
			Brain:    gw,
			Sessions: session.NewManager(time.Hour, session.BusyReject),
		}, Config{})
		if err != nil {
			rt.Fatalf("NewOrchestrator: %v", err)
		}

		ctx := context.Background()
		for range outcomes {
			_, _ = orch.HandleUserTurn(ctx, "prop", strPtr("q"))
		}

		turns, err := store.History(ctx, "prop")
		if err != nil {
			rt.Fatalf("History: %v", err)
		}
		again, _ := store.History(ctx, "prop")
		if len(again) != len(turns) {
			rt.Fatalf("History not idempotent: %d then %d turns", len(turns), len(again))
		}

		users, assistants := 0, 0
		for j, turn := range turns {
			switch turn.Role {
			case memory.RoleUser:
				users++
			case memory.RoleAssistant:
				assistants++
				if j == 0 || turns[j-1].Role != memory.RoleUser {
					rt.Fatalf("assistant turn %d does not follow a user turn", j)
				}
			}
		}
		if users != len(outcomes) {
			rt.Fatalf("user turns = %d, want %d", users, len(outcomes))
		}
		if assistants > users {
			rt.Fatalf("assistant turns = %d, want <= %d", assistants, users)
		}
	})
}

type fakeCapture struct {
	result  voice.CaptureResult
	err     error
	block   bool
	aborted atomic.Bool
}

func (c *fakeCapture) Wait(ctx context.Context) (voice.CaptureResult, error) {
	if c.block {
		<-ctx.Done()
		return voice.CaptureResult{}, ctx.Err()
	}
	return c.result, c.err
}

func (c *fakeCapture) Abort() { c.aborted.Store(true) }

func TestVoiceTurnRunsTranscript(t *testing.T) {
	h := newHarness(t, echoGateway(), session.BusyQueue, Config{})
	capture := &fakeCapture{result: voice.CaptureResult{
		Transcript: voice.Transcript{Text: "my chest feels tight"},
		EndReason:  voice.EndSilence,
	}}

	reply, err := h.orch.HandleVoiceTurn(context.Background(), "abc", capture)
	require.NoError(t, err)
	assert.Equal(t, "my chest feels tight", reply.Transcript)
	assert.Equal(t, "re: my chest feels tight", reply.Content)
}

func TestVoiceTurnFailureSkipsMemory(t *testing.T) {
	var calls int32
	gw := gatewayFunc(func(ctx context.Context, req brain.Request) (brain.Response, error) {
		atomic.AddInt32(&calls, 1)
		return brain.Response{}, nil
	})
	h := newHarness(t, gw, session.BusyQueue, Config{})

	for _, kind := range []fault.Kind{fault.TranscriptionFailed, fault.CaptureAborted, fault.DeviceUnavailable} {
		capture := &fakeCapture{err: fault.New(kind, "nope")}
		_, err := h.orch.HandleVoiceTurn(context.Background(), "abc", capture)
		if got := fault.KindOf(err); got != kind {
			t.Fatalf("KindOf(err) = %v, want %v", got, kind)
		}
	}
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
	assert.Equal(t, 0, h.store.Len())
}

func TestVoiceTurnCancelledAbortsCapture(t *testing.T) {
	h := newHarness(t, echoGateway(), session.BusyQueue, Config{})
	capture := &fakeCapture{block: true}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := h.orch.HandleVoiceTurn(ctx, "abc", capture)
	if got := fault.KindOf(err); got != fault.CaptureAborted {
		t.Fatalf("KindOf(err) = %v, want %v", got, fault.CaptureAborted)
	}
	assert.True(t, capture.aborted.Load())
}

func TestVoiceTurnMissingSessionAbortsCapture(t *testing.T) {
	h := newHarness(t, echoGateway(), session.BusyQueue, Config{})
	capture := &fakeCapture{}
	_, err := h.orch.HandleVoiceTurn(context.Background(), "", capture)
	if got := fault.KindOf(err); got != fault.MissingSessionID {
		t.Fatalf("KindOf(err) = %v, want %v", got, fault.MissingSessionID)
	}
	assert.True(t, capture.aborted.Load())
}

func TestVoiceTurnWithCaptureSession(t *testing.T) {
	metrics := observability.NewMetrics("test")
	store := memory.NewInMemoryStore(0, 0)
	orch, err := NewOrchestrator(Deps{
		Store:    store,
		Brain:    brain.NewMockGateway(),
		Sessions: session.NewManager(time.Hour, session.BusyQueue),
		Metrics:  metrics,
	}, Config{})
	require.NoError(t, err)

	mic := voice.NewChannelMicrophone(16000, 8)
	stt := voice.NewMockTranscriber()
	capture := voice.NewCaptureSession(mic, stt, voice.CaptureConfig{}, nil)
	ctx := context.Background()
	require.NoError(t, capture.Start(ctx))

	require.NoError(t, mic.Push(ctx, make([]byte, 3200)))
	mic.Close()

	reply, err := orch.HandleVoiceTurn(ctx, "voice-1", capture)
	require.NoError(t, err)
	assert.Equal(t, "simulated voice input", reply.Transcript)
	assert.Contains(t, reply.Content, "simulated voice input")
	assert.False(t, mic.Held())

	turns, err := orch.History(ctx, "voice-1")
	require.NoError(t, err)
	require.Len(t, turns, 2)
}

func TestEndSessionEvictsHistory(t *testing.T) {
	h := newHarness(t, echoGateway(), session.BusyQueue, Config{})
	ctx := context.Background()

	_, err := h.orch.HandleUserTurn(ctx, "abc", strPtr("hello"))
	require.NoError(t, err)
	require.NoError(t, h.orch.EndSession(ctx, "abc"))

	turns, err := h.orch.History(ctx, "abc")
	require.NoError(t, err)
	assert.Empty(t, turns)

	// Unknown to the manager but present in the store.
	require.NoError(t, h.store.Append(ctx, "orphan", memory.Turn{Role: memory.RoleUser, Content: "x"}))
	require.NoError(t, h.orch.EndSession(ctx, "orphan"))
	turns, err = h.orch.History(ctx, "orphan")
	require.NoError(t, err)
	assert.Empty(t, turns)

	err = h.orch.EndSession(ctx, "")
	assert.Equal(t, fault.MissingSessionID, fault.KindOf(err))
}

func TestEndSessionWaitsForInFlightTurn(t *testing.T) {
	entered := make(chan struct{})
	unblock := make(chan struct{})
	var calls int32
	gw := gatewayFunc(func(ctx context.Context, req brain.Request) (brain.Response, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			close(entered)
			<-unblock
		}
		return brain.Response{Messages: []brain.Message{replyMessage("answer")}}, nil
	})
	h := newHarness(t, gw, session.BusyQueue, Config{})
	ctx := context.Background()

	turnErr := make(chan error, 1)
	go func() {
		_, err := h.orch.HandleUserTurn(ctx, "s1", strPtr("question"))
		turnErr <- err
	}()
	<-entered

	endErr := make(chan error, 1)
	go func() { endErr <- h.orch.EndSession(ctx, "s1") }()
	select {
	case err := <-endErr:
		t.Fatalf("EndSession returned %v while a turn was in flight", err)
	case <-time.After(20 * time.Millisecond):
	}

	close(unblock)
	require.NoError(t, <-turnErr)
	require.NoError(t, <-endErr)

	turns, err := h.orch.History(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, turns)

	_, err = h.orch.HandleUserTurn(ctx, "s1", strPtr("again"))
	require.NoError(t, err)
	turns, err = h.orch.History(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, memory.RoleUser, turns[0].Role)
	assert.Equal(t, memory.RoleAssistant, turns[1].Role)
}

func TestEndSessionRejectedWhileTurnInFlight(t *testing.T) {
	entered := make(chan struct{})
	unblock := make(chan struct{})
	gw := gatewayFunc(func(ctx context.Context, req brain.Request) (brain.Response, error) {
		close(entered)
		<-unblock
		return brain.Response{Messages: []brain.Message{replyMessage("answer")}}, nil
	})
	h := newHarness(t, gw, session.BusyReject, Config{})
	ctx := context.Background()

	turnErr := make(chan error, 1)
	go func() {
		_, err := h.orch.HandleUserTurn(ctx, "s1", strPtr("question"))
		turnErr <- err
	}()
	<-entered

	err := h.orch.EndSession(ctx, "s1")
	if got := fault.KindOf(err); got != fault.SessionBusy {
		t.Fatalf("KindOf(EndSession) = %v, want %v", got, fault.SessionBusy)
	}

	close(unblock)
	require.NoError(t, <-turnErr)
	turns, err := h.orch.History(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, memory.RoleUser, turns[0].Role)
}

func TestLogPreviewRedactsAndTruncates(t *testing.T) {
	got := logPreview("mail me at jane.doe@example.com")
	assert.Equal(t, "mail me at [REDACTED_EMAIL]", got)

	long := logPreview(string(make([]rune, 200)))
	assert.Contains(t, long, "(200 chars)")
}
