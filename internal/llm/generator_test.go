package llm

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// scriptedBackend replays one step per call; the last step repeats.
type scriptedBackend struct {
	mu    sync.Mutex
	steps []func(ctx context.Context) (*Response, error)
	calls int
}

func (s *scriptedBackend) Name() string  { return "fake" }
func (s *scriptedBackend) Model() string { return "fake-model" }
func (s *scriptedBackend) backend()      {}

func (s *scriptedBackend) Complete(ctx context.Context, req Request) (*Response, error) {
	s.mu.Lock()
	i := s.calls
	if i >= len(s.steps) {
		i = len(s.steps) - 1
	}
	s.calls++
	step := s.steps[i]
	s.mu.Unlock()
	return step(ctx)
}

func (s *scriptedBackend) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func ok(text string) func(context.Context) (*Response, error) {
	return func(context.Context) (*Response, error) {
		return &Response{Text: text, InputTokens: 10, OutputTokens: 5}, nil
	}
}

func fail(kind Kind) func(context.Context) (*Response, error) {
	return func(context.Context) (*Response, error) {
		return nil, &Error{Kind: kind, Provider: "fake", Err: errors.New("scripted")}
	}
}

func testOptions() Options {
	return Options{
		MaxAttempts:     3,
		BaseDelay:       time.Millisecond,
		Multiplier:      2,
		MaxDelay:        5 * time.Millisecond,
		CallTimeout:     time.Second,
		BreakerFailures: 10,
		BreakerCooldown: time.Minute,
	}
}

var objectSchema = Schema{"type": "object"}

func TestGenerateRetriesTransientFailures(t *testing.T) {
	b := &scriptedBackend{steps: []func(context.Context) (*Response, error){
		fail(KindServer), fail(KindRateLimit), ok(`{"ok":true}`),
	}}
	g := NewGenerator(b, testOptions(), zerolog.Nop())

	resp, err := g.Generate(context.Background(), "prompt", "system", objectSchema)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if resp.Text != `{"ok":true}` {
		t.Errorf("unexpected text %q", resp.Text)
	}
	if b.Calls() != 3 {
		t.Errorf("expected 3 calls, got %d", b.Calls())
	}
}

func TestGenerateGivesUpAfterMaxAttempts(t *testing.T) {
	b := &scriptedBackend{steps: []func(context.Context) (*Response, error){fail(KindServer)}}
	g := NewGenerator(b, testOptions(), zerolog.Nop())

	_, err := g.Generate(context.Background(), "prompt", "", nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "giving up after 3 attempts") {
		t.Errorf("unexpected error message: %v", err)
	}
	if KindOf(err) != KindServer {
		t.Errorf("expected server kind, got %q", KindOf(err))
	}
	if b.Calls() != 3 {
		t.Errorf("expected 3 calls, got %d", b.Calls())
	}
}

func TestGenerateFatalErrorsAreNotRetried(t *testing.T) {
	for _, kind := range []Kind{KindAuth, KindBadRequest} {
		b := &scriptedBackend{steps: []func(context.Context) (*Response, error){fail(kind)}}
		g := NewGenerator(b, testOptions(), zerolog.Nop())

		_, err := g.Generate(context.Background(), "prompt", "", nil)
		if KindOf(err) != kind {
			t.Errorf("%s: expected kind preserved, got %v", kind, err)
		}
		if b.Calls() != 1 {
			t.Errorf("%s: expected 1 call, got %d", kind, b.Calls())
		}
	}
}

func TestGenerateRetriesInvalidJSON(t *testing.T) {
	b := &scriptedBackend{steps: []func(context.Context) (*Response, error){
		ok("Sure! Here is your summary."), ok(`{"summary":"done"}`),
	}}
	g := NewGenerator(b, testOptions(), zerolog.Nop())

	resp, err := g.Generate(context.Background(), "prompt", "", objectSchema)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if resp.Text != `{"summary":"done"}` || b.Calls() != 2 {
		t.Errorf("expected second reply after 2 calls, got %q after %d", resp.Text, b.Calls())
	}
}

func TestGenerateAttemptTimeout(t *testing.T) {
	hang := func(ctx context.Context) (*Response, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	b := &scriptedBackend{steps: []func(context.Context) (*Response, error){hang, ok("plain text")}}
	opts := testOptions()
	opts.CallTimeout = 20 * time.Millisecond
	g := NewGenerator(b, opts, zerolog.Nop())

	resp, err := g.Generate(context.Background(), "prompt", "", nil)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if resp.Text != "plain text" || b.Calls() != 2 {
		t.Errorf("expected success on second attempt, got %q after %d calls", resp.Text, b.Calls())
	}
}

func TestGenerateBreakerOpens(t *testing.T) {
	b := &scriptedBackend{steps: []func(context.Context) (*Response, error){fail(KindServer)}}
	opts := testOptions()
	opts.MaxAttempts = 1
	opts.BreakerFailures = 2
	g := NewGenerator(b, opts, zerolog.Nop())

	for i := 0; i < 2; i++ {
		if _, err := g.Generate(context.Background(), "prompt", "", nil); KindOf(err) != KindServer {
			t.Fatalf("call %d: expected server error, got %v", i, err)
		}
	}
	_, err := g.Generate(context.Background(), "prompt", "", nil)
	if KindOf(err) != KindUnavailable {
		t.Errorf("expected unavailable once the breaker is open, got %v", err)
	}
	if b.Calls() != 2 {
		t.Errorf("expected backend to be skipped while open, got %d calls", b.Calls())
	}
}

func TestGenerateAuthFailuresDoNotTripBreaker(t *testing.T) {
	b := &scriptedBackend{steps: []func(context.Context) (*Response, error){fail(KindAuth)}}
	opts := testOptions()
	opts.BreakerFailures = 1
	g := NewGenerator(b, opts, zerolog.Nop())

	for i := 0; i < 3; i++ {
		if _, err := g.Generate(context.Background(), "prompt", "", nil); KindOf(err) != KindAuth {
			t.Fatalf("call %d: expected auth error, got %v", i, err)
		}
	}
	if b.Calls() != 3 {
		t.Errorf("expected 3 calls, got %d", b.Calls())
	}
}

func TestGenerateCancelled(t *testing.T) {
	b := &scriptedBackend{steps: []func(context.Context) (*Response, error){fail(KindServer)}}
	g := NewGenerator(b, testOptions(), zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := g.Generate(ctx, "prompt", "", nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if b.Calls() != 0 {
		t.Errorf("expected no backend calls, got %d", b.Calls())
	}
}

func TestModelID(t *testing.T) {
	g := NewGenerator(&scriptedBackend{steps: []func(context.Context) (*Response, error){ok("x")}}, Options{}, zerolog.Nop())
	if got := g.ModelID(); got != "fake:fake-model" {
		t.Errorf("unexpected model id %q", got)
	}
}

func TestBackOffSchedule(t *testing.T) {
	ms := time.Millisecond
	tests := []struct {
		name     string
		maxDelay time.Duration
		want     []time.Duration
	}{
		{"uncapped", 0, []time.Duration{10 * ms, 20 * ms, 40 * ms, 80 * ms}},
		{"capped", 25 * ms, []time.Duration{10 * ms, 20 * ms, 25 * ms, 25 * ms}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewGenerator(&scriptedBackend{}, Options{BaseDelay: 10 * ms, Multiplier: 2, MaxDelay: tt.maxDelay}, zerolog.Nop())
			bo := g.backOff()
			for i, want := range tt.want {
				if got := bo.NextBackOff(); got != want {
					t.Errorf("delay %d = %v, want %v", i, got, want)
				}
			}
		})
	}
}
