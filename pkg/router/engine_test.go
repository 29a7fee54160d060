package router

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/zen-systems/routegate/pkg/adapter"
	"github.com/zen-systems/routegate/pkg/config"
	"github.com/zen-systems/routegate/pkg/eval"
	"github.com/zen-systems/routegate/pkg/metrics"
	"github.com/zen-systems/routegate/pkg/store"
)

const goodCodeResponse = "Here is the implementation you asked for:\n" +
	"```go\nfunc Sum(values []int) int {\n\ttotal := 0\n\tfor _, v := range values {\n\t\ttotal += v\n\t}\n\treturn total\n}\n```\n" +
	"It iterates once and handles the empty slice."

const goodTSResponse = "Sure, here is the function:\n" +
	"```ts\nexport function clamp(v: number, lo: number, hi: number): number {\n" +
	"  return Math.min(Math.max(v, lo), hi);\n}\n```\n" +
	"It clamps a value into the inclusive range."

func testRouting(models ...config.ModelSpec) *config.RoutingConfig {
	if len(models) == 0 {
		models = []config.ModelSpec{
			testModel("model-a", "mock", "backend-a"),
			testModel("model-b", "mock", "backend-b"),
		}
	}
	return &config.RoutingConfig{
		Models: models,
		Policies: map[string]config.TaskPolicy{
			"default": {
				Preferred:      []string{"model-a", "model-b"},
				PollIntervalMs: 1,
				MaxWaitMs:      2000,
			},
		},
	}
}

func testModel(id, provider, backend string) config.ModelSpec {
	return config.ModelSpec{
		ID:            id,
		Provider:      provider,
		Backend:       backend,
		ContextTokens: 32768,
		Capabilities:  map[string]int{"code": 3, "reasoning": 3, "research": 3, "rewrite": 3, "default": 3},
		Enabled:       true,
	}
}

func newTestEngine(t *testing.T, routing *config.RoutingConfig, adapters map[string]adapter.Adapter) (*Engine, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "state.sqlite"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	e := NewEngine(routing, Deps{
		Adapters:  adapters,
		Health:    st.Health,
		Budget:    st.Budget,
		Sessions:  st.Sessions,
		Evaluator: eval.New(nil, nil),
		Metrics:   metrics.New(0),
	})
	// Skip real poll sleeps; the wall-clock deadline still applies.
	e.sleep = func(ctx context.Context, d time.Duration) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			return nil
		}
	}
	return e, st
}

func codeRequest(id string) *Request {
	return &Request{
		RequestID: id,
		Messages:  []adapter.Message{{Role: "user", Content: "implement a sum function"}},
	}
}

func outcomes(attempts []store.Attempt) []string {
	out := make([]string, len(attempts))
	for i, a := range attempts {
		out[i] = a.ModelID + ":" + a.Outcome
	}
	return out
}

func TestRouteRateLimitFailover(t *testing.T) {
	mock := adapter.NewMockAdapter()
	mock.Fail("backend-a", &adapter.Error{Kind: adapter.KindRateLimit, Status: 429, RetryAfter: 10 * time.Second})
	mock.RespondText("backend-b", goodCodeResponse)

	e, st := newTestEngine(t, testRouting(), map[string]adapter.Adapter{"mock": mock})

	result, err := e.Route(context.Background(), codeRequest("req-failover"))
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if result.Text != goodCodeResponse {
		t.Fatalf("expected B's text, got %q", result.Text)
	}
	if result.ModelID != "model-b" {
		t.Fatalf("expected model-b, got %s", result.ModelID)
	}

	got := outcomes(result.Attempts)
	want := []string{"model-a:rate_limit", "model-b:success"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("attempts = %v, want %v", got, want)
	}

	h, err := st.Health.Get(context.Background(), "model-a")
	if err != nil {
		t.Fatalf("health get: %v", err)
	}
	if !h.InCooldown(time.Now()) {
		t.Fatalf("model-a should be in cooldown")
	}
	if until := time.UnixMilli(h.CooldownUntil); until.Before(time.Now().Add(5 * time.Second)) {
		t.Fatalf("cooldown should honor retry-after, got %v", until)
	}
}

func TestRouteQualityWait(t *testing.T) {
	mock := adapter.NewMockAdapter()
	mock.RespondText("backend-a", "no")
	mock.RespondText("backend-a", goodTSResponse)
	mock.RespondText("backend-b", "still no")

	e, _ := newTestEngine(t, testRouting(), map[string]adapter.Adapter{"mock": mock})

	req := codeRequest("req-quality")
	req.QualityThreshold = 0.75
	result, err := e.Route(context.Background(), req)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if !strings.Contains(result.Text, "```ts") {
		t.Fatalf("expected fenced ts function, got %q", result.Text)
	}

	got := outcomes(result.Attempts)
	want := []string{"model-a:eval_fail", "model-b:eval_fail", "model-a:success"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("attempts = %v, want %v", got, want)
	}
}

func TestRouteTimeout(t *testing.T) {
	mock := adapter.NewMockAdapter()
	mock.RespondText("backend-a", "i can't help with that")
	mock.RespondText("backend-b", "i cannot comply")

	e, _ := newTestEngine(t, testRouting(), map[string]adapter.Adapter{"mock": mock})

	req := codeRequest("req-timeout")
	req.QualityThreshold = 0.9
	req.MaxWaitMs = 20
	_, err := e.Route(context.Background(), req)

	noModel, ok := IsNoSuitableModel(err)
	if !ok {
		t.Fatalf("expected NoSuitableModelError, got %v", err)
	}
	if noModel.RetryAfter != 10*time.Second {
		t.Fatalf("retry after = %v, want 10s", noModel.RetryAfter)
	}
}

func TestRouteBudgetExclusion(t *testing.T) {
	routing := testRouting(
		testModel("model-a", "openai", "backend-a"),
		testModel("model-b", "google", "backend-b"),
	)
	mock := adapter.NewMockAdapter()
	mock.RespondText("backend-a", goodCodeResponse)
	mock.RespondText("backend-b", goodCodeResponse)

	e, st := newTestEngine(t, routing, map[string]adapter.Adapter{"openai": mock, "google": mock})

	ctx := context.Background()
	if err := st.Budget.EnsureLimits(ctx, "openai", 0, 10); err != nil {
		t.Fatalf("ensure limits: %v", err)
	}
	if err := st.Budget.Record(ctx, "openai", 10); err != nil {
		t.Fatalf("record: %v", err)
	}

	result, err := e.Route(ctx, codeRequest("req-budget"))
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if result.ModelID != "model-b" {
		t.Fatalf("expected model-b, got %s", result.ModelID)
	}
	if len(mock.Calls) == 0 || mock.Calls[0] != "backend-b" {
		t.Fatalf("first adapter call = %v, want backend-b", mock.Calls)
	}
}

func TestRouteResume(t *testing.T) {
	mock := adapter.NewMockAdapter()
	mock.RespondText("backend-a", goodCodeResponse)

	e, st := newTestEngine(t, testRouting(), map[string]adapter.Adapter{"mock": mock})

	ctx := context.Background()
	first, err := e.Route(ctx, codeRequest("req-resume"))
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	callsAfterFirst := len(mock.Calls)

	sess, err := st.Sessions.Get(ctx, "req-resume")
	if err != nil || sess == nil || !sess.Complete() {
		t.Fatalf("session not complete: %+v err=%v", sess, err)
	}

	req := codeRequest("req-resume")
	req.Resume = true
	second, err := e.Route(ctx, req)
	if err != nil {
		t.Fatalf("resume route: %v", err)
	}
	if !second.Resumed {
		t.Fatalf("expected resumed result")
	}
	if second.Text != first.Text {
		t.Fatalf("resume text mismatch")
	}
	if len(mock.Calls) != callsAfterFirst {
		t.Fatalf("resume must not call any adapter")
	}
}

func TestRouteDegradedStillEligible(t *testing.T) {
	mock := adapter.NewMockAdapter()
	mock.RespondText("backend-a", goodCodeResponse)

	routing := testRouting(testModel("model-a", "mock", "backend-a"))
	routing.Policies["default"] = config.TaskPolicy{
		Preferred:      []string{"model-a"},
		PollIntervalMs: 1,
		MaxWaitMs:      2000,
	}
	e, st := newTestEngine(t, routing, map[string]adapter.Adapter{"mock": mock})

	ctx := context.Background()
	if err := st.Health.MarkDegraded(ctx, "model-a", time.Minute); err != nil {
		t.Fatalf("mark degraded: %v", err)
	}

	result, err := e.Route(ctx, codeRequest("req-degraded"))
	if err != nil {
		t.Fatalf("degradation must not exclude: %v", err)
	}
	if result.ModelID != "model-a" {
		t.Fatalf("expected model-a, got %s", result.ModelID)
	}
}

func TestRouteCooldownExcludes(t *testing.T) {
	mock := adapter.NewMockAdapter()
	mock.RespondText("backend-a", goodCodeResponse)
	mock.RespondText("backend-b", goodCodeResponse)

	e, st := newTestEngine(t, testRouting(), map[string]adapter.Adapter{"mock": mock})

	ctx := context.Background()
	if err := st.Health.MarkRateLimited(ctx, "model-a", time.Minute, 1, time.Now()); err != nil {
		t.Fatalf("mark rate limited: %v", err)
	}

	result, err := e.Route(ctx, codeRequest("req-cooldown"))
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if result.ModelID != "model-b" {
		t.Fatalf("cooled-down model attempted; got %s", result.ModelID)
	}
}

func TestRouteAllowDegradeAcceptsFirstAnswer(t *testing.T) {
	mock := adapter.NewMockAdapter()
	mock.RespondText("backend-a", "meh")

	e, _ := newTestEngine(t, testRouting(), map[string]adapter.Adapter{"mock": mock})

	req := codeRequest("req-degrade")
	req.QualityThreshold = 0.99
	req.AllowDegrade = true
	result, err := e.Route(context.Background(), req)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if result.Text != "meh" {
		t.Fatalf("expected first answer, got %q", result.Text)
	}
	if result.ModelID != "model-a" {
		t.Fatalf("expected model-a, got %s", result.ModelID)
	}
}

func TestRouteContextLengthDegrades(t *testing.T) {
	mock := adapter.NewMockAdapter()
	mock.Fail("backend-a", &adapter.Error{
		Kind: adapter.KindPermanent,
		Err:  adapter.ErrContextLength,
	})
	mock.RespondText("backend-b", goodCodeResponse)

	e, st := newTestEngine(t, testRouting(), map[string]adapter.Adapter{"mock": mock})

	result, err := e.Route(context.Background(), codeRequest("req-ctxlen"))
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if result.ModelID != "model-b" {
		t.Fatalf("expected failover to model-b, got %s", result.ModelID)
	}

	h, err := st.Health.Get(context.Background(), "model-a")
	if err != nil {
		t.Fatalf("health get: %v", err)
	}
	if !h.Degraded(time.Now()) {
		t.Fatalf("context overflow should degrade the model")
	}
	if h.InCooldown(time.Now()) {
		t.Fatalf("permanent errors must not cooldown")
	}
}

func TestRouteEmptyPreferredListTimesOut(t *testing.T) {
	routing := testRouting()
	routing.Policies["default"] = config.TaskPolicy{
		Preferred:      []string{"model-x"}, // not in the registry
		PollIntervalMs: 1,
		MaxWaitMs:      20,
	}
	mock := adapter.NewMockAdapter()
	e, _ := newTestEngine(t, routing, map[string]adapter.Adapter{"mock": mock})

	_, err := e.Route(context.Background(), codeRequest("req-empty"))
	if _, ok := IsNoSuitableModel(err); !ok {
		t.Fatalf("expected timeout when preferred models are absent, got %v", err)
	}
	if len(mock.Calls) != 0 {
		t.Fatalf("no adapter should be called")
	}
}

func TestRoutePassthroughStreaming(t *testing.T) {
	mock := adapter.NewMockAdapter()
	mock.RespondText("backend-a", goodCodeResponse)

	e, st := newTestEngine(t, testRouting(), map[string]adapter.Adapter{"mock": mock})

	req := codeRequest("req-stream")
	req.Stream = true
	req.AllowDegrade = true
	result, err := e.Route(context.Background(), req)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if result.Live == nil {
		t.Fatalf("expected a live stream")
	}

	var collected strings.Builder
	for {
		delta, err := result.Live.Recv()
		if err != nil {
			break
		}
		collected.WriteString(delta)
	}
	if collected.String() != goodCodeResponse {
		t.Fatalf("stream must be a prefix-preserving concatenation of the response")
	}

	sess, err := st.Sessions.Get(context.Background(), "req-stream")
	if err != nil || sess == nil {
		t.Fatalf("session get: %v", err)
	}
	if !sess.Complete() || sess.ResponseText != goodCodeResponse {
		t.Fatalf("terminal callback should complete the session: %+v", sess)
	}

	b, err := st.Budget.Get(context.Background(), "mock")
	if err != nil {
		t.Fatalf("budget get: %v", err)
	}
	if b.UsedTokens == 0 {
		t.Fatalf("passthrough streaming should record estimated usage")
	}
}

func TestRouteRateLimitBaseBackoff(t *testing.T) {
	mock := adapter.NewMockAdapter()
	mock.Fail("backend-a", &adapter.Error{Kind: adapter.KindRateLimit, Status: 429})

	routing := testRouting(testModel("model-a", "mock", "backend-a"))
	routing.Policies["default"] = config.TaskPolicy{
		Preferred:      []string{"model-a"},
		PollIntervalMs: 1,
		MaxWaitMs:      20,
	}
	e, st := newTestEngine(t, routing, map[string]adapter.Adapter{"mock": mock})

	_, err := e.Route(context.Background(), codeRequest("req-strikes"))
	if _, ok := IsNoSuitableModel(err); !ok {
		t.Fatalf("expected timeout, got %v", err)
	}

	h, err := st.Health.Get(context.Background(), "model-a")
	if err != nil {
		t.Fatalf("health get: %v", err)
	}
	if h.RateLimitStrikes < 1 {
		t.Fatalf("expected at least one strike")
	}
	// Without a retry-after hint the first strike maps to the 2s base backoff.
	if until := time.UnixMilli(h.CooldownUntil); until.Before(time.Now().Add(time.Second)) {
		t.Fatalf("expected backoff cooldown, got %v", until)
	}
}

func TestRouteUsageRecordedOnSuccess(t *testing.T) {
	mock := adapter.NewMockAdapter()
	mock.Respond("backend-a", &adapter.Response{
		Text:  goodCodeResponse,
		Usage: &adapter.Usage{PromptTokens: 10, CompletionTokens: 40, TotalTokens: 50},
	})

	e, st := newTestEngine(t, testRouting(), map[string]adapter.Adapter{"mock": mock})

	if _, err := e.Route(context.Background(), codeRequest("req-usage")); err != nil {
		t.Fatalf("route: %v", err)
	}

	b, err := st.Budget.Get(context.Background(), "mock")
	if err != nil {
		t.Fatalf("budget get: %v", err)
	}
	if b.UsedTokens != 50 {
		t.Fatalf("used tokens = %d, want 50", b.UsedTokens)
	}
}

func TestRouteMinCapabilityFilters(t *testing.T) {
	strong := testModel("model-a", "mock", "backend-a")
	weak := testModel("model-b", "mock", "backend-b")
	weak.Capabilities = map[string]int{"code": 1}

	routing := testRouting(strong, weak)
	routing.Policies["default"] = config.TaskPolicy{
		Preferred:      []string{"model-b", "model-a"},
		MinCapability:  2,
		PollIntervalMs: 1,
		MaxWaitMs:      2000,
	}

	mock := adapter.NewMockAdapter()
	mock.RespondText("backend-a", goodCodeResponse)
	mock.RespondText("backend-b", goodCodeResponse)

	e, _ := newTestEngine(t, routing, map[string]adapter.Adapter{"mock": mock})

	result, err := e.Route(context.Background(), codeRequest("req-mincap"))
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if result.ModelID != "model-a" {
		t.Fatalf("under-capability model attempted; got %s", result.ModelID)
	}
}
