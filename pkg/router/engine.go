package router

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zen-systems/routegate/pkg/adapter"
	"github.com/zen-systems/routegate/pkg/config"
	"github.com/zen-systems/routegate/pkg/eval"
	"github.com/zen-systems/routegate/pkg/metrics"
	"github.com/zen-systems/routegate/pkg/store"
)

// Rate-limit cooldown backoff parameters.
const (
	cooldownBase   = 2 * time.Second
	cooldownCap    = 60 * time.Second
	strikeWindow   = 60 * time.Second
	strikeCap      = 6
	contextDegrade = 60 * time.Second
)

// Engine routes requests across the model fleet: it filters and scores
// candidates, attempts them in order, and retries or waits rather than
// returning an answer below the quality bar.
type Engine struct {
	routing  atomic.Pointer[config.RoutingConfig]
	adapters map[string]adapter.Adapter

	health   *store.HealthStore
	budget   *store.BudgetStore
	sessions *store.SessionStore

	evaluator *eval.Evaluator
	metrics   *metrics.Metrics
	logger    *zap.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// Deps bundles the engine's collaborators.
type Deps struct {
	Adapters  map[string]adapter.Adapter
	Health    *store.HealthStore
	Budget    *store.BudgetStore
	Sessions  *store.SessionStore
	Evaluator *eval.Evaluator
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
}

// NewEngine creates a routing engine over the given config snapshot.
func NewEngine(routing *config.RoutingConfig, deps Deps) *Engine {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	m := deps.Metrics
	if m == nil {
		m = metrics.New(0)
	}
	e := &Engine{
		adapters:  deps.Adapters,
		health:    deps.Health,
		budget:    deps.Budget,
		sessions:  deps.Sessions,
		evaluator: deps.Evaluator,
		metrics:   m,
		logger:    logger,
		now:       time.Now,
		sleep:     sleepCtx,
	}
	e.routing.Store(routing)
	return e
}

// Reload swaps in a new registry/policy snapshot. In-flight requests keep
// the snapshot they started with.
func (e *Engine) Reload(routing *config.RoutingConfig) {
	e.routing.Store(routing)
}

// Routing returns the current config snapshot.
func (e *Engine) Routing() *config.RoutingConfig {
	return e.routing.Load()
}

// Metrics returns the engine's metrics collector.
func (e *Engine) Metrics() *metrics.Metrics {
	return e.metrics
}

// candidate pairs a registry entry with the health and budget state read for
// this cycle.
type candidate struct {
	spec   *config.ModelSpec
	health *store.ModelHealth
	budget *store.ProviderBudget
	score  float64
}

// Route runs the retry/wait loop for one request and returns either an
// accepted result or NoSuitableModelError once the wall-clock budget is
// spent.
func (e *Engine) Route(ctx context.Context, req *Request) (*Result, error) {
	snapshot := e.routing.Load()
	start := e.now()

	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	taskType := req.TaskType
	if !KnownTaskType(taskType) {
		taskType = InferTaskType(req.Messages)
	}
	policy := snapshot.PolicyFor(taskType)

	threshold := policy.QualityThreshold
	if req.QualityThreshold > 0 {
		threshold = req.QualityThreshold
	}
	maxWait := time.Duration(policy.MaxWaitMs) * time.Millisecond
	if req.MaxWaitMs > 0 {
		maxWait = time.Duration(req.MaxWaitMs) * time.Millisecond
	}
	attemptBudget := policy.MaxAttempts
	if req.AttemptBudget > 0 {
		attemptBudget = req.AttemptBudget
	}

	if req.Resume {
		sess, err := e.sessions.Get(ctx, req.RequestID)
		if err != nil {
			return nil, err
		}
		if sess != nil && sess.Complete() {
			return &Result{
				RequestID: req.RequestID,
				TaskType:  sess.TaskType,
				ModelID:   sess.ModelID,
				Text:      sess.ResponseText,
				Attempts:  sess.Attempts,
				Resumed:   true,
			}, nil
		}
	}

	deadline := start.Add(maxWait)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	state := &requestState{
		req:       req,
		taskType:  taskType,
		policy:    policy,
		threshold: threshold,
		snapshot:  snapshot,
		start:     start,
	}

	for {
		if !e.now().Before(deadline) {
			break
		}

		candidates, err := e.filterAndScore(ctx, state)
		if err != nil {
			return nil, err
		}

		result, done := e.attemptCycle(ctx, state, candidates, attemptBudget)
		if done {
			return result, nil
		}

		if !e.now().Before(deadline) {
			break
		}
		poll := time.Duration(state.policy.PollIntervalMs) * time.Millisecond
		if remaining := deadline.Sub(e.now()); remaining < poll {
			poll = remaining
		}
		if err := e.sleep(ctx, poll); err != nil {
			break
		}
	}

	e.metrics.ObserveWaitTime(e.now().Sub(start))
	e.logger.Warn("request exhausted wall-clock budget",
		zap.String("request_id", req.RequestID),
		zap.String("task_type", taskType),
		zap.Int("attempts", len(state.attempts)))
	return nil, &NoSuitableModelError{RetryAfter: NoSuitableModelRetryAfter}
}

// requestState carries the per-request loop state across cycles.
type requestState struct {
	req       *Request
	taskType  string
	policy    config.TaskPolicy
	threshold float64
	snapshot  *config.RoutingConfig
	start     time.Time
	attempts  []store.Attempt
}

// filterAndScore builds this cycle's ordered candidate list. Health and
// budget reads fan out in parallel; both stores expose atomic reads.
func (e *Engine) filterAndScore(ctx context.Context, state *requestState) ([]candidate, error) {
	var eligible []*config.ModelSpec
	for i := range state.snapshot.Models {
		m := &state.snapshot.Models[i]
		if !m.Enabled {
			continue
		}
		if len(state.policy.Preferred) > 0 && preferredIndex(state.policy.Preferred, m.ID) < 0 {
			continue
		}
		if m.Capability(state.taskType) < state.policy.MinCapability {
			continue
		}
		eligible = append(eligible, m)
	}

	candidates := make([]candidate, len(eligible))
	g, gctx := errgroup.WithContext(ctx)
	for i, m := range eligible {
		g.Go(func() error {
			h, err := e.health.Get(gctx, m.ID)
			if err != nil {
				return err
			}
			b, err := e.budget.Get(gctx, m.Provider)
			if err != nil {
				return err
			}
			candidates[i] = candidate{spec: m, health: h, budget: b}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	now := e.now()
	filtered := candidates[:0]
	for _, c := range candidates {
		if c.health.InCooldown(now) {
			continue
		}
		if c.budget.AtHardLimit() {
			continue
		}
		c.score = Score(c.spec, state.taskType, c.health, c.budget, state.policy.Weights, now)
		filtered = append(filtered, c)
	}

	sort.SliceStable(filtered, func(i, j int) bool {
		if filtered[i].score != filtered[j].score {
			return filtered[i].score > filtered[j].score
		}
		return preferredRank(state.policy.Preferred, filtered[i].spec.ID) <
			preferredRank(state.policy.Preferred, filtered[j].spec.ID)
	})
	return filtered, nil
}

// attemptCycle tries up to attemptBudget candidates in order. done is true
// when a result was accepted.
func (e *Engine) attemptCycle(ctx context.Context, state *requestState, candidates []candidate, attemptBudget int) (*Result, bool) {
	for i, c := range candidates {
		if i >= attemptBudget {
			break
		}
		if ctx.Err() != nil {
			return nil, false
		}

		result, done := e.attempt(ctx, state, c)
		if done {
			return result, true
		}
	}
	return nil, false
}

// attempt runs one model attempt end to end: fit, dispatch, evaluate, and
// persist the outcome.
func (e *Engine) attempt(ctx context.Context, state *requestState, c candidate) (*Result, bool) {
	req := state.req

	fitted, trimmed, ok := Fit(req.Messages, c.spec.ContextTokens, req.MaxTokens)
	if !ok {
		e.recordAttempt(ctx, state, store.Attempt{ModelID: c.spec.ID, Outcome: store.OutcomePermanent})
		e.logger.Warn("request cannot fit model context",
			zap.String("request_id", req.RequestID), zap.String("model", c.spec.ID))
		return nil, false
	}
	if trimmed > 0 {
		e.logger.Debug("trimmed messages to fit context",
			zap.String("model", c.spec.ID), zap.Int("trimmed", trimmed))
	}

	adapterImpl, ok := e.adapters[c.spec.Provider]
	if !ok {
		e.recordAttempt(ctx, state, store.Attempt{ModelID: c.spec.ID, Outcome: store.OutcomePermanent})
		e.logger.Error("no adapter for provider", zap.String("provider", c.spec.Provider))
		return nil, false
	}

	genReq := &adapter.GenerateRequest{
		Backend:     c.spec.Backend,
		Messages:    fitted,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Tools:       req.Tools,
		ToolChoice:  req.ToolChoice,
	}

	if req.Stream && req.AllowDegrade {
		return e.attemptPassthrough(ctx, state, c, adapterImpl, genReq, fitted)
	}

	attemptStart := e.now()
	resp, err := adapterImpl.Generate(ctx, genReq)
	latency := e.now().Sub(attemptStart)
	if err != nil {
		e.dispatchError(ctx, state, c, err)
		return nil, false
	}

	hasToolCalls := len(resp.ToolCalls) > 0
	evalResult := e.evaluator.Evaluate(ctx, resp.Text, state.taskType, hasToolCalls)
	score := evalResult.Score
	e.metrics.ObserveEvalScore(score)

	accepted := req.AllowDegrade || score >= state.threshold
	if !accepted {
		if judged, ok := e.consultJudge(ctx, state, c.spec.ID, resp.Text, score); ok {
			score = judged
			accepted = score >= state.threshold
		}
	}

	if !accepted {
		e.recordAttempt(ctx, state, store.Attempt{ModelID: c.spec.ID, Outcome: store.OutcomeEvalFail, Score: &score})
		e.recordHealth(ctx, c.spec.ID, false, latency)
		degrade := time.Duration(state.policy.DegradeMs) * time.Millisecond
		if err := e.health.MarkDegraded(ctx, c.spec.ID, degrade); err != nil {
			e.logger.Error("mark degraded failed", zap.String("model", c.spec.ID), zap.Error(err))
		}
		e.metrics.RecordCall(c.spec.ID, store.OutcomeEvalFail)
		e.metrics.RecordDegradation(c.spec.ID)
		e.logger.Info("response below quality threshold",
			zap.String("request_id", req.RequestID),
			zap.String("model", c.spec.ID),
			zap.Float64("score", score),
			zap.Float64("threshold", state.threshold))
		return nil, false
	}

	e.recordAttempt(ctx, state, store.Attempt{ModelID: c.spec.ID, Outcome: store.OutcomeSuccess, Score: &score})
	e.recordHealth(ctx, c.spec.ID, true, latency)
	if resp.Usage != nil && resp.Usage.TotalTokens > 0 {
		if err := e.budget.Record(ctx, c.spec.Provider, int64(resp.Usage.TotalTokens)); err != nil {
			e.logger.Error("budget record failed", zap.String("provider", c.spec.Provider), zap.Error(err))
		}
	}
	if err := e.sessions.RecordResult(ctx, req.RequestID, state.taskType, c.spec.ID, resp.Text); err != nil {
		e.logger.Error("session record failed", zap.String("request_id", req.RequestID), zap.Error(err))
	}
	waitTime := e.now().Sub(state.start)
	e.metrics.RecordCall(c.spec.ID, store.OutcomeSuccess)
	e.metrics.ObserveWaitTime(waitTime)
	e.logger.Info("request routed",
		zap.String("request_id", req.RequestID),
		zap.String("model", c.spec.ID),
		zap.String("task_type", state.taskType),
		zap.Float64("score", score),
		zap.Duration("wait", waitTime))

	return &Result{
		RequestID: req.RequestID,
		TaskType:  state.taskType,
		ModelID:   c.spec.ID,
		Provider:  c.spec.Provider,
		Text:      resp.Text,
		ToolCalls: resp.ToolCalls,
		Score:     score,
		Attempts:  state.attempts,
		WaitTime:  waitTime,
	}, true
}

// attemptPassthrough opens a provider stream and returns immediately; the
// terminal callback runs evaluation and accounting after the last delta,
// since the client has already received the output.
func (e *Engine) attemptPassthrough(ctx context.Context, state *requestState, c candidate, adapterImpl adapter.Adapter, genReq *adapter.GenerateRequest, fitted []adapter.Message) (*Result, bool) {
	req := state.req
	attemptStart := e.now()

	// The stream outlives Route and its deadline-scoped context: the routing
	// budget bounds time-to-acceptance, not delivery of an accepted stream.
	streamCtx := context.WithoutCancel(ctx)
	provStream, err := adapterImpl.Stream(streamCtx, genReq)
	if err != nil {
		e.dispatchError(ctx, state, c, err)
		return nil, false
	}
	setupLatency := e.now().Sub(attemptStart)

	inputChars := 0
	for _, msg := range fitted {
		inputChars += len(msg.Content)
	}

	// Store writes in the callback must survive request-context cancellation
	// that races the final delta.
	storeCtx := streamCtx
	live := NewLiveStream(provStream, func(fullText string) {
		evalResult := e.evaluator.Evaluate(storeCtx, fullText, state.taskType, false)
		e.metrics.ObserveEvalScore(evalResult.Score)
		e.recordHealth(storeCtx, c.spec.ID, evalResult.Score >= state.threshold, setupLatency)

		estimated := int64(adapter.EstimateTokens(fullText)) + int64((inputChars+3)/4)
		if err := e.budget.Record(storeCtx, c.spec.Provider, estimated); err != nil {
			e.logger.Error("budget record failed", zap.String("provider", c.spec.Provider), zap.Error(err))
		}
		if err := e.sessions.RecordResult(storeCtx, req.RequestID, state.taskType, c.spec.ID, fullText); err != nil {
			e.logger.Error("session record failed", zap.String("request_id", req.RequestID), zap.Error(err))
		}
		e.metrics.RecordCall(c.spec.ID, store.OutcomeSuccess)
		e.metrics.ObserveWaitTime(e.now().Sub(state.start))
	})

	score := 0.0
	e.recordAttempt(ctx, state, store.Attempt{ModelID: c.spec.ID, Outcome: store.OutcomeSuccess, Score: &score})

	return &Result{
		RequestID: req.RequestID,
		TaskType:  state.taskType,
		ModelID:   c.spec.ID,
		Provider:  c.spec.Provider,
		Attempts:  state.attempts,
		WaitTime:  e.now().Sub(state.start),
		Live:      live,
	}, true
}

// dispatchError classifies a provider failure and applies the matching
// health updates before the loop moves to the next candidate.
func (e *Engine) dispatchError(ctx context.Context, state *requestState, c candidate, err error) {
	kind := adapter.KindOf(err)
	modelID := c.spec.ID

	switch kind {
	case adapter.KindRateLimit:
		now := e.now()
		strikes := 1
		if c.health.LastRateLimitAt > 0 && now.UnixMilli()-c.health.LastRateLimitAt <= strikeWindow.Milliseconds() {
			strikes = c.health.RateLimitStrikes + 1
			if strikes > strikeCap {
				strikes = strikeCap
			}
		}
		cooldown := adapter.RetryAfterOf(err)
		if cooldown <= 0 {
			cooldown = cooldownBase << (strikes - 1)
			if cooldown > cooldownCap {
				cooldown = cooldownCap
			}
		}
		if err := e.health.MarkRateLimited(ctx, modelID, cooldown, strikes, now); err != nil {
			e.logger.Error("mark rate limited failed", zap.String("model", modelID), zap.Error(err))
		}
		e.recordHealth(ctx, modelID, false, 0)
		e.recordAttempt(ctx, state, store.Attempt{ModelID: modelID, Outcome: store.OutcomeRateLimit})
		e.metrics.RecordCall(modelID, store.OutcomeRateLimit)
		e.metrics.RecordCooldown(modelID)
		e.logger.Warn("model rate limited",
			zap.String("model", modelID),
			zap.Duration("cooldown", cooldown),
			zap.Int("strikes", strikes))

	case adapter.KindTransient:
		e.recordHealth(ctx, modelID, false, 0)
		e.recordAttempt(ctx, state, store.Attempt{ModelID: modelID, Outcome: store.OutcomeTransient})
		e.metrics.RecordCall(modelID, store.OutcomeTransient)
		e.logger.Warn("transient provider failure", zap.String("model", modelID), zap.Error(err))

	case adapter.KindQuota:
		e.recordHealth(ctx, modelID, false, 0)
		e.recordAttempt(ctx, state, store.Attempt{ModelID: modelID, Outcome: store.OutcomeQuota})
		e.metrics.RecordCall(modelID, store.OutcomeQuota)
		e.logger.Warn("provider quota exceeded", zap.String("model", modelID), zap.Error(err))

	default:
		if adapter.IsContextLength(err) {
			if err := e.health.MarkDegraded(ctx, modelID, contextDegrade); err != nil {
				e.logger.Error("mark degraded failed", zap.String("model", modelID), zap.Error(err))
			}
			e.metrics.RecordDegradation(modelID)
		}
		e.recordHealth(ctx, modelID, false, 0)
		e.recordAttempt(ctx, state, store.Attempt{ModelID: modelID, Outcome: store.OutcomePermanent})
		e.metrics.RecordCall(modelID, store.OutcomePermanent)
		e.logger.Warn("permanent provider failure", zap.String("model", modelID), zap.Error(err))
	}
}

// consultJudge re-scores a borderline output through the configured judge.
func (e *Engine) consultJudge(ctx context.Context, state *requestState, candidateID, text string, heuristicScore float64) (float64, bool) {
	judgeCfg := state.snapshot.Judge
	if judgeCfg == nil || judgeCfg.Model == "" {
		return 0, false
	}
	judgeModel, ok := state.snapshot.ModelByID(judgeCfg.Model)
	if !ok {
		return 0, false
	}
	judgeAdapter, ok := e.adapters[judgeModel.Provider]
	if !ok {
		return 0, false
	}
	judge := eval.NewJudge(judgeModel, judgeCfg, judgeAdapter, e.logger)
	if !judge.ShouldConsult(candidateID, heuristicScore, state.threshold) {
		return 0, false
	}
	return judge.Score(ctx, state.req.UserPrompt(), text)
}

// recordAttempt appends to both the in-memory attempt log and the persisted
// session, keeping the ordering causal across candidates.
func (e *Engine) recordAttempt(ctx context.Context, state *requestState, attempt store.Attempt) {
	state.attempts = append(state.attempts, attempt)
	if err := e.sessions.RecordAttempt(ctx, state.req.RequestID, state.taskType, attempt); err != nil {
		e.logger.Error("session attempt record failed",
			zap.String("request_id", state.req.RequestID), zap.Error(err))
	}
}

func (e *Engine) recordHealth(ctx context.Context, modelID string, success bool, latency time.Duration) {
	if err := e.health.RecordResult(ctx, modelID, success, latency); err != nil {
		e.logger.Error("health record failed", zap.String("model", modelID), zap.Error(err))
	}
}

// preferredIndex returns the position of id in the preferred list, -1 when
// absent.
func preferredIndex(preferred []string, id string) int {
	for i, p := range preferred {
		if p == id {
			return i
		}
	}
	return -1
}

// preferredRank is preferredIndex with absent ids sorting last.
func preferredRank(preferred []string, id string) int {
	if idx := preferredIndex(preferred, id); idx >= 0 {
		return idx
	}
	return len(preferred)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
