package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/goclaw/internal/store"
	"github.com/nextlevelbuilder/goclaw/internal/tools"
)

// ThinkLevel mirrors the provider-facing thinking-effort tiers a run can
// request. xhigh is downgraded to high for models that don't support it.
const (
	ThinkOff    = "off"
	ThinkLow    = "low"
	ThinkMedium = "medium"
	ThinkHigh   = "high"
	ThinkXHigh  = "xhigh"
)

// ResolveModel implements spec 4.5's model resolution precedence: job
// override, then hook-specific model (if catalog-allowed), then the
// session's modelOverride, then the agent default. The first non-empty
// candidate wins.
func ResolveModel(jobOverride, hookModel, sessionOverride, agentDefault string) string {
	for _, candidate := range []string{jobOverride, hookModel, sessionOverride, agentDefault} {
		if candidate != "" {
			return candidate
		}
	}
	return ""
}

// ResolveThinkingLevel implements spec 4.5's thinking-level precedence
// (job, then hooks, then agent default) and downgrades xhigh to high when
// supportsXHigh reports the resolved model can't handle it.
func ResolveThinkingLevel(jobLevel, hookLevel, agentDefault string, supportsXHigh bool) string {
	level := agentDefault
	if hookLevel != "" {
		level = hookLevel
	}
	if jobLevel != "" {
		level = jobLevel
	}
	if level == ThinkXHigh && !supportsXHigh {
		return ThinkHigh
	}
	return level
}

// RunAgentRequest is runAgent's input per spec 4.5's contract.
type RunAgentRequest struct {
	SessionID     string
	SessionKey    string
	AgentID       string
	Prompt        string
	RunID         string
	TimeoutMs     int
	AbortSignal   <-chan struct{} // closed to cancel the run early

	JobModelOverride     string
	HookModel            string
	SessionModelOverride string
	AgentDefaultModel    string
	ModelFallbacks       []string // additional candidates tried on a retryable failure, in order

	JobThinkLevel     string
	HookThinkLevel    string
	AgentDefaultThink string
	SupportsXHigh     func(model string) bool

	RequireExplicitMessageTarget bool
	DisableMessageTool           bool

	// RunRequest carries the transport-level fields (channel, chat, media,
	// etc.) the caller has already built. Its Message takes precedence;
	// Prompt is used only when RunRequest.Message is empty.
	RunRequest RunRequest
}

// RunAgentResult is runAgent's output per spec 4.5's contract.
type RunAgentResult struct {
	Result                   *RunResult
	Model                    string
	Provider                 string
	SessionID                string
	DurationMs               int64
	DidSendViaMessagingTool  bool
	MessagingToolSentTargets []string
}

// isRetryable reports whether err is worth retrying against the next
// model in the fallback chain (anything that isn't a context
// cancellation/deadline, which the caller explicitly requested to stop).
func isRetryable(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// RunAgent implements the Agent Runner contract (spec 4.5): it resolves
// model/thinking-level precedence, arms timeout/abort cancellation,
// iterates a model-fallback chain on retryable failure, tracks whether the
// message tool fired during the run, and merges usage into the session's
// SessionEntry atomically on success. agentFor resolves the Agent (*Loop in
// production, via Router.Get) to run a given model candidate against — the
// LLM execution itself (provider selection, request building, streaming)
// is out of this contract's scope; agentFor is the seam that supplies it.
func RunAgent(ctx context.Context, sessStore store.SessionStore, agentFor func(model string) (Agent, error), req RunAgentRequest) (*RunAgentResult, error) {
	model := ResolveModel(req.JobModelOverride, req.HookModel, req.SessionModelOverride, req.AgentDefaultModel)
	supportsXHigh := req.SupportsXHigh
	if supportsXHigh == nil {
		supportsXHigh = func(string) bool { return true }
	}
	thinkLevel := ResolveThinkingLevel(req.JobThinkLevel, req.HookThinkLevel, req.AgentDefaultThink, supportsXHigh(model))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if req.TimeoutMs > 0 {
		var timeoutCancel context.CancelFunc
		runCtx, timeoutCancel = context.WithTimeout(runCtx, time.Duration(req.TimeoutMs)*time.Millisecond)
		defer timeoutCancel()
	}
	if req.AbortSignal != nil {
		go func() {
			select {
			case <-req.AbortSignal:
				cancel()
			case <-runCtx.Done():
			}
		}()
	}

	recorder := tools.NewMessagingRecorder()
	runCtx = tools.WithMessagingRecorder(runCtx, recorder)
	runCtx = tools.WithRequireExplicitMessageTarget(runCtx, req.RequireExplicitMessageTarget)
	runCtx = tools.WithMessageToolDisabled(runCtx, req.DisableMessageTool)

	candidates := append([]string{model}, req.ModelFallbacks...)

	start := time.Now()
	var result *RunResult
	var usedModel string
	var lastErr error

	for i, candidate := range candidates {
		if candidate == "" {
			continue
		}
		a, err := agentFor(candidate)
		if err != nil {
			lastErr = err
			continue
		}

		runReq := req.RunRequest
		runReq.SessionKey = req.SessionKey
		if runReq.Message == "" {
			runReq.Message = req.Prompt
		}
		if runReq.RunID == "" {
			runReq.RunID = req.RunID
		}
		runReq.ThinkingLevelOverride = thinkLevel

		res, runErr := a.Run(runCtx, runReq)
		if runErr == nil {
			result = res
			usedModel = candidate
			lastErr = nil
			break
		}
		lastErr = runErr
		if !isRetryable(runErr) || i == len(candidates)-1 {
			break
		}
	}

	if lastErr != nil {
		return nil, fmt.Errorf("agent run failed after %d candidate model(s): %w", len(candidates), lastErr)
	}
	if result == nil {
		return nil, fmt.Errorf("agent run produced no result")
	}

	durationMs := time.Since(start).Milliseconds()

	var cacheRead, cacheWrite int64
	var contextTokens int
	if result.Usage != nil {
		cacheRead = int64(result.Usage.CacheReadTokens)
		cacheWrite = int64(result.Usage.CacheCreationTokens)
		contextTokens = result.Usage.PromptTokens + result.Usage.CompletionTokens
	}
	aborted := runCtx.Err() != nil
	if sessStore != nil {
		sessStore.UpdateEntry(req.SessionKey, func(d *store.SessionData) {
			d.AbortedLastRun = aborted
			d.CacheReadTokens += cacheRead
			d.CacheWriteTokens += cacheWrite
			if contextTokens > 0 {
				d.ContextTokens = contextTokens
			}
			d.Model = usedModel
		})
	}

	sent, targets := recorder.Sent()

	return &RunAgentResult{
		Result:                   result,
		Model:                    usedModel,
		SessionID:                req.SessionID,
		DurationMs:               durationMs,
		DidSendViaMessagingTool:  sent,
		MessagingToolSentTargets: targets,
	}, nil
}
