package engine

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/oddjobs/oddjobs/internal/event"
	"github.com/oddjobs/oddjobs/internal/runbook"
	"github.com/oddjobs/oddjobs/internal/scheduler"
	"github.com/oddjobs/oddjobs/internal/state"
)

func (e *Engine) onAgentSpawned(ctx context.Context, p *event.AgentSpawned) []Effect {
	e.registry.Bind(p.AgentID, p.Owner)
	e.watchers.Watch(ctx, p.AgentID)
	e.alog.AppendAgent(p.AgentID, "spawned for "+p.Owner.Short())

	effects := []Effect{SetTimer{
		ID:       scheduler.PrefixLiveness + ownerTimerSuffix(p.Owner),
		Duration: e.cfg.LivenessInterval,
	}}
	if p.Owner.Kind == event.OwnerCrew {
		effects = append(effects, emitEvent(event.TypeCrewUpdated, &event.CrewUpdated{
			CrewID: p.Owner.ID, Status: string(state.CrewRunning), AgentID: p.AgentID,
		}))
	}
	return effects
}

func (e *Engine) onAgentSpawnFailed(p *event.AgentSpawnFailed) []Effect {
	t, ok := e.targetOf(p.Owner)
	if !ok || t.Terminal() {
		return nil
	}
	return t.fail(e, "agent spawn failed: "+p.Error)
}

// ownerOfAgent resolves an agent's owner from the registry, falling
// back to state for agents seen only through replay.
func (e *Engine) ownerOfAgent(agentID string) (event.Owner, bool) {
	if owner, ok := e.registry.OwnerOf(agentID); ok {
		return owner, true
	}
	return e.st.OwnerOfAgent(agentID)
}

func (e *Engine) onAgentWorking(env event.Envelope, p *event.AgentWorking) []Effect {
	owner, ok := e.ownerOfAgent(p.AgentID)
	if !ok {
		return nil
	}
	t, ok := e.targetOf(owner)
	if !ok || t.Terminal() {
		return nil
	}

	// A momentary idle that never fired its grace timer is forgotten.
	effects := []Effect{CancelTimer{ID: scheduler.PrefixIdleGrace + ownerTimerSuffix(owner)}}

	nudgedAt := t.LastNudgeAtMs()
	withinNudgeWindow := nudgedAt != 0 && env.TSMs-nudgedAt < e.cfg.AutoResumeWindow.Milliseconds()

	if t.Waiting() {
		// Working right after a nudge is likely our own nudge text
		// echoing back, not genuine progress.
		if withinNudgeWindow {
			return effects
		}
		e.logger.Info("agent active, auto-resuming from escalation",
			zap.String("owner", owner.String()))
		if d := e.st.PendingDecision(owner); d != nil && state.AliveSource(d.Source) {
			effects = append(effects, emitEvent(event.TypeDecisionResolved, &event.DecisionResolved{
				DecisionID: d.ID,
				Message:    "auto-dismissed: agent became active",
			}))
		}
		effects = append(effects, t.resumeRunning(e)...)
		effects = append(effects, emitEvent(event.TypeActionReset, &event.ActionReset{Owner: owner}))
		return effects
	}

	// Genuine progress after a nudge clears the attempt bookkeeping.
	if nudgedAt != 0 && !withinNudgeWindow {
		effects = append(effects, emitEvent(event.TypeActionReset, &event.ActionReset{Owner: owner}))
	}
	return effects
}

func (e *Engine) onAgentIdle(p *event.AgentIdle) []Effect {
	owner, ok := e.ownerOfAgent(p.AgentID)
	if !ok {
		return nil
	}
	t, ok := e.targetOf(owner)
	if !ok || t.Terminal() || t.Waiting() {
		return nil
	}
	if d := e.st.PendingDecision(owner); d != nil && state.AliveSource(d.Source) {
		return nil
	}
	// Debounce: momentary idle during streaming must not trigger.
	return []Effect{SetTimer{
		ID:       scheduler.PrefixIdleGrace + ownerTimerSuffix(owner),
		Duration: e.cfg.IdleGrace,
	}}
}

func (e *Engine) onAgentFailed(p *event.AgentFailed) []Effect {
	owner, ok := e.ownerOfAgent(p.AgentID)
	if !ok {
		return nil
	}
	t, ok := e.targetOf(owner)
	if !ok || t.Terminal() {
		return nil
	}
	if d := e.st.PendingDecision(owner); d != nil && state.AliveSource(d.Source) {
		return nil
	}
	agentDef, ok := e.agentDefOf(t)
	if !ok {
		return t.fail(e, "agent definition missing")
	}
	e.alog.AppendAgent(p.AgentID, "agent error: "+p.Message)
	chain := agentDef.OnError.ChainFor(p.Kind)
	return e.dispatchWithAttempts(t, chain, "error:"+p.Kind, 0, nil, p.Message)
}

func (e *Engine) onAgentExited(p *event.AgentExited) []Effect {
	return e.deferExit(p.AgentID)
}

func (e *Engine) onAgentGone(p *event.AgentGone) []Effect {
	return e.deferExit(p.AgentID)
}

// deferExit arms the exit-deferred grace timer and captures the
// agent's remains. The on_dead path runs when the timer fires and the
// agent is still gone; watcher/race jitter is absorbed.
func (e *Engine) deferExit(agentID string) []Effect {
	owner, ok := e.ownerOfAgent(agentID)
	if !ok {
		return nil
	}
	t, ok := e.targetOf(owner)
	if !ok || t.Terminal() {
		return nil
	}
	o := ownerTimerSuffix(owner)
	return []Effect{
		CaptureAgent{AgentID: agentID},
		CancelTimer{ID: scheduler.PrefixLiveness + o},
		CancelTimer{ID: scheduler.PrefixIdleGrace + o},
		SetTimer{ID: scheduler.PrefixExitDeferred + o, Duration: e.cfg.ExitGrace},
	}
}

func (e *Engine) onAgentPrompt(p *event.AgentPrompt) []Effect {
	owner, ok := e.ownerOfAgent(p.AgentID)
	if !ok {
		return nil
	}
	t, ok := e.targetOf(owner)
	if !ok || t.Terminal() {
		return nil
	}
	if d := e.st.PendingDecision(owner); d != nil && state.AliveSource(d.Source) {
		return nil
	}
	agentDef, ok := e.agentDefOf(t)
	if !ok {
		return t.fail(e, "agent definition missing")
	}

	trigger := "prompt"
	switch p.PromptType {
	case string(promptQuestion):
		trigger = "prompt:question"
	case string(promptPlan):
		trigger = "prompt:plan"
	}

	// Prompt actions fire once per occurrence; the pending-decision
	// guard above prevents re-firing, so no attempt tracking.
	info := &promptInfo{Questions: p.Questions, LastMessage: p.LastMessage, Type: p.PromptType}
	return e.buildAction(t, agentDef.PromptChain()[0], trigger, 0, info)
}

type promptInfo struct {
	Type        string
	Questions   []event.Question
	LastMessage string
}

const (
	promptQuestion = "question"
	promptPlan     = "plan"
)

// dispatchWithAttempts runs the attempt/cooldown machinery for one
// chain position, escalating when the budget is spent.
func (e *Engine) dispatchWithAttempts(t runTarget, chain runbook.ActionChain, trigger string, pos int, info *promptInfo, detail string) []Effect {
	if pos >= len(chain) {
		return e.escalateTarget(t, trigger+":exhausted", detail, info)
	}
	action := chain[pos]
	key := state.AttemptKey{Trigger: trigger, ChainPos: pos}
	attemptNum := t.Attempts(key) + 1

	// Budget check compares the count before this attempt.
	budget := action.AttemptBudget()
	if budget != runbook.AttemptsInfinite && attemptNum-1 >= budget {
		if pos+1 < len(chain) {
			// Walk the chain before surrendering to a human.
			return e.dispatchWithAttempts(t, chain, trigger, pos+1, info, detail)
		}
		e.logger.Info("attempts exhausted, escalating",
			zap.String("owner", t.Owner().String()),
			zap.String("trigger", trigger),
			zap.Int("attempts", attemptNum-1))
		return e.escalateTarget(t, trigger+":exhausted", detail, info)
	}

	effects := []Effect{emitEvent(event.TypeActionDispatched, &event.ActionDispatched{
		Owner:    t.Owner(),
		Trigger:  trigger,
		ChainPos: pos,
		Kind:     string(action.Kind),
	})}

	// Retries after the first attempt honor the declared cooldown; the
	// action itself fires when the timer does.
	if attemptNum > 1 && action.Cooldown > 0 {
		effects = append(effects, SetTimer{
			ID: scheduler.PrefixCooldown + ownerTimerSuffix(t.Owner()) +
				":" + trigger + ":" + strconv.Itoa(pos),
			Duration: action.Cooldown,
		})
		return effects
	}

	return append(effects, e.buildAction(t, action, trigger, pos, info)...)
}

func (e *Engine) onTimerFired(p *event.TimerFired) []Effect {
	id := p.TimerID
	switch {
	case strings.HasPrefix(id, scheduler.PrefixLiveness):
		return e.onLivenessFired(id)
	case strings.HasPrefix(id, scheduler.PrefixIdleGrace):
		return e.onIdleGraceFired(id)
	case strings.HasPrefix(id, scheduler.PrefixExitDeferred):
		return e.onExitDeferredFired(id)
	case strings.HasPrefix(id, scheduler.PrefixCooldown):
		return e.onCooldownFired(id)
	case strings.HasPrefix(id, scheduler.PrefixQueuePoll):
		return e.onQueuePollFired(id)
	case strings.HasPrefix(id, scheduler.PrefixQueueRetry):
		return e.onQueueRetryFired(id)
	case strings.HasPrefix(id, scheduler.PrefixCron):
		return e.onCronTimerFired(id)
	}
	return nil
}

func (e *Engine) onLivenessFired(id string) []Effect {
	owner, _, ok := parseOwnerTimer(id, scheduler.PrefixLiveness)
	if !ok {
		return nil
	}
	t, ok := e.targetOf(owner)
	if !ok || t.Terminal() {
		return nil
	}
	meta, ok := e.agentOf(owner)
	if !ok || !meta.Live() {
		return nil
	}
	return []Effect{CheckLiveness{
		AgentID:  meta.ID,
		TimerID:  id,
		Interval: e.cfg.LivenessInterval,
	}}
}

func (e *Engine) onIdleGraceFired(id string) []Effect {
	owner, _, ok := parseOwnerTimer(id, scheduler.PrefixIdleGrace)
	if !ok {
		return nil
	}
	t, ok := e.targetOf(owner)
	if !ok || t.Terminal() || t.Waiting() {
		return nil
	}
	meta, ok := e.agentOf(owner)
	if !ok || meta.Condition != "idle" {
		// The idle was momentary; the agent moved on.
		return nil
	}
	if d := e.st.PendingDecision(owner); d != nil && state.AliveSource(d.Source) {
		return nil
	}
	agentDef, ok := e.agentDefOf(t)
	if !ok {
		return t.fail(e, "agent definition missing")
	}
	e.alog.AppendAgent(meta.ID, "agent idle")
	return e.dispatchWithAttempts(t, agentDef.IdleChain(), "idle", 0, nil, "")
}

func (e *Engine) onExitDeferredFired(id string) []Effect {
	owner, _, ok := parseOwnerTimer(id, scheduler.PrefixExitDeferred)
	if !ok {
		return nil
	}
	t, ok := e.targetOf(owner)
	if !ok || t.Terminal() {
		return nil
	}
	meta, ok := e.agentOf(owner)
	if ok && meta.Live() {
		// The exit was jitter; the agent is back.
		return nil
	}

	var effects []Effect
	// An exit invalidates any decision that presumed a live agent.
	if d := e.st.PendingDecision(owner); d != nil {
		if !state.AliveSource(d.Source) {
			return nil
		}
		effects = append(effects, emitEvent(event.TypeDecisionResolved, &event.DecisionResolved{
			DecisionID: d.ID,
			Message:    "auto-dismissed: agent exited",
		}))
	}

	agentDef, ok := e.agentDefOf(t)
	if !ok {
		return append(effects, t.fail(e, "agent definition missing")...)
	}

	detail := exitDetail(meta)
	return append(effects, e.dispatchWithAttempts(t, agentDef.DeadChain(), "exit", 0, nil, detail)...)
}

func exitDetail(meta *state.AgentMeta) string {
	if meta == nil {
		return "agent session ended"
	}
	if meta.Condition == "gone" {
		return "agent session ended"
	}
	if meta.ExitCode != nil {
		return fmt.Sprintf("agent exited (code %d)", *meta.ExitCode)
	}
	return "agent exited"
}

func (e *Engine) onCooldownFired(id string) []Effect {
	owner, tail, ok := parseOwnerTimer(id, scheduler.PrefixCooldown)
	if !ok || tail == "" {
		return nil
	}
	// tail is "<trigger>:<pos>"; the trigger itself may contain colons.
	cut := strings.LastIndex(tail, ":")
	if cut < 0 {
		return nil
	}
	trigger := tail[:cut]
	pos, err := strconv.Atoi(tail[cut+1:])
	if err != nil {
		return nil
	}

	t, ok := e.targetOf(owner)
	if !ok || t.Terminal() || t.Waiting() {
		return nil
	}
	agentDef, ok := e.agentDefOf(t)
	if !ok {
		return nil
	}

	chain := chainForTrigger(agentDef, trigger)
	if pos >= len(chain) {
		return nil
	}
	// The attempt was booked when the cooldown was scheduled; just run
	// the action now.
	return e.buildAction(t, chain[pos], trigger, pos, nil)
}

// chainForTrigger maps an attempt trigger back to its declared chain.
func chainForTrigger(def *runbook.AgentDef, trigger string) runbook.ActionChain {
	switch {
	case trigger == "idle":
		return def.IdleChain()
	case trigger == "exit":
		return def.DeadChain()
	case strings.HasPrefix(trigger, "prompt"):
		return def.PromptChain()
	case strings.HasPrefix(trigger, "error:"):
		return def.OnError.ChainFor(strings.TrimPrefix(trigger, "error:"))
	}
	return nil
}
