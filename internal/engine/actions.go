package engine

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/oddjobs/oddjobs/internal/event"
	"github.com/oddjobs/oddjobs/internal/runbook"
	"github.com/oddjobs/oddjobs/internal/shellexec"
	"github.com/oddjobs/oddjobs/internal/state"
)

// buildAction turns one declared action into effects for a target.
func (e *Engine) buildAction(t runTarget, action runbook.Action, trigger string, pos int, info *promptInfo) []Effect {
	switch action.Kind {
	case runbook.ActionNudge:
		meta, ok := e.agentOf(t.Owner())
		if !ok || !meta.Live() {
			// Nothing to nudge; hand the situation to a human.
			return e.escalateTarget(t, trigger, "agent not available to nudge", info)
		}
		msg := action.Message
		if msg == "" {
			msg = defaultNudge
		}
		return []Effect{SendToAgent{AgentID: meta.ID, Message: msg}}

	case runbook.ActionDone:
		return t.advance(e)

	case runbook.ActionFail:
		return t.fail(e, trigger)

	case runbook.ActionResume:
		msg := substPrompt(action.Message, t.Vars(e))
		return t.respawn(e, msg, action.Kill, action.Append)

	case runbook.ActionGate:
		cmd := shellexec.Substitute(action.Command, t.Vars(e))
		return []Effect{Shell{
			Owner:    t.Owner(),
			Purpose:  event.ShellPurposeGate,
			Command:  cmd,
			Dir:      t.ExecDir(e),
			Trigger:  trigger,
			ChainPos: pos,
		}}

	case runbook.ActionEscalate:
		return e.escalateTarget(t, trigger, "", info)
	}

	e.logger.Warn("unknown action kind", zap.String("kind", string(action.Kind)))
	return nil
}

// escalateTarget promotes a situation to a pending decision.
func (e *Engine) escalateTarget(t runTarget, trigger, detail string, info *promptInfo) []Effect {
	source := sourceForTrigger(trigger, info)

	var b strings.Builder
	fmt.Fprintf(&b, "%s needs attention (%s)", t.DisplayName(), trigger)
	if detail != "" {
		b.WriteString("\n")
		b.WriteString(detail)
	}
	if info != nil && info.LastMessage != "" {
		b.WriteString("\n\n")
		b.WriteString(info.LastMessage)
	}

	agentID := ""
	if meta, ok := e.agentOf(t.Owner()); ok {
		agentID = meta.ID
	}

	var questions []event.Question
	if info != nil {
		questions = info.Questions
	}
	return e.escalate(t.Owner(), agentID, source, b.String(), questions, "")
}

// escalate creates the decision record. The DecisionCreated handler
// parks the owner and fans out the notification.
func (e *Engine) escalate(owner event.Owner, agentID, source, context string, questions []event.Question, _ string) []Effect {
	if d := e.st.PendingDecision(owner); d != nil {
		// One unresolved decision per owner; the existing one stands.
		return nil
	}
	return []Effect{emitEvent(event.TypeDecisionCreated, &event.DecisionCreated{
		DecisionID: uuid.New().String(),
		Owner:      owner,
		AgentID:    agentID,
		Source:     source,
		Context:    context,
		Options:    buildOptions(source, questions),
		Questions:  questions,
	})}
}

// sourceForTrigger maps an attempt trigger to a decision source.
func sourceForTrigger(trigger string, info *promptInfo) string {
	trigger = strings.TrimSuffix(trigger, ":exhausted")
	switch {
	case trigger == "idle":
		return state.SourceIdle
	case trigger == "exit":
		return state.SourceDead
	case trigger == "signal":
		return state.SourceSignal
	case trigger == "gate":
		return state.SourceGate
	case trigger == "prompt:question":
		return state.SourceQuestion
	case trigger == "prompt:plan":
		return state.SourcePlan
	case strings.HasPrefix(trigger, "prompt"):
		return state.SourceApproval
	case strings.HasPrefix(trigger, "error:"):
		return state.SourceError
	}
	return state.SourceError
}

// buildOptions assembles the 1-indexed option list for a source. For
// questions the last three entries (Other, Cancel, Dismiss) are
// appended dynamically after the flattened per-question options.
func buildOptions(source string, questions []event.Question) []event.DecisionOption {
	opt := func(label, desc string) event.DecisionOption {
		return event.DecisionOption{Label: label, Description: desc}
	}
	switch source {
	case state.SourceIdle, state.SourceSignal:
		return []event.DecisionOption{
			opt("Nudge", "Send the agent a reminder to continue"),
			opt("Done", "Mark the current step complete"),
			opt("Cancel", "Cancel the run"),
			opt("Dismiss", "Dismiss without acting"),
		}
	case state.SourceError, state.SourceDead:
		return []event.DecisionOption{
			opt("Retry", "Resume or restart the agent"),
			opt("Skip", "Mark the current step complete"),
			opt("Cancel", "Cancel the run"),
			opt("Dismiss", "Dismiss without acting"),
		}
	case state.SourceGate:
		return []event.DecisionOption{
			opt("Retry", "Send the agent back to fix and re-check"),
			opt("Skip", "Mark the current step complete"),
			opt("Cancel", "Cancel the run"),
			opt("Dismiss", "Dismiss without acting"),
		}
	case state.SourceApproval:
		return []event.DecisionOption{
			opt("Approve", "Allow the requested action"),
			opt("Deny", "Refuse and cancel the run"),
			opt("Cancel", "Cancel the run"),
			opt("Dismiss", "Dismiss without acting"),
		}
	case state.SourcePlan:
		return []event.DecisionOption{
			opt("Accept (clear context)", "Accept the plan and start fresh"),
			opt("Accept (auto)", "Accept the plan with automatic edits"),
			opt("Accept (manual)", "Accept the plan for manual execution"),
			opt("Revise", "Send the plan back with feedback"),
			opt("Cancel", "Cancel the run"),
		}
	case state.SourceQuestion:
		var opts []event.DecisionOption
		for _, q := range questions {
			for _, o := range q.Options {
				label := o
				if q.Header != "" {
					label = q.Header + ": " + o
				}
				opts = append(opts, opt(label, ""))
			}
		}
		opts = append(opts,
			opt("Other", "Answer with a freeform message"),
			opt("Cancel", "Cancel the run"),
			opt("Dismiss", "Dismiss without acting"),
		)
		return opts
	}
	return []event.DecisionOption{
		opt("Retry", ""), opt("Skip", ""), opt("Cancel", ""), opt("Dismiss", ""),
	}
}

// onGateExited routes a gate command result: pass advances the owner,
// failure raises a Gate decision. Gates are never retried by the
// dispatcher; the decision is the retry mechanism.
func (e *Engine) onGateExited(p *event.ShellExited) []Effect {
	t, ok := e.targetOf(p.Owner)
	if !ok || t.Terminal() {
		return nil
	}

	if p.Error == "" && p.ExitCode == 0 {
		e.logger.Info("gate passed", zap.String("owner", p.Owner.String()),
			zap.String("command", p.Command))
		return t.advance(e)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "gate `%s` failed", p.Command)
	if p.Error != "" {
		fmt.Fprintf(&b, "\nExecution error: %s", p.Error)
	} else {
		fmt.Fprintf(&b, "\nExit code: %d", p.ExitCode)
	}
	if s := strings.TrimSpace(p.Stderr); s != "" {
		b.WriteString("\n")
		b.WriteString(s)
	}

	agentID := ""
	if meta, ok := e.agentOf(p.Owner); ok {
		agentID = meta.ID
	}
	return e.escalate(p.Owner, agentID, state.SourceGate, b.String(), nil, "")
}
