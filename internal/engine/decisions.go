package engine

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/oddjobs/oddjobs/internal/agent"
	"github.com/oddjobs/oddjobs/internal/event"
	"github.com/oddjobs/oddjobs/internal/scheduler"
	"github.com/oddjobs/oddjobs/internal/state"
)

func (e *Engine) onDecisionCreated(p *event.DecisionCreated) []Effect {
	t, ok := e.targetOf(p.Owner)
	if !ok || t.Terminal() {
		return nil
	}
	e.logger.Info("decision created",
		zap.String("decision_id", event.ShortID(p.DecisionID)),
		zap.String("owner", p.Owner.String()),
		zap.String("source", p.Source))

	effects := []Effect{
		// The escalation supersedes any pending dead-agent handling.
		CancelTimer{ID: scheduler.PrefixExitDeferred + ownerTimerSuffix(p.Owner)},
	}
	effects = append(effects, t.markWaiting(e, p.DecisionID)...)
	effects = append(effects, Notify{
		Title: fmt.Sprintf("%s needs a decision", t.DisplayName()),
		Body:  p.Context,
		Owner: p.Owner,
	})
	return effects
}

// resolvedAction is the normalized outcome of a numbered choice.
type resolvedAction int

const (
	actDismiss resolvedAction = iota
	actNudge
	actComplete
	actCancel
	actRetry
	actApprove
	actDeny
	actPlanAccept // planOption carries the accepted mode
	actPlanRevise
	actAnswer // answer carries the message text
)

// resolveChoice maps (source, choice, option count) to an action.
// Options are 1-indexed; for Question sources the last three entries
// (Other, Cancel, Dismiss) float with the option count.
func resolveChoice(source string, choice, optionCount int) (resolvedAction, int) {
	if source == state.SourceQuestion {
		switch {
		case choice == optionCount:
			return actDismiss, 0
		case choice == optionCount-1:
			return actCancel, 0
		case choice == optionCount-2:
			return actAnswer, -1 // Other: freeform
		case choice >= 1 && choice < optionCount-2:
			return actAnswer, choice
		}
		return actDismiss, 0
	}

	switch source {
	case state.SourceIdle, state.SourceSignal:
		switch choice {
		case 1:
			return actNudge, 0
		case 2:
			return actComplete, 0
		case 3:
			return actCancel, 0
		}
	case state.SourceError, state.SourceDead, state.SourceGate:
		switch choice {
		case 1:
			return actRetry, 0
		case 2:
			return actComplete, 0
		case 3:
			return actCancel, 0
		}
	case state.SourceApproval:
		switch choice {
		case 1:
			return actApprove, 0
		case 2:
			return actDeny, 0
		case 3:
			return actCancel, 0
		}
	case state.SourcePlan:
		switch choice {
		case 1, 2, 3:
			return actPlanAccept, choice
		case 4:
			return actPlanRevise, 0
		case 5:
			return actCancel, 0
		}
	}
	return actDismiss, 0
}

func (e *Engine) onDecisionResolved(p *event.DecisionResolved) []Effect {
	d, ok := e.st.Decisions[p.DecisionID]
	if !ok {
		return nil
	}
	// Auto-dismissals carry no choices; their flows emit follow-ups
	// themselves.
	if len(p.Choices) == 0 {
		return nil
	}

	t, ok := e.targetOf(d.Owner)
	if !ok || t.Terminal() {
		return nil
	}

	action, arg := resolveChoice(d.Source, p.Choices[0], len(d.Options))

	// Multi-question answers combine one selection per question.
	answer := ""
	if action == actAnswer {
		answer = buildAnswer(d, p.Choices, p.Message, arg)
	}

	switch action {
	case actDismiss:
		return nil

	case actNudge, actRetry:
		msg := p.Message
		if msg == "" {
			msg = defaultNudge
		}
		return e.ownerResume(d.Owner, msg)

	case actComplete:
		return t.advance(e)

	case actCancel:
		effects := e.planRespondIfAny(d, agent.PromptResponse{Accept: boolPtr(false)})
		return append(effects, e.ownerCancel(d.Owner)...)

	case actApprove:
		return e.ownerResume(d.Owner, "Approved.")

	case actDeny:
		return e.ownerCancel(d.Owner)

	case actPlanAccept:
		opt := arg
		effects := []Effect{RespondToAgent{
			AgentID:  d.AgentID,
			Response: agent.PromptResponse{Option: &opt},
		}}
		return append(effects, t.resumeRunning(e)...)

	case actPlanRevise:
		msg := p.Message
		if msg == "" {
			msg = "Please revise the plan."
		}
		effects := []Effect{RespondToAgent{
			AgentID:  d.AgentID,
			Response: agent.PromptResponse{Text: msg},
		}}
		return append(effects, e.ownerResume(d.Owner, msg)...)

	case actAnswer:
		return e.ownerAnswer(d.Owner, d.AgentID, answer)
	}
	return nil
}

// buildAnswer assembles the message for a Question resolution.
func buildAnswer(d *state.Decision, choices []int, freeform string, arg int) string {
	if arg < 0 {
		// "Other" — the operator's freeform message is the answer.
		if freeform != "" {
			return freeform
		}
		return "Other"
	}

	// One selection per question combines into one message.
	if len(d.Questions) > 1 && len(choices) == len(d.Questions) {
		var parts []string
		for i, q := range d.Questions {
			idx := choices[i]
			if idx < 1 || idx > len(q.Options) {
				continue
			}
			header := q.Header
			if header == "" {
				header = q.Question
			}
			parts = append(parts, fmt.Sprintf("%s: %s", header, q.Options[idx-1]))
		}
		return strings.Join(parts, "\n")
	}

	// Single selection into the flattened option list.
	if arg >= 1 && arg <= len(d.Options) {
		return d.Options[arg-1].Label
	}
	return freeform
}

// ownerResume routes a resume through the owner's request event.
func (e *Engine) ownerResume(owner event.Owner, message string) []Effect {
	switch owner.Kind {
	case event.OwnerJob:
		return []Effect{emitEvent(event.TypeJobResume, &event.JobResume{JobID: owner.ID, Message: message})}
	case event.OwnerCrew:
		return []Effect{emitEvent(event.TypeCrewResume, &event.CrewResume{CrewID: owner.ID, Message: message})}
	}
	return nil
}

// ownerCancel routes a cancel through the owner's request event.
func (e *Engine) ownerCancel(owner event.Owner) []Effect {
	switch owner.Kind {
	case event.OwnerJob:
		return []Effect{emitEvent(event.TypeJobCancel, &event.JobCancel{JobID: owner.ID})}
	case event.OwnerCrew:
		return []Effect{emitEvent(event.TypeCrewCancel, &event.CrewCancel{CrewID: owner.ID})}
	}
	return nil
}

// ownerAnswer delivers a question answer: straight to the prompting
// agent when it is still alive, otherwise through a resume.
func (e *Engine) ownerAnswer(owner event.Owner, agentID, answer string) []Effect {
	t, ok := e.targetOf(owner)
	if !ok {
		return nil
	}
	if meta, ok := e.st.Agents[agentID]; ok && meta.Live() {
		effects := []Effect{SendToAgent{AgentID: agentID, Message: answer}}
		return append(effects, t.resumeRunning(e)...)
	}
	return e.ownerResume(owner, answer)
}

// planRespondIfAny tells a prompting agent its plan was rejected when
// the decision is cancelled out from under it.
func (e *Engine) planRespondIfAny(d *state.Decision, resp agent.PromptResponse) []Effect {
	if d.Source != state.SourcePlan || d.AgentID == "" {
		return nil
	}
	if meta, ok := e.st.Agents[d.AgentID]; !ok || !meta.Live() {
		return nil
	}
	return []Effect{RespondToAgent{AgentID: d.AgentID, Response: resp}}
}

func boolPtr(b bool) *bool { return &b }
