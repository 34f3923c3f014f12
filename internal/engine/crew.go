package engine

import (
	"github.com/google/uuid"

	"github.com/oddjobs/oddjobs/internal/agent"
	"github.com/oddjobs/oddjobs/internal/event"
	"github.com/oddjobs/oddjobs/internal/state"
)

// crewDef resolves a crew's runbook agent definition.
func (e *Engine) crewDef(crew *state.Crew) (*agentSpawnInput, bool) {
	rb, ok := e.st.RunbookFor(crew.RunbookHash)
	if !ok {
		return nil, false
	}
	def, ok := rb.Agents[crew.Agent]
	if !ok {
		return nil, false
	}
	return &agentSpawnInput{command: def.Command}, true
}

type agentSpawnInput struct {
	command string
}

func (e *Engine) onCrewCreated(p *event.CrewCreated) []Effect {
	crew, ok := e.st.Crews[p.CrewID]
	if !ok {
		return nil
	}
	in, ok := e.crewDef(crew)
	if !ok {
		return []Effect{emitEvent(event.TypeCrewUpdated, &event.CrewUpdated{
			CrewID: crew.ID,
			Status: string(state.CrewFailed),
			Reason: "unknown agent " + crew.Agent,
		})}
	}

	prompt := substPrompt(crew.Command, crewVars(crew))
	return []Effect{SpawnAgent{Config: agent.SpawnConfig{
		AgentID: uuid.New().String(),
		Owner:   event.CrewOwner(crew.ID),
		Name:    crew.Agent,
		Command: in.command,
		Prompt:  prompt,
		Dir:     crew.CWD,
		Env:     crewVars(crew),
	}}}
}

func (e *Engine) onCrewUpdated(p *event.CrewUpdated) []Effect {
	crew, ok := e.st.Crews[p.CrewID]
	if !ok {
		return nil
	}
	if !crew.Status.Terminal() {
		return nil
	}

	owner := event.CrewOwner(crew.ID)
	effects := e.leaveAgentStep(owner)

	if meta, ok := e.agentOf(owner); ok && meta.Live() {
		effects = append(effects, KillAgent{AgentID: meta.ID})
	}
	if d := e.st.PendingDecision(owner); d != nil {
		effects = append(effects, emitEvent(event.TypeDecisionResolved, &event.DecisionResolved{
			DecisionID: d.ID,
			Message:    "auto-dismissed: crew " + string(crew.Status),
		}))
	}
	return effects
}

// resumeCrew continues a crew: a live agent gets the message, a dead
// one is respawned against its prior session.
func (e *Engine) resumeCrew(crew *state.Crew, message string, kill, appendPrompt bool) []Effect {
	owner := event.CrewOwner(crew.ID)
	in, ok := e.crewDef(crew)
	if !ok {
		return []Effect{emitEvent(event.TypeCrewUpdated, &event.CrewUpdated{
			CrewID: crew.ID,
			Status: string(state.CrewFailed),
			Reason: "unknown agent " + crew.Agent,
		})}
	}

	var effects []Effect
	meta, hasAgent := e.agentOf(owner)

	if kill && hasAgent && meta.Live() {
		effects = append(effects, KillAgent{AgentID: meta.ID})
		e.registry.Unbind(meta.ID)
		e.watchers.Unwatch(meta.ID)
		hasAgent = false
	}

	effects = append(effects,
		emitEvent(event.TypeCrewUpdated, &event.CrewUpdated{
			CrewID: crew.ID, Status: string(state.CrewRunning),
		}),
		emitEvent(event.TypeActionReset, &event.ActionReset{Owner: owner}),
	)

	if hasAgent && meta.Live() {
		msg := message
		if msg == "" {
			msg = defaultNudge
		}
		return append(effects, SendToAgent{AgentID: meta.ID, Message: msg})
	}

	cfg := agent.SpawnConfig{
		AgentID: uuid.New().String(),
		Owner:   owner,
		Name:    crew.Agent,
		Command: in.command,
		Prompt:  message,
		Dir:     crew.CWD,
		Env:     crewVars(crew),
	}
	if hasAgent && meta.SessionID != "" {
		cfg.SessionID = meta.SessionID
		cfg.Append = appendPrompt
	}
	return append(effects, SpawnAgent{Config: cfg})
}

func (e *Engine) onCrewResume(p *event.CrewResume) []Effect {
	crew, ok := e.st.Crews[p.CrewID]
	if !ok || crew.Status.Terminal() {
		return nil
	}
	var effects []Effect
	if d := e.st.PendingDecision(event.CrewOwner(crew.ID)); d != nil {
		effects = append(effects, emitEvent(event.TypeDecisionResolved, &event.DecisionResolved{
			DecisionID: d.ID,
			Message:    "auto-dismissed: crew resumed",
		}))
	}
	return append(effects, e.resumeCrew(crew, p.Message, p.Kill, p.Message != "")...)
}

func (e *Engine) onCrewCancel(p *event.CrewCancel) []Effect {
	crew, ok := e.st.Crews[p.CrewID]
	if !ok || crew.Status.Terminal() {
		return nil
	}
	return []Effect{emitEvent(event.TypeCrewUpdated, &event.CrewUpdated{
		CrewID: crew.ID,
		Status: string(state.CrewFailed),
		Reason: "cancelled",
	})}
}
