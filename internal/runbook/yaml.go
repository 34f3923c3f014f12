package runbook

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// The yaml forms accept the shorthand runbook authors actually write:
// an action can be a bare word ("nudge"), a chain can be a single
// action or a list, and cooldowns/polls are duration strings ("30s").

// UnmarshalYAML decodes either a bare action name or a full mapping.
func (a *Action) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		a.Kind = ActionKind(node.Value)
		return a.checkKind()
	}

	var raw struct {
		Kind     ActionKind `yaml:"kind"`
		Message  string     `yaml:"message"`
		Append   bool       `yaml:"append"`
		Kill     bool       `yaml:"kill"`
		Command  string     `yaml:"command"`
		Attempts int        `yaml:"attempts"`
		Cooldown string     `yaml:"cooldown"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	a.Kind = raw.Kind
	a.Message = raw.Message
	a.Append = raw.Append
	a.Kill = raw.Kill
	a.Command = raw.Command
	a.Attempts = raw.Attempts
	if raw.Cooldown != "" {
		d, err := time.ParseDuration(raw.Cooldown)
		if err != nil {
			return fmt.Errorf("runbook: invalid cooldown %q: %w", raw.Cooldown, err)
		}
		a.Cooldown = d
	}
	return a.checkKind()
}

func (a *Action) checkKind() error {
	switch a.Kind {
	case ActionNudge, ActionDone, ActionFail, ActionResume, ActionGate, ActionEscalate:
		return nil
	case "auto":
		// "auto" is the historical spelling of done.
		a.Kind = ActionDone
		return nil
	}
	return fmt.Errorf("runbook: unknown action %q", a.Kind)
}

// UnmarshalYAML accepts a single action or a sequence of actions.
func (c *ActionChain) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.SequenceNode {
		var actions []Action
		if err := node.Decode(&actions); err != nil {
			return err
		}
		*c = actions
		return nil
	}
	var single Action
	if err := node.Decode(&single); err != nil {
		return err
	}
	*c = ActionChain{single}
	return nil
}

// UnmarshalYAML decodes retry cooldowns from duration strings.
func (r *QueueRetry) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		Attempts uint32 `yaml:"attempts"`
		Cooldown string `yaml:"cooldown"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	r.Attempts = raw.Attempts
	if raw.Cooldown != "" {
		d, err := time.ParseDuration(raw.Cooldown)
		if err != nil {
			return fmt.Errorf("runbook: invalid cooldown %q: %w", raw.Cooldown, err)
		}
		r.Cooldown = d
	}
	return nil
}
