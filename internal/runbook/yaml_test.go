package runbook

import (
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestActionScalarShorthand(t *testing.T) {
	var a Action
	if err := yaml.Unmarshal([]byte(`nudge`), &a); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if a.Kind != ActionNudge {
		t.Errorf("expected nudge, got %q", a.Kind)
	}
}

func TestActionAutoAlias(t *testing.T) {
	var a Action
	if err := yaml.Unmarshal([]byte(`auto`), &a); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if a.Kind != ActionDone {
		t.Errorf("auto should alias done, got %q", a.Kind)
	}
}

func TestActionMappingWithCooldown(t *testing.T) {
	var a Action
	doc := "kind: resume\nmessage: keep going\nkill: true\nattempts: 5\ncooldown: 30s\n"
	if err := yaml.Unmarshal([]byte(doc), &a); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if a.Kind != ActionResume || !a.Kill || a.Attempts != 5 {
		t.Errorf("fields mangled: %+v", a)
	}
	if a.Cooldown != 30*time.Second {
		t.Errorf("cooldown = %v, want 30s", a.Cooldown)
	}
}

func TestActionUnknownKindRejected(t *testing.T) {
	var a Action
	if err := yaml.Unmarshal([]byte(`explode`), &a); err == nil {
		t.Fatal("expected unknown action error")
	}
}

func TestChainSingleOrSequence(t *testing.T) {
	var single ActionChain
	if err := yaml.Unmarshal([]byte(`nudge`), &single); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if len(single) != 1 || single[0].Kind != ActionNudge {
		t.Errorf("single form broken: %+v", single)
	}

	var chain ActionChain
	doc := "- nudge\n- kind: gate\n  command: make test\n- escalate\n"
	if err := yaml.Unmarshal([]byte(doc), &chain); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if len(chain) != 3 || chain[1].Kind != ActionGate || chain[1].Command != "make test" {
		t.Errorf("sequence form broken: %+v", chain)
	}
}

func TestQueueRetryDurations(t *testing.T) {
	var r QueueRetry
	if err := yaml.Unmarshal([]byte("attempts: 2\ncooldown: 50ms\n"), &r); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if r.Attempts != 2 || r.Cooldown != 50*time.Millisecond {
		t.Errorf("retry mangled: %+v", r)
	}
}
