package shellexec

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestRunCapturesExitCodeAndStderr(t *testing.T) {
	res, err := Run(context.Background(), "echo oops >&2; exit 3", t.TempDir(), nil, time.Minute)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("expected exit 3, got %d", res.ExitCode)
	}
	if !strings.Contains(res.Stderr, "oops") {
		t.Errorf("stderr not captured: %q", res.Stderr)
	}
}

func TestRunSuccessCapturesStdout(t *testing.T) {
	res, err := Run(context.Background(), "echo hi", t.TempDir(), nil, time.Minute)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.ExitCode != 0 || strings.TrimSpace(res.Stdout) != "hi" {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestRunPassesEnvironment(t *testing.T) {
	res, err := Run(context.Background(), "echo $EXTRA_VALUE", t.TempDir(),
		map[string]string{"EXTRA_VALUE": "from-env"}, time.Minute)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if strings.TrimSpace(res.Stdout) != "from-env" {
		t.Errorf("env not passed: %q", res.Stdout)
	}
}

func TestRunTimesOut(t *testing.T) {
	res, err := Run(context.Background(), "sleep 5", t.TempDir(), nil, 50*time.Millisecond)
	if err == nil {
		t.Fatal("expected a timeout error")
	}
	if !res.TimedOut {
		t.Error("TimedOut not set")
	}
}

func TestSubstituteQuotesValues(t *testing.T) {
	cases := []struct {
		name    string
		command string
		vars    map[string]string
		want    string
	}{
		{
			name:    "plain value",
			command: "deploy ${var.target}",
			vars:    map[string]string{"target": "prod"},
			want:    "deploy prod",
		},
		{
			name:    "value with spaces is quoted",
			command: "echo ${var.msg}",
			vars:    map[string]string{"msg": "two words"},
			want:    "echo 'two words'",
		},
		{
			name:    "single quotes survive",
			command: "echo ${var.msg}",
			vars:    map[string]string{"msg": "it's"},
			want:    `echo 'it'"'"'s'`,
		},
		{
			name:    "unknown reference left alone",
			command: "echo ${var.missing}",
			vars:    map[string]string{},
			want:    "echo ${var.missing}",
		},
		{
			name:    "multiple references",
			command: "run ${var.a} ${var.b}",
			vars:    map[string]string{"a": "x", "b": "y"},
			want:    "run x y",
		},
		{
			name:    "empty value",
			command: "echo ${var.empty}",
			vars:    map[string]string{"empty": ""},
			want:    "echo ''",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Substitute(tc.command, tc.vars); got != tc.want {
				t.Errorf("Substitute(%q) = %q, want %q", tc.command, got, tc.want)
			}
		})
	}
}

func TestQuoteRejectsInjection(t *testing.T) {
	quoted := Quote("$(rm -rf /)")
	if quoted == "$(rm -rf /)" {
		t.Error("metacharacters must be quoted")
	}
	if !strings.HasPrefix(quoted, "'") {
		t.Errorf("expected single-quoted value, got %q", quoted)
	}
}
