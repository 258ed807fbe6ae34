package child

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/mcpway/mcpway/internal/runtime"
	"github.com/mcpway/mcpway/pkg/mcp"
)

func TestParseCommandSpec(t *testing.T) {
	tests := []struct {
		name     string
		cmd      string
		wantProg string
		wantArgs []string
		wantErr  bool
	}{
		{name: "plain", cmd: "cat", wantProg: "cat", wantArgs: []string{}},
		{name: "with args", cmd: "node server.js --port 3000", wantProg: "node", wantArgs: []string{"server.js", "--port", "3000"}},
		{name: "quoted arg", cmd: `python -c "print('hi there')"`, wantProg: "python", wantArgs: []string{"-c", "print('hi there')"}},
		{name: "empty", cmd: "   ", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec, err := ParseCommandSpec(tt.cmd)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseCommandSpec(%q) = %+v, want error", tt.cmd, spec)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseCommandSpec(%q) error = %v", tt.cmd, err)
			}
			if spec.Program != tt.wantProg {
				t.Errorf("Program = %q, want %q", spec.Program, tt.wantProg)
			}
			if len(spec.Args) != len(tt.wantArgs) {
				t.Fatalf("Args = %v, want %v", spec.Args, tt.wantArgs)
			}
			for i := range spec.Args {
				if spec.Args[i] != tt.wantArgs[i] {
					t.Errorf("Args[%d] = %q, want %q", i, spec.Args[i], tt.wantArgs[i])
				}
			}
		})
	}
}

func spawnCat(t *testing.T) *Supervisor {
	t.Helper()
	spec, err := ParseCommandSpec("cat")
	if err != nil {
		t.Fatalf("ParseCommandSpec() error = %v", err)
	}
	sup := NewSupervisor(spec, false, nil)
	if err := sup.Spawn(runtime.Args{}); err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}
	t.Cleanup(sup.Shutdown)
	return sup
}

func waitEnvelope(t *testing.T, ch <-chan *mcp.Envelope) *mcp.Envelope {
	t.Helper()
	select {
	case env, ok := <-ch:
		if !ok {
			t.Fatal("subscriber channel closed")
		}
		return env
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for child output")
		return nil
	}
}

func TestSupervisorEchoRoundtrip(t *testing.T) {
	sup := spawnCat(t)
	ch, cancel := sup.Subscribe()
	defer cancel()

	req := mcp.MustDecode(`{"jsonrpc":"2.0","id":"echo-1","method":"initialize","params":{}}`)
	if err := sup.Send(req); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	echoed := waitEnvelope(t, ch)
	if string(echoed.ID()) != `"echo-1"` {
		t.Errorf("echoed id = %s", echoed.ID())
	}
	if !sup.IsAlive() {
		t.Error("IsAlive() = false for a running child")
	}
}

func TestSupervisorFanOutReachesAllSubscribers(t *testing.T) {
	sup := spawnCat(t)
	chA, cancelA := sup.Subscribe()
	defer cancelA()
	chB, cancelB := sup.Subscribe()
	defer cancelB()

	if err := sup.Send(mcp.MustDecode(`{"jsonrpc":"2.0","id":1,"method":"ping"}`)); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	for name, ch := range map[string]<-chan *mcp.Envelope{"A": chA, "B": chB} {
		env := waitEnvelope(t, ch)
		if string(env.ID()) != "1" {
			t.Errorf("subscriber %s saw id %s", name, env.ID())
		}
	}
}

func TestSupervisorSpawnFailure(t *testing.T) {
	spec := CommandSpec{Program: "/nonexistent/mcpway-test-binary"}
	sup := NewSupervisor(spec, false, nil)
	err := sup.Spawn(runtime.Args{})
	if !errors.Is(err, ErrSpawnFailed) {
		t.Errorf("Spawn() error = %v, want ErrSpawnFailed", err)
	}
	if sup.IsAlive() {
		t.Error("IsAlive() = true after failed spawn")
	}
}

func TestSupervisorSendWithoutChild(t *testing.T) {
	sup := NewSupervisor(CommandSpec{Program: "cat"}, false, nil)
	err := sup.Send(mcp.MustDecode(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	if !errors.Is(err, ErrChildClosed) {
		t.Errorf("Send() error = %v, want ErrChildClosed", err)
	}
}

func TestSupervisorRestartKeepsSubscribers(t *testing.T) {
	sup := spawnCat(t)
	ch, cancel := sup.Subscribe()
	defer cancel()

	if err := sup.Restart(runtime.Args{}); err != nil {
		t.Fatalf("Restart() error = %v", err)
	}

	if err := sup.Send(mcp.MustDecode(`{"jsonrpc":"2.0","id":"after-restart","method":"ping"}`)); err != nil {
		t.Fatalf("Send() after restart error = %v", err)
	}
	env := waitEnvelope(t, ch)
	if string(env.ID()) != `"after-restart"` {
		t.Errorf("post-restart echo id = %s", env.ID())
	}
}

func TestSupervisorRestartFailureRetainsOldChild(t *testing.T) {
	sup := spawnCat(t)
	ch, cancel := sup.Subscribe()
	defer cancel()

	// Swap in an unstartable spec so the replacement spawn fails.
	sup.spec = CommandSpec{Program: "/nonexistent/mcpway-test-binary"}
	if err := sup.Restart(runtime.Args{}); !errors.Is(err, ErrRestartFailed) {
		t.Fatalf("Restart() error = %v, want ErrRestartFailed", err)
	}

	// Old child must still be serving.
	if err := sup.Send(mcp.MustDecode(`{"jsonrpc":"2.0","id":"still-here","method":"ping"}`)); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	env := waitEnvelope(t, ch)
	if string(env.ID()) != `"still-here"` {
		t.Errorf("id = %s", env.ID())
	}
}

func TestSupervisorEnvMerge(t *testing.T) {
	spec, err := ParseCommandSpec("sh -c 'echo \"{\\\"jsonrpc\\\":\\\"2.0\\\",\\\"id\\\":\\\"$MCPWAY_TEST_VAR\\\",\\\"result\\\":{}}\"'")
	if err != nil {
		t.Fatalf("ParseCommandSpec() error = %v", err)
	}
	sup := NewSupervisor(spec, false, nil)
	ch, cancel := sup.Subscribe()
	defer cancel()
	if err := sup.Spawn(runtime.Args{Env: map[string]string{"MCPWAY_TEST_VAR": "from-env"}}); err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}
	t.Cleanup(sup.Shutdown)

	env := waitEnvelope(t, ch)
	var id string
	if err := json.Unmarshal(env.ID(), &id); err != nil || id != "from-env" {
		t.Errorf("id = %s, want injected env value", env.ID())
	}
}
