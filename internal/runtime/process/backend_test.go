package process

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/splax/previewd/internal/domain"
	"github.com/splax/previewd/internal/runtime"
)

func launchSpec(t *testing.T, command string) runtime.LaunchSpec {
	t.Helper()
	return runtime.LaunchSpec{
		Key:     domain.NewKey("team-1", ""),
		Profile: domain.ProjectProfile{Kind: domain.KindStatic, StartCommand: command},
		Dir:     t.TempDir(),
		Port:    7000,
		Env:     map[string]string{"PORT": "7000", "PREVIEW_TEAM_ID": "team-1"},
	}
}

func TestLaunchCapturesOutputAndEnv(t *testing.T) {
	backend := New(nil, WithoutHostEnv())
	spec := launchSpec(t, `echo "port=$PORT team=$PREVIEW_TEAM_ID home=$HOME"; sleep 30`)
	spec.Env["PATH"] = os.Getenv("PATH")
	t.Setenv("HOME", "/should/not/leak")
	inst, err := backend.Launch(context.Background(), spec)
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	defer inst.Stop(context.Background(), time.Second)

	if !strings.HasPrefix(inst.Handle(), Name+"-") {
		t.Fatalf("unexpected handle %q", inst.Handle())
	}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		lines, _ := inst.Logs(context.Background(), 10)
		if len(lines) > 0 && lines[0] == "port=7000 team=team-1 home=" {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	lines, _ := inst.Logs(context.Background(), 10)
	t.Fatalf("expected env echoed to logs, got %v", lines)
}

func TestStopTerminatesProcessGroup(t *testing.T) {
	backend := New(nil)
	inst, err := backend.Launch(context.Background(), launchSpec(t, `sleep 60 & sleep 60`))
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	start := time.Now()
	if err := inst.Stop(context.Background(), 2*time.Second); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if !runtime.Exited(inst) {
		t.Fatal("expected instance to have exited")
	}
	if elapsed := time.Since(start); elapsed > 4*time.Second {
		t.Fatalf("stop took too long: %s", elapsed)
	}
	if inst.Err() != nil {
		t.Fatalf("requested stop should not report an exit error, got %v", inst.Err())
	}
	if err := inst.Stop(context.Background(), time.Second); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}

func TestStopForceKillsAfterGrace(t *testing.T) {
	backend := New(nil)
	inst, err := backend.Launch(context.Background(), launchSpec(t, `trap '' TERM; while true; do sleep 0.1; done`))
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	start := time.Now()
	if err := inst.Stop(context.Background(), 200*time.Millisecond); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 200*time.Millisecond {
		t.Fatalf("expected to wait out the grace period, took %s", elapsed)
	}
}

func TestExitIsObserved(t *testing.T) {
	backend := New(nil)
	inst, err := backend.Launch(context.Background(), launchSpec(t, `echo boom >&2; exit 3`))
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	select {
	case <-inst.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("expected instance to exit")
	}
	if inst.Err() == nil {
		t.Fatal("expected exit error")
	}
	lines, _ := inst.Logs(context.Background(), 0)
	if len(lines) != 1 || lines[0] != "boom" {
		t.Fatalf("expected stderr captured, got %v", lines)
	}
}

func TestLaunchValidatesSpec(t *testing.T) {
	backend := New(nil)
	spec := launchSpec(t, "")
	if _, err := backend.Launch(context.Background(), spec); err == nil {
		t.Fatal("expected validation error")
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := backend.Launch(ctx, launchSpec(t, "sleep 1")); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context error, got %v", err)
	}
}
