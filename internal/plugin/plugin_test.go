package plugin_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"runline/internal/domain"
	"runline/internal/plugin"
)

func testManifest() plugin.Manifest {
	return plugin.Manifest{
		PluginID: "media.transcode",
		Entries: []plugin.Entry{
			{
				EntryID: "video_to_audio",
				ArgsSchema: map[string]any{
					"type":     "object",
					"required": []any{"input"},
					"properties": map[string]any{
						"input":   map[string]any{"type": "string"},
						"bitrate": map[string]any{"type": "integer", "minimum": 1},
					},
				},
			},
			{EntryID: "probe", TimeoutS: 30},
		},
	}
}

func TestRegistryResolveValidatesArgs(t *testing.T) {
	reg := plugin.NewRegistry()
	if err := reg.Register(testManifest()); err != nil {
		t.Fatalf("register: %v", err)
	}

	if _, err := reg.Resolve("media.transcode", "video_to_audio", map[string]any{"input": "a.mp4"}); err != nil {
		t.Fatalf("valid args rejected: %v", err)
	}

	_, err := reg.Resolve("media.transcode", "video_to_audio", map[string]any{"bitrate": 128})
	var re *domain.RunError
	if !errors.As(err, &re) || re.Code != domain.CodeValidation {
		t.Fatalf("missing required arg: want VALIDATION_ERROR, got %v", err)
	}
	if len(re.Details) == 0 {
		t.Fatalf("expected per-field details, got none")
	}

	_, err = reg.Resolve("media.transcode", "video_to_audio", map[string]any{"input": "a.mp4", "bitrate": 0})
	if !errors.As(err, &re) || re.Code != domain.CodeValidation {
		t.Fatalf("minimum violation: want VALIDATION_ERROR, got %v", err)
	}
}

func TestRegistryResolveUnknown(t *testing.T) {
	reg := plugin.NewRegistry()
	if err := reg.Register(testManifest()); err != nil {
		t.Fatalf("register: %v", err)
	}

	var re *domain.RunError
	if _, err := reg.Resolve("no.such", "entry", nil); !errors.As(err, &re) || re.Code != domain.CodeValidation {
		t.Fatalf("unknown plugin: got %v", err)
	}
	if _, err := reg.Resolve("media.transcode", "no_entry", nil); !errors.As(err, &re) || re.Code != domain.CodeValidation {
		t.Fatalf("unknown entry: got %v", err)
	}
}

func TestRegistryRejectsBadManifests(t *testing.T) {
	reg := plugin.NewRegistry()
	if err := reg.Register(plugin.Manifest{}); err == nil {
		t.Fatalf("expected error for missing plugin_id")
	}
	if err := reg.Register(plugin.Manifest{PluginID: "p"}); err == nil {
		t.Fatalf("expected error for no entries")
	}
	bad := plugin.Manifest{
		PluginID: "p",
		Entries: []plugin.Entry{{
			EntryID:    "e",
			ArgsSchema: map[string]any{"type": 42},
		}},
	}
	if err := reg.Register(bad); err == nil {
		t.Fatalf("expected schema compile error")
	}
}

func TestEntryTimeoutFallsBackToDefault(t *testing.T) {
	def := 5 * time.Minute
	if got := (plugin.Entry{}).Timeout(def); got != def {
		t.Fatalf("got %v want default %v", got, def)
	}
	if got := (plugin.Entry{TimeoutS: 30}).Timeout(def); got != 30*time.Second {
		t.Fatalf("got %v want 30s", got)
	}
}

type stubRunContext struct {
	plugin.RunContext
	runID string
	args  map[string]any
}

func (s stubRunContext) RunID() string        { return s.runID }
func (s stubRunContext) Args() map[string]any { return s.args }

func startInProc(t *testing.T, fn plugin.EntryFunc) plugin.Outcome {
	t.Helper()
	a := plugin.NewInProc()
	a.Bind("p", "e", fn)
	h, err := a.Start(context.Background(), plugin.StartRequest{
		RunID:    "run-1",
		PluginID: "p",
		EntryID:  "e",
		Ctx:      stubRunContext{runID: "run-1"},
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	select {
	case out := <-h.Done():
		return out
	case <-time.After(2 * time.Second):
		t.Fatalf("entry never finished")
	}
	return plugin.Outcome{}
}

func TestInProcDeliversOutcome(t *testing.T) {
	out := startInProc(t, func(rc plugin.RunContext) (*plugin.Outcome, error) {
		return &plugin.Outcome{Result: map[string]any{"ok": true}}, nil
	})
	if out.Err != nil {
		t.Fatalf("unexpected error: %v", out.Err)
	}
	if out.Result["ok"] != true {
		t.Fatalf("result not delivered: %v", out.Result)
	}
}

func TestInProcRecoversPanics(t *testing.T) {
	out := startInProc(t, func(rc plugin.RunContext) (*plugin.Outcome, error) {
		panic("boom")
	})
	var re *domain.RunError
	if !errors.As(out.Err, &re) || re.Code != domain.CodePlugin {
		t.Fatalf("want PLUGIN_ERROR from panic, got %v", out.Err)
	}
}

func TestInProcUnknownBinding(t *testing.T) {
	a := plugin.NewInProc()
	_, err := a.Start(context.Background(), plugin.StartRequest{PluginID: "p", EntryID: "missing"})
	if !errors.Is(err, plugin.ErrUnknownEntry) {
		t.Fatalf("want ErrUnknownEntry, got %v", err)
	}
}
