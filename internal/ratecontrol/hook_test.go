package ratecontrol

import (
	"io"
	"log/slog"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHookLastValueWins(t *testing.T) {
	first := writeScript(t, `
function process(r)
  return { down_kbit = 1000, up_kbit = 2000 }
end
`)
	second := writeScript(t, `
function process(r)
  return { up_kbit = 3000 }
end
`)
	h, err := newHook([]string{first, second}, 50*time.Millisecond, discardLogger())
	if err != nil {
		t.Fatalf("newHook: %v", err)
	}
	defer h.close()

	out := h.process(Readings{})
	if out.DownKbit == nil || *out.DownKbit != 1000 {
		t.Errorf("down = %v, want 1000", out.DownKbit)
	}
	if out.UpKbit == nil || *out.UpKbit != 3000 {
		t.Errorf("up = %v, want 3000 (later plugin wins)", out.UpKbit)
	}
}

func TestHookFailingPluginContributesNothing(t *testing.T) {
	bad := writeScript(t, `
function process(r)
  error("nope")
end
`)
	good := writeScript(t, `
function process(r)
  return { down_kbit = 1234 }
end
`)
	h, err := newHook([]string{bad, good}, 50*time.Millisecond, discardLogger())
	if err != nil {
		t.Fatalf("newHook: %v", err)
	}
	defer h.close()

	out := h.process(Readings{})
	if out.DownKbit == nil || *out.DownKbit != 1234 {
		t.Fatalf("down = %v, want 1234 despite earlier plugin failure", out.DownKbit)
	}
	if out.UpKbit != nil {
		t.Fatalf("up = %v, want nil", *out.UpKbit)
	}
}

func TestHookLoadFailureIsFatal(t *testing.T) {
	noEntry := writeScript(t, `answer = 42`)
	if _, err := newHook([]string{noEntry}, 50*time.Millisecond, discardLogger()); err == nil {
		t.Fatal("expected error for plugin without process()")
	}
}

func TestHookEmptyChain(t *testing.T) {
	h, err := newHook(nil, 50*time.Millisecond, discardLogger())
	if err != nil {
		t.Fatalf("newHook: %v", err)
	}
	defer h.close()
	if out := h.process(Readings{}); out != (PluginResults{}) {
		t.Fatalf("overrides = %+v, want none", out)
	}
}
