package opcuaserver

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestLibraryLogger_FormatsMessage(t *testing.T) {
	var buf bytes.Buffer
	l := libraryLogger{l: slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))}

	l.Info("added node %s to namespace %d\n", "ns=1;s=switch", 1)
	l.Debug("no operands")

	out := buf.String()
	if strings.Contains(out, "!BADKEY") {
		t.Fatalf("log output has unpaired attributes: %s", out)
	}
	if !strings.Contains(out, `msg="added node ns=1;s=switch to namespace 1"`) {
		t.Errorf("formatted message missing: %s", out)
	}
	if !strings.Contains(out, "msg=\"no operands\"") {
		t.Errorf("plain message missing: %s", out)
	}
	if strings.Count(out, "source=gopcua") != 2 {
		t.Errorf("source attribute missing: %s", out)
	}
}

func TestLibraryLogger_RespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	l := libraryLogger{l: slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))}

	l.Info("dropped %d", 1)
	l.Error("kept %d", 2)

	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Errorf("info logged below level: %s", out)
	}
	if !strings.Contains(out, "kept 2") {
		t.Errorf("error not logged: %s", out)
	}
}
