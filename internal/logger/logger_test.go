package logger

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestJSON(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := JSON(&buf, slog.LevelInfo)
	log.Info("hello", "key", "value")

	out := buf.String()
	for _, want := range []string{"hello", `"key":"value"`, `"level":"INFO"`} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q: %s", want, out)
		}
	}
}

func TestLevelFiltering(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := JSON(&buf, slog.LevelWarn)

	log.Info("dropped")
	log.Debug("also dropped")
	if buf.Len() > 0 {
		t.Fatalf("info and debug leaked through warn level: %s", buf.String())
	}

	log.Warn("kept")
	if !strings.Contains(buf.String(), "kept") {
		t.Fatalf("warn message missing: %s", buf.String())
	}
}

func TestSetupFormats(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		format string
		want   string
	}{
		{"json", "json", `"json probe"`},
		{"text", "text", "msg="},
		{"pretty", "pretty", "json probe"},
		{"unknown falls back to pretty", "fancy", "json probe"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			var buf bytes.Buffer
			log := Setup(&buf, "debug", tc.format)
			log.Debug("json probe")
			if !strings.Contains(buf.String(), tc.want) {
				t.Fatalf("format %q output missing %q: %s", tc.format, tc.want, buf.String())
			}
		})
	}
}

func TestNopIsSilent(t *testing.T) {
	t.Parallel()
	log := Nop()
	log.Info("into the void", "key", "value")
	log.Error("still nothing")
}

func TestWithAddsFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := JSON(&buf, slog.LevelInfo)

	log.With("component", "trainer").Info("child message")
	out := buf.String()
	if !strings.Contains(out, `"component":"trainer"`) {
		t.Fatalf("bound field missing: %s", out)
	}
	if !strings.Contains(out, "child message") {
		t.Fatalf("message missing: %s", out)
	}
}

func TestContextRoundTrip(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := JSON(&buf, slog.LevelInfo)

	got := FromContext(WithContext(context.Background(), log))
	got.Info("roundtrip")
	if !strings.Contains(buf.String(), "roundtrip") {
		t.Fatalf("context logger lost: %s", buf.String())
	}

	if FromContext(context.Background()) == nil {
		t.Fatal("FromContext without a stored logger returned nil")
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"DEBUG":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"Error":   slog.LevelError,
		"unknown": slog.LevelInfo,
		"":        slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestPrettyHandlerEnabled(t *testing.T) {
	t.Parallel()
	h := NewPrettyHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelWarn})

	if h.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("info enabled at warn level")
	}
	if !h.Enabled(context.Background(), slog.LevelWarn) {
		t.Error("warn disabled at warn level")
	}
}

func TestPrettyOutput(t *testing.T) {
	t.Parallel()

	line := func(build func(log *slog.Logger)) string {
		var buf bytes.Buffer
		build(slog.New(NewPrettyHandler(&buf, nil)))
		return buf.String()
	}

	cases := []struct {
		name  string
		build func(log *slog.Logger)
		want  string
	}{
		{
			"message and attr",
			func(log *slog.Logger) { log.Info("step done", "key", "value") },
			"key=value",
		},
		{
			"strings with spaces are quoted",
			func(log *slog.Logger) { log.Info("x", "msg", "hello world") },
			`msg="hello world"`,
		},
		{
			"strings with equals are quoted",
			func(log *slog.Logger) { log.Info("x", "expr", "a=b") },
			`expr="a=b"`,
		},
		{
			"floats are compact",
			func(log *slog.Logger) { log.Info("step", "loss", 2.345678912) },
			"loss=2.34568",
		},
		{
			"bound attrs replayed",
			func(log *slog.Logger) { log.With("run", "abc").Info("with attrs") },
			"run=abc",
		},
		{
			"nested groups dot the keys",
			func(log *slog.Logger) { log.WithGroup("a").WithGroup("b").Info("nested", "key", "val") },
			"a.b.key=val",
		},
		{
			"attrs bound before a group keep their key",
			func(log *slog.Logger) { log.With("id", "7").WithGroup("g").Info("x", "k", "v") },
			"id=7",
		},
		{
			"attrs after a group get the prefix",
			func(log *slog.Logger) { log.With("id", "7").WithGroup("g").Info("x", "k", "v") },
			"g.k=v",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			out := line(tc.build)
			if !strings.Contains(out, tc.want) {
				t.Fatalf("output missing %q: %s", tc.want, out)
			}
		})
	}
}

func TestPrettyLevelBadges(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := Pretty(&buf, slog.LevelDebug)

	log.Debug("a")
	log.Info("b")
	log.Warn("c")
	log.Error("d")

	out := buf.String()
	for _, badge := range []string{"DEBUG", "INFO", "WARN", "ERROR"} {
		if !strings.Contains(out, badge) {
			t.Errorf("output missing %s badge: %s", badge, out)
		}
	}
}
