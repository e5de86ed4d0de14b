package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	cfg := Config{
		Level:      LevelDebug,
		Output:     &buf,
		JSON:       true,
		TimeFormat: time.RFC3339,
	}

	logger := New(cfg)
	if logger == nil {
		t.Fatal("New logger should not be nil")
	}

	t.Run("Levels", func(t *testing.T) {
		for _, msg := range []string{"debug msg", "info msg", "warn msg", "error msg"} {
			buf.Reset()
			switch msg {
			case "debug msg":
				logger.Debug(msg)
			case "info msg":
				logger.Info(msg)
			case "warn msg":
				logger.Warn(msg)
			default:
				logger.Error(msg)
			}
			if !strings.Contains(buf.String(), msg) {
				t.Errorf("%q not logged", msg)
			}
		}
	})

	t.Run("DynamicLevel", func(t *testing.T) {
		logger.SetLevel(LevelError)
		if logger.GetLevel() != LevelError {
			t.Error("SetLevel failed")
		}

		buf.Reset()
		logger.Info("should not appear")
		if buf.Len() > 0 {
			t.Error("Logged info message when level was Error")
		}

		logger.SetLevel(LevelDebug)
	})

	t.Run("WithComponent", func(t *testing.T) {
		buf.Reset()
		logger.WithComponent("tunnel").Info("msg")
		if !strings.Contains(buf.String(), `"component":"tunnel"`) {
			t.Errorf("component field missing: %s", buf.String())
		}
	})

	t.Run("WithFields", func(t *testing.T) {
		buf.Reset()
		logger.WithFields(map[string]any{"port": 9100}).Info("msg")
		if !strings.Contains(buf.String(), `"port":9100`) {
			t.Errorf("fields missing: %s", buf.String())
		}
	})

	t.Run("Audit survives warn level", func(t *testing.T) {
		logger.SetLevel(LevelWarn)
		defer logger.SetLevel(LevelDebug)

		buf.Reset()
		logger.Audit("rule.add", "rule:3", map[string]any{"remote_port": 9100})
		logStr := buf.String()
		if !strings.Contains(logStr, "AUDIT") {
			t.Error("Audit log missing AUDIT message")
		}
		if !strings.Contains(logStr, "rule:3") {
			t.Error("Audit log missing resource")
		}
	})
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"", LevelInfo, false},
		{"INFO", LevelInfo, false},
		{"warning", LevelWarn, false},
		{" error ", LevelError, false},
		{"loud", LevelInfo, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel(%q) err = %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestConsoleHandler(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: LevelInfo, Output: &buf})

	l.WithComponent("Relay").Info("connection closed", "bytes", 42, "peer", "[2001:db8::1]:5000", "note", "two words")
	line := buf.String()

	if !strings.Contains(line, "v6tunnel[") {
		t.Errorf("missing process tag: %s", line)
	}
	if !strings.Contains(line, "[info] relay: connection closed") {
		t.Errorf("unexpected header: %s", line)
	}
	if !strings.Contains(line, "bytes=42") {
		t.Errorf("missing attr: %s", line)
	}
	if !strings.Contains(line, `note="two words"`) {
		t.Errorf("value with space should be quoted: %s", line)
	}
	if strings.Count(line, "component") != 0 {
		t.Errorf("component should be promoted, not repeated: %s", line)
	}

	buf.Reset()
	l.WithGroup("http").With("status", 200).Info("served")
	if !strings.Contains(buf.String(), "http.status=200") {
		t.Errorf("group prefix missing: %s", buf.String())
	}
}

func TestDefaultLogger(t *testing.T) {
	if Default() == nil {
		t.Fatal("Default logger is nil")
	}

	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.Output = &buf
	old := Default()
	SetDefault(New(cfg))
	defer SetDefault(old)

	Debug("debug")
	Info("info")
	Warn("warn")
	Error("error")
	Errorf("error %s", "formatted")
	WithComponent("comp").Info("comp msg")

	out := buf.String()
	if strings.Contains(out, "] debug") {
		t.Error("debug should be filtered at info level")
	}
	if !strings.Contains(out, "error formatted") || !strings.Contains(out, "comp: comp msg") {
		t.Errorf("default logger output incomplete: %s", out)
	}
}

func TestNop(t *testing.T) {
	l := Nop()
	l.Error("dropped")
	l.WithComponent("x").Audit("a", "b", nil)
}

func TestJSONLogParsing(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: LevelInfo, Output: &buf, JSON: true})

	l.Info("json test", "key", "value")

	var data map[string]any
	if err := json.Unmarshal(buf.Bytes(), &data); err != nil {
		t.Fatalf("Failed to parse JSON log: %v", err)
	}
	if data["msg"] != "json test" {
		t.Error("JSON msg field incorrect")
	}
	if data["key"] != "value" {
		t.Error("JSON extra field incorrect")
	}
	if data["level"] != "INFO" {
		t.Error("JSON level incorrect")
	}
}
