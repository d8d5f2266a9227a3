package logging_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/Masa712/DIVERGE-sub003/internal/config"
	"github.com/Masa712/DIVERGE-sub003/internal/logging"
)

func TestNew_Defaults(t *testing.T) {
	log, err := logging.New(config.LogConfig{Level: "info"})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	if log.GetLevel() != zerolog.InfoLevel {
		t.Errorf("level = %v, want info", log.GetLevel())
	}
}

func TestNew_InvalidLevel(t *testing.T) {
	if _, err := logging.New(config.LogConfig{Level: "chatty"}); err == nil {
		t.Error("New accepted an invalid level")
	}
}

func TestNew_UnknownOutput(t *testing.T) {
	if _, err := logging.New(config.LogConfig{Level: "info", Output: "syslog"}); err == nil {
		t.Error("New accepted an unknown output")
	}
}

func TestNew_FileOutputWritesJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "diverge.log")

	log, err := logging.New(config.LogConfig{
		Level:    "debug",
		Format:   "json",
		Output:   "file",
		FilePath: path,
	})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	log.Info().Str("event", "probe").Msg("hello")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}

	var line map[string]any
	if err := json.Unmarshal(data, &line); err != nil {
		t.Fatalf("log line is not JSON: %v (%s)", err, data)
	}
	if line["event"] != "probe" || line["message"] != "hello" {
		t.Errorf("log line = %v, want event and message fields", line)
	}
	if _, ok := line["time"]; !ok {
		t.Error("log line missing timestamp")
	}
}

func TestNew_LevelFilters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "diverge.log")

	log, err := logging.New(config.LogConfig{
		Level:    "warn",
		Output:   "file",
		FilePath: path,
	})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	log.Debug().Msg("suppressed")
	log.Warn().Msg("kept")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if string(data) == "" {
		t.Fatal("warn line was not written")
	}
	if n := len(splitLines(data)); n != 1 {
		t.Errorf("got %d log lines, want 1", n)
	}
}

func splitLines(data []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			if i > start {
				lines = append(lines, data[start:i])
			}
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, data[start:])
	}
	return lines
}
