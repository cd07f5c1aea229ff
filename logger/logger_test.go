package logger

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"testing"
)

func TestWithComponent(t *testing.T) {
	log := Logger()
	entry := log.WithComponent("test")
	if v, ok := entry.Entry.Data["component"]; !ok || v != "test" {
		t.Fatalf("component field missing: %v", entry.Entry.Data)
	}
}

func TestConfigureInvalidLevel(t *testing.T) {
	// Ensure environment variables do not override the provided level
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("invalid", "json", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid level")
	}
}

func TestWithEnv(t *testing.T) {
	os.Setenv("FOO", "bar")
	log := Logger()
	entry := log.WithEnv("FOO")
	if v, ok := entry.Entry.Data["FOO"]; !ok || v != "bar" {
		t.Fatalf("env field not set: %v", entry.Entry.Data)
	}
}

func TestCountsPerComponent(t *testing.T) {
	log := Logger()
	log.SetOutput(io.Discard)
	log.WithComponent("counts_test").Warn("w")
	log.WithComponent("counts_test").Error("e")
	log.WithComponent("counts_test").Error("e")

	c := Counts()["counts_test"]
	if c.Warns != 1 || c.Errors != 2 {
		t.Fatalf("unexpected counts: %+v", c)
	}
}

func TestLogMetricFields(t *testing.T) {
	var buf bytes.Buffer
	log := Logger()
	log.SetOutput(&buf)
	log.LogMetric("fetcher", "attempts_total", 3, "", Fields{"operation": "fetch_ticker"})

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if line["metric"] != "attempts_total" || line["metric_type"] != "counter" || line["component"] != "fetcher" {
		t.Fatalf("unexpected metric line: %v", line)
	}
}

func TestConfigureReportLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")
	log := Logger()
	if err := log.Configure("report", "text", "stderr", 0); err != nil {
		t.Fatalf("report level should be accepted: %v", err)
	}
}

func TestIsWrapper(t *testing.T) {
	cases := map[string]bool{
		"github.com/sirupsen/logrus.(*Entry).Log":      true,
		"marketfeed/logger.(*Entry).Info":              true,
		"marketfeed/internal/metrics.EmitMetric":       true,
		"marketfeed/internal/monitor.(*Loop).RunCycle": false,
		"marketfeed/logger_extra.Do":                   false,
	}
	for fn, want := range cases {
		if got := isWrapper(fn); got != want {
			t.Errorf("isWrapper(%q) = %v, want %v", fn, got, want)
		}
	}
}
