package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestNew_JSON(t *testing.T) {
	entry, err := New("dayplan", Config{Level: "debug", Format: "json"})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	var buf bytes.Buffer
	entry.Logger.SetOutput(&buf)

	entry.WithField("component", "outbox").Debug("drained")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line is not JSON: %v (%s)", err, buf.String())
	}
	if line["service"] != "dayplan" || line["component"] != "outbox" || line["message"] != "drained" {
		t.Errorf("log line = %v", line)
	}
	if entry.Logger.GetLevel() != logrus.DebugLevel {
		t.Errorf("level = %v", entry.Logger.GetLevel())
	}
}

func TestNew_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dayplan.log")
	entry, err := New("dayplan", Config{File: path, MaxSizeMB: 1})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	entry.Info("hello")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("log file not written: %v", err)
	}
	if !strings.Contains(string(data), "hello") {
		t.Errorf("log file = %q", data)
	}
}

func TestNew_Invalid(t *testing.T) {
	if _, err := New("dayplan", Config{Format: "xml"}); err == nil {
		t.Error("New() accepted an unknown format")
	}
	if _, err := New("dayplan", Config{Level: "loud"}); err == nil {
		t.Error("New() accepted an unknown level")
	}
}
