package storage

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestExportJSONEmpty(t *testing.T) {
	data, err := ExportJSON(nil)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "[]" {
		t.Errorf("got %s, want []", data)
	}
}

func TestExportJSON(t *testing.T) {
	data, err := ExportJSON([]Sandbox{{ContainerID: "c1", Image: "node:16-alpine"}})
	if err != nil {
		t.Fatal(err)
	}
	var out []map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	if out[0]["container_id"] != "c1" || out[0]["image"] != "node:16-alpine" {
		t.Errorf("unexpected export: %s", data)
	}
}

func TestFormatTable(t *testing.T) {
	now := time.Now()
	out := FormatTable([]Sandbox{{
		ContainerID: "0123456789abcdef",
		SessionID:   "5a3f9e1b-aaaa",
		Image:       "python:3.10-alpine",
		Workspace:   "/tmp/runbox/exec-1",
		CreatedAt:   now.Add(-90 * time.Second),
	}}, now)

	if !strings.Contains(out, "0123456789ab ") {
		t.Errorf("container id should be shortened:\n%s", out)
	}
	if !strings.Contains(out, "1m30s") {
		t.Errorf("expected age column:\n%s", out)
	}
	if strings.Count(out, "\n") != 3 {
		t.Errorf("expected header, rule and one row:\n%s", out)
	}
}
