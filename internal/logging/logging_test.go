package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func TestInfoCarriesServiceAndTrace(t *testing.T) {
	var buf bytes.Buffer
	l := New("rewards", "info", "json")
	l.SetOutput(&buf)

	ctx := WithTraceID(context.Background(), "trace-1")
	ctx = WithCallerID(ctx, "ev-backend")
	l.Info(ctx, "settled", map[string]interface{}{"session_id": "s-1"})

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	for key, want := range map[string]string{
		"service":    "rewards",
		"trace_id":   "trace-1",
		"caller_id":  "ev-backend",
		"session_id": "s-1",
		"msg":        "settled",
	} {
		if line[key] != want {
			t.Errorf("%s = %v, want %s", key, line[key], want)
		}
	}
}

func TestErrorAttachesCause(t *testing.T) {
	var buf bytes.Buffer
	l := New("audit", "info", "json")
	l.SetOutput(&buf)

	l.Error(context.Background(), "sink failed", errors.New("timeout"), nil)

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if line["error"] != "timeout" {
		t.Fatalf("error field = %v", line["error"])
	}
}

func TestDebugSuppressedAtInfo(t *testing.T) {
	var buf bytes.Buffer
	l := New("x", "info", "text")
	l.SetOutput(&buf)
	l.Debug(context.Background(), "hidden", nil)
	if buf.Len() != 0 {
		t.Fatalf("unexpected output: %s", buf.String())
	}
}

func TestUnknownLevelFallsBackToInfo(t *testing.T) {
	l := New("x", "loud", "json")
	if l.GetLevel().String() != "info" {
		t.Fatalf("level = %s", l.GetLevel())
	}
}
