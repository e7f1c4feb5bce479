package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nugget/mailsite/internal/config"
	"github.com/nugget/mailsite/internal/pipeline"
)

func TestRun_Usage(t *testing.T) {
	for _, args := range [][]string{nil, {"-h"}, {"--help"}} {
		var out bytes.Buffer
		if err := run(context.Background(), &out, &out, args); err != nil {
			t.Fatalf("run(%v): %v", args, err)
		}
		if !strings.Contains(out.String(), "Usage: mailsite") {
			t.Errorf("run(%v) output missing usage:\n%s", args, out.String())
		}
	}
}

func TestRun_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"unknown command", []string{"frobnicate"}, "unknown command: frobnicate"},
		{"unknown flag", []string{"-x"}, "unknown flag: -x"},
		{"bad output", []string{"-o", "xml", "version"}, "unknown output format"},
		{"missing config", []string{"-config", "/nonexistent/mailsite.yaml", "poll"}, "config file not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			err := run(context.Background(), &out, &out, tt.args)
			if err == nil {
				t.Fatalf("run(%v) = nil, want error", tt.args)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want it to contain %q", err, tt.want)
			}
		})
	}
}

func TestRun_InvalidConfig(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("generator:\n  provider: ollama\n"), 0600)

	var out bytes.Buffer
	err := run(context.Background(), &out, &out, []string{"-config=" + path, "check"})
	if err == nil {
		t.Fatal("check with no mail host should fail")
	}
	if !strings.Contains(err.Error(), "mail.host is required") {
		t.Errorf("error = %q, want mail.host complaint", err)
	}
}

func TestRunVersion(t *testing.T) {
	var text bytes.Buffer
	if err := run(context.Background(), &text, &text, []string{"version"}); err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(text.String(), "mailsite ") {
		t.Errorf("text version = %q", text.String())
	}

	var js bytes.Buffer
	if err := run(context.Background(), &js, &js, []string{"-o", "json", "version"}); err != nil {
		t.Fatalf("version json: %v", err)
	}
	var info map[string]string
	if err := json.Unmarshal(js.Bytes(), &info); err != nil {
		t.Fatalf("decode version json: %v\n%s", err, js.String())
	}
	if info["version"] == "" || info["go_version"] == "" {
		t.Errorf("version info incomplete: %v", info)
	}
}

func TestWriteResult(t *testing.T) {
	start := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	res := &pipeline.Result{
		RunID:      "run-1",
		StartedAt:  start,
		FinishedAt: start.Add(1500 * time.Millisecond),
		Fetched:    3,
		Processed:  1,
		Skipped:    1,
		Errors: []pipeline.Diagnostic{
			{UID: 7, Subject: "Blog", Stage: pipeline.StageExtract, Message: "model unavailable"},
		},
	}

	var text bytes.Buffer
	if err := writeResult(&text, res, "text"); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		"run run-1 (1.5s)",
		"fetched:   3",
		"processed: 1",
		"skipped:   1",
		`[extract] uid=7 "Blog": model unavailable`,
	} {
		if !strings.Contains(text.String(), want) {
			t.Errorf("text output missing %q:\n%s", want, text.String())
		}
	}
	if strings.Contains(text.String(), "fatal") {
		t.Errorf("text output reports fatal for a healthy run:\n%s", text.String())
	}

	var js bytes.Buffer
	if err := writeResult(&js, res, "json"); err != nil {
		t.Fatal(err)
	}
	var got pipeline.Result
	if err := json.Unmarshal(js.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.RunID != "run-1" || got.Processed != 1 || len(got.Errors) != 1 {
		t.Errorf("json result = %+v", got)
	}
}

func TestNewApp_ComponentLoggedOnce(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Generator.Provider = "ollama"
	cfg.DataDir = filepath.Join(dir, "data")
	cfg.Content.Path = filepath.Join(dir, "content.json")

	var logs bytes.Buffer
	a, err := newApp(cfg, config.NewLogger(&logs, slog.LevelDebug, false), false)
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	defer a.Close()

	a.store.Load()

	var lines int
	for _, line := range strings.Split(logs.String(), "\n") {
		if !strings.Contains(line, "component=content") {
			continue
		}
		lines++
		if n := strings.Count(line, "component="); n != 1 {
			t.Errorf("component key appears %d times: %s", n, line)
		}
	}
	if lines == 0 {
		t.Fatalf("no content store log lines:\n%s", logs.String())
	}
}
