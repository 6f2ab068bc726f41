package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"github.com/pithecene-io/delve/config"
)

func TestReadCode_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "step.lua")
	if err := os.WriteFile(path, []byte(`tool.final("ok")`), 0o644); err != nil {
		t.Fatal(err)
	}

	code, err := readCode(path)
	if err != nil {
		t.Fatalf("readCode failed: %v", err)
	}
	if code != `tool.final("ok")` {
		t.Errorf("code = %q", code)
	}
}

func TestReadCode_MissingFile(t *testing.T) {
	_, err := readCode("/nonexistent/step.lua")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestBuildDeps_RequiresRedisURL(t *testing.T) {
	_, _, err := buildDeps(context.Background(), &config.Config{})
	if err == nil {
		t.Fatal("expected error for missing redis url")
	}
	if !strings.Contains(err.Error(), "redis url") {
		t.Errorf("error should mention redis url, got: %v", err)
	}
}

func TestBuildDeps_UnknownStorageBackend(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := &config.Config{}
	cfg.Redis.URL = "redis://" + mr.Addr()
	cfg.Storage.Backend = "carrier-pigeon"

	_, _, err := buildDeps(context.Background(), cfg)
	if err == nil {
		t.Fatal("expected error for unknown storage backend")
	}
	if !strings.Contains(err.Error(), "carrier-pigeon") {
		t.Errorf("error should name the backend, got: %v", err)
	}
}

func TestBuildDeps_MemoryStorage(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := &config.Config{}
	cfg.Worker.ID = "worker-test"
	cfg.Redis.URL = "redis://" + mr.Addr()
	cfg.Storage.Backend = "memory"

	rc, deps, err := buildDeps(context.Background(), cfg)
	if err != nil {
		t.Fatalf("buildDeps failed: %v", err)
	}
	if rc.Worker != "worker-test" {
		t.Errorf("worker = %q, want worker-test", rc.Worker)
	}
	if deps.Records == nil || deps.Blobs == nil {
		t.Error("record and blob stores must be wired")
	}
	if deps.Root == nil || deps.Sub == nil {
		t.Error("providers must be wired (stub by default)")
	}
	if deps.Search == nil {
		t.Error("search backend must be wired")
	}
}
