package fs

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func newTestWorkspace(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	mustMkdir(t, filepath.Join(root, "pkg"))
	mustMkdir(t, filepath.Join(root, ".git"))
	mustWrite(t, filepath.Join(root, "main.go"), "package main\n")
	mustWrite(t, filepath.Join(root, "pkg", "util.go"), "package pkg\n")
	mustWrite(t, filepath.Join(root, ".hidden"), "x")
	return root
}

func mustMkdir(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(path, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", path, err)
	}
}

func mustWrite(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestListChildrenSkipsHiddenAndTooling(t *testing.T) {
	gw, err := NewGateway(newTestWorkspace(t))
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}

	children, err := gw.ListChildren(".")
	if err != nil {
		t.Fatalf("list children: %v", err)
	}
	want := []string{"pkg", "main.go"}
	if !reflect.DeepEqual(children, want) {
		t.Fatalf("children = %v, want %v", children, want)
	}
}

func TestListChildrenNested(t *testing.T) {
	gw, err := NewGateway(newTestWorkspace(t))
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}

	children, err := gw.ListChildren("pkg")
	if err != nil {
		t.Fatalf("list children: %v", err)
	}
	want := []string{"pkg/util.go"}
	if !reflect.DeepEqual(children, want) {
		t.Fatalf("children = %v, want %v", children, want)
	}
}

func TestPathEscapeRejected(t *testing.T) {
	gw, err := NewGateway(newTestWorkspace(t))
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	if _, err := gw.ListChildren("../outside"); err == nil {
		t.Fatal("expected escape to be rejected")
	}
	if _, err := gw.ReadFile("../../etc/passwd"); err == nil {
		t.Fatal("expected escape to be rejected")
	}
}

func TestReadFile(t *testing.T) {
	gw, err := NewGateway(newTestWorkspace(t))
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	content, err := gw.ReadFile("main.go")
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	if string(content) != "package main\n" {
		t.Fatalf("content = %q", content)
	}
}
