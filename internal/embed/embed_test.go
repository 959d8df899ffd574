package embed

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

// writeScript creates an executable shell script that stands in for the
// python embedding script.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts not supported on windows")
	}
	path := filepath.Join(t.TempDir(), "embed.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestCommandEmbedder(t *testing.T) {
	script := writeScript(t, `echo '{"embedding": [0.5, -0.25, 1]}'`)
	emb := NewCommandEmbedder("sh", script, 5*time.Second)

	vec, err := emb.Embed(context.Background(), "leave policy", "epoch_11")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 3 || vec[1] != -0.25 {
		t.Errorf("unexpected vector %v", vec)
	}
}

func TestCommandEmbedderPassesArguments(t *testing.T) {
	script := writeScript(t, `if [ "$2" = "the question" ] && [ "$4" = "m1" ]; then echo '{"embedding":[1]}'; else echo "bad args: $*" >&2; exit 2; fi`)
	emb := NewCommandEmbedder("sh", script, 5*time.Second)

	if _, err := emb.Embed(context.Background(), "the question", "m1"); err != nil {
		t.Fatalf("Embed: %v", err)
	}
}

func TestCommandEmbedderFailures(t *testing.T) {
	cases := map[string]string{
		"non-zero exit":   `echo "model not found" >&2; exit 1`,
		"missing field":   `echo '{"vector": [1]}'`,
		"not json":        `echo 'loading weights...'`,
		"empty embedding": `echo '{"embedding": []}'`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			emb := NewCommandEmbedder("sh", writeScript(t, body), 5*time.Second)
			if _, err := emb.Embed(context.Background(), "q", "m"); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestCommandEmbedderSurfacesStderr(t *testing.T) {
	emb := NewCommandEmbedder("sh", writeScript(t, `echo "Missing LoRA directory" >&2; exit 1`), 5*time.Second)
	_, err := emb.Embed(context.Background(), "q", "m")
	if err == nil || !strings.Contains(err.Error(), "Missing LoRA directory") {
		t.Errorf("expected stderr in error, got %v", err)
	}
}

func TestCatalogResolve(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"epoch_2", "epoch_11_75k_data"} {
		os.Mkdir(filepath.Join(dir, name), 0o755)
	}
	os.WriteFile(filepath.Join(dir, "README.txt"), []byte("x"), 0o644)

	if got := Models(dir); len(got) != 2 || got[0] != "epoch_11_75k_data" {
		t.Errorf("unexpected models %v", got)
	}

	c := Catalog{Dir: dir, DefaultModel: "epoch_11_75k_data"}
	if m, _ := c.Resolve(""); m != "epoch_11_75k_data" {
		t.Errorf("expected default model, got %q", m)
	}
	if m, _ := c.Resolve("epoch_2"); m != "epoch_2" {
		t.Errorf("expected epoch_2, got %q", m)
	}
	if _, err := c.Resolve("../etc"); !errors.Is(err, ErrUnknownModel) {
		t.Errorf("expected ErrUnknownModel, got %v", err)
	}

	other := Catalog{Dir: dir, DefaultModel: "missing"}
	if m, _ := other.Resolve(""); m != "epoch_11_75k_data" {
		t.Errorf("expected first folder, got %q", m)
	}

	none := Catalog{Dir: filepath.Join(dir, "nope"), DefaultModel: "fallback"}
	if m, _ := none.Resolve("anything"); m != "fallback" {
		t.Errorf("expected configured default without folders, got %q", m)
	}
}
