// Package embed computes query embeddings by running the external LoRA
// embedding script and lists the trained adapter folders it can load.
package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"
)

var ErrUnknownModel = errors.New("unknown embedding model")

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text, model string) ([]float64, error)
}

// CommandEmbedder runs `<bin> <script> --text <text> --model <model>` and
// reads {"embedding": [...]} from stdout.
type CommandEmbedder struct {
	Bin     string
	Script  string
	Timeout time.Duration
}

// NewCommandEmbedder creates an embedder for the given interpreter and script.
func NewCommandEmbedder(bin, script string, timeout time.Duration) *CommandEmbedder {
	return &CommandEmbedder{Bin: bin, Script: script, Timeout: timeout}
}

// Embed runs the script once for text.
func (e *CommandEmbedder) Embed(ctx context.Context, text, model string) ([]float64, error) {
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	var args []string
	if e.Script != "" {
		args = append(args, e.Script)
	}
	args = append(args, "--text", text, "--model", model)

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, e.Bin, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("embedding command failed: %s", msg)
		}
		return nil, fmt.Errorf("embedding command failed: %w", err)
	}

	var payload struct {
		Embedding []float64 `json:"embedding"`
	}
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &payload); err != nil {
		return nil, fmt.Errorf("failed to parse embedding output: %w", err)
	}
	if len(payload.Embedding) == 0 {
		return nil, fmt.Errorf("missing embedding in response")
	}
	return payload.Embedding, nil
}

// Models lists the trained adapter folders under dir, sorted by name. A
// missing directory yields an empty list.
func Models(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names
}

// Catalog resolves embedding model names against the adapter folders.
type Catalog struct {
	Dir          string
	DefaultModel string
}

// Resolve returns the model to embed with. With no folders on disk the
// configured default is used as is.
func (c Catalog) Resolve(name string) (string, error) {
	models := Models(c.Dir)
	if len(models) == 0 {
		return c.DefaultModel, nil
	}
	name = strings.TrimSpace(name)
	if name == "" {
		for _, m := range models {
			if m == c.DefaultModel {
				return m, nil
			}
		}
		return models[0], nil
	}
	for _, m := range models {
		if m == name {
			return name, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownModel, name)
}
