package archcheck

import (
	"bytes"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModuleRespectsLayers(t *testing.T) {
	violations, err := NewChecker(afero.NewOsFs(), Layers).Check("../..")
	require.NoError(t, err)
	assert.Empty(t, violations)
}

func TestCheckerFindsViolations(t *testing.T) {
	fs := afero.NewMemMapFs()
	files := map[string]string{
		"/src/pkg/wire/kind.go": `package wire

import "github.com/yairfalse/tracepipe/pkg/profiler"
`,
		"/src/internal/queue/fast.go": `package queue

import (
	"sync"

	"github.com/yairfalse/tracepipe/internal/clock"
	"github.com/yairfalse/tracepipe/pkg/wire"
)
`,
		// tests and ignored directories are skipped
		"/src/pkg/wire/kind_test.go":  "package wire\n\nimport _ \"github.com/yairfalse/tracepipe/internal/cli\"\n",
		"/src/_examples/x/main.go":    "package main\n\nimport _ \"github.com/yairfalse/tracepipe/internal/cli\"\n",
		"/src/internal/cli/root.go":   "package cli\n\nimport _ \"github.com/yairfalse/tracepipe/pkg/profiler\"\n",
		"/src/internal/other/main.go": "package other\n\nimport _ \"github.com/yairfalse/tracepipe/internal/cli\"\n",
	}
	for path, src := range files {
		require.NoError(t, afero.WriteFile(fs, path, []byte(src), 0o644))
	}

	violations, err := NewChecker(fs, Layers).Check("/src")
	require.NoError(t, err)
	require.Len(t, violations, 2)

	assert.Equal(t, "internal/queue/fast.go", violations[0].File)
	assert.Equal(t, 6, violations[0].Line)
	assert.Contains(t, violations[0].Reason, "same-level")

	assert.Equal(t, "pkg/wire/kind.go", violations[1].File)
	assert.Equal(t, 0, violations[1].FromLevel)
	assert.Equal(t, 2, violations[1].ToLevel)
	assert.Contains(t, violations[1].Reason, "upward")

	var buf bytes.Buffer
	Report(&buf, Layers, violations)
	assert.Contains(t, buf.String(), "Found 2 layering violations")
	assert.Contains(t, buf.String(), "L0  pkg/wire")
}

func TestBadSourceIsAnError(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/src/pkg/wire/x.go", []byte("package"), 0o644))
	_, err := NewChecker(fs, Layers).Check("/src")
	assert.Error(t, err)
}
