package harness

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScenarios(t *testing.T) {
	paths, err := filepath.Glob(filepath.Join("testdata", "scenarios", "*.yaml"))
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, path := range paths {
		name := strings.TrimSuffix(filepath.Base(path), ".yaml")
		t.Run(name, func(t *testing.T) {
			RunGolden(t, path)
		})
	}
}

func writeScenario(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_RejectsUnknownFields(t *testing.T) {
	path := writeScenario(t, `
name: typo
description: has a typo
window:
  cycle_date: "2024-06-02"
  opens_at: 2024-06-02T08:00:00Z
  closes_at: 2024-06-02T12:00:00Z
step:
  - op: window.close
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse scenario")
}

func TestLoad_RequiresSteps(t *testing.T) {
	path := writeScenario(t, `
name: empty
description: no steps
window:
  cycle_date: "2024-06-02"
  opens_at: 2024-06-02T08:00:00Z
  closes_at: 2024-06-02T12:00:00Z
steps: []
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "steps")
}

func TestLoad_RequiresValidWindow(t *testing.T) {
	path := writeScenario(t, `
name: inverted
description: window closes before it opens
window:
  cycle_date: "2024-06-02"
  opens_at: 2024-06-02T12:00:00Z
  closes_at: 2024-06-02T08:00:00Z
steps:
  - at: 2024-06-02T09:00:00Z
    op: window.close
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "close after it opens")
}

func TestRun_FailsOnExpectationMismatch(t *testing.T) {
	path := writeScenario(t, `
name: mismatch
description: the step expects an error that does not happen
seed:
  groups:
    - name: Alpha
window:
  cycle_date: "2024-06-02"
  opens_at: 2024-06-02T08:00:00Z
  closes_at: 2024-06-02T12:00:00Z
steps:
  - at: 2024-06-02T09:00:00Z
    actor: {id: admin-1, role: admin}
    op: attendance.take
    args: {group: Alpha, count: 5}
    expect: WINDOW_CLOSED
`)
	s, err := Load(path)
	require.NoError(t, err)

	_, err = Run(s, t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), `scenario expects "WINDOW_CLOSED"`)
}
