package harness

import (
	"encoding/json"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/require"
)

// RunGolden executes the scenario at path and compares the serialized
// result against testdata/<name>.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunGolden(t *testing.T, path string) {
	t.Helper()

	s, err := Load(path)
	require.NoError(t, err)

	result, err := Run(s, t.TempDir())
	require.NoError(t, err)

	data, err := json.MarshalIndent(result, "", "  ")
	require.NoError(t, err)

	g := goldie.New(t)
	g.Assert(t, s.Name, data)
}
