package problems

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeProblem(t *testing.T, root, id string) {
	t.Helper()
	dir := filepath.Join(root, id)
	require.NoError(t, os.MkdirAll(dir, 0o755))

	manifest := `{"id":"` + id + `","version":"v1","runner":"add(a,b)","requires_torch":false,"time_limit_s":1,"memory_mb":64,"comparison":{"type":"exact"}}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "manifest.json"), []byte(manifest), 0o644))

	public := `{"cases":[{"id":"c1","input_code":"a = 1\nb = 2\n","expected":3}]}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "public_tests.json"), []byte(public), 0o644))

	hidden := `{"cases":[{"id":"h1","input_code":"a = 4\nb = 5\n","expected":9}]}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "hidden_tests.json"), []byte(hidden), 0o644))
}

func TestLoadAndCache(t *testing.T) {
	root := t.TempDir()
	writeProblem(t, root, "course/ch1/add")

	s := NewStore(root)
	p, err := s.Load("course/ch1/add")
	require.NoError(t, err)
	assert.Equal(t, "add(a,b)", p.Runner)
	assert.Len(t, p.GetForRun(), 1)
	assert.Len(t, p.GetForSubmit(), 2)

	p2, err := s.Load("course/ch1/add")
	require.NoError(t, err)
	assert.Same(t, p, p2, "unchanged manifest should hit the mtime+size cache")
}

func TestRejectsPathTraversal(t *testing.T) {
	root := t.TempDir()
	s := NewStore(root)

	_, err := s.Load("../etc/passwd")
	assert.ErrorIs(t, err, ErrInvalidProblemID)

	_, err = s.Load("/etc/passwd")
	assert.ErrorIs(t, err, ErrInvalidProblemID)
}

func TestMissingManifest(t *testing.T) {
	root := t.TempDir()
	s := NewStore(root)
	_, err := s.Load("no/such/problem")
	require.Error(t, err)
}

func TestExpectedPreservedAsRawJSON(t *testing.T) {
	root := t.TempDir()
	writeProblem(t, root, "p")
	s := NewStore(root)
	p, err := s.Load("p")
	require.NoError(t, err)

	var expected int
	require.NoError(t, json.Unmarshal(p.PublicTests[0].Expected, &expected))
	assert.Equal(t, 3, expected)
}
