package isolate

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveBoxIDLightRange(t *testing.T) {
	id, err := DeriveBoxID("light", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, id)

	id, err = DeriveBoxID("light", 48)
	require.NoError(t, err)
	assert.Equal(t, 49, id)
}

func TestDeriveBoxIDTorchRange(t *testing.T) {
	id, err := DeriveBoxID("torch", 0)
	require.NoError(t, err)
	assert.Equal(t, 51, id)

	id, err = DeriveBoxID("torch", 48)
	require.NoError(t, err)
	assert.Equal(t, 99, id)
}

func TestDeriveBoxIDRejectsUnknownProfile(t *testing.T) {
	_, err := DeriveBoxID("bogus", 0)
	assert.Error(t, err)
}

func TestParseWorkerIndexExtractsTrailingDigits(t *testing.T) {
	idx, err := ParseWorkerIndex("worker-torch-12")
	require.NoError(t, err)
	assert.Equal(t, 12, idx)

	idx, err = ParseWorkerIndex("worker-light-0")
	require.NoError(t, err)
	assert.Equal(t, 0, idx)
}

func TestParseWorkerIndexRejectsNoTrailingDigit(t *testing.T) {
	_, err := ParseWorkerIndex("worker-light-")
	assert.Error(t, err)
}

func TestClassifyTimeLimitExceeded(t *testing.T) {
	v, err := classify(meta{present: true, status: "TO"}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "Time Limit Exceeded", v.Status)
	assert.False(t, v.IsInternal)
}

func TestClassifyMemoryLimitExceeded(t *testing.T) {
	v, err := classify(meta{present: true, cgOOMKilled: 1}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "Memory Limit Exceeded", v.Status)
}

func TestClassifyXXIsInternal(t *testing.T) {
	v, err := classify(meta{present: true, status: "XX"}, nil, nil)
	require.NoError(t, err)
	assert.True(t, v.IsInternal)
}

func TestClassifyMissingMetaIsInternal(t *testing.T) {
	v, err := classify(meta{}, os.ErrNotExist, nil)
	require.NoError(t, err)
	assert.True(t, v.IsInternal)
}

func TestClassifyNonZeroExitIsUserError(t *testing.T) {
	v, err := classify(meta{present: true, exitCode: 1}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "Runtime Error", v.Status)
	assert.False(t, v.IsInternal)
}

func TestClassifySuccessParsesHarnessOutput(t *testing.T) {
	stdout := []byte(`[{"id":"c1","status":"Accepted"}]`)
	v, err := classify(meta{present: true}, nil, stdout)
	require.NoError(t, err)
	require.Len(t, v.HarnessResults, 1)
	assert.Equal(t, "Accepted", v.HarnessResults[0].Status)
}

func TestClassifyUnparseableOutputIsInternal(t *testing.T) {
	v, err := classify(meta{present: true}, nil, []byte("not json"))
	require.NoError(t, err)
	assert.True(t, v.IsInternal)
}

func TestParseMeta(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "meta.txt")
	require.NoError(t, os.WriteFile(path, []byte("status:TO\ntime:1.234\nexitcode:0\n"), 0o644))

	m, err := parseMeta(path)
	require.NoError(t, err)
	assert.Equal(t, "TO", m.status)
	assert.True(t, m.present)
}
