package harness

import (
	"encoding/json"
	"testing"

	"github.com/judge/judge/internal/problems"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleProblem() *problems.Problem {
	return &problems.Problem{
		ID:         "course/add",
		Runner:     "add(a, b)",
		Comparison: problems.Comparison{Type: "exact", Rtol: 1e-5, Atol: 1e-8},
		PublicTests: []problems.TestCase{
			{ID: "c1", InputCode: "a = 1\nb = 2\n", Expected: json.RawMessage(`3`)},
		},
		HiddenTests: []problems.TestCase{
			{ID: "h1", InputCode: "a = 4\nb = 5\n", Expected: json.RawMessage(`9`), Hidden: true},
		},
	}
}

func TestBuildTestConfigRunOnlyIncludesPublic(t *testing.T) {
	cfg, err := BuildTestConfig(sampleProblem(), false)
	require.NoError(t, err)
	assert.Len(t, cfg.Cases, 1)
	assert.Equal(t, "add(a, b)", cfg.Runner)
}

func TestBuildTestConfigSubmitIncludesHidden(t *testing.T) {
	cfg, err := BuildTestConfig(sampleProblem(), true)
	require.NoError(t, err)
	assert.Len(t, cfg.Cases, 2)
	assert.True(t, cfg.Cases[1].Hidden)
}

func TestTruncateShortensLongStrings(t *testing.T) {
	assert.Equal(t, "hello", Truncate("hello", 10))
	assert.Equal(t, "he...", Truncate("hello world", 5))
}

func TestSanitizeResultsHidesDetailOnHiddenCases(t *testing.T) {
	results := []CaseResult{
		{ID: "h1", Status: "Accepted", Stdout: "secret output", Hidden: true},
		{ID: "c1", Status: "Wrong Answer", Stdout: "visible", Hidden: false},
	}
	sanitized := SanitizeResults(results, 2000, DetailModeAll)
	require.Len(t, sanitized, 2)
	assert.Empty(t, sanitized[0].Stdout)
	assert.Equal(t, "visible", sanitized[1].Stdout)
}

func TestSanitizeResultsFirstFailureKeepsOnlyFirstNonAccepted(t *testing.T) {
	results := []CaseResult{
		{ID: "c1", Status: "Accepted", Stdout: "ok"},
		{ID: "c2", Status: "Wrong Answer", Stdout: "bad"},
		{ID: "c3", Status: "Runtime Error", Stdout: "also bad"},
	}
	sanitized := SanitizeResults(results, 2000, DetailModeFirstFailure)
	require.Len(t, sanitized, 1)
	assert.Equal(t, "c2", sanitized[0].ID)
}

func TestSanitizeResultsFirstFailureEmptyWhenAllAccepted(t *testing.T) {
	results := []CaseResult{{ID: "c1", Status: "Accepted"}}
	sanitized := SanitizeResults(results, 2000, DetailModeFirstFailure)
	assert.Empty(t, sanitized)
}

func TestParseResultsDecodesHarnessOutput(t *testing.T) {
	stdout := []byte(`[{"id":"c1","status":"Accepted","input":"","stdout":"","output":"3","expected":"3","stderr":"","hidden":false}]`)
	results, err := ParseResults(stdout)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "Accepted", results[0].Status)
}
