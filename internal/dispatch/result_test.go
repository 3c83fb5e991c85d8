package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/judge/judge/internal/harness"
)

func TestBuildResultAllAcceptedStatus(t *testing.T) {
	cases := []harness.CaseResult{
		{ID: "c1", Status: "Accepted"},
		{ID: "h1", Status: "Accepted", Hidden: true},
	}
	result := buildResult(cases, 2000, harness.DetailModeAll)
	assert.Equal(t, "Accepted", result.Status)
	assert.Equal(t, 2, result.Summary.Total)
	assert.Equal(t, 2, result.Summary.Passed)
	assert.Equal(t, 0, result.Summary.Failed)
	assert.Equal(t, 1, result.Summary.Public.Total)
	assert.Equal(t, 1, result.Summary.Hidden.Total)
	require.Len(t, result.Tests, 2)
}

func TestBuildResultFirstFailureWins(t *testing.T) {
	cases := []harness.CaseResult{
		{ID: "c1", Status: "Accepted"},
		{ID: "c2", Status: "Wrong Answer"},
		{ID: "c3", Status: "Runtime Error"},
	}
	result := buildResult(cases, 2000, harness.DetailModeAll)
	assert.Equal(t, "Wrong Answer", result.Status)
	assert.Equal(t, 3, result.Summary.Total)
	assert.Equal(t, 1, result.Summary.Passed)
	assert.Equal(t, 2, result.Summary.Failed)
}

func TestBuildResultDetailModeFirstFailureKeepsOneTest(t *testing.T) {
	cases := []harness.CaseResult{
		{ID: "c1", Status: "Accepted"},
		{ID: "c2", Status: "Wrong Answer"},
		{ID: "c3", Status: "Runtime Error"},
	}
	result := buildResult(cases, 2000, harness.DetailModeFirstFailure)
	require.Len(t, result.Tests, 1)
	assert.Equal(t, "c2", result.Tests[0].ID)
}

func TestBuildResultBoundaryScenarioOneCasePassing(t *testing.T) {
	cases := []harness.CaseResult{{ID: "c1", Status: "Accepted"}}
	result := buildResult(cases, 2000, harness.DetailModeAll)
	assert.Equal(t, "Accepted", result.Status)
	assert.Equal(t, counts{Total: 1, Passed: 1, Failed: 0}, result.Summary.counts)
	assert.Nil(t, result.Error)
}
