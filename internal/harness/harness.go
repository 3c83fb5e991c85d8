// Package harness embeds the in-sandbox test harness (spec §4.D) and
// builds/parses its JSON protocol, grounded verbatim on
// original_source/judge/src/judge/runner.py's HARNESS_CODE and its
// _build_test_config/_truncate/_sanitize_results helpers. The harness
// itself is a real CPython program executed inside the sandbox by the
// isolate and warm-fork executors (internal/isolate, internal/warmfork);
// the Go side only marshals configuration and embeds the source byte
// string — there is no scripting VM to ground here.
package harness

import (
	_ "embed"
	"encoding/json"

	"github.com/judge/judge/internal/problems"
)

// Source is the harness's Python source. The isolate executor writes it
// once into its runtime directory as harness.py and mounts that
// directory read-only into each box.
//
//go:embed harness.py
var Source []byte

// Comparison mirrors problems.Comparison for wire encoding.
type Comparison struct {
	Type string  `json:"type"`
	Rtol float64 `json:"rtol"`
	Atol float64 `json:"atol"`
}

// CaseConfig is one test case in the harness's test_config.json.
type CaseConfig struct {
	ID             string      `json:"id"`
	InputCode      string      `json:"input_code"`
	Expected       interface{} `json:"expected"`
	ExpectedIsCode bool        `json:"expected_is_code"`
	Hidden         bool        `json:"hidden"`
	Comparison     Comparison  `json:"comparison"`
}

// TestConfig is the full document written to test_config.json.
type TestConfig struct {
	Runner     string       `json:"runner"`
	Comparison Comparison   `json:"comparison"`
	Cases      []CaseConfig `json:"cases"`
}

func toComparison(c problems.Comparison) Comparison {
	return Comparison{Type: c.Type, Rtol: c.Rtol, Atol: c.Atol}
}

// serializeExpected mirrors _serialize_expected: most expected values
// round-trip through encoding/json untouched; the problem store already
// carries Expected as json.RawMessage, which marshals as-is. The
// expected_is_code flag set at load time (problems.TestCase) says
// whether a raw JSON string actually encodes a Python literal for the
// harness to ast.literal_eval, so no re-derivation happens here.
func serializeExpected(raw json.RawMessage) (interface{}, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// BuildTestConfig renders a Problem plus its test set into the harness's
// expected JSON shape, matching _build_test_config. include_hidden
// selects run (public only) vs submit (public+hidden) per spec §4.E.
func BuildTestConfig(p *problems.Problem, includeHidden bool) (*TestConfig, error) {
	cases := p.GetForRun()
	if includeHidden {
		cases = p.GetForSubmit()
	}

	out := make([]CaseConfig, 0, len(cases))
	for _, c := range cases {
		cmp := p.Comparison
		if c.Comparison != nil {
			cmp = *c.Comparison
		}
		expected, err := serializeExpected(c.Expected)
		if err != nil {
			return nil, err
		}
		out = append(out, CaseConfig{
			ID:             c.ID,
			InputCode:      c.InputCode,
			Expected:       expected,
			ExpectedIsCode: c.ExpectedIsCode,
			Hidden:         c.Hidden,
			Comparison:     toComparison(cmp),
		})
	}

	return &TestConfig{
		Runner:     p.Runner,
		Comparison: toComparison(p.Comparison),
		Cases:      out,
	}, nil
}

// CaseResult is one entry of the harness's stdout JSON array.
type CaseResult struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	Input    string `json:"input"`
	Stdout   string `json:"stdout"`
	Output   string `json:"output"`
	Expected string `json:"expected"`
	Stderr   string `json:"stderr"`
	Hidden   bool   `json:"hidden"`
}

// ParseResults unmarshals the harness's stdout.
func ParseResults(stdout []byte) ([]CaseResult, error) {
	var results []CaseResult
	if err := json.Unmarshal(stdout, &results); err != nil {
		return nil, err
	}
	return results, nil
}

// Truncate mirrors _truncate: strings longer than maxChars are cut with
// a trailing ellipsis that still fits inside the limit.
func Truncate(value string, maxChars int) string {
	if len(value) <= maxChars {
		return value
	}
	if maxChars < 3 {
		return value[:maxChars]
	}
	return value[:maxChars-3] + "..."
}

// SanitizedResult is a case result after hidden-detail suppression and
// output truncation, per _sanitize_item.
type SanitizedResult struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	Hidden   bool   `json:"hidden"`
	Input    string `json:"input"`
	Stdout   string `json:"stdout"`
	Output   string `json:"output"`
	Expected string `json:"expected"`
	Stderr   string `json:"stderr"`
}

// Detail mode values controlling how much of a run's case detail is
// returned, per spec §4.D step 6/§4.G step 5.
const (
	DetailModeAll          = "all"
	DetailModeFirstFailure = "first_failure"
)

func sanitizeItem(r CaseResult, maxOutputChars int) SanitizedResult {
	if r.Hidden {
		return SanitizedResult{ID: r.ID, Status: r.Status, Hidden: true}
	}
	return SanitizedResult{
		ID:       r.ID,
		Status:   r.Status,
		Hidden:   false,
		Input:    r.Input,
		Stdout:   Truncate(r.Stdout, maxOutputChars),
		Output:   Truncate(r.Output, maxOutputChars),
		Expected: Truncate(r.Expected, maxOutputChars),
		Stderr:   Truncate(r.Stderr, maxOutputChars),
	}
}

// SanitizeResults strips detail from hidden cases and truncates long
// fields on visible ones, matching _sanitize_item. Under
// DetailModeFirstFailure (kind=submit) only the first non-Accepted case
// is returned, matching warm_executor.py's run_problem detail_mode
// handling; DetailModeAll (kind=run) returns every case.
func SanitizeResults(results []CaseResult, maxOutputChars int, detailMode string) []SanitizedResult {
	if detailMode == DetailModeFirstFailure {
		for _, r := range results {
			if r.Status != "Accepted" {
				return []SanitizedResult{sanitizeItem(r, maxOutputChars)}
			}
		}
		return []SanitizedResult{}
	}
	out := make([]SanitizedResult, 0, len(results))
	for _, r := range results {
		out = append(out, sanitizeItem(r, maxOutputChars))
	}
	return out
}
