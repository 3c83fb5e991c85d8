// Package problems implements the problem store (spec §4.A): an
// immutable, mtime+size cached loader of problem manifests and test
// bundles, grounded on original_source/judge/src/judge/problems.py.
package problems

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// Comparison describes how a case's actual value is compared against its
// expected value.
type Comparison struct {
	Type string  `json:"type"`
	Rtol float64 `json:"rtol"`
	Atol float64 `json:"atol"`
}

func defaultComparison() Comparison {
	return Comparison{Type: "exact", Rtol: 1e-5, Atol: 1e-8}
}

// TestCase is one case in a public or hidden test bundle.
type TestCase struct {
	ID             string
	InputCode      string
	Expected       json.RawMessage
	ExpectedIsCode bool
	Hidden         bool
	Comparison     *Comparison
}

// Problem is the immutable manifest + test bundle for one problem id.
type Problem struct {
	ID             string
	Version        string
	Runner         string
	RequiresTorch  bool
	TimeLimitS     int
	MemoryMB       int
	Comparison     Comparison
	PublicTests    []TestCase
	HiddenTests    []TestCase
}

// GetForRun returns public tests only (kind=run, spec §4.A/§4.G).
func (p *Problem) GetForRun() []TestCase {
	out := make([]TestCase, len(p.PublicTests))
	copy(out, p.PublicTests)
	return out
}

// GetForSubmit returns public followed by hidden tests (kind=submit).
func (p *Problem) GetForSubmit() []TestCase {
	out := make([]TestCase, 0, len(p.PublicTests)+len(p.HiddenTests))
	out = append(out, p.PublicTests...)
	out = append(out, p.HiddenTests...)
	return out
}

type cacheKey struct {
	mtimeNS int64
	size    int64
}

// Store loads and caches problems from a root directory. Safe for
// concurrent use: the cache is a local map guarded by a mutex, not a
// package-level global, per spec §9's "no module-level globals" note.
type Store struct {
	root string

	mu    sync.Mutex
	cache map[string]cachedProblem

	mirror       ObjectStore
	mirrorBucket string
}

type cachedProblem struct {
	key     cacheKey
	problem *Problem
}

func NewStore(root string) *Store {
	return &Store{root: root, cache: make(map[string]cachedProblem)}
}

// ErrInvalidProblemID is returned when an id attempts path traversal.
var ErrInvalidProblemID = fmt.Errorf("invalid problem id")

func safeProblemDir(root, problemID string) (string, error) {
	if strings.HasPrefix(problemID, "/") {
		return "", ErrInvalidProblemID
	}
	for _, part := range strings.Split(problemID, "/") {
		if part == ".." {
			return "", ErrInvalidProblemID
		}
	}
	return filepath.Join(root, filepath.FromSlash(problemID)), nil
}

// Load reads manifest.json and the public/hidden test bundles for
// problemID, reusing a cached parse when the manifest file's
// (mtime_ns, size) is unchanged.
func (s *Store) Load(problemID string) (*Problem, error) {
	dir, err := safeProblemDir(s.root, problemID)
	if err != nil {
		return nil, err
	}

	manifestPath := filepath.Join(dir, "manifest.json")
	info, err := os.Stat(manifestPath)
	if os.IsNotExist(err) && s.mirror != nil {
		if mErr := s.mirrorFetch(context.Background(), problemID, dir); mErr != nil {
			return nil, mErr
		}
		info, err = os.Stat(manifestPath)
	}
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("manifest.json not found for %s: %w", problemID, os.ErrNotExist)
		}
		return nil, err
	}
	key := cacheKey{mtimeNS: info.ModTime().UnixNano(), size: info.Size()}

	s.mu.Lock()
	if cached, ok := s.cache[problemID]; ok && cached.key == key {
		s.mu.Unlock()
		return cached.problem, nil
	}
	s.mu.Unlock()

	problem, err := parseProblem(dir, problemID, manifestPath)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cache[problemID] = cachedProblem{key: key, problem: problem}
	s.mu.Unlock()

	return problem, nil
}

type rawManifest struct {
	ID            string     `json:"id"`
	Version       any        `json:"version"`
	Runner        string     `json:"runner"`
	RequiresTorch bool       `json:"requires_torch"`
	TimeLimitS    int        `json:"time_limit_s"`
	MemoryMB      int        `json:"memory_mb"`
	Comparison    rawCompare `json:"comparison"`
}

type rawCompare struct {
	Type string   `json:"type"`
	Rtol *float64 `json:"rtol"`
	Atol *float64 `json:"atol"`
}

func (c rawCompare) toComparison() Comparison {
	cmp := defaultComparison()
	if c.Type != "" {
		cmp.Type = c.Type
	}
	if c.Rtol != nil {
		cmp.Rtol = *c.Rtol
	}
	if c.Atol != nil {
		cmp.Atol = *c.Atol
	}
	return cmp
}

func parseProblem(dir, problemID, manifestPath string) (*Problem, error) {
	raw, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, err
	}
	var m rawManifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("manifest.json for %s: %w", problemID, err)
	}

	id := m.ID
	if id == "" {
		id = problemID
	}
	version := "v1"
	switch v := m.Version.(type) {
	case string:
		if v != "" {
			version = v
		}
	case float64:
		version = strconv.FormatFloat(v, 'f', -1, 64)
	}
	timeLimit := m.TimeLimitS
	if timeLimit == 0 {
		timeLimit = 10
	}
	memMB := m.MemoryMB
	if memMB == 0 {
		memMB = 1024
	}

	public, err := loadTests(filepath.Join(dir, "public_tests.json"), false)
	if err != nil {
		return nil, err
	}
	hidden, err := loadTests(filepath.Join(dir, "hidden_tests.json"), true)
	if err != nil {
		return nil, err
	}

	return &Problem{
		ID:            id,
		Version:       version,
		Runner:        m.Runner,
		RequiresTorch: m.RequiresTorch,
		TimeLimitS:    timeLimit,
		MemoryMB:      memMB,
		Comparison:    m.Comparison.toComparison(),
		PublicTests:   public,
		HiddenTests:   hidden,
	}, nil
}

type rawBundle struct {
	Cases []rawCase `json:"cases"`
}

type rawCase struct {
	ID             string          `json:"id"`
	InputCode      string          `json:"input_code"`
	Inputs         map[string]any  `json:"inputs"`
	Expected       json.RawMessage `json:"expected"`
	ExpectedIsCode bool            `json:"expected_is_code"`
	Hidden         bool            `json:"hidden"`
	Comparison     *rawCompare     `json:"comparison"`
}

func loadTests(path string, hiddenOverride bool) ([]TestCase, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var bundle rawBundle
	if err := json.Unmarshal(raw, &bundle); err != nil {
		// tolerate a bare JSON array in place of {"cases": [...]}
		var cases []rawCase
		if err2 := json.Unmarshal(raw, &cases); err2 != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		bundle.Cases = cases
	}

	out := make([]TestCase, 0, len(bundle.Cases))
	for _, c := range bundle.Cases {
		inputCode := c.InputCode
		if inputCode == "" && c.Inputs != nil {
			var b strings.Builder
			for name, value := range c.Inputs {
				fmt.Fprintf(&b, "%s = %v\n", name, value)
			}
			inputCode = b.String()
		}
		var cmp *Comparison
		if c.Comparison != nil {
			v := c.Comparison.toComparison()
			cmp = &v
		}
		out = append(out, TestCase{
			ID:             c.ID,
			InputCode:      inputCode,
			Expected:       c.Expected,
			ExpectedIsCode: c.ExpectedIsCode,
			Hidden:         hiddenOverride,
			Comparison:     cmp,
		})
	}
	return out, nil
}
