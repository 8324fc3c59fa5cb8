package harness

import (
	"context"
	"fmt"
)

// SuiteResult summarizes a run over several scenario files.
type SuiteResult struct {
	Total    int       `json:"total"`
	Passed   int       `json:"passed"`
	Failed   int       `json:"failed"`
	Failures []Failure `json:"failures,omitempty"`
}

// Failure is one scenario file that did not pass.
type Failure struct {
	Scenario string   `json:"scenario,omitempty"`
	Path     string   `json:"path"`
	Errors   []string `json:"errors"`
}

// RunFiles loads and runs every scenario file in order. A file that fails
// to load or whose setup fails counts as a failure; the suite continues.
// Only cancellation stops it early.
func (h *Harness) RunFiles(ctx context.Context, paths []string) (*SuiteResult, error) {
	suite := &SuiteResult{}
	for _, path := range paths {
		suite.Total++

		scenario, err := LoadScenario(path)
		if err != nil {
			suite.fail(Failure{Path: path, Errors: []string{fmt.Sprintf("failed to load scenario: %v", err)}})
			continue
		}

		result, err := h.Run(ctx, scenario)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return suite, ctxErr
			}
			suite.fail(Failure{Scenario: scenario.Name, Path: path, Errors: []string{err.Error()}})
			continue
		}
		if !result.Pass {
			suite.fail(Failure{Scenario: scenario.Name, Path: path, Errors: result.Errors})
			continue
		}
		suite.Passed++
	}
	return suite, nil
}

func (s *SuiteResult) fail(f Failure) {
	s.Failed++
	s.Failures = append(s.Failures, f)
}
