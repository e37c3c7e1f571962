// Package scan runs static-analysis tools and validates their findings.
// A tool that is not installed is tolerated and recorded as skipped;
// a tool that produces output failing the findings schema is fatal,
// because partial security signal is useful but corrupt signal is not.
package scan

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
)

// ErrUnavailable indicates a scanner tool is not installed or not
// runnable in this environment.
var ErrUnavailable = errors.New("scanner unavailable")

// ErrMalformedFindings indicates scanner output that fails the findings
// schema. Fatal to the run.
var ErrMalformedFindings = errors.New("malformed scanner findings")

// Finding is one validated scanner result.
type Finding struct {
	RuleID   string `json:"rule_id"`
	Severity string `json:"severity"`
	Filepath string `json:"filepath"`
	Line     int    `json:"line"`
	Message  string `json:"message"`
}

// Result is the outcome of one tool's scan: either findings, or a
// skipped marker with a human-readable reason.
type Result struct {
	Tool     string    `json:"tool"`
	Findings []Finding `json:"findings,omitempty"`
	Skipped  bool      `json:"skipped,omitempty"`
	Reason   string    `json:"reason,omitempty"`
}

// Scanner runs one tool against a target directory.
type Scanner interface {
	// Name identifies the tool in results and logs.
	Name() string

	// Scan returns validated findings. ErrUnavailable marks the tool
	// as skippable; any other error is fatal to the run.
	Scan(ctx context.Context, target string) ([]Finding, error)
}

// RunAll executes every scanner, tolerating unavailable tools.
// Unavailable tools produce a skipped Result; any other error aborts.
func RunAll(ctx context.Context, scanners []Scanner, target string) ([]Result, error) {
	results := make([]Result, 0, len(scanners))

	for _, s := range scanners {
		findings, err := s.Scan(ctx, target)
		if err != nil {
			if errors.Is(err, ErrUnavailable) {
				results = append(results, Result{
					Tool:    s.Name(),
					Skipped: true,
					Reason:  err.Error(),
				})
				continue
			}
			return nil, fmt.Errorf("scanner %s: %w", s.Name(), err)
		}
		results = append(results, Result{Tool: s.Name(), Findings: findings})
	}

	return results, nil
}

// ValidateFindings decodes and validates raw scanner JSON against the
// findings schema. Any structural violation returns ErrMalformedFindings.
func ValidateFindings(raw []byte) ([]Finding, error) {
	var findings []Finding
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&findings); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFindings, err)
	}

	for i, f := range findings {
		if f.RuleID == "" {
			return nil, fmt.Errorf("%w: finding %d missing rule_id", ErrMalformedFindings, i)
		}
		if f.Filepath == "" {
			return nil, fmt.Errorf("%w: finding %d missing filepath", ErrMalformedFindings, i)
		}
		switch f.Severity {
		case "low", "medium", "high", "critical":
		default:
			return nil, fmt.Errorf("%w: finding %d has severity %q", ErrMalformedFindings, i, f.Severity)
		}
	}

	return findings, nil
}

// CommandScanner runs an external tool that prints findings JSON to
// stdout.
type CommandScanner struct {
	name string
	path string
	args []string
}

// NewCommandScanner creates a scanner for an external tool invocation.
// Args are passed through with the target directory appended.
func NewCommandScanner(name, path string, args ...string) *CommandScanner {
	return &CommandScanner{name: name, path: path, args: args}
}

// Name implements Scanner.
func (c *CommandScanner) Name() string { return c.name }

// Scan implements Scanner.
func (c *CommandScanner) Scan(ctx context.Context, target string) ([]Finding, error) {
	if _, err := exec.LookPath(c.path); err != nil {
		return nil, fmt.Errorf("%w: %s not found in PATH", ErrUnavailable, c.path)
	}

	args := append(append([]string{}, c.args...), target)
	cmd := exec.CommandContext(ctx, c.path, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// Many scanners exit non-zero when they find issues; only treat
		// empty output as a real failure.
		if stdout.Len() == 0 {
			return nil, fmt.Errorf("%w: %v: %s", ErrUnavailable, err, stderr.String())
		}
	}

	return ValidateFindings(stdout.Bytes())
}
