package scan

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeScanner returns canned findings or a canned error.
type fakeScanner struct {
	name     string
	findings []Finding
	err      error
}

func (f *fakeScanner) Name() string { return f.name }
func (f *fakeScanner) Scan(context.Context, string) ([]Finding, error) {
	return f.findings, f.err
}

// TestValidateFindings_Valid tests well-formed output.
func TestValidateFindings_Valid(t *testing.T) {
	raw := []byte(`[
		{"rule_id":"G101","severity":"high","filepath":"main.go","line":10,"message":"hardcoded credential"},
		{"rule_id":"G204","severity":"medium","filepath":"exec.go","line":3,"message":"subprocess with variable"}
	]`)

	findings, err := ValidateFindings(raw)

	require.NoError(t, err)
	require.Len(t, findings, 2)
	assert.Equal(t, "G101", findings[0].RuleID)
}

// TestValidateFindings_Malformed tests schema violations are fatal.
func TestValidateFindings_Malformed(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `scanner exploded`},
		{"not a list", `{"rule_id":"x"}`},
		{"unknown field", `[{"rule_id":"x","severity":"low","filepath":"a.go","line":1,"message":"m","extra":true}]`},
		{"missing rule_id", `[{"severity":"low","filepath":"a.go","line":1,"message":"m"}]`},
		{"missing filepath", `[{"rule_id":"x","severity":"low","line":1,"message":"m"}]`},
		{"bad severity", `[{"rule_id":"x","severity":"catastrophic","filepath":"a.go","line":1,"message":"m"}]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ValidateFindings([]byte(tt.raw))
			assert.ErrorIs(t, err, ErrMalformedFindings)
		})
	}
}

// TestRunAll_SkipsUnavailableTools tests degraded-but-continuable
// semantics: missing tools are recorded, not fatal.
func TestRunAll_SkipsUnavailableTools(t *testing.T) {
	scanners := []Scanner{
		&fakeScanner{name: "gosec", findings: []Finding{{RuleID: "G101", Severity: "high", Filepath: "a.go", Line: 1, Message: "m"}}},
		&fakeScanner{name: "semgrep", err: ErrUnavailable},
	}

	results, err := RunAll(context.Background(), scanners, ".")

	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "gosec", results[0].Tool)
	assert.Len(t, results[0].Findings, 1)
	assert.True(t, results[1].Skipped)
	assert.NotEmpty(t, results[1].Reason)
}

// TestRunAll_OtherErrorsFatal tests that non-availability errors abort.
func TestRunAll_OtherErrorsFatal(t *testing.T) {
	boom := errors.New("corrupt output")
	scanners := []Scanner{
		&fakeScanner{name: "gosec", err: boom},
		&fakeScanner{name: "never", findings: nil},
	}

	_, err := RunAll(context.Background(), scanners, ".")

	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
}

// TestCommandScanner_MissingBinary tests PATH lookup failure maps to
// ErrUnavailable.
func TestCommandScanner_MissingBinary(t *testing.T) {
	s := NewCommandScanner("ghost", "definitely-not-a-real-binary-xyz")

	_, err := s.Scan(context.Background(), ".")

	assert.ErrorIs(t, err, ErrUnavailable)
}
