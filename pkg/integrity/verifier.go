package integrity

import (
	"context"
	"fmt"

	"marketmigration/pkg/store"
)

// TolerancePolicy decides whether a count mismatch is fatal for the run.
// The default tolerates any mismatch: issues are reported but do not flip
// the run to failed.
type TolerancePolicy func(table string, expected, actual int64) bool

// TolerateAll reports every mismatch as non-fatal
func TolerateAll(string, int64, int64) bool { return false }

// ExactMatch treats any mismatch as fatal
func ExactMatch(_ string, expected, actual int64) bool { return expected != actual }

// Verifier re-counts destination tables after migration and compares
// against the expected totals.
type Verifier struct {
	dest   store.DestinationStore
	policy TolerancePolicy
}

// NewVerifier creates a verifier with the given tolerance policy. A nil
// policy tolerates all mismatches.
func NewVerifier(dest store.DestinationStore, policy TolerancePolicy) *Verifier {
	if policy == nil {
		policy = TolerateAll
	}
	return &Verifier{dest: dest, policy: policy}
}

// Expectation is the anticipated record count for one destination table:
// the count observed before migration plus the run's successful inserts.
type Expectation struct {
	Table    string
	Baseline int64
	Inserted int64
}

// Verify compares destination counts against expectations. It returns the
// list of mismatch descriptions and whether any mismatch is fatal under
// the policy.
func (v *Verifier) Verify(ctx context.Context, expectations []Expectation) (issues []string, fatal bool, err error) {
	for _, exp := range expectations {
		actual, countErr := v.dest.Count(ctx, exp.Table)
		if countErr != nil {
			return issues, fatal, fmt.Errorf("failed to count %s: %w", exp.Table, countErr)
		}

		expected := exp.Baseline + exp.Inserted
		if actual == expected {
			continue
		}

		issues = append(issues, fmt.Sprintf(
			"table %s: expected %d records, found %d", exp.Table, expected, actual))
		if v.policy(exp.Table, expected, actual) {
			fatal = true
		}
	}
	return issues, fatal, nil
}
