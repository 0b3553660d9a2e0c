package validation

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/exparo/exparo/internal/store"
)

func TestValidateKey(t *testing.T) {
	cases := []struct {
		key   string
		valid bool
	}{
		{"checkout-test", true},
		{"exp_2024", true},
		{"A1", true},
		{"", false},
		{"has space", false},
		{"bad/key", false},
		{strings.Repeat("x", 65), false},
	}
	for _, tc := range cases {
		result := ValidateKey(tc.key)
		if result.Valid != tc.valid {
			t.Errorf("ValidateKey(%q).Valid = %v, want %v", tc.key, result.Valid, tc.valid)
		}
	}
}

func TestValidateRolloutRange(t *testing.T) {
	for _, r := range []float64{0, 0.5, 1} {
		if !ValidateRolloutRange(r).Valid {
			t.Errorf("rollout %v rejected", r)
		}
	}
	for _, r := range []float64{-0.1, 1.01, 2} {
		if ValidateRolloutRange(r).Valid {
			t.Errorf("rollout %v accepted", r)
		}
	}
}

func siblings(rollouts ...float64) []store.Variant {
	out := make([]store.Variant, len(rollouts))
	for i, r := range rollouts {
		out[i] = store.Variant{ID: uuid.New(), Rollout: r}
	}
	return out
}

func TestValidateRolloutSum_Create(t *testing.T) {
	vs := siblings(0.5, 0.3)
	if err := ValidateRolloutSum(vs, uuid.Nil, 0.2); err != nil {
		t.Errorf("sum exactly 1.0 should pass, got %v", err)
	}
	err := ValidateRolloutSum(vs, uuid.Nil, 0.3)
	var overflow *RolloutOverflowError
	if !errors.As(err, &overflow) {
		t.Fatalf("expected RolloutOverflowError, got %v", err)
	}
	if overflow.Sum < 1.09 || overflow.Sum > 1.11 {
		t.Errorf("reported sum %v, want about 1.1", overflow.Sum)
	}
}

func TestValidateRolloutSum_UpdateExcludesSelf(t *testing.T) {
	vs := siblings(0.5, 0.5)
	// Raising the first variant to 0.5 again: its old value is excluded.
	if err := ValidateRolloutSum(vs, vs[0].ID, 0.5); err != nil {
		t.Errorf("self-exclusion failed: %v", err)
	}
	if err := ValidateRolloutSum(vs, vs[0].ID, 0.6); err == nil {
		t.Error("expected overflow when raising past the sibling's share")
	}
}

func TestValidateBulkRollout(t *testing.T) {
	vs := siblings(0.5, 0.5)
	ok := map[uuid.UUID]float64{vs[0].ID: 1.0, vs[1].ID: 0.0}
	if err := ValidateBulkRollout(vs, ok); err != nil {
		t.Errorf("valid batch rejected: %v", err)
	}

	// Each row alone would pass against stored values, but the batch as
	// a whole overflows; validation must consider the aggregate.
	bad := map[uuid.UUID]float64{vs[0].ID: 0.6, vs[1].ID: 0.6}
	if err := ValidateBulkRollout(vs, bad); err == nil {
		t.Error("aggregate overflow not detected")
	}

	// A partial batch uses stored values for untouched variants.
	partial := map[uuid.UUID]float64{vs[0].ID: 0.6}
	if err := ValidateBulkRollout(vs, partial); err == nil {
		t.Error("partial batch overflow not detected")
	}
}

func TestToggleConstraints(t *testing.T) {
	if err := ValidateToggleVariantKey("enabled"); err != nil {
		t.Errorf("enabled rejected: %v", err)
	}
	if err := ValidateToggleVariantKey("control"); err != nil {
		t.Errorf("control rejected: %v", err)
	}
	if err := ValidateToggleVariantKey("treatment"); !errors.Is(err, ErrToggleConstraint) {
		t.Errorf("treatment accepted: %v", err)
	}
	if err := ValidateToggleDelete(); !errors.Is(err, ErrToggleConstraint) {
		t.Errorf("toggle delete accepted: %v", err)
	}
	if err := ValidateToggleRename("enabled", "enabled"); err != nil {
		t.Errorf("no-op rename rejected: %v", err)
	}
	if err := ValidateToggleRename("enabled", "on"); !errors.Is(err, ErrToggleConstraint) {
		t.Errorf("rename accepted: %v", err)
	}
}
