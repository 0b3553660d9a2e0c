// Package validation provides the write-path rules for experiments and
// variants: key formats, rollout bounds, the sum-of-rollouts invariant,
// and the structural constraints on toggle experiments.
package validation

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/exparo/exparo/internal/store"
)

const (
	// MaxKeyLength is the maximum length for experiment and variant keys.
	MaxKeyLength = 64
	// MaxNameLength is the maximum length for display names.
	MaxNameLength = 128
	// MaxDescriptionLength is the maximum length for descriptions.
	MaxDescriptionLength = 500
)

// Toggle experiments carry exactly these two variant keys.
const (
	ToggleEnabledKey = "enabled"
	ToggleControlKey = "control"
)

// keyPattern matches alphanumeric characters, underscores, and hyphens.
var keyPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ErrToggleConstraint is returned for variant writes that would break the
// two-variant structure of a toggle experiment.
var ErrToggleConstraint = errors.New("toggle experiments have exactly the variants 'enabled' and 'control'")

// RolloutOverflowError reports a variant write that would push the sum of
// rollouts for an experiment above 1.0.
type RolloutOverflowError struct {
	Sum float64
}

func (e *RolloutOverflowError) Error() string {
	return fmt.Sprintf("rollout sum %.4f exceeds 1.0", e.Sum)
}

// ValidationResult holds field-level validation errors.
type ValidationResult struct {
	Valid  bool
	Errors map[string]string
}

// NewValidationResult creates an empty, valid result.
func NewValidationResult() *ValidationResult {
	return &ValidationResult{Valid: true, Errors: make(map[string]string)}
}

// AddError records a field error and marks the result invalid.
func (v *ValidationResult) AddError(field, message string) {
	v.Valid = false
	v.Errors[field] = message
}

// Merge combines another result into this one.
func (v *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	for field, message := range other.Errors {
		v.AddError(field, message)
	}
}

// ValidateKey validates an experiment or variant key.
func ValidateKey(key string) *ValidationResult {
	result := NewValidationResult()
	key = strings.TrimSpace(key)

	if key == "" {
		result.AddError("key", "Key is required")
		return result
	}
	if utf8.RuneCountInString(key) > MaxKeyLength {
		result.AddError("key", "Key must not exceed 64 characters")
		return result
	}
	if !keyPattern.MatchString(key) {
		result.AddError("key", "Key must contain only alphanumeric characters, underscores, and hyphens")
	}
	return result
}

// ValidateName validates a display name.
func ValidateName(name string) *ValidationResult {
	result := NewValidationResult()
	if strings.TrimSpace(name) == "" {
		result.AddError("name", "Name is required")
		return result
	}
	if utf8.RuneCountInString(name) > MaxNameLength {
		result.AddError("name", "Name must not exceed 128 characters")
	}
	return result
}

// ValidateDescription validates a description.
func ValidateDescription(description string) *ValidationResult {
	result := NewValidationResult()
	if utf8.RuneCountInString(description) > MaxDescriptionLength {
		result.AddError("description", "Description must not exceed 500 characters")
	}
	return result
}

// ValidateRolloutRange checks a single rollout value is within [0, 1].
func ValidateRolloutRange(rollout float64) *ValidationResult {
	result := NewValidationResult()
	if rollout < 0 || rollout > 1 {
		result.AddError("rollout", "Rollout must be between 0 and 1")
	}
	return result
}

// ValidateRolloutSum enforces the sum-of-rollouts invariant for a single
// variant write. siblings are all variants of the experiment; editing is
// the id of the variant being updated (uuid.Nil for a create). The
// variant under edit is excluded from the sibling sum.
func ValidateRolloutSum(siblings []store.Variant, editing uuid.UUID, newRollout float64) error {
	var sum float64
	for _, v := range siblings {
		if v.ID == editing {
			continue
		}
		sum += v.Rollout
	}
	sum += newRollout
	if sum > 1.0 {
		return &RolloutOverflowError{Sum: sum}
	}
	return nil
}

// ValidateBulkRollout enforces the sum-of-rollouts invariant for a batch
// of rollout updates applied atomically. updates maps variant id to its
// new rollout; variants absent from the batch keep their stored value.
// The batch is validated as a whole, never one row at a time.
func ValidateBulkRollout(siblings []store.Variant, updates map[uuid.UUID]float64) error {
	var sum float64
	for _, v := range siblings {
		if r, ok := updates[v.ID]; ok {
			sum += r
		} else {
			sum += v.Rollout
		}
	}
	if sum > 1.0 {
		return &RolloutOverflowError{Sum: sum}
	}
	return nil
}

// ValidateToggleVariantKey rejects variant keys outside the toggle pair.
func ValidateToggleVariantKey(key string) error {
	if key != ToggleEnabledKey && key != ToggleControlKey {
		return ErrToggleConstraint
	}
	return nil
}

// ValidateToggleDelete rejects deletes that would leave a toggle
// experiment with fewer than both of its variants. Since a well-formed
// toggle has exactly the two keys, any delete breaks it.
func ValidateToggleDelete() error {
	return ErrToggleConstraint
}

// ValidateToggleRename rejects key edits on toggle variants. Renaming
// either key would leave fewer than both required keys present.
func ValidateToggleRename(oldKey, newKey string) error {
	if oldKey != newKey {
		return ErrToggleConstraint
	}
	return nil
}
