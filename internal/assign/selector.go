package assign

import (
	"errors"

	"github.com/exparo/exparo/internal/store"
)

// ErrNoVariants is returned when an experiment has no variants to assign.
// This is a configuration bug; the selector never invents a variant.
var ErrNoVariants = errors.New("experiment has no variants")

// ChooseVariant returns the variant assigned to the user for the
// experiment. Variants must already be in stable id order, as returned
// by the store.
//
// Each variant occupies a half-open range proportional to its share of
// the total rollout; the user's hash picks the containing range.
//
// Example: rollouts [A:0.5, B:0.3, C:0.2]
//   - hash in [0.0, 0.5) -> A
//   - hash in [0.5, 0.8) -> B
//   - hash in [0.8, 1.0) -> C
func ChooseVariant(variants []store.Variant, userID, experimentID string) (store.Variant, error) {
	if len(variants) == 0 {
		return store.Variant{}, ErrNoVariants
	}

	var total float64
	positive := -1
	positiveCount := 0
	for i, v := range variants {
		total += v.Rollout
		if v.Rollout > 0 {
			positive = i
			positiveCount++
		}
	}

	// With no positive rollout there is nothing to divide; keep the
	// reference behavior of assigning everyone to the first variant.
	if total <= 0 {
		return variants[0], nil
	}

	// Short-circuit when the rollout is effectively fully assigned to a
	// single variant. This avoids floating-point boundary sensitivity in
	// the common "1.0 on one variant, 0 on the rest" configuration.
	if positiveCount == 1 {
		return variants[positive], nil
	}

	h := Hash(userID, experimentID)

	var accumulated float64
	for _, v := range variants {
		next := accumulated + v.Rollout/total
		if h >= accumulated && h < next {
			return v, nil
		}
		accumulated = next
	}

	// Reachable only under ulp-scale numeric drift; exact range
	// boundaries are not part of the behavioral contract.
	return variants[len(variants)-1], nil
}
