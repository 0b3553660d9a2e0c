package assign

import (
	"fmt"
	"testing"
)

func TestHash_KnownValues(t *testing.T) {
	// Golden values shared with the client libraries. If any of these
	// change, assignments drift for every existing user.
	cases := []struct {
		userID       string
		experimentID string
		want         float64
	}{
		{"user-1", "exp-1", 0.9983},
		{"user-2", "exp-1", 0.0964},
		{"user-1", "exp-2", 0.2518},
		{"u", "e", 0.4056},
		{"550e8400-e29b-41d4-a716-446655440000", "7c9e6679-7425-40de-944b-e07fc1f90ae7", 0.7442},
	}
	for _, tc := range cases {
		got := Hash(tc.userID, tc.experimentID)
		if got != tc.want {
			t.Errorf("Hash(%q, %q) = %v, want %v", tc.userID, tc.experimentID, got, tc.want)
		}
	}
}

func TestHash_Deterministic(t *testing.T) {
	for i := 0; i < 100; i++ {
		a := Hash("user-42", "checkout")
		b := Hash("user-42", "checkout")
		if a != b {
			t.Fatalf("hash not deterministic: %v != %v", a, b)
		}
	}
}

func TestHash_Range(t *testing.T) {
	for i := 0; i < 1000; i++ {
		h := Hash(fmt.Sprintf("user-%d", i), "exp-x")
		if h < 0 || h >= 1 {
			t.Fatalf("Hash out of [0,1): %v", h)
		}
	}
}

func TestHash_DistinguishesInputs(t *testing.T) {
	// "ab"+"c" and "a"+"bc" must not collide thanks to the separator.
	if Hash("ab", "c") == Hash("a", "bc") {
		t.Error("separator does not distinguish inputs")
	}
}

func TestHash_RoughlyUniform(t *testing.T) {
	// Half the population should land below 0.5, give or take.
	below := 0
	const n = 1000
	for i := 0; i < n; i++ {
		if Hash(fmt.Sprintf("user-%d", i), "exp-x") < 0.5 {
			below++
		}
	}
	if below < 400 || below > 600 {
		t.Errorf("distribution skewed: %d/%d below 0.5", below, n)
	}
}
