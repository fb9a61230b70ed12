package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestQuorumSizes(t *testing.T) {
	testCases := []struct {
		n, f, m int
	}{
		{1, 0, 1},
		{2, 0, 2},
		{3, 0, 3},
		{4, 1, 3},
		{7, 2, 5},
		{10, 3, 7},
		{21, 6, 15},
	}
	for _, tc := range testCases {
		assert.Equal(t, tc.f, MaxFaulty(tc.n), "F for N=%d", tc.n)
		assert.Equal(t, tc.m, QuorumSize(tc.n), "M for N=%d", tc.n)
	}
}

func TestQuorumSafetyMargin(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 1024).Draw(t, "n")
		f, m := MaxFaulty(n), QuorumSize(n)
		if m+f > n {
			t.Fatalf("M+F=%d exceeds N=%d", m+f, n)
		}
		if m <= 2*f {
			t.Fatalf("M=%d is not above 2F=%d", m, 2*f)
		}
		// two quorums overlap in more than F members
		if 2*m-n <= f {
			t.Fatalf("quorums of %d in %d overlap in only %d members", m, n, 2*m-n)
		}
	})
}

func TestPrimaryIndexCycles(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 255).Draw(t, "n")
		height := rapid.Uint32().Draw(t, "height")

		seen := make(map[int]bool, n)
		for v := 0; v < n; v++ {
			p := PrimaryIndex(height, uint8(v), n)
			if p < 0 || p >= n {
				t.Fatalf("primary %d out of range for N=%d", p, n)
			}
			if p != PrimaryIndex(height, uint8(v), n) {
				t.Fatalf("primary index is not stable")
			}
			seen[p] = true
		}
		if len(seen) != n {
			t.Fatalf("views [0,%d) selected %d distinct primaries", n, len(seen))
		}
	})
}

func TestPrimaryIndexWrapsNegative(t *testing.T) {
	assert.Equal(t, 0, PrimaryIndex(0, 0, 4))
	assert.Equal(t, 3, PrimaryIndex(0, 1, 4))
	assert.Equal(t, 1, PrimaryIndex(1, 0, 4))
	assert.Equal(t, 0, PrimaryIndex(1, 1, 4))
	assert.Equal(t, 2, PrimaryIndex(1, 3, 4))
}
