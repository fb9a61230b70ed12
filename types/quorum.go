package types

// MaxFaulty is F, the number of byzantine members a committee of n tolerates.
func MaxFaulty(n int) int {
	if n < 1 {
		return 0
	}
	return (n - 1) / 3
}

// QuorumSize is M, the number of matching votes any binding decision needs.
func QuorumSize(n int) int {
	return n - MaxFaulty(n)
}

// PrimaryIndex returns the proposer of view at blockIndex among n validators.
// The result is always in [0, n).
func PrimaryIndex(blockIndex uint32, view uint8, n int) int {
	if n < 1 {
		return 0
	}
	p := (int64(blockIndex) - int64(view)) % int64(n)
	if p < 0 {
		p += int64(n)
	}
	return int(p)
}
