// Package chunker splits a bounded range-sum work specification into
// contiguous, non-overlapping chunk ranges. The partition is deterministic
// for a given (n, k), which the idempotency guarantee relies on.
package chunker

import "fmt"

// Range is a half-open interval [Start, End) of positive integers.
type Range struct {
	Start int64
	End   int64
}

// Len returns the number of integers covered by the range.
func (r Range) Len() int64 {
	return r.End - r.Start
}

// Sum returns the sum of all integers in [Start, End).
func (r Range) Sum() int64 {
	if r.End <= r.Start {
		return 0
	}
	last := r.End - 1
	return (r.Start + last) * (last - r.Start + 1) / 2
}

// Split partitions [1, n] into k contiguous half-open ranges whose sizes
// differ by at most one. The remainder is distributed to the first ranges.
// Both arguments must be positive and k must not exceed n; callers validate
// bounds before reaching here, so violations are programming errors.
func Split(n int64, k int) ([]Range, error) {
	if n <= 0 {
		return nil, fmt.Errorf("chunker: n must be positive, got %d", n)
	}
	if k <= 0 {
		return nil, fmt.Errorf("chunker: chunk count must be positive, got %d", k)
	}
	if int64(k) > n {
		return nil, fmt.Errorf("chunker: chunk count %d exceeds bound %d", k, n)
	}

	base := n / int64(k)
	rem := n % int64(k)

	ranges := make([]Range, k)
	start := int64(1)
	for i := 0; i < k; i++ {
		size := base
		if int64(i) < rem {
			size++
		}
		ranges[i] = Range{Start: start, End: start + size}
		start += size
	}
	return ranges, nil
}
