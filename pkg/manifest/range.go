package manifest

import "fmt"

// Range selects pages Start..End (1-based, inclusive). Zero values mean
// "first page" and "last page".
type Range struct {
	Start int
	End   int
}

// All selects the whole manifest.
var All = Range{}

// Resolve fills defaults against n pages and validates 1 <= start <= end <= n.
func (r Range) Resolve(n int) (start, end int, err error) {
	start, end = r.Start, r.End
	if start == 0 {
		start = 1
	}
	if end == 0 {
		end = n
	}

	if start < 1 || end > n || start > end {
		return 0, 0, fmt.Errorf("%w: [%d, %d] outside [1, %d]", ErrInvalidRange, start, end, n)
	}

	return start, end, nil
}

// String formats the range for logs.
func (r Range) String() string {
	s, e := "1", "last"
	if r.Start != 0 {
		s = fmt.Sprint(r.Start)
	}
	if r.End != 0 {
		e = fmt.Sprint(r.End)
	}
	return s + "-" + e
}
