// Package workers sizes the hashing pool.
package workers

import "runtime"

// ForIO returns the worker count for I/O-bound work such as hashing large
// model files: two per usable CPU, capped at limit when limit > 0.
// GOMAXPROCS already reflects container CPU limits.
func ForIO(limit int) int {
	n := 2 * runtime.GOMAXPROCS(0)
	if n < 1 {
		n = 1
	}
	if limit > 0 && n > limit {
		n = limit
	}
	return n
}
