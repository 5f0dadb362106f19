//go:build !unix && !windows

package alloc

// mapRegion falls back to the Go heap where there is no anonymous mapping.
// The buffer stays reachable through its Arena, so the collector leaves it
// alone.
func mapRegion(size int) ([]byte, error) {
	return make([]byte, size), nil
}

func unmapRegion([]byte) error {
	return nil
}
