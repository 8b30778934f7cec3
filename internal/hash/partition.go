// Package hash holds helpers shared by the fingerprint implementations.
package hash

// Split cuts a fingerprint into four fixed-width partitions used as indexed
// lookup keys. The width is ceil(len/4), so the last partition may be short
// or empty for very small inputs.
func Split(full string) [4]string {
	var parts [4]string
	width := (len(full) + 3) / 4
	for i := range parts {
		start := i * width
		if start >= len(full) {
			break
		}
		end := min(start+width, len(full))
		parts[i] = full[start:end]
	}
	return parts
}
