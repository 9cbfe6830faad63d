package sandbox

// Ratio computes the Ratcliff/Obershelp similarity of two strings as
// 2*M / (len(a)+len(b)), where M counts the characters covered by recursively
// extending the longest common substring to both sides. Result is in [0, 1];
// identical non-empty strings score 1.
func Ratio(a, b string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	m := matchingChars([]byte(a), []byte(b))
	return 2 * float64(m) / float64(len(a)+len(b))
}

func matchingChars(a, b []byte) int {
	ai, bi, size := longestMatch(a, b)
	if size == 0 {
		return 0
	}
	total := size
	total += matchingChars(a[:ai], b[:bi])
	total += matchingChars(a[ai+size:], b[bi+size:])
	return total
}

// longestMatch finds the longest common substring, preferring the earliest
// occurrence in a, then in b, matching difflib's tie-breaking.
func longestMatch(a, b []byte) (bestA, bestB, bestSize int) {
	// lengths[j] holds the match length ending at b[j-1] for the previous row.
	lengths := make([]int, len(b)+1)
	for i := 0; i < len(a); i++ {
		// Walk b backwards so lengths[j-1] is still the previous row's value.
		for j := len(b); j >= 1; j-- {
			if a[i] == b[j-1] {
				lengths[j] = lengths[j-1] + 1
				if lengths[j] > bestSize {
					bestSize = lengths[j]
					bestA = i - bestSize + 1
					bestB = j - bestSize
				}
			} else {
				lengths[j] = 0
			}
		}
	}
	return bestA, bestB, bestSize
}
