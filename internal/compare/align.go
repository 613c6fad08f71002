package compare

// Alignment summarises the optimal alignment of two token sequences.
type Alignment struct {
	// Edits is the minimal number of insertions, deletions and
	// substitutions turning the reference into the candidate.
	Edits int

	// Matches is the length of the longest common subsequence.
	Matches int
}

// Align aligns ref against cand. Both dynamic programs keep two rows, so
// memory stays linear in len(cand).
func Align(ref, cand []string) Alignment {
	return Alignment{Edits: editDistance(ref, cand), Matches: lcsLength(ref, cand)}
}

// EditRate is the alignment edit count divided by len(ref), capped at 1.
// An empty reference yields 0.
func EditRate(ref, cand []string) float64 {
	if len(ref) == 0 {
		return 0
	}
	return rate(editDistance(ref, cand), len(ref))
}

func rate(edits, total int) float64 {
	if total == 0 {
		return 0
	}
	return min(1, float64(edits)/float64(total))
}

func editDistance(ref, cand []string) int {
	prev := make([]int, len(cand)+1)
	cur := make([]int, len(cand)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ref); i++ {
		cur[0] = i
		for j := 1; j <= len(cand); j++ {
			if ref[i-1] == cand[j-1] {
				cur[j] = prev[j-1]
				continue
			}
			cur[j] = 1 + min(prev[j-1], prev[j], cur[j-1])
		}
		prev, cur = cur, prev
	}
	return prev[len(cand)]
}

func lcsLength(ref, cand []string) int {
	prev := make([]int, len(cand)+1)
	cur := make([]int, len(cand)+1)
	for i := 1; i <= len(ref); i++ {
		for j := 1; j <= len(cand); j++ {
			if ref[i-1] == cand[j-1] {
				cur[j] = prev[j-1] + 1
			} else {
				cur[j] = max(prev[j], cur[j-1])
			}
		}
		prev, cur = cur, prev
		clear(cur)
	}
	return prev[len(cand)]
}
