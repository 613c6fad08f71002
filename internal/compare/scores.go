package compare

// Score weights.
const (
	sentenceWeight   = 0.3
	wordWeight       = 0.3
	similarityWeight = 0.4

	qualityWeight   = 0.7
	expansionWeight = 0.3
)

// Default ideal candidate/reference length band.
const (
	DefaultBandLow  = 1.5
	DefaultBandHigh = 2.5
)

// QualityScore combines the edit rates and the semantic similarity into a
// value in [0, 1]. It is non-decreasing in similarity.
func QualityScore(ser, wer, similarity float64) float64 {
	return clamp01(sentenceWeight*(1-ser) + wordWeight*(1-wer) + similarityWeight*similarity)
}

// ExpansionScore rates a candidate/reference length ratio: 1 inside
// [low, high], falling linearly to 0 at ratio 0 below the band and at
// 2*high above it.
func ExpansionScore(ratio, low, high float64) float64 {
	switch {
	case ratio <= 0:
		return 0
	case ratio < low:
		return clamp01(ratio / low)
	case ratio <= high:
		return 1
	default:
		return clamp01(1 - (ratio-high)/high)
	}
}

// ImprovementScore weighs quality against expansion.
func ImprovementScore(quality, expansion float64) float64 {
	return clamp01(qualityWeight*quality + expansionWeight*expansion)
}

func clamp01(v float64) float64 {
	return max(0, min(1, v))
}
