// Package sampler decides which frames of a video are examined for faces.
package sampler

const (
	// SampleStride is the distance between the starts of two bursts.
	SampleStride = 10
	// BurstLength is the number of consecutive frames taken per burst.
	BurstLength = 5
)

// Indices returns the frame indices to examine for a video of frameCount frames:
// BurstLength consecutive frames out of every SampleStride, in increasing order.
func Indices(frameCount int) []int {
	if frameCount <= 0 {
		return nil
	}

	out := make([]int, 0, Count(frameCount))
	for base := 0; base < frameCount; base += SampleStride {
		for i := base; i < base+BurstLength && i < frameCount; i++ {
			out = append(out, i)
		}
	}
	return out
}

// Count returns len(Indices(frameCount)) without allocating.
func Count(frameCount int) int {
	if frameCount <= 0 {
		return 0
	}
	full := frameCount / SampleStride
	rest := frameCount % SampleStride
	return full*BurstLength + min(rest, BurstLength)
}
