package sampler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIndicesHundredFrames(t *testing.T) {
	got := Indices(100)
	require.Len(t, got, 50)

	var want []int
	for base := 0; base < 100; base += 10 {
		for i := 0; i < 5; i++ {
			want = append(want, base+i)
		}
	}
	assert.Equal(t, want, got)

	for i := 1; i < len(got); i++ {
		assert.Less(t, got[i-1], got[i], "indices must be strictly increasing")
	}
}

func TestIndicesEdgeCases(t *testing.T) {
	tests := []struct {
		name       string
		frameCount int
		want       []int
	}{
		{"Empty video", 0, nil},
		{"Negative count", -3, nil},
		{"Shorter than a burst", 3, []int{0, 1, 2}},
		{"Exactly one burst", 5, []int{0, 1, 2, 3, 4}},
		{"Partial second burst", 13, []int{0, 1, 2, 3, 4, 10, 11, 12}},
		{"Thirty frames", 30, []int{0, 1, 2, 3, 4, 10, 11, 12, 13, 14, 20, 21, 22, 23, 24}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Indices(tt.frameCount)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, len(tt.want), Count(tt.frameCount))
		})
	}
}
