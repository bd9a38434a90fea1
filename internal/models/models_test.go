package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBoundingBoxIoU(t *testing.T) {
	tests := []struct {
		name string
		a, b BoundingBox
		want float32
	}{
		{
			name: "identical boxes",
			a:    BoundingBox{X1: 0, Y1: 0, X2: 100, Y2: 100},
			b:    BoundingBox{X1: 0, Y1: 0, X2: 100, Y2: 100},
			want: 1,
		},
		{
			name: "disjoint boxes",
			a:    BoundingBox{X1: 0, Y1: 0, X2: 100, Y2: 100},
			b:    BoundingBox{X1: 200, Y1: 200, X2: 300, Y2: 300},
			want: 0,
		},
		{
			name: "half overlap",
			a:    BoundingBox{X1: 0, Y1: 0, X2: 100, Y2: 100},
			b:    BoundingBox{X1: 0, Y1: 0, X2: 100, Y2: 50},
			want: 0.5,
		},
		{
			name: "zero-area boxes",
			a:    BoundingBox{X1: 10, Y1: 10, X2: 10, Y2: 10},
			b:    BoundingBox{X1: 10, Y1: 10, X2: 10, Y2: 10},
			want: 0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, tt.a.IoU(&tt.b), 1e-6)
		})
	}
}

func TestBoundingBoxToRectCanonicalizes(t *testing.T) {
	b := BoundingBox{X1: 100, Y1: 100, X2: 10, Y2: 10}
	r := b.ToRect()
	assert.Equal(t, 10, r.Min.X)
	assert.Equal(t, 100, r.Max.Y)
}
