package pool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireSampleSizes(t *testing.T) {
	p := New()

	tests := []struct {
		name string
		size int
	}{
		{"empty", 0},
		{"small", 188},
		{"block", BlockSize()},
		{"large", BlockSize()*3 + 17},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := p.AcquireSample(tt.size)
			require.NotNil(t, s)
			assert.Equal(t, tt.size, s.Size)
			assert.Len(t, s.Data, tt.size)
			p.ReleaseSample(s)
		})
	}
	assert.Equal(t, int64(0), p.Outstanding())
}

func TestReleaseIsIdempotent(t *testing.T) {
	p := New()
	s := p.AcquireSample(64)
	assert.Equal(t, int64(1), p.Outstanding())

	p.ReleaseSample(s)
	p.ReleaseSample(s)
	p.ReleaseSample(nil)
	assert.Equal(t, int64(0), p.Outstanding())
}

func TestBlocksAreReused(t *testing.T) {
	p := New()
	s := p.AcquireSample(100)
	first := &s.Data[:1][0]
	p.ReleaseSample(s)

	s = p.AcquireSample(200)
	defer p.ReleaseSample(s)
	assert.Same(t, first, &s.Data[:1][0])
}
