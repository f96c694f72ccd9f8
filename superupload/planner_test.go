package superupload

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlanParts(t *testing.T) {
	parts, err := PlanParts(12*mebibyte, 5*mebibyte)
	require.NoError(t, err)

	require.Len(t, parts, 3)
	want := []struct{ offset, size int64 }{
		{0, 5 * mebibyte},
		{5 * mebibyte, 5 * mebibyte},
		{10 * mebibyte, 2 * mebibyte},
	}
	for i, w := range want {
		assert.Equal(t, i+1, parts[i].PartNumber)
		assert.Equal(t, w.offset, parts[i].Offset)
		assert.Equal(t, w.size, parts[i].Size)
		assert.Equal(t, PartPending, parts[i].Status)
	}
}

func TestPlanParts_Contiguous(t *testing.T) {
	tests := []struct {
		total int64
		chunk int64
	}{
		{1, 1},
		{1, 5 * mebibyte},
		{10, 3},
		{10, 5},
		{5*mebibyte + 1, 5 * mebibyte},
		{10000, 1},
		{10, math.MaxInt64},
		{math.MaxInt64, math.MaxInt64 / 2},
	}

	for _, tt := range tests {
		parts, err := PlanParts(tt.total, tt.chunk)
		require.NoError(t, err)
		require.NotEmpty(t, parts, "total %d chunk %d", tt.total, tt.chunk)

		var offset int64
		for i, part := range parts {
			assert.Equal(t, i+1, part.PartNumber)
			assert.Equal(t, offset, part.Offset)
			if i < len(parts)-1 {
				assert.Equal(t, tt.chunk, part.Size)
			} else {
				assert.Positive(t, part.Size)
				assert.LessOrEqual(t, part.Size, tt.chunk)
			}
			offset += part.Size
		}
		assert.Equal(t, tt.total, offset, "total %d chunk %d", tt.total, tt.chunk)
	}
}

func TestPlanParts_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		total int64
		chunk int64
		field string
	}{
		{name: "empty source", total: 0, chunk: 5, field: "size"},
		{name: "zero chunk", total: 10, chunk: 0, field: "chunkSize"},
		{name: "too many parts", total: 10001, chunk: 1, field: "chunkSize"},
		{name: "too many parts for 5 MiB chunks", total: 10001 * 5 * mebibyte, chunk: 5 * mebibyte, field: "chunkSize"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parts, err := PlanParts(tt.total, tt.chunk)
			assert.Nil(t, parts)

			var validationErr *ValidationError
			require.True(t, errors.As(err, &validationErr))
			assert.Equal(t, tt.field, validationErr.Field)
		})
	}
}

func TestAdaptiveChunkSize(t *testing.T) {
	assert.Equal(t, int64(5*mebibyte), AdaptiveChunkSize(12*mebibyte, 5*mebibyte))
	assert.Equal(t, int64(mebibyte), AdaptiveChunkSize(100, 0))
	assert.Equal(t, int64(math.MaxInt64), AdaptiveChunkSize(10, math.MaxInt64))

	// 100 GiB needs parts of at least 10.24 MiB
	size := AdaptiveChunkSize(100*1024*mebibyte, 5*mebibyte)
	assert.Equal(t, int64(11*mebibyte), size)

	parts, err := PlanParts(100*1024*mebibyte, size)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(parts), 10000)
}

func TestPlanParts_HugeChunk(t *testing.T) {
	parts, err := PlanParts(10, math.MaxInt64)
	require.NoError(t, err)
	require.Len(t, parts, 1)
	assert.Equal(t, Part{PartNumber: 1, Offset: 0, Size: 10}, parts[0])
}
