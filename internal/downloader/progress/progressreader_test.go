package progress

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReader_ReportsAtInterval(t *testing.T) {
	data := make([]byte, 100)

	var reports []int64
	pr := NewReader(bytes.NewReader(data), 100, 25, func(written, total int64) {
		assert.Equal(t, int64(100), total)
		reports = append(reports, written)
	})

	n, err := io.Copy(io.Discard, pr)
	require.NoError(t, err)

	assert.Equal(t, int64(100), n)
	assert.Equal(t, int64(100), pr.Written())
	assert.NotEmpty(t, reports)

	for i := 1; i < len(reports); i++ {
		assert.Greater(t, reports[i], reports[i-1])
	}
}

func TestReader_NilCallback(t *testing.T) {
	pr := NewReader(bytes.NewReader(make([]byte, 64)), 64, 16, nil)

	n, err := io.Copy(io.Discard, pr)
	require.NoError(t, err)
	assert.Equal(t, int64(64), n)
}
