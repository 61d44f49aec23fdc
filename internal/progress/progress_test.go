package progress

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReader_ReportsEveryInterval(t *testing.T) {
	src := strings.NewReader(strings.Repeat("a", 100))

	var reports []int64

	pr := NewReader(src, 0, 30, func(read, _ int64) { reports = append(reports, read) })

	buf := make([]byte, 10)
	for {
		_, err := pr.Read(buf)
		if err == io.EOF {
			break
		}

		require.NoError(t, err)
	}

	assert.Equal(t, []int64{30, 60, 90}, reports)
	assert.Equal(t, int64(100), pr.BytesRead())
}

func TestReader_ReportsFirstFivePercent(t *testing.T) {
	src := strings.NewReader(strings.Repeat("a", 1000))

	var reports []int64

	pr := NewReader(src, 1000, 1<<20, func(read, total int64) {
		assert.Equal(t, int64(1000), total)
		reports = append(reports, read)
	})

	_, err := io.Copy(io.Discard, io.LimitReader(pr, 60))
	require.NoError(t, err)

	require.Len(t, reports, 1)
	assert.GreaterOrEqual(t, reports[0], int64(50))
}

func TestCountingWriter(t *testing.T) {
	var buf bytes.Buffer

	cw := &CountingWriter{W: &buf}

	_, err := io.Copy(cw, strings.NewReader("hello world"))
	require.NoError(t, err)

	assert.Equal(t, int64(11), cw.N)
	assert.Equal(t, "hello world", buf.String())
}
