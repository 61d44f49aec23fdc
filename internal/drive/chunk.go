package drive

import (
	"fmt"
	"time"
)

// ChunkThreshold is the largest file sent as a single chunk. Larger files are
// split into chunks one byte shorter than the threshold.
const ChunkThreshold int64 = 150 * 1024 * 1024

const (
	defaultSmallChunkTimeout = 5 * time.Second
	defaultLargeChunkTimeout = 10 * time.Second
)

// Chunk is one contiguous byte range of an upload. Start and End are
// inclusive offsets.
type Chunk struct {
	Start        int64
	End          int64
	ContentRange string
	Length       int64
	Timeout      time.Duration
}

// PlanOptions tunes chunk planning. Zero values take the defaults.
type PlanOptions struct {
	Threshold    int64
	SmallTimeout time.Duration
	LargeTimeout time.Duration
}

func (o PlanOptions) withDefaults() PlanOptions {
	if o.Threshold <= 1 {
		o.Threshold = ChunkThreshold
	}

	if o.SmallTimeout <= 0 {
		o.SmallTimeout = defaultSmallChunkTimeout
	}

	if o.LargeTimeout <= 0 {
		o.LargeTimeout = defaultLargeChunkTimeout
	}

	return o
}

// Plan splits [offset, total) into chunks. The chunk size and the timeout are
// chosen from the total file size, so a plan restarted mid-file keeps the
// geometry of the original one. The chunks are ascending and contiguous and
// their lengths sum to total-offset; the plan is empty when offset >= total.
func Plan(offset, total int64, opts PlanOptions) []Chunk {
	opts = opts.withDefaults()

	if offset < 0 {
		offset = 0
	}

	if total <= 0 || offset >= total {
		return nil
	}

	step := opts.Threshold - 1
	timeout := opts.LargeTimeout

	if total <= opts.Threshold {
		step = total
		timeout = opts.SmallTimeout
	}

	chunks := make([]Chunk, 0, (total-offset)/step+1)

	for start := offset; start < total; start += step {
		end := min(start+step, total) - 1

		chunks = append(chunks, Chunk{
			Start:        start,
			End:          end,
			ContentRange: fmt.Sprintf("bytes %d-%d/%d", start, end, total),
			Length:       end - start + 1,
			Timeout:      timeout,
		})
	}

	return chunks
}
