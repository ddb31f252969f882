package analytics

import (
	"sort"
	"sync"
	"time"

	"github.com/hrygo/promptlab/plugin/ai/telemetry"
)

// templateBuffer holds the records of one template ordered by timestamp.
type templateBuffer struct {
	mu      sync.RWMutex
	records []telemetry.ExecutionRecord
}

// insert adds r keeping timestamp order and returns the records that preceded it,
// capped to the last window entries. The returned slice is a copy.
func (b *templateBuffer) insert(r telemetry.ExecutionRecord, window, maxRecords int) []telemetry.ExecutionRecord {
	b.mu.Lock()
	defer b.mu.Unlock()

	idx := len(b.records)
	if idx > 0 && r.Timestamp.Before(b.records[idx-1].Timestamp) {
		idx = sort.Search(len(b.records), func(i int) bool {
			return b.records[i].Timestamp.After(r.Timestamp)
		})
	}
	baseline := copyTail(b.records[:idx], window)

	b.records = append(b.records, telemetry.ExecutionRecord{})
	copy(b.records[idx+1:], b.records[idx:])
	b.records[idx] = r

	if over := len(b.records) - maxRecords; over > 0 {
		b.records = append(b.records[:0:0], b.records[over:]...)
	}
	return baseline
}

// before returns up to window records strictly older than t. A zero t selects every record.
func (b *templateBuffer) before(t time.Time, window int) []telemetry.ExecutionRecord {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if t.IsZero() {
		return copyTail(b.records, window)
	}
	idx := sort.Search(len(b.records), func(i int) bool {
		return !b.records[i].Timestamp.Before(t)
	})
	return copyTail(b.records[:idx], window)
}

// between returns a copy of the records inside [start, end]. Nil bounds are open.
func (b *templateBuffer) between(start, end *time.Time) []telemetry.ExecutionRecord {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]telemetry.ExecutionRecord, 0, len(b.records))
	for _, r := range b.records {
		if start != nil && r.Timestamp.Before(*start) {
			continue
		}
		if end != nil && r.Timestamp.After(*end) {
			break
		}
		out = append(out, r)
	}
	return out
}

// prune drops records older than cutoff and returns how many were removed.
func (b *templateBuffer) prune(cutoff time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	idx := sort.Search(len(b.records), func(i int) bool {
		return !b.records[i].Timestamp.Before(cutoff)
	})
	if idx == 0 {
		return 0
	}
	b.records = append(b.records[:0:0], b.records[idx:]...)
	return idx
}

func (b *templateBuffer) size() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.records)
}

func copyTail(records []telemetry.ExecutionRecord, n int) []telemetry.ExecutionRecord {
	if n > 0 && len(records) > n {
		records = records[len(records)-n:]
	}
	out := make([]telemetry.ExecutionRecord, len(records))
	copy(out, records)
	return out
}

// bucketStart truncates t to the start of its interval bucket.
func bucketStart(t time.Time, interval time.Duration) time.Time {
	return t.Truncate(interval)
}

type bucket struct {
	start   time.Time
	records []telemetry.ExecutionRecord
}

// bucketize groups time-ordered records into consecutive interval buckets.
func bucketize(records []telemetry.ExecutionRecord, interval time.Duration) []bucket {
	var out []bucket
	for _, r := range records {
		start := bucketStart(r.Timestamp, interval)
		if n := len(out); n > 0 && out[n-1].start.Equal(start) {
			out[n-1].records = append(out[n-1].records, r)
			continue
		}
		out = append(out, bucket{start: start, records: []telemetry.ExecutionRecord{r}})
	}
	return out
}
