package bulk

import "github.com/projectpulse/projectpulse/internal/ingest"

// Deduper tracks dedup keys seen within a single file. The first
// occurrence of a key wins; later occurrences are skipped and counted as
// duplicates by the caller.
type Deduper struct {
	seen map[string]struct{}
}

func NewDeduper() *Deduper {
	return &Deduper{seen: make(map[string]struct{})}
}

// Seen reports whether key already appeared and records it.
func (d *Deduper) Seen(key string) bool {
	if _, ok := d.seen[key]; ok {
		return true
	}
	d.seen[key] = struct{}{}
	return false
}

// Batcher buffers valid rows into fixed-size batches before they are
// handed to the write path, bounding memory and giving the writer a unit
// for partial-batch retry.
type Batcher struct {
	size int
	buf  []ingest.RawRecord
}

func NewBatcher(size int) *Batcher {
	if size <= 0 {
		size = 50
	}
	return &Batcher{size: size, buf: make([]ingest.RawRecord, 0, size)}
}

// Add buffers rec and returns a full batch once the buffer reaches the
// configured size, nil otherwise.
func (b *Batcher) Add(rec ingest.RawRecord) []ingest.RawRecord {
	b.buf = append(b.buf, rec)
	if len(b.buf) < b.size {
		return nil
	}
	return b.drain()
}

// Flush returns whatever is buffered, possibly a short final batch.
func (b *Batcher) Flush() []ingest.RawRecord {
	if len(b.buf) == 0 {
		return nil
	}
	return b.drain()
}

func (b *Batcher) drain() []ingest.RawRecord {
	out := b.buf
	b.buf = make([]ingest.RawRecord, 0, b.size)
	return out
}
