package bulk

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/projectpulse/projectpulse/internal/ingest"
)

func TestDeduper_FirstOccurrenceWins(t *testing.T) {
	d := NewDeduper()

	assert.False(t, d.Seen("alpha|f.csv"))
	assert.True(t, d.Seen("alpha|f.csv"))
	assert.False(t, d.Seen("beta|f.csv"))
}

func TestBatcher_EmitsFullBatchesThenRemainder(t *testing.T) {
	b := NewBatcher(3)

	var batches [][]ingest.RawRecord
	for i := 0; i < 7; i++ {
		rec := ingest.RawRecord{Name: fmt.Sprintf("p%d", i)}
		if batch := b.Add(rec); batch != nil {
			batches = append(batches, batch)
		}
	}
	if tail := b.Flush(); tail != nil {
		batches = append(batches, tail)
	}

	require.Len(t, batches, 3)
	assert.Len(t, batches[0], 3)
	assert.Len(t, batches[1], 3)
	assert.Len(t, batches[2], 1)
	assert.Equal(t, "p0", batches[0][0].Name)
	assert.Equal(t, "p6", batches[2][0].Name)
}

func TestBatcher_FlushOnEmptyIsNil(t *testing.T) {
	b := NewBatcher(3)
	assert.Nil(t, b.Flush())
}
