package buffer

import (
	"sort"

	"github.com/savid/dvr-buffer/internal/chunk"
)

// IndexEntry maps a sample start time to the chunk and byte offset holding it.
type IndexEntry struct {
	PositionUs int64
	Chunk      *chunk.SampleChunk
	Offset     int64
}

// trackIndex is the ordered index of one track. Keys are unique and sorted.
// Entries for one chunk are contiguous because chunks are created in
// position order.
type trackIndex struct {
	entries []IndexEntry
}

func (t *trackIndex) empty() bool {
	return len(t.entries) == 0
}

func (t *trackIndex) first() IndexEntry {
	return t.entries[0]
}

func (t *trackIndex) last() IndexEntry {
	return t.entries[len(t.entries)-1]
}

// put inserts or replaces the entry at e.PositionUs.
func (t *trackIndex) put(e IndexEntry) {
	n := len(t.entries)
	if n == 0 || t.entries[n-1].PositionUs < e.PositionUs {
		t.entries = append(t.entries, e)
		return
	}
	i := sort.Search(n, func(i int) bool { return t.entries[i].PositionUs >= e.PositionUs })
	if i < n && t.entries[i].PositionUs == e.PositionUs {
		t.entries[i] = e
		return
	}
	t.entries = append(t.entries, IndexEntry{})
	copy(t.entries[i+1:], t.entries[i:])
	t.entries[i] = e
}

// floor returns the entry with the greatest key <= positionUs, or the first
// entry when positionUs precedes every key.
func (t *trackIndex) floor(positionUs int64) (IndexEntry, bool) {
	if t.empty() {
		return IndexEntry{}, false
	}
	i := sort.Search(len(t.entries), func(i int) bool { return t.entries[i].PositionUs > positionUs })
	if i == 0 {
		return t.entries[0], true
	}
	return t.entries[i-1], true
}

// removeChunk drops every entry that points at c.
func (t *trackIndex) removeChunk(c *chunk.SampleChunk) {
	kept := t.entries[:0]
	for _, e := range t.entries {
		if e.Chunk != c {
			kept = append(kept, e)
		}
	}
	for i := len(kept); i < len(t.entries); i++ {
		t.entries[i] = IndexEntry{}
	}
	t.entries = kept
}

// chunks returns the distinct chunks of the index in position order.
func (t *trackIndex) chunks() []*chunk.SampleChunk {
	var out []*chunk.SampleChunk
	for _, e := range t.entries {
		if len(out) == 0 || out[len(out)-1] != e.Chunk {
			out = append(out, e.Chunk)
		}
	}
	return out
}
