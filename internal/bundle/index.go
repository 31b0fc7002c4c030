package bundle

import "fmt"

// Entry is a bundle plus its position in the log it was scanned from.
type Entry struct {
	Offset int64
	Raw    []byte
	Bundle
}

// Index is a read-only view over a folder record. Entries keep log order.
type Index struct {
	entries []Entry
	byName  map[string]int
}

// Scan parses a whole folder record.
func Scan(log []byte) (*Index, error) {
	ix := &Index{byName: make(map[string]int)}
	for off := 0; off < len(log); {
		b, extent, err := Decode(log[off:])
		if err != nil {
			return nil, fmt.Errorf("entry at offset %d: %w", off, err)
		}
		if _, dup := ix.byName[b.Name]; !dup {
			ix.byName[b.Name] = len(ix.entries)
		}
		ix.entries = append(ix.entries, Entry{
			Offset: int64(off),
			Raw:    log[off : off+extent : off+extent],
			Bundle: b,
		})
		off += extent
	}
	return ix, nil
}

// Len returns the number of entries, including the accounting entry.
func (ix *Index) Len() int {
	return len(ix.entries)
}

// Find returns the entry with the given name.
func (ix *Index) Find(name string) (Entry, bool) {
	i, ok := ix.byName[name]
	if !ok {
		return Entry{}, false
	}
	return ix.entries[i], true
}

// Iterate calls fn for every entry in log order until fn returns false.
func (ix *Index) Iterate(fn func(Entry) bool) {
	for _, e := range ix.entries {
		if !fn(e) {
			return
		}
	}
}

// Statistics returns the decoded accounting entry, if the log has one.
func (ix *Index) Statistics() (Statistics, bool) {
	e, ok := ix.Find(StatisticsName)
	if !ok {
		return Statistics{}, false
	}
	s, err := ParseStatistics(e.Keys)
	if err != nil {
		return Statistics{}, false
	}
	return s, true
}
