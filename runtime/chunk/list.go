package chunk

import "fmt"

// List is an ordered chunk list built by applying updates. The zero value is
// an empty list ready to use. List is not safe for concurrent use.
type List struct {
	chunks []Chunk
	index  map[string]int
}

// Replay applies updates to an empty list and returns the resulting chunks.
func Replay(updates []Update) ([]Chunk, error) {
	var l List
	for i, u := range updates {
		if err := l.Apply(u); err != nil {
			return nil, fmt.Errorf("update %d: %w", i, err)
		}
	}
	return l.Chunks(), nil
}

// Apply merges u into the list.
func (l *List) Apply(u Update) error {
	if l.index == nil {
		l.index = make(map[string]int)
	}
	switch u := u.(type) {
	case Add:
		if err := u.Chunk.Validate(); err != nil {
			return err
		}
		if _, ok := l.index[u.Chunk.ID]; ok {
			return fmt.Errorf("%w: %q", ErrDuplicateChunk, u.Chunk.ID)
		}
		l.index[u.Chunk.ID] = len(l.chunks)
		l.chunks = append(l.chunks, u.Chunk)
	case Edit:
		i, ok := l.index[u.ID]
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnknownChunk, u.ID)
		}
		l.chunks[i] = u.Patch.Merge(l.chunks[i])
	default:
		return fmt.Errorf("unsupported update %T", u)
	}
	return nil
}

// Get returns the chunk with the given id.
func (l *List) Get(id string) (Chunk, bool) {
	i, ok := l.index[id]
	if !ok {
		return Chunk{}, false
	}
	return l.chunks[i], true
}

// Len returns the number of chunks.
func (l *List) Len() int {
	return len(l.chunks)
}

// Chunks returns a copy of the chunks in list order.
func (l *List) Chunks() []Chunk {
	return append([]Chunk(nil), l.chunks...)
}
