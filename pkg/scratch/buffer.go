// Package scratch implements the single-slot transfer buffer used to hand
// variable-length results (event batches, serialized domain errors) back to
// guest code across a call boundary that can only return small integers.
//
// A session holds at most one pending buffer; staging a new payload discards
// any undrained predecessor. The guest drains the payload with one or more
// bounded reads, each advancing a cursor. Reads past exhaustion return 0
// forever; the buffer stays in place until the next staging operation.
package scratch

import "io"

// Buffer is a cursor-based byte buffer drained by bounded reads.
type Buffer struct {
	cursor int
	data   []byte
}

// New stages a payload for draining. The payload is not copied; callers must
// not mutate it afterwards.
func New(data []byte) *Buffer {
	return &Buffer{data: data}
}

// Read copies min(remaining, len(p)) bytes at the cursor into p and advances
// the cursor. At exhaustion it returns (0, io.EOF); callers surfacing the
// count to a guest translate that to a plain 0.
func (b *Buffer) Read(p []byte) (int, error) {
	if b.cursor >= len(b.data) {
		return 0, io.EOF
	}
	n := copy(p, b.data[b.cursor:])
	b.cursor += n
	return n, nil
}

// Remaining reports the number of undrained bytes.
func (b *Buffer) Remaining() int {
	return len(b.data) - b.cursor
}

// Size reports the total staged payload length.
func (b *Buffer) Size() int {
	return len(b.data)
}
