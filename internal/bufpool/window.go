package bufpool

// Window implements the "skip N bytes then append up to M" helper
// spec.md §4.4 calls for: it lets a filter produce the correct partial
// output for an arbitrary (offset, length) FUSE read without ever
// materializing the filter's whole transformed output in memory.
//
// A filter's streaming pass calls Write repeatedly with the successive
// chunks of its transformed output, in order, starting from byte 0 of
// the logical (post-transform) file. Window discards bytes before
// Offset and stops accepting once Len bytes have been captured,
// so a caller can bail out of its transform loop as soon as Done
// reports true.
type Window struct {
	// Offset is the number of leading logical bytes to skip.
	Offset int64
	// Len is the maximum number of bytes to capture after Offset.
	Len int64

	skipped  int64
	captured int64
	out      []byte
}

// NewWindow returns a Window that captures up to length bytes starting
// at offset.
func NewWindow(offset, length int64) *Window {
	return &Window{Offset: offset, Len: length}
}

// Write feeds the next chunk of logical output through the window,
// appending whatever portion falls within [Offset, Offset+Len) to the
// captured buffer.
func (w *Window) Write(chunk []byte) {
	if w.Done() || len(chunk) == 0 {
		return
	}

	pos := 0
	if w.skipped < w.Offset {
		toSkip := w.Offset - w.skipped
		if toSkip > int64(len(chunk)) {
			w.skipped += int64(len(chunk))
			return
		}
		pos = int(toSkip)
		w.skipped = w.Offset
	}

	remaining := w.Len - w.captured
	available := int64(len(chunk) - pos)
	take := remaining
	if available < take {
		take = available
	}
	if take <= 0 {
		return
	}

	w.out = append(w.out, chunk[pos:int64(pos)+take]...)
	w.captured += take
}

// WriteByte feeds a single logical byte through the window; convenient
// for line-oriented filters that build output one rune/line at a time.
func (w *Window) WriteByte(b byte) {
	w.Write([]byte{b})
}

// Done reports whether the window has captured its full requested
// length and the caller may stop generating further output.
func (w *Window) Done() bool {
	return w.captured >= w.Len
}

// Bytes returns the captured bytes so far.
func (w *Window) Bytes() []byte {
	if w.out == nil {
		return []byte{}
	}
	return w.out
}
