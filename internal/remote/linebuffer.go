package remote

import "strings"

// lineBuffer coalesces partial stream chunks into whole lines before
// handing them to a sink. A trailing partial line is flushed when the
// command finishes.
type lineBuffer struct {
	pending string
	emit    func(line string)
}

func newLineBuffer(emit func(line string)) *lineBuffer {
	return &lineBuffer{emit: emit}
}

// Add appends a chunk, emitting every completed line.
func (lb *lineBuffer) Add(chunk string) {
	lb.pending += chunk
	for {
		i := strings.IndexByte(lb.pending, '\n')
		if i < 0 {
			return
		}
		lb.emit(lb.pending[:i])
		lb.pending = lb.pending[i+1:]
	}
}

// Flush emits any trailing partial line.
func (lb *lineBuffer) Flush() {
	if lb.pending != "" {
		lb.emit(lb.pending)
		lb.pending = ""
	}
}
