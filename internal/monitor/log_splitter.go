package monitor

import (
	"bytes"
	"io"
	"sync"
)

const logSplitterQueueLen = 256

// logSplitter duplicates log output: every complete line goes to the
// next writer and, without blocking, to a channel the UI drains. The
// log package serializes writes but the splitter locks anyway so other
// writers can share it.
type logSplitter struct {
	mu   sync.Mutex
	next io.Writer
	buf  bytes.Buffer
	ch   chan string
}

// NewLogSplitter wraps next so the returned channel sees each log line.
// Lines are dropped from the channel, never from next, when the UI
// falls behind.
func NewLogSplitter(next io.Writer) (io.Writer, <-chan string) {
	s := &logSplitter{next: next, ch: make(chan string, logSplitterQueueLen)}
	return s, s.ch
}

func (s *logSplitter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, err := s.next.Write(p)
	s.buf.Write(p[:n])

	for {
		line, readErr := s.buf.ReadString('\n')
		if readErr != nil {
			// Partial line, keep it buffered for the next write.
			s.buf.WriteString(line)
			break
		}
		select {
		case s.ch <- line:
		default:
		}
	}
	return n, err
}
