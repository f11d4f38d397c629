package docker

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
)

const maxLogLine = 1 << 20

type logEvent struct {
	line string
	err  error
}

// streamLines reads r on its own goroutine and forwards each line, or the
// first read error, on the returned channel. The channel is closed when
// the reader is exhausted. Closing done releases the goroutine early.
func streamLines(r io.Reader, buffer int, done <-chan struct{}) <-chan logEvent {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan logEvent, buffer)
	go func() {
		defer close(ch)
		send := func(ev logEvent) bool {
			select {
			case ch <- ev:
				return true
			case <-done:
				return false
			}
		}
		defer func() {
			if p := recover(); p != nil {
				send(logEvent{err: fmt.Errorf("log reader panicked: %v", p)})
			}
		}()

		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 64*1024), maxLogLine)
		for sc.Scan() {
			if !send(logEvent{line: strings.TrimRight(sc.Text(), "\r")}) {
				return
			}
		}
		if err := sc.Err(); err != nil {
			send(logEvent{err: err})
		}
	}()
	return ch
}

// drainLogs consumes rc until it ends, ctx is done, or the reader fails.
// It keeps only the last tail lines (all of them when tail < 1); those
// collected before an error are returned alongside it.
func drainLogs(ctx context.Context, rc io.ReadCloser, buffer, tail int, onLine func(string)) ([]string, error) {
	done := make(chan struct{})
	ch := streamLines(rc, buffer, done)
	defer func() {
		close(done)
		rc.Close()
	}()

	var ring tailRing
	ring.max = tail
	for {
		select {
		case <-ctx.Done():
			return ring.lines(), ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return ring.lines(), nil
			}
			if ev.err != nil {
				return ring.lines(), ev.err
			}
			ring.add(ev.line)
			if onLine != nil {
				onLine(ev.line)
			}
		}
	}
}

// tailRing holds the most recent max lines.
type tailRing struct {
	max  int
	buf  []string
	next int
}

func (r *tailRing) add(line string) {
	if r.max < 1 || len(r.buf) < r.max {
		r.buf = append(r.buf, line)
		return
	}
	r.buf[r.next] = line
	r.next = (r.next + 1) % r.max
}

// lines returns the held lines oldest first.
func (r *tailRing) lines() []string {
	if r.next == 0 {
		return r.buf
	}
	out := make([]string, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	return append(out, r.buf[:r.next]...)
}
