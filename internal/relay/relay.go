// Package relay forwards process output to a terminal sink. It is the only
// place where output control codes are interpreted; everything else treats
// output as opaque text.
package relay

import (
	"context"
	"io"
	"strings"
	"unicode/utf8"
)

// Clear-screen control sequences.
const (
	SeqReset       = "\x1bc"   // RIS, full reset
	SeqEraseScreen = "\x1b[2J" // ED 2, erase entire display
)

// maxCarry is the longest proper prefix of a clear sequence.
const maxCarry = len(SeqEraseScreen) - 1

// Sink receives relayed output.
type Sink interface {
	Append(chunk string)
	Clear()
}

// IsClear reports whether a chunk contains a clear-screen sequence.
func IsClear(chunk string) bool {
	return strings.Contains(chunk, SeqReset) || strings.Contains(chunk, SeqEraseScreen)
}

type options struct {
	carryOver bool
}

// Option configures Run.
type Option func(*options)

// WithCarryOver holds back a trailing partial clear sequence until the next
// chunk arrives, so a sequence split across two chunks is still detected.
// Chunk boundaries seen by the sink shift as a result.
func WithCarryOver() Option {
	return func(o *options) {
		o.carryOver = true
	}
}

// Run consumes chunks from source in arrival order until source is closed or
// ctx is done. A chunk containing a clear sequence results in sink.Clear()
// instead of sink.Append(chunk).
func Run(ctx context.Context, source <-chan string, sink Sink, opts ...Option) error {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	var carry string
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case chunk, ok := <-source:
			if !ok {
				if carry != "" {
					sink.Append(carry)
				}
				return nil
			}

			if o.carryOver {
				chunk = carry + chunk
				chunk, carry = splitPartial(chunk)
				if chunk == "" {
					continue
				}
			}

			if IsClear(chunk) {
				sink.Clear()
				continue
			}
			sink.Append(chunk)
		}
	}
}

// splitPartial splits off a trailing proper prefix of a clear sequence.
func splitPartial(chunk string) (head, tail string) {
	start := len(chunk) - maxCarry
	if start < 0 {
		start = 0
	}
	for i := start; i < len(chunk); i++ {
		if chunk[i] != '\x1b' {
			continue
		}
		suffix := chunk[i:]
		if isPartial(suffix) {
			return chunk[:i], suffix
		}
	}
	return chunk, ""
}

func isPartial(s string) bool {
	for _, seq := range []string{SeqReset, SeqEraseScreen} {
		if len(s) < len(seq) && strings.HasPrefix(seq, s) {
			return true
		}
	}
	return false
}

// Chunks reads r in pieces of at most size bytes and delivers each read as a
// chunk. The channel is closed when r returns an error (including io.EOF) or
// ctx is done. A multi-byte UTF-8 rune split by a read is held back and
// delivered with the next chunk.
func Chunks(ctx context.Context, r io.Reader, size int) <-chan string {
	if size <= 0 {
		size = 4096
	}
	ch := make(chan string, 64)

	go func() {
		defer close(ch)

		buf := make([]byte, size)
		var pending []byte
		for {
			n, err := r.Read(buf)
			if n > 0 {
				data := append(pending, buf[:n]...)
				cut := completeRunes(data)
				pending = append([]byte(nil), data[cut:]...)
				if cut > 0 {
					select {
					case ch <- string(data[:cut]):
					case <-ctx.Done():
						return
					}
				}
			}
			if err != nil {
				if len(pending) > 0 {
					select {
					case ch <- string(pending):
					case <-ctx.Done():
					}
				}
				return
			}
		}
	}()

	return ch
}

// completeRunes returns the length of the longest prefix of data that does
// not end in the middle of a UTF-8 sequence.
func completeRunes(data []byte) int {
	end := len(data)
	// Look back at most utf8.UTFMax-1 bytes for an incomplete sequence start.
	for i := end - 1; i >= 0 && i >= end-(utf8.UTFMax-1); i-- {
		b := data[i]
		if b < utf8.RuneSelf {
			return end
		}
		if utf8.RuneStart(b) {
			if utf8.FullRune(data[i:]) {
				return end
			}
			return i
		}
	}
	return end
}
