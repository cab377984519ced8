package summary

import (
	"errors"
	"io"
	"strings"

	"github.com/ask-mandi/server/internal/agent/model"
)

// ChunkSource is the upstream text sequence. *llm.TextStream implements it.
type ChunkSource interface {
	Recv() (string, error)
	Usage() model.TokenUsage
	Close()
}

// Stream is a lazy, finite, non-restartable sequence of answer chunks.
// A single consumer calls Next until it returns false, then checks Err.
//
//	for st.Next() {
//		write(st.Chunk())
//	}
//	if err := st.Err(); err != nil { ... }
type Stream struct {
	src    ChunkSource
	prior  model.TokenUsage
	prefix string

	chunk string
	full  strings.Builder
	err   error
	done  bool

	onComplete []func(text string, usage model.TokenUsage)
}

func NewStream(src ChunkSource, prior model.TokenUsage) *Stream {
	return &Stream{src: src, prior: prior}
}

// OnComplete registers fn to run once after the last chunk, only when the
// stream ended without error.
func (s *Stream) OnComplete(fn func(text string, usage model.TokenUsage)) {
	s.onComplete = append(s.onComplete, fn)
}

// Next advances to the next chunk.
func (s *Stream) Next() bool {
	if s.done {
		return false
	}
	if s.prefix != "" {
		s.emit(s.prefix)
		s.prefix = ""
		return true
	}

	chunk, err := s.src.Recv()
	if err != nil {
		s.done = true
		s.chunk = ""
		if !errors.Is(err, io.EOF) {
			s.err = err
			return false
		}
		usage := s.Usage()
		for _, fn := range s.onComplete {
			fn(s.full.String(), usage)
		}
		return false
	}
	s.emit(chunk)
	return true
}

func (s *Stream) emit(chunk string) {
	s.chunk = chunk
	s.full.WriteString(chunk)
}

// Chunk is the text produced by the last successful Next.
func (s *Stream) Chunk() string {
	return s.chunk
}

// Text is everything emitted so far.
func (s *Stream) Text() string {
	return s.full.String()
}

// Usage is the prior usage plus the summary call's usage reported so far.
func (s *Stream) Usage() model.TokenUsage {
	return s.prior.Add(s.src.Usage())
}

// SummaryUsage is the summary call's own usage.
func (s *Stream) SummaryUsage() model.TokenUsage {
	return s.src.Usage()
}

func (s *Stream) Err() error {
	return s.err
}

// Close stops consuming upstream chunks. It is safe to call more than once.
func (s *Stream) Close() {
	if s.src != nil {
		s.src.Close()
		s.src = closedSource{usage: s.src.Usage()}
	}
	s.done = true
}

type closedSource struct {
	usage model.TokenUsage
}

func (closedSource) Recv() (string, error)      { return "", io.EOF }
func (c closedSource) Usage() model.TokenUsage { return c.usage }
func (closedSource) Close()                     {}
