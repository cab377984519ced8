// Package llm adapts eino chat models to the plain text-generation calls the
// pipeline makes: one system instruction, one prompt, text plus token usage.
package llm

import (
	"context"
	"errors"
	"fmt"
	"io"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/ask-mandi/server/internal/agent/model"
)

// Request is a single text-generation call.
type Request struct {
	System string
	Prompt string
	// MaxOutputTokens overrides the model default when positive.
	MaxOutputTokens int
	Temperature     *float32
}

// Response is the result of Generate.
type Response struct {
	Text  string
	Usage model.TokenUsage
	Model string
}

// Generator is the text-generation capability used by graph nodes, the
// location resolver, the fallback orchestrator and the summary stage.
type Generator interface {
	Model() string
	Generate(ctx context.Context, req Request) (*Response, error)
	Stream(ctx context.Context, req Request) (*TextStream, error)
}

// ChatGenerator implements Generator over an eino chat model.
type ChatGenerator struct {
	chat einomodel.BaseChatModel
	name string
}

func NewChatGenerator(chat einomodel.BaseChatModel, name string) *ChatGenerator {
	return &ChatGenerator{chat: chat, name: name}
}

func (g *ChatGenerator) Model() string {
	return g.name
}

func (g *ChatGenerator) Generate(ctx context.Context, req Request) (*Response, error) {
	msg, err := g.chat.Generate(ctx, buildMessages(req), buildOptions(req)...)
	if err != nil {
		return nil, fmt.Errorf("generate with %s: %w", g.name, err)
	}
	if msg == nil {
		return nil, fmt.Errorf("generate with %s: empty message", g.name)
	}
	resp := &Response{Text: msg.Content, Model: g.name}
	if msg.ResponseMeta != nil {
		resp.Usage = model.UsageFromSchema(msg.ResponseMeta.Usage)
	}
	return resp, nil
}

func (g *ChatGenerator) Stream(ctx context.Context, req Request) (*TextStream, error) {
	sr, err := g.chat.Stream(ctx, buildMessages(req), buildOptions(req)...)
	if err != nil {
		return nil, fmt.Errorf("stream with %s: %w", g.name, err)
	}
	return NewTextStream(sr), nil
}

func buildMessages(req Request) []*schema.Message {
	msgs := make([]*schema.Message, 0, 2)
	if req.System != "" {
		msgs = append(msgs, schema.SystemMessage(req.System))
	}
	return append(msgs, schema.UserMessage(req.Prompt))
}

func buildOptions(req Request) []einomodel.Option {
	var opts []einomodel.Option
	if req.MaxOutputTokens > 0 {
		opts = append(opts, einomodel.WithMaxTokens(req.MaxOutputTokens))
	}
	if req.Temperature != nil {
		opts = append(opts, einomodel.WithTemperature(*req.Temperature))
	}
	return opts
}

// TextStream yields the text chunks of a streamed completion. Usage is
// available once Recv has returned io.EOF.
type TextStream struct {
	reader *schema.StreamReader[*schema.Message]
	usage  model.TokenUsage
}

func NewTextStream(reader *schema.StreamReader[*schema.Message]) *TextStream {
	return &TextStream{reader: reader}
}

// Recv returns the next non-empty chunk, or io.EOF when the stream is done.
func (s *TextStream) Recv() (string, error) {
	for {
		msg, err := s.reader.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return "", io.EOF
			}
			return "", fmt.Errorf("stream recv: %w", err)
		}
		if msg == nil {
			continue
		}
		// Providers report cumulative usage; the last report wins.
		if msg.ResponseMeta != nil && msg.ResponseMeta.Usage != nil {
			s.usage = model.UsageFromSchema(msg.ResponseMeta.Usage)
		}
		if msg.Content == "" {
			continue
		}
		return msg.Content, nil
	}
}

func (s *TextStream) Usage() model.TokenUsage {
	return s.usage
}

// Close stops reading. The upstream call is not cancelled.
func (s *TextStream) Close() {
	s.reader.Close()
}
