package ai

import (
	"context"
)

// NewDummyGenerator wraps a response function as a Generator. Used by
// tests and by simulation mode, where stage outputs are scripted instead
// of fetched from a model endpoint.
func NewDummyGenerator(respond func(ctx context.Context, req GenerateRequest) (string, error)) Generator {
	return dummyGenerator{respond: respond}
}

// NewStaticGenerator returns a Generator that always produces content.
func NewStaticGenerator(content string) Generator {
	return dummyGenerator{
		respond: func(context.Context, GenerateRequest) (string, error) {
			return content, nil
		},
	}
}

type dummyGenerator struct {
	respond func(ctx context.Context, req GenerateRequest) (string, error)
}

func (d dummyGenerator) Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	content, err := d.respond(ctx, req)
	if err != nil {
		return nil, err
	}
	return &GenerateResult{
		Content: content,
		Model:   "dummy",
		Usage:   Usage{CompletionTokens: len(content) / 4, TotalTokens: len(content) / 4},
	}, nil
}
