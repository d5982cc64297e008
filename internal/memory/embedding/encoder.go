package embedding

import "context"

// Encoder is the external sentence-encoder the index delegates to. Its
// concrete implementation (an HTTP call to a local embedding server, a
// Python subprocess, etc.) is outside this repo's scope — this package
// only defines the interface and the batching/caching around it.
type Encoder interface {
	// Encode returns a vector for text. prefixedText already carries the
	// "passage: "/"query: " prefix the caller selected; Encode must not add
	// its own.
	Encode(ctx context.Context, prefixedText string) ([]float32, error)

	// Dimensions reports the vector width the encoder produces (768 for
	// e5-base-v2-class models).
	Dimensions() int
}

// EncodeBatch is the batched form; implementations that can't batch natively
// should fall back to sequential Encode calls via this helper.
func EncodeBatch(ctx context.Context, enc Encoder, texts []string) ([][]float32, error) {
	if batcher, ok := enc.(interface {
		EncodeBatch(context.Context, []string) ([][]float32, error)
	}); ok {
		return batcher.EncodeBatch(ctx, texts)
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := enc.Encode(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}
