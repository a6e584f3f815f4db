package rag

import (
	"math"
	"sync"

	tiktoken "github.com/pkoukk/tiktoken-go"
)

// tokenEncoding is loaded lazily and shared across calls; tiktoken-go's
// BPE tables are expensive to build per call.
var (
	tokenEncodingOnce sync.Once
	tokenEncoding     *tiktoken.Tiktoken
)

// countTokens counts text using a real BPE tokenizer when the encoding
// table loads successfully, falling back to the conservative ceil(len/4)
// approximation otherwise (e.g. offline, no cached ranks).
func countTokens(text string) int {
	tokenEncodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			tokenEncoding = enc
		}
	})
	if tokenEncoding != nil {
		return len(tokenEncoding.Encode(text, nil, nil))
	}
	return int(math.Ceil(float64(len(text)) / 4))
}
