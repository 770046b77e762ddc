// Package fingerprint derives the deterministic cache/dedup key for a
// completion request. The key covers exactly the fields that influence a
// provider's answer: model, max_tokens, the IEEE-754 bit patterns of
// temperature and top_p, and the ordered (role, content) message sequence.
// Priority and the stream flag are excluded; they shape scheduling, not
// content. The digest is a 256-bit sha256, wide enough that collisions are
// not a practical concern for the dedup cache.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"math"

	"github.com/goccy/go-json"

	"github.com/quillforge/relay/pkg/types"
)

type canonicalMessage struct {
	Role    string `json:"r"`
	Content string `json:"c"`
	Name    string `json:"n,omitempty"`
}

// Float parameters are hashed by bit pattern so that unset (nil) and an
// explicit 0.0 produce different fingerprints.
type canonicalRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature *uint64            `json:"temp_bits,omitempty"`
	TopP        *uint64            `json:"top_p_bits,omitempty"`
	Messages    []canonicalMessage `json:"messages"`
}

// Compute returns the hex-encoded fingerprint of req.
func Compute(req *types.CompletionRequest) string {
	c := canonicalRequest{
		Model:     req.Model,
		MaxTokens: req.MaxTokens,
		Messages:  make([]canonicalMessage, len(req.Messages)),
	}
	if req.Temperature != nil {
		bits := math.Float64bits(*req.Temperature)
		c.Temperature = &bits
	}
	if req.TopP != nil {
		bits := math.Float64bits(*req.TopP)
		c.TopP = &bits
	}
	for i, m := range req.Messages {
		c.Messages[i] = canonicalMessage{Role: string(m.Role), Content: m.Content, Name: m.Name}
	}

	// A flat struct of strings and integers cannot fail to marshal.
	data, _ := json.Marshal(c)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
