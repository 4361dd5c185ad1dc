package upstream

import (
	"sync"

	"github.com/tiktoken-go/tokenizer"

	"github.com/relaymux/gateway/internal/logging"
)

// chars-per-token fallback used when no codec is available for a model
// (e.g. a provider-native encoding tiktoken doesn't know about).
const fallbackCharsPerToken = 4.0

// tokensPerBucketUnit controls how many estimated prompt tokens equal one
// TokenBucket-sized unit. A bucket unit is intentionally coarse (spec.md's
// default bucket holds 50 units) so this divides a multi-thousand-token
// prompt down to a handful of units. The result is reported to usage
// metering; it is not consumed from the bucket.
const tokensPerBucketUnit = 4000.0

// TiktokenEstimator estimates a request's cost in bucket-sized units from its
// prompt token count, using the cl100k_base encoding shared by GPT-4-class
// and Claude-family tokenization (close enough for a cost estimate, which
// only needs to be proportionate, not exact).
type TiktokenEstimator struct {
	once  sync.Once
	codec tokenizer.Codec
	err   error
}

func NewTiktokenEstimator() *TiktokenEstimator {
	return &TiktokenEstimator{}
}

func (e *TiktokenEstimator) load() {
	e.codec, e.err = tokenizer.Get(tokenizer.Cl100kBase)
	if e.err != nil {
		logging.Errorw("upstream: failed to load tiktoken codec, falling back to char heuristic", e.err)
	}
}

// Estimate returns the bucket cost for a request body, floored at 1.
func (e *TiktokenEstimator) Estimate(model string, body []byte) float64 {
	e.once.Do(e.load)

	var promptTokens int
	if e.codec != nil {
		ids, _, err := e.codec.Encode(string(body))
		if err == nil {
			promptTokens = len(ids)
		}
	}
	if promptTokens == 0 {
		promptTokens = int(float64(len(body)) / fallbackCharsPerToken)
	}

	units := float64(promptTokens) / tokensPerBucketUnit
	if units < 1 {
		units = 1
	}
	return units
}

var _ TokenEstimator = (*TiktokenEstimator)(nil)
