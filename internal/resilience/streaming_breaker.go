package resilience

import (
	"github.com/sony/gobreaker"
)

// StreamingCircuitBreaker wraps gobreaker's two-step breaker for a
// provider's streaming calls. A plain CircuitBreaker wraps Execute(), but a
// stream's success or failure isn't known at the point the call returns —
// Gateway.ExecuteStream opens the stream, relays chunks to the caller, and
// only learns the outcome once the chunk channel closes or errors. The
// two-step Allow()/done() split lets that outcome be reported later without
// faking a synchronous call around an asynchronous one.
type StreamingCircuitBreaker struct {
	cb *gobreaker.TwoStepCircuitBreaker
}

func NewStreamingCircuitBreaker(cfg BreakerConfig) *StreamingCircuitBreaker {
	return &StreamingCircuitBreaker{
		cb: gobreaker.NewTwoStepCircuitBreaker(gobreakerSettings(cfg)),
	}
}

// Allow checks whether the breaker currently permits a streaming call and,
// if so, returns the callback that must be invoked with the call's eventual
// outcome. Gateway.ExecuteStream calls this once per candidate credential
// inside its candidate loop, and invokes each returned done(success) exactly
// once: with false when that candidate's stream fails to open, otherwise
// when the opened stream ends.
func (s *StreamingCircuitBreaker) Allow() (done func(success bool), err error) {
	return s.cb.Allow()
}

func (s *StreamingCircuitBreaker) State() gobreaker.State {
	return s.cb.State()
}

func (s *StreamingCircuitBreaker) Counts() gobreaker.Counts {
	return s.cb.Counts()
}
