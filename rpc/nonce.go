package rpc

import (
	"strconv"
	"sync/atomic"

	"github.com/google/uuid"
)

// NonceSource yields the per-call token appended to a correlation seed
type NonceSource interface {
	Next() string
}

// CounterNonce is a monotonic counter behind a per-process random prefix.
// Tokens are unique within the process and unlikely to collide across processes
// sharing a reply queue.
type CounterNonce struct {
	prefix  string
	counter atomic.Uint64
}

// NewCounterNonce creates a counter nonce with a fresh random prefix
func NewCounterNonce() *CounterNonce {
	return &CounterNonce{prefix: uuid.New().String()[:8]}
}

func (n *CounterNonce) Next() string {
	return n.prefix + "." + strconv.FormatUint(n.counter.Add(1), 10)
}

// RandomNonce draws a random uuid for every call
type RandomNonce struct{}

func (RandomNonce) Next() string {
	return uuid.New().String()
}
