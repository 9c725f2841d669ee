package txexec

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// SignerLocks serialises nonce acquisition, submission and confirmation per
// signer address so concurrent tasks sharing a key do not race on nonces.
type SignerLocks struct {
	mu    sync.Mutex
	slots map[common.Address]chan struct{}
}

// NewSignerLocks creates an empty lock set.
func NewSignerLocks() *SignerLocks {
	return &SignerLocks{slots: make(map[common.Address]chan struct{})}
}

func (l *SignerLocks) slot(addr common.Address) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.slots[addr]
	if !ok {
		ch = make(chan struct{}, 1)
		l.slots[addr] = ch
	}
	return ch
}

// Lock blocks until addr is free or ctx is done.
func (l *SignerLocks) Lock(ctx context.Context, addr common.Address) (unlock func(), err error) {
	ch := l.slot(addr)
	select {
	case ch <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-ch }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
