package chain

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// AddrLocker serializes transaction submission per sending address so the
// nonce read and the broadcast happen without interleaving. The server wallet
// signs every API-key-authorized write, which makes it the hot address here.
type AddrLocker struct {
	mu    sync.Mutex
	locks map[common.Address]*sync.Mutex
}

func (l *AddrLocker) lock(address common.Address) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.locks == nil {
		l.locks = make(map[common.Address]*sync.Mutex)
	}
	if _, ok := l.locks[address]; !ok {
		l.locks[address] = new(sync.Mutex)
	}
	return l.locks[address]
}

// LockAddr acquires the mutex for the given address. The caller must hold it
// from the nonce read until the transaction has been submitted.
func (l *AddrLocker) LockAddr(address common.Address) {
	l.lock(address).Lock()
}

// UnlockAddr releases the mutex for the given address.
func (l *AddrLocker) UnlockAddr(address common.Address) {
	l.lock(address).Unlock()
}
