package chain

import (
	"context"
	"fmt"
	"sync"

	"creditline/internal/domain"
)

// Simulated is an in-process ledger. A transaction confirms once it has been
// polled ConfirmAfter times. Failures and outages are injected explicitly.
type Simulated struct {
	mu           sync.Mutex
	confirmAfter int
	txs          map[string]*simTx
	failNext     string
	rejectNext   error
	unreachable  bool
}

type simTx struct {
	intent Intent
	polls  int
	fail   string
}

func NewSimulated(confirmAfter int) *Simulated {
	if confirmAfter < 1 {
		confirmAfter = 1
	}
	return &Simulated{confirmAfter: confirmAfter, txs: map[string]*simTx{}}
}

// FailNext makes the next submitted transaction fail with reason on confirmation.
func (s *Simulated) FailNext(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = reason
}

// RejectNext makes the next Submit return err.
func (s *Simulated) RejectNext(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectNext = err
}

// SetReachable toggles an outage. While unreachable both calls fail with ErrUnreachable.
func (s *Simulated) SetReachable(ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unreachable = !ok
}

func (s *Simulated) Submit(_ context.Context, in Intent) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unreachable {
		return "", ErrUnreachable
	}
	if err := s.rejectNext; err != nil {
		s.rejectNext = nil
		return "", err
	}
	hash, err := IntentHash(in)
	if err != nil {
		return "", err
	}
	if _, dup := s.txs[hash]; dup {
		return "", fmt.Errorf("%w: duplicate intent %s", domain.ErrConflict, hash)
	}
	s.txs[hash] = &simTx{intent: in, fail: s.failNext}
	s.failNext = ""
	return hash, nil
}

func (s *Simulated) Status(_ context.Context, hash string) (Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unreachable {
		return Receipt{}, ErrUnreachable
	}
	tx, ok := s.txs[hash]
	if !ok {
		return Receipt{}, fmt.Errorf("%w: transaction %s", domain.ErrNotFound, hash)
	}
	tx.polls++
	r := Receipt{Hash: hash, Status: domain.TxPending, Confirmations: tx.polls}
	if tx.polls >= s.confirmAfter {
		if tx.fail != "" {
			r.Status = domain.TxFailed
			r.Error = tx.fail
		} else {
			r.Status = domain.TxConfirmed
		}
	}
	return r, nil
}

// Intent returns the intent recorded for hash.
func (s *Simulated) Intent(hash string) (Intent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[hash]
	if !ok {
		return Intent{}, false
	}
	return tx.intent, true
}
