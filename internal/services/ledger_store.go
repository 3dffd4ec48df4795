package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/AnshRaj112/whisper-trust/internal/models"
)

// errAlreadyCredited is returned by stores whose uniqueness constraint caught
// a duplicate one-time transaction.
var errAlreadyCredited = errors.New("one-time reward already credited")

// LedgerTx is the view of one identity's ledger inside a unit of work.
type LedgerTx interface {
	// Progression is the projection as locked at the start of the unit of work.
	Progression() models.UserProgression
	HasTransaction(ctx context.Context, kind models.EventKind) (bool, error)
	// Append records txn and replaces the projection with p.
	Append(ctx context.Context, txn models.RewardTransaction, p models.UserProgression) error
}

// LedgerStore runs units of work serialised per identity. If fn returns an
// error nothing it appended is kept.
type LedgerStore interface {
	Update(ctx context.Context, identity string, fn func(ctx context.Context, tx LedgerTx) error) error
	// UpdateAll is Update over several distinct identities at once; txs[i]
	// belongs to identities[i] and all of them commit or none do.
	UpdateAll(ctx context.Context, identities []string, fn func(ctx context.Context, txs []LedgerTx) error) error
	Progression(ctx context.Context, identity string) (models.UserProgression, error)
	Transactions(ctx context.Context, identity string, limit int) ([]models.RewardTransaction, error)
}

func newProgression(identity string) models.UserProgression {
	return models.UserProgression{Identity: identity, Level: LevelFor(0)}
}

// lockOrder returns identities sorted, so concurrent units of work over the
// same accounts always lock them in one order.
func lockOrder(identities []string) ([]string, error) {
	if len(identities) == 0 {
		return nil, errors.New("ledger update needs at least one identity")
	}
	ordered := append([]string(nil), identities...)
	sort.Strings(ordered)
	for i := 1; i < len(ordered); i++ {
		if ordered[i] == ordered[i-1] {
			return nil, fmt.Errorf("ledger update names identity %q twice", ordered[i])
		}
	}
	return ordered, nil
}

func single(fn func(ctx context.Context, tx LedgerTx) error) func(ctx context.Context, txs []LedgerTx) error {
	return func(ctx context.Context, txs []LedgerTx) error {
		return fn(ctx, txs[0])
	}
}

type memAccount struct {
	mu          sync.Mutex
	progression models.UserProgression
	txns        []models.RewardTransaction
}

// MemLedgerStore keeps one locked account per identity.
type MemLedgerStore struct {
	accounts *xsync.MapOf[string, *memAccount]
	nextID   int64
	idMu     sync.Mutex
}

func NewMemLedgerStore() *MemLedgerStore {
	return &MemLedgerStore{accounts: xsync.NewMapOf[string, *memAccount]()}
}

func (s *MemLedgerStore) account(identity string) *memAccount {
	acct, _ := s.accounts.LoadOrCompute(identity, func() *memAccount {
		return &memAccount{progression: newProgression(identity)}
	})
	return acct
}

func (s *MemLedgerStore) allocID() int64 {
	s.idMu.Lock()
	defer s.idMu.Unlock()
	s.nextID++
	return s.nextID
}

type memLedgerTx struct {
	store       *MemLedgerStore
	acct        *memAccount
	progression models.UserProgression
	pending     []models.RewardTransaction
}

func (t *memLedgerTx) Progression() models.UserProgression {
	return t.progression
}

func (t *memLedgerTx) HasTransaction(ctx context.Context, kind models.EventKind) (bool, error) {
	for _, txn := range t.acct.txns {
		if txn.EventKind == kind {
			return true, nil
		}
	}
	for _, txn := range t.pending {
		if txn.EventKind == kind {
			return true, nil
		}
	}
	return false, nil
}

func (t *memLedgerTx) Append(ctx context.Context, txn models.RewardTransaction, p models.UserProgression) error {
	if txn.OneTime {
		if exists, _ := t.HasTransaction(ctx, txn.EventKind); exists {
			return errAlreadyCredited
		}
	}
	txn.ID = t.store.allocID()
	t.pending = append(t.pending, txn)
	t.progression = p
	return nil
}

func (s *MemLedgerStore) Update(ctx context.Context, identity string, fn func(ctx context.Context, tx LedgerTx) error) error {
	return s.UpdateAll(ctx, []string{identity}, single(fn))
}

func (s *MemLedgerStore) UpdateAll(ctx context.Context, identities []string, fn func(ctx context.Context, txs []LedgerTx) error) error {
	ordered, err := lockOrder(identities)
	if err != nil {
		return err
	}
	for _, identity := range ordered {
		acct := s.account(identity)
		acct.mu.Lock()
		defer acct.mu.Unlock()
	}

	mem := make([]*memLedgerTx, len(identities))
	txs := make([]LedgerTx, len(identities))
	for i, identity := range identities {
		acct := s.account(identity)
		mem[i] = &memLedgerTx{store: s, acct: acct, progression: acct.progression}
		txs[i] = mem[i]
	}
	if err := fn(ctx, txs); err != nil {
		return err
	}
	for _, tx := range mem {
		tx.acct.txns = append(tx.acct.txns, tx.pending...)
		tx.acct.progression = tx.progression
	}
	return nil
}

func (s *MemLedgerStore) Progression(ctx context.Context, identity string) (models.UserProgression, error) {
	acct, ok := s.accounts.Load(identity)
	if !ok {
		return newProgression(identity), nil
	}
	acct.mu.Lock()
	defer acct.mu.Unlock()
	return acct.progression, nil
}

func (s *MemLedgerStore) Transactions(ctx context.Context, identity string, limit int) ([]models.RewardTransaction, error) {
	out := []models.RewardTransaction{}
	acct, ok := s.accounts.Load(identity)
	if !ok {
		return out, nil
	}
	acct.mu.Lock()
	defer acct.mu.Unlock()
	for i := len(acct.txns) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, acct.txns[i])
	}
	return out, nil
}
