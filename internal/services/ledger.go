package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/AnshRaj112/whisper-trust/internal/models"
)

// DefaultRewardAmounts are the points credited per event kind.
var DefaultRewardAmounts = map[models.EventKind]int64{
	models.EventPost:             10,
	models.EventReactionGiven:    1,
	models.EventReactionReceived: 2,
	models.EventEarlyUser:        100,
}

// oneTimeKinds may be credited at most once per identity.
var oneTimeKinds = map[models.EventKind]bool{
	models.EventEarlyUser: true,
}

// Level is one row of the level table.
type Level struct {
	Level int   `json:"level"`
	MinXP int64 `json:"min_xp"`
}

// LevelTable is sorted by MinXP ascending and starts at zero.
var LevelTable = []Level{
	{1, 0},
	{2, 100},
	{3, 250},
	{4, 500},
	{5, 1000},
	{6, 2000},
	{7, 3500},
	{8, 5000},
	{9, 7500},
	{10, 10000},
}

// LevelFor returns the highest level whose MinXP is at most xp.
func LevelFor(xp int64) int {
	i := sort.Search(len(LevelTable), func(i int) bool { return LevelTable[i].MinXP > xp })
	if i == 0 {
		return LevelTable[0].Level
	}
	return LevelTable[i-1].Level
}

// CreditResult reports what a credit did. Credited is false when a one-time
// kind had already been paid out; the balance is then unchanged.
type CreditResult struct {
	Credited    bool                   `json:"credited"`
	Amount      int64                  `json:"amount"`
	Balance     int64                  `json:"balance"`
	Progression models.UserProgression `json:"progression"`
}

// Ledger applies reward transactions and keeps the progression projection
// consistent with them.
type Ledger struct {
	store   LedgerStore
	amounts map[models.EventKind]int64
	clock   Clock
	log     zerolog.Logger
}

func NewLedger(store LedgerStore, amounts map[models.EventKind]int64, clock Clock, log zerolog.Logger) *Ledger {
	merged := make(map[models.EventKind]int64, len(DefaultRewardAmounts))
	for k, v := range DefaultRewardAmounts {
		merged[k] = v
	}
	for k, v := range amounts {
		merged[k] = v
	}
	if clock == nil {
		clock = SystemClock
	}
	return &Ledger{
		store:   store,
		amounts: merged,
		clock:   clock,
		log:     log.With().Str("component", "ledger").Logger(),
	}
}

// Amount is the configured reward for kind.
func (l *Ledger) Amount(kind models.EventKind) (int64, bool) {
	a, ok := l.amounts[kind]
	return a, ok
}

// Credit pays the configured amount for kind.
func (l *Ledger) Credit(ctx context.Context, identity string, kind models.EventKind) (CreditResult, error) {
	amount, ok := l.amounts[kind]
	if !ok {
		return CreditResult{}, fmt.Errorf("%w: %s", ErrUnknownEventKind, kind)
	}
	return l.CreditAmount(ctx, identity, kind, amount)
}

// CreditAmount pays amount for kind. The transaction insert and the
// progression update commit together or not at all.
func (l *Ledger) CreditAmount(ctx context.Context, identity string, kind models.EventKind, amount int64) (CreditResult, error) {
	if kind == models.EventSpend || kind == "" {
		return CreditResult{}, fmt.Errorf("%w: %q", ErrUnknownEventKind, kind)
	}
	if amount <= 0 {
		return CreditResult{}, fmt.Errorf("credit amount must be positive, got %d", amount)
	}

	var result CreditResult
	err := l.store.Update(ctx, identity, func(ctx context.Context, tx LedgerTx) error {
		var err error
		result, err = l.apply(ctx, tx, identity, kind, amount)
		return err
	})

	if errors.Is(err, errAlreadyCredited) {
		// lost a race with a concurrent one-time credit
		p, perr := l.store.Progression(ctx, identity)
		if perr != nil {
			return CreditResult{}, fmt.Errorf("ledger: %w", perr)
		}
		result = CreditResult{Balance: p.Points, Progression: p}
		err = nil
	}
	if err != nil {
		return CreditResult{}, fmt.Errorf("ledger credit %s: %w", kind, err)
	}

	ledgerCreditCount.WithLabelValues(string(kind), strconv.FormatBool(result.Credited)).Inc()
	if result.Credited {
		l.log.Debug().Str("kind", string(kind)).Int64("amount", amount).Int64("balance", result.Balance).Msg("credited")
	}
	return result, nil
}

// CreditReaction pays reaction_given to reactor and reaction_received to
// author in one unit of work: both are credited or neither is. The result is
// the reactor's.
func (l *Ledger) CreditReaction(ctx context.Context, reactor, author string) (CreditResult, error) {
	given, received := l.amounts[models.EventReactionGiven], l.amounts[models.EventReactionReceived]
	if given <= 0 || received <= 0 {
		return CreditResult{}, fmt.Errorf("reaction amounts must be positive, got %d and %d", given, received)
	}

	var result CreditResult
	err := l.store.UpdateAll(ctx, []string{reactor, author}, func(ctx context.Context, txs []LedgerTx) error {
		var err error
		if result, err = l.apply(ctx, txs[0], reactor, models.EventReactionGiven, given); err != nil {
			return err
		}
		_, err = l.apply(ctx, txs[1], author, models.EventReactionReceived, received)
		return err
	})
	if err != nil {
		return CreditResult{}, fmt.Errorf("ledger credit reaction: %w", err)
	}

	ledgerCreditCount.WithLabelValues(string(models.EventReactionGiven), "true").Inc()
	ledgerCreditCount.WithLabelValues(string(models.EventReactionReceived), "true").Inc()
	l.log.Debug().Int64("given", given).Int64("received", received).Msg("reaction credited")
	return result, nil
}

// apply appends one credit to tx. One-time kinds already present are
// reported with Credited false.
func (l *Ledger) apply(ctx context.Context, tx LedgerTx, identity string, kind models.EventKind, amount int64) (CreditResult, error) {
	p := tx.Progression()
	oneTime := oneTimeKinds[kind]
	if oneTime {
		exists, err := tx.HasTransaction(ctx, kind)
		if err != nil {
			return CreditResult{}, err
		}
		if exists {
			return CreditResult{Balance: p.Points, Progression: p}, nil
		}
	}

	now := l.clock.Now()
	p.Points += amount
	p.TotalEarned += amount
	switch kind {
	case models.EventPost:
		p.PostsCount++
	case models.EventReactionGiven:
		p.ReactionsGiven++
	case models.EventReactionReceived:
		p.ReactionsReceived++
	}
	p.Level = LevelFor(p.TotalEarned)
	p.UpdatedAt = now

	txn := models.RewardTransaction{
		Identity:  identity,
		EventKind: kind,
		Amount:    amount,
		OneTime:   oneTime,
		CreatedAt: now,
	}
	if err := tx.Append(ctx, txn, p); err != nil {
		return CreditResult{}, err
	}
	return CreditResult{Credited: true, Amount: amount, Balance: p.Points, Progression: p}, nil
}

// Spend debits amount points. Spends lower the balance but never the level.
func (l *Ledger) Spend(ctx context.Context, identity string, amount int64, reason string) (models.UserProgression, error) {
	if amount <= 0 {
		return models.UserProgression{}, fmt.Errorf("spend amount must be positive, got %d", amount)
	}

	var out models.UserProgression
	err := l.store.Update(ctx, identity, func(ctx context.Context, tx LedgerTx) error {
		p := tx.Progression()
		if p.Points < amount {
			return ErrInsufficientPoints
		}
		now := l.clock.Now()
		p.Points -= amount
		p.TotalSpent += amount
		p.UpdatedAt = now

		txn := models.RewardTransaction{
			Identity:  identity,
			EventKind: models.EventSpend,
			Amount:    -amount,
			Reason:    reason,
			CreatedAt: now,
		}
		if err := tx.Append(ctx, txn, p); err != nil {
			return err
		}
		out = p
		return nil
	})
	if errors.Is(err, ErrInsufficientPoints) {
		return models.UserProgression{}, err
	}
	if err != nil {
		return models.UserProgression{}, fmt.Errorf("ledger spend: %w", err)
	}
	return out, nil
}

// Progression returns the current projection; unknown identities get level 1
// and zero counters.
func (l *Ledger) Progression(ctx context.Context, identity string) (models.UserProgression, error) {
	p, err := l.store.Progression(ctx, identity)
	if err != nil {
		return models.UserProgression{}, fmt.Errorf("ledger: %w", err)
	}
	return p, nil
}

// Transactions lists the newest transactions first.
func (l *Ledger) Transactions(ctx context.Context, identity string, limit int) ([]models.RewardTransaction, error) {
	txns, err := l.store.Transactions(ctx, identity, clampLimit(limit, maxFeedLimit))
	if err != nil {
		return nil, fmt.Errorf("ledger: %w", err)
	}
	return txns, nil
}
