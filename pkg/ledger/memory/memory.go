// Package memory provides an in-process Store used for tests and local
// runs. It honors the same atomicity contract as the durable backends:
// per-transaction single-writer updates, versioned agent commits, and
// all-or-nothing units of work.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/remitwire/settlement-engine/pkg/ledger"
)

// Store is an in-memory implementation of ledger.Store.
type Store struct {
	mu           sync.RWMutex
	transactions map[int64]*ledger.Transaction
	agents       map[int64]*ledger.Agent
	approvals    map[int64][]ledger.Approval
	audits       map[int64][]ledger.AuditEntry
	txLocks      map[int64]*sync.Mutex
	nextTxID     int64
	nextAgentID  int64
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{
		transactions: make(map[int64]*ledger.Transaction),
		agents:       make(map[int64]*ledger.Agent),
		approvals:    make(map[int64][]ledger.Approval),
		audits:       make(map[int64][]ledger.AuditEntry),
		txLocks:      make(map[int64]*sync.Mutex),
	}
}

// Initialize implements ledger.Store. The memory store has no schema.
func (s *Store) Initialize(ctx context.Context) error { return nil }

// Close implements ledger.Store.
func (s *Store) Close() error { return nil }

// CreateTransaction implements ledger.Store.
func (s *Store) CreateTransaction(ctx context.Context, tx *ledger.Transaction, audit *ledger.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextTxID++
	tx.ID = s.nextTxID
	tx.Version = 1
	s.transactions[tx.ID] = copyTransaction(tx)
	s.txLocks[tx.ID] = &sync.Mutex{}
	if audit != nil {
		audit.TransactionID = tx.ID
		s.audits[tx.ID] = append(s.audits[tx.ID], *audit)
	}
	return nil
}

// GetTransaction implements ledger.Store.
func (s *Store) GetTransaction(ctx context.Context, id int64) (*ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.transactions[id]
	if !ok {
		return nil, ledger.ErrTransactionNotFound
	}
	return copyTransaction(tx), nil
}

// view implements ledger.View over a locked transaction.
type view struct {
	store *Store
	tx    *ledger.Transaction
}

func (v *view) Transaction() *ledger.Transaction { return v.tx }

func (v *view) Agent(ctx context.Context, id int64) (*ledger.Agent, error) {
	return v.store.GetAgent(ctx, id)
}

func (v *view) Approvals(ctx context.Context) ([]ledger.Approval, error) {
	return v.store.ListApprovals(ctx, v.tx.ID)
}

// Update implements ledger.Store. All updates on the same transaction id
// are serialized by a per-transaction mutex; updates on unrelated
// transactions proceed concurrently.
func (s *Store) Update(ctx context.Context, txID int64, fn ledger.UpdateFunc) error {
	s.mu.RLock()
	lock, ok := s.txLocks[txID]
	s.mu.RUnlock()
	if !ok {
		return ledger.ErrTransactionNotFound
	}

	lock.Lock()
	defer lock.Unlock()

	current, err := s.GetTransaction(ctx, txID)
	if err != nil {
		return err
	}

	unit, err := fn(ctx, &view{store: s, tx: current})
	if err != nil {
		return err
	}
	if unit == nil {
		return nil
	}

	return s.commit(txID, unit)
}

// commit applies a unit of work under the store lock. Agent writes are
// version-checked so a concurrent capacity change on the same agent causes
// the whole unit to fail with ErrConflict.
func (s *Store) commit(txID int64, unit *ledger.UnitOfWork) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.transactions[txID]
	if !ok {
		return ledger.ErrTransactionNotFound
	}

	if unit.Agent != nil {
		cur, ok := s.agents[unit.Agent.ID]
		if !ok {
			return ledger.ErrAgentNotFound
		}
		if cur.Version != unit.Agent.Version {
			return ledger.ErrConflict
		}
	}

	if unit.Approval != nil {
		for _, a := range s.approvals[txID] {
			if a.ApproverID == unit.Approval.ApproverID {
				return ledger.ErrDuplicateApproval
			}
		}
	}

	if unit.Transaction != nil {
		next := copyTransaction(unit.Transaction)
		next.Version = stored.Version + 1
		s.transactions[txID] = next
	}
	if unit.Agent != nil {
		next := copyAgent(unit.Agent)
		next.Version++
		s.agents[next.ID] = next
	}
	if unit.Approval != nil {
		s.approvals[txID] = append(s.approvals[txID], *unit.Approval)
	}
	if unit.Audit != nil {
		s.audits[txID] = append(s.audits[txID], *unit.Audit)
	}
	return nil
}

// PutAgent implements ledger.Store.
func (s *Store) PutAgent(ctx context.Context, agent *ledger.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if agent.ID == 0 {
		s.nextAgentID++
		agent.ID = s.nextAgentID
	} else if agent.ID > s.nextAgentID {
		s.nextAgentID = agent.ID
	}
	if agent.Version == 0 {
		agent.Version = 1
	}
	s.agents[agent.ID] = copyAgent(agent)
	return nil
}

// GetAgent implements ledger.Store.
func (s *Store) GetAgent(ctx context.Context, id int64) (*ledger.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agent, ok := s.agents[id]
	if !ok {
		return nil, ledger.ErrAgentNotFound
	}
	return copyAgent(agent), nil
}

// ListAgentsByCity implements ledger.Store.
func (s *Store) ListAgentsByCity(ctx context.Context, city string) ([]*ledger.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agents := make([]*ledger.Agent, 0)
	for _, agent := range s.agents {
		if agent.City == city {
			agents = append(agents, copyAgent(agent))
		}
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })
	return agents, nil
}

// ListApprovals implements ledger.Store.
func (s *Store) ListApprovals(ctx context.Context, txID int64) ([]ledger.Approval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	approvals := append([]ledger.Approval(nil), s.approvals[txID]...)
	sort.Slice(approvals, func(i, j int) bool { return approvals[i].Level < approvals[j].Level })
	return approvals, nil
}

// AuditHistory implements ledger.Store.
func (s *Store) AuditHistory(ctx context.Context, txID int64) ([]ledger.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := append([]ledger.AuditEntry(nil), s.audits[txID]...)
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
	return entries, nil
}

// ResetDailyAmounts implements ledger.Store.
func (s *Store) ResetDailyAmounts(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, agent := range s.agents {
		if agent.CurrentDailyAmount != 0 {
			agent.CurrentDailyAmount = 0
			agent.Version++
			n++
		}
	}
	return n, nil
}

func copyTransaction(tx *ledger.Transaction) *ledger.Transaction {
	out := *tx
	if tx.Bank != nil {
		bank := *tx.Bank
		out.Bank = &bank
	}
	if tx.AssignedAgentID != nil {
		id := *tx.AssignedAgentID
		out.AssignedAgentID = &id
	}
	if tx.PickupVerifiedAt != nil {
		at := *tx.PickupVerifiedAt
		out.PickupVerifiedAt = &at
	}
	return &out
}

func copyAgent(agent *ledger.Agent) *ledger.Agent {
	out := *agent
	return &out
}

var _ ledger.Store = (*Store)(nil)
