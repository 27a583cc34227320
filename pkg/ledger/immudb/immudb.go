// Package immudb implements ledger.Store on immudb's SQL layer. The
// append-only, cryptographically verifiable storage makes it a natural fit
// for a regulated audit trail: completed units of work can never be
// silently rewritten.
package immudb

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/codenotary/immudb/pkg/api/schema"
	"github.com/codenotary/immudb/pkg/client"

	"github.com/remitwire/settlement-engine/pkg/ledger"
)

// Config holds the connection settings for the immudb ledger.
type Config struct {
	Address  string
	Port     int
	Username string
	Password string
	Database string
}

// DefaultConfig returns the stock local-immudb settings.
func DefaultConfig() Config {
	return Config{
		Address:  "127.0.0.1",
		Port:     3322,
		Username: "immudb",
		Password: "immudb",
		Database: "defaultdb",
	}
}

// Store is an immudb-backed implementation of ledger.Store.
type Store struct {
	client    client.ImmuClient
	cfg       Config
	connected bool
}

// NewStore creates an immudb ledger store. The session opens on Initialize.
func NewStore(cfg Config) *Store {
	if cfg.Address == "" {
		cfg = DefaultConfig()
	}
	return &Store{cfg: cfg}
}

var createStatements = []string{
	`CREATE TABLE IF NOT EXISTS transactions (
		id INTEGER AUTO_INCREMENT,
		reference VARCHAR[32] NOT NULL,
		sender_name VARCHAR[256] NOT NULL,
		sender_phone VARCHAR[32] NOT NULL,
		sender_country VARCHAR[8] NOT NULL,
		recipient_name VARCHAR[256] NOT NULL,
		recipient_phone VARCHAR[32] NOT NULL,
		recipient_country VARCHAR[8] NOT NULL,
		bank_name VARCHAR[256],
		bank_account VARCHAR[64],
		bank_routing_code VARCHAR[32],
		amount_sent FLOAT NOT NULL,
		from_currency VARCHAR[3] NOT NULL,
		to_currency VARCHAR[3] NOT NULL,
		exchange_rate FLOAT NOT NULL,
		admin_fee FLOAT NOT NULL,
		amount_received FLOAT NOT NULL,
		payout_method VARCHAR[32] NOT NULL,
		pickup_city VARCHAR[128],
		status VARCHAR[32] NOT NULL,
		receipt_ref VARCHAR[256],
		assigned_agent_id INTEGER,
		pickup_code VARCHAR[6],
		pickup_verified_at INTEGER,
		rejection_category VARCHAR[32],
		rejection_reason VARCHAR[1024],
		admin_notes VARCHAR[1024],
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		version INTEGER NOT NULL,
		PRIMARY KEY id
	)`,
	`CREATE TABLE IF NOT EXISTS agents (
		id INTEGER,
		name VARCHAR[256] NOT NULL,
		phone VARCHAR[32],
		city VARCHAR[128] NOT NULL,
		status VARCHAR[32] NOT NULL,
		max_daily_amount FLOAT NOT NULL,
		max_per_transaction FLOAT NOT NULL,
		current_daily_amount FLOAT NOT NULL,
		active_transactions INTEGER NOT NULL,
		version INTEGER NOT NULL,
		PRIMARY KEY id
	)`,
	`CREATE TABLE IF NOT EXISTS approvals (
		transaction_id INTEGER NOT NULL,
		approver_id VARCHAR[128] NOT NULL,
		level INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (transaction_id, approver_id)
	)`,
	`CREATE TABLE IF NOT EXISTS audit_entries (
		id INTEGER AUTO_INCREMENT,
		transaction_id INTEGER NOT NULL,
		from_status VARCHAR[32],
		to_status VARCHAR[32] NOT NULL,
		actor_id VARCHAR[128] NOT NULL,
		reason VARCHAR[1024],
		created_at INTEGER NOT NULL,
		PRIMARY KEY id
	)`,
	`CREATE INDEX IF NOT EXISTS ON agents(city)`,
	`CREATE INDEX IF NOT EXISTS ON audit_entries(transaction_id)`,
}

// Initialize opens the session and creates the schema if absent.
func (s *Store) Initialize(ctx context.Context) error {
	if s.connected {
		return nil
	}

	c := client.NewClient().WithOptions(client.DefaultOptions().
		WithAddress(s.cfg.Address).
		WithPort(s.cfg.Port))

	err := c.OpenSession(ctx, []byte(s.cfg.Username), []byte(s.cfg.Password), s.cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to immudb: %w", err)
	}
	s.client = c
	s.connected = true

	for _, stmt := range createStatements {
		if _, err := c.SQLExec(ctx, stmt, nil); err != nil {
			c.CloseSession(ctx)
			s.connected = false
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// Close implements ledger.Store.
func (s *Store) Close() error {
	if s.connected && s.client != nil {
		err := s.client.CloseSession(context.Background())
		if err == nil {
			s.connected = false
		}
		return err
	}
	return nil
}

// classify maps immudb SQL errors onto the ledger error taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "conflict"):
		return ledger.ErrConflict
	case strings.Contains(msg, "duplicate") || strings.Contains(msg, "key already exists"):
		return ledger.ErrDuplicateApproval
	}
	return err
}

func microTime(v int64) *time.Time {
	if v == 0 {
		return nil
	}
	t := time.UnixMicro(v)
	return &t
}

const txColumns = `id, reference,
	sender_name, sender_phone, sender_country,
	recipient_name, recipient_phone, recipient_country,
	bank_name, bank_account, bank_routing_code,
	amount_sent, from_currency, to_currency, exchange_rate, admin_fee, amount_received,
	payout_method, pickup_city, status, receipt_ref,
	assigned_agent_id, pickup_code, pickup_verified_at,
	rejection_category, rejection_reason, admin_notes,
	created_at, updated_at, version`

func rowToTransaction(row *schema.Row) *ledger.Transaction {
	v := row.Values
	tx := &ledger.Transaction{
		ID:        v[0].GetN(),
		Reference: v[1].GetS(),
		Sender: ledger.Party{
			Name: v[2].GetS(), Phone: v[3].GetS(), Country: v[4].GetS(),
		},
		Recipient: ledger.Party{
			Name: v[5].GetS(), Phone: v[6].GetS(), Country: v[7].GetS(),
		},
		AmountSent:        v[11].GetF(),
		FromCurrency:      v[12].GetS(),
		ToCurrency:        v[13].GetS(),
		ExchangeRate:      v[14].GetF(),
		AdminFee:          v[15].GetF(),
		AmountReceived:    v[16].GetF(),
		PayoutMethod:      ledger.PayoutMethod(v[17].GetS()),
		PickupCity:        v[18].GetS(),
		Status:            ledger.Status(v[19].GetS()),
		ReceiptRef:        v[20].GetS(),
		PickupCode:        v[22].GetS(),
		RejectionCategory: ledger.RejectionCategory(v[24].GetS()),
		RejectionReason:   v[25].GetS(),
		AdminNotes:        v[26].GetS(),
		CreatedAt:         time.UnixMicro(v[27].GetN()),
		UpdatedAt:         time.UnixMicro(v[28].GetN()),
		Version:           v[29].GetN(),
	}
	if bankName := v[8].GetS(); bankName != "" {
		tx.Bank = &ledger.BankDetails{
			BankName:      bankName,
			AccountNumber: v[9].GetS(),
			RoutingCode:   v[10].GetS(),
		}
	}
	if agentID := v[21].GetN(); agentID != 0 {
		tx.AssignedAgentID = &agentID
	}
	tx.PickupVerifiedAt = microTime(v[23].GetN())
	return tx
}

func transactionParams(tx *ledger.Transaction) map[string]interface{} {
	params := map[string]interface{}{
		"reference":          tx.Reference,
		"sender_name":        tx.Sender.Name,
		"sender_phone":       tx.Sender.Phone,
		"sender_country":     tx.Sender.Country,
		"recipient_name":     tx.Recipient.Name,
		"recipient_phone":    tx.Recipient.Phone,
		"recipient_country":  tx.Recipient.Country,
		"bank_name":          nil,
		"bank_account":       nil,
		"bank_routing_code":  nil,
		"amount_sent":        tx.AmountSent,
		"from_currency":      tx.FromCurrency,
		"to_currency":        tx.ToCurrency,
		"exchange_rate":      tx.ExchangeRate,
		"admin_fee":          tx.AdminFee,
		"amount_received":    tx.AmountReceived,
		"payout_method":      string(tx.PayoutMethod),
		"pickup_city":        tx.PickupCity,
		"status":             string(tx.Status),
		"receipt_ref":        tx.ReceiptRef,
		"assigned_agent_id":  nil,
		"pickup_code":        tx.PickupCode,
		"pickup_verified_at": nil,
		"rejection_category": string(tx.RejectionCategory),
		"rejection_reason":   tx.RejectionReason,
		"admin_notes":        tx.AdminNotes,
		"created_at":         tx.CreatedAt.UnixMicro(),
		"updated_at":         tx.UpdatedAt.UnixMicro(),
		"version":            tx.Version,
	}
	if tx.Bank != nil {
		params["bank_name"] = tx.Bank.BankName
		params["bank_account"] = tx.Bank.AccountNumber
		params["bank_routing_code"] = tx.Bank.RoutingCode
	}
	if tx.AssignedAgentID != nil {
		params["assigned_agent_id"] = *tx.AssignedAgentID
	}
	if tx.PickupVerifiedAt != nil {
		params["pickup_verified_at"] = tx.PickupVerifiedAt.UnixMicro()
	}
	return params
}

// CreateTransaction implements ledger.Store.
func (s *Store) CreateTransaction(ctx context.Context, tx *ledger.Transaction, audit *ledger.AuditEntry) error {
	if !s.connected {
		return ledger.ErrNotInitialized
	}

	tx.Version = 1
	params := transactionParams(tx)

	res, err := s.client.SQLExec(ctx, `
		INSERT INTO transactions (
			reference,
			sender_name, sender_phone, sender_country,
			recipient_name, recipient_phone, recipient_country,
			bank_name, bank_account, bank_routing_code,
			amount_sent, from_currency, to_currency, exchange_rate, admin_fee, amount_received,
			payout_method, pickup_city, status, receipt_ref,
			assigned_agent_id, pickup_code, pickup_verified_at,
			rejection_category, rejection_reason, admin_notes,
			created_at, updated_at, version
		) VALUES (
			@reference,
			@sender_name, @sender_phone, @sender_country,
			@recipient_name, @recipient_phone, @recipient_country,
			@bank_name, @bank_account, @bank_routing_code,
			@amount_sent, @from_currency, @to_currency, @exchange_rate, @admin_fee, @amount_received,
			@payout_method, @pickup_city, @status, @receipt_ref,
			@assigned_agent_id, @pickup_code, @pickup_verified_at,
			@rejection_category, @rejection_reason, @admin_notes,
			@created_at, @updated_at, @version
		)`, params)
	if err != nil {
		return fmt.Errorf("failed to insert transaction: %w", err)
	}

	for _, committed := range res.Txs {
		if pk, ok := committed.LastInsertedPKs["transactions"]; ok {
			tx.ID = pk.GetN()
		}
	}
	if tx.ID == 0 {
		return fmt.Errorf("insert transaction: no generated id returned")
	}

	if audit != nil {
		audit.TransactionID = tx.ID
		if err := s.insertAudit(ctx, audit); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) insertAudit(ctx context.Context, audit *ledger.AuditEntry) error {
	_, err := s.client.SQLExec(ctx, `
		INSERT INTO audit_entries (transaction_id, from_status, to_status, actor_id, reason, created_at)
		VALUES (@transaction_id, @from_status, @to_status, @actor_id, @reason, @created_at)`,
		map[string]interface{}{
			"transaction_id": audit.TransactionID,
			"from_status":    string(audit.FromStatus),
			"to_status":      string(audit.ToStatus),
			"actor_id":       audit.ActorID,
			"reason":         audit.Reason,
			"created_at":     audit.CreatedAt.UnixMicro(),
		})
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}

// GetTransaction implements ledger.Store.
func (s *Store) GetTransaction(ctx context.Context, id int64) (*ledger.Transaction, error) {
	if !s.connected {
		return nil, ledger.ErrNotInitialized
	}

	result, err := s.client.SQLQuery(ctx,
		`SELECT `+txColumns+` FROM transactions WHERE id = @id`,
		map[string]interface{}{"id": id}, true)
	if err != nil {
		return nil, fmt.Errorf("failed to read transaction: %w", err)
	}
	if len(result.Rows) == 0 {
		return nil, ledger.ErrTransactionNotFound
	}
	return rowToTransaction(result.Rows[0]), nil
}

// view implements ledger.View over a snapshot read.
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

// Update implements ledger.Store. The unit of work commits inside one
// immudb SQL transaction; every UPDATE guards on the version it read, and a
// re-check before commit turns a lost race into ledger.ErrConflict rather
// than a silent overwrite.
func (s *Store) Update(ctx context.Context, txID int64, fn ledger.UpdateFunc) error {
	if !s.connected {
		return ledger.ErrNotInitialized
	}

	current, err := s.GetTransaction(ctx, txID)
	if err != nil {
		return err
	}
	readVersion := current.Version

	unit, err := fn(ctx, &view{store: s, tx: current})
	if err != nil {
		return err
	}
	if unit == nil {
		return nil
	}

	sqlTx, err := s.client.NewTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}

	// Re-read inside the transaction: a commit in between fails here
	// instead of at the storage layer.
	res, err := sqlTx.SQLQuery(ctx,
		`SELECT version FROM transactions WHERE id = @id`,
		map[string]interface{}{"id": txID})
	if err != nil {
		sqlTx.Rollback(ctx)
		return fmt.Errorf("failed to read transaction: %w", err)
	}
	if len(res.Rows) == 0 {
		sqlTx.Rollback(ctx)
		return ledger.ErrTransactionNotFound
	}
	if res.Rows[0].Values[0].GetN() != readVersion {
		sqlTx.Rollback(ctx)
		return ledger.ErrConflict
	}

	if unit.Transaction != nil {
		unit.Transaction.Version = readVersion + 1
		params := transactionParams(unit.Transaction)
		params["id"] = txID
		err = sqlTx.SQLExec(ctx, `
			UPDATE transactions SET
				bank_name = @bank_name, bank_account = @bank_account, bank_routing_code = @bank_routing_code,
				status = @status, receipt_ref = @receipt_ref,
				assigned_agent_id = @assigned_agent_id, pickup_code = @pickup_code,
				pickup_verified_at = @pickup_verified_at,
				rejection_category = @rejection_category, rejection_reason = @rejection_reason,
				admin_notes = @admin_notes,
				updated_at = @updated_at, version = @version
			WHERE id = @id`, params)
		if err != nil {
			sqlTx.Rollback(ctx)
			return fmt.Errorf("failed to update transaction: %w", classify(err))
		}
	}

	if unit.Agent != nil {
		readAgentVersion := unit.Agent.Version

		res, err := sqlTx.SQLQuery(ctx,
			`SELECT version FROM agents WHERE id = @id`,
			map[string]interface{}{"id": unit.Agent.ID})
		if err != nil {
			sqlTx.Rollback(ctx)
			return fmt.Errorf("failed to read agent: %w", err)
		}
		if len(res.Rows) == 0 {
			sqlTx.Rollback(ctx)
			return ledger.ErrAgentNotFound
		}
		if res.Rows[0].Values[0].GetN() != readAgentVersion {
			sqlTx.Rollback(ctx)
			return ledger.ErrConflict
		}

		unit.Agent.Version = readAgentVersion + 1
		err = sqlTx.SQLExec(ctx, `
			UPDATE agents SET
				status = @status,
				max_daily_amount = @max_daily_amount,
				max_per_transaction = @max_per_transaction,
				current_daily_amount = @current_daily_amount,
				active_transactions = @active_transactions,
				version = @version
			WHERE id = @id`,
			map[string]interface{}{
				"id":                   unit.Agent.ID,
				"status":               string(unit.Agent.Status),
				"max_daily_amount":     unit.Agent.MaxDailyAmount,
				"max_per_transaction":  unit.Agent.MaxPerTransaction,
				"current_daily_amount": unit.Agent.CurrentDailyAmount,
				"active_transactions":  int64(unit.Agent.ActiveTransactions),
				"version":              unit.Agent.Version,
			})
		if err != nil {
			sqlTx.Rollback(ctx)
			return fmt.Errorf("failed to update agent: %w", classify(err))
		}
	}

	if unit.Approval != nil {
		err = sqlTx.SQLExec(ctx, `
			INSERT INTO approvals (transaction_id, approver_id, level, created_at)
			VALUES (@transaction_id, @approver_id, @level, @created_at)`,
			map[string]interface{}{
				"transaction_id": unit.Approval.TransactionID,
				"approver_id":    unit.Approval.ApproverID,
				"level":          int64(unit.Approval.Level),
				"created_at":     unit.Approval.CreatedAt.UnixMicro(),
			})
		if err != nil {
			sqlTx.Rollback(ctx)
			return classify(err)
		}
	}

	if unit.Audit != nil {
		err = sqlTx.SQLExec(ctx, `
			INSERT INTO audit_entries (transaction_id, from_status, to_status, actor_id, reason, created_at)
			VALUES (@transaction_id, @from_status, @to_status, @actor_id, @reason, @created_at)`,
			map[string]interface{}{
				"transaction_id": unit.Audit.TransactionID,
				"from_status":    string(unit.Audit.FromStatus),
				"to_status":      string(unit.Audit.ToStatus),
				"actor_id":       unit.Audit.ActorID,
				"reason":         unit.Audit.Reason,
				"created_at":     unit.Audit.CreatedAt.UnixMicro(),
			})
		if err != nil {
			sqlTx.Rollback(ctx)
			return fmt.Errorf("failed to insert audit entry: %w", err)
		}
	}

	if _, err := sqlTx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit unit of work: %w", classify(err))
	}
	return nil
}

// PutAgent implements ledger.Store.
func (s *Store) PutAgent(ctx context.Context, agent *ledger.Agent) error {
	if !s.connected {
		return ledger.ErrNotInitialized
	}

	if agent.ID == 0 {
		result, err := s.client.SQLQuery(ctx,
			`SELECT MAX(id) FROM agents`, nil, true)
		if err != nil {
			return fmt.Errorf("failed to allocate agent id: %w", err)
		}
		agent.ID = 1
		if len(result.Rows) > 0 {
			agent.ID = result.Rows[0].Values[0].GetN() + 1
		}
	}
	if agent.Version == 0 {
		agent.Version = 1
	}

	_, err := s.client.SQLExec(ctx, `
		UPSERT INTO agents (id, name, phone, city, status,
			max_daily_amount, max_per_transaction, current_daily_amount,
			active_transactions, version)
		VALUES (@id, @name, @phone, @city, @status,
			@max_daily_amount, @max_per_transaction, @current_daily_amount,
			@active_transactions, @version)`,
		map[string]interface{}{
			"id":                   agent.ID,
			"name":                 agent.Name,
			"phone":                agent.Phone,
			"city":                 agent.City,
			"status":               string(agent.Status),
			"max_daily_amount":     agent.MaxDailyAmount,
			"max_per_transaction":  agent.MaxPerTransaction,
			"current_daily_amount": agent.CurrentDailyAmount,
			"active_transactions":  int64(agent.ActiveTransactions),
			"version":              agent.Version,
		})
	if err != nil {
		return fmt.Errorf("failed to upsert agent: %w", err)
	}
	return nil
}

func rowToAgent(row *schema.Row) *ledger.Agent {
	v := row.Values
	return &ledger.Agent{
		ID:                 v[0].GetN(),
		Name:               v[1].GetS(),
		Phone:              v[2].GetS(),
		City:               v[3].GetS(),
		Status:             ledger.AgentStatus(v[4].GetS()),
		MaxDailyAmount:     v[5].GetF(),
		MaxPerTransaction:  v[6].GetF(),
		CurrentDailyAmount: v[7].GetF(),
		ActiveTransactions: int(v[8].GetN()),
		Version:            v[9].GetN(),
	}
}

const agentColumns = `id, name, phone, city, status,
	max_daily_amount, max_per_transaction, current_daily_amount,
	active_transactions, version`

// GetAgent implements ledger.Store.
func (s *Store) GetAgent(ctx context.Context, id int64) (*ledger.Agent, error) {
	if !s.connected {
		return nil, ledger.ErrNotInitialized
	}

	result, err := s.client.SQLQuery(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = @id`,
		map[string]interface{}{"id": id}, true)
	if err != nil {
		return nil, fmt.Errorf("failed to read agent: %w", err)
	}
	if len(result.Rows) == 0 {
		return nil, ledger.ErrAgentNotFound
	}
	return rowToAgent(result.Rows[0]), nil
}

// ListAgentsByCity implements ledger.Store.
func (s *Store) ListAgentsByCity(ctx context.Context, city string) ([]*ledger.Agent, error) {
	if !s.connected {
		return nil, ledger.ErrNotInitialized
	}

	result, err := s.client.SQLQuery(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE city = @city ORDER BY id`,
		map[string]interface{}{"city": city}, true)
	if err != nil {
		return nil, fmt.Errorf("failed to query agents: %w", err)
	}

	agents := make([]*ledger.Agent, 0, len(result.Rows))
	for _, row := range result.Rows {
		agents = append(agents, rowToAgent(row))
	}
	return agents, nil
}

// ListApprovals implements ledger.Store.
func (s *Store) ListApprovals(ctx context.Context, txID int64) ([]ledger.Approval, error) {
	if !s.connected {
		return nil, ledger.ErrNotInitialized
	}

	result, err := s.client.SQLQuery(ctx, `
		SELECT transaction_id, approver_id, level, created_at
		FROM approvals WHERE transaction_id = @transaction_id ORDER BY level`,
		map[string]interface{}{"transaction_id": txID}, true)
	if err != nil {
		return nil, fmt.Errorf("failed to query approvals: %w", err)
	}

	approvals := make([]ledger.Approval, 0, len(result.Rows))
	for _, row := range result.Rows {
		v := row.Values
		approvals = append(approvals, ledger.Approval{
			TransactionID: v[0].GetN(),
			ApproverID:    v[1].GetS(),
			Level:         int(v[2].GetN()),
			CreatedAt:     time.UnixMicro(v[3].GetN()),
		})
	}
	return approvals, nil
}

// AuditHistory implements ledger.Store. The auto-increment id is the
// insertion order, which is the timeline.
func (s *Store) AuditHistory(ctx context.Context, txID int64) ([]ledger.AuditEntry, error) {
	if !s.connected {
		return nil, ledger.ErrNotInitialized
	}

	result, err := s.client.SQLQuery(ctx, `
		SELECT transaction_id, from_status, to_status, actor_id, reason, created_at
		FROM audit_entries WHERE transaction_id = @transaction_id ORDER BY id`,
		map[string]interface{}{"transaction_id": txID}, true)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit entries: %w", err)
	}

	entries := make([]ledger.AuditEntry, 0, len(result.Rows))
	for _, row := range result.Rows {
		v := row.Values
		entries = append(entries, ledger.AuditEntry{
			TransactionID: v[0].GetN(),
			FromStatus:    ledger.Status(v[1].GetS()),
			ToStatus:      ledger.Status(v[2].GetS()),
			ActorID:       v[3].GetS(),
			Reason:        v[4].GetS(),
			CreatedAt:     time.UnixMicro(v[5].GetN()),
		})
	}
	return entries, nil
}

// ResetDailyAmounts implements ledger.Store.
func (s *Store) ResetDailyAmounts(ctx context.Context) (int, error) {
	if !s.connected {
		return 0, ledger.ErrNotInitialized
	}

	result, err := s.client.SQLQuery(ctx,
		`SELECT id, version FROM agents WHERE current_daily_amount <> 0`, nil, true)
	if err != nil {
		return 0, fmt.Errorf("failed to query agents: %w", err)
	}

	n := 0
	for _, row := range result.Rows {
		_, err := s.client.SQLExec(ctx, `
			UPDATE agents SET current_daily_amount = 0, version = @version
			WHERE id = @id AND version = @read_version`,
			map[string]interface{}{
				"id":           row.Values[0].GetN(),
				"version":      row.Values[1].GetN() + 1,
				"read_version": row.Values[1].GetN(),
			})
		if err != nil {
			return n, fmt.Errorf("failed to reset agent: %w", err)
		}
		n++
	}
	return n, nil
}

var _ ledger.Store = (*Store)(nil)
