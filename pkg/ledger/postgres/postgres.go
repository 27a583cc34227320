// Package postgres implements ledger.Store on PostgreSQL through
// database/sql with the pgx driver. Each unit of work runs inside one SQL
// transaction with the ledger row locked FOR UPDATE, so updates on the same
// transaction serialize and commit all-or-nothing.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgconn"
	_ "github.com/jackc/pgx/v4/stdlib"

	"github.com/remitwire/settlement-engine/pkg/ledger"
)

// Config holds the connection settings for the Postgres ledger.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Store is a PostgreSQL-backed implementation of ledger.Store.
type Store struct {
	db          *sql.DB
	initialized bool
}

// NewStore opens a connection pool against the configured DSN.
func NewStore(cfg Config) (*Store, error) {
	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	return &Store{db: db}, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS transactions (
	id                 BIGSERIAL PRIMARY KEY,
	reference          VARCHAR(32) UNIQUE NOT NULL,
	sender_name        TEXT NOT NULL,
	sender_phone       TEXT NOT NULL,
	sender_country     TEXT NOT NULL,
	recipient_name     TEXT NOT NULL,
	recipient_phone    TEXT NOT NULL,
	recipient_country  TEXT NOT NULL,
	bank_name          TEXT,
	bank_account       TEXT,
	bank_routing_code  TEXT,
	amount_sent        DECIMAL(14, 2) NOT NULL,
	from_currency      VARCHAR(3) NOT NULL,
	to_currency        VARCHAR(3) NOT NULL,
	exchange_rate      DECIMAL(14, 6) NOT NULL,
	admin_fee          DECIMAL(14, 2) NOT NULL,
	amount_received    DECIMAL(14, 2) NOT NULL,
	payout_method      VARCHAR(32) NOT NULL,
	pickup_city        TEXT,
	status             VARCHAR(32) NOT NULL,
	receipt_ref        TEXT,
	assigned_agent_id  BIGINT,
	pickup_code        VARCHAR(6),
	pickup_verified_at TIMESTAMPTZ,
	rejection_category VARCHAR(32),
	rejection_reason   TEXT,
	admin_notes        TEXT,
	created_at         TIMESTAMPTZ NOT NULL,
	updated_at         TIMESTAMPTZ NOT NULL,
	version            BIGINT NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS agents (
	id                   BIGSERIAL PRIMARY KEY,
	name                 TEXT NOT NULL,
	phone                TEXT NOT NULL DEFAULT '',
	city                 TEXT NOT NULL,
	status               VARCHAR(32) NOT NULL,
	max_daily_amount     DECIMAL(14, 2) NOT NULL DEFAULT 0,
	max_per_transaction  DECIMAL(14, 2) NOT NULL DEFAULT 0,
	current_daily_amount DECIMAL(14, 2) NOT NULL DEFAULT 0,
	active_transactions  INT NOT NULL DEFAULT 0,
	version              BIGINT NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS agents_city_idx ON agents (city);

CREATE TABLE IF NOT EXISTS approvals (
	transaction_id BIGINT NOT NULL REFERENCES transactions (id),
	approver_id    TEXT NOT NULL,
	level          INT NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (transaction_id, approver_id)
);

CREATE TABLE IF NOT EXISTS audit_entries (
	id             BIGSERIAL PRIMARY KEY,
	transaction_id BIGINT NOT NULL,
	from_status    VARCHAR(32) NOT NULL DEFAULT '',
	to_status      VARCHAR(32) NOT NULL,
	actor_id       TEXT NOT NULL,
	reason         TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS audit_entries_tx_idx ON audit_entries (transaction_id, id);
`

// Initialize implements ledger.Store: the schema is created if absent.
func (s *Store) Initialize(ctx context.Context) error {
	if s.initialized {
		return nil
	}
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ledger.ErrNotInitialized, err)
	}
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	s.initialized = true
	return nil
}

// Close implements ledger.Store.
func (s *Store) Close() error {
	s.initialized = false
	return s.db.Close()
}

const txColumns = `id, reference,
	sender_name, sender_phone, sender_country,
	recipient_name, recipient_phone, recipient_country,
	bank_name, bank_account, bank_routing_code,
	amount_sent, from_currency, to_currency, exchange_rate, admin_fee, amount_received,
	payout_method, pickup_city,
	status, receipt_ref, assigned_agent_id, pickup_code, pickup_verified_at,
	rejection_category, rejection_reason, admin_notes,
	created_at, updated_at, version`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(row rowScanner) (*ledger.Transaction, error) {
	var (
		tx                ledger.Transaction
		bankName          sql.NullString
		bankAccount       sql.NullString
		bankRouting       sql.NullString
		pickupCity        sql.NullString
		receiptRef        sql.NullString
		assignedAgentID   sql.NullInt64
		pickupCode        sql.NullString
		pickupVerifiedAt  sql.NullTime
		rejectionCategory sql.NullString
		rejectionReason   sql.NullString
		adminNotes        sql.NullString
	)
	err := row.Scan(
		&tx.ID, &tx.Reference,
		&tx.Sender.Name, &tx.Sender.Phone, &tx.Sender.Country,
		&tx.Recipient.Name, &tx.Recipient.Phone, &tx.Recipient.Country,
		&bankName, &bankAccount, &bankRouting,
		&tx.AmountSent, &tx.FromCurrency, &tx.ToCurrency, &tx.ExchangeRate, &tx.AdminFee, &tx.AmountReceived,
		&tx.PayoutMethod, &pickupCity,
		&tx.Status, &receiptRef, &assignedAgentID, &pickupCode, &pickupVerifiedAt,
		&rejectionCategory, &rejectionReason, &adminNotes,
		&tx.CreatedAt, &tx.UpdatedAt, &tx.Version,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan transaction: %w", err)
	}

	if bankName.Valid || bankAccount.Valid {
		tx.Bank = &ledger.BankDetails{
			BankName:      bankName.String,
			AccountNumber: bankAccount.String,
			RoutingCode:   bankRouting.String,
		}
	}
	tx.PickupCity = pickupCity.String
	tx.ReceiptRef = receiptRef.String
	if assignedAgentID.Valid {
		id := assignedAgentID.Int64
		tx.AssignedAgentID = &id
	}
	tx.PickupCode = pickupCode.String
	if pickupVerifiedAt.Valid {
		at := pickupVerifiedAt.Time
		tx.PickupVerifiedAt = &at
	}
	tx.RejectionCategory = ledger.RejectionCategory(rejectionCategory.String)
	tx.RejectionReason = rejectionReason.String
	tx.AdminNotes = adminNotes.String
	return &tx, nil
}

func bankFields(tx *ledger.Transaction) (name, account, routing sql.NullString) {
	if tx.Bank == nil {
		return
	}
	name = sql.NullString{String: tx.Bank.BankName, Valid: true}
	account = sql.NullString{String: tx.Bank.AccountNumber, Valid: true}
	routing = sql.NullString{String: tx.Bank.RoutingCode, Valid: tx.Bank.RoutingCode != ""}
	return
}

// CreateTransaction implements ledger.Store.
func (s *Store) CreateTransaction(ctx context.Context, tx *ledger.Transaction, audit *ledger.AuditEntry) error {
	if !s.initialized {
		return ledger.ErrNotInitialized
	}

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer sqlTx.Rollback() // no-op once committed

	bankName, bankAccount, bankRouting := bankFields(tx)
	err = sqlTx.QueryRowContext(ctx, `
		INSERT INTO transactions (
			reference,
			sender_name, sender_phone, sender_country,
			recipient_name, recipient_phone, recipient_country,
			bank_name, bank_account, bank_routing_code,
			amount_sent, from_currency, to_currency, exchange_rate, admin_fee, amount_received,
			payout_method, pickup_city, status, receipt_ref,
			created_at, updated_at, version
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, 1)
		RETURNING id`,
		tx.Reference,
		tx.Sender.Name, tx.Sender.Phone, tx.Sender.Country,
		tx.Recipient.Name, tx.Recipient.Phone, tx.Recipient.Country,
		bankName, bankAccount, bankRouting,
		tx.AmountSent, tx.FromCurrency, tx.ToCurrency, tx.ExchangeRate, tx.AdminFee, tx.AmountReceived,
		tx.PayoutMethod, tx.PickupCity, tx.Status, tx.ReceiptRef,
		tx.CreatedAt, tx.UpdatedAt,
	).Scan(&tx.ID)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	tx.Version = 1

	if audit != nil {
		audit.TransactionID = tx.ID
		if err := insertAudit(ctx, sqlTx, audit); err != nil {
			return err
		}
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// GetTransaction implements ledger.Store.
func (s *Store) GetTransaction(ctx context.Context, id int64) (*ledger.Transaction, error) {
	if !s.initialized {
		return nil, ledger.ErrNotInitialized
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+txColumns+` FROM transactions WHERE id = $1`, id)
	return scanTransaction(row)
}

// view implements ledger.View inside one SQL transaction.
type view struct {
	sqlTx *sql.Tx
	tx    *ledger.Transaction
}

func (v *view) Transaction() *ledger.Transaction { return v.tx }

func (v *view) Agent(ctx context.Context, id int64) (*ledger.Agent, error) {
	// Locked too: the agent's counters are part of the unit of work.
	row := v.sqlTx.QueryRowContext(ctx, `
		SELECT id, name, phone, city, status,
			max_daily_amount, max_per_transaction, current_daily_amount,
			active_transactions, version
		FROM agents WHERE id = $1 FOR UPDATE`, id)
	return scanAgent(row)
}

func (v *view) Approvals(ctx context.Context) ([]ledger.Approval, error) {
	return listApprovals(ctx, v.sqlTx, v.tx.ID)
}

// Update implements ledger.Store. The transaction row is locked FOR UPDATE
// for the duration of the update function, so concurrent updates on the
// same ledger transaction serialize and each one sees committed state.
func (s *Store) Update(ctx context.Context, txID int64, fn ledger.UpdateFunc) error {
	if !s.initialized {
		return ledger.ErrNotInitialized
	}

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer sqlTx.Rollback()

	row := sqlTx.QueryRowContext(ctx,
		`SELECT `+txColumns+` FROM transactions WHERE id = $1 FOR UPDATE`, txID)
	current, err := scanTransaction(row)
	if err != nil {
		return err
	}
	readVersion := current.Version

	unit, err := fn(ctx, &view{sqlTx: sqlTx, tx: current})
	if err != nil {
		return err
	}
	if unit == nil {
		return nil
	}

	if unit.Transaction != nil {
		if err := updateTransaction(ctx, sqlTx, unit.Transaction, readVersion); err != nil {
			return err
		}
	}
	if unit.Agent != nil {
		if err := updateAgent(ctx, sqlTx, unit.Agent); err != nil {
			return err
		}
	}
	if unit.Approval != nil {
		if err := insertApproval(ctx, sqlTx, unit.Approval); err != nil {
			return err
		}
	}
	if unit.Audit != nil {
		if err := insertAudit(ctx, sqlTx, unit.Audit); err != nil {
			return err
		}
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func updateTransaction(ctx context.Context, sqlTx *sql.Tx, tx *ledger.Transaction, readVersion int64) error {
	bankName, bankAccount, bankRouting := bankFields(tx)
	result, err := sqlTx.ExecContext(ctx, `
		UPDATE transactions SET
			bank_name = $1, bank_account = $2, bank_routing_code = $3,
			status = $4, receipt_ref = $5, assigned_agent_id = $6,
			pickup_code = $7, pickup_verified_at = $8,
			rejection_category = $9, rejection_reason = $10, admin_notes = $11,
			updated_at = $12, version = version + 1
		WHERE id = $13 AND version = $14`,
		bankName, bankAccount, bankRouting,
		tx.Status, tx.ReceiptRef, tx.AssignedAgentID,
		nullString(tx.PickupCode), tx.PickupVerifiedAt,
		nullString(string(tx.RejectionCategory)), nullString(tx.RejectionReason), nullString(tx.AdminNotes),
		tx.UpdatedAt, tx.ID, readVersion,
	)
	if err != nil {
		return fmt.Errorf("update transaction: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ledger.ErrConflict
	}
	tx.Version = readVersion + 1
	return nil
}

func updateAgent(ctx context.Context, sqlTx *sql.Tx, agent *ledger.Agent) error {
	result, err := sqlTx.ExecContext(ctx, `
		UPDATE agents SET
			status = $1, max_daily_amount = $2, max_per_transaction = $3,
			current_daily_amount = $4, active_transactions = $5,
			version = version + 1
		WHERE id = $6 AND version = $7`,
		agent.Status, agent.MaxDailyAmount, agent.MaxPerTransaction,
		agent.CurrentDailyAmount, agent.ActiveTransactions,
		agent.ID, agent.Version,
	)
	if err != nil {
		return fmt.Errorf("update agent: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ledger.ErrConflict
	}
	agent.Version++
	return nil
}

func insertApproval(ctx context.Context, sqlTx *sql.Tx, approval *ledger.Approval) error {
	_, err := sqlTx.ExecContext(ctx, `
		INSERT INTO approvals (transaction_id, approver_id, level, created_at)
		VALUES ($1, $2, $3, $4)`,
		approval.TransactionID, approval.ApproverID, approval.Level, approval.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ledger.ErrDuplicateApproval
		}
		return fmt.Errorf("insert approval: %w", err)
	}
	return nil
}

func insertAudit(ctx context.Context, sqlTx *sql.Tx, audit *ledger.AuditEntry) error {
	_, err := sqlTx.ExecContext(ctx, `
		INSERT INTO audit_entries (transaction_id, from_status, to_status, actor_id, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		audit.TransactionID, string(audit.FromStatus), string(audit.ToStatus),
		audit.ActorID, audit.Reason, audit.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func scanAgent(row rowScanner) (*ledger.Agent, error) {
	var agent ledger.Agent
	err := row.Scan(
		&agent.ID, &agent.Name, &agent.Phone, &agent.City, &agent.Status,
		&agent.MaxDailyAmount, &agent.MaxPerTransaction, &agent.CurrentDailyAmount,
		&agent.ActiveTransactions, &agent.Version,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrAgentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan agent: %w", err)
	}
	return &agent, nil
}

// PutAgent implements ledger.Store.
func (s *Store) PutAgent(ctx context.Context, agent *ledger.Agent) error {
	if !s.initialized {
		return ledger.ErrNotInitialized
	}

	if agent.ID == 0 {
		err := s.db.QueryRowContext(ctx, `
			INSERT INTO agents (name, phone, city, status,
				max_daily_amount, max_per_transaction, current_daily_amount,
				active_transactions, version)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1)
			RETURNING id`,
			agent.Name, agent.Phone, agent.City, agent.Status,
			agent.MaxDailyAmount, agent.MaxPerTransaction, agent.CurrentDailyAmount,
			agent.ActiveTransactions,
		).Scan(&agent.ID)
		if err != nil {
			return fmt.Errorf("insert agent: %w", err)
		}
		agent.Version = 1
		return nil
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (id, name, phone, city, status,
			max_daily_amount, max_per_transaction, current_daily_amount,
			active_transactions, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, phone = EXCLUDED.phone, city = EXCLUDED.city,
			status = EXCLUDED.status,
			max_daily_amount = EXCLUDED.max_daily_amount,
			max_per_transaction = EXCLUDED.max_per_transaction,
			current_daily_amount = EXCLUDED.current_daily_amount,
			active_transactions = EXCLUDED.active_transactions,
			version = EXCLUDED.version`,
		agent.ID, agent.Name, agent.Phone, agent.City, agent.Status,
		agent.MaxDailyAmount, agent.MaxPerTransaction, agent.CurrentDailyAmount,
		agent.ActiveTransactions, maxInt64(agent.Version, 1),
	)
	if err != nil {
		return fmt.Errorf("upsert agent: %w", err)
	}
	if agent.Version == 0 {
		agent.Version = 1
	}
	return nil
}

// GetAgent implements ledger.Store.
func (s *Store) GetAgent(ctx context.Context, id int64) (*ledger.Agent, error) {
	if !s.initialized {
		return nil, ledger.ErrNotInitialized
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, phone, city, status,
			max_daily_amount, max_per_transaction, current_daily_amount,
			active_transactions, version
		FROM agents WHERE id = $1`, id)
	return scanAgent(row)
}

// ListAgentsByCity implements ledger.Store.
func (s *Store) ListAgentsByCity(ctx context.Context, city string) ([]*ledger.Agent, error) {
	if !s.initialized {
		return nil, ledger.ErrNotInitialized
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, phone, city, status,
			max_daily_amount, max_per_transaction, current_daily_amount,
			active_transactions, version
		FROM agents WHERE city = $1 ORDER BY id`, city)
	if err != nil {
		return nil, fmt.Errorf("query agents: %w", err)
	}
	defer rows.Close()

	agents := make([]*ledger.Agent, 0)
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}
	return agents, rows.Err()
}

// ListApprovals implements ledger.Store.
func (s *Store) ListApprovals(ctx context.Context, txID int64) ([]ledger.Approval, error) {
	if !s.initialized {
		return nil, ledger.ErrNotInitialized
	}
	return listApprovals(ctx, s.db, txID)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

func listApprovals(ctx context.Context, q querier, txID int64) ([]ledger.Approval, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT transaction_id, approver_id, level, created_at
		FROM approvals WHERE transaction_id = $1 ORDER BY level`, txID)
	if err != nil {
		return nil, fmt.Errorf("query approvals: %w", err)
	}
	defer rows.Close()

	approvals := make([]ledger.Approval, 0)
	for rows.Next() {
		var a ledger.Approval
		if err := rows.Scan(&a.TransactionID, &a.ApproverID, &a.Level, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		approvals = append(approvals, a)
	}
	return approvals, rows.Err()
}

// AuditHistory implements ledger.Store. Insertion order is the timeline.
func (s *Store) AuditHistory(ctx context.Context, txID int64) ([]ledger.AuditEntry, error) {
	if !s.initialized {
		return nil, ledger.ErrNotInitialized
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT transaction_id, from_status, to_status, actor_id, reason, created_at
		FROM audit_entries WHERE transaction_id = $1 ORDER BY id`, txID)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	entries := make([]ledger.AuditEntry, 0)
	for rows.Next() {
		var e ledger.AuditEntry
		if err := rows.Scan(&e.TransactionID, &e.FromStatus, &e.ToStatus, &e.ActorID, &e.Reason, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ResetDailyAmounts implements ledger.Store.
func (s *Store) ResetDailyAmounts(ctx context.Context) (int, error) {
	if !s.initialized {
		return 0, ledger.ErrNotInitialized
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE agents SET current_daily_amount = 0, version = version + 1
		WHERE current_daily_amount <> 0`)
	if err != nil {
		return 0, fmt.Errorf("reset daily amounts: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

var _ ledger.Store = (*Store)(nil)
