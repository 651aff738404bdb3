package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/congo-pay/card_issuer/internal/money"
)

// sweepLockKey identifies the transaction-scoped advisory lock that serializes sweeps.
const sweepLockKey int64 = 0x7377656570

const transactionColumns = `seq, id, transaction_id, type, card_id,
        billing_amount, billing_currency, transaction_amount, transaction_currency,
        settlement_amount, settlement_currency, released_hold,
        merchant_name, merchant_country, merchant_mcc, created_at`

// PostgresStore persists accounts, transactions and transfers in PostgreSQL.
// Account rows are locked with SELECT ... FOR UPDATE for the lifetime of a Mutate.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore constructs a Postgres-backed store.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Account(ctx context.Context, cardID string) (Account, error) {
	const query = `SELECT card_id, balance, on_hold, currency, version FROM accounts WHERE card_id = $1`
	return scanAccount(s.db.QueryRow(ctx, query, cardID), cardID)
}

func (s *PostgresStore) CreateAccount(ctx context.Context, cardID, currency string, balance decimal.Decimal) (Account, error) {
	const query = `INSERT INTO accounts (card_id, balance, on_hold, currency, version)
        VALUES ($1, $2, 0, $3, 1)
        RETURNING card_id, balance, on_hold, currency, version`
	if err := money.ValidateSigned(balance); err != nil {
		return Account{}, err
	}
	acc, err := scanAccount(s.db.QueryRow(ctx, query, cardID, balance, currency), cardID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Account{}, fmt.Errorf("%w: %s", ErrAlreadyExists, cardID)
		}
		return Account{}, err
	}
	return acc, nil
}

func (s *PostgresStore) LoadFunds(ctx context.Context, cardID string, amount decimal.Decimal, currency string) (Account, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Account{}, classify(err)
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	acc, err := lockAccount(ctx, tx, cardID)
	if errors.Is(err, ErrNotFound) {
		if err := money.ValidateSigned(amount); err != nil {
			return Account{}, err
		}
		const insert = `INSERT INTO accounts (card_id, balance, on_hold, currency, version)
            VALUES ($1, $2, 0, $3, 1)
            ON CONFLICT (card_id) DO NOTHING
            RETURNING card_id, balance, on_hold, currency, version`
		acc, err = scanAccount(tx.QueryRow(ctx, insert, cardID, amount, currency), cardID)
		if err == nil {
			if err := tx.Commit(ctx); err != nil {
				return Account{}, classify(err)
			}
			return acc, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return Account{}, err
		}
		// A concurrent loader inserted the row first. ON CONFLICT waited for it
		// to commit, so a fresh locking read sees it.
		acc, err = lockAccount(ctx, tx, cardID)
	}
	if err != nil {
		return Account{}, err
	}
	if acc.Currency != currency {
		return Account{}, fmt.Errorf("%w: account is %s, load is %s", ErrCurrencyMismatch, acc.Currency, currency)
	}
	if err := money.ValidateSigned(acc.Balance.Add(amount)); err != nil {
		return Account{}, fmt.Errorf("loading %s onto %s: %w", money.Format(amount), cardID, err)
	}
	const update = `UPDATE accounts SET balance = balance + $2, version = version + 1
        WHERE card_id = $1
        RETURNING card_id, balance, on_hold, currency, version`
	acc, err = scanAccount(tx.QueryRow(ctx, update, cardID, amount), cardID)
	if err != nil {
		return Account{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Account{}, classify(err)
	}
	return acc, nil
}

type pgView struct {
	tx      pgx.Tx
	account Account
}

func (v pgView) Account() Account { return v.account }

func (v pgView) Lookup(ctx context.Context, transactionID string, kind Kind) (Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions
        WHERE card_id = $1 AND transaction_id = $2 AND type = $3`
	tx, err := scanTransaction(v.tx.QueryRow(ctx, query, v.account.CardID, transactionID, string(kind)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, ErrNotFound
		}
		return Transaction{}, classify(err)
	}
	return tx, nil
}

func (s *PostgresStore) Mutate(ctx context.Context, cardID string, fn MutateFunc) (Result, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Result{}, classify(err)
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	acc, err := lockAccount(ctx, tx, cardID)
	if err != nil {
		return Result{}, err
	}

	m, err := fn(ctx, pgView{tx: tx, account: acc})
	if err != nil {
		return Result{}, err
	}
	if err := checkBalances(m); err != nil {
		return Result{}, err
	}

	const update = `UPDATE accounts SET balance = $2, on_hold = $3, version = version + 1
        WHERE card_id = $1 AND version = $4`
	tag, err := tx.Exec(ctx, update, cardID, m.Balance, m.OnHold, acc.Version)
	if err != nil {
		return Result{}, classify(err)
	}
	if tag.RowsAffected() == 0 {
		return Result{}, fmt.Errorf("%w: account %s changed under lock", ErrConflict, cardID)
	}
	acc.Balance, acc.OnHold, acc.Version = m.Balance, m.OnHold, acc.Version+1

	rec := m.Transaction
	rec.CardID = cardID
	rec.ID = uuid.NewString()
	// timestamptz keeps microseconds. The stamp is raised to the card's latest
	// one so created_at never runs backwards against seq across replicas.
	rec.CreatedAt = rec.CreatedAt.Truncate(time.Microsecond)
	const insertTx = `INSERT INTO transactions (id, transaction_id, type, card_id,
            billing_amount, billing_currency, transaction_amount, transaction_currency,
            settlement_amount, settlement_currency, released_hold,
            merchant_name, merchant_country, merchant_mcc, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
            GREATEST($15::timestamptz, (SELECT max(created_at) FROM transactions WHERE card_id = $4)))
        RETURNING seq, created_at`
	err = tx.QueryRow(ctx, insertTx, rec.ID, rec.TransactionID, string(rec.Kind), cardID,
		rec.BillingAmount, rec.BillingCurrency, rec.TransactionAmount, rec.TransactionCurrency,
		rec.SettlementAmount, rec.SettlementCurrency, rec.ReleasedHold,
		rec.Merchant.Name, rec.Merchant.Country, rec.Merchant.MCC, rec.CreatedAt).Scan(&rec.Seq, &rec.CreatedAt)
	if err != nil {
		return Result{}, classify(err)
	}
	rec.CreatedAt = rec.CreatedAt.UTC()

	res := Result{Account: acc, Transaction: rec}
	if m.Transfer != nil {
		tr := *m.Transfer
		tr.ID = uuid.NewString()
		tr.Fulfilled = false
		tr.CreatedAt = rec.CreatedAt
		const insertTransfer = `INSERT INTO transfers (id, credit, debit, currency, fulfilled, created_at)
            VALUES ($1, $2, $3, $4, FALSE, $5) RETURNING seq`
		if err := tx.QueryRow(ctx, insertTransfer, tr.ID, tr.Credit, tr.Debit, tr.Currency, tr.CreatedAt).Scan(&tr.Seq); err != nil {
			return Result{}, classify(err)
		}
		res.Transfer = &tr
	}

	if err := tx.Commit(ctx); err != nil {
		return Result{}, classify(err)
	}
	return res, nil
}

// History reads the account and its recent log inside one REPEATABLE READ
// snapshot so concurrent commits cannot skew the reconstruction.
func (s *PostgresStore) History(ctx context.Context, cardID string, since time.Time) (History, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return History{}, classify(err)
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	const accountQuery = `SELECT card_id, balance, on_hold, currency, version FROM accounts WHERE card_id = $1`
	acc, err := scanAccount(tx.QueryRow(ctx, accountQuery, cardID), cardID)
	if err != nil {
		return History{}, err
	}

	query := `SELECT ` + transactionColumns + ` FROM transactions
        WHERE card_id = $1 AND created_at >= $2
        ORDER BY seq DESC`
	rows, err := tx.Query(ctx, query, cardID, since)
	if err != nil {
		return History{}, classify(err)
	}
	txs, err := collectTransactions(rows)
	if err != nil {
		return History{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return History{}, classify(err)
	}
	return History{Account: acc, Transactions: txs}, nil
}

func (s *PostgresStore) Transactions(ctx context.Context, cardID string, q Query) ([]Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions
        WHERE card_id = $1
          AND ($2 = '' OR type = $2)
          AND ($3::timestamptz IS NULL OR created_at >= $3)
          AND ($4::timestamptz IS NULL OR created_at <= $4)
          AND seq > $5
        ORDER BY seq
        LIMIT $6`
	var from, to *time.Time
	if !q.From.IsZero() {
		from = &q.From
	}
	if !q.To.IsZero() {
		to = &q.To
	}
	var limit *int
	if q.Limit > 0 {
		limit = &q.Limit
	}
	rows, err := s.db.Query(ctx, query, cardID, string(q.Kind), from, to, q.AfterSeq, limit)
	if err != nil {
		return nil, classify(err)
	}
	return collectTransactions(rows)
}

func (s *PostgresStore) UnfulfilledTransfers(ctx context.Context) ([]Transfer, error) {
	rows, err := s.db.Query(ctx, `SELECT seq, id, credit, debit, currency, fulfilled, created_at
        FROM transfers WHERE NOT fulfilled ORDER BY seq`)
	if err != nil {
		return nil, classify(err)
	}
	return collectTransfers(rows)
}

func (s *PostgresStore) SweepTransfers(ctx context.Context, fn func([]Transfer) error) ([]Transfer, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, classify(err)
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, sweepLockKey); err != nil {
		return nil, classify(err)
	}

	rows, err := tx.Query(ctx, `SELECT seq, id, credit, debit, currency, fulfilled, created_at
        FROM transfers WHERE NOT fulfilled ORDER BY seq FOR UPDATE`)
	if err != nil {
		return nil, classify(err)
	}
	batch, err := collectTransfers(rows)
	if err != nil {
		return nil, err
	}

	if err := fn(batch); err != nil {
		return nil, err
	}

	if len(batch) > 0 {
		seqs := make([]int64, len(batch))
		for i, tr := range batch {
			seqs[i] = tr.Seq
		}
		if _, err := tx.Exec(ctx, `UPDATE transfers SET fulfilled = TRUE, fulfilled_at = now() WHERE seq = ANY($1)`, seqs); err != nil {
			return nil, classify(err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, classify(err)
	}
	for i := range batch {
		batch[i].Fulfilled = true
	}
	return batch, nil
}

func lockAccount(ctx context.Context, tx pgx.Tx, cardID string) (Account, error) {
	const query = `SELECT card_id, balance, on_hold, currency, version FROM accounts WHERE card_id = $1 FOR UPDATE`
	return scanAccount(tx.QueryRow(ctx, query, cardID), cardID)
}

func scanAccount(row pgx.Row, cardID string) (Account, error) {
	var acc Account
	if err := row.Scan(&acc.CardID, &acc.Balance, &acc.OnHold, &acc.Currency, &acc.Version); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, fmt.Errorf("%w: %s", ErrNotFound, cardID)
		}
		return Account{}, classify(err)
	}
	return acc, nil
}

func scanTransaction(row pgx.Row) (Transaction, error) {
	var (
		tx   Transaction
		kind string
	)
	err := row.Scan(&tx.Seq, &tx.ID, &tx.TransactionID, &kind, &tx.CardID,
		&tx.BillingAmount, &tx.BillingCurrency, &tx.TransactionAmount, &tx.TransactionCurrency,
		&tx.SettlementAmount, &tx.SettlementCurrency, &tx.ReleasedHold,
		&tx.Merchant.Name, &tx.Merchant.Country, &tx.Merchant.MCC, &tx.CreatedAt)
	tx.Kind = Kind(kind)
	tx.CreatedAt = tx.CreatedAt.UTC()
	return tx, err
}

func collectTransactions(rows pgx.Rows) ([]Transaction, error) {
	defer rows.Close()
	var out []Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, classify(err)
		}
		out = append(out, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return out, nil
}

func collectTransfers(rows pgx.Rows) ([]Transfer, error) {
	defer rows.Close()
	var out []Transfer
	for rows.Next() {
		var tr Transfer
		if err := rows.Scan(&tr.Seq, &tr.ID, &tr.Credit, &tr.Debit, &tr.Currency, &tr.Fulfilled, &tr.CreatedAt); err != nil {
			return nil, classify(err)
		}
		tr.CreatedAt = tr.CreatedAt.UTC()
		out = append(out, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return out, nil
}

// classify maps driver failures onto the ledger error taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return fmt.Errorf("%w: %w", ErrDuplicateTransaction, err)
		case "40001", "40P01", "55P03":
			return fmt.Errorf("%w: %w", ErrConflict, err)
		case "57014":
			return fmt.Errorf("%w: %w", ErrTransient, err)
		case "22003":
			return fmt.Errorf("%w: %w", ErrInvalidAmount, err)
		}
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || pgconn.Timeout(err) {
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}
