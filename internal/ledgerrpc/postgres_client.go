package ledgerrpc

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mbd888/giftescrow/internal/failure"
	"github.com/shopspring/decimal"
)

// PostgresClient calls the ledger's stored functions directly.
type PostgresClient struct {
	db *sql.DB
}

// NewPostgresClient creates a client over an open lib/pq pool.
func NewPostgresClient(db *sql.DB) *PostgresClient {
	return &PostgresClient{db: db}
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (c *PostgresClient) AtomicTransfer(ctx context.Context, p AtomicTransferParams) (*AtomicTransferResult, error) {
	var out AtomicTransferResult
	err := c.db.QueryRowContext(ctx,
		`SELECT sender_txn_id, recipient_txn_id FROM atomic_transfer($1, $2, $3, $4, $5, $6, $7)`,
		p.SenderID, p.RecipientID, p.Amount.String(), p.Currency,
		nullable(p.MomentID), nullable(p.Message), p.IdempotencyKey,
	).Scan(&out.SenderTxnID, &out.RecipientTxnID)
	if err != nil {
		return nil, classifyPostgres(RPCAtomicTransfer, err, "")
	}
	return &out, nil
}

func (c *PostgresClient) CreateEscrowTransaction(ctx context.Context, p CreateEscrowParams) (*CreateEscrowResult, error) {
	var (
		out   CreateEscrowResult
		txnID sql.NullString
	)
	err := c.db.QueryRowContext(ctx,
		`SELECT escrow_id, transaction_id FROM create_escrow_transaction($1, $2, $3, $4, $5, $6, $7)`,
		p.SenderID, p.RecipientID, p.Amount.String(), p.Currency,
		nullable(p.MomentID), p.ReleaseCondition, p.IdempotencyKey,
	).Scan(&out.EscrowID, &txnID)
	if err != nil {
		return nil, classifyPostgres(RPCCreateEscrow, err, "")
	}
	out.TransactionID = txnID.String
	return &out, nil
}

func (c *PostgresClient) ReleaseEscrow(ctx context.Context, escrowID string) error {
	var ok bool
	err := c.db.QueryRowContext(ctx, `SELECT release_escrow($1)`, escrowID).Scan(&ok)
	if err != nil {
		return classifyPostgres(RPCReleaseEscrow, err, escrowID)
	}
	if !ok {
		return failure.EscrowNotModifiable(escrowID, errors.New("release_escrow returned false"))
	}
	return nil
}

func (c *PostgresClient) RefundEscrow(ctx context.Context, escrowID, reason string) error {
	var ok bool
	err := c.db.QueryRowContext(ctx, `SELECT refund_escrow($1, $2)`, escrowID, nullable(reason)).Scan(&ok)
	if err != nil {
		return classifyPostgres(RPCRefundEscrow, err, escrowID)
	}
	if !ok {
		return failure.EscrowNotModifiable(escrowID, errors.New("refund_escrow returned false"))
	}
	return nil
}

const escrowColumns = `id, sender_id, recipient_id, amount, currency, release_condition, status,
	COALESCE(moment_id, ''), created_at, expires_at`

const listEscrowsSQL = `SELECT ` + escrowColumns + `
	FROM escrow_transactions
	WHERE (sender_id = $1 OR recipient_id = $1)
	  AND ($2::text = '' OR status = $2::text)
	  AND ($3::timestamptz IS NULL OR (created_at, id) < ($3::timestamptz, $4::text))
	ORDER BY created_at DESC, id DESC
	LIMIT $5`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEscrow(row rowScanner, rpc string) (EscrowRecord, error) {
	var (
		r      EscrowRecord
		amount string
	)
	if err := row.Scan(&r.ID, &r.SenderID, &r.RecipientID, &amount, &r.Currency,
		&r.ReleaseCondition, &r.Status, &r.MomentID, &r.CreatedAt, &r.ExpiresAt); err != nil {
		return r, err
	}
	var err error
	if r.Amount, err = decimal.NewFromString(amount); err != nil {
		return r, rejection(rpc, fmt.Errorf("escrow %s amount %q: %w", r.ID, amount, err))
	}
	return r, nil
}

func (c *PostgresClient) ListEscrows(ctx context.Context, q EscrowQuery) ([]EscrowRecord, error) {
	var (
		afterAt sql.NullTime
		afterID string
	)
	if q.After != nil {
		afterAt = sql.NullTime{Time: q.After.CreatedAt, Valid: true}
		afterID = q.After.ID
	}
	rows, err := c.db.QueryContext(ctx, listEscrowsSQL, q.UserID, q.Status, afterAt, afterID, q.limit())
	if err != nil {
		return nil, classifyPostgres(RPCListEscrows, err, "")
	}
	defer rows.Close()

	var out []EscrowRecord
	for rows.Next() {
		r, err := scanEscrow(rows, RPCListEscrows)
		if err != nil {
			if failure.KindOf(err) != failure.KindInternal {
				return nil, err
			}
			return nil, classifyPostgres(RPCListEscrows, err, "")
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPostgres(RPCListEscrows, err, "")
	}
	return out, nil
}

func (c *PostgresClient) GetEscrow(ctx context.Context, escrowID string) (*EscrowRecord, error) {
	row := c.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrow_transactions WHERE id = $1`, escrowID)
	r, err := scanEscrow(row, RPCGetEscrow)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, failure.NotFound("Escrow")
	}
	if err != nil {
		if failure.KindOf(err) != failure.KindInternal {
			return nil, err
		}
		return nil, classifyPostgres(RPCGetEscrow, err, escrowID)
	}
	return &r, nil
}

func (c *PostgresClient) GetBalance(ctx context.Context, userID string) (*Balance, error) {
	var available, pending string
	b := Balance{UserID: userID}
	err := c.db.QueryRowContext(ctx,
		`SELECT available, pending, currency FROM wallets WHERE user_id = $1`, userID,
	).Scan(&available, &pending, &b.Currency)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, failure.NotFound("Wallet")
	}
	if err != nil {
		return nil, classifyPostgres(RPCGetBalance, err, "")
	}
	if b.Available, err = decimal.NewFromString(available); err != nil {
		return nil, rejection(RPCGetBalance, err)
	}
	if b.Pending, err = decimal.NewFromString(pending); err != nil {
		return nil, rejection(RPCGetBalance, err)
	}
	return &b, nil
}
