package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/knowyourmechanic/kym-api/internal/apperr"
	"github.com/knowyourmechanic/kym-api/internal/otp"
)

// PostgresStore persists service records in PostgreSQL. Completion and the
// garage counter increment share one transaction.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore constructs a Postgres-backed store.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

const recordColumns = `id::text, garage_id::text, COALESCE(customer_id::text, ''), customer_phone, description,
    amount, status, COALESCE(otp_hash, ''), otp_expires_at, COALESCE(payment_ref, ''), created_at,
    verified_at, completed_at`

// Create inserts a new record.
func (s *PostgresStore) Create(ctx context.Context, r Record) error {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return fmt.Errorf("service id: %w", err)
	}
	garageID, err := uuid.Parse(r.GarageID)
	if err != nil {
		return fmt.Errorf("garage id: %w", err)
	}
	_, err = s.db.Exec(ctx, `INSERT INTO service_records (id, garage_id, customer_phone, description, amount,
        status, otp_hash, otp_expires_at, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		id, garageID, r.CustomerPhone, r.Description, r.Amount, string(r.Status),
		r.OTP.Hash, r.OTP.ExpiresAt.UTC(), r.CreatedAt.UTC())
	return err
}

// Get fetches a record by id.
func (s *PostgresStore) Get(ctx context.Context, id string) (Record, error) {
	recordID, err := uuid.Parse(id)
	if err != nil {
		return Record{}, ErrRecordNotFound
	}
	return scanRecord(s.db.QueryRow(ctx, `SELECT `+recordColumns+` FROM service_records WHERE id = $1`, recordID))
}

// Apply performs the transition as a compare-and-set on the prior status.
func (s *PostgresStore) Apply(ctx context.Context, t Transition) (Record, error) {
	if !CanTransition(t.From, t.To) {
		return Record{}, apperr.New(apperr.KindInvalidState, "cannot move service from %s to %s", t.From, t.To)
	}
	recordID, err := uuid.Parse(t.RecordID)
	if err != nil {
		return Record{}, ErrRecordNotFound
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Record{}, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	set, args := transitionSet(t)
	args = append(args, recordID, string(t.From))
	query := fmt.Sprintf(`UPDATE service_records SET %s WHERE id = $%d AND status = $%d RETURNING %s`,
		set, len(args)-1, len(args), recordColumns)

	record, err := scanRecord(tx.QueryRow(ctx, query, args...))
	if errors.Is(err, ErrRecordNotFound) {
		// Either the id is unknown or another caller moved the record first.
		var current string
		if err := tx.QueryRow(ctx, `SELECT status FROM service_records WHERE id = $1`, recordID).Scan(&current); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return Record{}, ErrRecordNotFound
			}
			return Record{}, err
		}
		return Record{}, invalidState(Status(current))
	}
	if err != nil {
		return Record{}, err
	}

	if t.To == StatusCompleted {
		garageID, err := uuid.Parse(record.GarageID)
		if err != nil {
			return Record{}, fmt.Errorf("garage id: %w", err)
		}
		cmd, err := tx.Exec(ctx, `UPDATE users SET total_services = total_services + 1,
            total_earnings = total_earnings + $1 WHERE id = $2`, record.Amount, garageID)
		if err != nil {
			return Record{}, err
		}
		if cmd.RowsAffected() != 1 {
			return Record{}, fmt.Errorf("garage %s not found for completion", record.GarageID)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, err
	}
	return record, nil
}

// transitionSet returns the SET clause for t and its positional arguments.
func transitionSet(t Transition) (string, []any) {
	at := t.At.UTC()
	switch t.To {
	case StatusPendingPayment:
		return `status = $1, otp_hash = NULL, otp_expires_at = NULL, verified_at = $2`, []any{string(t.To), at}
	case StatusExpired:
		return `status = $1, otp_hash = NULL, otp_expires_at = NULL`, []any{string(t.To)}
	case StatusCompleted:
		var customerID *uuid.UUID
		if id, err := uuid.Parse(t.CustomerID); err == nil {
			customerID = &id
		}
		return `status = $1, completed_at = $2, customer_id = $3, payment_ref = $4`,
			[]any{string(t.To), at, customerID, t.PaymentRef}
	default:
		return `status = $1`, []any{string(t.To)}
	}
}

// List returns records matching q, newest first.
func (s *PostgresStore) List(ctx context.Context, q Query) ([]Record, error) {
	var (
		where []string
		args  []any
	)
	if q.GarageID != "" {
		garageID, err := uuid.Parse(q.GarageID)
		if err != nil {
			return []Record{}, nil
		}
		args = append(args, garageID)
		where = append(where, fmt.Sprintf("garage_id = $%d", len(args)))
	}
	if q.CustomerPhone != "" {
		args = append(args, q.CustomerPhone)
		where = append(where, fmt.Sprintf("customer_phone = $%d", len(args)))
	}
	if len(q.Statuses) > 0 {
		statuses := make([]string, len(q.Statuses))
		for i, st := range q.Statuses {
			statuses[i] = string(st)
		}
		args = append(args, statuses)
		where = append(where, fmt.Sprintf("status = ANY($%d)", len(args)))
	}

	query := `SELECT ` + recordColumns + ` FROM service_records`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	if q.ByCompletion {
		query += ` ORDER BY completed_at DESC NULLS LAST, created_at DESC`
	} else {
		query += ` ORDER BY created_at DESC`
	}
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Record, 0)
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GarageTotals aggregates completed and pending records for a garage.
func (s *PostgresStore) GarageTotals(ctx context.Context, garageID string) (Totals, error) {
	id, err := uuid.Parse(garageID)
	if err != nil {
		return Totals{}, nil
	}
	const query = `
        SELECT COUNT(*) FILTER (WHERE status = 'completed'),
               COALESCE(SUM(amount) FILTER (WHERE status = 'completed'), 0),
               COUNT(*) FILTER (WHERE status IN ('pending_otp', 'pending_payment'))
        FROM service_records
        WHERE garage_id = $1`
	var t Totals
	if err := s.db.QueryRow(ctx, query, id).Scan(&t.Completed, &t.Earnings, &t.Pending); err != nil {
		return Totals{}, err
	}
	return t, nil
}

func scanRecord(row pgx.Row) (Record, error) {
	var (
		r          Record
		status     string
		otpHash    string
		otpExpires *time.Time
		createdAt  time.Time
	)
	if err := row.Scan(&r.ID, &r.GarageID, &r.CustomerID, &r.CustomerPhone, &r.Description, &r.Amount,
		&status, &otpHash, &otpExpires, &r.PaymentRef, &createdAt, &r.VerifiedAt, &r.CompletedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrRecordNotFound
		}
		return Record{}, fmt.Errorf("scan service record: %w", err)
	}
	r.Status = Status(status)
	r.CreatedAt = createdAt.UTC()
	if otpHash != "" && otpExpires != nil {
		r.OTP = otp.Slot{Hash: otpHash, ExpiresAt: otpExpires.UTC()}
	}
	if r.VerifiedAt != nil {
		v := r.VerifiedAt.UTC()
		r.VerifiedAt = &v
	}
	if r.CompletedAt != nil {
		c := r.CompletedAt.UTC()
		r.CompletedAt = &c
	}
	return r, nil
}
