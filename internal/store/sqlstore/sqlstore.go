// Package sqlstore persists receipts, merkle batches, escrow locks and
// nonce marks in SQLite.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/ppiankov/hivegate/internal/credential"
	"github.com/ppiankov/hivegate/internal/escrow"
	"github.com/ppiankov/hivegate/internal/model"
	"github.com/ppiankov/hivegate/internal/receipt"
)

type Store struct {
	db *sql.DB
}

// FileDSN returns a DSN for a database file with WAL and a busy timeout.
func FileDSN(path string) string {
	return "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

// OpenSQLite opens dsn and applies migrations.
func OpenSQLite(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// One connection serializes writers; SQLite allows a single writer anyway.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := Migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return New(db), nil
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) WithTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func isConstraint(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
		return true
	}
	return false
}

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(timeLayout, s)
}

// --- receipts ---

const receiptColumns = `receipt_id, ts, issuer, schema_type, command_digest, command_body, decision, reason, step, resource,
danger_score, settlement, lock_id, confirmation_id, policy_hash, state_hash_before, state_hash_after,
issuer_signature, prev_hash, receipt_hash, node_signature`

func (s *Store) Append(ctx context.Context, r *receipt.Receipt) error {
	if r.ID > math.MaxInt64 {
		return fmt.Errorf("receipt id %d out of range", r.ID)
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO receipts(`+receiptColumns+`, ts_unix_nano)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		int64(r.ID), formatTime(r.Timestamp), r.Issuer, r.SchemaType, r.CommandDigest, r.CommandBody,
		string(r.Decision), string(r.Reason), string(r.Step), r.Resource,
		r.Danger, string(r.Settlement), r.LockID, r.ConfirmationID, r.PolicyHash,
		r.StateHashBefore, r.StateHashAfter, r.IssuerSignature, r.PrevHash, r.Hash, r.NodeSignature,
		r.Timestamp.UnixNano())
	if err != nil {
		if isConstraint(err) {
			return fmt.Errorf("%w: %d", receipt.ErrDuplicateReceiptID, r.ID)
		}
		return err
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanReceipt(row scanner) (*receipt.Receipt, error) {
	var (
		r                                  receipt.Receipt
		id                                 int64
		ts                                 string
		decision, reason, step, settlement string
	)
	if err := row.Scan(&id, &ts, &r.Issuer, &r.SchemaType, &r.CommandDigest, &r.CommandBody,
		&decision, &reason, &step, &r.Resource, &r.Danger, &settlement, &r.LockID, &r.ConfirmationID,
		&r.PolicyHash, &r.StateHashBefore, &r.StateHashAfter, &r.IssuerSignature, &r.PrevHash,
		&r.Hash, &r.NodeSignature); err != nil {
		return nil, err
	}
	t, err := parseTime(ts)
	if err != nil {
		return nil, fmt.Errorf("receipt %d: %w", id, err)
	}
	r.ID = uint64(id)
	r.Timestamp = t
	r.Decision = model.Verdict(decision)
	r.Reason = model.ReasonCode(reason)
	r.Step = model.Step(step)
	r.Settlement = receipt.Settlement(settlement)
	return &r, nil
}

func collectReceipts(rows *sql.Rows) ([]*receipt.Receipt, error) {
	defer rows.Close()
	var out []*receipt.Receipt
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) Last(ctx context.Context) (*receipt.Receipt, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+receiptColumns+` FROM receipts ORDER BY receipt_id DESC LIMIT 1`)
	r, err := scanReceipt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

func (s *Store) Range(ctx context.Context, from, to uint64) ([]*receipt.Receipt, error) {
	upper := int64(math.MaxInt64)
	if to != 0 && to < math.MaxInt64 {
		upper = int64(to)
	}
	lower := int64(from)
	if from > math.MaxInt64 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+receiptColumns+` FROM receipts
WHERE receipt_id >= ? AND receipt_id <= ? ORDER BY receipt_id ASC`, lower, upper)
	if err != nil {
		return nil, err
	}
	return collectReceipts(rows)
}

func (s *Store) Query(ctx context.Context, q receipt.Query) ([]*receipt.Receipt, error) {
	stmt := `SELECT ` + receiptColumns + ` FROM receipts WHERE 1=1`
	var args []any
	if q.Issuer != "" {
		stmt += ` AND issuer = ?`
		args = append(args, q.Issuer)
	}
	if q.Decision != "" {
		stmt += ` AND decision = ?`
		args = append(args, string(q.Decision))
	}
	if !q.From.IsZero() {
		stmt += ` AND ts_unix_nano >= ?`
		args = append(args, q.From.UnixNano())
	}
	if !q.To.IsZero() {
		stmt += ` AND ts_unix_nano < ?`
		args = append(args, q.To.UnixNano())
	}
	stmt += ` ORDER BY receipt_id ASC`
	if q.Limit > 0 {
		stmt += ` LIMIT ?`
		args = append(args, q.Limit)
	}
	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	return collectReceipts(rows)
}

func (s *Store) SaveBatch(ctx context.Context, b *receipt.Batch) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO merkle_batches(seq, from_id, to_id, merkle_root, sealed_at, node_signature)
VALUES(?, ?, ?, ?, ?, ?)`, int64(b.Seq), int64(b.FromID), int64(b.ToID), b.Root, formatTime(b.SealedAt), b.NodeSignature)
	if isConstraint(err) {
		return fmt.Errorf("batch %d already sealed", b.Seq)
	}
	return err
}

func scanBatch(row scanner) (*receipt.Batch, error) {
	var (
		b             receipt.Batch
		seq, from, to int64
		sealed        string
	)
	if err := row.Scan(&seq, &from, &to, &b.Root, &sealed, &b.NodeSignature); err != nil {
		return nil, err
	}
	t, err := parseTime(sealed)
	if err != nil {
		return nil, err
	}
	b.Seq, b.FromID, b.ToID, b.SealedAt = uint64(seq), uint64(from), uint64(to), t
	return &b, nil
}

func (s *Store) LastBatch(ctx context.Context) (*receipt.Batch, error) {
	row := s.db.QueryRowContext(ctx, `SELECT seq, from_id, to_id, merkle_root, sealed_at, node_signature
FROM merkle_batches ORDER BY seq DESC LIMIT 1`)
	b, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return b, err
}

// Batches returns up to limit most recent batches in ascending order.
func (s *Store) Batches(ctx context.Context, limit int) ([]*receipt.Batch, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `SELECT seq, from_id, to_id, merkle_root, sealed_at, node_signature FROM (
  SELECT * FROM merkle_batches ORDER BY seq DESC LIMIT ?
) ORDER BY seq ASC`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*receipt.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// --- escrow locks ---

// Locks adapts the store to escrow.Store.
func (s *Store) Locks() *LockStore {
	return &LockStore{db: s.db}
}

type LockStore struct {
	db *sql.DB
}

func (s *LockStore) Insert(ctx context.Context, l escrow.Lock) error {
	kind, value := escrow.EncodeCondition(l.Condition)
	_, err := s.db.ExecContext(ctx, `INSERT INTO escrow_locks(lock_id, issuer, amount_msat, condition_kind, condition, deadline, state, created_at, settled_at, refund_reason)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.Issuer, l.AmountMsat, kind, value, formatTime(l.Deadline), string(l.State),
		formatTime(l.CreatedAt), formatTime(l.SettledAt), string(l.RefundReason))
	if isConstraint(err) {
		return fmt.Errorf("lock %s already exists", l.ID)
	}
	return err
}

const lockColumns = `lock_id, issuer, amount_msat, condition_kind, condition, deadline, state, created_at, settled_at, refund_reason`

func scanLock(row scanner) (escrow.Lock, error) {
	var (
		l                            escrow.Lock
		kind, value, deadline, state string
		created, settled, reason     string
	)
	if err := row.Scan(&l.ID, &l.Issuer, &l.AmountMsat, &kind, &value, &deadline, &state, &created, &settled, &reason); err != nil {
		return escrow.Lock{}, err
	}
	cond, err := escrow.DecodeCondition(kind, value)
	if err != nil {
		return escrow.Lock{}, fmt.Errorf("lock %s: %w", l.ID, err)
	}
	l.Condition = cond
	l.State = escrow.State(state)
	l.RefundReason = escrow.RefundReason(reason)
	for _, f := range []struct {
		src string
		dst *time.Time
	}{{deadline, &l.Deadline}, {created, &l.CreatedAt}, {settled, &l.SettledAt}} {
		if *f.dst, err = parseTime(f.src); err != nil {
			return escrow.Lock{}, fmt.Errorf("lock %s: %w", l.ID, err)
		}
	}
	return l, nil
}

func (s *LockStore) Get(ctx context.Context, id string) (escrow.Lock, error) {
	l, err := scanLock(s.db.QueryRowContext(ctx, `SELECT `+lockColumns+` FROM escrow_locks WHERE lock_id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return escrow.Lock{}, escrow.ErrLockNotFound
	}
	return l, err
}

func (s *LockStore) Update(ctx context.Context, l escrow.Lock) error {
	res, err := s.db.ExecContext(ctx, `UPDATE escrow_locks SET state = ?, settled_at = ?, refund_reason = ? WHERE lock_id = ?`,
		string(l.State), formatTime(l.SettledAt), string(l.RefundReason), l.ID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return escrow.ErrLockNotFound
	}
	return nil
}

func (s *LockStore) List(ctx context.Context, state escrow.State) ([]escrow.Lock, error) {
	stmt := `SELECT ` + lockColumns + ` FROM escrow_locks`
	var args []any
	if state != "" {
		stmt += ` WHERE state = ?`
		args = append(args, string(state))
	}
	stmt += ` ORDER BY created_at ASC, lock_id ASC`
	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []escrow.Lock
	for rows.Next() {
		l, err := scanLock(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// --- nonces ---

// Nonces adapts the store to credential.NonceStore.
func (s *Store) Nonces() *NonceStore {
	return &NonceStore{db: s.db}
}

type NonceStore struct {
	db *sql.DB
}

// Advance raises the mark in a single conditional upsert, so two
// concurrent advances with the same nonce cannot both succeed.
func (s *NonceStore) Advance(ctx context.Context, issuer string, nonce uint64) error {
	if nonce > math.MaxInt64 {
		return fmt.Errorf("nonce %d out of range", nonce)
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO nonces(issuer, mark) VALUES(?, ?)
ON CONFLICT(issuer) DO UPDATE SET mark = excluded.mark WHERE excluded.mark > nonces.mark`, issuer, int64(nonce))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return credential.ErrReplayDetected
	}
	return nil
}

func (s *NonceStore) HighWater(ctx context.Context, issuer string) (uint64, bool, error) {
	var mark int64
	err := s.db.QueryRowContext(ctx, `SELECT mark FROM nonces WHERE issuer = ?`, issuer).Scan(&mark)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return uint64(mark), true, nil
}

var (
	_ receipt.Store         = (*Store)(nil)
	_ escrow.Store          = (*LockStore)(nil)
	_ credential.NonceStore = (*NonceStore)(nil)
)
