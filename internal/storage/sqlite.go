package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/torpay/anon-ticket/internal/domain"
)

// SQLiteStore is the embedded-file-database backend. Connection
// initialization enables WAL and relaxes durability to OS-fsync
// (synchronous=NORMAL) per spec §4.B's production tuning note: the
// contract assumes process crashes preserve durability and only a host-OS
// crash risks losing the last WAL frames.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (and migrates) the embedded-file-database backend at
// path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS payments (
			pid BLOB PRIMARY KEY,
			txid BLOB NOT NULL,
			amount INTEGER NOT NULL,
			block_height INTEGER NOT NULL,
			received_at INTEGER NOT NULL,
			status INTEGER NOT NULL,
			claimed_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS service_tokens (
			token BLOB PRIMARY KEY,
			pid BLOB NOT NULL UNIQUE,
			amount INTEGER NOT NULL,
			issued_at INTEGER NOT NULL,
			revoked_at INTEGER,
			abuse_score INTEGER NOT NULL DEFAULT 0,
			revoke_reason TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS monitor_state (
			key TEXT PRIMARY KEY,
			value_int INTEGER NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) InsertPayment(ctx context.Context, p domain.NewPayment) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO payments (pid, txid, amount, block_height, received_at, status, claimed_at)
		 VALUES (?, ?, ?, ?, ?, ?, NULL)
		 ON CONFLICT(pid) DO NOTHING`,
		p.Pid.Bytes(), p.Txid[:], p.Amount, p.BlockHeight, p.ReceivedAt.Unix(), domain.StatusUnclaimed,
	)
	return err
}

func (s *SQLiteStore) GetPayment(ctx context.Context, pid domain.PaymentId) (domain.Payment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT pid, txid, amount, block_height, received_at, status, claimed_at
		 FROM payments WHERE pid = ?`, pid.Bytes())
	return scanPayment(row)
}

func (s *SQLiteStore) ClaimPayment(ctx context.Context, pid domain.PaymentId) (domain.ClaimOutcome, ClaimResult, error) {
	var outcome domain.ClaimOutcome

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return outcome, ClaimNotFound, err
	}
	defer tx.Rollback()

	now := time.Now()
	res, err := tx.ExecContext(ctx,
		`UPDATE payments SET status = ?, claimed_at = ? WHERE pid = ? AND status = ?`,
		domain.StatusClaimed, now.Unix(), pid.Bytes(), domain.StatusUnclaimed,
	)
	if err != nil {
		return outcome, ClaimNotFound, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return outcome, ClaimNotFound, err
	}

	if rows == 0 {
		row := tx.QueryRowContext(ctx,
			`SELECT pid, txid, amount, block_height, received_at, status, claimed_at
			 FROM payments WHERE pid = ?`, pid.Bytes())
		existing, err := scanPayment(row)
		if err == sql.ErrNoRows || err == ErrNotFound {
			return outcome, ClaimNotFound, tx.Commit()
		}
		if err != nil {
			return outcome, ClaimNotFound, err
		}
		return domain.ClaimOutcome{
			Pid:         existing.Pid,
			Txid:        existing.Txid,
			Amount:      existing.Amount,
			BlockHeight: existing.BlockHeight,
			ClaimedAt:   *existing.ClaimedAt,
		}, AlreadyClaimed, tx.Commit()
	}

	row := tx.QueryRowContext(ctx,
		`SELECT pid, txid, amount, block_height, received_at, status, claimed_at
		 FROM payments WHERE pid = ?`, pid.Bytes())
	updated, err := scanPayment(row)
	if err != nil {
		return outcome, ClaimNotFound, err
	}
	outcome = domain.ClaimOutcome{
		Pid:         updated.Pid,
		Txid:        updated.Txid,
		Amount:      updated.Amount,
		BlockHeight: updated.BlockHeight,
		ClaimedAt:   *updated.ClaimedAt,
	}
	return outcome, ClaimedNow, tx.Commit()
}

func (s *SQLiteStore) StreamPids(ctx context.Context, fn func(domain.PaymentId) error) error {
	rows, err := s.db.QueryContext(ctx, `SELECT pid FROM payments`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return err
		}
		pid, err := domain.PaymentIdFromBytes(raw)
		if err != nil {
			return err
		}
		if err := fn(pid); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *SQLiteStore) InsertToken(ctx context.Context, t domain.NewServiceToken) (domain.ServiceTokenRecord, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO service_tokens (token, pid, amount, issued_at, revoked_at, abuse_score, revoke_reason)
		 VALUES (?, ?, ?, ?, NULL, ?, NULL)`,
		t.Token.Bytes(), t.Pid.Bytes(), t.Amount, t.IssuedAt.Unix(), t.AbuseScore,
	)
	if isUniqueViolation(err) {
		return domain.ServiceTokenRecord{}, ErrAlreadyExists
	}
	if err != nil {
		return domain.ServiceTokenRecord{}, err
	}
	return domain.ServiceTokenRecord{
		Token:      t.Token,
		Pid:        t.Pid,
		Amount:     t.Amount,
		IssuedAt:   t.IssuedAt,
		AbuseScore: t.AbuseScore,
	}, nil
}

func (s *SQLiteStore) GetToken(ctx context.Context, token domain.ServiceToken) (domain.ServiceTokenRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT token, pid, amount, issued_at, revoked_at, abuse_score, revoke_reason
		 FROM service_tokens WHERE token = ?`, token.Bytes())
	return scanToken(row)
}

func (s *SQLiteStore) RevokeToken(ctx context.Context, token domain.ServiceToken, reason *string, abuseScore *uint32) (domain.ServiceTokenRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.ServiceTokenRecord{}, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT token, pid, amount, issued_at, revoked_at, abuse_score, revoke_reason
		 FROM service_tokens WHERE token = ?`, token.Bytes())
	existing, err := scanToken(row)
	if err != nil {
		return domain.ServiceTokenRecord{}, err
	}

	if existing.IsRevoked() {
		return existing, tx.Commit()
	}

	// Whole-second UTC, the precision revoked_at is stored at, so the
	// returned record matches what later reads of the row return.
	now := time.Unix(time.Now().Unix(), 0).UTC()
	score := existing.AbuseScore
	if abuseScore != nil {
		score = *abuseScore
	}
	var reasonVal any
	if reason != nil {
		reasonVal = *reason
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE service_tokens SET revoked_at = ?, revoke_reason = ?, abuse_score = ? WHERE token = ?`,
		now.Unix(), reasonVal, score, token.Bytes(),
	)
	if err != nil {
		return domain.ServiceTokenRecord{}, err
	}

	existing.RevokedAt = &now
	existing.RevokeReason = reason
	existing.AbuseScore = score
	return existing, tx.Commit()
}

func (s *SQLiteStore) LastProcessedHeight(ctx context.Context) (uint64, bool, error) {
	var h int64
	err := s.db.QueryRowContext(ctx,
		`SELECT value_int FROM monitor_state WHERE key = 'last_processed_height'`).Scan(&h)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return uint64(h), true, nil
}

func (s *SQLiteStore) SetLastProcessedHeight(ctx context.Context, height uint64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO monitor_state (key, value_int) VALUES ('last_processed_height', ?)
		 ON CONFLICT(key) DO UPDATE SET value_int = excluded.value_int`,
		int64(height),
	)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPayment(row scanner) (domain.Payment, error) {
	var (
		pidRaw, txidRaw []byte
		amount          int64
		blockHeight     int64
		receivedAt      int64
		status          int64
		claimedAt       sql.NullInt64
	)
	err := row.Scan(&pidRaw, &txidRaw, &amount, &blockHeight, &receivedAt, &status, &claimedAt)
	if err == sql.ErrNoRows {
		return domain.Payment{}, ErrNotFound
	}
	if err != nil {
		return domain.Payment{}, err
	}

	pid, err := domain.PaymentIdFromBytes(pidRaw)
	if err != nil {
		return domain.Payment{}, err
	}
	var txid [32]byte
	copy(txid[:], txidRaw)

	p := domain.Payment{
		Pid:         pid,
		Txid:        txid,
		Amount:      amount,
		BlockHeight: uint64(blockHeight),
		ReceivedAt:  time.Unix(receivedAt, 0).UTC(),
		Status:      domain.PaymentStatus(status),
	}
	if claimedAt.Valid {
		t := time.Unix(claimedAt.Int64, 0).UTC()
		p.ClaimedAt = &t
	}
	return p, nil
}

func scanToken(row scanner) (domain.ServiceTokenRecord, error) {
	var (
		tokenRaw, pidRaw []byte
		amount           int64
		issuedAt         int64
		revokedAt        sql.NullInt64
		abuseScore       int64
		revokeReason     sql.NullString
	)
	err := row.Scan(&tokenRaw, &pidRaw, &amount, &issuedAt, &revokedAt, &abuseScore, &revokeReason)
	if err == sql.ErrNoRows {
		return domain.ServiceTokenRecord{}, ErrNotFound
	}
	if err != nil {
		return domain.ServiceTokenRecord{}, err
	}

	token, err := domain.ServiceTokenFromBytes(tokenRaw)
	if err != nil {
		return domain.ServiceTokenRecord{}, err
	}
	pid, err := domain.PaymentIdFromBytes(pidRaw)
	if err != nil {
		return domain.ServiceTokenRecord{}, err
	}

	rec := domain.ServiceTokenRecord{
		Token:      token,
		Pid:        pid,
		Amount:     amount,
		IssuedAt:   time.Unix(issuedAt, 0).UTC(),
		AbuseScore: uint32(abuseScore),
	}
	if revokedAt.Valid {
		t := time.Unix(revokedAt.Int64, 0).UTC()
		rec.RevokedAt = &t
	}
	if revokeReason.Valid {
		rec.RevokeReason = &revokeReason.String
	}
	return rec, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique")
}
