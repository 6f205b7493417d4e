package storage

import (
	"context"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/torpay/anon-ticket/internal/domain"
)

// PostgresStore is the remote-relational-database backend spec §9 calls
// for as a swappable alternative to the embedded file database.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects (and migrates) the Postgres backend at dsn.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	s := &PostgresStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS payments (
			pid BYTEA PRIMARY KEY,
			txid BYTEA NOT NULL,
			amount BIGINT NOT NULL,
			block_height BIGINT NOT NULL,
			received_at TIMESTAMPTZ NOT NULL,
			status SMALLINT NOT NULL,
			claimed_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS service_tokens (
			token BYTEA PRIMARY KEY,
			pid BYTEA NOT NULL UNIQUE,
			amount BIGINT NOT NULL,
			issued_at TIMESTAMPTZ NOT NULL,
			revoked_at TIMESTAMPTZ,
			abuse_score INTEGER NOT NULL DEFAULT 0,
			revoke_reason TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS monitor_state (
			key TEXT PRIMARY KEY,
			value_int BIGINT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) InsertPayment(ctx context.Context, p domain.NewPayment) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO payments (pid, txid, amount, block_height, received_at, status, claimed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, NULL)
		 ON CONFLICT (pid) DO NOTHING`,
		p.Pid.Bytes(), p.Txid[:], p.Amount, int64(p.BlockHeight), p.ReceivedAt, int16(domain.StatusUnclaimed),
	)
	return err
}

func (s *PostgresStore) GetPayment(ctx context.Context, pid domain.PaymentId) (domain.Payment, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT pid, txid, amount, block_height, received_at, status, claimed_at
		 FROM payments WHERE pid = $1`, pid.Bytes())
	return scanPaymentPg(row)
}

func (s *PostgresStore) ClaimPayment(ctx context.Context, pid domain.PaymentId) (domain.ClaimOutcome, ClaimResult, error) {
	var outcome domain.ClaimOutcome

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return outcome, ClaimNotFound, err
	}
	defer tx.Rollback(ctx)

	now := time.Now()
	tag, err := tx.Exec(ctx,
		`UPDATE payments SET status = $1, claimed_at = $2 WHERE pid = $3 AND status = $4`,
		int16(domain.StatusClaimed), now, pid.Bytes(), int16(domain.StatusUnclaimed),
	)
	if err != nil {
		return outcome, ClaimNotFound, err
	}

	if tag.RowsAffected() == 0 {
		row := tx.QueryRow(ctx,
			`SELECT pid, txid, amount, block_height, received_at, status, claimed_at
			 FROM payments WHERE pid = $1`, pid.Bytes())
		existing, err := scanPaymentPg(row)
		if err == ErrNotFound {
			return outcome, ClaimNotFound, tx.Commit(ctx)
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
		}, AlreadyClaimed, tx.Commit(ctx)
	}

	row := tx.QueryRow(ctx,
		`SELECT pid, txid, amount, block_height, received_at, status, claimed_at
		 FROM payments WHERE pid = $1`, pid.Bytes())
	updated, err := scanPaymentPg(row)
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
	return outcome, ClaimedNow, tx.Commit(ctx)
}

func (s *PostgresStore) StreamPids(ctx context.Context, fn func(domain.PaymentId) error) error {
	rows, err := s.pool.Query(ctx, `SELECT pid FROM payments`)
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

func (s *PostgresStore) InsertToken(ctx context.Context, t domain.NewServiceToken) (domain.ServiceTokenRecord, error) {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO service_tokens (token, pid, amount, issued_at, revoked_at, abuse_score, revoke_reason)
		 VALUES ($1, $2, $3, $4, NULL, $5, NULL)`,
		t.Token.Bytes(), t.Pid.Bytes(), t.Amount, t.IssuedAt, int32(t.AbuseScore),
	)
	if isUniqueViolationPg(err) {
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

func (s *PostgresStore) GetToken(ctx context.Context, token domain.ServiceToken) (domain.ServiceTokenRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT token, pid, amount, issued_at, revoked_at, abuse_score, revoke_reason
		 FROM service_tokens WHERE token = $1`, token.Bytes())
	return scanTokenPg(row)
}

func (s *PostgresStore) RevokeToken(ctx context.Context, token domain.ServiceToken, reason *string, abuseScore *uint32) (domain.ServiceTokenRecord, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.ServiceTokenRecord{}, err
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx,
		`SELECT token, pid, amount, issued_at, revoked_at, abuse_score, revoke_reason
		 FROM service_tokens WHERE token = $1`, token.Bytes())
	existing, err := scanTokenPg(row)
	if err != nil {
		return domain.ServiceTokenRecord{}, err
	}

	if existing.IsRevoked() {
		return existing, tx.Commit(ctx)
	}

	now := time.Now()
	score := existing.AbuseScore
	if abuseScore != nil {
		score = *abuseScore
	}
	var reasonVal any
	if reason != nil {
		reasonVal = *reason
	}
	_, err = tx.Exec(ctx,
		`UPDATE service_tokens SET revoked_at = $1, revoke_reason = $2, abuse_score = $3 WHERE token = $4`,
		now, reasonVal, int32(score), token.Bytes(),
	)
	if err != nil {
		return domain.ServiceTokenRecord{}, err
	}

	existing.RevokedAt = &now
	existing.RevokeReason = reason
	existing.AbuseScore = score
	return existing, tx.Commit(ctx)
}

func (s *PostgresStore) LastProcessedHeight(ctx context.Context) (uint64, bool, error) {
	var h int64
	err := s.pool.QueryRow(ctx,
		`SELECT value_int FROM monitor_state WHERE key = 'last_processed_height'`).Scan(&h)
	if err == pgx.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return uint64(h), true, nil
}

func (s *PostgresStore) SetLastProcessedHeight(ctx context.Context, height uint64) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO monitor_state (key, value_int) VALUES ('last_processed_height', $1)
		 ON CONFLICT (key) DO UPDATE SET value_int = excluded.value_int`,
		int64(height),
	)
	return err
}

type pgRowScanner interface {
	Scan(dest ...any) error
}

func scanPaymentPg(row pgRowScanner) (domain.Payment, error) {
	var (
		pidRaw, txidRaw []byte
		amount          int64
		blockHeight     int64
		receivedAt      time.Time
		status          int16
		claimedAt       *time.Time
	)
	err := row.Scan(&pidRaw, &txidRaw, &amount, &blockHeight, &receivedAt, &status, &claimedAt)
	if err == pgx.ErrNoRows {
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

	return domain.Payment{
		Pid:         pid,
		Txid:        txid,
		Amount:      amount,
		BlockHeight: uint64(blockHeight),
		ReceivedAt:  receivedAt,
		Status:      domain.PaymentStatus(status),
		ClaimedAt:   claimedAt,
	}, nil
}

func scanTokenPg(row pgRowScanner) (domain.ServiceTokenRecord, error) {
	var (
		tokenRaw, pidRaw []byte
		amount           int64
		issuedAt         time.Time
		revokedAt        *time.Time
		abuseScore       int32
		revokeReason     *string
	)
	err := row.Scan(&tokenRaw, &pidRaw, &amount, &issuedAt, &revokedAt, &abuseScore, &revokeReason)
	if err == pgx.ErrNoRows {
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

	return domain.ServiceTokenRecord{
		Token:        token,
		Pid:          pid,
		Amount:       amount,
		IssuedAt:     issuedAt,
		RevokedAt:    revokedAt,
		AbuseScore:   uint32(abuseScore),
		RevokeReason: revokeReason,
	}, nil
}

func isUniqueViolationPg(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique")
}
