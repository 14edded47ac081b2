package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/MrEthical07/goMFA/challenge"
	"github.com/MrEthical07/goMFA/policy"
	"github.com/MrEthical07/goMFA/token"
)

// SQLPolicyStore implements policy.Store over DB.
type SQLPolicyStore struct{ db *DB }

func NewSQLPolicyStore(db *DB) *SQLPolicyStore { return &SQLPolicyStore{db: db} }

func (s *SQLPolicyStore) ListActive(ctx context.Context, scope policy.Scope) ([]*policy.Policy, error) {
	if scope == "" {
		return s.list(ctx, `SELECT body FROM mfa_policies WHERE active = 1 ORDER BY priority, name`)
	}
	return s.list(ctx, `SELECT body FROM mfa_policies WHERE active = 1 AND scope = ? ORDER BY priority, name`, string(scope))
}

func (s *SQLPolicyStore) List(ctx context.Context) ([]*policy.Policy, error) {
	out, err := s.list(ctx, `SELECT body FROM mfa_policies`)
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *SQLPolicyStore) list(ctx context.Context, q string, args ...any) ([]*policy.Policy, error) {
	rows, err := s.db.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list policies: %w", err)
	}
	defer rows.Close()
	var out []*policy.Policy
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan policy: %w", err)
		}
		p := &policy.Policy{}
		if err := json.Unmarshal([]byte(body), p); err != nil {
			return nil, fmt.Errorf("decode policy: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLPolicyStore) Get(ctx context.Context, name string) (*policy.Policy, error) {
	var body string
	err := s.db.queryRow(ctx, `SELECT body FROM mfa_policies WHERE name = ?`, name).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, policy.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get policy: %w", err)
	}
	p := &policy.Policy{}
	if err := json.Unmarshal([]byte(body), p); err != nil {
		return nil, fmt.Errorf("decode policy: %w", err)
	}
	return p, nil
}

func (s *SQLPolicyStore) Put(ctx context.Context, p *policy.Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode policy: %w", err)
	}
	_, err = s.db.exec(ctx, `INSERT INTO mfa_policies (name, scope, active, priority, body) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET scope = excluded.scope, active = excluded.active,
		priority = excluded.priority, body = excluded.body`,
		p.Name, string(p.Scope), boolInt(p.Active), p.Priority, string(body))
	if err != nil {
		return fmt.Errorf("put policy: %w", err)
	}
	return nil
}

func (s *SQLPolicyStore) Delete(ctx context.Context, name string) error {
	res, err := s.db.exec(ctx, `DELETE FROM mfa_policies WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("delete policy: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return policy.ErrNotFound
	}
	return nil
}

// SQLTokenStore implements token.Store. Update is a compare-and-swap on
// the version column.
type SQLTokenStore struct{ db *DB }

func NewSQLTokenStore(db *DB) *SQLTokenStore { return &SQLTokenStore{db: db} }

func (s *SQLTokenStore) Get(ctx context.Context, serial string) (*token.Record, error) {
	var (
		body    string
		version int64
	)
	err := s.db.queryRow(ctx, `SELECT version, body FROM mfa_tokens WHERE serial = ?`, serial).Scan(&version, &body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, token.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", token.ErrBackend, err)
	}
	return decodeToken(body, version)
}

func (s *SQLTokenStore) ListByOwner(ctx context.Context, owner token.Owner) ([]*token.Record, error) {
	rows, err := s.db.query(ctx, `SELECT version, body FROM mfa_tokens WHERE owner_user = ? ORDER BY serial`, owner.UserID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", token.ErrBackend, err)
	}
	defer rows.Close()
	var out []*token.Record
	for rows.Next() {
		var (
			body    string
			version int64
		)
		if err := rows.Scan(&version, &body); err != nil {
			return nil, fmt.Errorf("%w: %v", token.ErrBackend, err)
		}
		r, err := decodeToken(body, version)
		if err != nil {
			return nil, err
		}
		if token.OwnerMatches(r.Owner, owner) {
			out = append(out, r)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", token.ErrBackend, err)
	}
	return out, nil
}

func (s *SQLTokenStore) Create(ctx context.Context, r *token.Record) error {
	cp := r.Clone()
	cp.Version = 1
	body, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("%w: %v", token.ErrBackend, err)
	}
	_, err = s.db.exec(ctx, `INSERT INTO mfa_tokens (serial, type, owner_user, owner_realm, owner_resolver, version, body)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		cp.Serial, string(cp.Type), cp.Owner.UserID, cp.Owner.Realm, cp.Owner.Resolver, cp.Version, string(body))
	if err != nil {
		if isDuplicate(err) {
			return token.ErrExists
		}
		return fmt.Errorf("%w: %v", token.ErrBackend, err)
	}
	r.Version = cp.Version
	return nil
}

func (s *SQLTokenStore) Update(ctx context.Context, r *token.Record) error {
	cp := r.Clone()
	cp.Version = r.Version + 1
	body, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("%w: %v", token.ErrBackend, err)
	}
	res, err := s.db.exec(ctx, `UPDATE mfa_tokens SET type = ?, owner_user = ?, owner_realm = ?, owner_resolver = ?,
		version = ?, body = ? WHERE serial = ? AND version = ?`,
		string(cp.Type), cp.Owner.UserID, cp.Owner.Realm, cp.Owner.Resolver, cp.Version, string(body), cp.Serial, r.Version)
	if err != nil {
		return fmt.Errorf("%w: %v", token.ErrBackend, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %v", token.ErrBackend, err)
	}
	if n == 0 {
		var exists int
		err := s.db.queryRow(ctx, `SELECT 1 FROM mfa_tokens WHERE serial = ?`, r.Serial).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return token.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("%w: %v", token.ErrBackend, err)
		}
		return token.ErrVersionConflict
	}
	r.Version = cp.Version
	return nil
}

func (s *SQLTokenStore) Delete(ctx context.Context, serial string) error {
	res, err := s.db.exec(ctx, `DELETE FROM mfa_tokens WHERE serial = ?`, serial)
	if err != nil {
		return fmt.Errorf("%w: %v", token.ErrBackend, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return token.ErrNotFound
	}
	return nil
}

func decodeToken(body string, version int64) (*token.Record, error) {
	r := &token.Record{}
	if err := json.Unmarshal([]byte(body), r); err != nil {
		return nil, fmt.Errorf("%w: decode token: %v", token.ErrBackend, err)
	}
	r.Version = version
	return r, nil
}

// SQLChallengeStore implements challenge.Store. Consume runs in a
// transaction and only claims rows its own UPDATE flipped.
type SQLChallengeStore struct{ db *DB }

func NewSQLChallengeStore(db *DB) *SQLChallengeStore { return &SQLChallengeStore{db: db} }

func (s *SQLChallengeStore) Create(ctx context.Context, r *challenge.Record) error {
	_, err := s.db.exec(ctx, `INSERT INTO mfa_challenges (transaction_id, serial, payload, created_at, expires_at, consumed)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.TransactionID, r.Serial, r.Payload, r.CreatedAt.UnixNano(), r.ExpiresAt.UnixNano(), boolInt(r.Consumed))
	if err != nil {
		if isDuplicate(err) {
			return challenge.ErrExists
		}
		return fmt.Errorf("%w: %v", challenge.ErrBackend, err)
	}
	return nil
}

func (s *SQLChallengeStore) Consume(ctx context.Context, transactionID string, now time.Time) ([]*challenge.Record, error) {
	tx, err := s.db.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", challenge.ErrBackend, err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, s.db.rebind(`SELECT serial, payload, created_at, expires_at FROM mfa_challenges
		WHERE transaction_id = ? AND consumed = 0`), transactionID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", challenge.ErrBackend, err)
	}
	var candidates []*challenge.Record
	for rows.Next() {
		var created, expires int64
		r := &challenge.Record{TransactionID: transactionID}
		if err := rows.Scan(&r.Serial, &r.Payload, &created, &expires); err != nil {
			rows.Close()
			return nil, fmt.Errorf("%w: %v", challenge.ErrBackend, err)
		}
		r.CreatedAt = time.Unix(0, created).UTC()
		r.ExpiresAt = time.Unix(0, expires).UTC()
		candidates = append(candidates, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", challenge.ErrBackend, err)
	}

	claimed := make([]*challenge.Record, 0, len(candidates))
	for _, r := range candidates {
		res, err := tx.ExecContext(ctx, s.db.rebind(`UPDATE mfa_challenges SET consumed = 1
			WHERE transaction_id = ? AND serial = ? AND consumed = 0`), transactionID, r.Serial)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", challenge.ErrBackend, err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			r.Consumed = true
			claimed = append(claimed, r)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: %v", challenge.ErrBackend, err)
	}
	return challenge.Claim(claimed, now)
}

func (s *SQLChallengeStore) Sweep(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.exec(ctx, `DELETE FROM mfa_challenges WHERE consumed = 1 OR expires_at <= ?`, now.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("%w: %v", challenge.ErrBackend, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
