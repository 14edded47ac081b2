package stores

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/MrEthical07/goMFA/challenge"
	"github.com/MrEthical07/goMFA/policy"
	"github.com/MrEthical07/goMFA/token"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenDB(context.Background(), "sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestRebindPostgres(t *testing.T) {
	d := &DB{dialect: DialectPostgres}
	got := d.rebind("SELECT a FROM t WHERE x = ? AND y = ?")
	if got != "SELECT a FROM t WHERE x = $1 AND y = $2" {
		t.Fatalf("unexpected rebind: %s", got)
	}
	d.dialect = DialectSQLite
	if got := d.rebind("x = ?"); got != "x = ?" {
		t.Fatalf("sqlite must keep placeholders: %s", got)
	}
	if _, err := DialectFor("mysql"); err == nil {
		t.Fatalf("expected unsupported driver error")
	}
}

func TestSQLPolicyStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewSQLPolicyStore(newTestDB(t))

	p := &policy.Policy{
		Name:     "auth1",
		Scope:    policy.ScopeAuth,
		Priority: 2,
		Active:   true,
		Realms:   []string{"corp"},
		Action: map[string]policy.Value{
			policy.ActionOTPPin:            policy.Text("tokenpin"),
			policy.ActionAutoResync:        policy.Bool(true),
			policy.ActionChallengeResponse: policy.List("hotp", "sms"),
		},
	}
	if err := s.Put(ctx, p); err != nil {
		t.Fatalf("put: %v", err)
	}
	inactive := &policy.Policy{Name: "off", Scope: policy.ScopeAuth, Priority: 1, Action: map[string]policy.Value{policy.ActionPassOnNoUser: policy.Bool(true)}}
	if err := s.Put(ctx, inactive); err != nil {
		t.Fatalf("put inactive: %v", err)
	}

	got, err := s.Get(ctx, "auth1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if v, _ := got.Action[policy.ActionChallengeResponse].AsList(); len(v) != 2 || v[1] != "sms" {
		t.Fatalf("unexpected list action: %v", v)
	}
	if !got.Action[policy.ActionAutoResync].Equal(policy.Bool(true)) {
		t.Fatalf("bool action lost")
	}

	active, err := s.ListActive(ctx, policy.ScopeAuth)
	if err != nil || len(active) != 1 || active[0].Name != "auth1" {
		t.Fatalf("list active: %v %v", active, err)
	}
	all, err := s.List(ctx)
	if err != nil || len(all) != 2 || all[0].Name != "auth1" {
		t.Fatalf("list: %v %v", all, err)
	}

	p.Active = false
	if err := s.Put(ctx, p); err != nil {
		t.Fatalf("replace: %v", err)
	}
	if active, _ := s.ListActive(ctx, ""); len(active) != 0 {
		t.Fatalf("expected no active policies, got %d", len(active))
	}

	if err := s.Delete(ctx, "auth1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get(ctx, "auth1"); !errors.Is(err, policy.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.Delete(ctx, "auth1"); !errors.Is(err, policy.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
	if err := s.Put(ctx, &policy.Policy{Name: "bad name", Scope: policy.ScopeAuth, Priority: 1}); !errors.Is(err, policy.ErrInvalidPolicy) {
		t.Fatalf("expected ErrInvalidPolicy, got %v", err)
	}
}

func TestSQLTokenStoreCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	s := NewSQLTokenStore(newTestDB(t))
	owner := token.Owner{UserID: "alice", Realm: "corp", Resolver: "ldap"}

	r := &token.Record{Serial: "OATH0001", Type: token.TypeHOTP, OTPLen: 6, Counter: 3, Active: true, Owner: owner, Info: map[string]string{"k": "v"}}
	if err := s.Create(ctx, r); err != nil {
		t.Fatalf("create: %v", err)
	}
	if r.Version != 1 {
		t.Fatalf("expected version 1, got %d", r.Version)
	}
	if err := s.Create(ctx, r); !errors.Is(err, token.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}

	a, err := s.Get(ctx, "OATH0001")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	b, _ := s.Get(ctx, "OATH0001")
	a.Counter = 4
	if err := s.Update(ctx, a); err != nil {
		t.Fatalf("update: %v", err)
	}
	if a.Version != 2 {
		t.Fatalf("expected version 2, got %d", a.Version)
	}
	b.FailCount = 1
	if err := s.Update(ctx, b); !errors.Is(err, token.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}

	stored, _ := s.Get(ctx, "OATH0001")
	if stored.Counter != 4 || stored.FailCount != 0 || stored.Info["k"] != "v" {
		t.Fatalf("unexpected stored record: %+v", stored)
	}

	list, err := s.ListByOwner(ctx, token.Owner{UserID: "alice", Realm: "CORP"})
	if err != nil || len(list) != 1 {
		t.Fatalf("list by owner: %v %v", list, err)
	}
	if list, _ := s.ListByOwner(ctx, token.Owner{UserID: "alice", Realm: "other"}); len(list) != 0 {
		t.Fatalf("realm filter ignored")
	}

	if err := s.Delete(ctx, "OATH0001"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.Update(ctx, stored); !errors.Is(err, token.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSQLTokenStoreUpdateConflictMock(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer sqlDB.Close()
	s := NewSQLTokenStore(NewDB(sqlDB, DialectPostgres))

	mock.ExpectExec(`UPDATE mfa_tokens SET`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT 1 FROM mfa_tokens WHERE serial = \$1`).WithArgs("OATH9").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(1))

	err = s.Update(context.Background(), &token.Record{Serial: "OATH9", Type: token.TypeHOTP, Version: 7})
	if !errors.Is(err, token.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSQLTokenStoreBackendErrorMock(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer sqlDB.Close()
	s := NewSQLTokenStore(NewDB(sqlDB, DialectPostgres))

	mock.ExpectQuery(`SELECT version, body FROM mfa_tokens`).WillReturnError(errors.New("connection reset"))
	if _, err := s.Get(context.Background(), "OATH9"); !errors.Is(err, token.ErrBackend) {
		t.Fatalf("expected ErrBackend, got %v", err)
	}
}

func TestSQLChallengeStoreConsumeAndSweep(t *testing.T) {
	ctx := context.Background()
	s := NewSQLChallengeStore(newTestDB(t))
	now := time.Unix(1_700_000_000, 0).UTC()

	for _, serial := range []string{"PISM2", "PISM1"} {
		err := s.Create(ctx, &challenge.Record{TransactionID: "tx1", Serial: serial, Payload: "5", CreatedAt: now, ExpiresAt: now.Add(time.Minute)})
		if err != nil {
			t.Fatalf("create %s: %v", serial, err)
		}
	}
	if err := s.Create(ctx, &challenge.Record{TransactionID: "tx1", Serial: "PISM1", CreatedAt: now, ExpiresAt: now}); !errors.Is(err, challenge.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}

	got, err := s.Consume(ctx, "tx1", now.Add(time.Second))
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if len(got) != 2 || got[0].Serial != "PISM1" || got[0].Payload != "5" || !got[0].ExpiresAt.Equal(now.Add(time.Minute)) {
		t.Fatalf("unexpected claim: %+v", got)
	}
	if _, err := s.Consume(ctx, "tx1", now); !errors.Is(err, challenge.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on replay, got %v", err)
	}

	if err := s.Create(ctx, &challenge.Record{TransactionID: "tx2", Serial: "PIEM1", CreatedAt: now, ExpiresAt: now.Add(time.Second)}); err != nil {
		t.Fatalf("create tx2: %v", err)
	}
	if _, err := s.Consume(ctx, "tx2", now.Add(time.Minute)); !errors.Is(err, challenge.ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}

	if err := s.Create(ctx, &challenge.Record{TransactionID: "tx3", Serial: "PIEM1", CreatedAt: now, ExpiresAt: now.Add(time.Second)}); err != nil {
		t.Fatalf("create tx3: %v", err)
	}
	n, err := s.Sweep(ctx, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 4 {
		t.Fatalf("expected 4 swept rows, got %d", n)
	}
}
