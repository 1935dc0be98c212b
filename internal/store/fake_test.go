package store

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/JonMunkholm/pqrsync/internal/core"
)

// fakeRow scans a single int64 or returns err.
type fakeRow struct {
	id  int64
	err error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if p, ok := dest[0].(*int64); ok {
		*p = r.id
	}
	return nil
}

// fakeRowData is one stored row of the fake table.
type fakeRowData struct {
	id         int64
	submission string
}

// fakeDB simulates a single table keyed by fingerprint with a submission
// column. Hooks let tests inject failures per operation.
type fakeDB struct {
	mu      sync.Mutex
	rows    map[string]fakeRowData
	nextID  int64
	ddl     []string
	commits int
	updates int

	execErr   func(sql string) error
	lookupErr func() error
	insertErr func() error
	commitErr func() error
	// raceInsert makes the insert observe a conflicting concurrent write.
	raceInsert bool
}

func newFakeDB() *fakeDB {
	return &fakeDB{rows: make(map[string]fakeRowData)}
}

func (db *fakeDB) Begin(ctx context.Context) (pgx.Tx, error) {
	return &fakeTx{db: db, pending: make(map[string]fakeRowData), rekey: make(map[int64]string)}, nil
}

func (db *fakeDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.execErr != nil {
		if err := db.execErr(sql); err != nil {
			return pgconn.CommandTag{}, err
		}
	}
	db.ddl = append(db.ddl, sql)
	return pgconn.NewCommandTag("CREATE"), nil
}

func (db *fakeDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	db.mu.Lock()
	defer db.mu.Unlock()
	return fakeRow{id: int64(len(db.rows))}
}

func (db *fakeDB) Ping(ctx context.Context) error { return nil }

func (db *fakeDB) count() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return len(db.rows)
}

// withSubmission counts stored rows carrying submission.
func (db *fakeDB) withSubmission(submission string) int {
	db.mu.Lock()
	defer db.mu.Unlock()
	n := 0
	for _, r := range db.rows {
		if r.submission == submission {
			n++
		}
	}
	return n
}

// fakeTx embeds pgx.Tx so only the methods the loader calls need bodies.
type fakeTx struct {
	pgx.Tx
	db      *fakeDB
	pending map[string]fakeRowData
	rekey   map[int64]string
	done    bool
}

// rowArgs extracts the fingerprint and submission number from insert or
// update arguments. The submission field is the first column of testDef.
func rowArgs(args []any) (fp, submission string) {
	if t, ok := args[0].(pgtype.Text); ok {
		submission = t.String
	}
	for _, a := range args {
		if s, ok := a.(string); ok {
			return s, submission
		}
	}
	return "", submission
}

func (tx *fakeTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	tx.db.mu.Lock()
	defer tx.db.mu.Unlock()

	if strings.HasPrefix(sql, "SELECT") {
		if tx.db.lookupErr != nil {
			if err := tx.db.lookupErr(); err != nil {
				return fakeRow{err: err}
			}
		}
		fp, submission := args[0].(string), args[1].(string)
		if r, ok := tx.db.rows[fp]; ok {
			return fakeRow{id: r.id}
		}
		if submission != "" {
			for _, r := range tx.db.rows {
				if r.submission == submission {
					return fakeRow{id: r.id}
				}
			}
		}
		return fakeRow{err: pgx.ErrNoRows}
	}

	if tx.db.insertErr != nil {
		if err := tx.db.insertErr(); err != nil {
			return fakeRow{err: err}
		}
	}
	if tx.db.raceInsert {
		return fakeRow{err: pgx.ErrNoRows}
	}
	fp, submission := rowArgs(args)
	if _, ok := tx.db.rows[fp]; ok {
		return fakeRow{err: pgx.ErrNoRows}
	}
	tx.db.nextID++
	tx.pending[fp] = fakeRowData{id: tx.db.nextID, submission: submission}
	return fakeRow{id: tx.db.nextID}
}

func (tx *fakeTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	fp, _ := rowArgs(args)
	tx.rekey[args[len(args)-1].(int64)] = fp
	return pgconn.NewCommandTag("UPDATE 1"), nil
}

func (tx *fakeTx) Commit(ctx context.Context) error {
	tx.db.mu.Lock()
	defer tx.db.mu.Unlock()
	if tx.db.commitErr != nil {
		if err := tx.db.commitErr(); err != nil {
			return err
		}
	}
	for k, v := range tx.pending {
		tx.db.rows[k] = v
	}
	for id, fp := range tx.rekey {
		for k, r := range tx.db.rows {
			if r.id == id {
				delete(tx.db.rows, k)
				tx.db.rows[fp] = r
				break
			}
		}
		tx.db.updates++
	}
	tx.db.commits++
	tx.done = true
	return nil
}

func (tx *fakeTx) Rollback(ctx context.Context) error {
	tx.pending = nil
	tx.rekey = nil
	return nil
}

func testPolicy() core.RetryPolicy {
	return core.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func testDef() core.CompanyDefinition {
	return core.CompanyDefinition{
		Company:         core.CompanyAfinia,
		Table:           "pqr_afinia",
		SubmissionField: "numero_radicado",
		BusinessField:   "nic",
		DateField:       "fecha_radicacion",
		FieldSpecs: []core.FieldSpec{
			{Name: "numero_radicado", Type: core.FieldNumericID, Required: true},
			{Name: "nic", Type: core.FieldNumericID, Required: true},
			{Name: "fecha_radicacion", Type: core.FieldDate, Required: true},
			{Name: "descripcion", Type: core.FieldText},
		},
	}
}

func testRecord(radicado string) core.Record {
	return core.Record{
		Company:    core.CompanyAfinia,
		SourceFile: "inbox/afinia/" + radicado + ".json",
		Fields: map[string]string{
			"numero_radicado":  radicado,
			"nic":              "7654321",
			"fecha_radicacion": "2024-03-05",
			"descripcion":      "Cobro no reconocido",
		},
	}
}

func mustFingerprint(t *testing.T, def core.CompanyDefinition, rec core.Record) core.Fingerprint {
	t.Helper()
	fp, err := core.ComputeFingerprint(def, rec)
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	return fp
}
