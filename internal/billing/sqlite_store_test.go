package billing

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/rs/zerolog"
)

func nopLogger() zerolog.Logger { return zerolog.Nop() }

func newMockSQLiteStore(t *testing.T) (*SQLiteStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS bills").WillReturnResult(sqlmock.NewResult(0, 0))
	store, err := NewSQLiteStoreFromDB(context.Background(), db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store, mock
}

func TestSQLiteStoreInsertsInTransaction(t *testing.T) {
	store, mock := newMockSQLiteStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT record FROM bills WHERE id = \?`).
		WithArgs("BILL-1").
		WillReturnRows(sqlmock.NewRows([]string{"record"}))
	mock.ExpectExec("INSERT INTO bills").
		WithArgs("BILL-1", "pending", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	rec := BillRecord{ID: "BILL-1", Status: StatusPending, CreatedAt: time.Now().UTC()}
	err := store.Update(context.Background(), "BILL-1", func(current *BillRecord) (*BillRecord, error) {
		if current != nil {
			t.Fatalf("expected no current record, got %+v", current)
		}
		return &rec, nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSQLiteStoreRollsBackWhenUpdateRefuses(t *testing.T) {
	store, mock := newMockSQLiteStore(t)

	existing, err := json.Marshal(BillRecord{
		ID:                 "BILL-2",
		Status:             StatusCompleted,
		PaymentInstruction: Instruction{BillID: "BILL-2", Status: StatusCompleted},
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT record FROM bills WHERE id = \?`).
		WithArgs("BILL-2").
		WillReturnRows(sqlmock.NewRows([]string{"record"}).AddRow(string(existing)))
	mock.ExpectRollback()

	ledger := NewLedger(store, nopLogger())
	_, err = ledger.Create(context.Background(), newBill(t, "BILL-2", "1"))
	if !errors.Is(err, ErrDuplicateBillID) {
		t.Fatalf("expected ErrDuplicateBillID, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSQLiteStoreGetMissing(t *testing.T) {
	store, mock := newMockSQLiteStore(t)
	mock.ExpectQuery(`SELECT record FROM bills WHERE id = \?`).
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows([]string{"record"}))

	got, err := store.Get(context.Background(), "nope")
	if err != nil || got != nil {
		t.Fatalf("expected nil record, got %+v, %v", got, err)
	}
}
