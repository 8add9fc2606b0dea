package idempotency

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
)

func TestParseKey(t *testing.T) {
	if _, err := ParseKey("k1"); err != nil {
		t.Errorf("valid key rejected: %v", err)
	}
	if _, err := ParseKey(""); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("empty key: err = %v", err)
	}
	if _, err := ParseKey(strings.Repeat("x", 51)); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("oversized key: err = %v", err)
	}
}

func TestTryProcessingFirstRequest(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	userID := uuid.New()
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO idempotency_ledger").
		WithArgs(userID, "k1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	ledger := NewLedger(db)
	tx, saved, err := ledger.TryProcessing(context.Background(), userID, "k1")
	if err != nil {
		t.Fatalf("TryProcessing() error: %v", err)
	}
	if tx == nil {
		t.Fatal("expected a transaction for the first request")
	}
	if saved != nil {
		t.Error("unexpected saved response for the first request")
	}
	tx.Rollback()
}

func TestTryProcessingReplaysSavedResponse(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	userID := uuid.New()
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO idempotency_ledger").
		WithArgs(userID, "k1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()
	mock.ExpectQuery("SELECT response_status_code").
		WithArgs(userID, "k1").
		WillReturnRows(sqlmock.NewRows([]string{"response_status_code", "response_headers", "response_body"}).
			AddRow(303, []byte(`{"Location":["/admin/newsletter"]}`), []byte("accepted")))

	ledger := NewLedger(db)
	tx, saved, err := ledger.TryProcessing(context.Background(), userID, "k1")
	if err != nil {
		t.Fatalf("TryProcessing() error: %v", err)
	}
	if tx != nil {
		t.Error("unexpected transaction on replay")
	}
	if saved == nil {
		t.Fatal("expected saved response")
	}
	if saved.StatusCode != 303 {
		t.Errorf("status = %d, want 303", saved.StatusCode)
	}
	if got := saved.Headers.Get("Location"); got != "/admin/newsletter" {
		t.Errorf("Location = %q", got)
	}
	if string(saved.Body) != "accepted" {
		t.Errorf("body = %q", saved.Body)
	}
}

func TestSaveResponse(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	userID := uuid.New()
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE idempotency_ledger").
		WithArgs(userID, "k1", 303, sqlmock.AnyArg(), []byte("accepted")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	tx, _ := db.Begin()
	ledger := NewLedger(db)

	resp := &SavedResponse{
		StatusCode: 303,
		Headers:    http.Header{"Location": []string{"/admin/newsletter"}},
		Body:       []byte("accepted"),
	}
	if err := ledger.SaveResponse(context.Background(), tx, userID, "k1", resp); err != nil {
		t.Fatalf("SaveResponse() error: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestSaveResponseMissingLedgerRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE idempotency_ledger").
		WillReturnResult(sqlmock.NewResult(0, 0))

	tx, _ := db.Begin()
	ledger := NewLedger(db)

	err = ledger.SaveResponse(context.Background(), tx, uuid.New(), "k1", &SavedResponse{StatusCode: 200})
	if err == nil {
		t.Error("expected error when the ledger row is missing")
	}
}
