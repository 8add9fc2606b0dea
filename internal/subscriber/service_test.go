package subscriber

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/ignite/newsletter-service/internal/email"
	"github.com/ignite/newsletter-service/internal/token"
)

type fakeSender struct {
	sent []*email.Message
	err  error
}

func (f *fakeSender) Send(_ context.Context, msg *email.Message) (*email.Result, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.sent = append(f.sent, msg)
	return &email.Result{MessageID: "msg-1", SentAt: time.Now()}, nil
}

func newTestService(t *testing.T, sender email.Sender) (*Service, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	svc := NewService(db, token.NewIssuer(), sender, email.NewTemplateService(), "http://localhost:8080")
	return svc, mock, db
}

func TestSubscribeHappyPath(t *testing.T) {
	sender := &fakeSender{}
	svc, mock, db := newTestService(t, sender)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO subscribers").
		WithArgs(sqlmock.AnyArg(), "a@x.com", "A", StatusPendingConfirmation, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO confirmation_tokens").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	id, err := svc.Subscribe(context.Background(), "a@x.com", "A")
	if err != nil {
		t.Fatalf("Subscribe() error: %v", err)
	}
	if id == uuid.Nil {
		t.Error("Subscribe() returned nil id")
	}

	if len(sender.sent) != 1 {
		t.Fatalf("sent %d emails, want 1", len(sender.sent))
	}
	if sender.sent[0].To != "a@x.com" {
		t.Errorf("confirmation sent to %q", sender.sent[0].To)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestSubscribeInvalidInputNoWrites(t *testing.T) {
	sender := &fakeSender{}
	svc, mock, db := newTestService(t, sender)
	defer db.Close()

	if _, err := svc.Subscribe(context.Background(), "not-an-email", "A"); !errors.Is(err, ErrInvalidEmail) {
		t.Errorf("err = %v, want ErrInvalidEmail", err)
	}
	if _, err := svc.Subscribe(context.Background(), "a@x.com", ""); !errors.Is(err, ErrInvalidName) {
		t.Errorf("err = %v, want ErrInvalidName", err)
	}

	if len(sender.sent) != 0 {
		t.Error("emails sent for invalid input")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("database touched for invalid input: %v", err)
	}
}

func TestSubscribeDuplicateEmail(t *testing.T) {
	svc, mock, db := newTestService(t, &fakeSender{})
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO subscribers").
		WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectRollback()

	_, err := svc.Subscribe(context.Background(), "a@x.com", "A")
	if !errors.Is(err, ErrDuplicateEmail) {
		t.Errorf("err = %v, want ErrDuplicateEmail", err)
	}
}

func TestSubscribeTransportFailureRollsBack(t *testing.T) {
	sendErr := &email.DeliveryError{Cause: errors.New("ses unavailable")}
	svc, mock, db := newTestService(t, &fakeSender{err: sendErr})
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO subscribers").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO confirmation_tokens").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectRollback()

	_, err := svc.Subscribe(context.Background(), "a@x.com", "A")
	var de *email.DeliveryError
	if !errors.As(err, &de) {
		t.Errorf("err = %v, want DeliveryError", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestConfirmHappyPath(t *testing.T) {
	svc, mock, db := newTestService(t, &fakeSender{})
	defer db.Close()

	subID := uuid.New()
	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE confirmation_tokens").
		WithArgs("tok-1").
		WillReturnRows(sqlmock.NewRows([]string{"subscriber_id"}).AddRow(subID.String()))
	mock.ExpectExec("UPDATE subscribers SET status").
		WithArgs(StatusConfirmed, subID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := svc.Confirm(context.Background(), "tok-1"); err != nil {
		t.Fatalf("Confirm() error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestConfirmConsumedToken(t *testing.T) {
	svc, mock, db := newTestService(t, &fakeSender{})
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE confirmation_tokens").
		WithArgs("used").
		WillReturnRows(sqlmock.NewRows([]string{"subscriber_id"}))
	mock.ExpectRollback()

	if err := svc.Confirm(context.Background(), "used"); !errors.Is(err, ErrTokenNotFound) {
		t.Errorf("err = %v, want ErrTokenNotFound", err)
	}
}

func TestConfirmEmptyToken(t *testing.T) {
	svc, _, db := newTestService(t, &fakeSender{})
	defer db.Close()

	if err := svc.Confirm(context.Background(), ""); !errors.Is(err, ErrTokenNotFound) {
		t.Errorf("err = %v, want ErrTokenNotFound", err)
	}
}

func TestListConfirmedSkipsInvalidStoredEmails(t *testing.T) {
	svc, mock, db := newTestService(t, &fakeSender{})
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, email, name FROM subscribers").
		WithArgs(StatusConfirmed).
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "name"}).
			AddRow(uuid.New().String(), "good@example.com", "Good").
			AddRow(uuid.New().String(), "broken-email", "Broken"))

	tx, _ := db.Begin()
	subs, err := svc.ListConfirmed(context.Background(), tx)
	if err != nil {
		t.Fatalf("ListConfirmed() error: %v", err)
	}
	if len(subs) != 1 {
		t.Fatalf("got %d subscribers, want 1", len(subs))
	}
	if subs[0].Email != "good@example.com" {
		t.Errorf("kept %q", subs[0].Email)
	}
}
