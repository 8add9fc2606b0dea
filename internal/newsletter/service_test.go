package newsletter

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"

	"github.com/ignite/newsletter-service/internal/idempotency"
	"github.com/ignite/newsletter-service/internal/subscriber"
)

type staticLister struct {
	subs []*subscriber.Subscriber
	err  error
}

func (s *staticLister) ListConfirmed(context.Context, *sql.Tx) ([]*subscriber.Subscriber, error) {
	return s.subs, s.err
}

func confirmedSubs(n int) []*subscriber.Subscriber {
	subs := make([]*subscriber.Subscriber, n)
	for i := range subs {
		subs[i] = &subscriber.Subscriber{
			ID:     uuid.New(),
			Email:  "sub@example.com",
			Status: subscriber.StatusConfirmed,
		}
	}
	return subs
}

func validRequest() PublishRequest {
	return PublishRequest{
		Title:          "Hi",
		HTMLContent:    "<p>hi</p>",
		TextContent:    "hi",
		IdempotencyKey: "k1",
	}
}

func TestPublishEnqueuesOneTaskPerConfirmedSubscriber(t *testing.T) {
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
	mock.ExpectExec("INSERT INTO newsletter_issues").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectPrepare("INSERT INTO delivery_tasks")
	mock.ExpectExec("INSERT INTO delivery_tasks").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO delivery_tasks").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO delivery_tasks").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE idempotency_ledger").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	svc := NewService(NewStore(db), idempotency.NewLedger(db), &staticLister{subs: confirmedSubs(3)})

	resp, err := svc.Publish(context.Background(), userID, validRequest())
	if err != nil {
		t.Fatalf("Publish() error: %v", err)
	}
	if resp.StatusCode != http.StatusSeeOther {
		t.Errorf("status = %d, want 303", resp.StatusCode)
	}
	if got := resp.Headers.Get("Location"); got != "/admin/newsletter" {
		t.Errorf("Location = %q", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPublishReplaySkipsSideEffects(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	userID := uuid.New()
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO idempotency_ledger").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()
	mock.ExpectQuery("SELECT response_status_code").
		WillReturnRows(sqlmock.NewRows([]string{"response_status_code", "response_headers", "response_body"}).
			AddRow(303, []byte(`{"Location":["/admin/newsletter"]}`), []byte(acceptedBody)))

	svc := NewService(NewStore(db), idempotency.NewLedger(db), &staticLister{subs: confirmedSubs(3)})

	resp, err := svc.Publish(context.Background(), userID, validRequest())
	if err != nil {
		t.Fatalf("Publish() error: %v", err)
	}
	if string(resp.Body) != acceptedBody {
		t.Errorf("replayed body = %q", resp.Body)
	}
	// No issue insert, no task inserts: everything above is the full
	// expectation set for the replay path.
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unexpected writes on replay: %v", err)
	}
}

func TestPublishValidation(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	svc := NewService(NewStore(db), idempotency.NewLedger(db), &staticLister{})

	cases := []PublishRequest{
		{HTMLContent: "<p>hi</p>", TextContent: "hi", IdempotencyKey: "k"},
		{Title: "Hi", TextContent: "hi", IdempotencyKey: "k"},
		{Title: "Hi", HTMLContent: "<p>hi</p>", IdempotencyKey: "k"},
	}
	for _, req := range cases {
		if _, err := svc.Publish(context.Background(), uuid.New(), req); !errors.Is(err, ErrInvalidIssue) {
			t.Errorf("Publish(%+v) err = %v, want ErrInvalidIssue", req, err)
		}
	}

	req := validRequest()
	req.IdempotencyKey = ""
	if _, err := svc.Publish(context.Background(), uuid.New(), req); !errors.Is(err, idempotency.ErrInvalidKey) {
		t.Errorf("missing key err = %v, want ErrInvalidKey", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("database touched for invalid input: %v", err)
	}
}

func TestPublishStorageFailureRollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO idempotency_ledger").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO newsletter_issues").
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	svc := NewService(NewStore(db), idempotency.NewLedger(db), &staticLister{subs: confirmedSubs(1)})

	if _, err := svc.Publish(context.Background(), uuid.New(), validRequest()); err == nil {
		t.Error("expected storage error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPublishNoConfirmedSubscribers(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO idempotency_ledger").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO newsletter_issues").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE idempotency_ledger").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	svc := NewService(NewStore(db), idempotency.NewLedger(db), &staticLister{})

	resp, err := svc.Publish(context.Background(), uuid.New(), validRequest())
	if err != nil {
		t.Fatalf("Publish() error: %v", err)
	}
	if resp.StatusCode != http.StatusSeeOther {
		t.Errorf("status = %d", resp.StatusCode)
	}
}
