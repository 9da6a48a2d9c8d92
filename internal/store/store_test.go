package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/crossclip/crossclip/backend/internal/clock"
)

func newStoreFixture(t *testing.T) (*Store, sqlmock.Sqlmock, time.Time) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	return New(db, clock.NewVirtual(now)), mock, now
}

func TestMarkPostProcessingTerminalReturnsNotFound(t *testing.T) {
	st, mock, _ := newStoreFixture(t)
	mock.ExpectQuery("UPDATE posts").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := st.MarkPostProcessing(context.Background(), "p1")
	if err != ErrNotFound {
		t.Fatalf("expected ErrNotFound for a settled post, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestMarkPostPostedRequiresProcessing(t *testing.T) {
	st, mock, _ := newStoreFixture(t)
	mock.ExpectExec("UPDATE posts").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := st.MarkPostPosted(context.Background(), "p1", "ext-1", "https://example.com/ext-1")
	if err != ErrNotFound {
		t.Fatalf("expected ErrNotFound when the post is not PROCESSING, got %v", err)
	}
}

func TestLastPostedAtNoHistory(t *testing.T) {
	st, mock, _ := newStoreFixture(t)
	mock.ExpectQuery(`SELECT MAX\(posted_at\)`).
		WithArgs("u1", "TIKTOK", "v1").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(nil))

	at, err := st.LastPostedAt(context.Background(), "u1", "TIKTOK", "v1")
	if err != nil {
		t.Fatalf("LastPostedAt: %v", err)
	}
	if at != nil {
		t.Fatalf("no history must return nil, got %v", at)
	}
}

func TestLastPostedAtReturnsUTC(t *testing.T) {
	st, mock, now := newStoreFixture(t)
	local := now.In(time.FixedZone("X", 3*3600))
	mock.ExpectQuery(`SELECT MAX\(posted_at\)`).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(local))

	at, err := st.LastPostedAt(context.Background(), "u1", "TIKTOK", "v1")
	if err != nil {
		t.Fatalf("LastPostedAt: %v", err)
	}
	if at == nil || !at.Equal(now) || at.Location() != time.UTC {
		t.Fatalf("got %v, want %v in UTC", at, now)
	}
}

func TestCancelPostOnlyPending(t *testing.T) {
	st, mock, _ := newStoreFixture(t)
	mock.ExpectExec("UPDATE posts SET status = 'CANCELED'").
		WithArgs("p1", "u1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := st.CancelPost(context.Background(), "p1", "u1"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound for a non-pending post, got %v", err)
	}
}

func TestGetVideoNotFound(t *testing.T) {
	st, mock, _ := newStoreFixture(t)
	mock.ExpectQuery("FROM videos").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	if _, err := st.GetVideo(context.Background(), "v1", "u1"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestWithTxRollsBackOnError(t *testing.T) {
	st, mock, _ := newStoreFixture(t)
	mock.ExpectBegin()
	mock.ExpectRollback()

	sentinel := ErrNotFound
	err := st.WithTx(context.Background(), func(tx *Store) error { return sentinel })
	if err != sentinel {
		t.Fatalf("got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestWithTxRejectsNesting(t *testing.T) {
	st, mock, _ := newStoreFixture(t)
	mock.ExpectBegin()
	mock.ExpectRollback()

	err := st.WithTx(context.Background(), func(tx *Store) error {
		return tx.WithTx(context.Background(), func(*Store) error { return nil })
	})
	if err == nil {
		t.Fatal("nested WithTx must fail")
	}
}
