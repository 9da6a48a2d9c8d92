package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/crossclip/crossclip/backend/internal/broker"
	"github.com/crossclip/crossclip/backend/internal/clock"
	"github.com/crossclip/crossclip/backend/internal/store"
)

func newBeatFixture(t *testing.T) (*Scheduler, sqlmock.Sqlmock, time.Time) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewVirtual(now)
	st := store.New(db, clk)
	jobs := broker.NewPostgres(db, clk)
	return New(st, jobs, clk, 30*time.Second), mock, now
}

func expectEmptyRound(mock sqlmock.Sqlmock, table, columns string) {
	mock.ExpectBegin()
	mock.ExpectQuery("FROM " + table).WillReturnRows(sqlmock.NewRows(splitColumns(columns)))
	mock.ExpectCommit()
}

func splitColumns(cols string) []string {
	switch cols {
	case "schedules":
		return []string{"id", "user_id", "video_id", "platforms", "post_config",
			"scheduled_at", "state", "created_at", "updated_at"}
	default:
		return []string{"id", "user_id", "video_id", "platforms", "post_config", "cadence",
			"caption_variants", "variant_cursor", "state", "next_occurrence", "created_at", "updated_at"}
	}
}

func videoRow(now time.Time) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "user_id", "title", "storage_key", "container", "codec",
		"duration_ms", "width", "height", "size_bytes", "upload_status", "caption", "tags",
		"created_at", "updated_at"}).
		AddRow("v1", "u1", "clip", "videos/u1/v1.mp4", "mp4", "h264",
			30_000, 1080, 1920, 5_000_000, "ready", "default caption", "{fun}", now, now)
}

func TestBeatNothingDue(t *testing.T) {
	s, mock, _ := newBeatFixture(t)
	expectEmptyRound(mock, "schedules", "schedules")
	expectEmptyRound(mock, "recurring_schedules", "recurring")

	s.Beat(context.Background())

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestBeatSelectsHalfATickAhead(t *testing.T) {
	// Tick is 30s, so the due cutoff sits 15s past now; a schedule landing
	// just after this beat fires on it instead of one beat late.
	s, mock, now := newBeatFixture(t)
	horizon := now.Add(15 * time.Second)

	mock.ExpectBegin()
	mock.ExpectQuery("FROM schedules").
		WithArgs(horizon, 1).
		WillReturnRows(sqlmock.NewRows(splitColumns("schedules")))
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectQuery("FROM recurring_schedules").
		WithArgs(horizon, 1).
		WillReturnRows(sqlmock.NewRows(splitColumns("recurring")))
	mock.ExpectCommit()

	s.Beat(context.Background())

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestBeatFiresOneShotSchedule(t *testing.T) {
	s, mock, now := newBeatFixture(t)

	mock.ExpectBegin()
	mock.ExpectQuery("FROM schedules").
		WillReturnRows(sqlmock.NewRows(splitColumns("schedules")).
			AddRow("sc1", "u1", "v1", "{TIKTOK,YOUTUBE}",
				[]byte(`{"TIKTOK":{"caption":"Custom","hashtags":["go"]}}`),
				now.Add(-time.Minute), "PENDING", now.Add(-time.Hour), now.Add(-time.Hour)))
	mock.ExpectQuery("FROM videos").WillReturnRows(videoRow(now))
	mock.ExpectExec("INSERT INTO multi_posts").WillReturnResult(sqlmock.NewResult(0, 1))
	// TikTok post carries the per-platform caption override.
	mock.ExpectExec("INSERT INTO posts").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "u1", "v1", "TIKTOK", "PENDING",
			"Custom", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO jobs").WillReturnResult(sqlmock.NewResult(0, 1))
	// YouTube has no override and falls back to the video caption.
	mock.ExpectExec("INSERT INTO posts").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "u1", "v1", "YOUTUBE", "PENDING",
			"default caption", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO jobs").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE schedules SET state = 'FIRED'").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	expectEmptyRound(mock, "schedules", "schedules")
	expectEmptyRound(mock, "recurring_schedules", "recurring")

	s.Beat(context.Background())

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestBeatFiresRecurringSchedule(t *testing.T) {
	s, mock, now := newBeatFixture(t)

	expectEmptyRound(mock, "schedules", "schedules")

	mock.ExpectBegin()
	mock.ExpectQuery("FROM recurring_schedules").
		WillReturnRows(sqlmock.NewRows(splitColumns("recurring")).
			AddRow("rs1", "u1", "v1", "{TIKTOK}", []byte(`{}`),
				[]byte(`{"kind":"daily","minuteOfDay":720}`),
				"{first,second,third}", 1, "ACTIVE", now.Add(-time.Minute),
				now.Add(-48*time.Hour), now.Add(-24*time.Hour)))
	mock.ExpectQuery("FROM videos").WillReturnRows(videoRow(now))
	mock.ExpectExec("INSERT INTO multi_posts").WillReturnResult(sqlmock.NewResult(0, 1))
	// Cursor 1 selects the second caption variant.
	mock.ExpectExec("INSERT INTO posts").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "u1", "v1", "TIKTOK", "PENDING",
			"second", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO jobs").WillReturnResult(sqlmock.NewResult(0, 1))
	// Next occurrence anchors on the fired one: 11:59 today → 12:00 today.
	mock.ExpectExec("UPDATE recurring_schedules").
		WithArgs("rs1", time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	expectEmptyRound(mock, "recurring_schedules", "recurring")

	s.Beat(context.Background())

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestBeatRollsBackWhenVideoMissing(t *testing.T) {
	s, mock, now := newBeatFixture(t)

	mock.ExpectBegin()
	mock.ExpectQuery("FROM schedules").
		WillReturnRows(sqlmock.NewRows(splitColumns("schedules")).
			AddRow("sc1", "u1", "v-gone", "{TIKTOK}", []byte(`{}`),
				now.Add(-time.Minute), "PENDING", now, now))
	mock.ExpectQuery("FROM videos").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectRollback()
	expectEmptyRound(mock, "recurring_schedules", "recurring")

	// The schedule stays due but the beat stops instead of spinning.
	s.Beat(context.Background())

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}
