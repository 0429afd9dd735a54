package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-scraper/internal/scrape"
)

func newMockStore(t *testing.T) (*JobStore, pgxmock.PgxPoolIface, time.Time) {
	t.Helper()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	store, err := NewJobStoreWithPool(mock, "")
	require.NoError(t, err)
	now := time.Unix(1700000000, 0).UTC()
	store.now = func() time.Time { return now }
	return store, mock, now
}

func TestCreateJobInsertsRow(t *testing.T) {
	t.Parallel()

	store, mock, now := newMockStore(t)
	rec := scrape.JobRecord{ID: "job-1", Kind: scrape.JobKindNews, UserID: "u1", URL: "https://news.example/a"}

	mock.ExpectExec("INSERT INTO scrape_jobs").
		WithArgs("job-1", "news", "u1", "https://news.example/a", "queued", "", now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.CreateJob(context.Background(), rec))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateJobDuplicate(t *testing.T) {
	t.Parallel()

	store, mock, now := newMockStore(t)
	mock.ExpectExec("INSERT INTO scrape_jobs").
		WithArgs("job-1", "news", "u1", "https://news.example/a", "queued", "", now).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	err := store.CreateJob(context.Background(), scrape.JobRecord{ID: "job-1", Kind: scrape.JobKindNews, UserID: "u1", URL: "https://news.example/a"})
	require.ErrorIs(t, err, scrape.ErrJobExists)
}

func TestUpdateJobStatusStampsTimes(t *testing.T) {
	t.Parallel()

	store, mock, now := newMockStore(t)
	var nilTime *time.Time

	mock.ExpectExec("UPDATE scrape_jobs SET").
		WithArgs("job-1", "running", "", &now, nilTime).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE scrape_jobs SET").
		WithArgs("job-1", "failed", "navigation timed out", nilTime, &now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, store.UpdateJobStatus(context.Background(), "job-1", scrape.JobStatusRunning, ""))
	require.NoError(t, store.UpdateJobStatus(context.Background(), "job-1", scrape.JobStatusFailed, "navigation timed out"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateJobStatusMissing(t *testing.T) {
	t.Parallel()

	store, mock, _ := newMockStore(t)
	mock.ExpectExec("UPDATE scrape_jobs SET").
		WithArgs("missing", "running", "", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := store.UpdateJobStatus(context.Background(), "missing", scrape.JobStatusRunning, "")
	require.ErrorIs(t, err, scrape.ErrJobNotFound)
}

func TestGetJob(t *testing.T) {
	t.Parallel()

	store, mock, now := newMockStore(t)
	started := now.Add(time.Second)
	var finished *time.Time
	rows := mock.NewRows([]string{"job_id", "job_kind", "user_id", "url", "status", "error_text", "submitted_at", "started_at", "finished_at"}).
		AddRow("job-1", "wikipedia", "u1", "https://en.wikipedia.org/wiki/Go", "running", "", now, &started, finished)
	mock.ExpectQuery("SELECT job_id").WithArgs("job-1").WillReturnRows(rows)

	rec, err := store.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, scrape.JobKindWikipedia, rec.Kind)
	require.Equal(t, scrape.JobStatusRunning, rec.Status)
	require.Equal(t, now, rec.Submitted)
	require.NotNil(t, rec.Started)
	require.Equal(t, started, *rec.Started)
	require.Nil(t, rec.Finished)
}

func TestGetJobMissing(t *testing.T) {
	t.Parallel()

	store, mock, _ := newMockStore(t)
	mock.ExpectQuery("SELECT job_id").WithArgs("nope").WillReturnError(pgx.ErrNoRows)

	_, err := store.GetJob(context.Background(), "nope")
	require.ErrorIs(t, err, scrape.ErrJobNotFound)
}

func TestNewJobStoreWithPoolValidation(t *testing.T) {
	t.Parallel()

	_, err := NewJobStoreWithPool(nil, "jobs")
	require.Error(t, err)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	_, err = NewJobStoreWithPool(mock, "jobs; DROP TABLE x")
	require.Error(t, err)
}

func TestEnsureSchema(t *testing.T) {
	t.Parallel()

	store, mock, _ := newMockStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS scrape_jobs").WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, store.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}
