package repo_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nexus/internal/db"
	"nexus/internal/domain"
	"nexus/internal/events"
	"nexus/internal/migrate"
	"nexus/internal/repo"
)

func openRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return repo.Repo{DB: conn}
}

func inTx(t *testing.T, r repo.Repo, fn func(tx *sql.Tx)) {
	t.Helper()
	tx, err := r.DB.Begin()
	require.NoError(t, err)
	fn(tx)
	require.NoError(t, tx.Commit())
}

func TestUpsertAndListBriefs(t *testing.T) {
	ctx := context.Background()
	r := openRepo(t)

	_, err := r.GetBrief(ctx, "brief-x")
	assert.ErrorIs(t, err, repo.ErrNotFound)

	inTx(t, r, func(tx *sql.Tx) {
		require.NoError(t, r.UpsertBriefTx(ctx, tx, domain.Brief{ID: "brief-a", Title: "A", Source: "manual", Status: "queued", CreatedAt: "2025-01-01T00:00:00Z", UpdatedAt: "2025-01-01T00:00:00Z"}))
		require.NoError(t, r.UpsertBriefTx(ctx, tx, domain.Brief{ID: "brief-b", Title: "B", Source: "retro", Status: "queued", CreatedAt: "2025-01-02T00:00:00Z", UpdatedAt: "2025-01-02T00:00:00Z"}))
	})
	inTx(t, r, func(tx *sql.Tx) {
		require.NoError(t, r.UpsertBriefTx(ctx, tx, domain.Brief{ID: "brief-a", Title: "A", Source: "manual", Status: "shipped", BuildCommit: "abc123", CreatedAt: "2025-01-01T00:00:00Z", UpdatedAt: "2025-01-03T00:00:00Z"}))
		ok, err := r.BriefExistsTx(ctx, tx, "brief-a")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	b, err := r.GetBrief(ctx, "brief-a")
	require.NoError(t, err)
	assert.Equal(t, "shipped", b.Status)
	assert.Equal(t, "abc123", b.BuildCommit)

	all, err := r.ListBriefs(ctx, repo.BriefFilters{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "brief-a", all[0].ID)

	retro, err := r.ListBriefs(ctx, repo.BriefFilters{Source: "retro"})
	require.NoError(t, err)
	require.Len(t, retro, 1)
	assert.Equal(t, "brief-b", retro[0].ID)
}

func TestActivityCursor(t *testing.T) {
	ctx := context.Background()
	r := openRepo(t)
	w := events.Writer{Now: func() time.Time { return time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC) }}

	latest, err := r.LatestActivityID(ctx)
	require.NoError(t, err)
	assert.Zero(t, latest)

	var first int64
	inTx(t, r, func(tx *sql.Tx) {
		first, err = w.Append(ctx, tx, "brief-created", "brief-a", "PJ", "A", nil)
		require.NoError(t, err)
		_, err = w.Append(ctx, tx, "brief-approved", "brief-a", "PJ", "", events.Payload{"from": "queued"})
		require.NoError(t, err)
		_, err = w.Append(ctx, tx, "action-rejected", "", "PJ", "noise", nil)
		require.NoError(t, err)
	})

	rows, err := r.ListActivity(ctx, "brief-a", 0)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "brief-approved", rows[0].Type)
	assert.JSONEq(t, `{"from":"queued"}`, rows[0].Payload)
	assert.Equal(t, "2025-03-14T09:30:00Z", rows[0].TS)

	after, err := r.ActivityAfter(ctx, 10, first)
	require.NoError(t, err)
	require.Len(t, after, 2)
	assert.Equal(t, "brief-approved", after[0].Type)
	assert.Empty(t, after[1].BriefID)

	latest, err = r.LatestActivityID(ctx)
	require.NoError(t, err)
	assert.Equal(t, after[1].ID, latest)
}

func TestFeedbackUpsertReplaces(t *testing.T) {
	ctx := context.Background()
	r := openRepo(t)
	inTx(t, r, func(tx *sql.Tx) {
		require.NoError(t, r.UpsertBriefTx(ctx, tx, domain.Brief{ID: "brief-a", Title: "A", Source: "manual", Status: "shipped", CreatedAt: "t", UpdatedAt: "t"}))
		require.NoError(t, r.UpsertFeedbackTx(ctx, tx, domain.BuildFeedback{ID: "f1", BriefID: "brief-a", Rating: "great", CreatedAt: "t"}))
	})
	inTx(t, r, func(tx *sql.Tx) {
		require.NoError(t, r.UpsertFeedbackTx(ctx, tx, domain.BuildFeedback{ID: "f2", BriefID: "brief-a", Rating: "needs-work", Tags: []string{"broke-existing"}, CommitHash: "abc", CreatedAt: "t2"}))
	})

	fb, err := r.GetFeedback(ctx, "brief-a")
	require.NoError(t, err)
	assert.Equal(t, "needs-work", fb.Rating)
	assert.Equal(t, []string{"broke-existing"}, fb.Tags)
	assert.Equal(t, "abc", fb.CommitHash)

	_, err = r.GetFeedback(ctx, "brief-b")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}
