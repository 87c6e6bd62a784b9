package repository

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/aredgroup/edge-anchor/internal/anchordom"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpsertAnchor_Inserted(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	anchorID := uuid.New()
	start := time.Now().Add(-24 * time.Hour)
	end := time.Now()

	mock.ExpectQuery("INSERT INTO anchors").
		WillReturnRows(sqlmock.NewRows([]string{"id", "inserted"}).AddRow(anchorID.String(), true))

	repo := New(db)
	id, inserted, err := repo.UpsertAnchor(context.Background(), anchordom.Anchor{
		ID:          anchorID,
		Digest:      "deadbeef",
		WindowStart: start,
		WindowEnd:   end,
		ItemCount:   2,
		Status:      anchordom.StatusPosted,
	})
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Equal(t, anchorID.String(), id.String())
}

func TestUpsertAnchor_Conflict_NotInserted(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	anchorID := uuid.New()

	mock.ExpectQuery("INSERT INTO anchors").
		WillReturnRows(sqlmock.NewRows([]string{"id", "inserted"}).AddRow(anchorID.String(), false))

	repo := New(db)
	_, inserted, err := repo.UpsertAnchor(context.Background(), anchordom.Anchor{
		Digest:      "deadbeef",
		WindowStart: time.Now(),
		WindowEnd:   time.Now(),
	})
	require.NoError(t, err)
	assert.False(t, inserted, "a losing upsert must report inserted=false so the workflow skips item writes")
}

func TestGetAnchor_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT id, digest, method").
		WillReturnError(sql.ErrNoRows)

	repo := New(db)
	_, err = repo.GetAnchor(context.Background(), uuid.New())
	require.Error(t, err)
	code, ok := anchordom.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, anchordom.TaxonomyNotFound, code)
}

func TestFindAnchorByWindow_Found(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	anchorID := uuid.New()
	start := time.Now().Add(-24 * time.Hour)
	end := time.Now()

	rows := sqlmock.NewRows([]string{
		"id", "digest", "method", "start_time", "end_time", "item_count", "status",
		"iota_block_id", "iota_network", "explorer_url", "error_message", "created_at", "posted_at", "confirmed_at",
	}).AddRow(anchorID.String(), "deadbeef", anchordom.DefaultMethod, start, end, 2, anchordom.StatusConfirmed,
		"block-1", "testnet", "https://explorer.example/block-1", nil, time.Now(), time.Now(), time.Now())

	mock.ExpectQuery("SELECT id, digest, method").WillReturnRows(rows)

	repo := New(db)
	a, err := repo.FindAnchorByWindow(context.Background(), "deadbeef", start, end)
	require.NoError(t, err)
	assert.Equal(t, anchorID, a.ID)
	assert.Equal(t, anchordom.StatusConfirmed, a.Status)
	require.NotNil(t, a.LedgerBlockID)
	assert.Equal(t, "block-1", *a.LedgerBlockID)
}

func TestFindAnchorByWindow_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT id, digest, method").
		WillReturnError(sql.ErrNoRows)

	repo := New(db)
	_, err = repo.FindAnchorByWindow(context.Background(), "deadbeef", time.Now(), time.Now())
	require.Error(t, err)
	code, ok := anchordom.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, anchordom.TaxonomyNotFound, code)
}

func TestSaveItem_InsertIfAbsent(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	anchorID := uuid.New()
	mock.ExpectExec("INSERT INTO anchor_items").
		WillReturnResult(sqlmock.NewResult(0, 1))

	repo := New(db)
	err = repo.SaveItem(context.Background(), anchordom.AnchorItem{
		AnchorID:     anchorID,
		EventHash:    "aa",
		Position:     0,
		ProofCompact: []string{"R:bb"},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRetryCount(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	anchorID := uuid.New()
	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM anchor_retry_log").
		WithArgs(anchorID).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))

	repo := New(db)
	count, err := repo.RetryCount(context.Background(), anchorID)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}
