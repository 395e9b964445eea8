package storage

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/juju/errors"
	"github.com/stretchr/testify/require"

	"github.com/HaddajiForks/Savage-Files/internal/models"
)

const testObjectID = "2b1e5d52-8f4c-4d2a-9a53-0a5f6f1f0c11"

func newMockClient(t *testing.T) (*TiDBClient, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return NewTiDBClientFromDB(db), mock
}

var objectColumns = []string{"id", "length", "chunk_size", "content_type", "filename", "created_at"}

func TestTiDBClient_CreateObject(t *testing.T) {
	// given
	client, mock := newMockClient(t)
	now := time.Now().UTC()
	object := &models.Object{ID: testObjectID, Length: 20, ChunkSize: 16, ContentType: "text/plain", Filename: "a.txt", CreatedAt: now}
	chunks := []*models.Chunk{
		{ObjectID: testObjectID, Sequence: 0, Size: 16, Hash: "h0", BlobKey: "chunks/x/0"},
		{ObjectID: testObjectID, Sequence: 1, Size: 4, Hash: "h1", BlobKey: "chunks/x/1"},
	}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO objects (id, length, chunk_size, content_type, filename, created_at) VALUES (?, ?, ?, ?, ?, ?)`)).
		WithArgs(testObjectID, int64(20), int64(16), "text/plain", "a.txt", now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO chunks (object_id, seq, size, hash, blob_key) VALUES (?, ?, ?, ?, ?), (?, ?, ?, ?, ?)`)).
		WithArgs(testObjectID, 0, int64(16), "h0", "chunks/x/0", testObjectID, 1, int64(4), "h1", "chunks/x/1").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	// when
	err := client.CreateObject(context.Background(), object, chunks)

	// then
	require.NoError(t, err)
}

func TestTiDBClient_CreateObjectRollsBack(t *testing.T) {
	client, mock := newMockClient(t)
	object := &models.Object{ID: testObjectID, Length: 1, ChunkSize: 16, CreatedAt: time.Now()}
	chunks := []*models.Chunk{{ObjectID: testObjectID, Sequence: 0, Size: 1, Hash: "h", BlobKey: "k"}}

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO objects`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO chunks`).WillReturnError(sql.ErrConnDone)
	mock.ExpectRollback()

	err := client.CreateObject(context.Background(), object, chunks)
	require.ErrorIs(t, err, sql.ErrConnDone)
}

func TestTiDBClient_GetObject(t *testing.T) {
	client, mock := newMockClient(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`SELECT id, length, chunk_size, content_type, filename, created_at FROM objects WHERE id = \?`).
		WithArgs(testObjectID).
		WillReturnRows(sqlmock.NewRows(objectColumns).AddRow(testObjectID, 20, 16, "text/plain", "a.txt", now))
	mock.ExpectQuery(`FROM objects WHERE id = \?`).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	object, err := client.GetObject(context.Background(), testObjectID)
	require.NoError(t, err)
	require.Equal(t, int64(20), object.Length)
	require.Equal(t, 2, object.ChunkCount())

	_, err = client.GetObject(context.Background(), "missing")
	require.True(t, errors.Is(err, errors.NotFound))
}

func TestTiDBClient_GetObjects(t *testing.T) {
	client, mock := newMockClient(t)

	objects, err := client.GetObjects(context.Background(), nil)
	require.NoError(t, err)
	require.Empty(t, objects)

	mock.ExpectQuery(regexp.QuoteMeta(`WHERE id IN (?, ?) ORDER BY created_at ASC, id ASC`)).
		WithArgs("a", "b").
		WillReturnRows(sqlmock.NewRows(objectColumns).AddRow("a", 1, 16, "x", "a", time.Now()))

	objects, err = client.GetObjects(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, objects, 1)
}

func TestTiDBClient_GetChunks(t *testing.T) {
	client, mock := newMockClient(t)

	mock.ExpectQuery(`FROM chunks WHERE object_id = \? ORDER BY seq ASC`).
		WithArgs(testObjectID).
		WillReturnRows(sqlmock.NewRows([]string{"object_id", "seq", "size", "hash", "blob_key"}).
			AddRow(testObjectID, 0, 16, "h0", "k0").
			AddRow(testObjectID, 1, 4, "h1", "k1"))

	chunks, err := client.GetChunks(context.Background(), testObjectID)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	require.Equal(t, 1, chunks[1].Sequence)
	require.Equal(t, "k1", chunks[1].BlobKey)
}

func TestTiDBClient_DeleteObject(t *testing.T) {
	client, mock := newMockClient(t)

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM objects WHERE id = \?`).WithArgs(testObjectID).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`DELETE FROM chunks WHERE object_id = \?`).WithArgs(testObjectID).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	require.NoError(t, client.DeleteObject(context.Background(), testObjectID))
}

func TestTiDBClient_RecordOwnership(t *testing.T) {
	client, mock := newMockClient(t)
	record := &models.OwnershipRecord{ObjectID: testObjectID, OwnerID: "u1", DisplayName: "a", FormattedSize: "1 bytes", CreatedAt: time.Now()}

	mock.ExpectExec(`INSERT INTO ownership`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO ownership`).WillReturnError(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry"})

	require.NoError(t, client.RecordOwnership(context.Background(), record))
	err := client.RecordOwnership(context.Background(), record)
	require.True(t, errors.Is(err, errors.AlreadyExists))
}

var ownershipRows = []string{"object_id", "owner_id", "display_name", "formatted_size", "views", "downloads", "created_at"}

func TestTiDBClient_FindByObjectAndOwner(t *testing.T) {
	client, mock := newMockClient(t)
	row := func() *sqlmock.Rows {
		return sqlmock.NewRows(ownershipRows).AddRow(testObjectID, "u1", "a", "1 bytes", 3, 4, time.Now())
	}

	mock.ExpectQuery(`FROM ownership WHERE object_id = \?`).WithArgs(testObjectID).WillReturnRows(row())
	mock.ExpectQuery(`FROM ownership WHERE object_id = \?`).WithArgs(testObjectID).WillReturnRows(row())
	mock.ExpectQuery(`FROM ownership WHERE object_id = \?`).WithArgs(testObjectID).WillReturnError(sql.ErrNoRows)

	record, err := client.FindByObjectAndOwner(context.Background(), testObjectID, "u1")
	require.NoError(t, err)
	require.Equal(t, int64(3), record.Views)
	require.Equal(t, int64(4), record.Downloads)

	_, err = client.FindByObjectAndOwner(context.Background(), testObjectID, "u2")
	require.True(t, errors.Is(err, errors.Unauthorized))

	_, err = client.FindByObjectAndOwner(context.Background(), testObjectID, "u1")
	require.True(t, errors.Is(err, errors.NotFound))
}

func TestTiDBClient_ListByOwner(t *testing.T) {
	client, mock := newMockClient(t)

	mock.ExpectQuery(`FROM ownership WHERE owner_id = \? ORDER BY created_at ASC, object_id ASC`).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows(ownershipRows).
			AddRow("a", "u1", "a.txt", "1 bytes", 0, 0, time.Now()).
			AddRow("b", "u1", "b.txt", "2 bytes", 1, 0, time.Now()))

	records, err := client.ListByOwner(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "b.txt", records[1].DisplayName)
}

func TestTiDBClient_IncrementCounter(t *testing.T) {
	client, mock := newMockClient(t)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE ownership SET views = views + 1 WHERE object_id = ?`)).
		WithArgs(testObjectID).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE ownership SET downloads = downloads + 1 WHERE object_id = ?`)).
		WithArgs(testObjectID).WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, client.IncrementCounter(context.Background(), testObjectID, models.CounterViews))

	err := client.IncrementCounter(context.Background(), testObjectID, models.CounterDownloads)
	require.True(t, errors.Is(err, errors.NotFound))

	err = client.IncrementCounter(context.Background(), testObjectID, models.Counter("likes"))
	require.True(t, errors.Is(err, errors.NotValid))
}

func TestTiDBClient_DeleteRecord(t *testing.T) {
	client, mock := newMockClient(t)

	mock.ExpectExec(`DELETE FROM ownership WHERE object_id = \?`).WithArgs(testObjectID).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM ownership WHERE object_id = \?`).WithArgs(testObjectID).WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, client.DeleteRecord(context.Background(), testObjectID))
	err := client.DeleteRecord(context.Background(), testObjectID)
	require.True(t, errors.Is(err, errors.NotFound))
}

func TestTiDBClient_ListOrphanObjects(t *testing.T) {
	client, mock := newMockClient(t)
	cutoff := time.Now()

	mock.ExpectQuery(`LEFT JOIN ownership w ON w.object_id = o.id`).
		WithArgs(cutoff, orphanListLimit).
		WillReturnRows(sqlmock.NewRows(objectColumns).AddRow("a", 1, 16, "x", "a", cutoff.Add(-time.Hour)))

	objects, err := client.ListOrphanObjects(context.Background(), cutoff, 0)
	require.NoError(t, err)
	require.Len(t, objects, 1)
}

func TestTiDBClient_EnsureSchema(t *testing.T) {
	client, mock := newMockClient(t)
	for range schema {
		mock.ExpectExec(`CREATE TABLE IF NOT EXISTS`).WillReturnResult(sqlmock.NewResult(0, 0))
	}

	require.NoError(t, client.EnsureSchema(context.Background()))
}
