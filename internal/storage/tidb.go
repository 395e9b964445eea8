package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/juju/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/HaddajiForks/Savage-Files/internal/models"
)

// chunkInsertBatch bounds the number of rows per multi-row INSERT.
const chunkInsertBatch = 500

const mysqlErrDuplicateEntry = 1062

// orphanListLimit caps ListOrphanObjects when the caller sets no limit.
const orphanListLimit = 1000

var schema = []string{
	`CREATE TABLE IF NOT EXISTS objects (
		id           VARCHAR(36)   NOT NULL PRIMARY KEY,
		length       BIGINT        NOT NULL,
		chunk_size   BIGINT        NOT NULL,
		content_type VARCHAR(255)  NOT NULL,
		filename     VARCHAR(1024) NOT NULL,
		created_at   DATETIME(6)   NOT NULL,
		KEY idx_objects_created_at (created_at)
	)`,
	`CREATE TABLE IF NOT EXISTS chunks (
		object_id VARCHAR(36)  NOT NULL,
		seq       INT          NOT NULL,
		size      BIGINT       NOT NULL,
		hash      CHAR(64)     NOT NULL,
		blob_key  VARCHAR(255) NOT NULL,
		PRIMARY KEY (object_id, seq)
	)`,
	`CREATE TABLE IF NOT EXISTS ownership (
		object_id      VARCHAR(36)   NOT NULL PRIMARY KEY,
		owner_id       VARCHAR(64)   NOT NULL,
		display_name   VARCHAR(1024) NOT NULL,
		formatted_size VARCHAR(32)   NOT NULL,
		views          BIGINT        NOT NULL DEFAULT 0,
		downloads      BIGINT        NOT NULL DEFAULT 0,
		created_at     DATETIME(6)   NOT NULL,
		KEY idx_ownership_owner (owner_id, created_at)
	)`,
}

// TiDBClient keeps the object catalog, the chunk index and the ownership
// index in TiDB (or any MySQL compatible server).
type TiDBClient struct {
	db *sql.DB
}

// NewTiDBClient initializes a new TiDB client
func NewTiDBClient(ctx context.Context, dsn string, maxOpenConns int) (*TiDBClient, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxOpenConns / 5)

	return &TiDBClient{db: db}, nil
}

// NewTiDBClientFromDB wraps an already opened pool.
func NewTiDBClientFromDB(db *sql.DB) *TiDBClient {
	return &TiDBClient{db: db}
}

// Close closes the database connection
func (tc *TiDBClient) Close() error {
	return tc.db.Close()
}

// EnsureSchema creates the tables if they do not exist yet.
func (tc *TiDBClient) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := tc.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// CreateObject commits the object record together with its chunk index in a
// single transaction.
func (tc *TiDBClient) CreateObject(ctx context.Context, object *models.Object, chunks []*models.Chunk) (err error) {
	ctx, span := tracer.Start(ctx, "tidb.create_object",
		trace.WithAttributes(
			attribute.String("object_id", object.ID),
			attribute.Int64("length", object.Length),
			attribute.Int("chunk_count", len(chunks)),
		),
	)
	defer span.End()

	tx, err := tc.db.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
			span.RecordError(err)
		}
	}()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO objects (id, length, chunk_size, content_type, filename, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		object.ID, object.Length, object.ChunkSize, object.ContentType, object.Filename, object.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert object: %w", err)
	}

	for start := 0; start < len(chunks); start += chunkInsertBatch {
		end := start + chunkInsertBatch
		if end > len(chunks) {
			end = len(chunks)
		}
		if err = insertChunks(ctx, tx, chunks[start:end]); err != nil {
			return err
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit object: %w", err)
	}
	return nil
}

func insertChunks(ctx context.Context, tx *sql.Tx, chunks []*models.Chunk) error {
	placeholders := make([]string, 0, len(chunks))
	args := make([]any, 0, len(chunks)*5)
	for _, chunk := range chunks {
		placeholders = append(placeholders, "(?, ?, ?, ?, ?)")
		args = append(args, chunk.ObjectID, chunk.Sequence, chunk.Size, chunk.Hash, chunk.BlobKey)
	}
	query := `INSERT INTO chunks (object_id, seq, size, hash, blob_key) VALUES ` + strings.Join(placeholders, ", ")
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert chunks: %w", err)
	}
	return nil
}

// GetObject retrieves the object record by ID
func (tc *TiDBClient) GetObject(ctx context.Context, objectID string) (*models.Object, error) {
	ctx, span := tracer.Start(ctx, "tidb.get_object",
		trace.WithAttributes(attribute.String("object_id", objectID)),
	)
	defer span.End()

	var object models.Object
	err := tc.db.QueryRowContext(ctx,
		`SELECT id, length, chunk_size, content_type, filename, created_at FROM objects WHERE id = ?`, objectID,
	).Scan(&object.ID, &object.Length, &object.ChunkSize, &object.ContentType, &object.Filename, &object.CreatedAt)
	if err == sql.ErrNoRows {
		span.SetAttributes(attribute.Bool("found", false))
		return nil, errors.NotFoundf("object %s", objectID)
	} else if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query object: %w", err)
	}

	span.SetAttributes(attribute.Bool("found", true))
	return &object, nil
}

// GetObjects retrieves the object records for ids. Unknown ids are skipped.
func (tc *TiDBClient) GetObjects(ctx context.Context, objectIDs []string) ([]*models.Object, error) {
	if len(objectIDs) == 0 {
		return nil, nil
	}
	ctx, span := tracer.Start(ctx, "tidb.get_objects",
		trace.WithAttributes(attribute.Int("requested", len(objectIDs))),
	)
	defer span.End()

	args := make([]any, len(objectIDs))
	for i, id := range objectIDs {
		args[i] = id
	}
	query := `SELECT id, length, chunk_size, content_type, filename, created_at FROM objects WHERE id IN (?` +
		strings.Repeat(", ?", len(objectIDs)-1) + `) ORDER BY created_at ASC, id ASC`

	rows, err := tc.db.QueryContext(ctx, query, args...)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query objects: %w", err)
	}
	defer rows.Close()

	objects, err := scanObjects(rows)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("found", len(objects)))
	return objects, nil
}

// GetChunks retrieves the chunk index of an object ordered by sequence
func (tc *TiDBClient) GetChunks(ctx context.Context, objectID string) ([]*models.Chunk, error) {
	ctx, span := tracer.Start(ctx, "tidb.get_chunks",
		trace.WithAttributes(attribute.String("object_id", objectID)),
	)
	defer span.End()

	rows, err := tc.db.QueryContext(ctx,
		`SELECT object_id, seq, size, hash, blob_key FROM chunks WHERE object_id = ? ORDER BY seq ASC`, objectID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query chunks: %w", err)
	}
	defer rows.Close()

	var chunks []*models.Chunk
	for rows.Next() {
		var chunk models.Chunk
		if err := rows.Scan(&chunk.ObjectID, &chunk.Sequence, &chunk.Size, &chunk.Hash, &chunk.BlobKey); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		chunks = append(chunks, &chunk)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("error iterating chunks: %w", err)
	}

	span.SetAttributes(attribute.Int("chunk_count", len(chunks)))
	return chunks, nil
}

// DeleteObject removes the object record and its chunk index. Deleting an
// object that does not exist is not an error.
func (tc *TiDBClient) DeleteObject(ctx context.Context, objectID string) (err error) {
	ctx, span := tracer.Start(ctx, "tidb.delete_object",
		trace.WithAttributes(attribute.String("object_id", objectID)),
	)
	defer span.End()

	tx, err := tc.db.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
			span.RecordError(err)
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM objects WHERE id = ?`, objectID); err != nil {
		return fmt.Errorf("failed to delete object: %w", err)
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM chunks WHERE object_id = ?`, objectID); err != nil {
		return fmt.Errorf("failed to delete chunks: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete: %w", err)
	}
	return nil
}

// ListOrphanObjects returns objects created before cutoff that have no
// ownership record.
func (tc *TiDBClient) ListOrphanObjects(ctx context.Context, cutoff time.Time, limit int) ([]*models.Object, error) {
	ctx, span := tracer.Start(ctx, "tidb.list_orphan_objects")
	defer span.End()

	if limit <= 0 {
		limit = orphanListLimit
	}

	rows, err := tc.db.QueryContext(ctx, `
		SELECT o.id, o.length, o.chunk_size, o.content_type, o.filename, o.created_at
		FROM objects o
		LEFT JOIN ownership w ON w.object_id = o.id
		WHERE w.object_id IS NULL AND o.created_at < ?
		ORDER BY o.created_at ASC
		LIMIT ?`, cutoff, limit)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query orphan objects: %w", err)
	}
	defer rows.Close()

	objects, err := scanObjects(rows)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("orphan_count", len(objects)))
	return objects, nil
}

func scanObjects(rows *sql.Rows) ([]*models.Object, error) {
	var objects []*models.Object
	for rows.Next() {
		var object models.Object
		if err := rows.Scan(&object.ID, &object.Length, &object.ChunkSize, &object.ContentType, &object.Filename, &object.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan object: %w", err)
		}
		objects = append(objects, &object)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating objects: %w", err)
	}
	return objects, nil
}

// RecordOwnership inserts the ownership record of a freshly written object.
func (tc *TiDBClient) RecordOwnership(ctx context.Context, record *models.OwnershipRecord) error {
	ctx, span := tracer.Start(ctx, "tidb.record_ownership",
		trace.WithAttributes(
			attribute.String("object_id", record.ObjectID),
			attribute.String("owner_id", record.OwnerID),
		),
	)
	defer span.End()

	_, err := tc.db.ExecContext(ctx, `
		INSERT INTO ownership (object_id, owner_id, display_name, formatted_size, views, downloads, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		record.ObjectID, record.OwnerID, record.DisplayName, record.FormattedSize, record.Views, record.Downloads, record.CreatedAt)
	if err != nil {
		span.RecordError(err)
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == mysqlErrDuplicateEntry {
			return errors.AlreadyExistsf("ownership of object %s", record.ObjectID)
		}
		return fmt.Errorf("failed to insert ownership: %w", err)
	}
	return nil
}

const ownershipColumns = `object_id, owner_id, display_name, formatted_size, views, downloads, created_at`

func scanOwnership(scan func(dest ...any) error) (*models.OwnershipRecord, error) {
	var record models.OwnershipRecord
	err := scan(&record.ObjectID, &record.OwnerID, &record.DisplayName, &record.FormattedSize,
		&record.Views, &record.Downloads, &record.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// ListByOwner returns the owner's records in upload order.
func (tc *TiDBClient) ListByOwner(ctx context.Context, ownerID string) ([]*models.OwnershipRecord, error) {
	ctx, span := tracer.Start(ctx, "tidb.list_by_owner",
		trace.WithAttributes(attribute.String("owner_id", ownerID)),
	)
	defer span.End()

	rows, err := tc.db.QueryContext(ctx,
		`SELECT `+ownershipColumns+` FROM ownership WHERE owner_id = ? ORDER BY created_at ASC, object_id ASC`, ownerID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query ownership: %w", err)
	}
	defer rows.Close()

	var records []*models.OwnershipRecord
	for rows.Next() {
		record, err := scanOwnership(rows.Scan)
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to scan ownership: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("error iterating ownership: %w", err)
	}

	span.SetAttributes(attribute.Int("record_count", len(records)))
	return records, nil
}

// FindByObjectAndOwner returns the record for objectID if ownerID owns it.
// It fails with NotFound when the object has no record and with
// Unauthorized when another owner holds it.
func (tc *TiDBClient) FindByObjectAndOwner(ctx context.Context, objectID, ownerID string) (*models.OwnershipRecord, error) {
	ctx, span := tracer.Start(ctx, "tidb.find_by_object_and_owner",
		trace.WithAttributes(
			attribute.String("object_id", objectID),
			attribute.String("owner_id", ownerID),
		),
	)
	defer span.End()

	record, err := scanOwnership(tc.db.QueryRowContext(ctx,
		`SELECT `+ownershipColumns+` FROM ownership WHERE object_id = ?`, objectID).Scan)
	if err == sql.ErrNoRows {
		return nil, errors.NotFoundf("file %s", objectID)
	} else if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query ownership: %w", err)
	}
	if record.OwnerID != ownerID {
		span.SetAttributes(attribute.Bool("owner_mismatch", true))
		return nil, errors.Unauthorizedf("file %s is not owned by %s", objectID, ownerID)
	}
	return record, nil
}

// IncrementCounter adds one to the named counter in a single statement so
// concurrent increments are never lost.
func (tc *TiDBClient) IncrementCounter(ctx context.Context, objectID string, counter models.Counter) error {
	ctx, span := tracer.Start(ctx, "tidb.increment_counter",
		trace.WithAttributes(
			attribute.String("object_id", objectID),
			attribute.String("counter", string(counter)),
		),
	)
	defer span.End()

	var query string
	switch counter {
	case models.CounterViews:
		query = `UPDATE ownership SET views = views + 1 WHERE object_id = ?`
	case models.CounterDownloads:
		query = `UPDATE ownership SET downloads = downloads + 1 WHERE object_id = ?`
	default:
		return errors.NotValidf("counter %q", counter)
	}

	result, err := tc.db.ExecContext(ctx, query, objectID)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to increment %s: %w", counter, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return errors.NotFoundf("file %s", objectID)
	}
	return nil
}

// DeleteRecord removes the ownership record of objectID.
func (tc *TiDBClient) DeleteRecord(ctx context.Context, objectID string) error {
	ctx, span := tracer.Start(ctx, "tidb.delete_ownership",
		trace.WithAttributes(attribute.String("object_id", objectID)),
	)
	defer span.End()

	result, err := tc.db.ExecContext(ctx, `DELETE FROM ownership WHERE object_id = ?`, objectID)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to delete ownership: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return errors.NotFoundf("file %s", objectID)
	}
	return nil
}
