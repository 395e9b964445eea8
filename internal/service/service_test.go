package service_test

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	jujuerrors "github.com/juju/errors"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/HaddajiForks/Savage-Files/internal/filestore"
	"github.com/HaddajiForks/Savage-Files/internal/handle"
	"github.com/HaddajiForks/Savage-Files/internal/lock"
	"github.com/HaddajiForks/Savage-Files/internal/models"
	"github.com/HaddajiForks/Savage-Files/internal/quota"
	"github.com/HaddajiForks/Savage-Files/internal/service"
	"github.com/HaddajiForks/Savage-Files/internal/storage/memstore"
)

type testContainer struct {
	ctx     context.Context
	blobs   *memstore.Blobs
	meta    *memstore.Store
	store   *filestore.ChunkStore
	service *service.Service
	logs    *test.Hook
}

type options struct {
	chunkSize int64
	limit     int64
	ownership service.OwnershipIndex
}

func getClean(t *testing.T, opts options) *testContainer {
	t.Helper()
	logger, hook := test.NewNullLogger()
	blobs := memstore.NewBlobs()
	meta := memstore.NewStore()
	store := filestore.New(blobs, meta, filestore.Config{ChunkSize: opts.chunkSize, UploadConcurrency: 2}, logger)
	codec, err := handle.NewCodec("s3cr3t")
	require.NoError(t, err)
	var ownership service.OwnershipIndex = meta
	if opts.ownership != nil {
		ownership = opts.ownership
	}
	return &testContainer{
		ctx:     context.Background(),
		blobs:   blobs,
		meta:    meta,
		store:   store,
		service: service.New(store, ownership, quota.NewGuard(meta, store, opts.limit), lock.NewLocalLocker(0), codec, logger),
		logs:    hook,
	}
}

func randomData(t *testing.T, n int) []byte {
	t.Helper()
	data := make([]byte, n)
	_, err := rand.Read(data)
	require.NoError(t, err)
	return data
}

func (c *testContainer) upload(t *testing.T, owner, name string, data []byte) *service.UploadResult {
	t.Helper()
	res, err := c.service.Ingest(c.ctx, service.UploadRequest{
		OwnerID:      owner,
		Filename:     name,
		DeclaredSize: int64(len(data)),
		Body:         bytes.NewReader(data),
	})
	require.NoError(t, err)
	return res
}

func (c *testContainer) objectID(t *testing.T, res *service.UploadResult) string {
	t.Helper()
	id, err := c.service.ObjectID(res.Handle)
	require.NoError(t, err)
	return id
}

func drain(t *testing.T, d *service.Download) []byte {
	t.Helper()
	defer d.Close()
	var buf bytes.Buffer
	_, err := d.Stream.WriteTo(&buf)
	require.NoError(t, err)
	return buf.Bytes()
}

func TestIngest_DefaultChunkScenario(t *testing.T) {
	// given
	c := getClean(t, options{})
	data := randomData(t, 600*1024)

	// when
	res := c.upload(t, "u1", "photo.png", data)

	// then
	require.Equal(t, "600.00 KB", res.Size)
	require.Equal(t, int64(614400), res.Length)
	require.Equal(t, "photo.png", res.Filename)

	id := c.objectID(t, res)
	chunks, err := c.meta.GetChunks(c.ctx, id)
	require.NoError(t, err)
	require.Len(t, chunks, 3)

	files, err := c.service.List(c.ctx, "u1")
	require.NoError(t, err)
	require.Len(t, files, 1)
	require.Equal(t, res.Handle, files[0].Handle)
	require.Equal(t, "photo.png", files[0].Filename)
	require.Equal(t, "600.00 KB", files[0].Size)
	require.Zero(t, files[0].Views)
	require.Zero(t, files[0].Downloads)

	download, err := c.service.DownloadScoped(c.ctx, id, "u1")
	require.NoError(t, err)
	require.Equal(t, data, drain(t, download))
}

func TestIngest_Validation(t *testing.T) {
	c := getClean(t, options{chunkSize: 16})
	cases := map[string]service.UploadRequest{
		"missing owner":  {Filename: "a", Body: strings.NewReader("x")},
		"empty filename": {OwnerID: "u1", Filename: "  ", Body: strings.NewReader("x")},
		"path in name":   {OwnerID: "u1", Filename: "../etc/passwd", Body: strings.NewReader("x")},
		"missing body":   {OwnerID: "u1", Filename: "a"},
		"negative size":  {OwnerID: "u1", Filename: "a", DeclaredSize: -7, Body: strings.NewReader("x")},
		"oversized name": {OwnerID: "u1", Filename: strings.Repeat("a", 256), Body: strings.NewReader("x")},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := c.service.Ingest(c.ctx, req)
			require.True(t, jujuerrors.Is(err, jujuerrors.NotValid), "got %v", err)
		})
	}
	require.Empty(t, c.blobs.Keys("chunks/"))
}

func TestIngest_QuotaRejectedBeforeWrite(t *testing.T) {
	// given
	c := getClean(t, options{chunkSize: 16, limit: 1000})
	c.upload(t, "u1", "a", randomData(t, 900))
	before := c.blobs.Keys("chunks/")

	// when
	_, err := c.service.Ingest(c.ctx, service.UploadRequest{
		OwnerID:      "u1",
		Filename:     "b",
		DeclaredSize: 200,
		Body:         bytes.NewReader(randomData(t, 200)),
	})

	// then
	var exceeded *quota.QuotaExceededError
	require.ErrorAs(t, err, &exceeded)
	require.Equal(t, int64(900), exceeded.CurrentUsage)
	require.Equal(t, int64(1000), exceeded.Limit)
	require.Equal(t, int64(200), exceeded.FileSize)
	require.Equal(t, before, c.blobs.Keys("chunks/"))
	require.Equal(t, "upload rejected before write", c.logs.LastEntry().Message)
	require.Equal(t, "u1", c.logs.LastEntry().Data["owner_id"])
}

func TestIngest_UnknownSizeCutOffAtLimit(t *testing.T) {
	// given
	c := getClean(t, options{chunkSize: 16, limit: 100})

	// when
	_, err := c.service.Ingest(c.ctx, service.UploadRequest{
		OwnerID:      "u1",
		Filename:     "stream.bin",
		DeclaredSize: service.UnknownSize,
		Body:         bytes.NewReader(randomData(t, 500)),
	})

	// then
	require.True(t, jujuerrors.Is(err, jujuerrors.QuotaLimitExceeded))
	var exceeded *quota.QuotaExceededError
	require.ErrorAs(t, err, &exceeded)
	require.Equal(t, int64(500), exceeded.FileSize)
	require.Equal(t, int64(100), exceeded.Limit)
	require.Empty(t, c.blobs.Keys("chunks/"))

	t.Run("should admit a stream that fits exactly", func(t *testing.T) {
		res, err := c.service.Ingest(c.ctx, service.UploadRequest{
			OwnerID:      "u1",
			Filename:     "exact.bin",
			DeclaredSize: service.UnknownSize,
			Body:         bytes.NewReader(randomData(t, 100)),
		})
		require.NoError(t, err)
		require.Equal(t, int64(100), res.Length)
	})
}

func TestIngest_ConcurrentUploadsRespectQuota(t *testing.T) {
	// given
	c := getClean(t, options{chunkSize: 16, limit: 1000})
	const uploads = 8

	// when
	var wg sync.WaitGroup
	errs := make([]error, uploads)
	for i := 0; i < uploads; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.service.Ingest(c.ctx, service.UploadRequest{
				OwnerID:      "u1",
				Filename:     "f",
				DeclaredSize: 300,
				Body:         bytes.NewReader(make([]byte, 300)),
			})
		}(i)
	}
	wg.Wait()

	// then
	var stored int
	for _, err := range errs {
		if err == nil {
			stored++
			continue
		}
		require.True(t, jujuerrors.Is(err, jujuerrors.QuotaLimitExceeded), "got %v", err)
	}
	require.Equal(t, 3, stored)
	report, err := c.service.StorageUsage(c.ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, int64(900), report.Used)
}

type failingOwnership struct {
	*memstore.Store
}

func (f *failingOwnership) RecordOwnership(context.Context, *models.OwnershipRecord) error {
	return errors.New("connection reset")
}

func TestIngest_OwnershipFailureRemovesObject(t *testing.T) {
	// given
	c := getClean(t, options{chunkSize: 16, ownership: &failingOwnership{Store: memstore.NewStore()}})

	// when
	_, err := c.service.Ingest(c.ctx, service.UploadRequest{
		OwnerID:      "u1",
		Filename:     "f",
		DeclaredSize: 64,
		Body:         bytes.NewReader(randomData(t, 64)),
	})

	// then
	require.ErrorIs(t, err, filestore.ErrIngestion)
	require.ErrorContains(t, err, "connection reset")
	require.Empty(t, c.blobs.Keys("chunks/"))
	orphans, err := c.meta.ListOrphanObjects(c.ctx, time.Now().Add(time.Hour), 0)
	require.NoError(t, err)
	require.Empty(t, orphans)
}

// flakyMeta fails object deletes while failDeletes is set.
type flakyMeta struct {
	*memstore.Store
	failDeletes atomic.Bool
}

func (f *flakyMeta) DeleteObject(ctx context.Context, objectID string) error {
	if f.failDeletes.Load() {
		return errors.New("tikv server is busy")
	}
	return f.Store.DeleteObject(ctx, objectID)
}

func orphanEntry(t *testing.T, hook *test.Hook) map[string]any {
	t.Helper()
	for _, entry := range hook.AllEntries() {
		if entry.Data["orphan"] == true {
			return entry.Data
		}
	}
	require.Fail(t, "no orphan logged")
	return nil
}

func TestIngest_FailedCompensationLeavesLoggedOrphan(t *testing.T) {
	// given
	ctx := context.Background()
	logger, hook := test.NewNullLogger()
	blobs := memstore.NewBlobs()
	meta := &flakyMeta{Store: memstore.NewStore()}
	meta.failDeletes.Store(true)
	store := filestore.New(blobs, meta, filestore.Config{ChunkSize: 16}, logger)
	ownership := &failingOwnership{Store: memstore.NewStore()}
	codec, err := handle.NewCodec("s3cr3t")
	require.NoError(t, err)
	svc := service.New(store, ownership, quota.NewGuard(ownership, store, 0), lock.NewLocalLocker(0), codec, logger)

	// when
	_, err = svc.Ingest(ctx, service.UploadRequest{
		OwnerID:      "u1",
		Filename:     "f",
		DeclaredSize: 40,
		Body:         bytes.NewReader(randomData(t, 40)),
	})

	// then
	require.ErrorIs(t, err, filestore.ErrIngestion)
	logged := orphanEntry(t, hook)
	require.Equal(t, "u1", logged["owner_id"])
	require.Equal(t, "ingest", logged["operation"])
	objectID, ok := logged["object_id"].(string)
	require.True(t, ok)
	require.Len(t, blobs.Keys(filestore.BlobPrefix(objectID)), 3)

	t.Run("should be reclaimed by the janitor", func(t *testing.T) {
		meta.failDeletes.Store(false)
		janitor := service.NewJanitor(meta, store, time.Minute, 0, logger)
		time.Sleep(2 * time.Millisecond)

		reclaimed, err := janitor.Sweep(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, reclaimed)
		require.Empty(t, blobs.Keys("chunks/"))
	})
}

func TestDelete_FailedRemovalLeavesLoggedOrphan(t *testing.T) {
	// given
	ctx := context.Background()
	logger, hook := test.NewNullLogger()
	blobs := memstore.NewBlobs()
	meta := &flakyMeta{Store: memstore.NewStore()}
	store := filestore.New(blobs, meta, filestore.Config{ChunkSize: 16}, logger)
	codec, err := handle.NewCodec("s3cr3t")
	require.NoError(t, err)
	svc := service.New(store, meta, quota.NewGuard(meta, store, 0), lock.NewLocalLocker(0), codec, logger)

	res, err := svc.Ingest(ctx, service.UploadRequest{
		OwnerID:      "u1",
		Filename:     "f",
		DeclaredSize: 40,
		Body:         bytes.NewReader(randomData(t, 40)),
	})
	require.NoError(t, err)
	objectID, err := svc.ObjectID(res.Handle)
	require.NoError(t, err)
	meta.failDeletes.Store(true)

	// when
	err = svc.Delete(ctx, objectID, "u1")

	// then
	require.ErrorContains(t, err, "tikv server is busy")
	logged := orphanEntry(t, hook)
	require.Equal(t, objectID, logged["object_id"])
	require.Equal(t, "u1", logged["owner_id"])
	require.Equal(t, "delete", logged["operation"])

	_, err = meta.FindByObjectAndOwner(ctx, objectID, "u1")
	require.True(t, jujuerrors.Is(err, jujuerrors.NotFound))
	require.Len(t, blobs.Keys(filestore.BlobPrefix(objectID)), 3)

	t.Run("should be reclaimed by the janitor", func(t *testing.T) {
		meta.failDeletes.Store(false)
		janitor := service.NewJanitor(meta, store, time.Minute, 0, logger)
		time.Sleep(2 * time.Millisecond)

		reclaimed, err := janitor.Sweep(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, reclaimed)
		require.Empty(t, blobs.Keys("chunks/"))
	})
}

func TestIngest_BusyOwnerLock(t *testing.T) {
	// given
	logger, _ := test.NewNullLogger()
	meta := memstore.NewStore()
	store := filestore.New(memstore.NewBlobs(), meta, filestore.Config{ChunkSize: 16}, logger)
	codec, err := handle.NewCodec("k")
	require.NoError(t, err)
	locker := lock.NewLocalLocker(20 * time.Millisecond)
	svc := service.New(store, meta, quota.NewGuard(meta, store, 0), locker, codec, logger)

	release, err := locker.Lock(context.Background(), "owner:u1")
	require.NoError(t, err)
	defer release()

	// when
	_, err = svc.Ingest(context.Background(), service.UploadRequest{
		OwnerID:  "u1",
		Filename: "f",
		Body:     strings.NewReader("data"),
	})

	// then
	require.True(t, jujuerrors.Is(err, jujuerrors.Timeout), "got %v", err)
}

func TestRetrieval_CountersAreAtomic(t *testing.T) {
	// given
	c := getClean(t, options{chunkSize: 16})
	res := c.upload(t, "u1", "f", randomData(t, 40))
	id := c.objectID(t, res)
	const readers = 25

	// when
	var wg sync.WaitGroup
	for i := 0; i < readers; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			d, err := c.service.Inspect(c.ctx, id)
			if err != nil {
				t.Error(err)
				return
			}
			_, _ = d.Stream.WriteTo(io.Discard)
			_ = d.Close()
		}()
		go func() {
			defer wg.Done()
			d, err := c.service.DownloadPublic(c.ctx, id)
			if err != nil {
				t.Error(err)
				return
			}
			_ = d.Close()
		}()
	}
	wg.Wait()

	// then
	files, err := c.service.List(c.ctx, "u1")
	require.NoError(t, err)
	require.Len(t, files, 1)
	require.Equal(t, int64(readers), files[0].Views)
	require.Equal(t, int64(readers), files[0].Downloads)
}

func TestRetrieval_OwnerIsolation(t *testing.T) {
	// given
	c := getClean(t, options{chunkSize: 16})
	res := c.upload(t, "u1", "secret.txt", randomData(t, 20))
	id := c.objectID(t, res)

	// when, then
	_, err := c.service.DownloadScoped(c.ctx, id, "u2")
	require.True(t, jujuerrors.Is(err, jujuerrors.Unauthorized), "got %v", err)

	err = c.service.Delete(c.ctx, id, "u2")
	require.True(t, jujuerrors.Is(err, jujuerrors.Unauthorized), "got %v", err)

	files, err := c.service.List(c.ctx, "u2")
	require.NoError(t, err)
	require.Empty(t, files)

	exists, err := c.store.Exists(c.ctx, id)
	require.NoError(t, err)
	require.True(t, exists)

	mine, err := c.service.List(c.ctx, "u1")
	require.NoError(t, err)
	require.Len(t, mine, 1)
	require.Zero(t, mine[0].Downloads)
}

func TestRetrieval_DeleteThenInspect(t *testing.T) {
	// given
	c := getClean(t, options{chunkSize: 16})
	res := c.upload(t, "u1", "f", randomData(t, 100))
	id := c.objectID(t, res)

	// when
	require.NoError(t, c.service.Delete(c.ctx, id, "u1"))

	// then
	_, err := c.service.Inspect(c.ctx, id)
	require.True(t, jujuerrors.Is(err, jujuerrors.NotFound), "got %v", err)
	_, err = c.service.DownloadPublic(c.ctx, id)
	require.True(t, jujuerrors.Is(err, jujuerrors.NotFound), "got %v", err)
	_, err = c.service.DownloadScoped(c.ctx, id, "u1")
	require.True(t, jujuerrors.Is(err, jujuerrors.NotFound), "got %v", err)
	err = c.service.Delete(c.ctx, id, "u1")
	require.True(t, jujuerrors.Is(err, jujuerrors.NotFound), "got %v", err)
	require.Empty(t, c.blobs.Keys(filestore.BlobPrefix(id)))
}

func TestRetrieval_UnownedObjectIsNotServed(t *testing.T) {
	c := getClean(t, options{chunkSize: 16})
	object, err := c.store.Write(c.ctx, bytes.NewReader(randomData(t, 10)), filestore.WriteOptions{Filename: "f"})
	require.NoError(t, err)

	_, err = c.service.DownloadPublic(c.ctx, object.ID)
	require.True(t, jujuerrors.Is(err, jujuerrors.NotFound), "got %v", err)
}

func TestStorageUsage_Monotonic(t *testing.T) {
	// given
	c := getClean(t, options{chunkSize: 16})
	empty, err := c.service.StorageUsage(c.ctx, "u1")
	require.NoError(t, err)
	require.Zero(t, empty.Used)
	require.Equal(t, quota.DefaultLimit, empty.Total)
	require.NotNil(t, empty.Files)

	// when
	a := c.upload(t, "u1", "a", randomData(t, 1000))
	c.upload(t, "u1", "b", randomData(t, 24))
	c.upload(t, "u2", "c", randomData(t, 77))

	// then
	report, err := c.service.StorageUsage(c.ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, int64(1024), report.Used)
	require.Equal(t, 2, report.FileCount)
	require.Equal(t, "1.0 KiB", report.UsedHuman)
	require.InDelta(t, float64(1024)/float64(quota.DefaultLimit)*100, report.UsagePercentage, 1e-9)

	require.NoError(t, c.service.Delete(c.ctx, c.objectID(t, a), "u1"))
	after, err := c.service.StorageUsage(c.ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, int64(24), after.Used)
	require.Equal(t, 1, after.FileCount)
}

func TestFormatSize(t *testing.T) {
	cases := map[int64]string{
		0:                   "0 bytes",
		1023:                "1023 bytes",
		1024:                "1.00 KB",
		614400:              "600.00 KB",
		1024 * 1024:         "1.00 MB",
		3 * 1024 * 1024 / 2: "1.50 MB",
	}
	for n, want := range cases {
		require.Equal(t, want, service.FormatSize(n), "size %d", n)
	}
}

func TestRetrieval_CorruptIndexFailsBeforeCounting(t *testing.T) {
	// given
	c := getClean(t, options{chunkSize: 16})
	res := c.upload(t, "u1", "f", randomData(t, 40))
	id := c.objectID(t, res)
	chunks, err := c.meta.GetChunks(c.ctx, id)
	require.NoError(t, err)
	c.meta.SetChunks(id, chunks[1:])

	// when
	inspected, inspectErr := c.service.Inspect(c.ctx, id)
	public, publicErr := c.service.DownloadPublic(c.ctx, id)
	scoped, scopedErr := c.service.DownloadScoped(c.ctx, id, "u1")

	// then
	for _, err := range []error{inspectErr, publicErr, scopedErr} {
		require.ErrorIs(t, err, filestore.ErrCorruption)
	}
	require.Nil(t, inspected)
	require.Nil(t, public)
	require.Nil(t, scoped)

	record, err := c.meta.FindByObjectAndOwner(c.ctx, id, "u1")
	require.NoError(t, err)
	require.Zero(t, record.Views)
	require.Zero(t, record.Downloads)
}
