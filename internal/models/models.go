package models

import "time"

// Object is the catalog entry for a stored file. It is written once, at the
// end of a successful chunked write, and never updated.
type Object struct {
	ID          string    `json:"id"`
	Length      int64     `json:"length"`
	ChunkSize   int64     `json:"chunk_size"`
	ContentType string    `json:"content_type"`
	Filename    string    `json:"filename"`
	CreatedAt   time.Time `json:"created_at"`
}

// ChunkCount returns the number of chunks a complete object must have.
func (o *Object) ChunkCount() int {
	if o.Length == 0 || o.ChunkSize <= 0 {
		return 0
	}
	return int((o.Length + o.ChunkSize - 1) / o.ChunkSize)
}

// Chunk is the index row of one stored slice of an object
type Chunk struct {
	ObjectID string `json:"object_id"`
	Sequence int    `json:"sequence"`
	Size     int64  `json:"size"`
	Hash     string `json:"hash"`
	BlobKey  string `json:"blob_key"`
}

// ChunkData holds chunk information during upload
type ChunkData struct {
	Data     []byte
	Sequence int
	Hash     string
	Size     int64
}

// OwnershipRecord associates an object with the user who uploaded it and
// carries its usage counters.
type OwnershipRecord struct {
	ObjectID      string    `json:"object_id"`
	OwnerID       string    `json:"owner_id"`
	DisplayName   string    `json:"display_name"`
	FormattedSize string    `json:"formatted_size"`
	Views         int64     `json:"views"`
	Downloads     int64     `json:"downloads"`
	CreatedAt     time.Time `json:"created_at"`
}

// Counter names a usage counter of an OwnershipRecord.
type Counter string

const (
	CounterViews     Counter = "views"
	CounterDownloads Counter = "downloads"
)

// Valid reports whether c names a known counter.
func (c Counter) Valid() bool {
	return c == CounterViews || c == CounterDownloads
}

// StorageUsage summarizes what an owner currently stores.
type StorageUsage struct {
	Used      int64     `json:"used"`
	Limit     int64     `json:"total"`
	FileCount int       `json:"fileCount"`
	Files     []*Object `json:"files"`
}
