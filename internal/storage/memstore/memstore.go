// Package memstore keeps the whole datastore in process memory. It backs the
// "memory" storage driver for local runs and the tests of the layers above
// storage.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/juju/errors"

	"github.com/HaddajiForks/Savage-Files/internal/models"
)

// Blobs is an in-memory chunk body store.
type Blobs struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewBlobs() *Blobs {
	return &Blobs{blobs: make(map[string][]byte)}
}

func (b *Blobs) PutChunk(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	b.mu.Lock()
	b.blobs[key] = cp
	b.mu.Unlock()
	return nil
}

func (b *Blobs) GetChunk(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	data, ok := b.blobs[key]
	if !ok {
		return nil, errors.NotFoundf("chunk %s", key)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

func (b *Blobs) RemovePrefix(ctx context.Context, prefix string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for key := range b.blobs {
		if strings.HasPrefix(key, prefix) {
			delete(b.blobs, key)
		}
	}
	return nil
}

// Keys lists stored keys under prefix in sorted order.
func (b *Blobs) Keys(prefix string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var keys []string
	for key := range b.blobs {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// Store is an in-memory object catalog, chunk index and ownership index.
type Store struct {
	mu        sync.RWMutex
	objects   map[string]*models.Object
	chunks    map[string][]*models.Chunk
	ownership map[string]*models.OwnershipRecord
	// order of ownership inserts, for stable listings
	inserted []string
}

func NewStore() *Store {
	return &Store{
		objects:   make(map[string]*models.Object),
		chunks:    make(map[string][]*models.Chunk),
		ownership: make(map[string]*models.OwnershipRecord),
	}
}

func (s *Store) CreateObject(ctx context.Context, object *models.Object, chunks []*models.Chunk) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[object.ID]; ok {
		return errors.AlreadyExistsf("object %s", object.ID)
	}
	obj := *object
	s.objects[object.ID] = &obj
	index := make([]*models.Chunk, len(chunks))
	for i, c := range chunks {
		cp := *c
		index[i] = &cp
	}
	sort.Slice(index, func(i, j int) bool { return index[i].Sequence < index[j].Sequence })
	s.chunks[object.ID] = index
	return nil
}

func (s *Store) GetObject(ctx context.Context, objectID string) (*models.Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	object, ok := s.objects[objectID]
	if !ok {
		return nil, errors.NotFoundf("object %s", objectID)
	}
	cp := *object
	return &cp, nil
}

func (s *Store) GetObjects(ctx context.Context, objectIDs []string) ([]*models.Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Object
	seen := make(map[string]bool, len(objectIDs))
	for _, id := range objectIDs {
		object, ok := s.objects[id]
		if !ok || seen[id] {
			continue
		}
		seen[id] = true
		cp := *object
		out = append(out, &cp)
	}
	return out, nil
}

func (s *Store) GetChunks(ctx context.Context, objectID string) ([]*models.Chunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	index := s.chunks[objectID]
	out := make([]*models.Chunk, len(index))
	for i, c := range index {
		cp := *c
		out[i] = &cp
	}
	return out, nil
}

func (s *Store) DeleteObject(ctx context.Context, objectID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, objectID)
	delete(s.chunks, objectID)
	return nil
}

// SetChunks replaces the chunk index of an object.
func (s *Store) SetChunks(objectID string, chunks []*models.Chunk) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks[objectID] = chunks
}

func (s *Store) ListOrphanObjects(ctx context.Context, cutoff time.Time, limit int) ([]*models.Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Object
	for id, object := range s.objects {
		if _, owned := s.ownership[id]; owned || !object.CreatedAt.Before(cutoff) {
			continue
		}
		cp := *object
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) RecordOwnership(ctx context.Context, record *models.OwnershipRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ownership[record.ObjectID]; ok {
		return errors.AlreadyExistsf("ownership of object %s", record.ObjectID)
	}
	cp := *record
	s.ownership[record.ObjectID] = &cp
	s.inserted = append(s.inserted, record.ObjectID)
	return nil
}

func (s *Store) ListByOwner(ctx context.Context, ownerID string) ([]*models.OwnershipRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.OwnershipRecord
	for _, id := range s.inserted {
		record, ok := s.ownership[id]
		if !ok || record.OwnerID != ownerID {
			continue
		}
		cp := *record
		out = append(out, &cp)
	}
	return out, nil
}

func (s *Store) FindByObjectAndOwner(ctx context.Context, objectID, ownerID string) (*models.OwnershipRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.ownership[objectID]
	if !ok {
		return nil, errors.NotFoundf("file %s", objectID)
	}
	if record.OwnerID != ownerID {
		return nil, errors.Unauthorizedf("file %s is not owned by %s", objectID, ownerID)
	}
	cp := *record
	return &cp, nil
}

func (s *Store) IncrementCounter(ctx context.Context, objectID string, counter models.Counter) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !counter.Valid() {
		return errors.NotValidf("counter %q", counter)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.ownership[objectID]
	if !ok {
		return errors.NotFoundf("file %s", objectID)
	}
	switch counter {
	case models.CounterViews:
		record.Views++
	case models.CounterDownloads:
		record.Downloads++
	}
	return nil
}

func (s *Store) DeleteRecord(ctx context.Context, objectID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ownership[objectID]; !ok {
		return errors.NotFoundf("file %s", objectID)
	}
	delete(s.ownership, objectID)
	for i, id := range s.inserted {
		if id == objectID {
			s.inserted = append(s.inserted[:i], s.inserted[i+1:]...)
			break
		}
	}
	return nil
}
