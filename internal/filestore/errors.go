package filestore

import "github.com/juju/errors"

const (
	// ErrIngestion marks a write that did not complete. Chunks written
	// before the failure have been discarded unless the error says otherwise.
	ErrIngestion = errors.ConstError("ingestion failed")

	// ErrCorruption marks an object whose stored chunks do not add up to
	// its catalog record.
	ErrCorruption = errors.ConstError("object corrupted")
)
