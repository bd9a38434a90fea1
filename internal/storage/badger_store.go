package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/cropsight/edge-agent/internal/errdefs"
	"github.com/cropsight/edge-agent/internal/models"
)

// Store is the durable local cache of detection results, upload batches and
// archived sessions. Kept minimal, allows swapping implementations.
type Store interface {
	AppendResult(ctx context.Context, r *models.DetectionResult, media []byte) error
	GetResult(ctx context.Context, id string) (*models.DetectionResult, error)
	ListPending(ctx context.Context) ([]*models.DetectionResult, error)
	ReserveResults(ctx context.Context, ids []string) error
	CommitResults(ctx context.Context, ids []string) error
	ReleaseResults(ctx context.Context, ids []string) error
	SaveBatch(ctx context.Context, b *models.UploadBatch) error
	GetBatch(ctx context.Context, id string) (*models.UploadBatch, error)
	ArchiveSession(ctx context.Context, s *models.Session) error
	MediaPath(id string) string
	MediaExists(id string) bool
	Close() error
}

// BadgerStore implements Store with Badger DB for the index and plain files
// for media blobs. Both survive process restart.
type BadgerStore struct {
	db       *badger.DB
	seq      *badger.Sequence
	mediaDir string
}

// NewBadgerStore opens the index at path and keeps media blobs under mediaDir.
func NewBadgerStore(path, mediaDir string) (*BadgerStore, error) {
	if err := os.MkdirAll(mediaDir, 0o755); err != nil {
		return nil, fmt.Errorf("media dir: %w", err)
	}
	opts := badger.DefaultOptions(filepath.Clean(path))
	opts.Logger = nil                         // disable badger logs for test clarity
	opts = opts.WithValueLogFileSize(1 << 20) // smaller value log for edge devices
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	seq, err := db.GetSequence([]byte("seq:result"), 64)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BadgerStore{db: db, seq: seq, mediaDir: mediaDir}, nil
}

// Ping verifies the index is readable. Used as the orchestrator health check.
func (s *BadgerStore) Ping() error {
	return s.db.View(func(txn *badger.Txn) error { return nil })
}

func (s *BadgerStore) Close() error {
	if s.seq != nil {
		_ = s.seq.Release()
	}
	return s.db.Close()
}

func resultKey(id string) []byte {
	return []byte("result:" + id)
}

func batchKey(id string) []byte {
	return []byte("batch:" + id)
}

func sessionKey(id string) []byte {
	return []byte("session:" + id)
}

// MediaPath returns where the media blob for a result lives.
func (s *BadgerStore) MediaPath(id string) string {
	return filepath.Join(s.mediaDir, id+".jpg")
}

// MediaExists reports whether the local media blob for a result is present.
func (s *BadgerStore) MediaExists(id string) bool {
	_, err := os.Stat(s.MediaPath(id))
	return err == nil
}

// AppendResult assigns the creation sequence number, writes the media blob and
// persists the result index record. The result enters upload state pending.
func (s *BadgerStore) AppendResult(ctx context.Context, r *models.DetectionResult, media []byte) error {
	n, err := s.seq.Next()
	if err != nil {
		return fmt.Errorf("result seq: %w", err)
	}
	r.Seq = n
	r.UploadState = models.UploadPending
	r.ImageRef = s.MediaPath(r.ID)

	if err := os.WriteFile(r.ImageRef, media, 0o644); err != nil {
		return fmt.Errorf("write media: %w", err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		data, err := json.Marshal(r)
		if err != nil {
			return err
		}
		return txn.Set(resultKey(r.ID), data)
	})
}

// GetResult fetches a result by ID.
func (s *BadgerStore) GetResult(ctx context.Context, id string) (*models.DetectionResult, error) {
	var out models.DetectionResult
	err := s.db.View(func(txn *badger.Txn) error {
		return readJSON(txn, resultKey(id), &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ListPending returns all results in upload state pending, in creation order.
func (s *BadgerStore) ListPending(ctx context.Context) ([]*models.DetectionResult, error) {
	var out []*models.DetectionResult
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte("result:")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var r models.DetectionResult
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &r)
			}); err != nil {
				return err
			}
			if r.UploadState == models.UploadPending {
				cp := r
				out = append(out, &cp)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// canAdvance enforces the forward-only upload state machine. The single
// sanctioned reverse edge is reserved -> pending, the revert after a batch
// exhausts its commit retries.
func canAdvance(from, to models.UploadState) bool {
	switch from {
	case models.UploadPending:
		return to == models.UploadReserved
	case models.UploadReserved:
		return to == models.UploadCommitted || to == models.UploadFailed || to == models.UploadPending
	default:
		return false
	}
}

// advanceResults moves every listed result to the target state inside one
// transaction. Boxes, masks and confidence are rewritten verbatim; only the
// upload state changes.
func (s *BadgerStore) advanceResults(ids []string, to models.UploadState) error {
	return s.db.Update(func(txn *badger.Txn) error {
		for _, id := range ids {
			var r models.DetectionResult
			if err := readJSON(txn, resultKey(id), &r); err != nil {
				return fmt.Errorf("result %s: %w", id, err)
			}
			if !canAdvance(r.UploadState, to) {
				return errdefs.Conflict("storage.advance",
					"result %s is %s, cannot move to %s", id, r.UploadState, to)
			}
			r.UploadState = to
			data, err := json.Marshal(&r)
			if err != nil {
				return err
			}
			if err := txn.Set(resultKey(id), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// ReserveResults atomically moves all listed results pending -> reserved.
// Any result not pending fails the whole reservation with a ConflictError,
// which is what rejects overlapping checkouts.
func (s *BadgerStore) ReserveResults(ctx context.Context, ids []string) error {
	return s.advanceResults(ids, models.UploadReserved)
}

// CommitResults moves the listed results reserved -> committed and deletes
// their local media. Media is only ever deleted here, after the batch commit
// was confirmed by the platform.
func (s *BadgerStore) CommitResults(ctx context.Context, ids []string) error {
	if err := s.advanceResults(ids, models.UploadCommitted); err != nil {
		return err
	}
	for _, id := range ids {
		if err := os.Remove(s.MediaPath(id)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("delete media %s: %w", id, err)
		}
	}
	return nil
}

// ReleaseResults reverts the listed results reserved -> pending so a later
// checkout can retry them. Media is preserved for operator inspection.
func (s *BadgerStore) ReleaseResults(ctx context.Context, ids []string) error {
	return s.advanceResults(ids, models.UploadPending)
}

// SaveBatch persists an upload batch record.
func (s *BadgerStore) SaveBatch(ctx context.Context, b *models.UploadBatch) error {
	return s.db.Update(func(txn *badger.Txn) error {
		data, err := json.Marshal(b)
		if err != nil {
			return err
		}
		return txn.Set(batchKey(b.ID), data)
	})
}

// GetBatch fetches a batch by ID.
func (s *BadgerStore) GetBatch(ctx context.Context, id string) (*models.UploadBatch, error) {
	var out models.UploadBatch
	err := s.db.View(func(txn *badger.Txn) error {
		return readJSON(txn, batchKey(id), &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ArchiveSession persists a closed session for audit.
func (s *BadgerStore) ArchiveSession(ctx context.Context, sess *models.Session) error {
	return s.db.Update(func(txn *badger.Txn) error {
		data, err := json.Marshal(sess)
		if err != nil {
			return err
		}
		return txn.Set(sessionKey(sess.ID), data)
	})
}

func readJSON(txn *badger.Txn, key []byte, out interface{}) error {
	item, err := txn.Get(key)
	if err != nil {
		if err == badger.ErrKeyNotFound {
			return errdefs.ErrNotFound
		}
		return err
	}
	return item.Value(func(v []byte) error {
		return json.Unmarshal(v, out)
	})
}
