package offer

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

// FileStore persists offers as a single JSON document, for single-node
// deployments without a database. Every mutation takes an exclusive advisory
// lock around a whole-file read-modify-write, so concurrent processes sharing
// the path cannot interleave updates.
type FileStore struct {
	path string
	lock *flock.Flock
	mu   sync.Mutex // serializes writers within this process
}

type fileDocument struct {
	Offers []*Offer `json:"offers"`
}

// NewFileStore creates a file-backed store at path, creating the file and
// parent directory if absent.
func NewFileStore(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create offers directory: %w", err)
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		doc, _ := json.MarshalIndent(fileDocument{Offers: []*Offer{}}, "", "  ")
		if err := os.WriteFile(path, doc, 0o644); err != nil {
			return nil, fmt.Errorf("failed to create offers file: %w", err)
		}
	}
	return &FileStore{
		path: path,
		lock: flock.New(path + ".lock"),
	}, nil
}

func (f *FileStore) Get(ctx context.Context, id string) (*Offer, error) {
	doc, err := f.read()
	if err != nil {
		return nil, err
	}
	for _, o := range doc.Offers {
		if o.ID == id {
			return o.Clone(), nil
		}
	}
	return nil, ErrOfferNotFound
}

func (f *FileStore) List(ctx context.Context) ([]*Offer, error) {
	doc, err := f.read()
	if err != nil {
		return nil, err
	}
	out := make([]*Offer, 0, len(doc.Offers))
	for _, o := range doc.Offers {
		out = append(out, o.Clone())
	}
	return out, nil
}

// Upsert inserts or replaces the offer under the advisory lock. CreatedAt of
// an existing record is preserved; UpdatedAt is always bumped.
func (f *FileStore) Upsert(ctx context.Context, o *Offer) error {
	if o.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidOffer)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	locked, err := f.lock.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		return fmt.Errorf("failed to acquire offers lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("offers file is locked by another process")
	}
	defer f.lock.Unlock()

	doc, err := f.read()
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	record := o.Clone()
	record.CreatedAt = now
	record.UpdatedAt = now

	replaced := false
	for i, existing := range doc.Offers {
		if existing.ID == o.ID {
			record.CreatedAt = existing.CreatedAt
			doc.Offers[i] = record
			replaced = true
			break
		}
	}
	if !replaced {
		doc.Offers = append(doc.Offers, record)
	}

	if err := f.write(doc); err != nil {
		return err
	}
	o.CreatedAt = record.CreatedAt
	o.UpdatedAt = record.UpdatedAt
	return nil
}

func (f *FileStore) read() (*fileDocument, error) {
	raw, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read offers file: %w", err)
	}
	doc := &fileDocument{}
	if err := json.Unmarshal(raw, doc); err != nil {
		return nil, fmt.Errorf("failed to parse offers file: %w", err)
	}
	return doc, nil
}

// write lands the document atomically: temp file in the same directory, then
// rename over the original.
func (f *FileStore) write(doc *fileDocument) error {
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode offers: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".offers-*")
	if err != nil {
		return fmt.Errorf("failed to create temp offers file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write offers: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close offers file: %w", err)
	}
	if err := os.Rename(tmpPath, f.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace offers file: %w", err)
	}
	return nil
}
