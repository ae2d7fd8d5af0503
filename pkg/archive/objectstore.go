/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package archive

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/zeebo/blake3"

	"github.com/vzahanych/view-guard/pkg/models"
)

// ErrObjectNotFound is returned for locators with no stored object.
var ErrObjectNotFound = fmt.Errorf("%w: archive object", models.ErrNotFound)

// ObjectStore is the minimal remote storage contract the orchestrator
// depends on. Objects are content-addressed: Put derives the locator
// from the bytes, so a retried upload of identical content lands on the
// same key.
type ObjectStore interface {
	Put(ctx context.Context, data []byte) (locator string, err error)
	Get(ctx context.Context, locator string) ([]byte, error)
	Delete(ctx context.Context, locator string) error
}

// Address derives the content address for a blob.
func Address(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// FSStore is a filesystem-backed ObjectStore, sharded by locator
// prefix.
type FSStore struct {
	root string
}

// NewFSStore creates the store root if needed.
func NewFSStore(root string) (*FSStore, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("archive: create object store root: %w", err)
	}

	return &FSStore{root: root}, nil
}

func (s *FSStore) path(locator string) string {
	return filepath.Join(s.root, locator[:2], locator)
}

func (s *FSStore) Put(_ context.Context, data []byte) (string, error) {
	locator := Address(data)
	path := s.path(locator)

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return "", fmt.Errorf("archive: create shard dir: %w", err)
	}

	// Write-then-rename so a crashed upload never leaves a partial
	// object under a valid locator.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return "", fmt.Errorf("archive: write object: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("archive: commit object: %w", err)
	}

	return locator, nil
}

func (s *FSStore) Get(_ context.Context, locator string) ([]byte, error) {
	if len(locator) < 3 {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, locator)
	}

	data, err := os.ReadFile(s.path(locator))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, locator)
		}

		return nil, fmt.Errorf("archive: read object: %w", err)
	}

	return data, nil
}

func (s *FSStore) Delete(_ context.Context, locator string) error {
	if len(locator) < 3 {
		return nil
	}

	if err := os.Remove(s.path(locator)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("archive: delete object: %w", err)
	}

	return nil
}

// MemStore is an in-memory ObjectStore for tests.
type MemStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

func NewMemStore() *MemStore {
	return &MemStore{objects: make(map[string][]byte)}
}

func (s *MemStore) Put(_ context.Context, data []byte) (string, error) {
	locator := Address(data)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[locator] = append([]byte(nil), data...)

	return locator, nil
}

func (s *MemStore) Get(_ context.Context, locator string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.objects[locator]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, locator)
	}

	return append([]byte(nil), data...), nil
}

func (s *MemStore) Delete(_ context.Context, locator string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, locator)

	return nil
}

// Len reports the number of stored objects.
func (s *MemStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.objects)
}
