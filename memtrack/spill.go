// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package memtrack

import (
	"os"
	"sync"

	"github.com/zeebo/errs"
)

// spillStore owns the spill directory. All files it creates are removed
// on Close; the format of the files is private to the callers.
type spillStore struct {
	mu    sync.Mutex
	dir   string
	files map[string]struct{}
}

func newSpillStore(dir string) (*spillStore, error) {
	dir, err := os.MkdirTemp(dir, "datasync-spill-")
	if err != nil {
		return nil, err
	}
	return &spillStore{
		dir:   dir,
		files: make(map[string]struct{}),
	}, nil
}

// Spill writes data to a fresh file under the spill directory and
// returns its path.
func (m *Manager) Spill(data []byte, prefix string) (path string, err error) {
	file, err := os.CreateTemp(m.spill.dir, prefix+"-*.spill")
	if err != nil {
		return "", Error.Wrap(err)
	}
	defer func() {
		err = errs.Combine(err, file.Close())
	}()

	if _, err := file.Write(data); err != nil {
		return "", Error.Wrap(err)
	}

	m.spill.mu.Lock()
	m.spill.files[file.Name()] = struct{}{}
	m.spill.mu.Unlock()

	m.mu.Lock()
	m.stats.SpillCount++
	m.stats.SpillBytes += int64(len(data))
	m.mu.Unlock()

	mon.Meter("memtrack_spill_bytes").Mark(len(data))
	return file.Name(), nil
}

// Load reads back a spill file. The file stays on disk until Remove or
// Close.
func (m *Manager) Load(path string) ([]byte, error) {
	m.spill.mu.Lock()
	_, known := m.spill.files[path]
	m.spill.mu.Unlock()
	if !known {
		return nil, Error.New("unknown spill file: %q", path)
	}

	data, err := os.ReadFile(path)
	return data, Error.Wrap(err)
}

// Remove deletes a single spill file.
func (m *Manager) Remove(path string) error {
	m.spill.mu.Lock()
	delete(m.spill.files, path)
	m.spill.mu.Unlock()
	return Error.Wrap(os.Remove(path))
}

// SpillDir returns the directory owned by the manager.
func (m *Manager) SpillDir() string { return m.spill.dir }

func (s *spillStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var group errs.Group
	for path := range s.files {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			group.Add(err)
		}
	}
	s.files = map[string]struct{}{}

	group.Add(os.RemoveAll(s.dir))
	return group.Err()
}
