// Package eeprom models the small byte-addressable persistent memory of a
// bus node and the two growth regions laid out inside it.
package eeprom

import (
	"fmt"
	"os"
	"sync"
)

// DefaultSize is the size of the persistent memory found on most nodes.
const DefaultSize = 1024

// Memory is byte-addressable persistent storage.
// Writes are single byte and unbuffered.
type Memory interface {
	Len() int
	At(off int) byte
	Update(off int, b byte)
}

// Image is an in-memory Memory.
type Image []byte

// NewImage creates an Image of size bytes, all zero as a virgin memory.
func NewImage(size int) Image {
	return make(Image, size)
}

// Len implements Memory.
func (m Image) Len() int { return len(m) }

// At implements Memory.
func (m Image) At(off int) byte { return m[off] }

// Update implements Memory.
func (m Image) Update(off int, b byte) { m[off] = b }

// File is a Memory persisted in a file, every update is written through.
type File struct {
	image Image
	file  *os.File
	lock  sync.Mutex
	err   error
}

// OpenFile opens or creates a memory file of size bytes.
func OpenFile(name string, size int) (*File, error) {
	f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	m := &File{image: NewImage(size), file: f}
	n, err := f.ReadAt(m.image, 0)
	if err != nil && n == 0 {
		if err = f.Truncate(int64(size)); err != nil {
			f.Close()
			return nil, fmt.Errorf("eeprom %s: %w", name, err)
		}
	}
	return m, nil
}

// Len implements Memory.
func (m *File) Len() int { return len(m.image) }

// At implements Memory.
func (m *File) At(off int) byte {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.image[off]
}

// Update implements Memory.
// Unchanged bytes are not written, like the EEPROM update primitive.
func (m *File) Update(off int, b byte) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.image[off] == b {
		return
	}
	m.image[off] = b
	if _, err := m.file.WriteAt([]byte{b}, int64(off)); err != nil && m.err == nil {
		m.err = fmt.Errorf("%w: %v", ErrWrite, err)
	}
}

// Err returns the first write error.
func (m *File) Err() error {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.err
}

// Close implements io.Closer. The first write error, if any, is
// returned once the file is closed.
func (m *File) Close() error {
	err := m.file.Sync()
	if cerr := m.file.Close(); err == nil {
		err = cerr
	}
	if werr := m.Err(); werr != nil {
		return werr
	}
	return err
}
