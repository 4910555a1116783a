package backend

import (
	"bytes"
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/cofferhq/coffer/pkg/errdefs"
)

// Mem is an in-memory backend used by tests and by the mem: location. It
// implements the same contracts as the real transports, including
// atomic PutIfAbsent.
type Mem struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMem creates an empty in-memory backend
func NewMem() *Mem {
	return &Mem{objects: make(map[string][]byte)}
}

func (m *Mem) Put(ctx context.Context, h Handle, data []byte) error {
	if err := ctx.Err(); err != nil {
		return errdefs.New(errdefs.KindCancelled, h.Key(), err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[h.Key()] = bytes.Clone(data)
	return nil
}

func (m *Mem) PutIfAbsent(ctx context.Context, h Handle, data []byte) error {
	if err := ctx.Err(); err != nil {
		return errdefs.New(errdefs.KindCancelled, h.Key(), err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[h.Key()]; ok {
		return errdefs.New(errdefs.KindAlreadyExists, h.Key(), nil)
	}
	m.objects[h.Key()] = bytes.Clone(data)
	return nil
}

func (m *Mem) Get(ctx context.Context, h Handle) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, errdefs.New(errdefs.KindCancelled, h.Key(), err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[h.Key()]
	if !ok {
		return nil, errdefs.New(errdefs.KindNotFound, h.Key(), nil)
	}
	return bytes.Clone(data), nil
}

func (m *Mem) GetRange(ctx context.Context, h Handle, offset int64, length int) ([]byte, error) {
	data, err := m.Get(ctx, h)
	if err != nil {
		return nil, err
	}
	if offset < 0 || offset+int64(length) > int64(len(data)) {
		return nil, errdefs.Newf(errdefs.KindBackendPermanent, h.Key(),
			"range [%d,%d) outside object of %d bytes", offset, offset+int64(length), len(data))
	}
	return bytes.Clone(data[offset : offset+int64(length)]), nil
}

func (m *Mem) List(ctx context.Context, t FileType, fn func(name string, size int64) error) error {
	m.mu.RLock()
	prefix := string(t) + "/"
	var names []string
	sizes := make(map[string]int64)
	for k, v := range m.objects {
		if strings.HasPrefix(k, prefix) {
			name := strings.TrimPrefix(k, prefix)
			names = append(names, name)
			sizes[name] = int64(len(v))
		}
	}
	m.mu.RUnlock()

	sort.Strings(names)
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return errdefs.New(errdefs.KindCancelled, prefix, err)
		}
		if err := fn(name, sizes[name]); err != nil {
			return err
		}
	}
	return nil
}

func (m *Mem) Delete(ctx context.Context, h Handle) error {
	if err := ctx.Err(); err != nil {
		return errdefs.New(errdefs.KindCancelled, h.Key(), err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[h.Key()]; !ok {
		return errdefs.New(errdefs.KindNotFound, h.Key(), nil)
	}
	delete(m.objects, h.Key())
	return nil
}

func (m *Mem) Exists(ctx context.Context, h Handle) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, errdefs.New(errdefs.KindCancelled, h.Key(), err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[h.Key()]
	return ok, nil
}

func (m *Mem) Close() error { return nil }

// Corrupt flips one bit of a stored object. Test hook for integrity
// checks; panics on a missing key.
func (m *Mem) Corrupt(h Handle, offset int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[h.Key()]
	if !ok {
		panic("corrupting missing object " + h.Key())
	}
	data[offset] ^= 0x01
}

// Len reports the number of stored objects of the given type.
func (m *Mem) Len(t FileType) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for k := range m.objects {
		if strings.HasPrefix(k, string(t)+"/") {
			n++
		}
	}
	return n
}
