package memsession

import (
	"net/url"
	"sort"

	"github.com/pkg/errors"

	"github.com/pkg/gridftp"
	"github.com/pkg/gridftp/internal/sync"
)

// Store is an in-memory set of objects, keyed by path.
// It is safe for use by any number of sessions at once.
type Store struct {
	objects sync.Map[string, *object]
}

type object struct {
	mu   sync.Mutex
	data []byte
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return new(Store)
}

// Put replaces the object at path with a copy of data.
func (s *Store) Put(path string, data []byte) {
	obj, _ := s.objects.LoadOrStore(path, new(object))

	obj.mu.Lock()
	defer obj.mu.Unlock()

	obj.data = append([]byte(nil), data...)
}

// Get returns a copy of the object at path.
func (s *Store) Get(path string) ([]byte, bool) {
	obj, ok := s.objects.Load(path)
	if !ok {
		return nil, false
	}

	obj.mu.Lock()
	defer obj.mu.Unlock()

	return append([]byte(nil), obj.data...), true
}

// Remove deletes the object at path.
func (s *Store) Remove(path string) {
	s.objects.Delete(path)
}

// Paths returns the paths of every object, sorted.
func (s *Store) Paths() []string {
	var paths []string
	s.objects.Range(func(path string, _ *object) bool {
		paths = append(paths, path)
		return true
	})

	sort.Strings(paths)
	return paths
}

func (s *Store) lookup(path string) (*object, bool) {
	return s.objects.Load(path)
}

// create returns the object at path, creating it if needed.
// If truncate is set, any existing content is dropped.
func (s *Store) create(path string, truncate bool) *object {
	obj, _ := s.objects.LoadOrStore(path, new(object))

	if truncate {
		obj.mu.Lock()
		obj.data = nil
		obj.mu.Unlock()
	}

	return obj
}

func (o *object) size() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()

	return int64(len(o.data))
}

// readAt copies from o into b starting at off, without reading at or past limit.
// A negative limit means the end of the object.
func (o *object) readAt(b []byte, off, limit int64) (n int, end int64) {
	o.mu.Lock()
	defer o.mu.Unlock()

	end = int64(len(o.data))
	if limit >= 0 && limit < end {
		end = limit
	}

	if off >= end {
		return 0, end
	}

	return copy(b, o.data[off:end]), end
}

// writeAt copies b into o at off, growing o as needed.
func (o *object) writeAt(b []byte, off int64) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if need := off + int64(len(b)); need > int64(len(o.data)) {
		if need <= int64(cap(o.data)) {
			o.data = o.data[:need]
		} else {
			grown := make([]byte, need, need*2)
			copy(grown, o.data)
			o.data = grown
		}
	}

	copy(o.data[off:], b)
}

// pathOf returns the store key for a URL handed to the session.
func pathOf(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", errors.Wrap(gridftp.ErrParameter, err.Error())
	}
	return u.Path, nil
}
