// Package memstore is an in-process signaling store.
// Deliveries are asynchronous and ordered per subscriber, like a remote store.
package memstore

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"oreocam/native/internal/domain"

	"github.com/rs/zerolog/log"
)

// Store holds documents by path.
type Store struct {
	mu     sync.Mutex
	docs   map[string]domain.Document
	subs   map[string]map[uint64]*subscriber
	nextID uint64
}

var _ domain.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		docs: make(map[string]domain.Document),
		subs: make(map[string]map[uint64]*subscriber),
	}
}

// CreateOrMerge creates the document or overwrites the given top-level fields.
func (s *Store) CreateOrMerge(ctx context.Context, path string, fields domain.Document) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: merge %s: %w", domain.ErrStoreWrite, path, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[path]
	if !ok {
		doc = make(domain.Document, len(fields))
		s.docs[path] = doc
	}
	for k, v := range fields.Clone() {
		doc[k] = v
	}
	s.notifyLocked(path)
	return nil
}

// AppendToArray adds value to the string array field unless already present.
// The document must exist.
func (s *Store) AppendToArray(ctx context.Context, path, field, value string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: append %s: %w", domain.ErrStoreWrite, path, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[path]
	if !ok {
		return fmt.Errorf("%w: append %s: %w", domain.ErrStoreWrite, path, domain.ErrDocumentNotFound)
	}
	arr, err := stringArray(doc[field])
	if err != nil {
		return fmt.Errorf("%w: append %s.%s: %w", domain.ErrStoreWrite, path, field, err)
	}
	if slices.Contains(arr, value) {
		return nil
	}
	doc[field] = append(arr, value)
	s.notifyLocked(path)
	return nil
}

// Delete removes the document. Deleting an absent document is not an error.
func (s *Store) Delete(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: delete %s: %w", domain.ErrStoreWrite, path, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.docs[path]; !ok {
		return nil
	}
	delete(s.docs, path)
	s.notifyLocked(path)
	return nil
}

// Subscribe delivers the current state immediately and every later change.
func (s *Store) Subscribe(ctx context.Context, path string, onChange func(domain.Snapshot)) (domain.Unsubscribe, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", domain.ErrStoreReadUnavailable, path, err)
	}

	sub := newSubscriber(onChange)

	s.mu.Lock()
	s.nextID++
	id := s.nextID
	if s.subs[path] == nil {
		s.subs[path] = make(map[uint64]*subscriber)
	}
	s.subs[path][id] = sub
	sub.push(s.snapshotLocked(path))
	s.mu.Unlock()

	go sub.run()

	var once sync.Once
	return func() {
		once.Do(func() {
			sub.stopped.Store(true)
			s.mu.Lock()
			delete(s.subs[path], id)
			if len(s.subs[path]) == 0 {
				delete(s.subs, path)
			}
			s.mu.Unlock()
			// Pushes only happen under s.mu, so none can race the close.
			close(sub.wake)
		})
	}, nil
}

// Get returns a copy of the document at path.
func (s *Store) Get(path string) (domain.Document, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[path]
	return doc.Clone(), ok
}

// Len returns the number of stored documents.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.docs)
}

func (s *Store) snapshotLocked(path string) domain.Snapshot {
	doc, ok := s.docs[path]
	return domain.Snapshot{Path: path, Exists: ok, Data: doc.Clone()}
}

func (s *Store) notifyLocked(path string) {
	if len(s.subs[path]) == 0 {
		return
	}
	snap := s.snapshotLocked(path)
	for _, sub := range s.subs[path] {
		sub.push(domain.Snapshot{Path: snap.Path, Exists: snap.Exists, Data: snap.Data.Clone()})
	}
}

func stringArray(v any) ([]string, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case []string:
		return t, nil
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			str, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("array element is %T, not string", item)
			}
			out = append(out, str)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("field is %T, not an array", v)
	}
}

type subscriber struct {
	onChange func(domain.Snapshot)

	mu      sync.Mutex
	queue   []domain.Snapshot
	wake    chan struct{}
	stopped atomic.Bool
}

func newSubscriber(onChange func(domain.Snapshot)) *subscriber {
	return &subscriber{
		onChange: onChange,
		wake:     make(chan struct{}, 1),
	}
}

func (s *subscriber) push(snap domain.Snapshot) {
	s.mu.Lock()
	s.queue = append(s.queue, snap)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) run() {
	for range s.wake {
		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			snap := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()

			if s.stopped.Load() {
				return
			}
			s.deliver(snap)
		}
	}
}

func (s *subscriber) deliver(snap domain.Snapshot) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("module", "store").Str("path", snap.Path).Interface("panic", r).Msg("subscriber panicked")
		}
	}()
	s.onChange(snap)
}
