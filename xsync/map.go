package xsync

import (
	"sync"
)

type syncMap[K comparable, V any] struct {
	m sync.Map
}

func (s *syncMap[K, V]) Load(key K) (V, bool) {
	val, ok := s.m.Load(key)
	if !ok {
		var zeroVal V
		return zeroVal, false
	}

	return val.(V), true
}

func (s *syncMap[K, V]) Range(f func(key K, value V) bool) {
	s.m.Range(func(k, v any) bool {
		return f(k.(K), v.(V))
	})
}

func (s *syncMap[K, V]) LoadOrStore(key K, value V) (actual V, loaded bool) {
	v, loaded := s.m.LoadOrStore(key, value)
	return v.(V), loaded
}

// Map is a typed view over sync.Map.
//
// Pool partitions are written once per key and read on every request,
// which is the access pattern sync.Map is tuned for.
type Map[K comparable, V any] interface {
	Load(key K) (V, bool)
	Range(f func(key K, value V) bool)
	LoadOrStore(key K, value V) (actual V, loaded bool)
}

func NewMap[K comparable, V any]() Map[K, V] {
	return &syncMap[K, V]{}
}
