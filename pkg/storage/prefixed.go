package storage

import "strings"

// Prefixed is a namespaced view over a shared store. Keys passed in and
// handed to Scan callbacks are relative to the namespace.
type Prefixed struct {
	inner KeyValueStore
	ns    string
}

func NewPrefixed(inner KeyValueStore, namespace string) *Prefixed {
	return &Prefixed{inner: inner, ns: namespace}
}

func (p *Prefixed) Get(key string) ([]byte, bool, error) { return p.inner.Get(p.ns + key) }

func (p *Prefixed) Put(key string, value []byte) error { return p.inner.Put(p.ns+key, value) }

func (p *Prefixed) Scan(prefix string, fn func(key string, value []byte) error) error {
	return p.inner.Scan(p.ns+prefix, func(key string, value []byte) error {
		return fn(strings.TrimPrefix(key, p.ns), value)
	})
}

// Close is a no-op; the owner of the shared store closes it.
func (p *Prefixed) Close() error { return nil }

var _ KeyValueStore = (*Prefixed)(nil)
