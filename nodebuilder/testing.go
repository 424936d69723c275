package nodebuilder

import (
	"sync"
	"testing"

	"github.com/ipfs/go-datastore"
	ds_sync "github.com/ipfs/go-datastore/sync"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
)

// MockStore provides mock in memory Store for testing purposes.
func MockStore(t *testing.T, cfg *Config) Store {
	t.Helper()
	store := NewMemStore()

	err := store.PutConfig(cfg)
	require.NoError(t, err)
	return store
}

func TestNode(t *testing.T, opts ...fx.Option) *Node {
	return TestNodeWithConfig(t, DefaultConfig(), opts...)
}

func TestNodeWithConfig(t *testing.T, cfg *Config, opts ...fx.Option) *Node {
	t.Helper()
	nd, err := New(MockStore(t, cfg), opts...)
	require.NoError(t, err)
	return nd
}

// NewMemStore creates an in-memory Store.
func NewMemStore() Store {
	return &memStore{
		data: ds_sync.MutexWrap(datastore.NewMapDatastore()),
	}
}

type memStore struct {
	lk   sync.Mutex
	data datastore.Batching
	cfg  *Config
}

func (m *memStore) Path() string {
	return ""
}

func (m *memStore) Datastore() (datastore.Batching, error) {
	return m.data, nil
}

func (m *memStore) Config() (*Config, error) {
	m.lk.Lock()
	defer m.lk.Unlock()
	if m.cfg == nil {
		return nil, ErrNotInited
	}
	cfg := *m.cfg
	return &cfg, nil
}

func (m *memStore) PutConfig(cfg *Config) error {
	m.lk.Lock()
	defer m.lk.Unlock()
	c := *cfg
	m.cfg = &c
	return nil
}

func (m *memStore) Close() error {
	return nil
}
