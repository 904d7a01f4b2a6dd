package tenancy

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// fakeOpener hands out distinct handles and remembers which config each
// handle was opened with.
type fakeOpener struct {
	mu      sync.Mutex
	opened  map[*gorm.DB]ConnConfig
	count   int
	failFor string
}

func newFakeOpener() *fakeOpener {
	return &fakeOpener{opened: map[*gorm.DB]ConnConfig{}}
}

func (f *fakeOpener) open(cfg ConnConfig) (*gorm.DB, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFor != "" && cfg.DBName == f.failFor {
		return nil, fmt.Errorf("dial failed for %q", cfg.DBName)
	}
	db := &gorm.DB{Config: &gorm.Config{}}
	f.opened[db] = cfg
	f.count++
	return db, nil
}

func (f *fakeOpener) configOf(db *gorm.DB) ConnConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opened[db]
}

func (f *fakeOpener) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count
}

func TestRegistryGetOpensLazily(t *testing.T) {
	opener := newFakeOpener()
	r := NewRegistryWithOpener(opener.open)

	r.SetConnection("central", ConnConfig{DBName: "control_plane"})
	assert.Equal(t, 0, opener.openCount())

	db, err := r.Get("central")
	require.NoError(t, err)
	assert.Equal(t, "control_plane", opener.configOf(db).DBName)
	assert.Equal(t, 1, opener.openCount())

	// Second Get reuses the pool.
	again, err := r.Get("central")
	require.NoError(t, err)
	assert.Same(t, db, again)
	assert.Equal(t, 1, opener.openCount())
}

func TestRegistrySetConnectionDoesNotReplaceLivePool(t *testing.T) {
	opener := newFakeOpener()
	r := NewRegistryWithOpener(opener.open)

	r.SetConnection("tenant", ConnConfig{DBName: "tenant_a"})
	db, err := r.Get("tenant")
	require.NoError(t, err)

	// Replacing the config leaves the old pool serving until purge.
	r.SetConnection("tenant", ConnConfig{DBName: "tenant_b"})
	same, err := r.Get("tenant")
	require.NoError(t, err)
	assert.Same(t, db, same)

	r.Purge("tenant")
	fresh, err := r.Get("tenant")
	require.NoError(t, err)
	assert.NotSame(t, db, fresh)
	assert.Equal(t, "tenant_b", opener.configOf(fresh).DBName)
}

func TestRegistryReconnectReplacesPool(t *testing.T) {
	opener := newFakeOpener()
	r := NewRegistryWithOpener(opener.open)

	r.SetConnection("tenant", ConnConfig{DBName: "tenant_a"})
	first, err := r.Get("tenant")
	require.NoError(t, err)

	second, err := r.Reconnect("tenant")
	require.NoError(t, err)
	assert.NotSame(t, first, second)

	current, err := r.Get("tenant")
	require.NoError(t, err)
	assert.Same(t, second, current)
}

func TestRegistryReconnectUnknownName(t *testing.T) {
	r := NewRegistryWithOpener(newFakeOpener().open)

	_, err := r.Reconnect("ghost")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIllegalState)
}

func TestRegistryDefault(t *testing.T) {
	opener := newFakeOpener()
	r := NewRegistryWithOpener(opener.open)

	_, err := r.Default()
	assert.ErrorIs(t, err, ErrIllegalState)

	r.SetConnection("central", ConnConfig{DBName: "control_plane"})
	r.SetDefault("central")
	assert.Equal(t, "central", r.DefaultName())

	db, err := r.Default()
	require.NoError(t, err)
	assert.Equal(t, "control_plane", opener.configOf(db).DBName)
}

func TestRegistryPurgeUnknownNameIsNoop(t *testing.T) {
	r := NewRegistryWithOpener(newFakeOpener().open)
	r.Purge("ghost")
}

func TestRegistryConcurrentScopes(t *testing.T) {
	opener := newFakeOpener()
	r := NewRegistryWithOpener(opener.open)

	// Many goroutines register, use and remove their own scope names
	// concurrently; each must only ever observe its own database.
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := fmt.Sprintf("scope-%d", i)
			dbName := fmt.Sprintf("tenant_%d", i)
			r.SetConnection(name, ConnConfig{DBName: dbName})
			db, err := r.Reconnect(name)
			if assert.NoError(t, err) {
				assert.Equal(t, dbName, opener.configOf(db).DBName)
			}
			r.Remove(name)
		}(i)
	}
	wg.Wait()
}
