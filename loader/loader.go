// Package loader compiles guest images and caches the results so an
// exec of the same binary, or many units instantiating the kernel,
// compile once. Cache keys are content hashes, so the same bytes at a
// different guest address still hit.
package loader

import (
	"context"
	"encoding/base64"
	"os"
	"sync"

	"golang.org/x/crypto/blake2b"

	hclog "github.com/hashicorp/go-hclog"
	lru "github.com/hashicorp/golang-lru"
	"github.com/kyroskoh/linux-wasm/log"
	"github.com/pkg/errors"
	"github.com/tetratelabs/wazero"
)

type Cache struct {
	mu sync.RWMutex

	cache *lru.ARCCache
}

func NewCache() *Cache {
	cache, err := lru.NewARC(100)
	if err != nil {
		panic(err)
	}

	return &Cache{cache: cache}
}

func (c *Cache) Lookup(key string) (wazero.CompiledModule, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	val, ok := c.cache.Get(key)
	if !ok {
		return nil, false
	}

	return val.(wazero.CompiledModule), true
}

func (c *Cache) Set(key string, m wazero.CompiledModule) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cache.Add(key, m)
}

type compileFunc func(context.Context, []byte) (wazero.CompiledModule, error)

type Loader struct {
	L hclog.Logger

	cache   *Cache
	compile compileFunc
}

func New(rt wazero.Runtime, cache *Cache) *Loader {
	return &Loader{
		L:       log.Named("loader"),
		cache:   cache,
		compile: rt.CompileModule,
	}
}

func cacheKey(source []byte) string {
	sum := blake2b.Sum256(source)
	return base64.StdEncoding.EncodeToString(sum[:])
}

// Compile returns the compiled form of source, from cache when the
// same bytes were compiled before.
func (l *Loader) Compile(ctx context.Context, source []byte) (wazero.CompiledModule, error) {
	key := cacheKey(source)

	if m, ok := l.cache.Lookup(key); ok {
		l.L.Trace("compile-cache-hit", "key", key)
		return m, nil
	}

	m, err := l.compile(ctx, source)
	if err != nil {
		return nil, errors.Wrap(err, "compiling guest module")
	}

	l.cache.Set(key, m)

	return m, nil
}

// LoadFile compiles a module image from the host filesystem.
func (l *Loader) LoadFile(ctx context.Context, path string) (wazero.CompiledModule, error) {
	source, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	l.L.Info("loading module", "path", path, "size", len(source))

	return l.Compile(ctx, source)
}
