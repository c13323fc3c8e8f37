package memstore

import (
	"context"
	"net/url"
	"sync"

	"github.com/sluicedev/sluice/internal/storage"
)

// mem://name DSNs resolve to shared process-local engines, so a smoke run
// can seed a source engine and point the pipeline at it by name.
var (
	registryMu sync.Mutex
	registry   = map[string]*Engine{}
)

// Named returns the shared engine for a name, creating it on first use.
func Named(name string) *Engine {
	registryMu.Lock()
	defer registryMu.Unlock()
	if registry[name] == nil {
		registry[name] = NewEngine()
	}
	return registry[name]
}

type opener struct{}

func (opener) OpenSource(ctx context.Context, dsn, table string) (storage.Source, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	return Named(u.Host).Source(table), nil
}

func (opener) OpenTarget(ctx context.Context, dsn string) (storage.Target, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	return Named(u.Host), nil
}

func init() {
	storage.Register("mem", opener{})
}
