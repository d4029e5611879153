// Package predict defines the boundary to prediction systems. The
// pipeline treats a System as a black box: it feeds per-entity features
// in and writes whatever comes out, without knowing how the numbers
// were produced.
package predict

import (
	"sort"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/courtdata/pipeline-cli/internal/model"
)

// System produces a projected stat line for one entity from its
// pre-loaded context. Implementations must be pure with respect to the
// item: no shared-resource access from inside a worker.
type System interface {
	Name() string
	Predict(item model.WorkItem) (*model.StatRecord, error)
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]System)
)

// Register makes a prediction system selectable by name. Duplicate
// names panic at init time.
func Register(sys System) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := registry[sys.Name()]; exists {
		panic("predict: duplicate system " + sys.Name())
	}
	registry[sys.Name()] = sys
}

// Lookup returns the named system.
func Lookup(name string) (System, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	sys, ok := registry[name]
	if !ok {
		return nil, eris.Errorf("predict: unknown system %q", name)
	}
	return sys, nil
}

// Systems lists registered system names, sorted.
func Systems() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
