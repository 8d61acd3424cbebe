package meshclient

import (
	"fmt"
	"sync"
)

// Proxy is anything the injector can hand a wrapper in place of a
// declared dependency: a cross-service call, a local self-dependency call,
// or a test double.
type Proxy interface {
	Call(args map[string]any) (any, error)
}

// Wrapper receives injected-slot updates as the resolution changes. Index i
// is 0-based among the function's declared dependencies.
type Wrapper interface {
	UpdateDependency(i int, proxy Proxy)
}

// Injector maintains the live proxy set and pushes updates to every
// registered wrapper as dependencies are (re)resolved (spec §4.G). All
// mutations hold the write side of a single sync.RWMutex; reads are not
// lock-free: Lookup and Keys take a brief read-lock.
type Injector struct {
	mu sync.RWMutex

	dependencies      map[string]Proxy     // "<func_id>:dep_<i>" -> proxy
	functionRegistry  map[string]Wrapper   // func_id -> wrapper
	dependencyMapping map[string]map[string]bool // key -> set of func_id consuming it
}

// NewInjector builds an empty Injector.
func NewInjector() *Injector {
	return &Injector{
		dependencies:      make(map[string]Proxy),
		functionRegistry:  make(map[string]Wrapper),
		dependencyMapping: make(map[string]map[string]bool),
	}
}

// DependencyKey builds the composite key spec §4.G defines.
func DependencyKey(funcID string, depIndex int) string {
	return fmt.Sprintf("%s:dep_%d", funcID, depIndex)
}

// RegisterFunction associates a func_id with its wrapper and the set of
// dependency keys it consumes, so future register/unregister calls know
// which wrappers to notify.
func (inj *Injector) RegisterFunction(funcID string, w Wrapper, depKeys []string) {
	inj.mu.Lock()
	defer inj.mu.Unlock()
	inj.functionRegistry[funcID] = w
	for _, key := range depKeys {
		set, ok := inj.dependencyMapping[key]
		if !ok {
			set = make(map[string]bool)
			inj.dependencyMapping[key] = set
		}
		set[funcID] = true
	}
}

// Register assigns dependencies[key]=proxy, replacing any existing proxy
// at that key atomically, and notifies every consuming wrapper.
func (inj *Injector) Register(key string, proxy Proxy) {
	inj.mu.Lock()
	inj.dependencies[key] = proxy
	consumers := inj.dependencyMapping[key]
	funcIDs := make([]string, 0, len(consumers))
	for id := range consumers {
		funcIDs = append(funcIDs, id)
	}
	wrappers := make(map[string]Wrapper, len(funcIDs))
	for _, id := range funcIDs {
		wrappers[id] = inj.functionRegistry[id]
	}
	inj.mu.Unlock()

	idx := depIndexOf(key)
	for _, w := range wrappers {
		if w != nil {
			w.UpdateDependency(idx, proxy)
		}
	}
}

// Unregister removes key and notifies consumers that the slot is now nil.
func (inj *Injector) Unregister(key string) {
	inj.mu.Lock()
	delete(inj.dependencies, key)
	consumers := inj.dependencyMapping[key]
	wrappers := make([]Wrapper, 0, len(consumers))
	for id := range consumers {
		wrappers = append(wrappers, inj.functionRegistry[id])
	}
	inj.mu.Unlock()

	idx := depIndexOf(key)
	for _, w := range wrappers {
		if w != nil {
			w.UpdateDependency(idx, nil)
		}
	}
}

// Lookup returns the currently registered proxy for key, if any.
func (inj *Injector) Lookup(key string) (Proxy, bool) {
	inj.mu.RLock()
	defer inj.mu.RUnlock()
	p, ok := inj.dependencies[key]
	return p, ok
}

// Keys returns a snapshot of every currently registered dependency key.
func (inj *Injector) Keys() map[string]bool {
	inj.mu.RLock()
	defer inj.mu.RUnlock()
	out := make(map[string]bool, len(inj.dependencies))
	for k := range inj.dependencies {
		out[k] = true
	}
	return out
}

func depIndexOf(key string) int {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == '_' {
			var n int
			fmt.Sscanf(key[i+1:], "%d", &n)
			return n
		}
	}
	return 0
}
