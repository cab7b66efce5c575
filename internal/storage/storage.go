// Package storage is arbor's in-memory two-level engine: namespace, tree,
// ordered map<bytes,bytes>. Ordering and restartable scans are provided
// by github.com/tidwall/btree's generic BTreeG, which gives
// ascend-from-pivot iteration for free. Each tree carries its own
// sync.RWMutex so a writer holds the lock for the duration of a mutation
// and a scan holds it for the duration of the full iteration, giving
// each statement a consistent snapshot of the trees it touches.
package storage

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/tidwall/btree"
)

// kv is the ordered-map entry stored in a tree's BTreeG.
type kv struct {
	Key, Value []byte
}

func kvLess(a, b kv) bool { return bytes.Compare(a.Key, b.Key) < 0 }

// Tree is a single ordered key/value map, guarded by its own lock.
type Tree struct {
	mu   sync.RWMutex
	data *btree.BTreeG[kv]
}

func newTree() *Tree {
	return &Tree{data: btree.NewBTreeG(kvLess)}
}

// NotFoundError/ExistsError are the result kinds for a missing or
// already-present namespace or tree; storage deliberately
// returns named error values rather than bool flags so callers can
// propagate a SQLSTATE-free internal reason up to the catalog layer, which
// attaches the appropriate pgerror code.
type NotFoundError struct{ what string }

func (e *NotFoundError) Error() string { return e.what + ": not found" }

type ExistsError struct{ what string }

func (e *ExistsError) Error() string { return e.what + ": already exists" }

// Namespace owns a set of named trees.
type namespace struct {
	mu    sync.RWMutex
	trees map[string]*Tree
}

// Engine is the top-level namespace directory.
type Engine struct {
	mu         sync.RWMutex
	namespaces map[string]*namespace
}

func NewEngine() *Engine {
	return &Engine{namespaces: make(map[string]*namespace)}
}

func (e *Engine) CreateNamespace(ns string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.namespaces[ns]; ok {
		return &ExistsError{what: fmt.Sprintf("namespace %q", ns)}
	}
	e.namespaces[ns] = &namespace{trees: make(map[string]*Tree)}
	return nil
}

func (e *Engine) DropNamespace(ns string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.namespaces[ns]; !ok {
		return &NotFoundError{what: fmt.Sprintf("namespace %q", ns)}
	}
	delete(e.namespaces, ns)
	return nil
}

func (e *Engine) getNamespace(ns string) (*namespace, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	n, ok := e.namespaces[ns]
	if !ok {
		return nil, &NotFoundError{what: fmt.Sprintf("namespace %q", ns)}
	}
	return n, nil
}

func (e *Engine) CreateTree(ns, t string) error {
	n, err := e.getNamespace(ns)
	if err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.trees[t]; ok {
		return &ExistsError{what: fmt.Sprintf("tree %q", t)}
	}
	n.trees[t] = newTree()
	return nil
}

func (e *Engine) DropTree(ns, t string) error {
	n, err := e.getNamespace(ns)
	if err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.trees[t]; !ok {
		return &NotFoundError{what: fmt.Sprintf("tree %q", t)}
	}
	delete(n.trees, t)
	return nil
}

func (e *Engine) tree(ns, t string) (*Tree, error) {
	n, err := e.getNamespace(ns)
	if err != nil {
		return nil, err
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	tr, ok := n.trees[t]
	if !ok {
		return nil, &NotFoundError{what: fmt.Sprintf("tree %q", t)}
	}
	return tr, nil
}

// Row is a single key/value pair as written to or read from a tree.
type Row struct {
	Key, Value []byte
}

// Write upserts rows into (ns, t); idempotent per key (a repeated key
// overwrites). Returns the count written.
func (e *Engine) Write(ns, t string, rows []Row) (int, error) {
	tr, err := e.tree(ns, t)
	if err != nil {
		return 0, err
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	for _, r := range rows {
		tr.data.Set(kv{Key: r.Key, Value: r.Value})
	}
	return len(rows), nil
}

// Delete removes keys from (ns, t); keys absent from the tree are counted
// zero, not an error.
func (e *Engine) Delete(ns, t string, keys [][]byte) (int, error) {
	tr, err := e.tree(ns, t)
	if err != nil {
		return 0, err
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	n := 0
	for _, k := range keys {
		if _, ok := tr.data.Delete(kv{Key: k}); ok {
			n++
		}
	}
	return n, nil
}

// Read returns every (key, value) pair in (ns, t) in ascending key order.
// The scan holds the tree's read lock for its entire duration so callers
// observe a consistent snapshot.
func (e *Engine) Read(ns, t string) ([]Row, error) {
	tr, err := e.tree(ns, t)
	if err != nil {
		return nil, err
	}
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	out := make([]Row, 0, tr.data.Len())
	tr.data.Scan(func(item kv) bool {
		out = append(out, Row{Key: item.Key, Value: item.Value})
		return true
	})
	return out, nil
}

// ReadFrom resumes a scan of (ns, t) starting at the first key >= from,
// satisfying the "restartable" requirement on Read without holding the
// lock across calls.
func (e *Engine) ReadFrom(ns, t string, from []byte) ([]Row, error) {
	tr, err := e.tree(ns, t)
	if err != nil {
		return nil, err
	}
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	out := make([]Row, 0, tr.data.Len())
	tr.data.Ascend(kv{Key: from}, func(item kv) bool {
		out = append(out, Row{Key: item.Key, Value: item.Value})
		return true
	})
	return out, nil
}

// Get fetches a single key.
func (e *Engine) Get(ns, t string, key []byte) ([]byte, bool, error) {
	tr, err := e.tree(ns, t)
	if err != nil {
		return nil, false, err
	}
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	item, ok := tr.data.Get(kv{Key: key})
	if !ok {
		return nil, false, nil
	}
	return item.Value, true, nil
}

// Len reports the number of entries in (ns, t).
func (e *Engine) Len(ns, t string) (int, error) {
	tr, err := e.tree(ns, t)
	if err != nil {
		return 0, err
	}
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	return tr.data.Len(), nil
}
