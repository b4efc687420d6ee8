package push

import "sync"

// Registry tracks which real-time connections belong to which account. It is
// mutated on every connect/disconnect and read on every broadcast, so all
// access goes through one RWMutex.
type Registry struct {
	mu          sync.RWMutex
	connections map[string]map[string]struct{} // account id -> set of connection ids
}

func NewRegistry() *Registry {
	return &Registry{
		connections: make(map[string]map[string]struct{}),
	}
}

// Register adds a connection for the account.
func (r *Registry) Register(accountID, connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.connections[accountID]
	if !ok {
		set = make(map[string]struct{})
		r.connections[accountID] = set
	}
	set[connectionID] = struct{}{}
}

// Unregister removes one connection; the account entry disappears with its
// last connection.
func (r *Registry) Unregister(accountID, connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.connections[accountID]
	if !ok {
		return
	}
	delete(set, connectionID)
	if len(set) == 0 {
		delete(r.connections, accountID)
	}
}

// Connections returns a copy of the account's live connection ids.
func (r *Registry) Connections(accountID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.connections[accountID]
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return ids
}

// DropAccount removes every connection for the account and returns how many
// were dropped. Called after a logout-all broadcast.
func (r *Registry) DropAccount(accountID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.connections[accountID])
	delete(r.connections, accountID)
	return n
}
