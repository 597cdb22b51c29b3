package pipeline

import "sync"

// Registry tracks live sessions so they can be shut down together.
type Registry struct {
	mu       sync.Mutex
	sessions map[*ConnectionContext]struct{}
	closed   bool
	wg       sync.WaitGroup
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[*ConnectionContext]struct{})}
}

// Add registers c. It returns false after CloseAll; the caller must then
// drop the connection.
func (r *Registry) Add(c *ConnectionContext) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.sessions[c] = struct{}{}
	r.wg.Add(1)
	return true
}

func (r *Registry) Remove(c *ConnectionContext) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[c]; ok {
		delete(r.sessions, c)
		r.wg.Done()
	}
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// CloseAll refuses new sessions and closes the sockets of every live one.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	r.closed = true
	live := make([]*ConnectionContext, 0, len(r.sessions))
	for c := range r.sessions {
		live = append(live, c)
	}
	r.mu.Unlock()
	for _, c := range live {
		c.Close()
	}
}

// Wait blocks until every registered session has been removed.
func (r *Registry) Wait() {
	r.wg.Wait()
}
