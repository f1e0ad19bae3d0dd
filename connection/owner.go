package connection

import (
	"sync"

	"github.com/google/uuid"
)

// Owner is a context (an open project or workspace) that keeps a server
// session alive. The registry holds owners by OwnerID and prunes those that
// report Disposed, so an owner that goes away without calling Release cannot
// keep a session alive forever.
type Owner interface {
	OwnerID() string
	Disposed() bool
}

// OwnerToken is the default Owner implementation.
type OwnerToken struct {
	id   string
	name string
	once sync.Once
	done chan struct{}
}

var _ Owner = (*OwnerToken)(nil)

// NewOwner returns a live owner token. name is informational only.
func NewOwner(name string) *OwnerToken {
	return &OwnerToken{id: uuid.NewString(), name: name, done: make(chan struct{})}
}

func (o *OwnerToken) OwnerID() string { return o.id }
func (o *OwnerToken) Name() string    { return o.name }

// Dispose marks the owner as gone. It is safe to call more than once.
func (o *OwnerToken) Dispose() {
	o.once.Do(func() { close(o.done) })
}

func (o *OwnerToken) Disposed() bool {
	select {
	case <-o.done:
		return true
	default:
		return false
	}
}

// Done is closed once Dispose has been called.
func (o *OwnerToken) Done() <-chan struct{} { return o.done }
