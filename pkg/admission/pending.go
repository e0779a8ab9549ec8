package admission

import (
	"sync"

	"github.com/distsheep/sheepd/pkg/wire"
)

// PendingList tracks outstanding VdiOp requests this node originated,
// keyed by VDI name, until the FIN notify echoing them back arrives
// (§4.7 step 2, consumed by the Message Dispatcher's stage-2 via
// dispatch.PendingList).
type PendingList struct {
	mu   sync.Mutex
	reqs map[string]*wire.Request
}

func NewPendingList() *PendingList {
	return &PendingList{reqs: make(map[string]*wire.Request)}
}

// Track records req as waiting on name's VdiOp to complete.
func (p *PendingList) Track(name string, req *wire.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reqs[name] = req
}

// Untrack removes a tracked request without delivering a result, used
// when the broadcast that would have completed it never went out.
func (p *PendingList) Untrack(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.reqs, name)
}

// Take implements dispatch.PendingList.
func (p *PendingList) Take(name string) (*wire.Request, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	req, ok := p.reqs[name]
	if ok {
		delete(p.reqs, name)
	}
	return req, ok
}
