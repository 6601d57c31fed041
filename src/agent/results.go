package agent

import (
	"sync"

	"github.com/MattF42/htn-stratum-agent/src/gostratum"
)

type resultEntry struct {
	ticket   uint64
	done     bool
	response gostratum.JsonRpcResponse
}

// resultQueue releases share responses in the order the shares were
// submitted, whatever order the verdicts arrive in.
type resultQueue struct {
	mu      sync.Mutex
	entries []*resultEntry
	index   map[uint64]*resultEntry
}

func newResultQueue() *resultQueue {
	return &resultQueue{index: make(map[uint64]*resultEntry)}
}

// Push reserves a slot for ticket. requestId is echoed back in the response.
func (q *resultQueue) Push(ticket uint64, requestId any) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e := &resultEntry{ticket: ticket, response: gostratum.JsonRpcResponse{Id: requestId}}
	q.entries = append(q.entries, e)
	q.index[ticket] = e
}

// Complete fills in ticket's verdict and calls emit for every response that
// is now at the head of the queue. emit runs under the queue lock so two
// completions cannot interleave their writes. Unknown tickets are ignored.
func (q *resultQueue) Complete(ticket uint64, result any, errTuple any, emit func(gostratum.JsonRpcResponse)) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.index[ticket]
	if !ok {
		return false
	}
	delete(q.index, ticket)
	e.done = true
	e.response.Result = result
	e.response.Error = errTuple

	n := 0
	for n < len(q.entries) && q.entries[n].done {
		emit(q.entries[n].response)
		q.entries[n] = nil
		n++
	}
	q.entries = q.entries[n:]
	return true
}

func (q *resultQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}
