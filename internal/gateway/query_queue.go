package gateway

import (
	"time"

	"golang.org/x/sys/unix"

	"dnsgate/internal/core"
	"dnsgate/internal/dnsproxy"
)

// PendingQuery is one outstanding upstream DNS lookup: the socket the query
// went out on and the original request packet the response must answer.
// Each query owns exactly one socket.
type PendingQuery struct {
	fd      int
	Request *dnsproxy.InboundPacket
	created time.Time
}

// FD returns the query's socket descriptor.
func (q *PendingQuery) FD() int { return q.fd }

// Age returns how long the query has been waiting for its response.
func (q *PendingQuery) Age() time.Duration { return time.Since(q.created) }

// QueryQueue tracks in-flight upstream queries in insertion order. It is
// owned by the session goroutine; no locking.
//
// The queue feeds the poll set: AppendPollFDs snapshots one PollFd per entry,
// and DrainAnswered consumes the poll results against the same snapshot. No
// mutation may happen between the two calls within one loop iteration.
type QueryQueue struct {
	entries []*PendingQuery
}

// NewQueryQueue creates an empty queue.
func NewQueryQueue() *QueryQueue {
	return &QueryQueue{}
}

// Add appends a pending query for the given socket.
func (q *QueryQueue) Add(fd int, req *dnsproxy.InboundPacket) {
	q.entries = append(q.entries, &PendingQuery{
		fd:      fd,
		Request: req,
		created: time.Now(),
	})
}

// Len returns the number of in-flight queries.
func (q *QueryQueue) Len() int { return len(q.entries) }

// AppendPollFDs appends one read-interest PollFd per pending query, in
// entry order, and returns the extended slice.
func (q *QueryQueue) AppendPollFDs(fds []unix.PollFd) []unix.PollFd {
	for _, pq := range q.entries {
		fds = append(fds, unix.PollFd{Fd: int32(pq.fd), Events: unix.POLLIN})
	}
	return fds
}

// DrainAnswered removes every query whose socket reported readiness (data,
// error, or hangup) in polled, the slice previously built by AppendPollFDs,
// and then invokes handle for each removed query. Removal happens before any
// handler runs, so a failing handler cannot leave a half-processed entry
// behind, and no entry is visited twice.
func (q *QueryQueue) DrainAnswered(polled []unix.PollFd, handle func(*PendingQuery)) {
	const ready = unix.POLLIN | unix.POLLERR | unix.POLLHUP | unix.POLLNVAL

	var answered []*PendingQuery
	kept := q.entries[:0]
	for i, pq := range q.entries {
		if i < len(polled) && polled[i].Revents&ready != 0 {
			answered = append(answered, pq)
			continue
		}
		kept = append(kept, pq)
	}
	// Clear the tail so dropped entries do not pin their packets.
	for i := len(kept); i < len(q.entries); i++ {
		q.entries[i] = nil
	}
	q.entries = kept

	for _, pq := range answered {
		handle(pq)
	}
}

// CloseAll closes every pending socket and empties the queue. Called on
// session teardown; queries that never got a response die here.
func (q *QueryQueue) CloseAll() {
	for _, pq := range q.entries {
		core.Log.Debugf("Gateway", "Dropping unanswered query from %s after %s",
			pq.Request.Src, pq.Age().Round(time.Millisecond))
		closeFD(pq.fd, "Gateway", "close pending query socket")
	}
	q.entries = nil
}
