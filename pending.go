package realtime

// ackCallback receives the outcome of an acknowledged protocol message.
type ackCallback func(err error)

type pendingEntry struct {
	msg       *ProtocolMessage
	msgSerial int64
	callbacks []ackCallback
}

func (e *pendingEntry) complete(err error) {
	for _, cb := range e.callbacks {
		if cb != nil {
			cb(err)
		}
	}
	e.callbacks = nil
}

// pendingQueue holds sent messages awaiting ACK/NACK, ordered by msgSerial.
// It is owned by the connection's event loop and needs no locking.
type pendingQueue struct {
	entries []*pendingEntry
}

func (q *pendingQueue) push(msg *ProtocolMessage, msgSerial int64, cb ackCallback) {
	q.entries = append(q.entries, &pendingEntry{
		msg:       msg,
		msgSerial: msgSerial,
		callbacks: []ackCallback{cb},
	})
}

func (q *pendingQueue) len() int {
	return len(q.entries)
}

// ack completes every entry up to and including serial+count-1; the service
// acknowledges cumulatively.
func (q *pendingQueue) ack(serial int64, count int, err error) {
	if count < 1 {
		count = 1
	}
	last := serial + int64(count) - 1
	n := 0
	for n < len(q.entries) && q.entries[n].msgSerial <= last {
		n++
	}
	done := q.entries[:n]
	q.entries = append([]*pendingEntry(nil), q.entries[n:]...)
	for _, e := range done {
		e.complete(err)
	}
}

// failAll completes every entry with err and empties the queue.
func (q *pendingQueue) failAll(err error) {
	done := q.entries
	q.entries = nil
	for _, e := range done {
		e.complete(err)
	}
}

// messages returns the queued messages in msgSerial order, for resending.
func (q *pendingQueue) messages() []*ProtocolMessage {
	out := make([]*ProtocolMessage, 0, len(q.entries))
	for _, e := range q.entries {
		out = append(out, e.msg)
	}
	return out
}
