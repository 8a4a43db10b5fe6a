// Package queue is the admission-control point between job creation and
// the worker pool. Jobs wait here in Pending state until a worker slot
// frees up.
package queue

// Message is one queued job reference. Only the id travels through the
// queue; the registry record stays the single source of truth.
type Message struct {
	JobID string `json:"job_id"`

	// Broker bookkeeping for acknowledgement, nil for the memory queue.
	delivery any
}

// Queue hands job ids from the submission handler to the worker pool.
type Queue interface {
	// Enqueue adds a job. It fails when the queue is full or closed.
	Enqueue(jobID string) error
	// Dequeue blocks until a job is available or the queue closes.
	Dequeue() (*Message, error)
	// Ack marks the message as handled. The engine never retries a job,
	// so failed and cancelled jobs are acked too.
	Ack(msg *Message) error
	// Nack returns the message to the broker without requeueing.
	Nack(msg *Message) error
	Close() error
}
