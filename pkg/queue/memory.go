package queue

import (
	"errors"
	"sync"
)

// ErrQueueFull is returned when the buffered memory queue cannot accept
// another job.
var ErrQueueFull = errors.New("queue full")

// ErrQueueClosed is returned from Dequeue after Close.
var ErrQueueClosed = errors.New("queue closed")

// Memory is a channel-backed in-process queue. A blocked Dequeue is the
// worker pool waiting for work.
type Memory struct {
	ch     chan string
	mu     sync.Mutex
	closed bool
}

// NewMemory creates a memory queue holding up to bufferSize pending jobs.
func NewMemory(bufferSize int) *Memory {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Memory{ch: make(chan string, bufferSize)}
}

func (m *Memory) Enqueue(jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrQueueClosed
	}
	select {
	case m.ch <- jobID:
		return nil
	default:
		return ErrQueueFull
	}
}

func (m *Memory) Dequeue() (*Message, error) {
	jobID, ok := <-m.ch
	if !ok {
		return nil, ErrQueueClosed
	}
	return &Message{JobID: jobID}, nil
}

func (m *Memory) Ack(*Message) error  { return nil }
func (m *Memory) Nack(*Message) error { return nil }

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.ch)
	}
	return nil
}
