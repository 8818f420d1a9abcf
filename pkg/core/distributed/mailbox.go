// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import "sync"

// mailbox queues the messages received by one worker until a matching Recv takes them.
type mailbox struct {
	mu      sync.Mutex
	cond    sync.Cond
	pending []Message
	closed  bool
}

func newMailbox() *mailbox {
	mb := &mailbox{}
	mb.cond = sync.Cond{L: &mb.mu}
	return mb
}

// put enqueues msg. Messages put after close are discarded.
func (mb *mailbox) put(msg Message) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.closed {
		return
	}
	mb.pending = append(mb.pending, msg)
	mb.cond.Broadcast()
}

// take blocks until there is a message from source (any source if AnySource), and removes the oldest one.
func (mb *mailbox) take(source int) (Message, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	for {
		if mb.closed {
			return Message{}, ErrClosed
		}
		for i, msg := range mb.pending {
			if source == AnySource || msg.Source == source {
				mb.pending = append(mb.pending[:i], mb.pending[i+1:]...)
				return msg, nil
			}
		}
		mb.cond.Wait()
	}
}

func (mb *mailbox) close() {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.closed = true
	mb.pending = nil
	mb.cond.Broadcast()
}
