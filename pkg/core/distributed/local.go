// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import "github.com/pkg/errors"

// LocalTransport connects workers running in the same process, typically one goroutine per worker.
//
// Messages are deep-copied on Send, so workers keep the same no-shared-memory semantics as separate
// processes. Send never blocks.
type LocalTransport struct {
	rank      int
	mailboxes []*mailbox
}

// NewLocalCluster returns one connected LocalTransport per worker, indexed by rank.
func NewLocalCluster(numWorkers int) ([]*LocalTransport, error) {
	if numWorkers < 1 {
		return nil, errors.Errorf("NewLocalCluster requires at least one worker, got %d", numWorkers)
	}
	mailboxes := make([]*mailbox, numWorkers)
	for i := range mailboxes {
		mailboxes[i] = newMailbox()
	}
	transports := make([]*LocalTransport, numWorkers)
	for rank := range transports {
		transports[rank] = &LocalTransport{rank: rank, mailboxes: mailboxes}
	}
	return transports, nil
}

// Rank implements Transport.
func (t *LocalTransport) Rank() int { return t.rank }

// Size implements Transport.
func (t *LocalTransport) Size() int { return len(t.mailboxes) }

// Send implements Transport.
func (t *LocalTransport) Send(dest int, msg Message) error {
	if err := checkRank(t, dest, false); err != nil {
		return errors.WithMessage(err, "LocalTransport.Send")
	}
	c := copyMessage(msg)
	c.Source = t.rank
	t.mailboxes[dest].put(c)
	return nil
}

// Recv implements Transport.
func (t *LocalTransport) Recv(source int) (Message, error) {
	if err := checkRank(t, source, true); err != nil {
		return Message{}, errors.WithMessage(err, "LocalTransport.Recv")
	}
	return t.mailboxes[t.rank].take(source)
}

// Close implements Transport. It only closes this worker's own mailbox.
func (t *LocalTransport) Close() error {
	t.mailboxes[t.rank].close()
	return nil
}

var _ Transport = (*LocalTransport)(nil)
