// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"encoding/gob"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/gomlx/stein/pkg/core/particles"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"k8s.io/klog/v2"
)

// TCPConfig configures a TCPTransport.
type TCPConfig struct {
	// Rank of this worker.
	Rank int

	// Addresses ("host:port") of every worker, indexed by rank. The worker listens on Addresses[Rank].
	Addresses []string

	// Session identifies the run: connections from workers of a different session are rejected.
	// All workers must be given the same value, see NewSession.
	Session string

	// DialRetry is the wait between attempts to connect to a peer that is not listening yet.
	// It defaults to 100ms. There is no limit on the number of attempts.
	DialRetry time.Duration
}

// NewSession returns a new random session identifier, to be shared by all workers of a run.
func NewSession() string {
	return uuid.NewString()
}

// hello is the first value sent on every connection.
type hello struct {
	Session string
	Rank    int
}

// envelope is the wire format of a Message. Matrices are encoded with mat.Dense.MarshalBinary.
type envelope struct {
	Kind   Kind
	Layout particles.Layout
	Block  []byte
	Err    string
}

// outConn is the connection used to send messages to one peer.
type outConn struct {
	mu   sync.Mutex
	conn net.Conn
	enc  *gob.Encoder
}

// TCPTransport connects workers running in separate processes (or hosts) with one TCP connection
// per ordered pair of workers. Connections are opened lazily on the first Send.
type TCPTransport struct {
	config   TCPConfig
	listener net.Listener
	inbox    *mailbox

	outMu sync.Mutex
	out   map[int]*outConn

	// dialMu serializes the dials to each peer.
	dialMu []sync.Mutex

	connsMu     sync.Mutex
	conns       []net.Conn
	connsClosed bool

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewTCPTransport starts listening on config.Addresses[config.Rank] and returns the transport.
func NewTCPTransport(config TCPConfig) (*TCPTransport, error) {
	if len(config.Addresses) < 1 {
		return nil, errors.New("NewTCPTransport requires the address of every worker")
	}
	if config.Rank < 0 || config.Rank >= len(config.Addresses) {
		return nil, errors.Errorf("invalid rank %d for %d workers", config.Rank, len(config.Addresses))
	}
	if config.Session == "" {
		return nil, errors.New("NewTCPTransport requires a session identifier")
	}
	config.Addresses = slices.Clone(config.Addresses)
	if config.DialRetry <= 0 {
		config.DialRetry = 100 * time.Millisecond
	}
	listener, err := net.Listen("tcp", config.Addresses[config.Rank])
	if err != nil {
		return nil, errors.Wrapf(err, "worker %d failed to listen on %q", config.Rank, config.Addresses[config.Rank])
	}
	t := &TCPTransport{
		config:   config,
		listener: listener,
		inbox:    newMailbox(),
		out:      make(map[int]*outConn),
		dialMu:   make([]sync.Mutex, len(config.Addresses)),
	}
	t.wg.Add(1)
	go t.acceptLoop()
	klog.V(1).Infof("distributed: worker %d listening on %s (session %s)", config.Rank, listener.Addr(), config.Session)
	return t, nil
}

// Addr returns the address the transport is listening on. Useful when listening on port 0.
func (t *TCPTransport) Addr() net.Addr { return t.listener.Addr() }

// Rank implements Transport.
func (t *TCPTransport) Rank() int { return t.config.Rank }

// Size implements Transport.
func (t *TCPTransport) Size() int { return len(t.config.Addresses) }

// SetAddress changes the address used to reach the worker rank. It must be called before the first Send to it.
func (t *TCPTransport) SetAddress(rank int, address string) {
	t.outMu.Lock()
	defer t.outMu.Unlock()
	t.config.Addresses[rank] = address
}

func (t *TCPTransport) acceptLoop() {
	defer t.wg.Done()
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				klog.Errorf("distributed: worker %d stopped accepting connections: %+v", t.config.Rank, err)
			}
			return
		}
		t.trackConn(conn)
		t.wg.Add(1)
		go t.readLoop(conn)
	}
}

// trackConn registers conn to be closed by Close. If the transport is already closed, conn is closed immediately.
func (t *TCPTransport) trackConn(conn net.Conn) {
	t.connsMu.Lock()
	defer t.connsMu.Unlock()
	if t.connsClosed {
		_ = conn.Close()
		return
	}
	t.conns = append(t.conns, conn)
}

// readLoop decodes the messages of one incoming connection into the inbox.
func (t *TCPTransport) readLoop(conn net.Conn) {
	defer t.wg.Done()
	defer func() { _ = conn.Close() }()
	dec := gob.NewDecoder(conn)
	var h hello
	if err := dec.Decode(&h); err != nil {
		klog.Warningf("distributed: worker %d failed to read handshake from %s: %v", t.config.Rank, conn.RemoteAddr(), err)
		return
	}
	if h.Session != t.config.Session {
		klog.Warningf("distributed: worker %d rejected connection from %s: session %q != %q",
			t.config.Rank, conn.RemoteAddr(), h.Session, t.config.Session)
		return
	}
	if h.Rank < 0 || h.Rank >= t.Size() || h.Rank == t.config.Rank {
		klog.Warningf("distributed: worker %d rejected connection from %s: invalid rank %d",
			t.config.Rank, conn.RemoteAddr(), h.Rank)
		return
	}
	for {
		var env envelope
		if err := dec.Decode(&env); err != nil {
			klog.V(1).Infof("distributed: worker %d connection from worker %d ended: %v", t.config.Rank, h.Rank, err)
			return
		}
		msg, err := env.message()
		if err != nil {
			klog.Errorf("distributed: worker %d received invalid message from worker %d: %+v", t.config.Rank, h.Rank, err)
			return
		}
		msg.Source = h.Rank
		t.inbox.put(msg)
	}
}

// connect returns the connection to dest, dialing it if needed. It retries until the peer is listening.
//
// Only Sends to the same dest wait for the dial: outMu is not held while dialing.
func (t *TCPTransport) connect(dest int) (*outConn, error) {
	t.dialMu[dest].Lock()
	defer t.dialMu[dest].Unlock()
	t.outMu.Lock()
	oc, found := t.out[dest]
	address := t.config.Addresses[dest]
	t.outMu.Unlock()
	if found {
		return oc, nil
	}

	var conn net.Conn
	for attempt := 0; ; attempt++ {
		if t.isClosed() {
			return nil, ErrClosed
		}
		var err error
		conn, err = net.Dial("tcp", address)
		if err == nil {
			break
		}
		if attempt%50 == 0 {
			klog.V(1).Infof("distributed: worker %d waiting for worker %d at %s: %v", t.config.Rank, dest, address, err)
		}
		time.Sleep(t.config.DialRetry)
	}
	oc = &outConn{conn: conn, enc: gob.NewEncoder(conn)}
	if err := oc.enc.Encode(hello{Session: t.config.Session, Rank: t.config.Rank}); err != nil {
		_ = conn.Close()
		return nil, errors.Wrapf(err, "handshake with worker %d at %s", dest, address)
	}
	t.trackConn(conn)
	t.outMu.Lock()
	t.out[dest] = oc
	t.outMu.Unlock()
	return oc, nil
}

func (t *TCPTransport) isClosed() bool {
	t.inbox.mu.Lock()
	defer t.inbox.mu.Unlock()
	return t.inbox.closed
}

// Send implements Transport.
func (t *TCPTransport) Send(dest int, msg Message) error {
	if err := checkRank(t, dest, false); err != nil {
		return errors.WithMessage(err, "TCPTransport.Send")
	}
	env, err := newEnvelope(msg)
	if err != nil {
		return err
	}
	oc, err := t.connect(dest)
	if err != nil {
		return err
	}
	oc.mu.Lock()
	defer oc.mu.Unlock()
	if err := oc.enc.Encode(env); err != nil {
		return errors.Wrapf(err, "worker %d failed to send %s message to worker %d", t.config.Rank, msg.Kind, dest)
	}
	return nil
}

// Recv implements Transport.
func (t *TCPTransport) Recv(source int) (Message, error) {
	if err := checkRank(t, source, true); err != nil {
		return Message{}, errors.WithMessage(err, "TCPTransport.Recv")
	}
	return t.inbox.take(source)
}

// Close implements Transport: it stops listening, closes all connections and waits for the
// background goroutines to exit.
func (t *TCPTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.inbox.close()
		err = t.listener.Close()
		t.connsMu.Lock()
		for _, conn := range t.conns {
			_ = conn.Close()
		}
		t.conns = nil
		t.connsClosed = true
		t.connsMu.Unlock()
		t.wg.Wait()
	})
	return err
}

func newEnvelope(msg Message) (envelope, error) {
	env := envelope{Kind: msg.Kind, Layout: msg.Layout, Err: msg.Err}
	if msg.Block != nil {
		var err error
		env.Block, err = msg.Block.MarshalBinary()
		if err != nil {
			return env, errors.Wrap(err, "failed to encode particles block")
		}
	}
	return env, nil
}

func (env envelope) message() (Message, error) {
	msg := Message{Kind: env.Kind, Layout: env.Layout, Err: env.Err}
	if len(env.Block) > 0 {
		msg.Block = &mat.Dense{}
		if err := msg.Block.UnmarshalBinary(env.Block); err != nil {
			return msg, errors.Wrap(err, "failed to decode particles block")
		}
	}
	return msg, nil
}

var _ Transport = (*TCPTransport)(nil)
