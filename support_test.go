package epi

import (
	"fmt"
	"net"
	"sync"
	"time"
)

// The tests run nodes over an in-process pipe network: Connect hands
// one end of a net.Pipe to the peer transport's accept queue. No
// handshake runs, so nodes with different cookies produce real cookie
// mismatches at the frame level.

type pipeNetwork struct {
	mu    sync.Mutex
	nodes map[string]*pipeTransport
}

func newPipeNetwork() *pipeNetwork {
	return &pipeNetwork{nodes: make(map[string]*pipeTransport)}
}

func (pn *pipeNetwork) newTransport(fullName, cookie string) *pipeTransport {
	t := &pipeTransport{
		network: pn,
		name:    fullName,
		cookie:  cookie,
		inbound: make(chan pipeInbound, 8),
		closed:  make(chan struct{}),
	}
	pn.mu.Lock()
	pn.nodes[fullName] = t
	pn.mu.Unlock()
	return t
}

func (pn *pipeNetwork) lookup(name string) *pipeTransport {
	pn.mu.Lock()
	defer pn.mu.Unlock()
	return pn.nodes[name]
}

type pipeInbound struct {
	conn net.Conn
	peer string
}

type pipeTransport struct {
	network *pipeNetwork
	name    string
	cookie  string
	inbound chan pipeInbound
	closed  chan struct{}
	once    sync.Once
}

func (t *pipeTransport) Listen() (uint16, error) {
	return 1, nil
}

func (t *pipeTransport) Accept(timeout time.Duration) (*Connection, error) {
	select {
	case in := <-t.inbound:
		return NewConnection(in.peer, t.cookie, in.conn), nil
	case <-t.closed:
		return nil, fmt.Errorf("pipe transport closed")
	case <-time.After(timeout):
		return nil, nil
	}
}

func (t *pipeTransport) Connect(peerName string) (*Connection, error) {
	peer := t.network.lookup(peerName)
	if peer == nil {
		return nil, fmt.Errorf("unknown peer %q", peerName)
	}
	local, remote := net.Pipe()
	select {
	case peer.inbound <- pipeInbound{conn: remote, peer: t.name}:
	case <-time.After(time.Second):
		local.Close()
		return nil, fmt.Errorf("peer %q accepts nothing", peerName)
	}
	return NewConnection(peerName, t.cookie, local), nil
}

func (t *pipeTransport) Publish(shortName string, port uint16) (uint16, error) {
	return 1, nil
}

func (t *pipeTransport) Unpublish() {}

func (t *pipeTransport) Lookup(shortName, host string) (uint16, error) {
	return 0, fmt.Errorf("pipe transport has no registration daemon")
}

func (t *pipeTransport) Close() error {
	t.once.Do(func() { close(t.closed) })
	return nil
}

// pipeFactory plugs the pipe network into a TransportManager.
type pipeFactory struct {
	network *pipeNetwork
}

func (f pipeFactory) CreateTransport(nodeName, cookie string) (Transport, error) {
	return f.network.newTransport(nodeName, cookie), nil
}

// testNode spins up a node on the pipe network.
func testNode(pn *pipeNetwork, fullName, cookie string) (*Node, error) {
	return CreateWithTransport(fullName, cookie, pn.newTransport(fullName, cookie))
}
