package epi

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/epi-go/epi/dist"
	"github.com/epi-go/epi/lib"
)

// Transport acquires handshaked peer connections and talks to the
// name registration daemon. Implementations negotiate their protocol
// handshake before returning a Connection.
type Transport interface {
	// Listen starts accepting peer connections and returns the bound
	// TCP port.
	Listen() (uint16, error)
	// Accept waits up to timeout for an inbound handshaked
	// connection; (nil, nil) reports a timeout.
	Accept(timeout time.Duration) (*Connection, error)
	// Connect establishes a handshaked connection to the named peer.
	Connect(peerName string) (*Connection, error)
	// Publish registers the short name and listen port with the
	// registration daemon and returns the assigned creation.
	Publish(shortName string, port uint16) (uint16, error)
	// Unpublish withdraws the registration.
	Unpublish()
	// Lookup resolves a peer's short name on a host to its
	// distribution port.
	Lookup(shortName, host string) (uint16, error)
	// Close stops listening.
	Close() error
}

// TransportFactory builds a Transport for one node.
type TransportFactory interface {
	CreateTransport(nodeName, cookie string) (Transport, error)
}

// DefaultProtocol is used when the node name carries no
// "protocol:" prefix.
const DefaultProtocol = "dist"

// TransportManager maps protocol names to transport factories. Node
// names of the form "protocol:short@host" select an implementation.
type TransportManager struct {
	mu        sync.Mutex
	factories map[string]TransportFactory
}

// NewTransportManager returns a manager with the default distribution
// transport registered.
func NewTransportManager() *TransportManager {
	tm := &TransportManager{
		factories: make(map[string]TransportFactory),
	}
	tm.RegisterProtocol(DefaultProtocol, distTransportFactory{})
	return tm
}

// DefaultTransportManager serves Create calls that do not bring their
// own manager.
var DefaultTransportManager = NewTransportManager()

// RegisterProtocol installs (or replaces) the factory for a protocol.
func (tm *TransportManager) RegisterProtocol(protocol string, factory TransportFactory) {
	tm.mu.Lock()
	tm.factories[protocol] = factory
	tm.mu.Unlock()
}

// splitProtocol separates an optional "protocol:" prefix from a node
// identifier.
func splitProtocol(nodeID string) (string, string) {
	if i := strings.IndexByte(nodeID, ':'); i >= 0 {
		return nodeID[:i], nodeID[i+1:]
	}
	return DefaultProtocol, nodeID
}

// CreateTransport builds a transport for the full node name using the
// factory registered for protocol.
func (tm *TransportManager) CreateTransport(protocol, nodeName, cookie string) (Transport, error) {
	tm.mu.Lock()
	factory, ok := tm.factories[protocol]
	tm.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProtocol, protocol)
	}
	return factory.CreateTransport(nodeName, cookie)
}

// distTransportFactory builds the default EPMD-based distribution
// transport.
type distTransportFactory struct{}

func (distTransportFactory) CreateTransport(nodeName, cookie string) (Transport, error) {
	return &distTransport{
		name:   nodeName,
		cookie: cookie,
		epmd:   &dist.EPMD{},
	}, nil
}

// distTransport speaks the distribution handshake over TCP and
// registers through EPMD.
type distTransport struct {
	name     string // full name once known ("short@host")
	cookie   string
	epmd     *dist.EPMD
	listener *net.TCPListener
}

func (t *distTransport) Listen() (uint16, error) {
	l, err := net.Listen("tcp", ":0")
	if err != nil {
		return 0, err
	}
	t.listener = l.(*net.TCPListener)
	return uint16(l.Addr().(*net.TCPAddr).Port), nil
}

func (t *distTransport) Accept(timeout time.Duration) (*Connection, error) {
	if t.listener == nil {
		return nil, fmt.Errorf("epi: transport is not listening")
	}
	t.listener.SetDeadline(time.Now().Add(timeout))
	conn, err := t.listener.Accept()
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return nil, nil
		}
		return nil, err
	}

	link, err := dist.HandshakeAccept(conn, t.name, t.cookie)
	if err != nil {
		conn.Close()
		return nil, err
	}
	lib.Log("transport: accepted connection from %s", link.PeerName())
	return NewConnection(link.PeerName(), t.cookie, link.Conn()), nil
}

func (t *distTransport) Connect(peerName string) (*Connection, error) {
	short, host := peerName, "localhost"
	if i := strings.IndexByte(peerName, '@'); i >= 0 {
		short, host = peerName[:i], peerName[i+1:]
	}

	port, err := t.Lookup(short, host)
	if err != nil {
		return nil, err
	}

	conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, strconv.Itoa(int(port))), 5*time.Second)
	if err != nil {
		return nil, err
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetKeepAlive(true)
	}

	link, err := dist.Handshake(conn, t.name, t.cookie)
	if err != nil {
		conn.Close()
		return nil, err
	}
	lib.Log("transport: connected to %s", link.PeerName())
	return NewConnection(link.PeerName(), t.cookie, link.Conn()), nil
}

func (t *distTransport) Publish(shortName string, port uint16) (uint16, error) {
	return t.epmd.Publish(shortName, port)
}

func (t *distTransport) Unpublish() {
	t.epmd.Unpublish()
}

func (t *distTransport) Lookup(shortName, host string) (uint16, error) {
	port, _, err := t.epmd.Lookup(shortName, host)
	return port, err
}

func (t *distTransport) Close() error {
	t.Unpublish()
	if t.listener != nil {
		return t.listener.Close()
	}
	return nil
}
