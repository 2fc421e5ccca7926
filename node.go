package epi

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/thejerf/suture"
	"golang.org/x/sync/errgroup"

	"github.com/epi-go/epi/etf"
	"github.com/epi-go/epi/lib"
)

// acceptWake bounds transport.Accept so the acceptor observes shutdown
// promptly.
const acceptWake = 500 * time.Millisecond

// Node is a running cluster peer: a LocalNode identity plus the
// dispatcher owning mailboxes and peer connections. Sending to an
// unknown peer connects on demand; inbound connections arrive through
// the supervised acceptor.
type Node struct {
	*LocalNode

	transport Transport
	sup       *suture.Supervisor
	workers   errgroup.Group
	closed    int32

	mailboxes      pidMap
	names          nameMap
	connections    connMap
	flushList      []*Connection
	flushListMutex sync.Mutex
}

// Each dispatcher map carries its own lock; lock order is
// names < mailboxes < connections < socket < queue.
type pidMap struct {
	mutex sync.Mutex
	m     map[etf.Pid]*Mailbox
}

type nameMap struct {
	mutex sync.Mutex
	m     map[string]*Mailbox
}

type connMap struct {
	mutex sync.Mutex
	m     map[string]*Connection
}

// Create starts a node with the given identity and cookie, using the
// default transport manager. The node identifier may carry a
// "protocol:" prefix selecting a registered transport.
func Create(nodeID, cookie string) (*Node, error) {
	return CreateWithManager(DefaultTransportManager, nodeID, cookie)
}

// CreateWithManager starts a node with transports drawn from tm.
func CreateWithManager(tm *TransportManager, nodeID, cookie string) (*Node, error) {
	protocol, name := splitProtocol(nodeID)

	ln, err := newLocalNode(name, cookie)
	if err != nil {
		return nil, err
	}

	t, err := tm.CreateTransport(protocol, ln.FullName, ln.Cookie)
	if err != nil {
		return nil, err
	}

	return createNode(ln, t)
}

// CreateWithTransport starts a node over a caller-supplied transport.
func CreateWithTransport(nodeID, cookie string, t Transport) (*Node, error) {
	_, name := splitProtocol(nodeID)
	ln, err := newLocalNode(name, cookie)
	if err != nil {
		return nil, err
	}
	return createNode(ln, t)
}

func createNode(ln *LocalNode, t Transport) (*Node, error) {
	n := &Node{
		LocalNode: ln,
		transport: t,
	}
	n.mailboxes.m = make(map[etf.Pid]*Mailbox)
	n.names.m = make(map[string]*Mailbox)
	n.connections.m = make(map[string]*Connection)

	port, err := t.Listen()
	if err != nil {
		return nil, err
	}

	// publish, retrying once through an unpublish in case a stale
	// registration is still around
	creation, err := t.Publish(ln.AliveName, port)
	if err != nil {
		t.Unpublish()
		if creation, err = t.Publish(ln.AliveName, port); err != nil {
			t.Close()
			return nil, err
		}
	}
	ln.Creation = creation

	n.sup = suture.NewSimple("epi " + ln.FullName)
	n.sup.Add(&acceptor{node: n})
	n.sup.ServeBackground()

	n.startNetKernel()

	lib.Log("node %s: started (port %d, creation %d)", ln.FullName, port, creation)
	return n, nil
}

func (n *Node) closing() bool {
	return atomic.LoadInt32(&n.closed) == 1
}

// Close shuts the node down: stop accepting, stop every connection
// receive worker and join them, withdraw the name registration, then
// flush the mailboxes. The order matters — mailboxes go away only
// after every thread that can post to them is gone.
func (n *Node) Close() {
	if !atomic.CompareAndSwapInt32(&n.closed, 0, 1) {
		return
	}

	n.sup.Stop()

	n.connections.mutex.Lock()
	for _, c := range n.connections.m {
		c.Close()
	}
	n.connections.m = make(map[string]*Connection)
	n.connections.mutex.Unlock()

	n.transport.Close()
	n.workers.Wait()
	n.flushConnections()

	n.mailboxes.mutex.Lock()
	for _, m := range n.mailboxes.m {
		m.queue.Flush()
	}
	n.mailboxes.m = make(map[etf.Pid]*Mailbox)
	n.mailboxes.mutex.Unlock()

	n.names.mutex.Lock()
	n.names.m = make(map[string]*Mailbox)
	n.names.mutex.Unlock()

	lib.Log("node %s: closed", n.FullName)
}

// CreateMailbox mints a pid and attaches a fresh mailbox to it.
func (n *Node) CreateMailbox() *Mailbox {
	m := &Mailbox{
		node:  n,
		self:  n.CreatePid(),
		queue: lib.NewQueue(),
	}
	n.mailboxes.mutex.Lock()
	n.mailboxes.m[m.self] = m
	n.mailboxes.mutex.Unlock()
	return m
}

// RemoveMailbox detaches a mailbox from the node, dropping its names
// and queued messages.
func (n *Node) RemoveMailbox(m *Mailbox) {
	n.names.mutex.Lock()
	for name, mb := range n.names.m {
		if mb == m {
			delete(n.names.m, name)
		}
	}
	n.names.mutex.Unlock()

	n.mailboxes.mutex.Lock()
	delete(n.mailboxes.m, m.self)
	n.mailboxes.mutex.Unlock()

	m.queue.Flush()
}

func (n *Node) registerName(name string, m *Mailbox) error {
	n.names.mutex.Lock()
	defer n.names.mutex.Unlock()
	if _, ok := n.names.m[name]; ok {
		return ErrNameInUse
	}
	n.names.m[name] = m
	return nil
}

func (n *Node) unregisterMailboxNames(m *Mailbox) {
	n.names.mutex.Lock()
	for name, mb := range n.names.m {
		if mb == m {
			delete(n.names.m, name)
		}
	}
	n.names.mutex.Unlock()
}

// UnregisterName removes a single name from the registry.
func (n *Node) UnregisterName(name string) {
	n.names.mutex.Lock()
	delete(n.names.m, name)
	n.names.mutex.Unlock()
}

// Registered lists the registered mailbox names.
func (n *Node) Registered() []string {
	n.names.mutex.Lock()
	defer n.names.mutex.Unlock()
	names := make([]string, 0, len(n.names.m))
	for name := range n.names.m {
		names = append(names, name)
	}
	return names
}

func (n *Node) mailboxByPid(pid etf.Pid) *Mailbox {
	n.mailboxes.mutex.Lock()
	defer n.mailboxes.mutex.Unlock()
	return n.mailboxes.m[pid]
}

func (n *Node) mailboxByName(name string) *Mailbox {
	n.names.mutex.Lock()
	defer n.names.mutex.Unlock()
	return n.names.m[name]
}

// Send routes term to a pid: locally when the pid belongs to this
// node, otherwise over the peer connection, connecting on demand.
func (n *Node) Send(to etf.Pid, term etf.Term) error {
	if n.closing() {
		return ErrNodeClosed
	}
	if n.isLocalName(string(to.Node)) {
		n.deliver(nil, &SendMessage{To: to, Payload: term})
		return nil
	}
	c, err := n.attemptConnection(string(to.Node))
	if err != nil {
		return err
	}
	return c.Send(etf.Pid{}, to, term)
}

// SendReg routes term to a name registered on the given node.
func (n *Node) SendReg(from etf.Pid, node, name string, term etf.Term) error {
	if n.closing() {
		return ErrNodeClosed
	}
	if n.isLocalName(node) {
		n.deliver(nil, &RegSendMessage{From: from, ToName: name, Payload: term})
		return nil
	}
	c, err := n.attemptConnection(node)
	if err != nil {
		return err
	}
	return c.SendReg(from, name, term)
}

// Link sends a link request to the process owning to. The recipient
// surfaces it when it forwards control messages.
func (n *Node) Link(from, to etf.Pid) error {
	return n.sendControl(to, &LinkMessage{From: from, To: to})
}

// Unlink revokes a link between from and to.
func (n *Node) Unlink(from, to etf.Pid) error {
	return n.sendControl(to, &UnlinkMessage{From: from, To: to})
}

// Exit sends an exit signal with a reason to the process owning to.
func (n *Node) Exit(from, to etf.Pid, reason etf.Term) error {
	return n.sendControl(to, &ExitMessage{From: from, To: to, Reason: reason})
}

// sendControl routes a link/unlink/exit control message like a payload
// send: locally by direct delivery, remotely over the peer connection.
func (n *Node) sendControl(to etf.Pid, msg Message) error {
	if n.closing() {
		return ErrNodeClosed
	}
	if n.isLocalName(string(to.Node)) {
		n.deliver(nil, msg)
		return nil
	}
	c, err := n.attemptConnection(string(to.Node))
	if err != nil {
		return err
	}
	switch m := msg.(type) {
	case *LinkMessage:
		return c.SendLink(m.From, m.To)
	case *UnlinkMessage:
		return c.SendUnlink(m.From, m.To)
	case *ExitMessage:
		return c.SendExit(m.From, m.To, m.Reason)
	}
	return nil
}

// attemptConnection returns the cached connection to peer, dialing and
// registering a new one when absent.
func (n *Node) attemptConnection(peer string) (*Connection, error) {
	n.connections.mutex.Lock()
	defer n.connections.mutex.Unlock()

	if c, ok := n.connections.m[peer]; ok {
		return c, nil
	}

	c, err := n.transport.Connect(peer)
	if err != nil {
		return nil, err
	}
	n.addConnectionLocked(c)
	c.start()
	return c, nil
}

// addConnection registers an accepted connection and starts its
// receive worker.
func (n *Node) addConnection(c *Connection) {
	n.connections.mutex.Lock()
	n.addConnectionLocked(c)
	n.connections.mutex.Unlock()
	c.start()
}

func (n *Node) addConnectionLocked(c *Connection) {
	c.attach(n)
	n.connections.m[c.PeerName()] = c
	// destroy connections queued for removal; doing it here keeps
	// teardown out of the dispatcher callback
	n.flushConnections()
}

// removeConnection forgets a failed connection. The socket teardown is
// deferred to the flush list so the receive worker never destroys
// itself from within its own callback.
func (n *Node) removeConnection(c *Connection) {
	if c == nil {
		return
	}
	n.connections.mutex.Lock()
	for name, cc := range n.connections.m {
		if cc == c {
			delete(n.connections.m, name)
		}
	}
	n.connections.mutex.Unlock()

	n.flushListMutex.Lock()
	n.flushList = append(n.flushList, c)
	n.flushListMutex.Unlock()
}

func (n *Node) flushConnections() {
	n.flushListMutex.Lock()
	pending := n.flushList
	n.flushList = nil
	n.flushListMutex.Unlock()
	for _, c := range pending {
		c.Close()
	}
}

// deliver dispatches an inbound message to its recipient mailbox.
// Messages for unknown recipients are dropped.
func (n *Node) deliver(origin *Connection, msg Message) {
	switch m := msg.(type) {
	case *ErrorMessage:
		lib.Log("node %s: connection failure: %v", n.FullName, m.Err)
		n.removeConnection(origin)

	case *SendMessage:
		if mb := n.mailboxByPid(m.To); mb != nil {
			mb.deliver(origin, msg)
		} else {
			lib.Log("node %s: no mailbox for %s, dropped", n.FullName, etf.TermToString(m.To, nil))
		}

	case *RegSendMessage:
		if mb := n.mailboxByName(m.ToName); mb != nil {
			mb.deliver(origin, msg)
		} else {
			lib.Log("node %s: no mailbox named %q, dropped", n.FullName, m.ToName)
		}

	case *AuthErrorMessage:
		var mb *Mailbox
		switch to := m.To.(type) {
		case etf.Pid:
			mb = n.mailboxByPid(to)
		case etf.Atom:
			mb = n.mailboxByName(string(to))
		}
		if mb != nil {
			mb.deliver(origin, msg)
		}

	case *LinkMessage:
		if mb := n.mailboxByPid(m.To); mb != nil {
			mb.deliver(origin, msg)
		}
	case *UnlinkMessage:
		if mb := n.mailboxByPid(m.To); mb != nil {
			mb.deliver(origin, msg)
		}
	case *ExitMessage:
		if mb := n.mailboxByPid(m.To); mb != nil {
			mb.deliver(origin, msg)
		}
	}
}

// Ping probes a peer through the net_kernel is_auth call and waits for
// the yes reply. Pinging this node short-circuits without touching the
// network.
func (n *Node) Ping(remote string, timeout time.Duration) bool {
	if n.isLocalName(remote) {
		return true
	}

	mb := n.CreateMailbox()
	defer n.RemoveMailbox(mb)

	ref := n.CreateRef()
	probe := etf.Tuple{
		etf.Atom("$gen_call"),
		etf.Tuple{mb.Self(), ref},
		etf.Tuple{etf.Atom("is_auth"), etf.Atom(n.FullName)},
	}
	if err := mb.SendReg(remote, "net_kernel", probe); err != nil {
		lib.Log("node %s: ping %s: %v", n.FullName, remote, err)
		return false
	}

	pattern := etf.Tuple{ref, etf.Atom("yes")}
	_, _, err := mb.ReceiveMatch(pattern, timeout)
	return err == nil
}

// startNetKernel registers the net_kernel responder answering is_auth
// probes from peers.
func (n *Node) startNetKernel() {
	mb := n.CreateMailbox()
	if err := mb.RegisterName("net_kernel"); err != nil {
		return
	}

	n.workers.Go(func() error {
		pattern := etf.Tuple{
			etf.Atom("$gen_call"),
			etf.Tuple{etf.Var("From"), etf.Var("Ref")},
			etf.Tuple{etf.Atom("is_auth"), etf.Var("Node")},
		}
		for !n.closing() {
			_, binding, err := mb.ReceiveMatch(pattern, acceptWake)
			if err != nil {
				continue
			}
			fromTerm, _ := binding.Search("From")
			refTerm, _ := binding.Search("Ref")
			from, ok := fromTerm.(etf.Pid)
			if !ok {
				continue
			}
			reply := etf.Tuple{refTerm, etf.Atom("yes")}
			if err := n.Send(from, reply); err != nil {
				lib.Log("net_kernel %s: reply: %v", n.FullName, err)
			}
		}
		return nil
	})
}

// acceptor is the supervised accept worker: take a handshaked inbound
// connection, register it, start its receive worker.
type acceptor struct {
	node *Node
	stop int32
}

func (a *acceptor) Serve() {
	for {
		if a.node.closing() || atomic.LoadInt32(&a.stop) == 1 {
			return
		}
		c, err := a.node.transport.Accept(acceptWake)
		if err != nil {
			if a.node.closing() {
				return
			}
			lib.Log("node %s: accept: %v", a.node.FullName, err)
			time.Sleep(acceptWake)
			continue
		}
		if c == nil {
			continue // accept timeout
		}
		a.node.addConnection(c)
	}
}

func (a *acceptor) Stop() {
	atomic.StoreInt32(&a.stop, 1)
}
