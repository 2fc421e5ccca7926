package epi

import (
	"time"

	"github.com/epi-go/epi/etf"
	"github.com/epi-go/epi/lib"
)

// Mailbox is an addressable message endpoint of a node. Incoming
// payload messages queue up until a receive call takes them; outgoing
// sends route through the owning node.
type Mailbox struct {
	node  *Node
	self  etf.Pid
	queue *lib.Queue

	// forwardControl makes link/unlink/exit messages visible through
	// ReceiveMessage instead of being dropped on delivery.
	forwardControl bool
}

// Self returns the pid of this mailbox.
func (m *Mailbox) Self() etf.Pid {
	return m.self
}

// SetForwardControl switches delivery of link/unlink/exit control
// messages to this mailbox.
func (m *Mailbox) SetForwardControl(on bool) {
	m.forwardControl = on
}

// RegisterName installs the mailbox in the node's name registry.
func (m *Mailbox) RegisterName(name string) error {
	return m.node.registerName(name, m)
}

// UnregisterName removes every name pointing at this mailbox.
func (m *Mailbox) UnregisterName() {
	m.node.unregisterMailboxNames(m)
}

// Send sends term to a pid, local or remote.
func (m *Mailbox) Send(to etf.Pid, term etf.Term) error {
	return m.node.Send(to, term)
}

// SendReg sends term to a name registered on the given node.
func (m *Mailbox) SendReg(node, name string, term etf.Term) error {
	return m.node.SendReg(m.self, node, name, term)
}

// Link sends a link request from this mailbox to a pid.
func (m *Mailbox) Link(to etf.Pid) error {
	return m.node.Link(m.self, to)
}

// Unlink revokes a link from this mailbox to a pid.
func (m *Mailbox) Unlink(to etf.Pid) error {
	return m.node.Unlink(m.self, to)
}

// Exit sends an exit signal from this mailbox to a pid.
func (m *Mailbox) Exit(to etf.Pid, reason etf.Term) error {
	return m.node.Exit(m.self, to, reason)
}

// termMessage tells payload-bearing and auth-error messages apart from
// control traffic.
func termMessage(v interface{}) bool {
	switch v.(type) {
	case *SendMessage, *RegSendMessage, *AuthErrorMessage:
		return true
	}
	return false
}

func messageTerm(v interface{}) (etf.Term, error) {
	switch msg := v.(type) {
	case *SendMessage:
		return msg.Payload, nil
	case *RegSendMessage:
		return msg.Payload, nil
	case *AuthErrorMessage:
		return nil, msg.Err
	}
	return nil, ErrTimeout
}

// Receive blocks until a payload message arrives and returns its term.
// A queued auth error is returned as an *AuthError.
func (m *Mailbox) Receive() (etf.Term, error) {
	return messageTerm(m.queue.GetMatch(termMessage))
}

// ReceiveTimeout is Receive with a bounded wait; zero polls without
// blocking. ErrTimeout reports an empty wait.
func (m *Mailbox) ReceiveTimeout(d time.Duration) (etf.Term, error) {
	v, ok := m.queue.GetMatchTimeout(termMessage, d)
	if !ok {
		return nil, ErrTimeout
	}
	return messageTerm(v)
}

// ReceiveMatch waits for the first payload message matching pattern and
// consumes it, leaving earlier non-matching messages queued. It returns
// the pattern substituted through the resulting binding, and the
// binding itself.
func (m *Mailbox) ReceiveMatch(pattern etf.Term, d time.Duration) (etf.Term, *etf.Binding, error) {
	var matched *etf.Binding

	guard := func(v interface{}) bool {
		var payload etf.Term
		switch msg := v.(type) {
		case *SendMessage:
			payload = msg.Payload
		case *RegSendMessage:
			payload = msg.Payload
		default:
			return false
		}
		binding := etf.NewBinding()
		if !etf.Match(payload, pattern, binding) {
			return false
		}
		matched = binding
		return true
	}

	if _, ok := m.queue.GetMatchTimeout(guard, d); !ok {
		return nil, nil, ErrTimeout
	}

	bound, err := etf.Subst(pattern, matched)
	if err != nil {
		return nil, matched, err
	}
	return bound, matched, nil
}

// ReceiveMessage dequeues the next message of any kind.
func (m *Mailbox) ReceiveMessage(d time.Duration) (Message, error) {
	v, ok := m.queue.GetTimeout(d)
	if !ok {
		return nil, ErrTimeout
	}
	return v.(Message), nil
}

// Count returns the number of queued messages.
func (m *Mailbox) Count() int {
	return m.queue.Count()
}

// deliver is the node-side entry: control messages are filtered by the
// mailbox policy, everything else queues up.
func (m *Mailbox) deliver(origin *Connection, msg Message) {
	switch msg.(type) {
	case *LinkMessage, *UnlinkMessage, *ExitMessage:
		if !m.forwardControl {
			lib.Log("mailbox %s: dropping control message %T", etf.TermToString(m.self, nil), msg)
			return
		}
	}
	m.queue.Put(msg)
}
