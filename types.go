package epi

import (
	"errors"
	"fmt"

	"github.com/epi-go/epi/etf"
)

// Control message codes of the distribution protocol.
const (
	protoLink     = int64(1)
	protoSend     = int64(2)
	protoExit     = int64(3)
	protoUnlink   = int64(4)
	protoNodeLink = int64(5)
	protoRegSend  = int64(6)
	protoExit2    = int64(8)
)

var (
	// ErrTimeout reports a bounded receive that saw no message.
	ErrTimeout = errors.New("epi: timeout")
	// ErrUnknownProtocol reports a transport protocol with no
	// registered factory.
	ErrUnknownProtocol = errors.New("epi: unknown transport protocol")
	// ErrNodeClosed reports an operation on a closed node.
	ErrNodeClosed = errors.New("epi: node is closed")
	// ErrNameInUse reports a name registration conflict.
	ErrNameInUse = errors.New("epi: name already registered")
	// ErrNoCookie reports node creation with no cookie given and no
	// cookie file to fall back to.
	ErrNoCookie = errors.New("epi: no cookie given and no cookie file found")
)

// AuthError reports a frame whose cookie did not match the local
// node's cookie. Mailbox.Receive returns it as the error when it
// dequeues an auth-error message.
type AuthError struct {
	Peer   string
	Cookie etf.Atom
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("epi: cookie mismatch from %s", e.Peer)
}

// Message is a decoded inbound message as the dispatcher routes it.
type Message interface {
	isMessage()
}

// SendMessage carries a payload addressed to a pid.
type SendMessage struct {
	To      etf.Pid
	Payload etf.Term
}

// RegSendMessage carries a payload addressed to a registered name.
type RegSendMessage struct {
	From    etf.Pid
	ToName  string
	Payload etf.Term
}

// LinkMessage is a link request between two pids. The node surfaces
// it to the recipient mailbox when control forwarding is on.
type LinkMessage struct {
	From etf.Pid
	To   etf.Pid
}

// UnlinkMessage revokes a link.
type UnlinkMessage struct {
	From etf.Pid
	To   etf.Pid
}

// ExitMessage reports a peer process exit with its reason.
type ExitMessage struct {
	From   etf.Pid
	To     etf.Pid
	Reason etf.Term
}

// AuthErrorMessage is the materialized cookie-mismatch error,
// addressed to the recipient the offending frame named.
type AuthErrorMessage struct {
	To  etf.Term // Pid or name Atom
	Err *AuthError
}

// ErrorMessage reports a connection-level failure to the dispatcher.
type ErrorMessage struct {
	Err error
}

func (*SendMessage) isMessage()      {}
func (*RegSendMessage) isMessage()   {}
func (*LinkMessage) isMessage()      {}
func (*UnlinkMessage) isMessage()    {}
func (*ExitMessage) isMessage()      {}
func (*AuthErrorMessage) isMessage() {}
func (*ErrorMessage) isMessage()     {}
