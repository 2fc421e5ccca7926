package epi

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/epi-go/epi/etf"
	"github.com/epi-go/epi/lib"
)

func frameBytes(t *testing.T, terms ...etf.Term) []byte {
	t.Helper()
	b := lib.TakeBuffer()
	defer lib.ReleaseBuffer(b)
	b.Allocate(4)
	for _, term := range terms {
		if err := etf.Encode(term, b, true); err != nil {
			t.Fatal(err)
		}
	}
	binary.BigEndian.PutUint32(b.B[0:4], uint32(b.Len()-4))
	out := make([]byte, b.Len())
	copy(out, b.B)
	return out
}

func TestDecodeFrameSend(t *testing.T) {
	c := NewConnection("peer@test", "secret", nil)
	to := etf.Pid{Node: "a@test", Id: 1, Serial: 0, Creation: 0}

	frame := frameBytes(t,
		etf.Tuple{protoSend, etf.Atom("secret"), to},
		etf.Atom("payload"),
	)
	msg, fatal := c.decodeFrame(frame[4:])
	if fatal {
		t.Fatal("a valid SEND must not stop the loop")
	}
	send, ok := msg.(*SendMessage)
	if !ok {
		t.Fatalf("expected *SendMessage, got %T", msg)
	}
	if !etf.TermsEqual(send.To, to) || send.Payload != etf.Atom("payload") {
		t.Fatalf("bad decode: %+v", send)
	}
}

func TestDecodeFrameRegSend(t *testing.T) {
	c := NewConnection("peer@test", "secret", nil)
	from := etf.Pid{Node: "peer@test", Id: 9, Serial: 0, Creation: 1}

	frame := frameBytes(t,
		etf.Tuple{protoRegSend, from, etf.Atom("secret"), etf.Atom("server")},
		etf.Tuple{etf.Atom("req"), int64(1)},
	)
	msg, fatal := c.decodeFrame(frame[4:])
	if fatal {
		t.Fatal("a valid REG_SEND must not stop the loop")
	}
	reg, ok := msg.(*RegSendMessage)
	if !ok {
		t.Fatalf("expected *RegSendMessage, got %T", msg)
	}
	if reg.ToName != "server" || !etf.TermsEqual(reg.From, from) {
		t.Fatalf("bad decode: %+v", reg)
	}
}

func TestDecodeFrameCookieMismatch(t *testing.T) {
	c := NewConnection("peer@test", "secret", nil)
	to := etf.Pid{Node: "a@test", Id: 1}

	frame := frameBytes(t,
		etf.Tuple{protoSend, etf.Atom("stolen"), to},
		etf.Atom("payload"),
	)
	msg, fatal := c.decodeFrame(frame[4:])
	if fatal {
		t.Fatal("a cookie mismatch must not tear the connection down")
	}
	auth, ok := msg.(*AuthErrorMessage)
	if !ok {
		t.Fatalf("expected *AuthErrorMessage, got %T", msg)
	}
	if auth.Err.Cookie != etf.Atom("stolen") {
		t.Fatalf("expected the offending cookie, got %v", auth.Err.Cookie)
	}
}

func TestDecodeFrameControls(t *testing.T) {
	c := NewConnection("peer@test", "secret", nil)
	from := etf.Pid{Node: "peer@test", Id: 1}
	to := etf.Pid{Node: "a@test", Id: 2}

	msg, fatal := c.decodeFrame(frameBytes(t, etf.Tuple{protoLink, from, to})[4:])
	if fatal {
		t.Fatal("LINK must not stop the loop")
	}
	if _, ok := msg.(*LinkMessage); !ok {
		t.Fatalf("expected *LinkMessage, got %T", msg)
	}

	msg, _ = c.decodeFrame(frameBytes(t, etf.Tuple{protoUnlink, from, to})[4:])
	if _, ok := msg.(*UnlinkMessage); !ok {
		t.Fatalf("expected *UnlinkMessage, got %T", msg)
	}

	msg, _ = c.decodeFrame(frameBytes(t, etf.Tuple{protoExit, from, to, etf.Atom("normal")})[4:])
	exit, ok := msg.(*ExitMessage)
	if !ok {
		t.Fatalf("expected *ExitMessage, got %T", msg)
	}
	if exit.Reason != etf.Atom("normal") {
		t.Fatalf("expected reason normal, got %v", exit.Reason)
	}
}

func TestDecodeFrameUnknownControl(t *testing.T) {
	c := NewConnection("peer@test", "secret", nil)
	msg, fatal := c.decodeFrame(frameBytes(t, etf.Tuple{int64(99)})[4:])
	if !fatal {
		t.Fatal("an unknown control code must stop the loop")
	}
	if _, ok := msg.(*ErrorMessage); !ok {
		t.Fatalf("expected *ErrorMessage, got %T", msg)
	}
}

func TestDecodeFrameGarbage(t *testing.T) {
	c := NewConnection("peer@test", "secret", nil)
	msg, fatal := c.decodeFrame([]byte{1, 2, 3})
	if !fatal {
		t.Fatal("garbage must stop the loop")
	}
	if _, ok := msg.(*ErrorMessage); !ok {
		t.Fatalf("expected *ErrorMessage, got %T", msg)
	}
}

func TestTickIsDiscarded(t *testing.T) {
	pn := newPipeNetwork()
	node, err := testNode(pn, "a@test", "secret")
	if err != nil {
		t.Fatal(err)
	}
	defer node.Close()

	local, remote := net.Pipe()
	defer local.Close()
	c := NewConnection("peer@test", "secret", remote)
	node.addConnection(c)

	// a keepalive tick: zero length frame, answered in kind
	if _, err := local.Write([]byte{0, 0, 0, 0}); err != nil {
		t.Fatal(err)
	}
	local.SetReadDeadline(time.Now().Add(2 * time.Second))
	reply := make([]byte, 4)
	if _, err := local.Read(reply); err != nil {
		t.Fatal(err)
	}
	if binary.BigEndian.Uint32(reply) != 0 {
		t.Fatalf("expected a tick reply, got %v", reply)
	}

	// the connection map still holds the peer
	node.connections.mutex.Lock()
	_, ok := node.connections.m["peer@test"]
	node.connections.mutex.Unlock()
	if !ok {
		t.Fatal("the tick must not drop the connection")
	}
}

func TestSendFrameWire(t *testing.T) {
	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()

	c := NewConnection("peer@test", "secret", local)
	to := etf.Pid{Node: "peer@test", Id: 3, Serial: 0, Creation: 1}

	done := make(chan error, 1)
	go func() {
		done <- c.Send(etf.Pid{}, to, etf.Tuple{etf.Atom("m"), int64(1)})
	}()

	remote.SetReadDeadline(time.Now().Add(2 * time.Second))
	head := make([]byte, 4)
	if _, err := readAll(remote, head); err != nil {
		t.Fatal(err)
	}
	payload := make([]byte, binary.BigEndian.Uint32(head))
	if _, err := readAll(remote, payload); err != nil {
		t.Fatal(err)
	}
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	ctrl, rest, err := etf.Decode(payload)
	if err != nil {
		t.Fatal(err)
	}
	tuple := ctrl.(etf.Tuple)
	if tuple[0] != protoSend || tuple[1] != etf.Atom("secret") {
		t.Fatalf("bad control tuple: %v", ctrl)
	}
	term, _, err := etf.Decode(rest)
	if err != nil {
		t.Fatal(err)
	}
	if !etf.TermsEqual(term, etf.Tuple{etf.Atom("m"), int64(1)}) {
		t.Fatalf("bad payload: %v", term)
	}
}

func readAll(conn net.Conn, buf []byte) (int, error) {
	off := 0
	for off < len(buf) {
		n, err := conn.Read(buf[off:])
		if err != nil {
			return off, err
		}
		off += n
	}
	return off, nil
}
