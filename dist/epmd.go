// Package dist implements the distribution handshake and the EPMD
// registration client used by the default transport.
package dist

import (
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/epi-go/epi/lib"
)

const (
	epmdAlive2Req      = 120
	epmdAlive2Resp     = 121
	epmdPortPlease2Req = 122
	epmdPort2Resp      = 119

	// DefaultEPMDPort is the port the registration daemon listens on.
	DefaultEPMDPort = uint16(4369)

	nodeTypeNormal = 77
	nodeTypeHidden = 72
)

// EPMD is a client of the port registration daemon. Publish keeps the
// daemon connection open: the daemon drops the registration as soon as
// the connection closes.
type EPMD struct {
	Host string
	Port uint16

	conn net.Conn
}

// Publish registers the alive (short) name with its listening port and
// returns the creation the daemon assigned.
func (e *EPMD) Publish(name string, port uint16) (uint16, error) {
	if e.conn != nil {
		return 0, fmt.Errorf("epmd: %q is already published", name)
	}

	conn, err := net.Dial("tcp", e.addr())
	if err != nil {
		return 0, err
	}

	b := lib.TakeBuffer()
	defer lib.ReleaseBuffer(b)

	// ALIVE2_REQ: len, 120, port, type, protocol, high, low, nlen, name, elen
	b.Allocate(2)
	b.AppendByte(epmdAlive2Req)
	buf := b.Extend(8)
	binary.BigEndian.PutUint16(buf[0:2], port)
	buf[2] = nodeTypeHidden
	buf[3] = 0 // tcp/ipv4
	binary.BigEndian.PutUint16(buf[4:6], 5)
	binary.BigEndian.PutUint16(buf[6:8], 5)
	buf = b.Extend(2)
	binary.BigEndian.PutUint16(buf, uint16(len(name)))
	b.AppendString(name)
	buf = b.Extend(2)
	binary.BigEndian.PutUint16(buf, 0) // no extra
	binary.BigEndian.PutUint16(b.B[0:2], uint16(b.Len()-2))

	if err := b.WriteDataTo(conn); err != nil {
		conn.Close()
		return 0, err
	}

	// ALIVE2_RESP: 121, result, creation
	reply := make([]byte, 4)
	if _, err := readFull(conn, reply); err != nil {
		conn.Close()
		return 0, err
	}
	if reply[0] != epmdAlive2Resp || reply[1] != 0 {
		conn.Close()
		return 0, fmt.Errorf("epmd: name %q rejected (result %d)", name, reply[1])
	}

	e.conn = conn
	return binary.BigEndian.Uint16(reply[2:4]), nil
}

// Unpublish drops the registration by closing the daemon connection.
func (e *EPMD) Unpublish() {
	if e.conn != nil {
		e.conn.Close()
		e.conn = nil
	}
}

// Lookup asks the daemon on host for the distribution port of the alive
// (short) name. The second result, the creation, is always 0: the
// daemon's reply does not carry it.
func (e *EPMD) Lookup(name, host string) (uint16, uint16, error) {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, strconv.Itoa(int(e.port()))), 5*time.Second)
	if err != nil {
		return 0, 0, err
	}
	defer conn.Close()

	b := lib.TakeBuffer()
	defer lib.ReleaseBuffer(b)
	b.Allocate(2)
	b.AppendByte(epmdPortPlease2Req)
	b.AppendString(name)
	binary.BigEndian.PutUint16(b.B[0:2], uint16(b.Len()-2))
	if err := b.WriteDataTo(conn); err != nil {
		return 0, 0, err
	}

	// PORT2_RESP: 119, result, port, type, protocol, high, low, nlen, ...
	head := make([]byte, 2)
	if _, err := readFull(conn, head); err != nil {
		return 0, 0, err
	}
	if head[0] != epmdPort2Resp {
		return 0, 0, fmt.Errorf("epmd: unexpected reply %d", head[0])
	}
	if head[1] != 0 {
		return 0, 0, fmt.Errorf("epmd: node %q is not registered (result %d)", name, head[1])
	}
	rest := make([]byte, 8)
	if _, err := readFull(conn, rest); err != nil {
		return 0, 0, err
	}
	port := binary.BigEndian.Uint16(rest[0:2])

	// creation is not part of PORT2_RESP; peers learn it from the
	// identifiers the remote node mints
	return port, 0, nil
}

func (e *EPMD) addr() string {
	host := e.Host
	if host == "" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, strconv.Itoa(int(e.port())))
}

func (e *EPMD) port() uint16 {
	if e.Port == 0 {
		return DefaultEPMDPort
	}
	return e.Port
}

func readFull(conn net.Conn, buf []byte) (int, error) {
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
