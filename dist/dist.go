package dist

import (
	"bytes"
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"math/rand"
	"net"
	"time"
)

// Distribution capability flags sent during the handshake.
const (
	flagPublished          = 0x1
	flagExtendedReferences = 0x4
	flagExtendedPidsPorts  = 0x100
	flagNewFloats          = 0x800
	flagUTF8Atoms          = 0x10000
)

const handshakeTimeout = 5 * time.Second

// Link is a handshaked distribution channel to one peer.
type Link struct {
	Name   string
	Cookie string

	peerName  string
	peerFlags uint32
	conn      net.Conn
	challenge uint32
	version   uint16
}

// PeerName returns the full node name of the peer.
func (l *Link) PeerName() string {
	return l.peerName
}

// Conn returns the underlying socket.
func (l *Link) Conn() net.Conn {
	return l.conn
}

// Close closes the underlying socket.
func (l *Link) Close() {
	if l.conn != nil {
		l.conn.Close()
	}
}

func localFlags() uint32 {
	return flagPublished | flagExtendedReferences | flagExtendedPidsPorts |
		flagNewFloats | flagUTF8Atoms
}

// Handshake runs the connecting side of the distribution handshake.
func Handshake(conn net.Conn, name, cookie string) (*Link, error) {
	link := &Link{
		Name:      name,
		Cookie:    cookie,
		conn:      conn,
		challenge: rand.Uint32(),
		version:   5,
	}

	conn.SetDeadline(time.Now().Add(handshakeTimeout))
	defer conn.SetDeadline(time.Time{})

	// send_name
	msg := make([]byte, 7+len(name))
	msg[0] = 'n'
	binary.BigEndian.PutUint16(msg[1:3], link.version)
	binary.BigEndian.PutUint32(msg[3:7], localFlags())
	copy(msg[7:], name)
	if err := writeFrame(conn, msg); err != nil {
		return nil, err
	}

	// recv_status
	frame, err := readFrame(conn)
	if err != nil {
		return nil, err
	}
	if len(frame) < 1 || frame[0] != 's' {
		return nil, fmt.Errorf("dist: malformed handshake status")
	}
	if status := string(frame[1:]); status != "ok" && status != "ok_simultaneous" {
		return nil, fmt.Errorf("dist: handshake refused (%s)", status)
	}

	// recv_challenge: 'n' + version + flags + challenge + name
	frame, err = readFrame(conn)
	if err != nil {
		return nil, err
	}
	if len(frame) < 11 || frame[0] != 'n' {
		return nil, fmt.Errorf("dist: malformed handshake challenge")
	}
	link.peerFlags = binary.BigEndian.Uint32(frame[3:7])
	peerChallenge := binary.BigEndian.Uint32(frame[7:11])
	link.peerName = string(frame[11:])

	// send_challenge_reply: 'r' + our challenge + digest
	digest := genDigest(peerChallenge, cookie)
	msg = make([]byte, 21)
	msg[0] = 'r'
	binary.BigEndian.PutUint32(msg[1:5], link.challenge)
	copy(msg[5:], digest[:])
	if err := writeFrame(conn, msg); err != nil {
		return nil, err
	}

	// recv_challenge_ack: 'a' + digest
	frame, err = readFrame(conn)
	if err != nil {
		return nil, err
	}
	if len(frame) != 17 || frame[0] != 'a' {
		return nil, fmt.Errorf("dist: malformed handshake ack")
	}
	expected := genDigest(link.challenge, cookie)
	if !bytes.Equal(frame[1:], expected[:]) {
		return nil, fmt.Errorf("dist: handshake ack digest mismatch")
	}

	return link, nil
}

// HandshakeAccept runs the accepting side of the distribution handshake.
func HandshakeAccept(conn net.Conn, name, cookie string) (*Link, error) {
	link := &Link{
		Name:      name,
		Cookie:    cookie,
		conn:      conn,
		challenge: rand.Uint32(),
		version:   5,
	}

	conn.SetDeadline(time.Now().Add(handshakeTimeout))
	defer conn.SetDeadline(time.Time{})

	// recv_name
	frame, err := readFrame(conn)
	if err != nil {
		return nil, err
	}
	if len(frame) < 8 || frame[0] != 'n' {
		return nil, fmt.Errorf("dist: malformed handshake name")
	}
	link.peerFlags = binary.BigEndian.Uint32(frame[3:7])
	link.peerName = string(frame[7:])

	// send_status
	if err := writeFrame(conn, []byte("sok")); err != nil {
		return nil, err
	}

	// send_challenge: 'n' + version + flags + challenge + name
	msg := make([]byte, 11+len(name))
	msg[0] = 'n'
	binary.BigEndian.PutUint16(msg[1:3], link.version)
	binary.BigEndian.PutUint32(msg[3:7], localFlags())
	binary.BigEndian.PutUint32(msg[7:11], link.challenge)
	copy(msg[11:], name)
	if err := writeFrame(conn, msg); err != nil {
		return nil, err
	}

	// recv_challenge_reply: 'r' + peer challenge + digest
	frame, err = readFrame(conn)
	if err != nil {
		return nil, err
	}
	if len(frame) != 21 || frame[0] != 'r' {
		return nil, fmt.Errorf("dist: malformed handshake reply")
	}
	peerChallenge := binary.BigEndian.Uint32(frame[1:5])
	expected := genDigest(link.challenge, cookie)
	if !bytes.Equal(frame[5:], expected[:]) {
		return nil, fmt.Errorf("dist: handshake digest mismatch")
	}

	// send_challenge_ack
	digest := genDigest(peerChallenge, cookie)
	msg = make([]byte, 17)
	msg[0] = 'a'
	copy(msg[1:], digest[:])
	if err := writeFrame(conn, msg); err != nil {
		return nil, err
	}

	return link, nil
}

func genDigest(challenge uint32, cookie string) [16]byte {
	return md5.Sum([]byte(fmt.Sprintf("%s%d", cookie, challenge)))
}

// writeFrame sends a handshake message with its u16 length prefix.
func writeFrame(conn net.Conn, payload []byte) error {
	frame := make([]byte, 2+len(payload))
	binary.BigEndian.PutUint16(frame[0:2], uint16(len(payload)))
	copy(frame[2:], payload)
	_, err := conn.Write(frame)
	return err
}

// readFrame reads one u16-length-prefixed handshake message.
func readFrame(conn net.Conn) ([]byte, error) {
	head := make([]byte, 2)
	if _, err := readFull(conn, head); err != nil {
		return nil, err
	}
	payload := make([]byte, binary.BigEndian.Uint16(head))
	if _, err := readFull(conn, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
