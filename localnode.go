package epi

import (
	"bufio"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/epi-go/epi/etf"
)

// Identifier width limits of the wire format.
const (
	pidIdMax     = 0x7fff // 15 bits
	pidSerialMax = 0x1fff // 13 bits
)

// LocalNode carries the node identity and mints fresh identifiers.
// Every pid, port and reference it creates is unique for the node's
// lifetime.
type LocalNode struct {
	FullName  string // "short@host"
	AliveName string // "short"
	Host      string
	Cookie    string
	Creation  uint16

	mu        sync.Mutex
	pidId     uint32
	pidSerial uint32
	portId    uint32
	refId     uint32
	rnd       *rand.Rand
}

// newLocalNode parses name ("short" or "short@host"; a bare short name
// gets the machine hostname) and resolves the cookie, falling back to
// the cookie file when cookie is empty.
func newLocalNode(name, cookie string) (*LocalNode, error) {
	short, host := name, ""
	if i := strings.IndexByte(name, '@'); i >= 0 {
		short, host = name[:i], name[i+1:]
	}
	if short == "" {
		return nil, fmt.Errorf("epi: invalid node name %q", name)
	}
	if host == "" {
		h, err := os.Hostname()
		if err != nil {
			return nil, err
		}
		host = h
	}

	if cookie == "" {
		cookie = readCookieFile()
		if cookie == "" {
			return nil, ErrNoCookie
		}
	}

	return &LocalNode{
		FullName:  short + "@" + host,
		AliveName: short,
		Host:      host,
		Cookie:    cookie,
		pidId:     1,
		rnd:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// readCookieFile returns the first line of the user's cookie file, or
// an empty string.
func readCookieFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	f, err := os.Open(filepath.Join(home, ".erlang.cookie"))
	if err != nil {
		return ""
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	if scanner.Scan() {
		return strings.TrimSpace(scanner.Text())
	}
	return ""
}

func (ln *LocalNode) creation() byte {
	return byte(ln.Creation) & 3
}

// CreatePid mints a fresh process identifier. The id field wraps at 15
// bits, bumping the 13-bit serial.
func (ln *LocalNode) CreatePid() etf.Pid {
	ln.mu.Lock()
	id := ln.pidId
	serial := ln.pidSerial
	ln.pidId++
	if ln.pidId > pidIdMax {
		ln.pidId = 0
		ln.pidSerial = (ln.pidSerial + 1) & pidSerialMax
	}
	ln.mu.Unlock()

	return etf.Pid{
		Node:     etf.Atom(ln.FullName),
		Id:       id,
		Serial:   serial,
		Creation: ln.creation(),
	}
}

// CreatePort mints a fresh port identifier.
func (ln *LocalNode) CreatePort() etf.Port {
	ln.mu.Lock()
	id := ln.portId
	ln.portId++
	ln.mu.Unlock()

	return etf.Port{
		Node:     etf.Atom(ln.FullName),
		Id:       id,
		Creation: ln.creation(),
	}
}

// CreateRef mints a fresh new-style reference: a monotonic first word
// and two random words.
func (ln *LocalNode) CreateRef() etf.Ref {
	ln.mu.Lock()
	first := ln.refId
	ln.refId++
	w1 := ln.rnd.Uint32()
	w2 := ln.rnd.Uint32()
	ln.mu.Unlock()

	return etf.Ref{
		Node:     etf.Atom(ln.FullName),
		Creation: ln.creation(),
		Id:       []uint32{first, w1, w2},
	}
}

// isLocalName reports whether node names this node, by full or short
// name.
func (ln *LocalNode) isLocalName(node string) bool {
	return node == ln.FullName || node == ln.AliveName
}
