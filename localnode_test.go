package epi

import (
	"testing"

	"github.com/epi-go/epi/etf"
)

func TestCreatePid(t *testing.T) {
	ln, err := newLocalNode("a@test", "secret")
	if err != nil {
		t.Fatal(err)
	}
	if ln.FullName != "a@test" || ln.AliveName != "a" || ln.Host != "test" {
		t.Fatalf("identity parsed wrong: %+v", ln)
	}

	seen := make(map[etf.Pid]bool)
	for i := 0; i < 1000; i++ {
		pid := ln.CreatePid()
		if pid.Node != etf.Atom("a@test") {
			t.Fatalf("pid carries wrong node: %v", pid)
		}
		if seen[pid] {
			t.Fatalf("duplicate pid %v", pid)
		}
		seen[pid] = true
	}
}

func TestCreatePidWraps(t *testing.T) {
	ln, err := newLocalNode("a@test", "secret")
	if err != nil {
		t.Fatal(err)
	}
	ln.pidId = pidIdMax // next mint wraps the id and bumps the serial

	first := ln.CreatePid()
	second := ln.CreatePid()
	if first.Id != pidIdMax || first.Serial != 0 {
		t.Fatalf("expected the last id of serial 0, got %v", first)
	}
	if second.Id != 0 || second.Serial != 1 {
		t.Fatalf("expected the id to wrap into serial 1, got %v", second)
	}
}

func TestCreateRef(t *testing.T) {
	ln, err := newLocalNode("a@test", "secret")
	if err != nil {
		t.Fatal(err)
	}

	a := ln.CreateRef()
	b := ln.CreateRef()
	if len(a.Id) != 3 || a.Old {
		t.Fatalf("references are new-style with three words: %v", a)
	}
	if a.Id[0]+1 != b.Id[0] {
		t.Fatalf("first word must be monotonic: %v then %v", a.Id[0], b.Id[0])
	}
	if etf.TermsEqual(a, b) {
		t.Fatal("consecutive references must differ")
	}
}

func TestCreatePort(t *testing.T) {
	ln, err := newLocalNode("a@test", "secret")
	if err != nil {
		t.Fatal(err)
	}
	a := ln.CreatePort()
	b := ln.CreatePort()
	if a.Id == b.Id {
		t.Fatal("consecutive ports must differ")
	}
}

func TestIsLocalName(t *testing.T) {
	ln, err := newLocalNode("a@test", "secret")
	if err != nil {
		t.Fatal(err)
	}
	if !ln.isLocalName("a@test") || !ln.isLocalName("a") {
		t.Fatal("own names must be local")
	}
	if ln.isLocalName("b@test") || ln.isLocalName("a@other") {
		t.Fatal("other nodes must not be local")
	}
}

func TestBadNodeName(t *testing.T) {
	if _, err := newLocalNode("@host", "secret"); err == nil {
		t.Fatal("an empty short name must be rejected")
	}
}
