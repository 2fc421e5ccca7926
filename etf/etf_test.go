package etf

import (
	"bytes"
	"math"
	"reflect"
	"testing"

	"github.com/epi-go/epi/lib"
)

func encodeToBytes(t *testing.T, term Term, version bool) []byte {
	t.Helper()
	b := lib.TakeBuffer()
	defer lib.ReleaseBuffer(b)
	if err := Encode(term, b, version); err != nil {
		t.Fatalf("encode %v: %v", term, err)
	}
	out := make([]byte, b.Len())
	copy(out, b.B)
	return out
}

func roundTrip(t *testing.T, term Term, version bool) Term {
	t.Helper()
	packet := encodeToBytes(t, term, version)
	decoded, rest, err := Decode(packet)
	if err != nil {
		t.Fatalf("decode %v: %v", term, err)
	}
	if len(rest) != 0 {
		t.Fatalf("decode %v: %d trailing bytes", term, len(rest))
	}
	return decoded
}

func TestEncodeAtom(t *testing.T) {
	expected := []byte{131, 100, 0, 5, 104, 101, 108, 108, 111}
	packet := encodeToBytes(t, Atom("hello"), true)
	if !bytes.Equal(packet, expected) {
		t.Fatalf("expected %v, got %v", expected, packet)
	}

	decoded, _, err := Decode(expected)
	if err != nil {
		t.Fatal(err)
	}
	if decoded != Atom("hello") {
		t.Fatalf("expected atom hello, got %v", decoded)
	}
}

func TestAtomLimits(t *testing.T) {
	b := lib.TakeBuffer()
	defer lib.ReleaseBuffer(b)

	if err := Encode(Atom(""), b, false); err != ErrBadAtom {
		t.Fatalf("expected ErrBadAtom for empty atom, got %v", err)
	}
	long := make([]byte, 256)
	for i := range long {
		long[i] = 'a'
	}
	if err := Encode(Atom(long), b, false); err != ErrBadAtom {
		t.Fatalf("expected ErrBadAtom for long atom, got %v", err)
	}
}

func TestRoundTripScalars(t *testing.T) {
	terms := []Term{
		Atom("ok"),
		int64(0),
		int64(255),
		int64(-1),
		int64(1<<31 - 1),
		int64(math.MinInt32),
		int64(1) << 40,
		int64(math.MaxInt64),
		int64(math.MinInt64),
		float64(3.14159),
		float64(-1e300),
		"hello world",
		[]byte{1, 2, 3, 0, 255},
		List{},
	}
	for _, version := range []bool{false, true} {
		for _, term := range terms {
			decoded := roundTrip(t, term, version)
			if !TermsEqual(decoded, term) {
				t.Fatalf("round trip of %#v (version=%v) gave %#v", term, version, decoded)
			}
		}
	}
}

func TestRoundTripCompound(t *testing.T) {
	pid := Pid{Node: "a@h", Id: 1, Serial: 0, Creation: 0}
	ref := Ref{Node: "a@h", Creation: 1, Id: []uint32{7, 8, 9}}
	oldRef := Ref{Node: "a@h", Creation: 1, Id: []uint32{42}, Old: true}
	port := Port{Node: "a@h", Id: 3, Creation: 2}

	terms := []Term{
		pid,
		ref,
		oldRef,
		port,
		Tuple{},
		Tuple{pid, Atom("hello")},
		Tuple{int64(1), Tuple{int64(2), List{Atom("x")}}},
		List{int64(1), Atom("two"), "three"},
		ListImproper{int64(1), int64(2), Atom("tail")},
	}
	for _, term := range terms {
		decoded := roundTrip(t, term, true)
		if !TermsEqual(decoded, term) {
			t.Fatalf("round trip of %#v gave %#v", term, decoded)
		}
	}
}

func TestRoundTripTupleOfPidAndAtom(t *testing.T) {
	original := Tuple{
		Pid{Node: "a@h", Id: 1, Serial: 0, Creation: 0},
		Atom("hello"),
	}
	decoded := roundTrip(t, original, true)
	if !TermsEqual(decoded, original) {
		t.Fatalf("expected %#v, got %#v", original, decoded)
	}
}

func TestLongListEncoding(t *testing.T) {
	list := make(List, 100)
	for i := range list {
		list[i] = int64(i)
	}
	packet := encodeToBytes(t, list, true)

	if packet[1] != ettList {
		t.Fatalf("expected list tag at offset 1, got %d", packet[1])
	}
	arity := []byte{packet[2], packet[3], packet[4], packet[5]}
	if !bytes.Equal(arity, []byte{0, 0, 0, 100}) {
		t.Fatalf("expected arity 100, got %v", arity)
	}

	decoded, _, err := Decode(packet)
	if err != nil {
		t.Fatal(err)
	}
	if !TermsEqual(decoded, list) {
		t.Fatalf("expected the same proper list back, got %#v", decoded)
	}
}

func TestStringAsCharList(t *testing.T) {
	// non-printable content forces the character-list form
	s := "abc\x01def"
	packet := encodeToBytes(t, s, false)
	if packet[0] != ettList {
		t.Fatalf("expected character-list form, got tag %d", packet[0])
	}

	// a printable character list materializes back as a string
	printable := "hello"
	listForm := []byte{ettList, 0, 0, 0, 5}
	for i := 0; i < len(printable); i++ {
		listForm = append(listForm, ettSmallInteger, printable[i])
	}
	listForm = append(listForm, ettNil)
	decoded, _, err := Decode(listForm)
	if err != nil {
		t.Fatal(err)
	}
	if decoded != "hello" {
		t.Fatalf("expected string hello, got %#v", decoded)
	}
}

func TestDecodeErrors(t *testing.T) {
	cases := [][]byte{
		{},                     // empty
		{200},                  // unknown tag
		{ettInteger, 0, 0},     // short integer
		{ettAtom, 0, 5, 'a'},   // short atom
		{ettAtom, 0, 0},        // empty atom
		{ettList, 0, 0, 0, 0},  // zero arity list
		{ettSmallTuple, 2, 97}, // short tuple
		{ettNewRef, 0, 4},      // ref word count out of range
		{ettSmallBig, 9, 0, 1, 1, 1, 1, 1, 1, 1, 1, 1}, // big out of int64 range
	}
	for _, packet := range cases {
		if _, _, err := Decode(packet); err == nil {
			t.Fatalf("expected decode error for %v", packet)
		}
	}
}

func TestDecodeErrorOffset(t *testing.T) {
	// tuple whose second element carries an unknown tag
	packet := []byte{131, ettSmallTuple, 2, ettSmallInteger, 1, 200}
	_, _, err := Decode(packet)
	de, ok := err.(*DecodeError)
	if !ok {
		t.Fatalf("expected *DecodeError, got %v", err)
	}
	if de.Offset != 5 || de.Tag != 200 {
		t.Fatalf("expected offset 5 tag 200, got offset %d tag %d", de.Offset, de.Tag)
	}
}

func TestDecodeOldStyleFloat(t *testing.T) {
	text := make([]byte, 32)
	text[0] = ettFloat
	copy(text[1:], "3.14000000000000000000e+00")
	decoded, _, err := Decode(text)
	if err != nil {
		t.Fatal(err)
	}
	f, ok := decoded.(float64)
	if !ok || math.Abs(f-3.14) > 1e-9 {
		t.Fatalf("expected 3.14, got %#v", decoded)
	}
}

func TestGetType(t *testing.T) {
	terms := []Term{
		Atom("hello"),
		int64(12),
		int64(1) << 40,
		float64(1.5),
		"str",
		[]byte{1, 2},
		Tuple{int64(1), Atom("x")},
		List{int64(1), int64(300)},
		ListImproper{int64(1), Atom("t")},
		Pid{Node: "a@h", Id: 1, Serial: 2, Creation: 3},
		Port{Node: "a@h", Id: 1, Creation: 0},
		Ref{Node: "a@h", Id: []uint32{1, 2, 3}},
		Ref{Node: "a@h", Id: []uint32{1}, Old: true},
	}
	for _, term := range terms {
		packet := encodeToBytes(t, term, false)
		tag, size, err := GetType(packet)
		if err != nil {
			t.Fatalf("GetType(%#v): %v", term, err)
		}
		if tag != packet[0] {
			t.Fatalf("GetType(%#v): tag %d, expected %d", term, tag, packet[0])
		}
		if size != len(packet) {
			t.Fatalf("GetType(%#v): size %d, expected %d", term, size, len(packet))
		}
	}
}

func TestGetTypeSkipsVersion(t *testing.T) {
	packet := encodeToBytes(t, Atom("x"), true)
	tag, size, err := GetType(packet)
	if err != nil {
		t.Fatal(err)
	}
	if tag != ettAtom || size != len(packet)-1 {
		t.Fatalf("got tag %d size %d", tag, size)
	}
}

func TestDecodeLeavesTrailingBytes(t *testing.T) {
	packet := append(encodeToBytes(t, Atom("x"), true), 1, 2, 3)
	_, rest, err := Decode(packet)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(rest, []byte{1, 2, 3}) {
		t.Fatalf("expected trailing bytes, got %v", rest)
	}
}

func TestEncodeInvalid(t *testing.T) {
	b := lib.TakeBuffer()
	defer lib.ReleaseBuffer(b)

	if err := Encode(nil, b, false); err != ErrInvalidTerm {
		t.Fatalf("expected ErrInvalidTerm, got %v", err)
	}
	if err := Encode(Var("X"), b, false); err != ErrBadVariable {
		t.Fatalf("expected ErrBadVariable, got %v", err)
	}
	if err := Encode(Ref{Node: "a@h", Id: []uint32{1, 2, 3, 4}}, b, false); err != ErrBadRef {
		t.Fatalf("expected ErrBadRef, got %v", err)
	}
	if err := Encode(ListImproper{Atom("tail")}, b, false); err != ErrBadList {
		t.Fatalf("expected ErrBadList, got %v", err)
	}
}

func TestTupleElement(t *testing.T) {
	tuple := Tuple{Atom("a"), int64(2)}
	if tuple.Element(1) != Atom("a") || tuple.Element(2) != int64(2) {
		t.Fatal("Element is 1-indexed")
	}
}

func TestDecodedBinaryIsOwned(t *testing.T) {
	packet := encodeToBytes(t, []byte{1, 2, 3}, false)
	decoded, _, err := Decode(packet)
	if err != nil {
		t.Fatal(err)
	}
	packet[5] = 99 // mutate the source frame
	bin := decoded.([]byte)
	if !reflect.DeepEqual(bin, []byte{1, 2, 3}) {
		t.Fatalf("decoded binary aliases the source buffer: %v", bin)
	}
}
