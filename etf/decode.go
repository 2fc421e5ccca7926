package etf

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

var (
	errMalformed        = errors.New("etf: malformed packet")
	errMalformedAtom    = errors.New("etf: malformed atom")
	errMalformedInteger = errors.New("etf: malformed integer")
	errMalformedBig     = errors.New("etf: big integer out of int64 range")
	errMalformedFloat   = errors.New("etf: malformed float")
	errMalformedString  = errors.New("etf: malformed string")
	errMalformedBinary  = errors.New("etf: malformed binary")
	errMalformedTuple   = errors.New("etf: malformed tuple")
	errMalformedList    = errors.New("etf: malformed list")
	errMalformedPid     = errors.New("etf: malformed pid")
	errMalformedPort    = errors.New("etf: malformed port")
	errMalformedRef     = errors.New("etf: malformed reference")
	errUnknownTag       = errors.New("etf: unknown type tag")
)

func decodeError(off int, tag byte, reason error) error {
	return &DecodeError{Offset: off, Tag: tag, Err: reason}
}

// Decode reads one term from packet. A leading version magic is
// consumed if present. It returns the term and the bytes following its
// encoding.
func Decode(packet []byte) (Term, []byte, error) {
	off := 0
	if len(packet) > 0 && packet[off] == EtVersion {
		off++
	}
	term, end, err := decodeTerm(packet, off)
	if err != nil {
		return nil, nil, err
	}
	return term, packet[end:], nil
}

// decodeTerm parses the term starting at b[off] and returns it together
// with the offset of the first byte after its encoding.
func decodeTerm(b []byte, off int) (Term, int, error) {
	if off >= len(b) {
		return nil, 0, decodeError(off, 0, errMalformed)
	}
	tag := b[off]
	start := off
	off++

	switch tag {
	case ettSmallInteger:
		if off+1 > len(b) {
			return nil, 0, decodeError(start, tag, errMalformedInteger)
		}
		return int64(b[off]), off + 1, nil

	case ettInteger:
		if off+4 > len(b) {
			return nil, 0, decodeError(start, tag, errMalformedInteger)
		}
		return int64(int32(binary.BigEndian.Uint32(b[off:]))), off + 4, nil

	case ettSmallBig:
		if off+2 > len(b) {
			return nil, 0, decodeError(start, tag, errMalformedInteger)
		}
		n := int(b[off])
		negative := b[off+1] == 1
		off += 2
		return decodeBig(b, start, tag, off, n, negative)

	case ettLargeBig:
		if off+5 > len(b) {
			return nil, 0, decodeError(start, tag, errMalformedInteger)
		}
		n := int(binary.BigEndian.Uint32(b[off:]))
		negative := b[off+4] == 1
		off += 5
		return decodeBig(b, start, tag, off, n, negative)

	case ettNewFloat:
		if off+8 > len(b) {
			return nil, 0, decodeError(start, tag, errMalformedFloat)
		}
		bits := binary.BigEndian.Uint64(b[off:])
		return math.Float64frombits(bits), off + 8, nil

	case ettFloat:
		// 31 bytes of zero-padded text, the old textual float form
		if off+31 > len(b) {
			return nil, 0, decodeError(start, tag, errMalformedFloat)
		}
		text := b[off : off+31]
		if i := indexZero(text); i >= 0 {
			text = text[:i]
		}
		var f float64
		if n, err := fmt.Sscanf(string(text), "%f", &f); err != nil || n != 1 {
			return nil, 0, decodeError(start, tag, errMalformedFloat)
		}
		return f, off + 31, nil

	case ettAtom, ettAtomUTF8:
		if off+2 > len(b) {
			return nil, 0, decodeError(start, tag, errMalformedAtom)
		}
		n := int(binary.BigEndian.Uint16(b[off:]))
		off += 2
		if off+n > len(b) {
			return nil, 0, decodeError(start, tag, errMalformedAtom)
		}
		if n == 0 || n > 255 {
			return nil, 0, decodeError(start, tag, errMalformedAtom)
		}
		return Atom(b[off : off+n]), off + n, nil

	case ettSmallAtom, ettSmallAtomUTF8:
		if off+1 > len(b) {
			return nil, 0, decodeError(start, tag, errMalformedAtom)
		}
		n := int(b[off])
		off++
		if off+n > len(b) || n == 0 {
			return nil, 0, decodeError(start, tag, errMalformedAtom)
		}
		return Atom(b[off : off+n]), off + n, nil

	case ettString:
		if off+2 > len(b) {
			return nil, 0, decodeError(start, tag, errMalformedString)
		}
		n := int(binary.BigEndian.Uint16(b[off:]))
		off += 2
		if off+n > len(b) {
			return nil, 0, decodeError(start, tag, errMalformedString)
		}
		return string(b[off : off+n]), off + n, nil

	case ettBinary:
		if off+4 > len(b) {
			return nil, 0, decodeError(start, tag, errMalformedBinary)
		}
		n := int(binary.BigEndian.Uint32(b[off:]))
		off += 4
		if n < 0 || off+n > len(b) {
			return nil, 0, decodeError(start, tag, errMalformedBinary)
		}
		bin := make([]byte, n)
		copy(bin, b[off:off+n])
		return bin, off + n, nil

	case ettNil:
		return List{}, off, nil

	case ettSmallTuple, ettLargeTuple:
		var arity int
		if tag == ettSmallTuple {
			if off+1 > len(b) {
				return nil, 0, decodeError(start, tag, errMalformedTuple)
			}
			arity = int(b[off])
			off++
		} else {
			if off+4 > len(b) {
				return nil, 0, decodeError(start, tag, errMalformedTuple)
			}
			arity = int(binary.BigEndian.Uint32(b[off:]))
			off += 4
			if arity < 0 {
				return nil, 0, decodeError(start, tag, errMalformedTuple)
			}
		}
		tuple := make(Tuple, arity)
		var err error
		for i := 0; i < arity; i++ {
			if tuple[i], off, err = decodeTerm(b, off); err != nil {
				return nil, 0, err
			}
		}
		return tuple, off, nil

	case ettList:
		if off+4 > len(b) {
			return nil, 0, decodeError(start, tag, errMalformedList)
		}
		arity := int(binary.BigEndian.Uint32(b[off:]))
		off += 4
		if arity < 1 {
			// the empty list must travel as ettNil
			return nil, 0, decodeError(start, tag, errMalformedList)
		}
		elements := make([]Term, arity)
		var err error
		for i := 0; i < arity; i++ {
			if elements[i], off, err = decodeTerm(b, off); err != nil {
				return nil, 0, err
			}
		}
		var tail Term
		if tail, off, err = decodeTerm(b, off); err != nil {
			return nil, 0, err
		}
		if l, ok := tail.(List); ok && len(l) == 0 {
			if s, ok := listAsString(elements); ok {
				return s, off, nil
			}
			return List(elements), off, nil
		}
		return ListImproper(append(elements, tail)), off, nil

	case ettPid:
		node, o, err := decodeNodeAtom(b, start, tag, off, errMalformedPid)
		if err != nil {
			return nil, 0, err
		}
		off = o
		if off+9 > len(b) {
			return nil, 0, decodeError(start, tag, errMalformedPid)
		}
		pid := Pid{
			Node:     node,
			Id:       binary.BigEndian.Uint32(b[off:]),
			Serial:   binary.BigEndian.Uint32(b[off+4:]),
			Creation: b[off+8] & 3,
		}
		return pid, off + 9, nil

	case ettPort:
		node, o, err := decodeNodeAtom(b, start, tag, off, errMalformedPort)
		if err != nil {
			return nil, 0, err
		}
		off = o
		if off+5 > len(b) {
			return nil, 0, decodeError(start, tag, errMalformedPort)
		}
		port := Port{
			Node:     node,
			Id:       binary.BigEndian.Uint32(b[off:]),
			Creation: b[off+4] & 3,
		}
		return port, off + 5, nil

	case ettRef:
		node, o, err := decodeNodeAtom(b, start, tag, off, errMalformedRef)
		if err != nil {
			return nil, 0, err
		}
		off = o
		if off+5 > len(b) {
			return nil, 0, decodeError(start, tag, errMalformedRef)
		}
		ref := Ref{
			Node:     node,
			Id:       []uint32{binary.BigEndian.Uint32(b[off:])},
			Creation: b[off+4] & 3,
			Old:      true,
		}
		return ref, off + 5, nil

	case ettNewRef:
		if off+2 > len(b) {
			return nil, 0, decodeError(start, tag, errMalformedRef)
		}
		count := int(binary.BigEndian.Uint16(b[off:]))
		off += 2
		if count < 1 || count > 3 {
			return nil, 0, decodeError(start, tag, errMalformedRef)
		}
		node, o, err := decodeNodeAtom(b, start, tag, off, errMalformedRef)
		if err != nil {
			return nil, 0, err
		}
		off = o
		if off+1+4*count > len(b) {
			return nil, 0, decodeError(start, tag, errMalformedRef)
		}
		ref := Ref{
			Node:     node,
			Creation: b[off] & 3,
			Id:       make([]uint32, count),
		}
		off++
		for i := 0; i < count; i++ {
			ref.Id[i] = binary.BigEndian.Uint32(b[off:])
			off += 4
		}
		return ref, off, nil
	}

	return nil, 0, decodeError(start, tag, errUnknownTag)
}

// decodeBig materializes a small/large big integer. Long is a signed
// 64-bit value, so anything beyond 8 magnitude bytes is out of range.
func decodeBig(b []byte, start int, tag byte, off, n int, negative bool) (Term, int, error) {
	if n < 0 || off+n > len(b) {
		return nil, 0, decodeError(start, tag, errMalformedInteger)
	}
	if n > 8 {
		return nil, 0, decodeError(start, tag, errMalformedBig)
	}
	var magnitude uint64
	for i := n - 1; i >= 0; i-- {
		magnitude = magnitude<<8 | uint64(b[off+i])
	}
	if negative {
		if magnitude > 1<<63 {
			return nil, 0, decodeError(start, tag, errMalformedBig)
		}
		return -int64(magnitude), off + n, nil
	}
	if magnitude > 1<<63-1 {
		return nil, 0, decodeError(start, tag, errMalformedBig)
	}
	return int64(magnitude), off + n, nil
}

// decodeNodeAtom reads the node-name atom embedded in pid/port/ref
// encodings.
func decodeNodeAtom(b []byte, start int, tag byte, off int, reason error) (Atom, int, error) {
	term, end, err := decodeTerm(b, off)
	if err != nil {
		return "", 0, err
	}
	node, ok := term.(Atom)
	if !ok {
		return "", 0, decodeError(start, tag, reason)
	}
	return node, end, nil
}

// listAsString reports whether a decoded proper list is a character
// list the encoder would have emitted for a string, and converts it
// back. Lists of small integers outside the printable range stay lists.
func listAsString(elements []Term) (string, bool) {
	bytes := make([]byte, len(elements))
	for i, e := range elements {
		v, ok := e.(int64)
		if !ok || v < 0 || v > 255 {
			return "", false
		}
		bytes[i] = byte(v)
	}
	s := string(bytes)
	if !stringIsPrintable(s) {
		return "", false
	}
	return s, true
}

func indexZero(b []byte) int {
	for i, c := range b {
		if c == 0 {
			return i
		}
	}
	return -1
}

// GetType peeks at the term starting at packet (skipping a leading
// version magic) and returns its type tag and the total byte size of
// its encoding, without materializing it.
func GetType(packet []byte) (byte, int, error) {
	off := 0
	if len(packet) > 0 && packet[0] == EtVersion {
		off++
	}
	if off >= len(packet) {
		return 0, 0, decodeError(off, 0, errMalformed)
	}
	end, err := skipTerm(packet, off)
	if err != nil {
		return 0, 0, err
	}
	return packet[off], end - off, nil
}

// skipTerm returns the offset just past the term starting at b[off],
// walking the encoding without building terms.
func skipTerm(b []byte, off int) (int, error) {
	if off >= len(b) {
		return 0, decodeError(off, 0, errMalformed)
	}
	tag := b[off]
	start := off
	off++

	need := func(n int, reason error) (int, error) {
		if off+n > len(b) {
			return 0, decodeError(start, tag, reason)
		}
		return off + n, nil
	}

	switch tag {
	case ettSmallInteger:
		return need(1, errMalformedInteger)
	case ettInteger:
		return need(4, errMalformedInteger)
	case ettSmallBig:
		if off+2 > len(b) {
			return 0, decodeError(start, tag, errMalformedInteger)
		}
		n := int(b[off])
		off += 2
		return need(n, errMalformedInteger)
	case ettLargeBig:
		if off+5 > len(b) {
			return 0, decodeError(start, tag, errMalformedInteger)
		}
		n := int(binary.BigEndian.Uint32(b[off:]))
		off += 5
		return need(n, errMalformedInteger)
	case ettNewFloat:
		return need(8, errMalformedFloat)
	case ettFloat:
		return need(31, errMalformedFloat)
	case ettAtom, ettAtomUTF8:
		if off+2 > len(b) {
			return 0, decodeError(start, tag, errMalformedAtom)
		}
		n := int(binary.BigEndian.Uint16(b[off:]))
		off += 2
		return need(n, errMalformedAtom)
	case ettSmallAtom, ettSmallAtomUTF8:
		if off+1 > len(b) {
			return 0, decodeError(start, tag, errMalformedAtom)
		}
		n := int(b[off])
		off++
		return need(n, errMalformedAtom)
	case ettString:
		if off+2 > len(b) {
			return 0, decodeError(start, tag, errMalformedString)
		}
		n := int(binary.BigEndian.Uint16(b[off:]))
		off += 2
		return need(n, errMalformedString)
	case ettBinary:
		if off+4 > len(b) {
			return 0, decodeError(start, tag, errMalformedBinary)
		}
		n := int(binary.BigEndian.Uint32(b[off:]))
		off += 4
		return need(n, errMalformedBinary)
	case ettNil:
		return off, nil
	case ettSmallTuple, ettLargeTuple:
		var arity int
		if tag == ettSmallTuple {
			if off+1 > len(b) {
				return 0, decodeError(start, tag, errMalformedTuple)
			}
			arity = int(b[off])
			off++
		} else {
			if off+4 > len(b) {
				return 0, decodeError(start, tag, errMalformedTuple)
			}
			arity = int(binary.BigEndian.Uint32(b[off:]))
			off += 4
		}
		var err error
		for i := 0; i < arity; i++ {
			if off, err = skipTerm(b, off); err != nil {
				return 0, err
			}
		}
		return off, nil
	case ettList:
		if off+4 > len(b) {
			return 0, decodeError(start, tag, errMalformedList)
		}
		arity := int(binary.BigEndian.Uint32(b[off:]))
		off += 4
		var err error
		for i := 0; i < arity; i++ {
			if off, err = skipTerm(b, off); err != nil {
				return 0, err
			}
		}
		return skipTerm(b, off) // the tail
	case ettPid:
		end, err := skipTerm(b, off)
		if err != nil {
			return 0, err
		}
		off = end
		return need(9, errMalformedPid)
	case ettPort:
		end, err := skipTerm(b, off)
		if err != nil {
			return 0, err
		}
		off = end
		return need(5, errMalformedPort)
	case ettRef:
		end, err := skipTerm(b, off)
		if err != nil {
			return 0, err
		}
		off = end
		return need(5, errMalformedRef)
	case ettNewRef:
		if off+2 > len(b) {
			return 0, decodeError(start, tag, errMalformedRef)
		}
		count := int(binary.BigEndian.Uint16(b[off:]))
		off += 2
		end, err := skipTerm(b, off)
		if err != nil {
			return 0, err
		}
		off = end
		return need(1+4*count, errMalformedRef)
	}

	return 0, decodeError(start, tag, errUnknownTag)
}
