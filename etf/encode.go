package etf

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/epi-go/epi/lib"
)

// Encode appends the external encoding of term to b. When version is
// true the format magic is emitted first.
func Encode(term Term, b *lib.Buffer, version bool) error {
	if version {
		b.AppendByte(EtVersion)
	}
	return encodeTerm(term, b)
}

// EncodeToBytes is a convenience wrapper around Encode.
func EncodeToBytes(term Term, version bool) ([]byte, error) {
	b := lib.TakeBuffer()
	defer lib.ReleaseBuffer(b)
	if err := Encode(term, b, version); err != nil {
		return nil, err
	}
	out := make([]byte, b.Len())
	copy(out, b.B)
	return out, nil
}

func encodeTerm(term Term, b *lib.Buffer) error {
	switch t := term.(type) {
	case nil:
		return ErrInvalidTerm

	case bool:
		if t {
			return encodeAtom(Atom("true"), b)
		}
		return encodeAtom(Atom("false"), b)

	case Atom:
		return encodeAtom(t, b)

	case int64:
		encodeInt(t, b)
	case int:
		encodeInt(int64(t), b)
	case int32:
		encodeInt(int64(t), b)
	case int16:
		encodeInt(int64(t), b)
	case int8:
		encodeInt(int64(t), b)
	case uint8:
		b.Append([]byte{ettSmallInteger, t})
	case uint16:
		encodeInt(int64(t), b)
	case uint32:
		encodeInt(int64(t), b)
	case uint:
		if uint64(t) > math.MaxInt64 {
			return fmt.Errorf("etf: integer %d overflows int64", t)
		}
		encodeInt(int64(t), b)
	case uint64:
		if t > math.MaxInt64 {
			return fmt.Errorf("etf: integer %d overflows int64", t)
		}
		encodeInt(int64(t), b)

	case float64:
		encodeFloat(t, b)
	case float32:
		encodeFloat(float64(t), b)

	case string:
		return encodeString(t, b)

	case []byte:
		// 1 (tag) + 4 (len) + payload
		buf := b.Extend(1 + 4 + len(t))
		buf[0] = ettBinary
		binary.BigEndian.PutUint32(buf[1:5], uint32(len(t)))
		copy(buf[5:], t)

	case Tuple:
		if len(t) <= math.MaxUint8 {
			b.Append([]byte{ettSmallTuple, byte(len(t))})
		} else {
			buf := b.Extend(5)
			buf[0] = ettLargeTuple
			binary.BigEndian.PutUint32(buf[1:5], uint32(len(t)))
		}
		for _, e := range t {
			if err := encodeTerm(e, b); err != nil {
				return err
			}
		}

	case List:
		if len(t) == 0 {
			b.AppendByte(ettNil)
			break
		}
		buf := b.Extend(5)
		buf[0] = ettList
		binary.BigEndian.PutUint32(buf[1:5], uint32(len(t)))
		for _, e := range t {
			if err := encodeTerm(e, b); err != nil {
				return err
			}
		}
		b.AppendByte(ettNil)

	case ListImproper:
		if len(t) < 2 {
			return ErrBadList
		}
		buf := b.Extend(5)
		buf[0] = ettList
		binary.BigEndian.PutUint32(buf[1:5], uint32(len(t)-1))
		for _, e := range t {
			if err := encodeTerm(e, b); err != nil {
				return err
			}
		}

	case Pid:
		b.AppendByte(ettPid)
		if err := encodeAtom(t.Node, b); err != nil {
			return err
		}
		buf := b.Extend(9)
		binary.BigEndian.PutUint32(buf[0:4], t.Id)
		binary.BigEndian.PutUint32(buf[4:8], t.Serial)
		buf[8] = t.Creation & 3

	case Port:
		b.AppendByte(ettPort)
		if err := encodeAtom(t.Node, b); err != nil {
			return err
		}
		buf := b.Extend(5)
		binary.BigEndian.PutUint32(buf[0:4], t.Id)
		buf[4] = t.Creation & 3

	case Ref:
		return encodeRef(t, b)

	case Var:
		return ErrBadVariable

	default:
		return fmt.Errorf("etf: can't encode type %T", term)
	}

	return nil
}

func encodeAtom(atom Atom, b *lib.Buffer) error {
	if len(atom) == 0 || len(atom) > 255 {
		return ErrBadAtom
	}
	buf := b.Extend(3)
	buf[0] = ettAtom
	binary.BigEndian.PutUint16(buf[1:3], uint16(len(atom)))
	b.AppendString(string(atom))
	return nil
}

func encodeInt(x int64, b *lib.Buffer) {
	switch {
	case x >= 0 && x <= math.MaxUint8:
		b.Append([]byte{ettSmallInteger, byte(x)})

	case x >= math.MinInt32 && x <= math.MaxInt32:
		buf := b.Extend(5)
		buf[0] = ettInteger
		binary.BigEndian.PutUint32(buf[1:5], uint32(int32(x)))

	default:
		// small big, magnitude little-endian
		var magnitude uint64
		sign := byte(0)
		if x < 0 {
			sign = 1
			magnitude = uint64(-(x + 1)) + 1
		} else {
			magnitude = uint64(x)
		}
		n := 0
		for v := magnitude; v > 0; v >>= 8 {
			n++
		}
		buf := b.Extend(3 + n)
		buf[0] = ettSmallBig
		buf[1] = byte(n)
		buf[2] = sign
		for i := 0; i < n; i++ {
			buf[3+i] = byte(magnitude >> (8 * i))
		}
	}
}

func encodeFloat(f float64, b *lib.Buffer) {
	buf := b.Extend(9)
	buf[0] = ettNewFloat
	binary.BigEndian.PutUint64(buf[1:9], math.Float64bits(f))
}

// encodeString emits the compact string form for short printable
// strings and the canonical character-list form otherwise.
func encodeString(s string, b *lib.Buffer) error {
	if len(s) <= math.MaxUint16 && stringIsPrintable(s) {
		buf := b.Extend(3)
		buf[0] = ettString
		binary.BigEndian.PutUint16(buf[1:3], uint16(len(s)))
		b.AppendString(s)
		return nil
	}
	buf := b.Extend(5)
	buf[0] = ettList
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(s)))
	for i := 0; i < len(s); i++ {
		b.Append([]byte{ettSmallInteger, s[i]})
	}
	b.AppendByte(ettNil)
	return nil
}

func encodeRef(ref Ref, b *lib.Buffer) error {
	if len(ref.Id) < 1 || len(ref.Id) > 3 {
		return ErrBadRef
	}
	if ref.Old {
		if len(ref.Id) != 1 {
			return ErrBadRef
		}
		b.AppendByte(ettRef)
		if err := encodeAtom(ref.Node, b); err != nil {
			return err
		}
		buf := b.Extend(5)
		binary.BigEndian.PutUint32(buf[0:4], ref.Id[0])
		buf[4] = ref.Creation & 3
		return nil
	}

	buf := b.Extend(3)
	buf[0] = ettNewRef
	binary.BigEndian.PutUint16(buf[1:3], uint16(len(ref.Id)))
	if err := encodeAtom(ref.Node, b); err != nil {
		return err
	}
	b.AppendByte(ref.Creation & 3)
	for _, id := range ref.Id {
		buf = b.Extend(4)
		binary.BigEndian.PutUint32(buf, id)
	}
	return nil
}
