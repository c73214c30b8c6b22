package crdt

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"github.com/daviddao/docsync/pkg/clock"
)

// ValueType enumerates the primitive kinds.
type ValueType int

const (
	Null ValueType = iota
	Boolean
	Integer
	Long
	Double
	String
	Bytes
)

func (t ValueType) String() string {
	switch t {
	case Null:
		return "null"
	case Boolean:
		return "boolean"
	case Integer:
		return "integer"
	case Long:
		return "long"
	case Double:
		return "double"
	case String:
		return "string"
	case Bytes:
		return "bytes"
	}
	return fmt.Sprintf("ValueType(%d)", int(t))
}

// Primitive is a leaf value.
type Primitive struct {
	removable
	valueType ValueType
	value     any
}

// NewPrimitive wraps a Go value. Supported: nil, bool, int32, int, int64,
// float32, float64, string and []byte.
func NewPrimitive(value any, createdAt clock.Ticket) (*Primitive, error) {
	p := &Primitive{removable: removable{createdAt: createdAt}}
	switch v := value.(type) {
	case nil:
		p.valueType = Null
	case bool:
		p.valueType, p.value = Boolean, v
	case int32:
		p.valueType, p.value = Integer, v
	case int:
		p.valueType, p.value = Long, int64(v)
	case int64:
		p.valueType, p.value = Long, v
	case float32:
		p.valueType, p.value = Double, float64(v)
	case float64:
		p.valueType, p.value = Double, v
	case string:
		p.valueType, p.value = String, v
	case []byte:
		b := make([]byte, len(v))
		copy(b, v)
		p.valueType, p.value = Bytes, b
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedType, value)
	}
	return p, nil
}

func (p *Primitive) ValueType() ValueType { return p.valueType }
func (p *Primitive) Value() any { return p.value }

// Bytes encodes the value in its fixed binary form: big-endian integers,
// IEEE 754 bits for doubles, raw bytes for strings and byte slices.
func (p *Primitive) Bytes() []byte {
	switch p.valueType {
	case Boolean:
		if p.value.(bool) {
			return []byte{1}
		}
		return []byte{0}
	case Integer:
		b := make([]byte, 4)
		binary.BigEndian.PutUint32(b, uint32(p.value.(int32)))
		return b
	case Long:
		b := make([]byte, 8)
		binary.BigEndian.PutUint64(b, uint64(p.value.(int64)))
		return b
	case Double:
		b := make([]byte, 8)
		binary.BigEndian.PutUint64(b, math.Float64bits(p.value.(float64)))
		return b
	case String:
		return []byte(p.value.(string))
	case Bytes:
		b := make([]byte, len(p.value.([]byte)))
		copy(b, p.value.([]byte))
		return b
	}
	return nil
}

// ValueFromBytes decodes the output of Bytes.
func ValueFromBytes(t ValueType, b []byte) (any, error) {
	switch t {
	case Null:
		return nil, nil
	case Boolean:
		if len(b) != 1 {
			return nil, fmt.Errorf("crdt: invalid boolean length %d", len(b))
		}
		return b[0] == 1, nil
	case Integer:
		if len(b) != 4 {
			return nil, fmt.Errorf("crdt: invalid integer length %d", len(b))
		}
		return int32(binary.BigEndian.Uint32(b)), nil
	case Long:
		if len(b) != 8 {
			return nil, fmt.Errorf("crdt: invalid long length %d", len(b))
		}
		return int64(binary.BigEndian.Uint64(b)), nil
	case Double:
		if len(b) != 8 {
			return nil, fmt.Errorf("crdt: invalid double length %d", len(b))
		}
		return math.Float64frombits(binary.BigEndian.Uint64(b)), nil
	case String:
		return string(b), nil
	case Bytes:
		cp := make([]byte, len(b))
		copy(cp, b)
		return cp, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, t)
}

// DeepCopy returns a copy of the primitive.
func (p *Primitive) DeepCopy() Element {
	cp := &Primitive{removable: p.copyRemovable(), valueType: p.valueType, value: p.value}
	if p.valueType == Bytes {
		cp.value = p.Bytes()
	}
	return cp
}

// Marshal returns the JSON encoding of the value.
func (p *Primitive) Marshal() string {
	switch p.valueType {
	case Null:
		return "null"
	case Boolean:
		return strconv.FormatBool(p.value.(bool))
	case Integer:
		return strconv.FormatInt(int64(p.value.(int32)), 10)
	case Long:
		return strconv.FormatInt(p.value.(int64), 10)
	case Double:
		return strconv.FormatFloat(p.value.(float64), 'f', -1, 64)
	}
	b, err := json.Marshal(p.value)
	if err != nil {
		return "null"
	}
	return string(b)
}
