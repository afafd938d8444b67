package htsp

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// Field type codes of the binary message format.
const (
	typeMap  byte = 1
	typeS64  byte = 2
	typeStr  byte = 3
	typeBin  byte = 4
	typeList byte = 5
)

const (
	// HeaderSize is the size of the big-endian frame length prefix.
	HeaderSize = 4
	// fieldHeaderSize is type(1) + namelen(1) + datalen(4).
	fieldHeaderSize = 6
	maxFieldName    = 255
)

// Codec errors.
var (
	// ErrFrameTooLarge is returned when a frame length exceeds the configured maximum.
	ErrFrameTooLarge = errors.New("frame too large")
	// ErrMalformedFrame is returned when a frame body cannot be decoded.
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrFieldNameTooLong is returned when a field name does not fit in one byte.
	ErrFieldNameTooLong = errors.New("field name too long")
	// ErrUnsupportedValue is returned when a field holds a value of an unknown kind.
	ErrUnsupportedValue = errors.New("unsupported field value")
)

// BinaryCodec implements the HTSP binary message format.
type BinaryCodec struct{}

// Encode encodes m into a length-prefixed frame.
func (BinaryCodec) Encode(m *Message) ([]byte, error) {
	buf := make([]byte, HeaderSize, HeaderSize+64)
	buf, err := appendBody(buf, m.fields)
	if err != nil {
		return nil, err
	}
	binary.BigEndian.PutUint32(buf, uint32(len(buf)-HeaderSize))
	return buf, nil
}

// Decode decodes a frame body (without the length prefix).
func (BinaryCodec) Decode(body []byte) (*Message, error) {
	m := NewMessage()
	err := decodeBody(body, func(name string, v any) {
		m.fields = append(m.fields, Field{Name: name, Value: v})
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func appendBody(buf []byte, fields []Field) ([]byte, error) {
	var err error
	for _, f := range fields {
		if buf, err = appendField(buf, f.Name, f.Value); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

func appendField(buf []byte, name string, value any) ([]byte, error) {
	if len(name) > maxFieldName {
		return nil, errors.Wrapf(ErrFieldNameTooLong, "field %.32q", name)
	}

	start := len(buf)
	buf = append(buf, 0, byte(len(name)), 0, 0, 0, 0)
	buf = append(buf, name...)
	dataStart := len(buf)

	var err error
	switch v := value.(type) {
	case int64:
		buf[start] = typeS64
		for u := uint64(v); u != 0; u >>= 8 {
			buf = append(buf, byte(u))
		}
	case string:
		buf[start] = typeStr
		buf = append(buf, v...)
	case []byte:
		buf[start] = typeBin
		buf = append(buf, v...)
	case *Message:
		buf[start] = typeMap
		if v != nil {
			buf, err = appendBody(buf, v.fields)
		}
	case List:
		buf[start] = typeList
		for _, e := range v {
			if buf, err = appendField(buf, "", e); err != nil {
				break
			}
		}
	default:
		return nil, errors.Wrapf(ErrUnsupportedValue, "field %q has type %T", name, value)
	}
	if err != nil {
		return nil, err
	}

	binary.BigEndian.PutUint32(buf[start+2:], uint32(len(buf)-dataStart))
	return buf, nil
}

// decodeBody walks the fields of body, calling emit for every field of a known type.
func decodeBody(body []byte, emit func(name string, v any)) error {
	for len(body) > 0 {
		if len(body) < fieldHeaderSize {
			return errors.Wrap(ErrMalformedFrame, "truncated field header")
		}
		typ := body[0]
		nameLen := int(body[1])
		dataLen := binary.BigEndian.Uint32(body[2:6])
		body = body[fieldHeaderSize:]

		if uint64(nameLen)+uint64(dataLen) > uint64(len(body)) {
			return errors.Wrapf(ErrMalformedFrame, "field length %d exceeds remaining %d", uint64(nameLen)+uint64(dataLen), len(body))
		}
		name := string(body[:nameLen])
		data := body[nameLen : nameLen+int(dataLen)]
		body = body[nameLen+int(dataLen):]

		switch typ {
		case typeS64:
			if len(data) > 8 {
				return errors.Wrapf(ErrMalformedFrame, "integer field %q has %d bytes", name, len(data))
			}
			var u uint64
			for i := len(data) - 1; i >= 0; i-- {
				u = u<<8 | uint64(data[i])
			}
			emit(name, int64(u))
		case typeStr:
			emit(name, string(data))
		case typeBin:
			b := make([]byte, len(data))
			copy(b, data)
			emit(name, b)
		case typeMap:
			sub := NewMessage()
			if err := decodeBody(data, func(n string, v any) {
				sub.fields = append(sub.fields, Field{Name: n, Value: v})
			}); err != nil {
				return err
			}
			emit(name, sub)
		case typeList:
			list := List{}
			if err := decodeBody(data, func(_ string, v any) {
				list = append(list, v)
			}); err != nil {
				return err
			}
			emit(name, list)
		default:
			// unknown type, skipped
		}
	}
	return nil
}

// FrameLength returns the body length announced by a frame header.
func FrameLength(header []byte) (int, error) {
	if len(header) < HeaderSize {
		return 0, errors.Wrap(ErrMalformedFrame, "short frame header")
	}
	return int(binary.BigEndian.Uint32(header)), nil
}

// ReadFrame reads and decodes exactly one frame from r.
// Frames whose body exceeds maxSize return ErrFrameTooLarge.
func ReadFrame(r io.Reader, codec Codec, maxSize int) (*Message, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	n, _ := FrameLength(header[:])
	if maxSize > 0 && n > maxSize {
		return nil, errors.Wrapf(ErrFrameTooLarge, "frame of %d bytes", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, errors.Wrap(err, "read frame body")
	}
	return codec.Decode(body)
}
