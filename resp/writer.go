package resp

import (
	"bytes"
	"strconv"
)

// Encode serializes obj as its RESP wire form. It is the strict
// inverse of Reader.ReadObject for every value Reader can produce.
func Encode(obj Obj) []byte {
	var buf bytes.Buffer
	encodeInto(&buf, obj)
	return buf.Bytes()
}

func encodeInto(buf *bytes.Buffer, obj Obj) {
	switch v := obj.(type) {
	case SimpleString:
		buf.WriteByte('+')
		buf.WriteString(string(v))
		buf.WriteString("\r\n")
	case Error:
		buf.WriteByte('-')
		buf.WriteString(string(v))
		buf.WriteString("\r\n")
	case Integer:
		buf.WriteByte(':')
		buf.WriteString(strconv.FormatInt(int64(v), 10))
		buf.WriteString("\r\n")
	case BulkString:
		buf.WriteByte('$')
		if v == nil {
			buf.WriteString("-1\r\n")
			return
		}
		buf.WriteString(strconv.Itoa(len(v)))
		buf.WriteString("\r\n")
		buf.Write(v)
		buf.WriteString("\r\n")
	case Array:
		buf.WriteByte('*')
		if v == nil {
			buf.WriteString("-1\r\n")
			return
		}
		buf.WriteString(strconv.Itoa(len(v)))
		buf.WriteString("\r\n")
		for _, elem := range v {
			encodeInto(buf, elem)
		}
	default:
		buf.WriteString("-ERR internal: unencodable value\r\n")
	}
}

// MultiBulk builds an Array of BulkString from raw argument bytes,
// the frame shape every client command and every back-end command
// takes on the wire.
func MultiBulk(args ...[]byte) Array {
	arr := make(Array, len(args))
	for i, a := range args {
		arr[i] = BulkString(a)
	}
	return arr
}

// MultiBulkFromStrings is MultiBulk for string arguments.
func MultiBulkFromStrings(args ...string) Array {
	arr := make(Array, len(args))
	for i, a := range args {
		arr[i] = BulkString([]byte(a))
	}
	return arr
}
