// Package encode stores workflow task results as JSON. Plain JSON loses
// the difference between 3 and 3.0 and has no time or array types, so
// floats always carry a decimal point and the other types are tagged
// objects ({"__datetime__": ...}, {"__ndarray__": [shape, dtype, data]},
// {"__complex__": [re, im]}).
package encode

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Array is a rectangular numeric array stored in row-major order.
// Exactly one of Ints and Floats is used.
type Array struct {
	Shape  []int
	Ints   []int64
	Floats []float64
}

// DType returns "int64" or "float64".
func (a Array) DType() string {
	if a.Floats != nil {
		return "float64"
	}
	return "int64"
}

// Len is the number of elements implied by the shape.
func (a Array) Len() int {
	n := 1
	for _, d := range a.Shape {
		n *= d
	}
	return n
}

// Marshal encodes v. Supported values are nil, bool, integers, float64,
// complex128, string, time.Time, Array, []any, map[string]any and
// slices of the scalar types.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := write(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func write(buf *bytes.Buffer, v any) error {
	switch x := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		buf.WriteString(strconv.FormatBool(x))
	case int:
		buf.WriteString(strconv.Itoa(x))
	case int32:
		buf.WriteString(strconv.FormatInt(int64(x), 10))
	case int64:
		buf.WriteString(strconv.FormatInt(x, 10))
	case float32:
		return write(buf, float64(x))
	case float64:
		writeFloat(buf, x)
	case complex128:
		buf.WriteString(`{"__complex__":[`)
		writeFloat(buf, real(x))
		buf.WriteByte(',')
		writeFloat(buf, imag(x))
		buf.WriteString("]}")
	case string:
		b, _ := json.Marshal(x)
		buf.Write(b)
	case time.Time:
		fmt.Fprintf(buf, `{"__datetime__":%q}`, x.Format(time.RFC3339Nano))
	case Array:
		return writeArray(buf, x)
	case []any:
		buf.WriteByte('[')
		for i, e := range x {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := write(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case []int64:
		return write(buf, toAny(x))
	case []float64:
		return write(buf, toAny(x))
	case []string:
		return write(buf, toAny(x))
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			buf.Write(kb)
			buf.WriteByte(':')
			if err := write(buf, x[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("encode: unsupported type %T", v)
	}
	return nil
}

func toAny[T any](xs []T) []any {
	out := make([]any, len(xs))
	for i, x := range xs {
		out[i] = x
	}
	return out
}

func writeFloat(buf *bytes.Buffer, f float64) {
	switch {
	case math.IsNaN(f):
		buf.WriteString(`{"__float__":"nan"}`)
		return
	case math.IsInf(f, 1):
		buf.WriteString(`{"__float__":"inf"}`)
		return
	case math.IsInf(f, -1):
		buf.WriteString(`{"__float__":"-inf"}`)
		return
	}
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if !strings.ContainsAny(s, ".e") {
		s += ".0"
	}
	buf.WriteString(s)
}

func writeArray(buf *bytes.Buffer, a Array) error {
	n := len(a.Ints)
	if a.Floats != nil {
		n = len(a.Floats)
	}
	if n != a.Len() {
		return fmt.Errorf("encode: array of shape %v has %d elements", a.Shape, n)
	}
	buf.WriteString(`{"__ndarray__":[[`)
	for i, d := range a.Shape {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString(strconv.Itoa(d))
	}
	fmt.Fprintf(buf, `],%q,[`, a.DType())
	for i := 0; i < n; i++ {
		if i > 0 {
			buf.WriteByte(',')
		}
		if a.Floats != nil {
			writeFloat(buf, a.Floats[i])
		} else {
			buf.WriteString(strconv.FormatInt(a.Ints[i], 10))
		}
	}
	buf.WriteString("]]}")
	return nil
}

// Unmarshal decodes data written by Marshal. Integers come back as int64
// and floats as float64. Empty input decodes to nil.
func Unmarshal(data []byte) (any, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return convert(raw)
}

func convert(v any) (any, error) {
	switch x := v.(type) {
	case json.Number:
		return number(x)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			c, err := convert(e)
			if err != nil {
				return nil, err
			}
			out[i] = c
		}
		return out, nil
	case map[string]any:
		if len(x) == 1 {
			for k, payload := range x {
				if tagged, ok, err := convertTagged(k, payload); ok || err != nil {
					return tagged, err
				}
			}
		}
		out := make(map[string]any, len(x))
		for k, e := range x {
			c, err := convert(e)
			if err != nil {
				return nil, err
			}
			out[k] = c
		}
		return out, nil
	}
	return v, nil
}

func number(n json.Number) (any, error) {
	s := n.String()
	if strings.ContainsAny(s, ".eE") {
		return n.Float64()
	}
	return n.Int64()
}

func convertTagged(tag string, payload any) (any, bool, error) {
	switch tag {
	case "__datetime__":
		s, _ := payload.(string)
		t, err := time.Parse(time.RFC3339Nano, s)
		return t, true, err
	case "__float__":
		switch payload {
		case "nan":
			return math.NaN(), true, nil
		case "inf":
			return math.Inf(1), true, nil
		case "-inf":
			return math.Inf(-1), true, nil
		}
		return nil, true, fmt.Errorf("encode: bad float %v", payload)
	case "__complex__":
		parts, ok := payload.([]any)
		if !ok || len(parts) != 2 {
			return nil, true, fmt.Errorf("encode: bad complex %v", payload)
		}
		re, err1 := toFloat(parts[0])
		im, err2 := toFloat(parts[1])
		if err1 != nil || err2 != nil {
			return nil, true, fmt.Errorf("encode: bad complex %v", payload)
		}
		return complex(re, im), true, nil
	case "__ndarray__":
		a, err := decodeArray(payload)
		return a, true, err
	}
	return nil, false, nil
}

func toFloat(v any) (float64, error) {
	switch x := v.(type) {
	case json.Number:
		return x.Float64()
	case map[string]any:
		c, err := convert(x)
		if err != nil {
			return 0, err
		}
		if f, ok := c.(float64); ok {
			return f, nil
		}
	}
	return 0, fmt.Errorf("not a number: %v", v)
}

func decodeArray(payload any) (Array, error) {
	parts, ok := payload.([]any)
	if !ok || len(parts) != 3 {
		return Array{}, fmt.Errorf("encode: bad ndarray %v", payload)
	}
	dims, _ := parts[0].([]any)
	dtype, _ := parts[1].(string)
	data, _ := parts[2].([]any)
	var a Array
	for _, d := range dims {
		n, ok := d.(json.Number)
		if !ok {
			return Array{}, fmt.Errorf("encode: bad ndarray shape %v", parts[0])
		}
		i, err := n.Int64()
		if err != nil {
			return Array{}, err
		}
		a.Shape = append(a.Shape, int(i))
	}
	switch dtype {
	case "int64":
		a.Ints = make([]int64, len(data))
		for i, d := range data {
			n, ok := d.(json.Number)
			if !ok {
				return Array{}, fmt.Errorf("encode: bad int element %v", d)
			}
			v, err := n.Int64()
			if err != nil {
				return Array{}, err
			}
			a.Ints[i] = v
		}
	case "float64":
		a.Floats = make([]float64, len(data))
		for i, d := range data {
			f, err := toFloat(d)
			if err != nil {
				return Array{}, err
			}
			a.Floats[i] = f
		}
	default:
		return Array{}, fmt.Errorf("encode: unsupported dtype %q", dtype)
	}
	if a.Len() != len(data) {
		return Array{}, fmt.Errorf("encode: array of shape %v has %d elements", a.Shape, len(data))
	}
	return a, nil
}
