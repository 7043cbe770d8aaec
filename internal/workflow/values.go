package workflow

import (
	"fmt"
	"time"

	"github.com/dop251/goja"

	"github.com/me/myqueue/internal/encode"
)

// fromJS normalizes an exported JavaScript value to the types encode
// understands.
func fromJS(v any) (any, error) {
	switch x := v.(type) {
	case nil, bool, int64, float64, string, time.Time:
		return x, nil
	case int:
		return int64(x), nil
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			c, err := fromJS(e)
			if err != nil {
				return nil, err
			}
			out[i] = c
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			c, err := fromJS(e)
			if err != nil {
				return nil, err
			}
			out[k] = c
		}
		return out, nil
	}
	return nil, fmt.Errorf("cannot store a result of type %T", v)
}

// toJS converts a decoded result back to a JavaScript value. Arrays become
// nested arrays and complex numbers {re, im} objects.
func toJS(vm *goja.Runtime, v any) (goja.Value, error) {
	switch x := v.(type) {
	case nil:
		return goja.Null(), nil
	case time.Time:
		return vm.New(vm.Get("Date"), vm.ToValue(x.UnixMilli()))
	case complex128:
		obj := vm.NewObject()
		_ = obj.Set("re", real(x))
		_ = obj.Set("im", imag(x))
		return obj, nil
	case encode.Array:
		return toJS(vm, nest(x))
	case []any:
		items := make([]any, len(x))
		for i, e := range x {
			c, err := toJS(vm, e)
			if err != nil {
				return nil, err
			}
			items[i] = c
		}
		return vm.NewArray(items...), nil
	case map[string]any:
		obj := vm.NewObject()
		for k, e := range x {
			c, err := toJS(vm, e)
			if err != nil {
				return nil, err
			}
			_ = obj.Set(k, c)
		}
		return obj, nil
	}
	return vm.ToValue(v), nil
}

// nest reshapes a flat array into nested lists following its shape.
func nest(a encode.Array) any {
	flat := make([]any, 0, a.Len())
	if a.Floats != nil {
		for _, f := range a.Floats {
			flat = append(flat, f)
		}
	} else {
		for _, n := range a.Ints {
			flat = append(flat, n)
		}
	}
	if len(a.Shape) == 0 {
		if len(flat) == 1 {
			return flat[0]
		}
		return flat
	}
	for d := len(a.Shape) - 1; d > 0; d-- {
		size := a.Shape[d]
		groups := make([]any, 0, len(flat)/max(size, 1))
		for i := 0; i+size <= len(flat) && size > 0; i += size {
			groups = append(groups, flat[i:i+size])
		}
		flat = groups
	}
	return flat
}
