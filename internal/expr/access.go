package expr

import (
	"fmt"
	"reflect"
	"strconv"
	"unicode"
	"unicode/utf8"
)

var errorType = reflect.TypeOf((*error)(nil)).Elem()

func indirect(v reflect.Value) reflect.Value {
	for (v.Kind() == reflect.Ptr || v.Kind() == reflect.Interface) && !v.IsNil() {
		v = v.Elem()
	}
	return v
}

func exported(name string) string {
	r, w := utf8.DecodeRuneInString(name)
	if r == utf8.RuneError || unicode.IsUpper(r) {
		return name
	}
	return string(unicode.ToUpper(r)) + name[w:]
}

// Field reads a map key, struct field or list element by name. Missing
// members read as nil.
func Field(obj interface{}, name string) interface{} {
	switch x := obj.(type) {
	case nil:
		return nil
	case map[string]interface{}:
		return x[name]
	case map[string]string:
		if v, ok := x[name]; ok {
			return v
		}
		return nil
	case []interface{}:
		if i, err := strconv.Atoi(name); err == nil && i >= 0 && i < len(x) {
			return x[i]
		}
		return nil
	}

	rv := indirect(reflect.ValueOf(obj))
	switch rv.Kind() {
	case reflect.Map:
		key, ok := mapKey(rv.Type().Key(), name)
		if !ok {
			return nil
		}
		v := rv.MapIndex(key)
		if !v.IsValid() {
			return nil
		}
		return v.Interface()
	case reflect.Struct:
		f := rv.FieldByName(name)
		if !f.IsValid() {
			f = rv.FieldByName(exported(name))
		}
		if !f.IsValid() || !f.CanInterface() {
			return nil
		}
		return f.Interface()
	case reflect.Slice, reflect.Array, reflect.String:
		i, err := strconv.Atoi(name)
		if err != nil || i < 0 || i >= rv.Len() {
			return nil
		}
		if rv.Kind() == reflect.String {
			return string(rv.String()[i])
		}
		return rv.Index(i).Interface()
	}
	return nil
}

func mapKey(t reflect.Type, name string) (reflect.Value, bool) {
	switch t.Kind() {
	case reflect.String:
		return reflect.ValueOf(name).Convert(t), true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(name, 10, 64)
		if err != nil {
			return reflect.Value{}, false
		}
		return reflect.ValueOf(n).Convert(t), true
	case reflect.Interface:
		return reflect.ValueOf(name), true
	}
	return reflect.Value{}, false
}

// Index reads obj[key].
func Index(obj, key interface{}) interface{} {
	if n, ok := key.(int64); ok {
		return Field(obj, strconv.FormatInt(n, 10))
	}
	return Field(obj, ToString(key))
}

// CallMethod invokes an exported method through reflection. Methods may
// return nothing, a value, or a value and an error.
func CallMethod(obj interface{}, name string, args []interface{}) (interface{}, error) {
	if obj == nil {
		return nil, fmt.Errorf("method %s called on null", name)
	}
	rv := reflect.ValueOf(obj)
	m := findMethod(rv, name)
	if !m.IsValid() {
		return nil, fmt.Errorf("%T has no method %s", obj, name)
	}

	mt := m.Type()
	if mt.IsVariadic() {
		if len(args) < mt.NumIn()-1 {
			return nil, fmt.Errorf("method %s expects at least %d arguments, got %d", name, mt.NumIn()-1, len(args))
		}
	} else if len(args) != mt.NumIn() {
		return nil, fmt.Errorf("method %s expects %d arguments, got %d", name, mt.NumIn(), len(args))
	}

	in := make([]reflect.Value, len(args))
	for i, a := range args {
		var pt reflect.Type
		if mt.IsVariadic() && i >= mt.NumIn()-1 {
			pt = mt.In(mt.NumIn() - 1).Elem()
		} else {
			pt = mt.In(i)
		}
		v, err := convertArg(a, pt)
		if err != nil {
			return nil, fmt.Errorf("method %s argument %d: %w", name, i+1, err)
		}
		in[i] = v
	}

	out := m.Call(in)
	switch len(out) {
	case 0:
		return nil, nil
	case 1:
		if mt.Out(0) == errorType {
			if err, _ := out[0].Interface().(error); err != nil {
				return nil, err
			}
			return nil, nil
		}
		return out[0].Interface(), nil
	default:
		if err, _ := out[len(out)-1].Interface().(error); err != nil {
			return nil, err
		}
		return out[0].Interface(), nil
	}
}

func findMethod(rv reflect.Value, name string) reflect.Value {
	for _, n := range []string{name, exported(name)} {
		if m := rv.MethodByName(n); m.IsValid() {
			return m
		}
	}
	// Pointer receiver methods on a value: call them on an addressable copy.
	base := indirect(rv)
	if base.IsValid() && base.Kind() != reflect.Ptr {
		ptr := reflect.New(base.Type())
		ptr.Elem().Set(base)
		for _, n := range []string{name, exported(name)} {
			if m := ptr.MethodByName(n); m.IsValid() {
				return m
			}
		}
	}
	return reflect.Value{}
}

func convertArg(a interface{}, t reflect.Type) (reflect.Value, error) {
	if a == nil {
		return reflect.Zero(t), nil
	}
	if s, ok := a.(Safe); ok && t.Kind() == reflect.String {
		a = string(s)
	}
	v := reflect.ValueOf(a)
	if v.Type().AssignableTo(t) {
		return v, nil
	}
	switch t.Kind() {
	case reflect.String:
		return reflect.ValueOf(ToString(a)).Convert(t), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		i, f, isInt, ok := Number(a)
		if !ok {
			return reflect.Value{}, fmt.Errorf("cannot use %T as %s", a, t)
		}
		if isInt {
			return reflect.ValueOf(i).Convert(t), nil
		}
		return reflect.ValueOf(f).Convert(t), nil
	case reflect.Bool:
		return reflect.ValueOf(Truthy(a)).Convert(t), nil
	}
	if v.Type().ConvertibleTo(t) {
		return v.Convert(t), nil
	}
	return reflect.Value{}, fmt.Errorf("cannot use %T as %s", a, t)
}
