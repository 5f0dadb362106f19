package alloc

import (
	"reflect"
	"unsafe"

	"golang.org/x/exp/constraints"
)

// Layout returns the size and alignment of T.
func Layout[T any]() (size, align uintptr) {
	var zero T
	return unsafe.Sizeof(zero), unsafe.Alignof(zero)
}

// PointerFree reports whether values of type t can be kept in memory the
// garbage collector does not scan. That excludes any type that holds a Go
// pointer, directly or through a field or array element.
func PointerFree(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64, reflect.Complex64, reflect.Complex128:
		return true
	case reflect.Array:
		return t.Len() == 0 || PointerFree(t.Elem())
	case reflect.Struct:
		for i := range t.NumField() {
			if !PointerFree(t.Field(i).Type) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// alignUp rounds n up to a multiple of align, which must be a power of two.
func alignUp[N constraints.Integer](n, align N) N {
	return (n + align - 1) &^ (align - 1)
}
