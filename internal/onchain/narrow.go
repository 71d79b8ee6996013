package onchain

import (
	"fmt"
	"reflect"
)

// Narrow copies an unpacked ABI value into dst, a pointer to a local type.
// Struct fields are matched by name, so dst only declares the fields it
// needs; tuple order in the ABI does not matter.
func Narrow(src any, dst any) error {
	d := reflect.ValueOf(dst)
	if d.Kind() != reflect.Pointer || d.IsNil() {
		return fmt.Errorf("narrow: dst must be a non-nil pointer, got %T", dst)
	}
	return assign(d.Elem(), reflect.ValueOf(src), "")
}

func assign(dst, src reflect.Value, path string) error {
	for src.Kind() == reflect.Interface && !src.IsNil() {
		src = src.Elem()
	}
	if !src.IsValid() {
		return fmt.Errorf("narrow %s: missing value", path)
	}

	if src.Type().AssignableTo(dst.Type()) {
		dst.Set(src)
		return nil
	}

	switch dst.Kind() {
	case reflect.Struct:
		if src.Kind() == reflect.Pointer {
			src = src.Elem()
		}
		if src.Kind() != reflect.Struct {
			return fmt.Errorf("narrow %s: want struct, have %s", path, src.Type())
		}
		for i := 0; i < dst.NumField(); i++ {
			field := dst.Type().Field(i)
			if !field.IsExported() {
				continue
			}
			sf := src.FieldByName(field.Name)
			if !sf.IsValid() {
				return fmt.Errorf("narrow %s: field %s not in %s", path, field.Name, src.Type())
			}
			if err := assign(dst.Field(i), sf, path+"."+field.Name); err != nil {
				return err
			}
		}
		return nil
	case reflect.Slice:
		if src.Kind() != reflect.Slice && src.Kind() != reflect.Array {
			return fmt.Errorf("narrow %s: want slice, have %s", path, src.Type())
		}
		out := reflect.MakeSlice(dst.Type(), src.Len(), src.Len())
		for i := 0; i < src.Len(); i++ {
			if err := assign(out.Index(i), src.Index(i), fmt.Sprintf("%s[%d]", path, i)); err != nil {
				return err
			}
		}
		dst.Set(out)
		return nil
	}

	if src.Type().ConvertibleTo(dst.Type()) && src.Kind() == dst.Kind() {
		dst.Set(src.Convert(dst.Type()))
		return nil
	}
	return fmt.Errorf("narrow %s: cannot use %s as %s", path, src.Type(), dst.Type())
}
