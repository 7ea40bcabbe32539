// Package encoding reads and writes C-layout structures that live in
// target memory, such as the RTT control block and its channel
// descriptors. Field layout is derived once per Go type through
// reflection and cached; the wire format is packed little-endian with
// natural alignment, matching the Cortex-M ABI.
package encoding

import (
	"encoding/binary"
	"fmt"
	"reflect"
	"sync"
	"unsafe"

	"github.com/modern-go/reflect2"
)

// Memory is the substrate the codec operates on. Both the probe session
// and the simulator satisfy it.
type Memory interface {
	ReadMemory(addr uint32, buf []byte) error
	WriteMemory(addr uint32, data []byte) error
}

type field struct {
	offset uintptr
	size   int
	get    func(ptr unsafe.Pointer, b []byte)
	put    func(ptr unsafe.Pointer, b []byte)
}

type layout struct {
	size   int
	fields []field
}

var layouts sync.Map // reflect.Type -> *layout

// Sizeof returns the target-side size of v's type. v must be a struct
// or a pointer to one.
func Sizeof(v any) int {
	return layoutOf(v).size
}

// Read fills the struct pointed to by out from target memory at addr.
func Read(m Memory, addr uint32, out any) error {
	l := layoutOf(out)
	buf := make([]byte, l.size)
	if err := m.ReadMemory(addr, buf); err != nil {
		return err
	}
	ptr := reflect2.PtrOf(out)
	for _, f := range l.fields {
		f.put(unsafe.Add(ptr, f.offset), buf[f.offset:f.offset+uintptr(f.size)])
	}
	return nil
}

// Write stores the struct pointed to by in into target memory at addr.
func Write(m Memory, addr uint32, in any) error {
	l := layoutOf(in)
	buf := make([]byte, l.size)
	ptr := reflect2.PtrOf(in)
	for _, f := range l.fields {
		f.get(unsafe.Add(ptr, f.offset), buf[f.offset:f.offset+uintptr(f.size)])
	}
	return m.WriteMemory(addr, buf)
}

func layoutOf(v any) *layout {
	typ := reflect.TypeOf(v)
	if typ.Kind() == reflect.Pointer {
		typ = typ.Elem()
	}
	if l, ok := layouts.Load(typ); ok {
		return l.(*layout)
	}
	l := new(layout)
	build(typ, 0, l)
	layouts.Store(typ, l)
	return l
}

// build walks typ appending fixed-width fields to l. Offsets follow Go's
// own struct layout, which for the types accepted here (uint8/16/32,
// int32 and fixed arrays of them) coincides with the packed C layout on
// the target.
func build(typ reflect.Type, base uintptr, l *layout) {
	switch typ.Kind() {
	case reflect.Struct:
		for i := 0; i < typ.NumField(); i++ {
			sf := typ.Field(i)
			build(sf.Type, base+sf.Offset, l)
		}
		l.size = max(l.size, int(base+typ.Size()))
	case reflect.Array:
		elem := typ.Elem()
		for i := 0; i < typ.Len(); i++ {
			build(elem, base+uintptr(i)*elem.Size(), l)
		}
	case reflect.Uint8:
		l.add(base, 1,
			func(ptr unsafe.Pointer, b []byte) { b[0] = *(*uint8)(ptr) },
			func(ptr unsafe.Pointer, b []byte) { *(*uint8)(ptr) = b[0] })
	case reflect.Uint16:
		l.add(base, 2,
			func(ptr unsafe.Pointer, b []byte) { binary.LittleEndian.PutUint16(b, *(*uint16)(ptr)) },
			func(ptr unsafe.Pointer, b []byte) { *(*uint16)(ptr) = binary.LittleEndian.Uint16(b) })
	case reflect.Uint32:
		l.add(base, 4,
			func(ptr unsafe.Pointer, b []byte) { binary.LittleEndian.PutUint32(b, *(*uint32)(ptr)) },
			func(ptr unsafe.Pointer, b []byte) { *(*uint32)(ptr) = binary.LittleEndian.Uint32(b) })
	case reflect.Int32:
		l.add(base, 4,
			func(ptr unsafe.Pointer, b []byte) { binary.LittleEndian.PutUint32(b, uint32(*(*int32)(ptr))) },
			func(ptr unsafe.Pointer, b []byte) { *(*int32)(ptr) = int32(binary.LittleEndian.Uint32(b)) })
	default:
		panic(fmt.Sprintf("encoding: unsupported field kind %v", typ.Kind()))
	}
}

func (l *layout) add(offset uintptr, size int, get, put func(unsafe.Pointer, []byte)) {
	l.fields = append(l.fields, field{offset: offset, size: size, get: get, put: put})
	l.size = max(l.size, int(offset)+size)
}
