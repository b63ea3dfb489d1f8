package weaver

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Constant pool entry tags from the class file format.
const (
	tagUtf8               = 1
	tagInteger            = 3
	tagFloat              = 4
	tagLong               = 5
	tagDouble             = 6
	tagClass              = 7
	tagString             = 8
	tagFieldref           = 9
	tagMethodref          = 10
	tagInterfaceMethodref = 11
	tagNameAndType        = 12
	tagMethodHandle       = 15
	tagMethodType         = 16
	tagDynamic            = 17
	tagInvokeDynamic      = 18
	tagModule             = 19
	tagPackage            = 20
)

// cpEntry holds one constant pool record as raw post-tag bytes. Keeping the
// raw form guarantees untouched pools serialize back byte-identical.
type cpEntry struct {
	tag  byte
	data []byte
}

// ConstPool is an editable view of a class file constant pool. Index 0 is a
// placeholder, and long/double entries are followed by a phantom slot, both
// matching the container's one-based two-slot indexing.
type ConstPool struct {
	entries []cpEntry
}

// NewConstPool returns an empty pool ready for entries to be added.
func NewConstPool() *ConstPool {
	return &ConstPool{entries: make([]cpEntry, 1, 16)}
}

func parseConstPool(r *byteReader) (*ConstPool, error) {
	count := int(r.u2())
	if r.err != nil {
		return nil, r.err
	} else if count == 0 {
		return nil, errors.New("constant pool count of zero")
	}
	pool := &ConstPool{entries: make([]cpEntry, 1, count)}
	for i := 1; i < count; i++ {
		tag := r.u1()
		var size int
		switch tag {
		case tagUtf8:
			size = int(r.peekU2()) + 2
		case tagInteger, tagFloat, tagFieldref, tagMethodref, tagInterfaceMethodref,
			tagNameAndType, tagDynamic, tagInvokeDynamic:
			size = 4
		case tagLong, tagDouble:
			size = 8
		case tagClass, tagString, tagMethodType, tagModule, tagPackage:
			size = 2
		case tagMethodHandle:
			size = 3
		default:
			return nil, fmt.Errorf("unsupported constant pool tag %d at index %d", tag, i)
		}
		data := r.bytes(size)
		if r.err != nil {
			return nil, fmt.Errorf("truncated constant pool entry %d: %w", i, r.err)
		}
		pool.entries = append(pool.entries, cpEntry{tag: tag, data: data})
		if tag == tagLong || tag == tagDouble {
			pool.entries = append(pool.entries, cpEntry{}) // phantom second slot
			i++
		}
	}
	return pool, nil
}

func (p *ConstPool) write(buf *bytes.Buffer) {
	writeU2(buf, uint16(len(p.entries)))
	for _, e := range p.entries[1:] {
		if e.tag == 0 {
			continue // phantom slot after long/double
		}
		buf.WriteByte(e.tag)
		buf.Write(e.data)
	}
}

func (p *ConstPool) valid(index uint16) bool {
	return index > 0 && int(index) < len(p.entries)
}

// Utf8 resolves a CONSTANT_Utf8 entry to its string value.
func (p *ConstPool) Utf8(index uint16) (string, bool) {
	if !p.valid(index) || p.entries[index].tag != tagUtf8 {
		return "", false
	}
	data := p.entries[index].data
	n := int(binary.BigEndian.Uint16(data))
	if n+2 > len(data) {
		return "", false
	}
	return string(data[2 : 2+n]), true
}

// ClassName resolves a CONSTANT_Class entry to its internal (slash) name.
func (p *ConstPool) ClassName(index uint16) (string, bool) {
	if !p.valid(index) || p.entries[index].tag != tagClass {
		return "", false
	}
	return p.Utf8(binary.BigEndian.Uint16(p.entries[index].data))
}

// Int resolves a CONSTANT_Integer entry.
func (p *ConstPool) Int(index uint16) (int32, bool) {
	if !p.valid(index) || p.entries[index].tag != tagInteger {
		return 0, false
	}
	return int32(binary.BigEndian.Uint32(p.entries[index].data)), true
}

// MethodRef resolves a CONSTANT_Methodref or CONSTANT_InterfaceMethodref to
// its owner class, method name and descriptor.
func (p *ConstPool) MethodRef(index uint16) (owner, name, desc string, ok bool) {
	if !p.valid(index) {
		return "", "", "", false
	}
	e := p.entries[index]
	if e.tag != tagMethodref && e.tag != tagInterfaceMethodref {
		return "", "", "", false
	}
	owner, ownerOK := p.ClassName(binary.BigEndian.Uint16(e.data))
	natIndex := binary.BigEndian.Uint16(e.data[2:])
	if !ownerOK || !p.valid(natIndex) || p.entries[natIndex].tag != tagNameAndType {
		return "", "", "", false
	}
	nat := p.entries[natIndex].data
	name, nameOK := p.Utf8(binary.BigEndian.Uint16(nat))
	desc, descOK := p.Utf8(binary.BigEndian.Uint16(nat[2:]))
	if !nameOK || !descOK {
		return "", "", "", false
	}
	return owner, name, desc, true
}

func (p *ConstPool) add(tag byte, data []byte) (uint16, error) {
	// dedup by exact entry match, the pool is small enough to scan
	for i := 1; i < len(p.entries); i++ {
		if p.entries[i].tag == tag && bytes.Equal(p.entries[i].data, data) {
			return uint16(i), nil
		}
	}
	if len(p.entries) >= math.MaxUint16 {
		return 0, errors.New("constant pool exhausted")
	}
	p.entries = append(p.entries, cpEntry{tag: tag, data: data})
	return uint16(len(p.entries) - 1), nil
}

// AddUtf8 interns a CONSTANT_Utf8 entry and returns its index.
func (p *ConstPool) AddUtf8(s string) (uint16, error) {
	if len(s) > math.MaxUint16 {
		return 0, fmt.Errorf("utf8 constant too long: %d bytes", len(s))
	}
	data := make([]byte, 2+len(s))
	binary.BigEndian.PutUint16(data, uint16(len(s)))
	copy(data[2:], s)
	return p.add(tagUtf8, data)
}

// AddInteger interns a CONSTANT_Integer entry.
func (p *ConstPool) AddInteger(v int32) (uint16, error) {
	data := make([]byte, 4)
	binary.BigEndian.PutUint32(data, uint32(v))
	return p.add(tagInteger, data)
}

// AddClass interns a CONSTANT_Class entry for an internal (slash) name.
func (p *ConstPool) AddClass(name string) (uint16, error) {
	utf8, err := p.AddUtf8(name)
	if err != nil {
		return 0, err
	}
	return p.add(tagClass, u16be(utf8))
}

// AddString interns a CONSTANT_String entry for a literal value.
func (p *ConstPool) AddString(s string) (uint16, error) {
	utf8, err := p.AddUtf8(s)
	if err != nil {
		return 0, err
	}
	return p.add(tagString, u16be(utf8))
}

// AddNameAndType interns a CONSTANT_NameAndType entry.
func (p *ConstPool) AddNameAndType(name, desc string) (uint16, error) {
	nameIdx, err := p.AddUtf8(name)
	if err != nil {
		return 0, err
	}
	descIdx, err := p.AddUtf8(desc)
	if err != nil {
		return 0, err
	}
	return p.add(tagNameAndType, append(u16be(nameIdx), u16be(descIdx)...))
}

// AddMethodref interns a CONSTANT_Methodref entry.
func (p *ConstPool) AddMethodref(owner, name, desc string) (uint16, error) {
	return p.addRef(tagMethodref, owner, name, desc)
}

// AddInterfaceMethodref interns a CONSTANT_InterfaceMethodref entry.
func (p *ConstPool) AddInterfaceMethodref(owner, name, desc string) (uint16, error) {
	return p.addRef(tagInterfaceMethodref, owner, name, desc)
}

func (p *ConstPool) addRef(tag byte, owner, name, desc string) (uint16, error) {
	ownerIdx, err := p.AddClass(owner)
	if err != nil {
		return 0, err
	}
	natIdx, err := p.AddNameAndType(name, desc)
	if err != nil {
		return 0, err
	}
	return p.add(tag, append(u16be(ownerIdx), u16be(natIdx)...))
}

func u16be(v uint16) []byte {
	return []byte{byte(v >> 8), byte(v)}
}
