package weaver

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

const classMagic = 0xCAFEBABE

// byteReader is a cursor over a big-endian byte slice. The first read past
// the end latches err and all following reads return zero values.
type byteReader struct {
	data []byte
	off  int
	err  error
}

func (r *byteReader) remaining() int {
	return len(r.data) - r.off
}

func (r *byteReader) fail() {
	if r.err == nil {
		r.err = fmt.Errorf("unexpected end of data at offset %d", r.off)
	}
}

func (r *byteReader) u1() byte {
	if r.err != nil || r.off+1 > len(r.data) {
		r.fail()
		return 0
	}
	v := r.data[r.off]
	r.off++
	return v
}

func (r *byteReader) u2() uint16 {
	if r.err != nil || r.off+2 > len(r.data) {
		r.fail()
		return 0
	}
	v := binary.BigEndian.Uint16(r.data[r.off:])
	r.off += 2
	return v
}

func (r *byteReader) u4() uint32 {
	if r.err != nil || r.off+4 > len(r.data) {
		r.fail()
		return 0
	}
	v := binary.BigEndian.Uint32(r.data[r.off:])
	r.off += 4
	return v
}

func (r *byteReader) peekU2() uint16 {
	if r.err != nil || r.off+2 > len(r.data) {
		r.fail()
		return 0
	}
	return binary.BigEndian.Uint16(r.data[r.off:])
}

func (r *byteReader) bytes(n int) []byte {
	if n < 0 || r.err != nil || r.off+n > len(r.data) {
		r.fail()
		return nil
	}
	v := r.data[r.off : r.off+n : r.off+n]
	r.off += n
	return v
}

func writeU2(buf *bytes.Buffer, v uint16) {
	buf.WriteByte(byte(v >> 8))
	buf.WriteByte(byte(v))
}

func writeU4(buf *bytes.Buffer, v uint32) {
	buf.WriteByte(byte(v >> 24))
	buf.WriteByte(byte(v >> 16))
	buf.WriteByte(byte(v >> 8))
	buf.WriteByte(byte(v))
}

// Attribute is a named attribute with its payload kept as raw bytes. Only
// attributes the engine rewrites are ever decoded; everything else passes
// through untouched.
type Attribute struct {
	NameIndex uint16
	Name      string
	Data      []byte
}

// Member is a field or method entry.
type Member struct {
	AccessFlags uint16
	NameIndex   uint16
	DescIndex   uint16
	Name        string
	Descriptor  string
	Attributes  []Attribute
}

// Attr returns the first attribute with the given name, or nil.
func (m *Member) Attr(name string) *Attribute {
	for i := range m.Attributes {
		if m.Attributes[i].Name == name {
			return &m.Attributes[i]
		}
	}
	return nil
}

// ClassFile is a parsed class module. Parsing keeps enough raw material that
// an unmodified ClassFile serializes back to the exact input bytes.
type ClassFile struct {
	Minor       uint16
	Major       uint16
	Pool        *ConstPool
	AccessFlags uint16
	ThisClass   uint16
	SuperClass  uint16
	Interfaces  []uint16
	Fields      []Member
	Methods     []Member
	Attributes  []Attribute
}

// ParseClass decodes a class module from its binary form.
func ParseClass(data []byte) (*ClassFile, error) {
	r := &byteReader{data: data}
	if magic := r.u4(); r.err != nil || magic != classMagic {
		return nil, fmt.Errorf("not a class module (magic 0x%08X)", magic)
	}
	c := &ClassFile{}
	c.Minor = r.u2()
	c.Major = r.u2()
	pool, err := parseConstPool(r)
	if err != nil {
		return nil, fmt.Errorf("constant pool: %w", err)
	}
	c.Pool = pool
	c.AccessFlags = r.u2()
	c.ThisClass = r.u2()
	c.SuperClass = r.u2()
	ifaceCount := int(r.u2())
	if r.err != nil {
		return nil, r.err
	}
	c.Interfaces = make([]uint16, ifaceCount)
	for i := range c.Interfaces {
		c.Interfaces[i] = r.u2()
	}
	if c.Fields, err = parseMembers(r, pool); err != nil {
		return nil, fmt.Errorf("fields: %w", err)
	}
	if c.Methods, err = parseMembers(r, pool); err != nil {
		return nil, fmt.Errorf("methods: %w", err)
	}
	if c.Attributes, err = parseAttributes(r, pool); err != nil {
		return nil, fmt.Errorf("class attributes: %w", err)
	}
	if r.err != nil {
		return nil, r.err
	} else if r.remaining() != 0 {
		return nil, fmt.Errorf("%d trailing bytes after class structure", r.remaining())
	}
	return c, nil
}

func parseMembers(r *byteReader, pool *ConstPool) ([]Member, error) {
	count := int(r.u2())
	if r.err != nil {
		return nil, r.err
	}
	members := make([]Member, count)
	for i := range members {
		m := &members[i]
		m.AccessFlags = r.u2()
		m.NameIndex = r.u2()
		m.DescIndex = r.u2()
		if r.err != nil {
			return nil, r.err
		}
		var ok bool
		if m.Name, ok = pool.Utf8(m.NameIndex); !ok {
			return nil, fmt.Errorf("member %d has invalid name index %d", i, m.NameIndex)
		}
		if m.Descriptor, ok = pool.Utf8(m.DescIndex); !ok {
			return nil, fmt.Errorf("member %q has invalid descriptor index %d", m.Name, m.DescIndex)
		}
		var err error
		if m.Attributes, err = parseAttributes(r, pool); err != nil {
			return nil, fmt.Errorf("member %q: %w", m.Name, err)
		}
	}
	return members, nil
}

func parseAttributes(r *byteReader, pool *ConstPool) ([]Attribute, error) {
	count := int(r.u2())
	if r.err != nil {
		return nil, r.err
	}
	attrs := make([]Attribute, count)
	for i := range attrs {
		a := &attrs[i]
		a.NameIndex = r.u2()
		size := int(r.u4())
		a.Data = r.bytes(size)
		if r.err != nil {
			return nil, r.err
		}
		var ok bool
		if a.Name, ok = pool.Utf8(a.NameIndex); !ok {
			return nil, fmt.Errorf("attribute %d has invalid name index %d", i, a.NameIndex)
		}
	}
	return attrs, nil
}

// Bytes serializes the class module back to its binary form.
func (c *ClassFile) Bytes() []byte {
	var buf bytes.Buffer
	writeU4(&buf, classMagic)
	writeU2(&buf, c.Minor)
	writeU2(&buf, c.Major)
	c.Pool.write(&buf)
	writeU2(&buf, c.AccessFlags)
	writeU2(&buf, c.ThisClass)
	writeU2(&buf, c.SuperClass)
	writeU2(&buf, uint16(len(c.Interfaces)))
	for _, iface := range c.Interfaces {
		writeU2(&buf, iface)
	}
	writeMembers(&buf, c.Fields)
	writeMembers(&buf, c.Methods)
	writeAttributes(&buf, c.Attributes)
	return buf.Bytes()
}

func writeMembers(buf *bytes.Buffer, members []Member) {
	writeU2(buf, uint16(len(members)))
	for i := range members {
		writeU2(buf, members[i].AccessFlags)
		writeU2(buf, members[i].NameIndex)
		writeU2(buf, members[i].DescIndex)
		writeAttributes(buf, members[i].Attributes)
	}
}

func writeAttributes(buf *bytes.Buffer, attrs []Attribute) {
	writeU2(buf, uint16(len(attrs)))
	for i := range attrs {
		writeU2(buf, attrs[i].NameIndex)
		writeU4(buf, uint32(len(attrs[i].Data)))
		buf.Write(attrs[i].Data)
	}
}

// ClassName returns the internal (slash) name of this class.
func (c *ClassFile) ClassName() string {
	name, _ := c.Pool.ClassName(c.ThisClass)
	return name
}

// SuperName returns the internal (slash) name of the superclass, empty for
// java/lang/Object itself.
func (c *ClassFile) SuperName() string {
	if c.SuperClass == 0 {
		return ""
	}
	name, _ := c.Pool.ClassName(c.SuperClass)
	return name
}

// SimpleName returns the class name without its package or outer classes.
func (c *ClassFile) SimpleName() string {
	name := c.ClassName()
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	if i := strings.LastIndexByte(name, '$'); i >= 0 {
		name = name[i+1:]
	}
	return name
}

// Namespace returns the dotted package name of the class.
func (c *ClassFile) Namespace() string {
	name := c.ClassName()
	i := strings.LastIndexByte(name, '/')
	if i < 0 {
		return ""
	}
	return strings.ReplaceAll(name[:i], "/", ".")
}

// Attr returns the first class-level attribute with the given name, or nil.
func (c *ClassFile) Attr(name string) *Attribute {
	for i := range c.Attributes {
		if c.Attributes[i].Name == name {
			return &c.Attributes[i]
		}
	}
	return nil
}

// parseMethodDescriptor splits a method descriptor into its parameter type
// descriptors. The return type is not needed by any caller.
func parseMethodDescriptor(desc string) ([]string, error) {
	if len(desc) < 3 || desc[0] != '(' {
		return nil, fmt.Errorf("malformed method descriptor %q", desc)
	}
	var params []string
	i := 1
	for i < len(desc) && desc[i] != ')' {
		start := i
		for i < len(desc) && desc[i] == '[' {
			i++
		}
		if i >= len(desc) {
			return nil, fmt.Errorf("malformed method descriptor %q", desc)
		}
		switch desc[i] {
		case 'B', 'C', 'D', 'F', 'I', 'J', 'S', 'Z':
			i++
		case 'L':
			end := strings.IndexByte(desc[i:], ';')
			if end < 0 {
				return nil, fmt.Errorf("unterminated reference type in %q", desc)
			}
			i += end + 1
		default:
			return nil, fmt.Errorf("unknown type char %q in %q", desc[i], desc)
		}
		params = append(params, desc[start:i])
	}
	if i >= len(desc) || desc[i] != ')' {
		return nil, errors.New("method descriptor missing closing paren")
	}
	return params, nil
}

// typeSlots reports how many local variable slots a type descriptor occupies.
func typeSlots(desc string) int {
	if desc == "J" || desc == "D" {
		return 2
	}
	return 1
}
