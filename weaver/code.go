package weaver

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// Attribute names the engine decodes or rewrites.
const (
	attrCode              = "Code"
	attrStackMapTable     = "StackMapTable"
	attrLineNumberTable   = "LineNumberTable"
	attrLocalVariable     = "LocalVariableTable"
	attrLocalVariableType = "LocalVariableTypeTable"
	attrRuntimeAnnos      = "RuntimeVisibleAnnotations"
	attrRuntimeParamAnnos = "RuntimeVisibleParameterAnnotations"
)

// Opcodes used by the scanner and synthesizer.
const (
	opNop              = 0
	opIconst0          = 3
	opIconst1          = 4
	opLdcW             = 19
	opIload            = 21
	opLload            = 22
	opFload            = 23
	opDload            = 24
	opAload            = 25
	opAload0           = 42
	opPop              = 87
	opDup              = 89
	opIinc             = 132
	opIfeq             = 153
	opGoto             = 167
	opReturn           = 177
	opInvokevirtual    = 182
	opInvokespecial    = 183
	opInvokestatic     = 184
	opInvokeinterface  = 185
	opNew              = 187
	opInstanceof       = 193
	opGotoW            = 200
	opTableswitch      = 170
	opLookupswitch     = 171
	opWide             = 196
	opJsrW             = 201
)

// opcodeLens holds fixed instruction lengths, -1 for variable length
// instructions, and 0 for opcodes the rewriter refuses to touch.
var opcodeLens = func() [256]int {
	var t [256]int
	for i := 0; i <= 201; i++ {
		t[i] = 1
	}
	for _, op := range []int{16, 18, 21, 22, 23, 24, 25, 54, 55, 56, 57, 58, 169, 188} {
		t[op] = 2
	}
	for _, op := range []int{17, 19, 20, 132, 178, 179, 180, 181, 182, 183, 184,
		187, 189, 192, 193, 198, 199} {
		t[op] = 3
	}
	for i := 153; i <= 168; i++ { // conditional branches, goto, jsr
		t[i] = 3
	}
	t[197] = 4                // multianewarray
	for _, op := range []int{185, 186, 200, 201} {
		t[op] = 5
	}
	t[opTableswitch] = -1
	t[opLookupswitch] = -1
	t[opWide] = -1
	return t
}()

// switchPad reports the alignment padding after a switch opcode at off.
func switchPad(off int) int {
	return (4 - (off+1)%4) % 4
}

// instrLen returns the full encoded length of the instruction at off.
func instrLen(code []byte, off int) (int, error) {
	op := code[off]
	switch op {
	case opTableswitch:
		pad := switchPad(off)
		base := off + 1 + pad
		if base+12 > len(code) {
			return 0, fmt.Errorf("truncated tableswitch at %d", off)
		}
		low := int32(binary.BigEndian.Uint32(code[base+4:]))
		high := int32(binary.BigEndian.Uint32(code[base+8:]))
		if high < low {
			return 0, fmt.Errorf("tableswitch at %d has inverted bounds", off)
		}
		return 1 + pad + 12 + 4*int(high-low+1), nil
	case opLookupswitch:
		pad := switchPad(off)
		base := off + 1 + pad
		if base+8 > len(code) {
			return 0, fmt.Errorf("truncated lookupswitch at %d", off)
		}
		npairs := binary.BigEndian.Uint32(code[base+4:])
		return 1 + pad + 8 + 8*int(npairs), nil
	case opWide:
		if off+1 >= len(code) {
			return 0, fmt.Errorf("truncated wide at %d", off)
		}
		if code[off+1] == opIinc {
			return 6, nil
		}
		return 4, nil
	}
	n := opcodeLens[op]
	if n <= 0 {
		return 0, fmt.Errorf("unsupported opcode %d at offset %d", op, off)
	}
	return n, nil
}

// forEachInstruction walks the instruction stream, calling fn with each
// instruction's offset, opcode, and encoded length.
func forEachInstruction(code []byte, fn func(off int, op byte, length int) error) error {
	for off := 0; off < len(code); {
		length, err := instrLen(code, off)
		if err != nil {
			return err
		}
		if off+length > len(code) {
			return fmt.Errorf("instruction at %d overruns code end", off)
		}
		if err := fn(off, code[off], length); err != nil {
			return err
		}
		off += length
	}
	return nil
}

// ExceptionEntry is one exception table row of a Code attribute.
type ExceptionEntry struct {
	Start     uint16
	End       uint16
	Handler   uint16
	CatchType uint16
}

// Code is a decoded Code attribute.
type Code struct {
	MaxStack   uint16
	MaxLocals  uint16
	Code       []byte
	Exceptions []ExceptionEntry
	Attrs      []Attribute
}

func parseCode(a *Attribute, pool *ConstPool) (*Code, error) {
	r := &byteReader{data: a.Data}
	c := &Code{MaxStack: r.u2(), MaxLocals: r.u2()}
	codeLen := int(r.u4())
	c.Code = append([]byte(nil), r.bytes(codeLen)...)
	excCount := int(r.u2())
	if r.err != nil {
		return nil, r.err
	}
	c.Exceptions = make([]ExceptionEntry, excCount)
	for i := range c.Exceptions {
		c.Exceptions[i] = ExceptionEntry{r.u2(), r.u2(), r.u2(), r.u2()}
	}
	attrs, err := parseAttributes(r, pool)
	if err != nil {
		return nil, err
	} else if r.err != nil {
		return nil, r.err
	} else if r.remaining() != 0 {
		return nil, fmt.Errorf("%d trailing bytes in code attribute", r.remaining())
	}
	c.Attrs = attrs
	return c, nil
}

func (c *Code) encode() []byte {
	var buf bytes.Buffer
	writeU2(&buf, c.MaxStack)
	writeU2(&buf, c.MaxLocals)
	writeU4(&buf, uint32(len(c.Code)))
	buf.Write(c.Code)
	writeU2(&buf, uint16(len(c.Exceptions)))
	for _, e := range c.Exceptions {
		writeU2(&buf, e.Start)
		writeU2(&buf, e.End)
		writeU2(&buf, e.Handler)
		writeU2(&buf, e.CatchType)
	}
	writeAttributes(&buf, c.Attrs)
	return buf.Bytes()
}

// insertCode splices ins into code at offset at, patching every branch target
// that crosses the insertion point. Switch alignment survives because callers
// pad ins to a multiple of four bytes.
func insertCode(code []byte, at int, ins []byte) ([]byte, error) {
	if at < 0 || at > len(code) {
		return nil, fmt.Errorf("insertion offset %d outside code of length %d", at, len(code))
	}
	if len(ins)%4 != 0 {
		return nil, fmt.Errorf("injected sequence length %d not four-byte aligned", len(ins))
	}
	shift := func(off int) int {
		if off >= at {
			return off + len(ins)
		}
		return off
	}
	out := make([]byte, 0, len(code)+len(ins))
	out = append(out, code[:at]...)
	out = append(out, ins...)
	out = append(out, code[at:]...)

	patch16 := func(instrOff, operandOff int) error {
		rel := int(int16(binary.BigEndian.Uint16(code[operandOff:])))
		newRel := shift(instrOff+rel) - shift(instrOff)
		if newRel < math.MinInt16 || newRel > math.MaxInt16 {
			return fmt.Errorf("branch at %d overflows 16-bit offset after rewrite", instrOff)
		}
		binary.BigEndian.PutUint16(out[shift(operandOff):], uint16(int16(newRel)))
		return nil
	}
	patch32 := func(instrOff, operandOff int) {
		rel := int(int32(binary.BigEndian.Uint32(code[operandOff:])))
		newRel := shift(instrOff+rel) - shift(instrOff)
		binary.BigEndian.PutUint32(out[shift(operandOff):], uint32(int32(newRel)))
	}
	err := forEachInstruction(code, func(off int, op byte, length int) error {
		switch {
		case op >= 153 && op <= 168 || op == 198 || op == 199: // if*, goto, jsr
			return patch16(off, off+1)
		case op == opGotoW || op == opJsrW:
			patch32(off, off+1)
		case op == opTableswitch:
			base := off + 1 + switchPad(off)
			patch32(off, base) // default
			low := int32(binary.BigEndian.Uint32(code[base+4:]))
			high := int32(binary.BigEndian.Uint32(code[base+8:]))
			for i := 0; i < int(high-low+1); i++ {
				patch32(off, base+12+4*i)
			}
		case op == opLookupswitch:
			base := off + 1 + switchPad(off)
			patch32(off, base) // default
			npairs := int(binary.BigEndian.Uint32(code[base+4:]))
			for i := 0; i < npairs; i++ {
				patch32(off, base+8+8*i+4)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// storesLocalBefore reports whether any instruction before limit writes a
// local variable slot, which would invalidate synthesized frame locals.
func storesLocalBefore(code []byte, limit int) (bool, error) {
	found := false
	err := forEachInstruction(code, func(off int, op byte, length int) error {
		if off >= limit {
			return nil
		}
		if (op >= 54 && op <= 78) || op == opIinc {
			found = true
		} else if op == opWide {
			sub := code[off+1]
			if (sub >= 54 && sub <= 58) || sub == opIinc {
				found = true
			}
		}
		return nil
	})
	return found, err
}

// Verification type tags within stack map frames.
const (
	vtTop               = 0
	vtInteger           = 1
	vtFloat             = 2
	vtDouble            = 3
	vtLong              = 4
	vtNull              = 5
	vtUninitializedThis = 6
	vtObject            = 7
	vtUninitialized     = 8
)

// vtype is one verification type. arg is the constant pool index for
// vtObject, or the code offset of the new instruction for vtUninitialized.
type vtype struct {
	tag byte
	arg uint16
}

// Stack map frame families.
const (
	fSame = iota
	fStack1
	fChop
	fAppend
	fFull
)

// smFrame is a stack map frame with its absolute code offset resolved. For
// fAppend, locals holds only the appended entries.
type smFrame struct {
	family int
	offset int
	chop   int
	locals []vtype
	stack  []vtype
}

func parseVType(r *byteReader) (vtype, error) {
	tag := r.u1()
	switch tag {
	case vtTop, vtInteger, vtFloat, vtDouble, vtLong, vtNull, vtUninitializedThis:
		return vtype{tag: tag}, r.err
	case vtObject, vtUninitialized:
		return vtype{tag: tag, arg: r.u2()}, r.err
	default:
		return vtype{}, fmt.Errorf("invalid verification type tag %d", tag)
	}
}

func parseVTypes(r *byteReader, n int) ([]vtype, error) {
	types := make([]vtype, n)
	for i := range types {
		var err error
		if types[i], err = parseVType(r); err != nil {
			return nil, err
		}
	}
	return types, nil
}

func parseStackMap(data []byte) ([]smFrame, error) {
	r := &byteReader{data: data}
	count := int(r.u2())
	if r.err != nil {
		return nil, r.err
	}
	frames := make([]smFrame, 0, count)
	prev := -1
	for i := 0; i < count; i++ {
		ft := int(r.u1())
		var f smFrame
		var delta int
		var err error
		switch {
		case ft <= 63:
			f.family, delta = fSame, ft
		case ft <= 127:
			f.family, delta = fStack1, ft-64
			if f.stack, err = parseVTypes(r, 1); err != nil {
				return nil, err
			}
		case ft == 247:
			f.family, delta = fStack1, int(r.u2())
			if f.stack, err = parseVTypes(r, 1); err != nil {
				return nil, err
			}
		case ft >= 248 && ft <= 250:
			f.family, f.chop, delta = fChop, 251-ft, int(r.u2())
		case ft == 251:
			f.family, delta = fSame, int(r.u2())
		case ft >= 252 && ft <= 254:
			f.family, delta = fAppend, int(r.u2())
			if f.locals, err = parseVTypes(r, ft-251); err != nil {
				return nil, err
			}
		case ft == 255:
			f.family, delta = fFull, int(r.u2())
			if f.locals, err = parseVTypes(r, int(r.u2())); err != nil {
				return nil, err
			}
			if f.stack, err = parseVTypes(r, int(r.u2())); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("reserved stack map frame type %d", ft)
		}
		if r.err != nil {
			return nil, r.err
		}
		f.offset = prev + delta + 1
		prev = f.offset
		frames = append(frames, f)
	}
	return frames, nil
}

func writeVType(buf *bytes.Buffer, v vtype) {
	buf.WriteByte(v.tag)
	if v.tag == vtObject || v.tag == vtUninitialized {
		writeU2(buf, v.arg)
	}
}

func encodeStackMap(frames []smFrame) []byte {
	var buf bytes.Buffer
	writeU2(&buf, uint16(len(frames)))
	prev := -1
	for _, f := range frames {
		delta := f.offset - prev - 1
		prev = f.offset
		switch f.family {
		case fSame:
			if delta <= 63 {
				buf.WriteByte(byte(delta))
			} else {
				buf.WriteByte(251)
				writeU2(&buf, uint16(delta))
			}
		case fStack1:
			if delta <= 63 {
				buf.WriteByte(byte(64 + delta))
			} else {
				buf.WriteByte(247)
				writeU2(&buf, uint16(delta))
			}
			writeVType(&buf, f.stack[0])
		case fChop:
			buf.WriteByte(byte(251 - f.chop))
			writeU2(&buf, uint16(delta))
		case fAppend:
			buf.WriteByte(byte(251 + len(f.locals)))
			writeU2(&buf, uint16(delta))
			for _, v := range f.locals {
				writeVType(&buf, v)
			}
		case fFull:
			buf.WriteByte(255)
			writeU2(&buf, uint16(delta))
			writeU2(&buf, uint16(len(f.locals)))
			for _, v := range f.locals {
				writeVType(&buf, v)
			}
			writeU2(&buf, uint16(len(f.stack)))
			for _, v := range f.stack {
				writeVType(&buf, v)
			}
		}
	}
	return buf.Bytes()
}

// shiftStackMap moves frame offsets (and uninitialized-type code offsets) at
// or past the insertion point forward by delta.
func shiftStackMap(frames []smFrame, at, delta int) {
	shiftTypes := func(types []vtype) {
		for i := range types {
			if types[i].tag == vtUninitialized && int(types[i].arg) >= at {
				types[i].arg += uint16(delta)
			}
		}
	}
	for i := range frames {
		if frames[i].offset >= at {
			frames[i].offset += delta
		}
		shiftTypes(frames[i].locals)
		shiftTypes(frames[i].stack)
	}
}

// shiftLineNumbers rewrites a LineNumberTable payload for an insertion.
func shiftLineNumbers(data []byte, at, delta int) ([]byte, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("line number table too short: %d bytes", len(data))
	}
	count := int(binary.BigEndian.Uint16(data))
	if len(data) != 2+4*count {
		return nil, fmt.Errorf("line number table length mismatch")
	}
	out := append([]byte(nil), data...)
	for i := 0; i < count; i++ {
		pos := 2 + 4*i
		pc := int(binary.BigEndian.Uint16(out[pos:]))
		if pc >= at {
			binary.BigEndian.PutUint16(out[pos:], uint16(pc+delta))
		}
	}
	return out, nil
}

// shiftLocalVars rewrites a LocalVariableTable or LocalVariableTypeTable
// payload for an insertion, extending ranges that span the insertion point.
func shiftLocalVars(data []byte, at, delta int) ([]byte, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("local variable table too short: %d bytes", len(data))
	}
	count := int(binary.BigEndian.Uint16(data))
	if len(data) != 2+10*count {
		return nil, fmt.Errorf("local variable table length mismatch")
	}
	out := append([]byte(nil), data...)
	for i := 0; i < count; i++ {
		pos := 2 + 10*i
		start := int(binary.BigEndian.Uint16(out[pos:]))
		length := int(binary.BigEndian.Uint16(out[pos+2:]))
		if start >= at {
			binary.BigEndian.PutUint16(out[pos:], uint16(start+delta))
		} else if start+length > at {
			binary.BigEndian.PutUint16(out[pos+2:], uint16(length+delta))
		}
	}
	return out, nil
}
