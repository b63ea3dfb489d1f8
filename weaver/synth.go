package weaver

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
)

const accStatic = 0x0008

// stackMapMajor is the first class format major version whose verifier
// requires stack map frames alongside branch instructions.
const stackMapMajor = 50

const (
	linkedHashMapClass = "java/util/LinkedHashMap"
	mapClass           = "java/util/Map"
	throwableClass     = "java/lang/Throwable"
	stringClass        = "java/lang/String"

	trackerLogScreenName = "logScreenView"
	trackerLogScreenDesc = "(Ljava/lang/String;Ljava/lang/String;Ljava/util/Map;)V"
	trackerTrackName     = "track"
	trackerTrackDesc     = "(Ljava/lang/String;Ljava/util/Map;Z)V"
	providerMethodName   = "getTrackedParams"
	providerMethodDesc   = "()Ljava/util/Map;"
	serializerDesc       = "(Ljava/lang/Object;)Ljava/lang/String;"
)

// boxTarget maps a primitive descriptor char to its valueOf owner and
// descriptor.
var boxTargets = map[byte][2]string{
	'I': {"java/lang/Integer", "(I)Ljava/lang/Integer;"},
	'Z': {"java/lang/Boolean", "(Z)Ljava/lang/Boolean;"},
	'B': {"java/lang/Byte", "(B)Ljava/lang/Byte;"},
	'C': {"java/lang/Character", "(C)Ljava/lang/Character;"},
	'S': {"java/lang/Short", "(S)Ljava/lang/Short;"},
	'J': {"java/lang/Long", "(J)Ljava/lang/Long;"},
	'F': {"java/lang/Float", "(F)Ljava/lang/Float;"},
	'D': {"java/lang/Double", "(D)Ljava/lang/Double;"},
}

// passThroughRefs are reference types stored into the tracking map without
// conversion.
var passThroughRefs = map[string]bool{
	"Ljava/lang/String;":    true,
	"Ljava/lang/Integer;":   true,
	"Ljava/lang/Boolean;":   true,
	"Ljava/lang/Byte;":      true,
	"Ljava/lang/Character;": true,
	"Ljava/lang/Short;":     true,
	"Ljava/lang/Long;":      true,
	"Ljava/lang/Float;":     true,
	"Ljava/lang/Double;":    true,
}

// codeAsm assembles an injected instruction sequence, tracking operand stack
// depth in slots as it goes. The first emit error latches; callers check err
// once at the end.
type codeAsm struct {
	pool  *ConstPool
	buf   bytes.Buffer
	depth int
	max   int
	err   error
}

func (a *codeAsm) setErr(err error) {
	if a.err == nil && err != nil {
		a.err = err
	}
}

func (a *codeAsm) adjust(delta int) {
	a.depth += delta
	if a.depth > a.max {
		a.max = a.depth
	}
}

func (a *codeAsm) here() int {
	return a.buf.Len()
}

func (a *codeAsm) op(op byte, delta int) {
	a.buf.WriteByte(op)
	a.adjust(delta)
}

func (a *codeAsm) opU1(op, v byte, delta int) {
	a.buf.WriteByte(op)
	a.buf.WriteByte(v)
	a.adjust(delta)
}

func (a *codeAsm) opU2(op byte, v uint16, delta int) {
	a.buf.WriteByte(op)
	a.buf.WriteByte(byte(v >> 8))
	a.buf.WriteByte(byte(v))
	a.adjust(delta)
}

func (a *codeAsm) ldcStr(s string) {
	idx, err := a.pool.AddString(s)
	a.setErr(err)
	a.opU2(opLdcW, idx, 1)
}

// branch emits a branch opcode with a placeholder offset and returns the
// operand position for a later patch.
func (a *codeAsm) branch(op byte, delta int) int {
	pos := a.here() + 1
	a.opU2(op, 0, delta)
	return pos
}

func (a *codeAsm) patchBranch(operandPos, target int) {
	rel := target - (operandPos - 1)
	if rel < math.MinInt16 || rel > math.MaxInt16 {
		a.setErr(fmt.Errorf("injected branch offset %d overflows", rel))
		return
	}
	binary.BigEndian.PutUint16(a.buf.Bytes()[operandPos:], uint16(int16(rel)))
}

func (a *codeAsm) invokeInterface(owner, name, desc string, argSlots, delta int) {
	idx, err := a.pool.AddInterfaceMethodref(owner, name, desc)
	a.setErr(err)
	a.buf.WriteByte(opInvokeinterface)
	a.buf.WriteByte(byte(idx >> 8))
	a.buf.WriteByte(byte(idx))
	a.buf.WriteByte(byte(argSlots))
	a.buf.WriteByte(0)
	a.adjust(delta)
}

func (a *codeAsm) invoke(op byte, owner, name, desc string, delta int) {
	idx, err := a.pool.AddMethodref(owner, name, desc)
	a.setErr(err)
	a.opU2(op, idx, delta)
}

func (a *codeAsm) newMap() {
	idx, err := a.pool.AddClass(linkedHashMapClass)
	a.setErr(err)
	a.opU2(opNew, idx, 1)
	a.op(opDup, 1)
	a.invoke(opInvokespecial, linkedHashMapClass, "<init>", "()V", -1)
}

func (a *codeAsm) loadSlot(op byte, slot int, delta int) {
	if slot < 256 {
		a.opU1(op, byte(slot), delta)
	} else {
		a.buf.WriteByte(opWide)
		a.opU2(op, uint16(slot), delta)
	}
}

// padTo4 appends nops so the sequence keeps switch alignment intact.
func (a *codeAsm) padTo4() {
	for a.here()%4 != 0 {
		a.op(opNop, 0)
	}
}

// injection is an assembled tracking sequence ready for splicing.
type injection struct {
	seq        []byte
	handlerOff int // offset of the catch handler within seq
	skipOff    int // offset of the provider guard join, -1 when unguarded
	maxDepth   int
	extraLocal int // local slot used to cache the provider map, -1 if unused
}

// DefaultCallSynthesizer builds guarded tracking call sequences and rewrites
// method bodies in place.
type DefaultCallSynthesizer struct{}

// SynthesizeCalls applies every injection plan to the unit's class, updating
// code, exception tables and derived validity tables. Any failure aborts the
// unit with OutcomeFailed before output is produced; callers keep the
// original bytes. Returned notes describe non-fatal adjustments.
func (DefaultCallSynthesizer) SynthesizeCalls(unit ClassifiedUnit, plans []InjectionPlan, cfg *Config) ([]string, error) {
	var notes []string
	for i := range plans {
		planNotes, err := applyPlan(unit, &plans[i], cfg)
		notes = append(notes, planNotes...)
		if err != nil {
			if we, ok := err.(*WeaveError); ok {
				return notes, we
			}
			method := unit.Class.Methods[plans[i].MethodIndex]
			return notes, &WeaveError{
				Outcome: OutcomeFailed,
				Reason:  fmt.Sprintf("rewrite %s%s: %v", method.Name, method.Descriptor, err),
			}
		}
	}
	return notes, nil
}

func applyPlan(unit ClassifiedUnit, plan *InjectionPlan, cfg *Config) ([]string, error) {
	c := unit.Class
	method := &c.Methods[plan.MethodIndex]
	codeAttr := method.Attr(attrCode)
	code, err := parseCode(codeAttr, c.Pool)
	if err != nil {
		return nil, err
	}
	at := plan.Anchor

	// The synthesized frames assume the locals still hold exactly the method
	// arguments at the anchor; any earlier store breaks that.
	if stores, err := storesLocalBefore(code.Code, at); err != nil {
		return nil, err
	} else if stores {
		return nil, fmt.Errorf("local variable written before injection point")
	}
	var frames []smFrame
	smAttr := findCodeAttr(code, attrStackMapTable)
	if smAttr != nil {
		if frames, err = parseStackMap(smAttr.Data); err != nil {
			return nil, err
		}
		for _, f := range frames {
			if f.offset <= at {
				return nil, fmt.Errorf("control flow merges at offset %d before injection point %d", f.offset, at)
			}
		}
	}

	var notes []string
	var inj *injection
	if plan.Event != nil {
		inj, notes, err = buildEventInjection(c, method, plan.Event, cfg)
	} else {
		inj, err = buildScreenInjection(c, method, unit, plan, cfg)
	}
	if err != nil {
		return notes, err
	}

	newCode, err := insertCode(code.Code, at, inj.seq)
	if err != nil {
		return notes, err
	} else if len(newCode) > math.MaxUint16 {
		return notes, fmt.Errorf("rewritten code length %d exceeds method size limit", len(newCode))
	}
	code.Code = newCode
	shiftExceptions(code.Exceptions, at, len(inj.seq))
	barrier := ExceptionEntry{
		Start:     uint16(at),
		End:       uint16(at + inj.handlerOff),
		Handler:   uint16(at + inj.handlerOff),
		CatchType: 0,
	}
	code.Exceptions = append([]ExceptionEntry{barrier}, code.Exceptions...)

	if int(c.Major) >= stackMapMajor {
		if err := mergeStackMap(c, method, code, frames, smAttr, at, inj); err != nil {
			return notes, err
		}
	}
	if err := shiftCodeTables(code, at, len(inj.seq)); err != nil {
		return notes, err
	}
	if inj.maxDepth > int(code.MaxStack) {
		code.MaxStack = uint16(inj.maxDepth)
	}
	if inj.extraLocal >= int(code.MaxLocals) {
		code.MaxLocals = uint16(inj.extraLocal + 1)
	}
	codeAttr.Data = code.encode()
	return notes, nil
}

func findCodeAttr(code *Code, name string) *Attribute {
	for i := range code.Attrs {
		if code.Attrs[i].Name == name {
			return &code.Attrs[i]
		}
	}
	return nil
}

func shiftExceptions(entries []ExceptionEntry, at, delta int) {
	for i := range entries {
		if int(entries[i].Start) >= at {
			entries[i].Start += uint16(delta)
		}
		if int(entries[i].End) > at {
			entries[i].End += uint16(delta)
		}
		if int(entries[i].Handler) >= at {
			entries[i].Handler += uint16(delta)
		}
	}
}

func shiftCodeTables(code *Code, at, delta int) error {
	for i := range code.Attrs {
		var err error
		switch code.Attrs[i].Name {
		case attrLineNumberTable:
			code.Attrs[i].Data, err = shiftLineNumbers(code.Attrs[i].Data, at, delta)
		case attrLocalVariable, attrLocalVariableType:
			code.Attrs[i].Data, err = shiftLocalVars(code.Attrs[i].Data, at, delta)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// mergeStackMap shifts the original frames past the injected sequence and
// inserts full frames at the guard join, the catch handler, and the join
// point, all declaring the method arguments as locals.
func mergeStackMap(c *ClassFile, method *Member, code *Code, frames []smFrame,
	smAttr *Attribute, at int, inj *injection) error {
	argLocals, err := methodArgLocals(c, method)
	if err != nil {
		return err
	}
	shiftStackMap(frames, at, len(inj.seq))

	var inserted []smFrame
	if inj.skipOff >= 0 {
		stringIdx, err := c.Pool.AddClass(stringClass)
		if err != nil {
			return err
		}
		mapIdx, err := c.Pool.AddClass(linkedHashMapClass)
		if err != nil {
			return err
		}
		inserted = append(inserted, smFrame{
			family: fFull,
			offset: at + inj.skipOff,
			locals: argLocals,
			stack: []vtype{
				{tag: vtObject, arg: stringIdx},
				{tag: vtObject, arg: stringIdx},
				{tag: vtObject, arg: mapIdx},
			},
		})
	}
	throwableIdx, err := c.Pool.AddClass(throwableClass)
	if err != nil {
		return err
	}
	inserted = append(inserted,
		smFrame{
			family: fFull,
			offset: at + inj.handlerOff,
			locals: argLocals,
			stack:  []vtype{{tag: vtObject, arg: throwableIdx}},
		},
		smFrame{
			family: fFull,
			offset: at + len(inj.seq),
			locals: argLocals,
		},
	)
	frames = append(inserted, frames...)
	sort.SliceStable(frames, func(i, j int) bool { return frames[i].offset < frames[j].offset })

	encoded := encodeStackMap(frames)
	if smAttr != nil {
		smAttr.Data = encoded
		return nil
	}
	nameIdx, err := c.Pool.AddUtf8(attrStackMapTable)
	if err != nil {
		return err
	}
	code.Attrs = append(code.Attrs, Attribute{
		NameIndex: nameIdx,
		Name:      attrStackMapTable,
		Data:      encoded,
	})
	return nil
}

// methodArgLocals builds the verification types of the receiver and
// parameters, the locals state every inserted frame declares.
func methodArgLocals(c *ClassFile, method *Member) ([]vtype, error) {
	params, err := parseMethodDescriptor(method.Descriptor)
	if err != nil {
		return nil, err
	}
	var locals []vtype
	if method.AccessFlags&accStatic == 0 {
		idx, err := c.Pool.AddClass(c.ClassName())
		if err != nil {
			return nil, err
		}
		locals = append(locals, vtype{tag: vtObject, arg: idx})
	}
	for _, p := range params {
		switch p[0] {
		case 'I', 'Z', 'B', 'C', 'S':
			locals = append(locals, vtype{tag: vtInteger})
		case 'J':
			locals = append(locals, vtype{tag: vtLong})
		case 'F':
			locals = append(locals, vtype{tag: vtFloat})
		case 'D':
			locals = append(locals, vtype{tag: vtDouble})
		default:
			name := p
			if p[0] == 'L' {
				name = p[1 : len(p)-1]
			}
			idx, err := c.Pool.AddClass(name)
			if err != nil {
				return nil, err
			}
			locals = append(locals, vtype{tag: vtObject, arg: idx})
		}
	}
	return locals, nil
}

// buildScreenInjection assembles the guarded logScreenView call for
// lifecycle and declarative screen plans.
func buildScreenInjection(c *ClassFile, method *Member, unit ClassifiedUnit,
	plan *InjectionPlan, cfg *Config) (*injection, error) {
	screenName := plan.ScreenName
	screenClass := c.SimpleName()
	var extraKeys []string
	if unit.Markers.Screen != nil && plan.Event == nil && plan.ScreenName == "" {
		screenName = unit.Markers.Screen.ScreenName
		if unit.Markers.Screen.ScreenClassOverride != "" {
			screenClass = unit.Markers.Screen.ScreenClassOverride
		}
		extraKeys = unit.Markers.Screen.ExtraParamKeys
	}
	guarded := len(extraKeys) > 0 && method.AccessFlags&accStatic == 0

	a := &codeAsm{pool: c.Pool}
	a.ldcStr(screenName)
	a.ldcStr(screenClass)
	a.newMap()

	inj := &injection{skipOff: -1, extraLocal: -1}
	if guarded {
		providerIdx, err := c.Pool.AddClass(cfg.ProviderInterface)
		if err != nil {
			return nil, err
		}
		pmapSlot := maxLocalsOf(method)
		inj.extraLocal = pmapSlot
		a.op(opAload0, 1)
		a.opU2(opInstanceof, providerIdx, 0)
		skipFix := a.branch(opIfeq, -1)
		a.op(opAload0, 1)
		a.opU2(192, providerIdx, 0) // checkcast
		a.invokeInterface(cfg.ProviderInterface, providerMethodName, providerMethodDesc, 1, 0)
		a.loadSlot(58, pmapSlot, -1) // astore
		for _, key := range extraKeys {
			a.op(opDup, 1)
			a.ldcStr(key)
			a.loadSlot(byte(opAload), pmapSlot, 1)
			a.ldcStr(key)
			a.invokeInterface(mapClass, "get", "(Ljava/lang/Object;)Ljava/lang/Object;", 2, -1)
			a.invoke(opInvokevirtual, linkedHashMapClass, "put",
				"(Ljava/lang/Object;Ljava/lang/Object;)Ljava/lang/Object;", -2)
			a.op(opPop, -1)
		}
		inj.skipOff = a.here()
		a.patchBranch(skipFix, inj.skipOff)
	}
	a.invoke(opInvokestatic, cfg.TrackerClass, trackerLogScreenName, trackerLogScreenDesc, -3)
	finishInjection(a, inj)
	if a.err != nil {
		return nil, a.err
	}
	return inj, nil
}

// buildEventInjection assembles the guarded track call for one tracked
// container method, capturing marked parameters in declaration order up to
// the configured cap.
func buildEventInjection(c *ClassFile, method *Member, event *TrackedMethod,
	cfg *Config) (*injection, []string, error) {
	params, err := parseMethodDescriptor(method.Descriptor)
	if err != nil {
		return nil, nil, err
	}
	var notes []string
	captured := event.Params
	if len(captured) > cfg.MaxParamsPerMethod {
		notes = append(notes, fmt.Sprintf("%s captures %d parameters, keeping first %d",
			method.Name, len(captured), cfg.MaxParamsPerMethod))
		captured = captured[:cfg.MaxParamsPerMethod]
	}

	a := &codeAsm{pool: c.Pool}
	a.ldcStr(event.EventName)
	a.newMap()
	for _, p := range captured {
		if p.Index >= len(params) {
			notes = append(notes, fmt.Sprintf("%s parameter %d out of range, dropped", method.Name, p.Index))
			continue
		}
		desc := params[p.Index]
		a.op(opDup, 1)
		a.ldcStr(p.Key)
		slot := paramSlot(method, params, p.Index)
		a.loadSlot(loadOpcode(desc), slot, typeSlots(desc))
		boxValue(a, desc, cfg)
		a.invoke(opInvokevirtual, linkedHashMapClass, "put",
			"(Ljava/lang/Object;Ljava/lang/Object;)Ljava/lang/Object;", -2)
		a.op(opPop, -1)
	}
	if event.IncludeGlobalParams {
		a.op(opIconst1, 1)
	} else {
		a.op(opIconst0, 1)
	}
	a.invoke(opInvokestatic, cfg.TrackerClass, trackerTrackName, trackerTrackDesc, -3)
	inj := &injection{skipOff: -1, extraLocal: -1}
	finishInjection(a, inj)
	if a.err != nil {
		return nil, notes, a.err
	}
	return inj, notes, nil
}

// finishInjection emits the shared tail: the join jump, the catch handler
// that discards the throwable, and alignment padding.
func finishInjection(a *codeAsm, inj *injection) {
	joinFix := a.branch(opGoto, 0)
	inj.handlerOff = a.here()
	a.depth = 1 // handler entry holds only the throwable
	a.op(opPop, -1)
	a.padTo4()
	a.patchBranch(joinFix, a.here())
	inj.seq = append([]byte(nil), a.buf.Bytes()...)
	inj.maxDepth = a.max
}

// boxValue converts the loaded parameter to the reference the tracking map
// stores: primitives box through valueOf, strings and boxes pass through,
// everything else goes through the configured serializer.
func boxValue(a *codeAsm, desc string, cfg *Config) {
	if box, ok := boxTargets[desc[0]]; ok && len(desc) == 1 {
		a.invoke(opInvokestatic, box[0], "valueOf", box[1], 1-typeSlots(desc))
		return
	}
	if passThroughRefs[desc] {
		return
	}
	if cfg.SerializerClass != "" {
		a.invoke(opInvokestatic, cfg.SerializerClass, cfg.SerializerMethod, serializerDesc, 0)
		return
	}
	a.invoke(opInvokestatic, stringClass, "valueOf", serializerDesc, 0)
}

// paramSlot computes the local variable slot of a parameter by position.
func paramSlot(method *Member, params []string, index int) int {
	slot := 0
	if method.AccessFlags&accStatic == 0 {
		slot = 1
	}
	for i := 0; i < index; i++ {
		slot += typeSlots(params[i])
	}
	return slot
}

// maxLocalsOf reads the declared max_locals without a full code decode.
func maxLocalsOf(method *Member) int {
	attr := method.Attr(attrCode)
	if attr == nil || len(attr.Data) < 4 {
		return 0
	}
	return int(binary.BigEndian.Uint16(attr.Data[2:]))
}
