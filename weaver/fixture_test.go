package weaver

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

// Test fixtures build real class modules through the production encoders so
// parse/serialize behavior is exercised from both directions.

type fxPair struct {
	name string
	tag  byte
	str  string
	num  int32
	arr  []string
}

type fxAnno struct {
	desc  string
	pairs []fxPair
}

type fxMethod struct {
	name       string
	desc       string
	flags      uint16
	code       []byte // nil for methods without a body
	maxStack   uint16
	maxLocals  uint16
	annos      []fxAnno
	paramAnnos [][]fxAnno
}

func fxString(name, value string) fxPair {
	return fxPair{name: name, tag: 's', str: value}
}

func fxBool(name string, value bool) fxPair {
	var num int32
	if value {
		num = 1
	}
	return fxPair{name: name, tag: 'Z', num: num}
}

func fxStrings(name string, values ...string) fxPair {
	return fxPair{name: name, tag: '[', arr: values}
}

func encodeFxAnno(t *testing.T, pool *ConstPool, buf *bytes.Buffer, a fxAnno) {
	t.Helper()
	descIdx, err := pool.AddUtf8(a.desc)
	require.NoError(t, err)
	writeU2(buf, descIdx)
	writeU2(buf, uint16(len(a.pairs)))
	for _, p := range a.pairs {
		nameIdx, err := pool.AddUtf8(p.name)
		require.NoError(t, err)
		writeU2(buf, nameIdx)
		buf.WriteByte(p.tag)
		switch p.tag {
		case 's':
			valIdx, err := pool.AddUtf8(p.str)
			require.NoError(t, err)
			writeU2(buf, valIdx)
		case 'Z':
			valIdx, err := pool.AddInteger(p.num)
			require.NoError(t, err)
			writeU2(buf, valIdx)
		case '[':
			writeU2(buf, uint16(len(p.arr)))
			for _, s := range p.arr {
				valIdx, err := pool.AddUtf8(s)
				require.NoError(t, err)
				buf.WriteByte('s')
				writeU2(buf, valIdx)
			}
		default:
			t.Fatalf("unsupported fixture element tag %q", p.tag)
		}
	}
}

func encodeFxAnnos(t *testing.T, pool *ConstPool, annos []fxAnno) []byte {
	t.Helper()
	var buf bytes.Buffer
	writeU2(&buf, uint16(len(annos)))
	for _, a := range annos {
		encodeFxAnno(t, pool, &buf, a)
	}
	return buf.Bytes()
}

func encodeFxParamAnnos(t *testing.T, pool *ConstPool, perParam [][]fxAnno) []byte {
	t.Helper()
	var buf bytes.Buffer
	buf.WriteByte(byte(len(perParam)))
	for _, annos := range perParam {
		writeU2(&buf, uint16(len(annos)))
		for _, a := range annos {
			encodeFxAnno(t, pool, &buf, a)
		}
	}
	return buf.Bytes()
}

func fxAttribute(t *testing.T, pool *ConstPool, name string, data []byte) Attribute {
	t.Helper()
	nameIdx, err := pool.AddUtf8(name)
	require.NoError(t, err)
	return Attribute{NameIndex: nameIdx, Name: name, Data: data}
}

// buildFixtureClass assembles a class module with the given annotations and
// methods, returning its binary form. Callers that embed constant pool
// indexes in method bodies pass the pool those indexes came from; nil builds
// a fresh pool.
func buildFixtureClass(t *testing.T, pool *ConstPool, className, superName string,
	classAnnos []fxAnno, methods []fxMethod) []byte {
	t.Helper()
	if pool == nil {
		pool = NewConstPool()
	}
	thisIdx, err := pool.AddClass(className)
	require.NoError(t, err)
	superIdx, err := pool.AddClass(superName)
	require.NoError(t, err)

	members := make([]Member, 0, len(methods))
	for _, m := range methods {
		nameIdx, err := pool.AddUtf8(m.name)
		require.NoError(t, err)
		descIdx, err := pool.AddUtf8(m.desc)
		require.NoError(t, err)
		member := Member{
			AccessFlags: m.flags,
			NameIndex:   nameIdx,
			DescIndex:   descIdx,
			Name:        m.name,
			Descriptor:  m.desc,
		}
		if m.code != nil {
			code := &Code{MaxStack: m.maxStack, MaxLocals: m.maxLocals, Code: m.code}
			member.Attributes = append(member.Attributes,
				fxAttribute(t, pool, attrCode, code.encode()))
		}
		if len(m.annos) > 0 {
			member.Attributes = append(member.Attributes,
				fxAttribute(t, pool, attrRuntimeAnnos, encodeFxAnnos(t, pool, m.annos)))
		}
		if len(m.paramAnnos) > 0 {
			member.Attributes = append(member.Attributes,
				fxAttribute(t, pool, attrRuntimeParamAnnos, encodeFxParamAnnos(t, pool, m.paramAnnos)))
		}
		members = append(members, member)
	}

	c := &ClassFile{
		Major:       52,
		Pool:        pool,
		AccessFlags: 0x0021, // public super
		ThisClass:   thisIdx,
		SuperClass:  superIdx,
		Methods:     members,
	}
	if len(classAnnos) > 0 {
		c.Attributes = append(c.Attributes,
			fxAttribute(t, pool, attrRuntimeAnnos, encodeFxAnnos(t, pool, classAnnos)))
	}
	return c.Bytes()
}

// fxLifecycleBody emits a minimal lifecycle body that loads this plus the
// given number of reference arguments, calls through to the superclass, and
// returns. The returned anchor is the offset after the super call.
func fxLifecycleBody(t *testing.T, pool *ConstPool, superName, name, desc string, refArgs int) ([]byte, int) {
	t.Helper()
	superRef, err := pool.AddMethodref(superName, name, desc)
	require.NoError(t, err)
	var buf bytes.Buffer
	buf.WriteByte(opAload0)
	for i := 0; i < refArgs; i++ {
		buf.WriteByte(byte(opAload0 + 1 + i)) // aload_1, aload_2, ...
	}
	buf.WriteByte(opInvokespecial)
	writeU2(&buf, superRef)
	anchor := buf.Len()
	buf.WriteByte(opReturn)
	return buf.Bytes(), anchor
}

// fxScreenClass is a lifecycle screen fixture with a marked class annotation
// and an onCreate override calling through to the superclass. The anchor,
// right after the super call, sits at offset 5.
func fxScreenClass(t *testing.T, className string, pairs ...fxPair) []byte {
	t.Helper()
	pool := NewConstPool()
	body, _ := fxLifecycleBody(t, pool, "android/app/Activity", screenAnchorName, screenAnchorDesc, 1)
	return buildFixtureClass(t, pool, className, "android/app/Activity",
		[]fxAnno{{desc: descTrackScreen, pairs: pairs}},
		[]fxMethod{{
			name:      screenAnchorName,
			desc:      screenAnchorDesc,
			flags:     accPublic,
			code:      body,
			maxStack:  2,
			maxLocals: 2,
		}})
}

// fxTrackableClass is a trackable container fixture with one tracked method.
// The method body is a bare return, so the injection anchor is offset zero.
func fxTrackableClass(t *testing.T, className, methodName, methodDesc string,
	eventPairs []fxPair, paramAnnos [][]fxAnno) []byte {
	t.Helper()
	params, err := parseMethodDescriptor(methodDesc)
	require.NoError(t, err)
	return buildFixtureClass(t, nil, className, "java/lang/Object",
		[]fxAnno{{desc: descTrackable}},
		[]fxMethod{{
			name:       methodName,
			desc:       methodDesc,
			flags:      accPublic,
			code:       []byte{opReturn},
			maxLocals:  uint16(1 + slotCount(params)),
			annos:      []fxAnno{{desc: descTrackEvent, pairs: eventPairs}},
			paramAnnos: paramAnnos,
		}})
}

// mustParse decodes a fixture back into its structured form.
func mustParse(t *testing.T, data []byte) *ClassFile {
	t.Helper()
	c, err := ParseClass(data)
	require.NoError(t, err)
	return c
}

// preparedConfig returns a ready-to-use default configuration.
func preparedConfig(t *testing.T) *Config {
	t.Helper()
	cfg := DefaultConfig()
	require.NoError(t, cfg.Prepare())
	return &cfg
}
