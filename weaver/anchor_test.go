package weaver

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocatePlansScreenAnchor(t *testing.T) {
	t.Parallel()
	cfg := preparedConfig(t)

	unit := classifyFixture(t, cfg, fxScreenClass(t, "com/app/MainActivity"))
	plans, err := DefaultAnchorLocator{}.LocatePlans(unit, cfg)
	require.NoError(t, err)
	require.Len(t, plans, 1)

	// aload_0(1) + aload_1(1) + invokespecial(3) puts the anchor at 5
	assert.Equal(t, 5, plans[0].Anchor)
	assert.False(t, plans[0].Synthesized)
	assert.Equal(t, screenAnchorName, unit.Class.Methods[plans[0].MethodIndex].Name)
}

func TestLocatePlansNoSuperCall(t *testing.T) {
	t.Parallel()
	cfg := preparedConfig(t)

	data := buildFixtureClass(t, nil, "com/app/MainActivity", "android/app/Activity",
		[]fxAnno{{desc: descTrackScreen}},
		[]fxMethod{{
			name: screenAnchorName, desc: screenAnchorDesc, flags: accPublic,
			code: []byte{opReturn}, maxLocals: 2,
		}})
	unit := classifyFixture(t, cfg, data)

	_, err := DefaultAnchorLocator{}.LocatePlans(unit, cfg)
	var we *WeaveError
	require.ErrorAs(t, err, &we)
	assert.Equal(t, OutcomeSkippedNoAnchor, we.Outcome)
	assert.Contains(t, we.Reason, "never calls through to the superclass")
}

func TestLocatePlansSynthesizesOverride(t *testing.T) {
	t.Parallel()
	cfg := preparedConfig(t)

	data := buildFixtureClass(t, nil, "com/app/MainActivity", "android/app/Activity",
		[]fxAnno{{desc: descTrackScreen}}, nil)
	unit := classifyFixture(t, cfg, data)

	plans, err := DefaultAnchorLocator{}.LocatePlans(unit, cfg)
	require.NoError(t, err)
	require.Len(t, plans, 1)
	assert.True(t, plans[0].Synthesized)

	method := unit.Class.Methods[plans[0].MethodIndex]
	assert.Equal(t, screenAnchorName, method.Name)
	assert.Equal(t, screenAnchorDesc, method.Descriptor)
	assert.Equal(t, uint16(accPublic), method.AccessFlags)

	code, err := parseCode(method.Attr(attrCode), unit.Class.Pool)
	require.NoError(t, err)
	// aload_0(1) + aload 1(2) + invokespecial(3), anchor right before the return
	assert.Equal(t, 6, plans[0].Anchor)
	assert.Equal(t, byte(opReturn), code.Code[len(code.Code)-1])
	assert.Equal(t, uint16(2), code.MaxLocals)

	anchor, found, err := findSuperCall(code.Code, unit.Class.Pool,
		"android/app/Activity", screenAnchorName, screenAnchorDesc)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, plans[0].Anchor, anchor)
}

func TestLocatePlansSubScreenSynthesized(t *testing.T) {
	t.Parallel()
	cfg := preparedConfig(t)

	data := buildFixtureClass(t, nil, "com/app/DetailsFragment", "androidx/fragment/app/Fragment",
		[]fxAnno{{desc: descTrackScreen}}, nil)
	unit := classifyFixture(t, cfg, data)

	plans, err := DefaultAnchorLocator{}.LocatePlans(unit, cfg)
	require.NoError(t, err)
	require.Len(t, plans, 1)

	method := unit.Class.Methods[plans[0].MethodIndex]
	assert.Equal(t, subScreenAnchorName, method.Name)
	code, err := parseCode(method.Attr(attrCode), unit.Class.Pool)
	require.NoError(t, err)
	// two reference parameters forward through explicit aload slots
	assert.Equal(t, uint16(3), code.MaxLocals)
	assert.Equal(t, uint16(3), code.MaxStack)
}

func TestLocatePlansDuplicateOverride(t *testing.T) {
	t.Parallel()
	cfg := preparedConfig(t)

	pool := NewConstPool()
	body, _ := fxLifecycleBody(t, pool, "android/app/Activity", screenAnchorName, screenAnchorDesc, 1)
	method := fxMethod{
		name: screenAnchorName, desc: screenAnchorDesc, flags: accPublic,
		code: body, maxStack: 2, maxLocals: 2,
	}
	data := buildFixtureClass(t, pool, "com/app/MainActivity", "android/app/Activity",
		[]fxAnno{{desc: descTrackScreen}}, []fxMethod{method, method})
	unit := classifyFixture(t, cfg, data)

	plans, err := DefaultAnchorLocator{}.LocatePlans(unit, cfg)
	require.NoError(t, err)
	require.Len(t, plans, 1)
	assert.Equal(t, 0, plans[0].MethodIndex)
	assert.Contains(t, plans[0].Note, "using first declared")
}

func TestLocatePlansTrackedMethods(t *testing.T) {
	t.Parallel()
	cfg := preparedConfig(t)

	unit := classifyFixture(t, cfg, fxTrackableClass(t, "com/app/CartRepository",
		"addItem", "(Ljava/lang/String;)V", []fxPair{fxString("name", "add_to_cart")}, nil))

	plans, err := DefaultAnchorLocator{}.LocatePlans(unit, cfg)
	require.NoError(t, err)
	require.Len(t, plans, 1)
	assert.Equal(t, 0, plans[0].Anchor)
	require.NotNil(t, plans[0].Event)
	assert.Equal(t, "add_to_cart", plans[0].Event.EventName)
}

func TestLocatePlansAbstractTrackedMethod(t *testing.T) {
	t.Parallel()
	cfg := preparedConfig(t)

	data := buildFixtureClass(t, nil, "com/app/CartRepository", "java/lang/Object",
		[]fxAnno{{desc: descTrackable}},
		[]fxMethod{{
			name: "addItem", desc: "()V", flags: accPublic,
			annos: []fxAnno{{desc: descTrackEvent, pairs: []fxPair{fxString("name", "add_to_cart")}}},
		}})
	unit := classifyFixture(t, cfg, data)

	_, err := DefaultAnchorLocator{}.LocatePlans(unit, cfg)
	var we *WeaveError
	require.True(t, errors.As(err, &we))
	assert.Equal(t, OutcomeFailed, we.Outcome)
	assert.Contains(t, we.Reason, "no code body")
}

func TestLocatePlansDeclarative(t *testing.T) {
	t.Parallel()
	cfg := preparedConfig(t)

	data := buildFixtureClass(t, nil, "com/app/HomeScreenKt", "java/lang/Object", nil,
		[]fxMethod{{
			name: "HomeScreen", desc: "()V", flags: accPublic | accStatic,
			code: []byte{opReturn},
			annos: []fxAnno{
				{desc: descComposable},
				{desc: descTrackComposable, pairs: []fxPair{fxString("name", "Home")}},
			},
		}})
	unit := classifyFixture(t, cfg, data)

	plans, err := DefaultAnchorLocator{}.LocatePlans(unit, cfg)
	require.NoError(t, err)
	require.Len(t, plans, 1)
	assert.Equal(t, 0, plans[0].Anchor)
	assert.Equal(t, "Home", plans[0].ScreenName)
}
