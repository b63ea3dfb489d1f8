package weaver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScanMarkersScreen(t *testing.T) {
	t.Parallel()
	cfg := preparedConfig(t)

	data := fxScreenClass(t, "com/app/CheckoutActivity",
		fxString("name", "Checkout"),
		fxString("screenClass", "CheckoutFlow"),
		fxStrings("extraParams", "cart_id", "user_tier"))
	c := mustParse(t, data)

	set, err := DefaultMarkerScanner{}.ScanMarkers(c, cfg)
	require.NoError(t, err)
	require.NotNil(t, set.Screen)
	assert.Equal(t, "Checkout", set.Screen.ScreenName)
	assert.Equal(t, "CheckoutFlow", set.Screen.ScreenClassOverride)
	assert.Equal(t, []string{"cart_id", "user_tier"}, set.Screen.ExtraParamKeys)
	assert.False(t, set.AlreadyInstrumented)
	assert.False(t, set.Empty())
}

func TestScanMarkersScreenNameDefaults(t *testing.T) {
	t.Parallel()
	cfg := preparedConfig(t)

	c := mustParse(t, fxScreenClass(t, "com/app/profile/ProfileActivity"))

	set, err := DefaultMarkerScanner{}.ScanMarkers(c, cfg)
	require.NoError(t, err)
	require.NotNil(t, set.Screen)
	assert.Equal(t, "ProfileActivity", set.Screen.ScreenName)
	assert.Empty(t, set.Screen.ScreenClassOverride)
}

func TestScanMarkersUnmarked(t *testing.T) {
	t.Parallel()
	cfg := preparedConfig(t)

	c := mustParse(t, buildFixtureClass(t, nil, "com/app/Plain", "java/lang/Object", nil, nil))

	set, err := DefaultMarkerScanner{}.ScanMarkers(c, cfg)
	require.NoError(t, err)
	assert.True(t, set.Empty())
}

func TestScanMarkersInstrumentedShortCircuit(t *testing.T) {
	t.Parallel()
	cfg := preparedConfig(t)

	c := mustParse(t, fxScreenClass(t, "com/app/MainActivity"))
	require.NoError(t, markInstrumented(c))
	c = mustParse(t, c.Bytes())

	set, err := DefaultMarkerScanner{}.ScanMarkers(c, cfg)
	require.NoError(t, err)
	assert.True(t, set.AlreadyInstrumented)
	assert.Nil(t, set.Screen)
}

func TestScanMarkersEventRequiresName(t *testing.T) {
	t.Parallel()
	cfg := preparedConfig(t)

	c := mustParse(t, fxTrackableClass(t, "com/app/CartRepository",
		"addItem", "(Ljava/lang/String;)V", nil, nil))

	_, err := DefaultMarkerScanner{}.ScanMarkers(c, cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing required name")
	assert.Contains(t, err.Error(), "addItem")
}

func TestScanMarkersEvent(t *testing.T) {
	t.Parallel()
	cfg := preparedConfig(t)

	paramAnnos := [][]fxAnno{
		{{desc: descTrackParam, pairs: []fxPair{fxString("name", "item_id")}}},
		{}, // unmarked parameter
		{{desc: descTrackParam, pairs: []fxPair{fxString("name", "quantity")}}},
	}
	c := mustParse(t, fxTrackableClass(t, "com/app/CartRepository",
		"addItem", "(Ljava/lang/String;ZI)V",
		[]fxPair{fxString("name", "add_to_cart"), fxBool("includeGlobalParams", false)},
		paramAnnos))

	set, err := DefaultMarkerScanner{}.ScanMarkers(c, cfg)
	require.NoError(t, err)
	assert.True(t, set.Trackable)
	require.Len(t, set.TrackedMethods, 1)
	tm := set.TrackedMethods[0]
	assert.Equal(t, "add_to_cart", tm.EventName)
	assert.False(t, tm.IncludeGlobalParams)
	assert.Equal(t, []TrackedParam{{Index: 0, Key: "item_id"}, {Index: 2, Key: "quantity"}}, tm.Params)
}

func TestScanMarkersEventGlobalParamsDefault(t *testing.T) {
	t.Parallel()
	cfg := preparedConfig(t)

	c := mustParse(t, fxTrackableClass(t, "com/app/CartRepository",
		"clearCart", "()V", []fxPair{fxString("name", "clear_cart")}, nil))

	set, err := DefaultMarkerScanner{}.ScanMarkers(c, cfg)
	require.NoError(t, err)
	require.Len(t, set.TrackedMethods, 1)
	assert.True(t, set.TrackedMethods[0].IncludeGlobalParams)
	assert.Empty(t, set.TrackedMethods[0].Params)
}

func TestScanMarkersParamSkew(t *testing.T) {
	t.Parallel()
	cfg := preparedConfig(t)

	// the attribute lists one parameter while the descriptor has two; the
	// listed annotation aligns with the trailing descriptor parameter
	paramAnnos := [][]fxAnno{
		{{desc: descTrackParam, pairs: []fxPair{fxString("name", "amount")}}},
	}
	c := mustParse(t, fxTrackableClass(t, "com/app/PaymentService",
		"charge", "(Ljava/lang/Object;I)V",
		[]fxPair{fxString("name", "charge")}, paramAnnos))

	set, err := DefaultMarkerScanner{}.ScanMarkers(c, cfg)
	require.NoError(t, err)
	require.Len(t, set.TrackedMethods, 1)
	assert.Equal(t, []TrackedParam{{Index: 1, Key: "amount"}}, set.TrackedMethods[0].Params)
}

func TestScanMarkersParamCountExceedsDescriptor(t *testing.T) {
	t.Parallel()
	cfg := preparedConfig(t)

	paramAnnos := [][]fxAnno{{}, {}}
	c := mustParse(t, fxTrackableClass(t, "com/app/PaymentService",
		"refund", "(I)V", []fxPair{fxString("name", "refund")}, paramAnnos))

	_, err := DefaultMarkerScanner{}.ScanMarkers(c, cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds descriptor parameter count")
}

func TestScanMarkersEmptyParamKeySkipped(t *testing.T) {
	t.Parallel()
	cfg := preparedConfig(t)

	paramAnnos := [][]fxAnno{
		{{desc: descTrackParam, pairs: []fxPair{fxString("name", "")}}},
	}
	c := mustParse(t, fxTrackableClass(t, "com/app/CartRepository",
		"removeItem", "(Ljava/lang/String;)V",
		[]fxPair{fxString("name", "remove_item")}, paramAnnos))

	set, err := DefaultMarkerScanner{}.ScanMarkers(c, cfg)
	require.NoError(t, err)
	require.Len(t, set.TrackedMethods, 1)
	assert.Empty(t, set.TrackedMethods[0].Params)
}

func TestScanMarkersDeclarative(t *testing.T) {
	t.Parallel()
	cfg := preparedConfig(t)

	methods := []fxMethod{
		{
			name: "HomeScreen", desc: "()V", flags: accPublic | accStatic,
			code: []byte{opReturn},
			annos: []fxAnno{
				{desc: descComposable},
				{desc: descTrackComposable, pairs: []fxPair{fxString("name", "Home")}},
			},
		},
		{
			name: "Preview", desc: "()V", flags: accPublic | accStatic,
			code:  []byte{opReturn},
			annos: []fxAnno{{desc: descTrackComposable}},
		},
	}
	c := mustParse(t, buildFixtureClass(t, nil, "com/app/HomeScreenKt", "java/lang/Object", nil, methods))

	set, err := DefaultMarkerScanner{}.ScanMarkers(c, cfg)
	require.NoError(t, err)
	require.Len(t, set.Declaratives, 2)
	assert.Equal(t, "Home", set.Declaratives[0].ScreenName)
	assert.True(t, set.Declaratives[0].HasComposable)
	// name falls back to the function name without a composable annotation
	assert.Equal(t, "Preview", set.Declaratives[1].ScreenName)
	assert.False(t, set.Declaratives[1].HasComposable)
}

func TestScanMarkersCustomMarkerPackage(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.MarkerPackage = "com/acme/track"
	require.NoError(t, cfg.Prepare())

	c := mustParse(t, buildFixtureClass(t, nil, "com/app/MainActivity", "android/app/Activity",
		[]fxAnno{{desc: "Lcom/acme/track/TrackScreen;"}}, nil))

	set, err := DefaultMarkerScanner{}.ScanMarkers(c, &cfg)
	require.NoError(t, err)
	assert.NotNil(t, set.Screen)

	// the default marker package no longer matches
	defCfg := preparedConfig(t)
	set, err = DefaultMarkerScanner{}.ScanMarkers(c, defCfg)
	require.NoError(t, err)
	assert.True(t, set.Empty())
}
