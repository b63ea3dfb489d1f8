package weaver

import (
	"fmt"
)

// Marker annotation descriptors recognized by the scanner. The tracking
// annotations live in the runtime companion library; the composable marker is
// matched to recognize declarative screen functions.
const (
	descTrackScreen     = "Lcom/trackweaver/annotations/TrackScreen;"
	descTrackComposable = "Lcom/trackweaver/annotations/TrackComposable;"
	descTrackable       = "Lcom/trackweaver/annotations/Trackable;"
	descTrackEvent      = "Lcom/trackweaver/annotations/TrackEvent;"
	descTrackParam      = "Lcom/trackweaver/annotations/TrackParam;"
	descComposable      = "Landroidx/compose/runtime/Composable;"
)

// attrInstrumented marks classes already rewritten by a previous run so that
// re-running over produced output never injects twice.
const attrInstrumented = "TrackWeaver.Instrumented"

// ScreenMarker is the class-level screen tracking request.
type ScreenMarker struct {
	ScreenName          string
	ScreenClassOverride string
	ExtraParamKeys      []string
}

// DeclarativeMarker is a method-level declarative screen tracking request.
type DeclarativeMarker struct {
	MethodIndex   int
	ScreenName    string
	HasComposable bool
}

// TrackedParam selects one function parameter for event capture.
type TrackedParam struct {
	Index int // parameter position in the descriptor, zero based
	Key   string
}

// TrackedMethod is a method-level event tracking request.
type TrackedMethod struct {
	MethodIndex         int
	EventName           string
	IncludeGlobalParams bool
	Params              []TrackedParam
}

// MarkerSet holds every tracking marker found in one class.
type MarkerSet struct {
	Screen              *ScreenMarker
	Trackable           bool
	Declaratives        []DeclarativeMarker
	TrackedMethods      []TrackedMethod
	AlreadyInstrumented bool
}

// Empty reports whether the class carries no tracking markers at all.
func (m *MarkerSet) Empty() bool {
	return m.Screen == nil && !m.Trackable &&
		len(m.Declaratives) == 0 && len(m.TrackedMethods) == 0
}

// annotation is a decoded runtime-visible annotation.
type annotation struct {
	desc  string
	pairs map[string]elementValue
}

// elementValue is a decoded annotation element value. Only the fields the
// marker table needs are resolved; nested annotations and enum/class values
// keep their tag for error reporting.
type elementValue struct {
	tag  byte
	str  string
	num  int64
	arr  []elementValue
	anno *annotation
}

func parseAnnotations(data []byte, pool *ConstPool) ([]annotation, error) {
	r := &byteReader{data: data}
	annos, err := parseAnnotationList(r, pool)
	if err != nil {
		return nil, err
	} else if r.remaining() != 0 {
		return nil, fmt.Errorf("%d trailing bytes in annotation attribute", r.remaining())
	}
	return annos, nil
}

// parseParamAnnotations decodes a RuntimeVisibleParameterAnnotations payload
// into per-parameter annotation lists.
func parseParamAnnotations(data []byte, pool *ConstPool) ([][]annotation, error) {
	r := &byteReader{data: data}
	count := int(r.u1())
	if r.err != nil {
		return nil, r.err
	}
	perParam := make([][]annotation, count)
	for i := range perParam {
		var err error
		if perParam[i], err = parseAnnotationList(r, pool); err != nil {
			return nil, fmt.Errorf("parameter %d: %w", i, err)
		}
	}
	if r.remaining() != 0 {
		return nil, fmt.Errorf("%d trailing bytes in parameter annotation attribute", r.remaining())
	}
	return perParam, nil
}

func parseAnnotationList(r *byteReader, pool *ConstPool) ([]annotation, error) {
	count := int(r.u2())
	if r.err != nil {
		return nil, r.err
	}
	annos := make([]annotation, count)
	for i := range annos {
		a, err := parseAnnotation(r, pool)
		if err != nil {
			return nil, err
		}
		annos[i] = *a
	}
	return annos, nil
}

func parseAnnotation(r *byteReader, pool *ConstPool) (*annotation, error) {
	descIdx := r.u2()
	pairCount := int(r.u2())
	if r.err != nil {
		return nil, r.err
	}
	desc, ok := pool.Utf8(descIdx)
	if !ok {
		return nil, fmt.Errorf("annotation type index %d is not utf8", descIdx)
	}
	a := &annotation{desc: desc, pairs: make(map[string]elementValue, pairCount)}
	for i := 0; i < pairCount; i++ {
		nameIdx := r.u2()
		name, ok := pool.Utf8(nameIdx)
		if !ok {
			return nil, fmt.Errorf("annotation %s element %d has invalid name index", desc, i)
		}
		v, err := parseElementValue(r, pool)
		if err != nil {
			return nil, fmt.Errorf("annotation %s element %q: %w", desc, name, err)
		}
		a.pairs[name] = v
	}
	return a, nil
}

func parseElementValue(r *byteReader, pool *ConstPool) (elementValue, error) {
	tag := r.u1()
	if r.err != nil {
		return elementValue{}, r.err
	}
	v := elementValue{tag: tag}
	switch tag {
	case 's':
		idx := r.u2()
		s, ok := pool.Utf8(idx)
		if !ok {
			return v, fmt.Errorf("string element index %d is not utf8", idx)
		}
		v.str = s
	case 'B', 'C', 'I', 'S', 'Z':
		idx := r.u2()
		n, ok := pool.Int(idx)
		if !ok {
			return v, fmt.Errorf("constant element index %d is not an integer", idx)
		}
		v.num = int64(n)
	case 'D', 'F', 'J':
		r.u2() // value unused by any marker field
	case 'e':
		r.u2()
		r.u2()
	case 'c':
		r.u2()
	case '@':
		nested, err := parseAnnotation(r, pool)
		if err != nil {
			return v, err
		}
		v.anno = nested
	case '[':
		count := int(r.u2())
		if r.err != nil {
			return v, r.err
		}
		v.arr = make([]elementValue, count)
		for i := range v.arr {
			var err error
			if v.arr[i], err = parseElementValue(r, pool); err != nil {
				return v, err
			}
		}
	default:
		return v, fmt.Errorf("unknown element value tag %q", tag)
	}
	return v, r.err
}

func (a *annotation) stringField(name string) (string, bool) {
	v, ok := a.pairs[name]
	if !ok || v.tag != 's' {
		return "", false
	}
	return v.str, true
}

func (a *annotation) boolField(name string, def bool) bool {
	v, ok := a.pairs[name]
	if !ok || v.tag != 'Z' {
		return def
	}
	return v.num != 0
}

func (a *annotation) stringArrayField(name string) []string {
	v, ok := a.pairs[name]
	if !ok || v.tag != '[' {
		return nil
	}
	out := make([]string, 0, len(v.arr))
	for _, e := range v.arr {
		if e.tag == 's' {
			out = append(out, e.str)
		}
	}
	return out
}

// DefaultMarkerScanner extracts tracking markers from class and method
// annotation attributes.
type DefaultMarkerScanner struct{}

// ScanMarkers reads all tracking markers in the class. Malformed marker
// metadata fails the whole unit.
func (DefaultMarkerScanner) ScanMarkers(c *ClassFile, cfg *Config) (*MarkerSet, error) {
	set := &MarkerSet{}
	if c.Attr(attrInstrumented) != nil {
		set.AlreadyInstrumented = true
		return set, nil
	}
	if classAttr := c.Attr(attrRuntimeAnnos); classAttr != nil {
		annos, err := parseAnnotations(classAttr.Data, c.Pool)
		if err != nil {
			return nil, fmt.Errorf("class annotations: %w", err)
		}
		for i := range annos {
			switch annos[i].desc {
			case cfg.screenMarkerDesc():
				name, _ := annos[i].stringField("name")
				if name == "" {
					name = c.SimpleName()
				}
				override, _ := annos[i].stringField("screenClass")
				set.Screen = &ScreenMarker{
					ScreenName:          name,
					ScreenClassOverride: override,
					ExtraParamKeys:      annos[i].stringArrayField("extraParams"),
				}
			case cfg.trackableMarkerDesc():
				set.Trackable = true
			}
		}
	}
	for mi := range c.Methods {
		if err := scanMethodMarkers(c, mi, cfg, set); err != nil {
			return nil, fmt.Errorf("method %s%s: %w", c.Methods[mi].Name, c.Methods[mi].Descriptor, err)
		}
	}
	return set, nil
}

func scanMethodMarkers(c *ClassFile, mi int, cfg *Config, set *MarkerSet) error {
	method := &c.Methods[mi]
	methodAttr := method.Attr(attrRuntimeAnnos)
	if methodAttr == nil {
		return nil
	}
	annos, err := parseAnnotations(methodAttr.Data, c.Pool)
	if err != nil {
		return err
	}
	hasComposable := false
	for i := range annos {
		if annos[i].desc == descComposable {
			hasComposable = true
		}
	}
	for i := range annos {
		switch annos[i].desc {
		case cfg.declarativeMarkerDesc():
			name, _ := annos[i].stringField("name")
			if name == "" {
				name = method.Name
			}
			set.Declaratives = append(set.Declaratives, DeclarativeMarker{
				MethodIndex:   mi,
				ScreenName:    name,
				HasComposable: hasComposable,
			})
		case cfg.eventMarkerDesc():
			name, ok := annos[i].stringField("name")
			if !ok || name == "" {
				return fmt.Errorf("event marker missing required name")
			}
			tracked := TrackedMethod{
				MethodIndex:         mi,
				EventName:           name,
				IncludeGlobalParams: annos[i].boolField("includeGlobalParams", true),
			}
			if tracked.Params, err = scanParamMarkers(c, method, cfg); err != nil {
				return err
			}
			set.TrackedMethods = append(set.TrackedMethods, tracked)
		}
	}
	return nil
}

// scanParamMarkers collects parameter capture keys in declaration order.
// Parameters without a marker, or with an empty key, are silently excluded.
func scanParamMarkers(c *ClassFile, method *Member, cfg *Config) ([]TrackedParam, error) {
	paramAttr := method.Attr(attrRuntimeParamAnnos)
	if paramAttr == nil {
		return nil, nil
	}
	perParam, err := parseParamAnnotations(paramAttr.Data, c.Pool)
	if err != nil {
		return nil, err
	}
	descParams, err := parseMethodDescriptor(method.Descriptor)
	if err != nil {
		return nil, err
	}
	// The attribute may omit synthetic leading parameters; align the listed
	// annotations with the trailing descriptor parameters.
	skew := len(descParams) - len(perParam)
	if skew < 0 {
		return nil, fmt.Errorf("parameter annotation count %d exceeds descriptor parameter count %d",
			len(perParam), len(descParams))
	}
	var params []TrackedParam
	for pi, annos := range perParam {
		for i := range annos {
			if annos[i].desc != cfg.paramMarkerDesc() {
				continue
			}
			key, _ := annos[i].stringField("name")
			if key == "" {
				continue
			}
			params = append(params, TrackedParam{Index: pi + skew, Key: key})
		}
	}
	return params, nil
}
