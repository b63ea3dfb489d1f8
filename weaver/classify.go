package weaver

import (
	"fmt"
)

// Kind is the tracking category assigned to a unit.
type Kind int

const (
	KindIneligible Kind = iota
	KindLifecycleScreen
	KindLifecycleSubScreen
	KindDeclarativeScreen
	KindTrackableContainer
)

var kindNames = map[Kind]string{
	KindIneligible:         "Ineligible",
	KindLifecycleScreen:    "LifecycleScreen",
	KindLifecycleSubScreen: "LifecycleSubScreen",
	KindDeclarativeScreen:  "DeclarativeScreen",
	KindTrackableContainer: "TrackableContainer",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// ClassifiedUnit pairs a parsed class with its markers and assigned kind.
type ClassifiedUnit struct {
	Class   *ClassFile
	Markers *MarkerSet
	Kind    Kind
	// Note carries a classification diagnostic, such as an ambiguity or a
	// marker misuse explanation.
	Note string
}

// DefaultUnitClassifier assigns kinds from marker placement and superclass
// recognition.
type DefaultUnitClassifier struct{}

// ClassifyUnit decides the tracking kind for one marked class, first match
// wins: container marker, then screen marker against the recognized base
// classes, then declarative markers on functions that also carry the
// composable annotation.
func (DefaultUnitClassifier) ClassifyUnit(c *ClassFile, markers *MarkerSet, cfg *Config) (ClassifiedUnit, error) {
	unit := ClassifiedUnit{Class: c, Markers: markers, Kind: KindIneligible}
	if cfg.ValidateAnnotations {
		if err := validateMarkerPlacement(c, markers); err != nil {
			return unit, err
		}
	}
	if markers.Trackable {
		unit.Kind = KindTrackableContainer
		if markers.Screen != nil {
			unit.Note = "both container and screen markers present; container takes priority"
		}
		return unit, nil
	}
	if markers.Screen != nil {
		superName := c.SuperName()
		if _, screen := cfg.screenBaseSet[superName]; screen {
			unit.Kind = KindLifecycleScreen
		} else if _, subScreen := cfg.subScreenBaseSet[superName]; subScreen {
			unit.Kind = KindLifecycleSubScreen
		} else {
			unit.Note = fmt.Sprintf("screen marker on unrecognized base class %s", superName)
		}
		return unit, nil
	}
	declaratives := composableDeclaratives(markers)
	if len(declaratives) > 0 {
		if len(markers.Declaratives) > len(declaratives) {
			unit.Note = "declarative marker without composable annotation ignored"
		}
		unit.Kind = KindDeclarativeScreen
		return unit, nil
	}
	if len(markers.Declaratives) > 0 {
		unit.Note = "declarative marker without composable annotation"
		return unit, nil
	}
	if len(markers.TrackedMethods) > 0 {
		unit.Note = "event markers outside a trackable container"
	}
	return unit, nil
}

// composableDeclaratives filters declarative markers down to those whose
// function also carries the composable annotation.
func composableDeclaratives(markers *MarkerSet) []DeclarativeMarker {
	var out []DeclarativeMarker
	for _, d := range markers.Declaratives {
		if d.HasComposable {
			out = append(out, d)
		}
	}
	return out
}

func validateMarkerPlacement(c *ClassFile, markers *MarkerSet) error {
	if len(markers.TrackedMethods) > 0 && !markers.Trackable {
		m := c.Methods[markers.TrackedMethods[0].MethodIndex]
		return fmt.Errorf("event marker on %s%s outside a trackable container",
			m.Name, m.Descriptor)
	}
	for _, d := range markers.Declaratives {
		if !d.HasComposable {
			m := c.Methods[d.MethodIndex]
			return fmt.Errorf("declarative marker on %s%s without composable annotation",
				m.Name, m.Descriptor)
		}
	}
	return nil
}
