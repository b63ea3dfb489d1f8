package weaver

import (
	"bytes"
	"fmt"
)

// Lifecycle anchor functions for each screen kind.
const (
	screenAnchorName    = "onCreate"
	screenAnchorDesc    = "(Landroid/os/Bundle;)V"
	subScreenAnchorName = "onViewCreated"
	subScreenAnchorDesc = "(Landroid/view/View;Landroid/os/Bundle;)V"
)

const accPublic = 0x0001

// InjectionPlan names one method to rewrite and where the tracking call goes.
type InjectionPlan struct {
	MethodIndex int
	// Anchor is the code offset immediately before which nothing may be
	// observed and at which the tracking sequence is spliced in.
	Anchor int
	// Synthesized marks a lifecycle override created by the locator.
	Synthesized bool
	// Event is set for tracked container methods.
	Event *TrackedMethod
	// ScreenName is set for declarative screen plans.
	ScreenName string
	Note       string
}

// DefaultAnchorLocator finds (or synthesizes) the injection point for each
// unit kind.
type DefaultAnchorLocator struct{}

// LocatePlans resolves injection plans for an eligible unit. A missing
// anchor yields a WeaveError with OutcomeSkippedNoAnchor; marker misuse that
// cannot anchor (such as an abstract tracked method) yields OutcomeFailed.
func (DefaultAnchorLocator) LocatePlans(unit ClassifiedUnit, cfg *Config) ([]InjectionPlan, error) {
	switch unit.Kind {
	case KindLifecycleScreen:
		plan, err := locateLifecycleAnchor(unit.Class, screenAnchorName, screenAnchorDesc)
		if err != nil {
			return nil, err
		}
		return []InjectionPlan{plan}, nil
	case KindLifecycleSubScreen:
		plan, err := locateLifecycleAnchor(unit.Class, subScreenAnchorName, subScreenAnchorDesc)
		if err != nil {
			return nil, err
		}
		return []InjectionPlan{plan}, nil
	case KindDeclarativeScreen:
		var plans []InjectionPlan
		for _, d := range composableDeclaratives(unit.Markers) {
			if err := requireCode(unit.Class, d.MethodIndex); err != nil {
				return nil, err
			}
			plans = append(plans, InjectionPlan{
				MethodIndex: d.MethodIndex,
				ScreenName:  d.ScreenName,
			})
		}
		return plans, nil
	case KindTrackableContainer:
		plans := make([]InjectionPlan, 0, len(unit.Markers.TrackedMethods))
		for i := range unit.Markers.TrackedMethods {
			tm := &unit.Markers.TrackedMethods[i]
			if err := requireCode(unit.Class, tm.MethodIndex); err != nil {
				return nil, err
			}
			plans = append(plans, InjectionPlan{
				MethodIndex: tm.MethodIndex,
				Event:       tm,
			})
		}
		return plans, nil
	default:
		return nil, &WeaveError{Outcome: OutcomeSkippedFiltered, Reason: "not eligible for tracking"}
	}
}

func requireCode(c *ClassFile, mi int) error {
	m := &c.Methods[mi]
	if m.Attr(attrCode) == nil {
		return &WeaveError{
			Outcome: OutcomeFailed,
			Reason:  fmt.Sprintf("tracked function %s%s has no code body", m.Name, m.Descriptor),
		}
	}
	return nil
}

// locateLifecycleAnchor finds the lifecycle override and the offset just
// after its superclass call, synthesizing a minimal override when the class
// does not declare one.
func locateLifecycleAnchor(c *ClassFile, name, desc string) (InjectionPlan, error) {
	methodIndex := -1
	note := ""
	for i := range c.Methods {
		if c.Methods[i].Name != name || c.Methods[i].Descriptor != desc {
			continue
		}
		if methodIndex >= 0 {
			// Duplicate declarations should not survive compilation, but if
			// present the first declared wins.
			note = fmt.Sprintf("multiple %s%s declarations; using first declared", name, desc)
			continue
		}
		methodIndex = i
	}
	if methodIndex < 0 {
		mi, anchor, err := synthesizeOverride(c, name, desc)
		if err != nil {
			return InjectionPlan{}, &WeaveError{Outcome: OutcomeFailed, Reason: err.Error()}
		}
		return InjectionPlan{MethodIndex: mi, Anchor: anchor, Synthesized: true}, nil
	}
	if err := requireCode(c, methodIndex); err != nil {
		return InjectionPlan{}, err
	}
	code, err := parseCode(c.Methods[methodIndex].Attr(attrCode), c.Pool)
	if err != nil {
		return InjectionPlan{}, &WeaveError{
			Outcome: OutcomeFailed,
			Reason:  fmt.Sprintf("decode %s%s code: %v", name, desc, err),
		}
	}
	anchor, found, err := findSuperCall(code.Code, c.Pool, c.SuperName(), name, desc)
	if err != nil {
		return InjectionPlan{}, &WeaveError{
			Outcome: OutcomeFailed,
			Reason:  fmt.Sprintf("scan %s%s code: %v", name, desc, err),
		}
	} else if !found {
		return InjectionPlan{}, &WeaveError{
			Outcome: OutcomeSkippedNoAnchor,
			Reason:  fmt.Sprintf("%s%s never calls through to the superclass", name, desc),
		}
	}
	return InjectionPlan{MethodIndex: methodIndex, Anchor: anchor, Note: note}, nil
}

// findSuperCall returns the offset immediately after the first invokespecial
// targeting the named superclass method.
func findSuperCall(code []byte, pool *ConstPool, superName, name, desc string) (int, bool, error) {
	anchor := -1
	err := forEachInstruction(code, func(off int, op byte, length int) error {
		if anchor >= 0 || op != opInvokespecial {
			return nil
		}
		refIndex := uint16(code[off+1])<<8 | uint16(code[off+2])
		owner, refName, refDesc, ok := pool.MethodRef(refIndex)
		if ok && owner == superName && refName == name && refDesc == desc {
			anchor = off + length
		}
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	return anchor, anchor >= 0, nil
}

// synthesizeOverride appends a minimal lifecycle override that forwards its
// arguments to the superclass, returning the new method index and the offset
// after the super call.
func synthesizeOverride(c *ClassFile, name, desc string) (int, int, error) {
	superName := c.SuperName()
	if superName == "" {
		return 0, 0, fmt.Errorf("cannot synthesize %s%s without a superclass", name, desc)
	}
	params, err := parseMethodDescriptor(desc)
	if err != nil {
		return 0, 0, err
	}
	superRef, err := c.Pool.AddMethodref(superName, name, desc)
	if err != nil {
		return 0, 0, err
	}
	nameIdx, err := c.Pool.AddUtf8(name)
	if err != nil {
		return 0, 0, err
	}
	descIdx, err := c.Pool.AddUtf8(desc)
	if err != nil {
		return 0, 0, err
	}
	codeNameIdx, err := c.Pool.AddUtf8(attrCode)
	if err != nil {
		return 0, 0, err
	}

	var body bytes.Buffer
	body.WriteByte(opAload0)
	slot := 1
	for _, p := range params {
		body.WriteByte(loadOpcode(p))
		body.WriteByte(byte(slot))
		slot += typeSlots(p)
	}
	body.WriteByte(opInvokespecial)
	writeU2(&body, superRef)
	anchor := body.Len()
	body.WriteByte(opReturn)

	code := &Code{
		MaxStack:  uint16(1 + slotCount(params)),
		MaxLocals: uint16(slot),
		Code:      body.Bytes(),
	}
	c.Methods = append(c.Methods, Member{
		AccessFlags: accPublic,
		NameIndex:   nameIdx,
		DescIndex:   descIdx,
		Name:        name,
		Descriptor:  desc,
		Attributes: []Attribute{{
			NameIndex: codeNameIdx,
			Name:      attrCode,
			Data:      code.encode(),
		}},
	})
	return len(c.Methods) - 1, anchor, nil
}

// loadOpcode returns the single-slot load opcode for a type descriptor,
// taking the wide two-byte form with an explicit slot operand.
func loadOpcode(desc string) byte {
	switch desc[0] {
	case 'J':
		return opLload
	case 'D':
		return opDload
	case 'F':
		return opFload
	case 'B', 'C', 'I', 'S', 'Z':
		return opIload
	default:
		return opAload
	}
}

func slotCount(params []string) int {
	n := 0
	for _, p := range params {
		n += typeSlots(p)
	}
	return n
}
