package anonymiser

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/suyashkumar/dicom"

	"pixl/internal/project"
)

// elementAction is the outcome of resolving and applying one tag operation.
type elementAction int

const (
	actionDrop elementAction = iota
	actionKeep
	actionRewrite
)

// applyOperation evaluates op against the element's current value and
// returns the action plus the replacement value for actionRewrite.
func (a *StudyAnonymiser) applyOperation(op project.TagOperation, vr, value string) (elementAction, string, error) {
	switch op.Op {
	case project.OpKeep:
		return actionKeep, "", nil
	case project.OpDelete:
		return actionDrop, "", nil
	case project.OpReplace:
		return actionRewrite, op.Value, nil
	case project.OpReplaceUID:
		if value == "" {
			return actionKeep, "", nil
		}
		return actionRewrite, a.uids.Map(value), nil
	case project.OpSecureHash:
		if value == "" {
			return actionKeep, "", nil
		}
		// The Patient ID hash is the pseudonymised identifier recorded in
		// the export ledger, so both must agree byte for byte.
		if op.Group == 0x0010 && op.Element == 0x0020 {
			return actionRewrite, PseudoPatientID(a.salt, value), nil
		}
		return actionRewrite, secureHashValue(a.salt, op.Name, value, vr), nil
	case project.OpDateShift:
		shifted, err := shiftDate(value, vr, a.offsetDays)
		if err != nil {
			return actionDrop, "", err
		}
		return actionRewrite, shifted, nil
	case project.OpDateFloor:
		floored, err := floorDatetime(value, vr)
		if err != nil {
			return actionDrop, "", err
		}
		return actionRewrite, floored, nil
	case project.OpNumRange:
		clamped, err := clampNumeric(op, vr, value)
		if err != nil {
			return actionDrop, "", err
		}
		return actionRewrite, clamped, nil
	default:
		return actionDrop, "", fmt.Errorf("unhandled operation %q", op.Op)
	}
}

// clampNumeric clips a numeric value to [min, max]. Age strings (VR AS,
// e.g. "045Y") clamp on their numeric part and only for year-denominated
// ages; other units collapse to the minimum.
func clampNumeric(op project.TagOperation, vr, value string) (string, error) {
	value = strings.TrimSpace(strings.TrimRight(value, "\x00"))
	if value == "" {
		return "", nil
	}

	if vr == "AS" {
		return clampAge(op, value)
	}

	n, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return "", fmt.Errorf("num-range on non-numeric value %q", value)
	}
	if op.Min != nil && n < *op.Min {
		n = *op.Min
	}
	if op.Max != nil && n > *op.Max {
		n = *op.Max
	}
	if vr == "IS" || n == float64(int64(n)) {
		return strconv.FormatInt(int64(n), 10), nil
	}
	return strconv.FormatFloat(n, 'f', -1, 64), nil
}

func clampAge(op project.TagOperation, value string) (string, error) {
	if len(value) != 4 {
		return "", fmt.Errorf("malformed AS value %q", value)
	}
	unit := value[3]
	if unit != 'Y' {
		// Sub-year ages reveal more than they inform; collapse to the
		// lower bound.
		if op.Min != nil {
			return fmt.Sprintf("%03dY", int(*op.Min)), nil
		}
		return "", nil
	}
	years, err := strconv.Atoi(value[:3])
	if err != nil {
		return "", fmt.Errorf("malformed AS value %q", value)
	}
	if op.Min != nil && years < int(*op.Min) {
		years = int(*op.Min)
	}
	if op.Max != nil && years > int(*op.Max) {
		years = int(*op.Max)
	}
	return fmt.Sprintf("%03dY", years), nil
}

// stringValueOf extracts the first string rendering of an element value.
func stringValueOf(elem *dicom.Element) string {
	if elem.Value == nil {
		return ""
	}
	switch v := elem.Value.GetValue().(type) {
	case []string:
		if len(v) > 0 {
			return strings.TrimRight(v[0], " \x00")
		}
	case string:
		return strings.TrimRight(v, " \x00")
	case []int:
		if len(v) > 0 {
			return strconv.Itoa(v[0])
		}
	}
	return ""
}

// rewriteElement returns a copy of elem carrying value, preserving the VR.
func rewriteElement(elem *dicom.Element, value string) (*dicom.Element, error) {
	newValue, err := dicom.NewValue([]string{value})
	if err != nil {
		return nil, fmt.Errorf("could not build value for (%04x,%04x): %w",
			elem.Tag.Group, elem.Tag.Element, err)
	}
	return &dicom.Element{
		Tag:                    elem.Tag,
		ValueRepresentation:    elem.ValueRepresentation,
		RawValueRepresentation: elem.RawValueRepresentation,
		ValueLength:            uint32(len(value)),
		Value:                  newValue,
	}, nil
}
