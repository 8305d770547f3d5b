package project

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/suyashkumar/dicom/pkg/tag"
)

// ResolveScheme flattens the project's tag operations for one instance's
// manufacturer. Later base files win per (group, element); a matching
// manufacturer override wins over everything.
func (p *ProjectConfig) ResolveScheme(manufacturer string) map[uint32]TagOperation {
	scheme := make(map[uint32]TagOperation, len(p.base))
	for _, op := range p.base {
		scheme[op.Key()] = op
	}
	for i := range p.overrides {
		override := &p.overrides[i]
		if !override.Matches(manufacturer) {
			continue
		}
		for _, op := range override.Tags {
			scheme[op.Key()] = op
		}
	}
	return scheme
}

// SchemeKeys returns the resolved scheme's keys in ascending tag order, for
// deterministic iteration in logs and tests.
func SchemeKeys(scheme map[uint32]TagOperation) []uint32 {
	keys := make([]uint32, 0, len(scheme))
	for k := range scheme {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// validateScheme runs the load-time checks: operation names, VR
// compatibility of replace values, numeric ranges. Per the redesign of the
// dynamic rewriter, nothing is validated per element at anonymisation time.
func validateScheme(ops []TagOperation) error {
	for _, op := range ops {
		if err := op.Validate(); err != nil {
			return err
		}
		if err := validateVRCompatibility(op); err != nil {
			return err
		}
	}
	return nil
}

func validateVRCompatibility(op TagOperation) error {
	info, err := tag.Find(tag.Tag{Group: uint16(op.Group), Element: uint16(op.Element)})
	if err != nil {
		// Not in the dictionary (e.g. private tags): nothing to check.
		return nil
	}

	switch op.Op {
	case OpReplace:
		if isNumericVR(info.VR) {
			if _, err := strconv.ParseFloat(op.Value, 64); err != nil {
				return fmt.Errorf("tag %q: replace value %q is not numeric for VR %s",
					op.Name, op.Value, info.VR)
			}
		}
	case OpReplaceUID:
		if info.VR != "UI" {
			return fmt.Errorf("tag %q: replace_UID requires VR UI, dictionary says %s",
				op.Name, info.VR)
		}
	case OpDateShift, OpDateFloor:
		switch info.VR {
		case "DA", "DT", "TM":
		default:
			return fmt.Errorf("tag %q: %s requires a date/time VR, dictionary says %s",
				op.Name, op.Op, info.VR)
		}
	case OpNumRange:
		if !isNumericVR(info.VR) && info.VR != "AS" {
			return fmt.Errorf("tag %q: num-range requires a numeric VR, dictionary says %s",
				op.Name, info.VR)
		}
	}
	return nil
}

func isNumericVR(vr string) bool {
	switch vr {
	case "DS", "IS", "FL", "FD", "SL", "SS", "UL", "US":
		return true
	}
	return false
}
