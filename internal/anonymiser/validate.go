package anonymiser

import (
	"fmt"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
)

// Issue is one validator finding, keyed by (Code, Tag) so pre/post runs can
// be diffed.
type Issue struct {
	Code     string
	Severity Severity
	Tag      tag.Tag
	Message  string
}

func (i Issue) key() string {
	return fmt.Sprintf("%s/%04x%04x", i.Code, i.Tag.Group, i.Tag.Element)
}

// requiredUIDs are the type-1 identifiers every composite instance must
// carry.
var requiredUIDs = []tag.Tag{
	tag.SOPClassUID,
	tag.SOPInstanceUID,
	tag.StudyInstanceUID,
	tag.SeriesInstanceUID,
}

// Validate runs the dictionary-based checks over a dataset. It is invoked
// before and after anonymisation; callers diff the two runs and act only on
// issues the rewrite introduced.
func Validate(ds dicom.Dataset) []Issue {
	var issues []Issue

	for _, required := range requiredUIDs {
		elem, err := ds.FindElementByTag(required)
		if err != nil || elem == nil || stringValueOf(elem) == "" {
			issues = append(issues, Issue{
				Code:     "missing-required-uid",
				Severity: SeverityError,
				Tag:      required,
				Message:  fmt.Sprintf("required element (%04x,%04x) absent or empty", required.Group, required.Element),
			})
		}
	}

	for _, elem := range ds.Elements {
		issues = append(issues, validateElement(elem)...)
	}

	return issues
}

func validateElement(elem *dicom.Element) []Issue {
	var issues []Issue
	t := elem.Tag

	info, err := tag.Find(t)
	if err != nil {
		if t.Group%2 == 0 {
			issues = append(issues, Issue{
				Code:     "unknown-public-tag",
				Severity: SeverityWarning,
				Tag:      t,
				Message:  fmt.Sprintf("public element (%04x,%04x) not in the dictionary", t.Group, t.Element),
			})
		}
		return issues
	}

	vr := elem.RawValueRepresentation
	if info.VR != "" && vr != "" && info.VR != vr && info.VR != "UN" && vr != "UN" {
		issues = append(issues, Issue{
			Code:     "vr-mismatch",
			Severity: SeverityWarning,
			Tag:      t,
			Message:  fmt.Sprintf("element (%04x,%04x) has VR %s, dictionary says %s", t.Group, t.Element, vr, info.VR),
		})
	}

	value := stringValueOf(elem)
	if value == "" {
		return issues
	}

	if fixed := fixedVRLength(vr); fixed > 0 && len(value) != fixed {
		issues = append(issues, Issue{
			Code:     "bad-fixed-length",
			Severity: SeverityError,
			Tag:      t,
			Message:  fmt.Sprintf("element (%04x,%04x) value %q is not %d characters for VR %s", t.Group, t.Element, value, fixed, vr),
		})
	} else if max := maxVRLength(vr); len(value) > max {
		issues = append(issues, Issue{
			Code:     "value-too-long",
			Severity: SeverityError,
			Tag:      t,
			Message:  fmt.Sprintf("element (%04x,%04x) value exceeds VR %s maximum of %d", t.Group, t.Element, vr, max),
		})
	}

	if vr == "UI" && strings.ContainsAny(value, " \\^=") {
		issues = append(issues, Issue{
			Code:     "malformed-uid",
			Severity: SeverityError,
			Tag:      t,
			Message:  fmt.Sprintf("element (%04x,%04x) UID %q contains invalid characters", t.Group, t.Element, value),
		})
	}

	return issues
}

// fixedVRLength returns the exact length VRs that admit no other size.
func fixedVRLength(vr string) int {
	switch vr {
	case "AS":
		return 4
	case "DA":
		return 8
	}
	return 0
}

// NewIssues returns the issues present after the rewrite but not before.
func NewIssues(before, after []Issue) []Issue {
	seen := make(map[string]bool, len(before))
	for _, issue := range before {
		seen[issue.key()] = true
	}
	var introduced []Issue
	for _, issue := range after {
		if !seen[issue.key()] {
			introduced = append(introduced, issue)
		}
	}
	return introduced
}

func hasErrors(issues []Issue) bool {
	return countErrors(issues) > 0
}

func countErrors(issues []Issue) int {
	n := 0
	for _, issue := range issues {
		if issue.Severity >= SeverityError {
			n++
		}
	}
	return n
}
