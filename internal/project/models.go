package project

import (
	"fmt"
	"regexp"
	"strings"
)

// Op is one of the closed set of tag operations. Anything not listed in the
// resolved scheme is deleted.
type Op string

const (
	OpKeep       Op = "keep"
	OpDelete     Op = "delete"
	OpReplace    Op = "replace"
	OpReplaceUID Op = "replace_UID"
	OpSecureHash Op = "secure-hash"
	OpDateShift  Op = "date-shift"
	OpDateFloor  Op = "date-floor"
	OpNumRange   Op = "num-range"
)

var validOps = map[Op]bool{
	OpKeep: true, OpDelete: true, OpReplace: true, OpReplaceUID: true,
	OpSecureHash: true, OpDateShift: true, OpDateFloor: true, OpNumRange: true,
}

// TagOperation binds an operation to one DICOM element.
type TagOperation struct {
	Name    string   `yaml:"name"`
	Group   int      `yaml:"group"`
	Element int      `yaml:"element"`
	Op      Op       `yaml:"op"`
	Value   string   `yaml:"value,omitempty"`
	Min     *float64 `yaml:"min,omitempty"`
	Max     *float64 `yaml:"max,omitempty"`
}

// Key packs (group, element) into one map key.
func (t TagOperation) Key() uint32 {
	return uint32(t.Group)<<16 | uint32(t.Element)&0xFFFF
}

func (t TagOperation) Validate() error {
	if t.Group < 0 || t.Group > 0xFFFF || t.Element < 0 || t.Element > 0xFFFF {
		return fmt.Errorf("tag %q: group/element out of range", t.Name)
	}
	if !validOps[t.Op] {
		return fmt.Errorf("tag %q: unknown operation %q", t.Name, t.Op)
	}
	if t.Op == OpReplace && t.Value == "" {
		return fmt.Errorf("tag %q: replace requires a value", t.Name)
	}
	if t.Op == OpNumRange && t.Min == nil && t.Max == nil {
		return fmt.Errorf("tag %q: num-range requires min or max", t.Name)
	}
	return nil
}

// ManufacturerOverride is a tag scheme applied when the instance's
// Manufacturer matches the pattern. Overrides win over the base scheme.
type ManufacturerOverride struct {
	Manufacturer string         `yaml:"manufacturer"`
	Tags         []TagOperation `yaml:"tags"`

	pattern *regexp.Regexp
}

func (m *ManufacturerOverride) Matches(manufacturer string) bool {
	return m.pattern != nil && m.pattern.MatchString(manufacturer)
}

// Compile builds the override's case-insensitive matcher.
func (m *ManufacturerOverride) Compile() error {
	pattern, err := regexp.Compile("(?i)" + m.Manufacturer)
	if err != nil {
		return fmt.Errorf("manufacturer regex %q: %w", m.Manufacturer, err)
	}
	m.pattern = pattern
	return nil
}

// ManufacturerRule allowlists a manufacturer pattern, optionally excluding
// specific series numbers within it.
type ManufacturerRule struct {
	Regex                string `yaml:"regex"`
	ExcludeSeriesNumbers []int  `yaml:"exclude_series_numbers,omitempty"`

	pattern *regexp.Regexp
}

// Compile builds the rule's case-insensitive matcher.
func (r *ManufacturerRule) Compile() error {
	pattern, err := regexp.Compile("(?i)" + r.Regex)
	if err != nil {
		return fmt.Errorf("allowed_manufacturers regex %q: %w", r.Regex, err)
	}
	r.pattern = pattern
	return nil
}

type DestinationKind string

const (
	DestinationNone     DestinationKind = "none"
	DestinationFTPS     DestinationKind = "ftps"
	DestinationDICOMWeb DestinationKind = "dicomweb"
	DestinationXNAT     DestinationKind = "xnat"
)

type DestinationSpec struct {
	DICOM   DestinationKind `yaml:"dicom"`
	Parquet DestinationKind `yaml:"parquet"`
}

type XNATDestinationOptions struct {
	Overwrite   string `yaml:"overwrite"`
	Destination string `yaml:"destination"`
}

type projectSection struct {
	Name         string   `yaml:"name"`
	AzureKVAlias string   `yaml:"azure_kv_alias"`
	Modalities   []string `yaml:"modalities"`
}

type tagOperationFiles struct {
	Base                  []string `yaml:"base"`
	ManufacturerOverrides []string `yaml:"manufacturer_overrides"`
}

// configFile mirrors the on-disk YAML layout of one project.
type configFile struct {
	Project               projectSection          `yaml:"project"`
	TagOperationFiles     tagOperationFiles       `yaml:"tag_operation_files"`
	AllowedManufacturers  []ManufacturerRule      `yaml:"allowed_manufacturers"`
	MinInstancesPerSeries int                     `yaml:"min_instances_per_series"`
	SeriesFilters         []string                `yaml:"series_filters"`
	Destination           DestinationSpec         `yaml:"destination"`
	XNATOptions           *XNATDestinationOptions `yaml:"xnat_destination_options"`
}

// ProjectConfig is the immutable, validated view of one project's policy.
type ProjectConfig struct {
	Slug                  string
	AzureKVAlias          string
	Modalities            []string
	SeriesFilters         []string
	AllowedManufacturers  []ManufacturerRule
	MinInstancesPerSeries int
	Destination           DestinationSpec
	XNATOptions           XNATDestinationOptions

	base      []TagOperation
	overrides []ManufacturerOverride
}

// SetTagScheme installs the project's tag operations. Override patterns
// must already be compiled (the registry compiles them at load).
func (p *ProjectConfig) SetTagScheme(base []TagOperation, overrides []ManufacturerOverride) {
	p.base = base
	p.overrides = overrides
}

// KVAlias is the key-vault prefix: the explicit alias if set, else the slug.
func (p *ProjectConfig) KVAlias() string {
	if p.AzureKVAlias != "" {
		return p.AzureKVAlias
	}
	return p.Slug
}

func (p *ProjectConfig) AllowsModality(modality string) bool {
	for _, m := range p.Modalities {
		if strings.EqualFold(m, modality) {
			return true
		}
	}
	return false
}

// IsSeriesExcluded does a case-insensitive substring check against the
// project's series filters. The filter text is typed by humans, so no
// pattern syntax is assumed.
func (p *ProjectConfig) IsSeriesExcluded(seriesDescription string) bool {
	if seriesDescription == "" {
		return false
	}
	upper := strings.ToUpper(seriesDescription)
	for _, filter := range p.SeriesFilters {
		if strings.Contains(upper, strings.ToUpper(filter)) {
			return true
		}
	}
	return false
}

// AllowsManufacturer checks the manufacturer allowlist. An empty allowlist
// allows everything. A matching rule can still exclude specific series
// numbers.
func (p *ProjectConfig) AllowsManufacturer(manufacturer string, seriesNumber int) bool {
	if len(p.AllowedManufacturers) == 0 {
		return true
	}
	for i := range p.AllowedManufacturers {
		rule := &p.AllowedManufacturers[i]
		if rule.pattern == nil || !rule.pattern.MatchString(manufacturer) {
			continue
		}
		for _, excluded := range rule.ExcludeSeriesNumbers {
			if excluded == seriesNumber {
				return false
			}
		}
		return true
	}
	return false
}
