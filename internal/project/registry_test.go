package project

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pixl/internal/logger"
	pixlerrors "pixl/pkg/errors"
)

const baseTagFile = `
- name: patient id
  group: 0x0010
  element: 0x0020
  op: secure-hash
- name: study instance uid
  group: 0x0020
  element: 0x000d
  op: replace_UID
- name: study date
  group: 0x0008
  element: 0x0020
  op: date-shift
- name: modality
  group: 0x0008
  element: 0x0060
  op: keep
- name: patient age
  group: 0x0010
  element: 0x1010
  op: num-range
  min: 18
  max: 89
`

const overrideTagFile = `
- manufacturer: siemens
  tags:
    - name: study date
      group: 0x0008
      element: 0x0020
      op: keep
`

const projectFile = `
project:
  name: test-project
  azure_kv_alias: test-alias
  modalities: [CT, MR]
tag_operation_files:
  base:
    - base.yaml
  manufacturer_overrides:
    - overrides.yaml
allowed_manufacturers:
  - regex: "siemens|philips"
    exclude_series_numbers: [99]
min_instances_per_series: 2
series_filters:
  - localizer
  - scout
destination:
  dicom: ftps
  parquet: none
xnat_destination_options:
  overwrite: append
  destination: prearchive
`

func writeConfigDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	tagDir := filepath.Join(dir, "tag-operations")
	overrideDir := filepath.Join(tagDir, "manufacturer-overrides")
	require.NoError(t, os.MkdirAll(overrideDir, 0o755))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "test-project.yaml"), []byte(projectFile), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(tagDir, "base.yaml"), []byte(baseTagFile), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(overrideDir, "overrides.yaml"), []byte(overrideTagFile), 0o644))
	return dir
}

func TestRegistry_LoadAndGet(t *testing.T) {
	registry, err := NewRegistry(writeConfigDir(t), logger.NopLogger())
	require.NoError(t, err)

	cfg, err := registry.Get("test-project")
	require.NoError(t, err)

	assert.Equal(t, "test-alias", cfg.KVAlias())
	assert.Equal(t, []string{"CT", "MR"}, cfg.Modalities)
	assert.Equal(t, 2, cfg.MinInstancesPerSeries)
	assert.Equal(t, DestinationFTPS, cfg.Destination.DICOM)
	assert.Equal(t, "append", cfg.XNATOptions.Overwrite)
	assert.Equal(t, "prearchive", cfg.XNATOptions.Destination)
}

func TestRegistry_UnknownProject(t *testing.T) {
	registry, err := NewRegistry(writeConfigDir(t), logger.NopLogger())
	require.NoError(t, err)

	_, err = registry.Get("nope")
	require.Error(t, err)
	assert.Equal(t, pixlerrors.KindUnknownProject, pixlerrors.KindOf(err))
}

func TestRegistry_MissingTagFileFailsLoad(t *testing.T) {
	dir := writeConfigDir(t)
	require.NoError(t, os.Remove(filepath.Join(dir, "tag-operations", "base.yaml")))

	_, err := NewRegistry(dir, logger.NopLogger())
	require.Error(t, err)
	assert.Equal(t, pixlerrors.KindConfigInvalid, pixlerrors.KindOf(err))
}

func TestRegistry_InvalidOpFailsLoad(t *testing.T) {
	dir := writeConfigDir(t)
	bad := "- name: x\n  group: 0x0010\n  element: 0x0010\n  op: scramble\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tag-operations", "base.yaml"), []byte(bad), 0o644))

	_, err := NewRegistry(dir, logger.NopLogger())
	assert.Error(t, err)
}

func TestProjectConfig_SeriesFilters(t *testing.T) {
	registry, err := NewRegistry(writeConfigDir(t), logger.NopLogger())
	require.NoError(t, err)
	cfg, err := registry.Get("test-project")
	require.NoError(t, err)

	tests := []struct {
		description string
		excluded    bool
	}{
		{"3-plane LOCALIZER", true},
		{"Localizer sag", true},
		{"scout view", true},
		{"T1 AXIAL", false},
		{"", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.excluded, cfg.IsSeriesExcluded(tt.description), tt.description)
	}
}

func TestProjectConfig_Modalities(t *testing.T) {
	registry, err := NewRegistry(writeConfigDir(t), logger.NopLogger())
	require.NoError(t, err)
	cfg, err := registry.Get("test-project")
	require.NoError(t, err)

	assert.True(t, cfg.AllowsModality("CT"))
	assert.True(t, cfg.AllowsModality("mr"))
	assert.False(t, cfg.AllowsModality("US"))
}

func TestProjectConfig_AllowedManufacturers(t *testing.T) {
	registry, err := NewRegistry(writeConfigDir(t), logger.NopLogger())
	require.NoError(t, err)
	cfg, err := registry.Get("test-project")
	require.NoError(t, err)

	assert.True(t, cfg.AllowsManufacturer("SIEMENS Healthineers", 1))
	assert.True(t, cfg.AllowsManufacturer("Philips Medical", 2))
	assert.False(t, cfg.AllowsManufacturer("SIEMENS Healthineers", 99), "excluded series number")
	assert.False(t, cfg.AllowsManufacturer("GE Healthcare", 1))
}

func TestResolveScheme_ManufacturerOverrideWins(t *testing.T) {
	registry, err := NewRegistry(writeConfigDir(t), logger.NopLogger())
	require.NoError(t, err)
	cfg, err := registry.Get("test-project")
	require.NoError(t, err)

	base := cfg.ResolveScheme("GE Healthcare")
	studyDate := base[uint32(0x0008)<<16|0x0020]
	assert.Equal(t, OpDateShift, studyDate.Op)

	overridden := cfg.ResolveScheme("SIEMENS Healthineers")
	studyDate = overridden[uint32(0x0008)<<16|0x0020]
	assert.Equal(t, OpKeep, studyDate.Op)

	// Override must not leak into unrelated elements.
	assert.Equal(t, OpSecureHash, overridden[uint32(0x0010)<<16|0x0020].Op)
}

func TestValidateVRCompatibility(t *testing.T) {
	minAge := 18.0
	tests := []struct {
		name      string
		op        TagOperation
		wantError bool
	}{
		{
			name: "replace_UID on non-UI tag",
			op:   TagOperation{Name: "bad", Group: 0x0010, Element: 0x0010, Op: OpReplaceUID},
			// PatientName is PN, not UI.
			wantError: true,
		},
		{
			name: "date-shift on non-date tag",
			op:   TagOperation{Name: "bad", Group: 0x0010, Element: 0x0010, Op: OpDateShift},
			wantError: true,
		},
		{
			name: "num-range on age",
			op:   TagOperation{Name: "age", Group: 0x0010, Element: 0x1010, Op: OpNumRange, Min: &minAge},
		},
		{
			name: "replace with non-numeric value on numeric VR",
			op:   TagOperation{Name: "series number", Group: 0x0020, Element: 0x0011, Op: OpReplace, Value: "abc"},
			wantError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateVRCompatibility(tt.op)
			if tt.wantError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
