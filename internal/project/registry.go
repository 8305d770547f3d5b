package project

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"pixl/internal/logger"
	pixlerrors "pixl/pkg/errors"
)

// Registry loads and indexes project configurations. The loaded map is
// immutable; Reload swaps it atomically so in-flight messages keep the
// config they started with.
type Registry struct {
	dir     string
	logger  logger.Logger
	configs atomic.Pointer[map[string]*ProjectConfig]
}

func NewRegistry(dir string, log logger.Logger) (*Registry, error) {
	r := &Registry{dir: dir, logger: log}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Get returns the project config for slug, or UnknownProject.
func (r *Registry) Get(slug string) (*ProjectConfig, error) {
	configs := r.configs.Load()
	if cfg, ok := (*configs)[slug]; ok {
		return cfg, nil
	}
	return nil, pixlerrors.Newf(pixlerrors.KindUnknownProject, "no configuration for project %q", slug)
}

func (r *Registry) Slugs() []string {
	configs := r.configs.Load()
	slugs := make([]string, 0, len(*configs))
	for slug := range *configs {
		slugs = append(slugs, slug)
	}
	return slugs
}

// Reload re-reads the config directory. On error the previous generation
// stays live; at startup the error is fatal.
func (r *Registry) Reload() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return pixlerrors.Wrap(pixlerrors.KindConfigInvalid, "failed to read project config dir", err)
	}

	configs := make(map[string]*ProjectConfig)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".yaml") {
			continue
		}
		path := filepath.Join(r.dir, entry.Name())
		cfg, err := loadProjectFile(r.dir, path)
		if err != nil {
			return pixlerrors.Wrap(pixlerrors.KindConfigInvalid,
				fmt.Sprintf("invalid project config %s", entry.Name()), err)
		}
		if _, dup := configs[cfg.Slug]; dup {
			return pixlerrors.Newf(pixlerrors.KindConfigInvalid, "duplicate project slug %q", cfg.Slug)
		}
		configs[cfg.Slug] = cfg
	}

	r.configs.Store(&configs)
	if r.logger != nil {
		r.logger.Infow("Loaded project configurations", "projects", len(configs))
	}
	return nil
}

func loadProjectFile(dir, path string) (*ProjectConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var file configFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse: %w", err)
	}

	if file.Project.Name == "" {
		return nil, fmt.Errorf("project.name is required")
	}
	if len(file.Project.Modalities) == 0 {
		return nil, fmt.Errorf("project.modalities must not be empty")
	}
	for _, m := range file.Project.Modalities {
		if len(m) < 2 || len(m) > 4 {
			return nil, fmt.Errorf("modality %q must be a 2-4 character code", m)
		}
	}
	if len(file.TagOperationFiles.Base) == 0 {
		return nil, fmt.Errorf("tag_operation_files.base must name at least one file")
	}
	if file.MinInstancesPerSeries < 1 {
		file.MinInstancesPerSeries = 1
	}

	switch file.Destination.DICOM {
	case DestinationNone, DestinationFTPS, DestinationDICOMWeb, DestinationXNAT:
	default:
		return nil, fmt.Errorf("destination.dicom %q not recognised", file.Destination.DICOM)
	}
	switch file.Destination.Parquet {
	case DestinationNone, DestinationFTPS:
	default:
		return nil, fmt.Errorf("destination.parquet must be none or ftps")
	}

	xnatOptions := XNATDestinationOptions{Overwrite: "none", Destination: "archive"}
	if file.XNATOptions != nil {
		xnatOptions = *file.XNATOptions
		switch xnatOptions.Overwrite {
		case "none", "append", "delete":
		default:
			return nil, fmt.Errorf("xnat overwrite %q not recognised", xnatOptions.Overwrite)
		}
		switch xnatOptions.Destination {
		case "archive", "prearchive":
		default:
			return nil, fmt.Errorf("xnat destination %q not recognised", xnatOptions.Destination)
		}
	}

	cfg := &ProjectConfig{
		Slug:                  file.Project.Name,
		AzureKVAlias:          file.Project.AzureKVAlias,
		Modalities:            file.Project.Modalities,
		SeriesFilters:         file.SeriesFilters,
		AllowedManufacturers:  file.AllowedManufacturers,
		MinInstancesPerSeries: file.MinInstancesPerSeries,
		Destination:           file.Destination,
		XNATOptions:           xnatOptions,
	}

	for i := range cfg.AllowedManufacturers {
		if err := cfg.AllowedManufacturers[i].Compile(); err != nil {
			return nil, err
		}
	}

	tagOpsDir := filepath.Join(dir, "tag-operations")
	for _, name := range file.TagOperationFiles.Base {
		ops, err := loadTagOperationFile(filepath.Join(tagOpsDir, name))
		if err != nil {
			return nil, fmt.Errorf("base tag file %s: %w", name, err)
		}
		cfg.base = append(cfg.base, ops...)
	}

	overridesDir := filepath.Join(tagOpsDir, "manufacturer-overrides")
	for _, name := range file.TagOperationFiles.ManufacturerOverrides {
		overrides, err := loadOverrideFile(filepath.Join(overridesDir, name))
		if err != nil {
			return nil, fmt.Errorf("override tag file %s: %w", name, err)
		}
		cfg.overrides = append(cfg.overrides, overrides...)
	}

	return cfg, nil
}

func loadTagOperationFile(path string) ([]TagOperation, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var ops []TagOperation
	if err := yaml.Unmarshal(data, &ops); err != nil {
		return nil, fmt.Errorf("failed to parse: %w", err)
	}
	if err := validateScheme(ops); err != nil {
		return nil, err
	}
	return ops, nil
}

func loadOverrideFile(path string) ([]ManufacturerOverride, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var overrides []ManufacturerOverride
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return nil, fmt.Errorf("failed to parse: %w", err)
	}
	for i := range overrides {
		if overrides[i].Manufacturer == "" {
			return nil, fmt.Errorf("manufacturer override missing pattern")
		}
		if err := overrides[i].Compile(); err != nil {
			return nil, err
		}
		if err := validateScheme(overrides[i].Tags); err != nil {
			return nil, err
		}
	}
	return overrides, nil
}
