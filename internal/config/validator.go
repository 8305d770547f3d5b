package config

import (
	"fmt"
)

// ValidateStatic rejects configurations that cannot possibly run. Invalid
// configuration is fatal at startup.
func ValidateStatic(cfg *Config) error {
	if cfg.Broker.Host == "" {
		return fmt.Errorf("broker.host is required")
	}
	if cfg.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if cfg.Projects.Dir == "" {
		return fmt.Errorf("projects.dir is required")
	}
	if cfg.RawCache.URL == "" {
		return fmt.Errorf("raw_cache.url is required")
	}
	if cfg.Scheduler.MaxMessagesInFlight <= 0 {
		return fmt.Errorf("scheduler.max_messages_in_flight must be positive")
	}

	for name, src := range map[string]SourceConfig{
		"sources.primary":   cfg.Sources.Primary,
		"sources.secondary": cfg.Sources.Secondary,
	} {
		if src.Host == "" {
			return fmt.Errorf("%s.host is required", name)
		}
		if src.CalledAET == "" {
			return fmt.Errorf("%s.called_aet is required", name)
		}
		if src.Rate <= 0 {
			return fmt.Errorf("%s.rate must be positive", name)
		}
		if src.Burst <= 0 {
			return fmt.Errorf("%s.burst must be positive", name)
		}
	}

	switch cfg.Export.XNAT.Overwrite {
	case "none", "append", "delete":
	default:
		return fmt.Errorf("export.xnat.overwrite must be one of none, append, delete")
	}
	switch cfg.Export.XNAT.Destination {
	case "archive", "prearchive":
	default:
		return fmt.Errorf("export.xnat.destination must be archive or prearchive")
	}

	switch cfg.Secrets.Backend {
	case "azure":
		if cfg.Secrets.VaultURL == "" {
			return fmt.Errorf("secrets.vault_url is required for the azure backend")
		}
	case "local":
		if cfg.Secrets.LocalDir == "" {
			return fmt.Errorf("secrets.local_dir is required for the local backend")
		}
	default:
		return fmt.Errorf("secrets.backend must be azure or local")
	}

	return nil
}
