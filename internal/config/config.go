package config

import (
	"time"

	"pixl/pkg/tracing"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Broker    BrokerConfig    `mapstructure:"broker"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Projects  ProjectsConfig  `mapstructure:"projects"`
	Sources   SourcesConfig   `mapstructure:"sources"`
	RawCache  RawCacheConfig  `mapstructure:"raw_cache"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Anonymise AnonymiseConfig `mapstructure:"anonymise"`
	Export    ExportConfig    `mapstructure:"export"`
	Secrets   SecretsConfig   `mapstructure:"secrets"`
	Tracing   tracing.Config  `mapstructure:"tracing"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type DatabaseConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	DBName         string `mapstructure:"dbname"`
	SSLMode        string `mapstructure:"sslmode"`
	SkipMigrations bool   `mapstructure:"skip_migrations"`
}

type BrokerConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	VHost    string `mapstructure:"vhost"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

type ProjectsConfig struct {
	// Dir holds one <slug>.yaml per project plus the tag-operations tree.
	Dir string `mapstructure:"dir"`
}

// SourceConfig describes one DIMSE peer (the VNA or PACS).
type SourceConfig struct {
	Host       string  `mapstructure:"host"`
	Port       int     `mapstructure:"port"`
	CalledAET  string  `mapstructure:"called_aet"`
	CallingAET string  `mapstructure:"calling_aet"`
	Rate       float64 `mapstructure:"rate"`
	Burst      int     `mapstructure:"burst"`
	// BreakerFailures is the consecutive-failure count that opens the
	// circuit for this source.
	BreakerFailures uint32 `mapstructure:"breaker_failures"`
}

type SourcesConfig struct {
	Primary         SourceConfig  `mapstructure:"primary"`
	Secondary       SourceConfig  `mapstructure:"secondary"`
	QueryTimeout    time.Duration `mapstructure:"query_timeout"`
	TransferTimeout time.Duration `mapstructure:"transfer_timeout"`
}

type RawCacheConfig struct {
	URL              string `mapstructure:"url"`
	Username         string `mapstructure:"username"`
	Password         string `mapstructure:"password"`
	AET              string `mapstructure:"aet"`
	StableSeconds    int    `mapstructure:"stable_seconds"`
	MaxStorageSizeMB int    `mapstructure:"maximum_storage_size_mb"`
	ConcurrentJobs   int    `mapstructure:"concurrent_jobs"`
}

type SchedulerConfig struct {
	MaxMessagesInFlight int `mapstructure:"max_messages_in_flight"`
}

type AnonymiseConfig struct {
	UIDRoot string `mapstructure:"uid_root"`
	// StudyTimeOffsetDays, when positive, replaces the default 30-day span
	// of the date-shift window.
	StudyTimeOffsetDays int `mapstructure:"study_time_offset_days"`
}

type XNATOptions struct {
	Overwrite   string `mapstructure:"overwrite"`
	Destination string `mapstructure:"destination"`
}

type ExportConfig struct {
	XNAT XNATOptions `mapstructure:"xnat"`
}

type SecretsConfig struct {
	// Backend is "azure" or "local".
	Backend  string `mapstructure:"backend"`
	VaultURL string `mapstructure:"vault_url"`
	LocalDir string `mapstructure:"local_dir"`
	// SaltOverride short-circuits salt lookups, used in test deployments.
	SaltOverride string `mapstructure:"salt_override"`
}

func Load(configFile string) (*Config, error) {
	return LoadConfig(configFile)
}
