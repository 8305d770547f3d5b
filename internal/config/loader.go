package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

func LoadConfig(configFile string) (*Config, error) {
	viper.Reset()

	viper.SetConfigType("yaml")
	viper.SetConfigFile(configFile)

	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()
	bindEnvVariables()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := ValidateStatic(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("server.port", 8044)
	viper.SetDefault("database.sslmode", "disable")
	viper.SetDefault("broker.port", 5672)
	viper.SetDefault("broker.vhost", "/")
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("sources.query_timeout", "30s")
	viper.SetDefault("sources.transfer_timeout", "600s")
	viper.SetDefault("sources.primary.rate", 5.0)
	viper.SetDefault("sources.primary.burst", 5)
	viper.SetDefault("sources.secondary.rate", 5.0)
	viper.SetDefault("sources.secondary.burst", 5)
	viper.SetDefault("raw_cache.stable_seconds", 60)
	viper.SetDefault("raw_cache.maximum_storage_size_mb", 51200)
	viper.SetDefault("raw_cache.concurrent_jobs", 5)
	viper.SetDefault("scheduler.max_messages_in_flight", 10)
	viper.SetDefault("export.xnat.overwrite", "none")
	viper.SetDefault("export.xnat.destination", "archive")
	viper.SetDefault("secrets.backend", "azure")
}

func bindEnvVariables() {
	viper.BindEnv("scheduler.max_messages_in_flight", "PIXL_MAX_MESSAGES_IN_FLIGHT")
	viper.BindEnv("sources.transfer_timeout", "PIXL_DICOM_TRANSFER_TIMEOUT")
	viper.BindEnv("sources.query_timeout", "PIXL_QUERY_TIMEOUT")

	viper.BindEnv("raw_cache.url", "ORTHANC_RAW_URL")
	viper.BindEnv("raw_cache.username", "ORTHANC_RAW_USERNAME")
	viper.BindEnv("raw_cache.password", "ORTHANC_RAW_PASSWORD")
	viper.BindEnv("raw_cache.aet", "ORTHANC_RAW_AE_TITLE")
	viper.BindEnv("raw_cache.concurrent_jobs", "ORTHANC_CONCURRENT_JOBS")
	viper.BindEnv("raw_cache.maximum_storage_size_mb", "ORTHANC_RAW_MAXIMUM_STORAGE_SIZE")
	viper.BindEnv("raw_cache.stable_seconds", "ORTHANC_RAW_STABLE_SECONDS")

	viper.BindEnv("database.host", "PIXL_DB_HOST")
	viper.BindEnv("database.port", "PIXL_DB_PORT")
	viper.BindEnv("database.user", "PIXL_DB_USER")
	viper.BindEnv("database.password", "PIXL_DB_PASSWORD")
	viper.BindEnv("database.dbname", "PIXL_DB_NAME")
	viper.BindEnv("database.skip_migrations", "SKIP_ALEMBIC")

	viper.BindEnv("broker.host", "RABBITMQ_HOST")
	viper.BindEnv("broker.port", "RABBITMQ_PORT")
	viper.BindEnv("broker.user", "RABBITMQ_USERNAME")
	viper.BindEnv("broker.password", "RABBITMQ_PASSWORD")

	viper.BindEnv("sources.primary.host", "PRIMARY_DICOM_SOURCE_HOST")
	viper.BindEnv("sources.primary.port", "PRIMARY_DICOM_SOURCE_PORT")
	viper.BindEnv("sources.primary.called_aet", "PRIMARY_DICOM_SOURCE_AE_TITLE")
	viper.BindEnv("sources.secondary.host", "SECONDARY_DICOM_SOURCE_HOST")
	viper.BindEnv("sources.secondary.port", "SECONDARY_DICOM_SOURCE_PORT")
	viper.BindEnv("sources.secondary.called_aet", "SECONDARY_DICOM_SOURCE_AE_TITLE")

	viper.BindEnv("export.xnat.overwrite", "XNAT_OVERWRITE")
	viper.BindEnv("export.xnat.destination", "XNAT_DESTINATION")

	viper.BindEnv("anonymise.study_time_offset_days", "STUDY_TIME_OFFSET")
	viper.BindEnv("secrets.salt_override", "SALT_VALUE")
	viper.BindEnv("secrets.vault_url", "AZURE_KEY_VAULT_URL")

	viper.BindEnv("projects.dir", "PROJECT_CONFIGS_DIR")
	viper.BindEnv("logging.level", "LOG_LEVEL")
}
