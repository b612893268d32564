package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/vyvo/imagebuild/pkg/mirror"
	"github.com/vyvo/imagebuild/pkg/request"
)

// Settings captures runtime settings shared by the server, worker and CLI.
type Settings struct {
	ListenAddr          string        `mapstructure:"listen_addr"`
	MetricsAddr         string        `mapstructure:"metrics_addr"`
	PublicPath          string        `mapstructure:"public_path"`
	CachePath           string        `mapstructure:"cache_path"`
	RedisURL            string        `mapstructure:"redis_url"`
	UpstreamURL         string        `mapstructure:"upstream_url"`
	BranchesFile        string        `mapstructure:"branches_file"`
	PackageRulesFile    string        `mapstructure:"package_rules_file"`
	AllowDefaults       bool          `mapstructure:"allow_defaults"`
	MaxRootfsSizeMB     int           `mapstructure:"max_custom_rootfs_size_mb"`
	MaxDefaultsLength   int           `mapstructure:"max_defaults_length"`
	RepositoryAllowList []string      `mapstructure:"repository_allow_list"`
	UseContainer        bool          `mapstructure:"use_container"`
	ContainerHost       string        `mapstructure:"container_host"`
	ContainerImage      string        `mapstructure:"container_image"`
	LogLevel            string        `mapstructure:"log_level"`
	LogFormat           string        `mapstructure:"log_format"`
	BuildTTL            time.Duration `mapstructure:"build_ttl"`
	BuildDefaultsTTL    time.Duration `mapstructure:"build_defaults_ttl"`
	BuildFailureTTL     time.Duration `mapstructure:"build_failure_ttl"`
	MaxPendingJobs      int64         `mapstructure:"max_pending_jobs"`
	JobTimeout          time.Duration `mapstructure:"job_timeout"`
	Workers             int           `mapstructure:"workers"`
	MaintenanceInterval time.Duration `mapstructure:"maintenance_interval"`
	ErrorLogPath        string        `mapstructure:"error_log_path"`
	UpdateToken         string        `mapstructure:"update_token"`
	HistoryDatabaseURL  string        `mapstructure:"history_database_url"`
	Tracing             bool          `mapstructure:"tracing"`
	Mirror              mirror.Config `mapstructure:"mirror"`
}

// Limits returns the request bounds derived from the settings.
func (s Settings) Limits() request.Limits {
	return request.Limits{
		AllowDefaults:       s.AllowDefaults,
		MaxDefaultsLength:   s.MaxDefaultsLength,
		MaxRootfsSizeMB:     s.MaxRootfsSizeMB,
		RepositoryAllowList: s.RepositoryAllowList,
	}
}

// SuccessTTL is how long a finished job stays addressable.
func (s Settings) SuccessTTL(hasDefaults bool) time.Duration {
	if hasDefaults {
		return s.BuildDefaultsTTL
	}
	return s.BuildTTL
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":8000")
	v.SetDefault("metrics_addr", ":9100")
	v.SetDefault("public_path", "./public")
	v.SetDefault("cache_path", "./cache")
	v.SetDefault("redis_url", "redis://localhost:6379")
	v.SetDefault("upstream_url", "https://downloads.openwrt.org")
	v.SetDefault("branches_file", "./configs/branches.yaml")
	v.SetDefault("package_rules_file", "")
	v.SetDefault("allow_defaults", false)
	v.SetDefault("max_custom_rootfs_size_mb", 1024)
	v.SetDefault("max_defaults_length", 20480)
	v.SetDefault("repository_allow_list", []string{})
	v.SetDefault("use_container", false)
	v.SetDefault("container_host", "")
	v.SetDefault("container_image", "ghcr.io/openwrt/imagebuilder")
	v.SetDefault("log_level", "INFO")
	v.SetDefault("log_format", "text")
	v.SetDefault("build_ttl", "3h")
	v.SetDefault("build_defaults_ttl", "30m")
	v.SetDefault("build_failure_ttl", "10m")
	v.SetDefault("max_pending_jobs", 200)
	v.SetDefault("job_timeout", "10m")
	v.SetDefault("workers", 1)
	v.SetDefault("maintenance_interval", "10m")
	v.SetDefault("error_log_path", "./logs/errors.log")
	v.SetDefault("update_token", "")
	v.SetDefault("history_database_url", "")
	v.SetDefault("tracing", false)
	v.SetDefault("mirror.host", "")
	v.SetDefault("mirror.port", 22)
	v.SetDefault("mirror.user", "")
	v.SetDefault("mirror.key_path", "")
	v.SetDefault("mirror.password", "")
	v.SetDefault("mirror.root", "/")
	v.SetDefault("mirror.known_hosts", "")
}

// Load reads settings from defaults, an optional config file in one of
// paths (./configs when none given) and IMAGEBUILD_* environment variables.
func Load(paths ...string) (Settings, error) {
	v := viper.New()
	v.SetConfigName("config")
	if len(paths) == 0 {
		paths = []string{"./configs"}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	v.SetEnvPrefix("IMAGEBUILD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Settings{}, fmt.Errorf("load config: %w", err)
		}
	}

	var cfg Settings
	if err := v.Unmarshal(&cfg); err != nil {
		return Settings{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return cfg, nil
}
