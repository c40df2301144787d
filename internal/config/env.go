package config

import (
	"time"

	"github.com/spf13/viper"
)

// OperationalConfig is the master process's own ambient settings — DB
// DSN, port range, reap interval, log level — distinct from the Task
// schema the Run Context is built from.
type OperationalConfig struct {
	DatabaseDSN     string
	PortRangeLow    int
	PortRangeHigh   int
	ReapInterval    time.Duration
	OrphanMaxAge    time.Duration
	LogLevel        string
	CreateLoopEvery time.Duration
	StopLoopEvery   time.Duration
}

// FromEnv builds an OperationalConfig from environment variables and an
// optional config file, using viper per the teacher's convention.
func FromEnv(configPath string) (*OperationalConfig, error) {
	v := viper.New()
	v.SetEnvPrefix("CHATSTRESS")
	v.AutomaticEnv()

	v.SetDefault("database_dsn", "postgres://localhost/chatstress?sslmode=disable")
	v.SetDefault("port_range_low", 5557)
	v.SetDefault("port_range_high", 5657)
	v.SetDefault("reap_interval", "60s")
	v.SetDefault("orphan_max_age", "5m")
	v.SetDefault("log_level", "info")
	v.SetDefault("create_loop_every", "3s")
	v.SetDefault("stop_loop_every", "5s")

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	return &OperationalConfig{
		DatabaseDSN:     v.GetString("database_dsn"),
		PortRangeLow:    v.GetInt("port_range_low"),
		PortRangeHigh:   v.GetInt("port_range_high"),
		ReapInterval:    v.GetDuration("reap_interval"),
		OrphanMaxAge:    v.GetDuration("orphan_max_age"),
		LogLevel:        v.GetString("log_level"),
		CreateLoopEvery: v.GetDuration("create_loop_every"),
		StopLoopEvery:   v.GetDuration("stop_loop_every"),
	}, nil
}
