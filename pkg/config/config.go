// Package config loads the replication manager's configuration: a YAML
// file under the hdds.scm.replication key space, with cobra flags on
// "scmrm serve" overriding whatever the file specifies.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// Config is the replication manager's runtime configuration, sourced
// from hdds.scm.replication in a YAML file plus the
// HDDS_SCM_WAIT_TIME_AFTER_SAFE_MODE_EXIT environment variable.
type Config struct {
	// ThreadInterval is the monitor cycle period (hdds.scm.replication.thread.interval).
	ThreadInterval time.Duration
	// EventTimeout is the inflight-action deadline (hdds.scm.replication.event.timeout).
	EventTimeout time.Duration
	// MaintenanceReplicaMinimum is the minimum healthy replica count required
	// before a node may enter maintenance (hdds.scm.replication.maintenance.replica.minimum).
	MaintenanceReplicaMinimum int
	// SafeModeExitGracePeriod is the post-safe-mode grace before shouldRun()
	// returns true (HDDS_SCM_WAIT_TIME_AFTER_SAFE_MODE_EXIT).
	SafeModeExitGracePeriod time.Duration

	// DataDir is where the move scheduler's Raft log/snapshot/bolt state lives.
	DataDir string
}

// Default returns the configuration's documented defaults.
func Default() Config {
	return Config{
		ThreadInterval:            300 * time.Second,
		EventTimeout:              30 * time.Minute,
		MaintenanceReplicaMinimum: 2,
		SafeModeExitGracePeriod:   0,
		DataDir:                   "./scmrm-data",
	}
}

// fileConfig mirrors the on-disk YAML shape:
//
//	hdds:
//	  scm:
//	    replication:
//	      thread:
//	        interval: 300s
//	      event:
//	        timeout: 30m
//	      maintenance:
//	        replica:
//	          minimum: 2
type fileConfig struct {
	Hdds struct {
		Scm struct {
			Replication struct {
				Thread struct {
					Interval string `yaml:"interval"`
				} `yaml:"thread"`
				Event struct {
					Timeout string `yaml:"timeout"`
				} `yaml:"event"`
				Maintenance struct {
					Replica struct {
						Minimum int `yaml:"minimum"`
					} `yaml:"replica"`
				} `yaml:"maintenance"`
			} `yaml:"replication"`
		} `yaml:"scm"`
	} `yaml:"hdds"`
}

// Load reads filename (if non-empty) into Config, starting from Default,
// then applies HDDS_SCM_WAIT_TIME_AFTER_SAFE_MODE_EXIT if set.
func Load(filename string) (Config, error) {
	cfg := Default()

	if filename != "" {
		data, err := os.ReadFile(filename)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}

		var fc fileConfig
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}

		rep := fc.Hdds.Scm.Replication
		if rep.Thread.Interval != "" {
			d, err := time.ParseDuration(rep.Thread.Interval)
			if err != nil {
				return cfg, fmt.Errorf("invalid thread.interval: %w", err)
			}
			cfg.ThreadInterval = d
		}
		if rep.Event.Timeout != "" {
			d, err := time.ParseDuration(rep.Event.Timeout)
			if err != nil {
				return cfg, fmt.Errorf("invalid event.timeout: %w", err)
			}
			cfg.EventTimeout = d
		}
		if rep.Maintenance.Replica.Minimum != 0 {
			cfg.MaintenanceReplicaMinimum = rep.Maintenance.Replica.Minimum
		}
	}

	if v := os.Getenv("HDDS_SCM_WAIT_TIME_AFTER_SAFE_MODE_EXIT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid HDDS_SCM_WAIT_TIME_AFTER_SAFE_MODE_EXIT: %w", err)
		}
		cfg.SafeModeExitGracePeriod = d
	}

	return cfg, nil
}

// BindFlags registers the scmrm serve flags that override the config
// file.
func BindFlags(cmd *cobra.Command) {
	cmd.Flags().String("config", "", "Path to YAML config file")
	cmd.Flags().Duration("thread-interval", 0, "Monitor cycle period (overrides config file)")
	cmd.Flags().Duration("event-timeout", 0, "Inflight-action deadline (overrides config file)")
	cmd.Flags().Int("maintenance-replica-minimum", 0, "Minimum healthy replicas for maintenance (overrides config file)")
	cmd.Flags().String("data-dir", "", "Data directory for move scheduler state")
}

// FromFlags loads the config file named by --config (if any) and then
// applies any --thread-interval/--event-timeout/--maintenance-replica-minimum/
// --data-dir flags the caller explicitly set; explicit flags win over
// the file.
func FromFlags(cmd *cobra.Command) (Config, error) {
	filename, _ := cmd.Flags().GetString("config")
	cfg, err := Load(filename)
	if err != nil {
		return cfg, err
	}

	if cmd.Flags().Changed("thread-interval") {
		cfg.ThreadInterval, _ = cmd.Flags().GetDuration("thread-interval")
	}
	if cmd.Flags().Changed("event-timeout") {
		cfg.EventTimeout, _ = cmd.Flags().GetDuration("event-timeout")
	}
	if cmd.Flags().Changed("maintenance-replica-minimum") {
		cfg.MaintenanceReplicaMinimum, _ = cmd.Flags().GetInt("maintenance-replica-minimum")
	}
	if cmd.Flags().Changed("data-dir") {
		cfg.DataDir, _ = cmd.Flags().GetString("data-dir")
	} else if cfg.DataDir == "" {
		cfg.DataDir = Default().DataDir
	}

	return cfg, nil
}
