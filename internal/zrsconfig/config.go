// Package zrsconfig declares the top-level configuration for a zrs process,
// loaded with go-flags from CLI arguments and environment variables.
package zrsconfig

import (
	"fmt"

	log "github.com/sirupsen/logrus"
)

// LogConfig configures handling of application log events.
type LogConfig struct {
	Level  string `long:"level" env:"LEVEL" default:"info" choice:"info" choice:"debug" choice:"warn" description:"Logging level"`
	Format string `long:"format" env:"FORMAT" default:"text" choice:"json" choice:"text" choice:"color" description:"Logging output format"`
}

// InitLog applies cfg to the default logrus logger.
func InitLog(cfg LogConfig) {
	switch cfg.Format {
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	case "color":
		log.SetFormatter(&log.TextFormatter{ForceColors: true})
	default:
		log.SetFormatter(&log.TextFormatter{})
	}

	if lvl, err := log.ParseLevel(cfg.Level); err != nil {
		log.WithField("err", err).Fatal("unrecognized log level")
	} else {
		log.SetLevel(lvl)
	}
}

// Config is the top-level configuration of a zrs process (spec.md §6): a
// base store plus at least one of ReplicateTo / ReplicateFrom. Supplying
// both creates a cascaded primary-over-secondary.
type Config struct {
	Store struct {
		Path string `long:"path" env:"PATH" required:"true" description:"Path to the local store directory"`
	} `group:"Store" namespace:"store" env-namespace:"STORE"`

	Replication struct {
		ReplicateTo    string `long:"to" env:"TO" description:"Address to listen on and serve the transaction log (primary side)"`
		ReplicateFrom  string `long:"from" env:"FROM" description:"Address to dial and replicate the transaction log from (secondary side)"`
		CheckChecksums bool   `long:"check-checksums" env:"CHECK_CHECKSUMS" default:"true" description:"Verify the running MD5 digest at every C message"`
		KeepAliveDelay int    `long:"keep-alive-delay" env:"KEEP_ALIVE_DELAY" default:"0" description:"Seconds between keepalive messages on an idle secondary connection; 0 disables"`
		ReconnectDelay int    `long:"reconnect-delay" env:"RECONNECT_DELAY" default:"60" description:"Seconds to wait before reconnecting after a lost or failed connection"`
		CheckpointDir  string `long:"checkpoint-dir" env:"CHECKPOINT_DIR" description:"If set, persist the replication stream to a checkpoint log under this directory"`
	} `group:"Replication" namespace:"replication" env-namespace:"REPLICATION"`

	Log LogConfig `group:"Logging" namespace:"log" env-namespace:"LOG"`

	Metrics struct {
		Address string `long:"address" env:"ADDRESS" description:"If set, serve Prometheus metrics on this address (e.g. :9100)"`
	} `group:"Metrics" namespace:"metrics" env-namespace:"METRICS"`
}

// Validate checks cross-field constraints go-flags struct tags cannot
// express on their own.
func (c *Config) Validate() error {
	if c.Replication.ReplicateTo == "" && c.Replication.ReplicateFrom == "" {
		return fmt.Errorf("config: at least one of replication.to or replication.from must be set")
	}
	return nil
}
