// Package config holds the TOML configuration of a cache node.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/juju/errors"
	"github.com/pingcap/log"
	pkgerrors "github.com/pkg/errors"
)

// Node locking schemes.
const (
	SchemePessimistic = "pessimistic"
	SchemeOptimistic  = "optimistic"
	SchemeMVCC        = "mvcc"
)

// Isolation levels.
const (
	ReadCommitted  = "read-committed"
	RepeatableRead = "repeatable-read"
)

const (
	defaultClusterName        = "tinytree"
	defaultLockTimeout        = 10 * time.Second
	defaultSyncReplTimeout    = 15 * time.Second
	defaultStatusAddr         = "127.0.0.1:20180"
	defaultLockStripes        = 64
	defaultReplQueueRate      = 1000
	defaultReplQueueMaxLength = 1024
)

var cacheModes = []string{"local", "repl-sync", "repl-async", "invalidation-sync", "invalidation-async"}

// Config is the configuration of one cache node.
type Config struct {
	ClusterName string `toml:"cluster-name" json:"cluster-name"`

	NodeLockingScheme string `toml:"node-locking-scheme" json:"node-locking-scheme"`
	IsolationLevel    string `toml:"isolation-level" json:"isolation-level"`
	// LockAcquisitionTimeout bounds every lock wait, pessimistic or MVCC.
	LockAcquisitionTimeout Duration `toml:"lock-acquisition-timeout" json:"lock-acquisition-timeout"`
	// LockParentForChildInsertRemove also write-locks the parent when a child
	// is added or removed.
	LockParentForChildInsertRemove bool `toml:"lock-parent-for-child-insert-remove" json:"lock-parent-for-child-insert-remove"`
	WriteSkewCheck                 bool `toml:"write-skew-check" json:"write-skew-check"`
	LockStripes                    int  `toml:"lock-stripes" json:"lock-stripes"`

	CacheMode            string   `toml:"cache-mode" json:"cache-mode"`
	SyncReplTimeout      Duration `toml:"sync-repl-timeout" json:"sync-repl-timeout"`
	UseReplQueue         bool     `toml:"use-repl-queue" json:"use-repl-queue"`
	ReplQueueRate        int64    `toml:"repl-queue-rate" json:"repl-queue-rate"`
	ReplQueueMaxElements int      `toml:"repl-queue-max-elements" json:"repl-queue-max-elements"`

	OnePhaseCommit   bool   `toml:"one-phase-commit" json:"one-phase-commit"`
	ExposeStatistics bool   `toml:"expose-statistics" json:"expose-statistics"`
	StatusAddr       string `toml:"status-addr" json:"status-addr"`

	Log log.Config `toml:"log" json:"log"`

	// WarningMsgs collects problems that did not stop the config from loading.
	WarningMsgs []string `toml:"-" json:"-"`
}

func getLogLevel() string {
	if l := os.Getenv("LOG_LEVEL"); len(l) != 0 {
		return l
	}
	return "info"
}

func NewDefaultConfig() *Config {
	return &Config{
		ClusterName:                    defaultClusterName,
		NodeLockingScheme:              SchemePessimistic,
		IsolationLevel:                 RepeatableRead,
		LockAcquisitionTimeout:         NewDuration(defaultLockTimeout),
		LockParentForChildInsertRemove: false,
		LockStripes:                    defaultLockStripes,
		CacheMode:                      "local",
		SyncReplTimeout:                NewDuration(defaultSyncReplTimeout),
		ReplQueueRate:                  defaultReplQueueRate,
		ReplQueueMaxElements:           defaultReplQueueMaxLength,
		ExposeStatistics:               true,
		StatusAddr:                     defaultStatusAddr,
		Log:                            log.Config{Level: getLogLevel()},
	}
}

// NewTestConfig is NewDefaultConfig with short timeouts.
func NewTestConfig() *Config {
	c := NewDefaultConfig()
	c.LockAcquisitionTimeout = NewDuration(200 * time.Millisecond)
	c.SyncReplTimeout = NewDuration(time.Second)
	c.LockStripes = 8
	c.StatusAddr = "127.0.0.1:0"
	return c
}

// LoadFile decodes path over the defaults and adjusts the result.
func LoadFile(path string) (*Config, error) {
	c := NewDefaultConfig()
	meta, err := toml.DecodeFile(path, c)
	if err != nil {
		return nil, pkgerrors.WithStack(err)
	}
	if err := c.Adjust(&meta); err != nil {
		return nil, err
	}
	return c, nil
}

// Parse decodes TOML text over the defaults and adjusts the result.
func Parse(data string) (*Config, error) {
	c := NewDefaultConfig()
	meta, err := toml.Decode(data, c)
	if err != nil {
		return nil, pkgerrors.WithStack(err)
	}
	if err := c.Adjust(&meta); err != nil {
		return nil, err
	}
	return c, nil
}

func adjustString(v *string, defValue string) {
	if len(*v) == 0 {
		*v = defValue
	}
}

func adjustInt(v *int, defValue int) {
	if *v <= 0 {
		*v = defValue
	}
}

func adjustInt64(v *int64, defValue int64) {
	if *v <= 0 {
		*v = defValue
	}
}

func adjustDuration(v *Duration, defValue time.Duration) {
	if v.Duration == 0 {
		v.Duration = defValue
	}
}

// Adjust fills zero values with defaults, normalises enum spellings and
// validates the result. meta may be nil.
func (c *Config) Adjust(meta *toml.MetaData) error {
	if meta != nil {
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, 0, len(undecoded))
			for _, k := range undecoded {
				keys = append(keys, k.String())
			}
			c.WarningMsgs = append(c.WarningMsgs, fmt.Sprintf("config contains undefined items: %s", strings.Join(keys, ", ")))
		}
	}
	adjustString(&c.ClusterName, defaultClusterName)
	adjustString(&c.NodeLockingScheme, SchemePessimistic)
	adjustString(&c.IsolationLevel, RepeatableRead)
	adjustString(&c.CacheMode, "local")
	adjustString(&c.StatusAddr, defaultStatusAddr)
	adjustString(&c.Log.Level, getLogLevel())
	adjustDuration(&c.LockAcquisitionTimeout, defaultLockTimeout)
	adjustDuration(&c.SyncReplTimeout, defaultSyncReplTimeout)
	adjustInt(&c.LockStripes, defaultLockStripes)
	adjustInt64(&c.ReplQueueRate, defaultReplQueueRate)
	adjustInt(&c.ReplQueueMaxElements, defaultReplQueueMaxLength)

	c.NodeLockingScheme = normalize(c.NodeLockingScheme)
	c.IsolationLevel = normalize(c.IsolationLevel)
	c.CacheMode = normalize(c.CacheMode)
	return c.Validate()
}

// normalize accepts READ_COMMITTED style spellings.
func normalize(s string) string {
	return strings.Replace(strings.ToLower(strings.TrimSpace(s)), "_", "-", -1)
}

func (c *Config) Validate() error {
	switch c.NodeLockingScheme {
	case SchemePessimistic, SchemeOptimistic, SchemeMVCC:
	default:
		return errors.NotValidf("node-locking-scheme %q", c.NodeLockingScheme)
	}
	switch c.IsolationLevel {
	case ReadCommitted, RepeatableRead:
	default:
		return errors.NotValidf("isolation-level %q", c.IsolationLevel)
	}
	if !c.validCacheMode() {
		return errors.NotValidf("cache-mode %q", c.CacheMode)
	}
	if c.LockAcquisitionTimeout.Duration < 0 {
		return errors.NotValidf("negative lock-acquisition-timeout %v", c.LockAcquisitionTimeout)
	}
	if c.WriteSkewCheck && c.NodeLockingScheme != SchemeMVCC {
		c.WarningMsgs = append(c.WarningMsgs, "write-skew-check only applies to the mvcc scheme")
	}
	if c.UseReplQueue && c.CacheMode == "local" {
		c.WarningMsgs = append(c.WarningMsgs, "use-repl-queue has no effect in local cache mode")
	}
	return nil
}

func (c *Config) validCacheMode() bool {
	for _, m := range cacheModes {
		if c.CacheMode == m {
			return true
		}
	}
	return false
}

// IsRepeatableRead reports whether reads use one snapshot per transaction.
func (c *Config) IsRepeatableRead() bool {
	return c.IsolationLevel == RepeatableRead
}
