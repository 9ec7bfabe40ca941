// Copyright © 2020 Elias Norberg
// Licensed under the GPLv3 or later.
// See COPYING at the root of the repository for details.

// Package config parses mujmap.toml and validates the resulting values.
package config

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config describes the available configuration layout for one mujmap maildir.
type Config struct {
	Username        string `toml:"username"`
	PasswordCommand string `toml:"password_command"`
	BearerToken     bool   `toml:"bearer_token"`

	FQDN       string `toml:"fqdn"`
	SessionURL string `toml:"session_url"`

	ConcurrentDownloads int    `toml:"concurrent_downloads"`
	Timeout             int    `toml:"timeout"` // seconds
	Retries             int    `toml:"retries"`
	AutoCreateMailboxes bool   `toml:"auto_create_new_mailboxes"`
	ConvertDOSToUnix    bool   `toml:"convert_dos_to_unix"`
	CacheDir            string `toml:"cache_dir"`
	MailDir             string `toml:"mail_dir"`
	StateDir            string `toml:"state_dir"`

	Tags TagConfig `toml:"tags"`

	// dir is the maildir this config was loaded from, used to resolve
	// relative cache_dir/mail_dir/state_dir defaults.
	dir string
}

// FileName is the name of the config file inside a maildir.
const FileName = "mujmap.toml"

// StateFileName is the name of the persisted-state sidecar.
const StateFileName = "mujmap.state.json"

// LockFileName is the name of the exclusive lock file.
const LockFileName = "mujmap.lock"

// Error is a configuration error (missing field, mutually exclusive
// fields set, unreadable file). It is always fatal before lock
// acquisition and maps to CLI exit code 2.
type Error struct {
	msg string
}

func (e *Error) Error() string { return e.msg }

func configErrorf(format string, args ...interface{}) error {
	return &Error{msg: fmt.Sprintf(format, args...)}
}

// Load reads and validates mujmap.toml from dir.
func Load(dir string) (*Config, error) {
	path := filepath.Join(dir, FileName)
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		if os.IsNotExist(err) {
			return nil, configErrorf("cannot read config file %q: %s", path, err)
		}
		return nil, configErrorf("cannot parse config file %q: %s", path, err)
	}
	cfg.dir = dir

	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() error {
	if c.ConcurrentDownloads == 0 {
		c.ConcurrentDownloads = 8
	}
	if c.Timeout == 0 {
		c.Timeout = 30
	}
	if c.CacheDir == "" {
		c.CacheDir = filepath.Join(c.dir, ".mujmap", "cache")
	} else if !filepath.IsAbs(c.CacheDir) {
		c.CacheDir = filepath.Join(c.dir, c.CacheDir)
	}
	if c.MailDir == "" {
		c.MailDir = c.dir
	} else if !filepath.IsAbs(c.MailDir) {
		c.MailDir = filepath.Join(c.dir, c.MailDir)
	}
	if c.StateDir == "" {
		c.StateDir = c.dir
	} else if !filepath.IsAbs(c.StateDir) {
		c.StateDir = filepath.Join(c.dir, c.StateDir)
	}
	return nil
}

func (c *Config) validate() error {
	if c.Username == "" {
		return configErrorf("missing required field %q", "username")
	}
	if c.PasswordCommand == "" {
		return configErrorf("missing required field %q", "password_command")
	}
	if c.FQDN != "" && c.SessionURL != "" {
		return configErrorf("%q and %q are mutually exclusive", "fqdn", "session_url")
	}
	return nil
}

// Timeout as a time.Duration.
func (c *Config) TimeoutDuration() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}

// StateFilePath returns the path to the persisted state file.
func (c *Config) StateFilePath() string {
	return filepath.Join(c.StateDir, StateFileName)
}

// LockFilePath returns the path to the exclusive lock file.
func (c *Config) LockFilePath() string {
	return filepath.Join(c.StateDir, LockFileName)
}

// Password runs PasswordCommand as a subshell and returns the resulting
// credential, with surrounding whitespace stripped. A nonzero exit is
// fatal and the subprocess's stderr is surfaced in the returned error.
func (c *Config) Password() (string, error) {
	cmd := exec.Command("/bin/sh", "-c", c.PasswordCommand)
	var stderr strings.Builder
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("password_command failed: %w (stderr: %s)", err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(string(out)), nil
}
