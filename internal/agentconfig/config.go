// Copyright 2026 Ali Mirjamali
// SPDX-License-Identifier: Apache-2.0

// Package agentconfig loads the worker's configuration: a single
// explicit file, no multi-location autodiscovery, every field given a
// default by Default().
package agentconfig

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// TriState is a three-valued configuration flag: unset, explicitly
// disabled, or explicitly enabled, so a YAML file that omits a key
// is distinguishable from one that sets it to false.
type TriState int

const (
	// Unset means no explicit preference was configured.
	Unset TriState = iota
	// Disabled means sanitization is explicitly off.
	Disabled
	// Enabled means sanitization is explicitly on.
	Enabled
)

// UnmarshalYAML lets TriState fields be written as true/false/omitted
// in YAML while keeping the Unset default when the key is absent.
func (t *TriState) UnmarshalYAML(unmarshal func(any) error) error {
	var b bool
	if err := unmarshal(&b); err != nil {
		return err
	}
	if b {
		*t = Enabled
	} else {
		*t = Disabled
	}
	return nil
}

// Config holds the worker's tunables. Default returns a usable
// configuration; the zero value is not one (a zero
// MaxCommandLineLength rejects every command line, and an empty
// ControlSocketPath cannot be listened on).
type Config struct {
	// LocalProtocolVersion is this worker's own protocol version,
	// sent in its HELLO.
	LocalProtocolVersion uint32 `yaml:"local_protocol_version"`

	// MinSupportedVersion is the floor below which a negotiated
	// version is rejected.
	MinSupportedVersion uint32 `yaml:"min_supported_version"`

	// DefaultBufferSize is used when a dispatch request specifies
	// zero for its vchan buffer size.
	DefaultBufferSize int `yaml:"default_buffer_size"`

	// MaxCommandLineLength bounds accepted command lines, keeping
	// downstream parsers bounded.
	MaxCommandLineLength int `yaml:"max_command_line_length"`

	// SelectTimeout is the bounded wait used by the multiplexer's
	// central select when no data is already buffered.
	SelectTimeout time.Duration `yaml:"select_timeout"`

	// ControlSocketPath is where internal/control listens for
	// dispatch requests from the privileged control daemon.
	ControlSocketPath string `yaml:"control_socket_path"`

	// VchanSocketDir holds the rendezvous sockets internal/vchan uses
	// to pair a SERVICE_CONNECT server with a JUST_EXEC/EXEC_CMDLINE
	// client on the same (domain, port).
	VchanSocketDir string `yaml:"vchan_socket_dir"`

	// ReplaceCharsStdout/Stderr set the session-wide default for
	// sanitizing non-printable bytes before forwarding. There is no
	// per-request override, so these are the only place they are
	// configured.
	ReplaceCharsStdout TriState `yaml:"replace_chars_stdout"`
	ReplaceCharsStderr TriState `yaml:"replace_chars_stderr"`
}

// Default returns the configuration the worker uses when no file is
// loaded: protocol version 2, floor 2, 64 KiB buffer, Qubes' historical
// 65536-byte command line cap, a 10 second select timeout, and the
// conventional control socket path.
func Default() Config {
	return Config{
		LocalProtocolVersion: 2,
		MinSupportedVersion:  2,
		DefaultBufferSize:    65536,
		MaxCommandLineLength: 65536,
		SelectTimeout:        10 * time.Second,
		ControlSocketPath:    "/run/qrexec-agent-data/control.sock",
		VchanSocketDir:       "/run/qrexec-agent-data/vchan",
	}
}

// Load reads a YAML config file at path, applying its contents over
// Default(). A missing key in the file keeps the corresponding
// default; there is no merge across multiple files or locations.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("agentconfig: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("agentconfig: parsing %s: %w", path, err)
	}
	return cfg, nil
}
