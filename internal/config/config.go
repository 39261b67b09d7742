// SPDX-License-Identifier: MIT

// Package config loads and validates the amps server configuration: the
// server block, the named FFmpeg profiles, and the static and scheduled
// channel lists. Loading is layered (YAML file, then environment
// overrides), and validation failures are fatal at boot.
package config

import (
	"fmt"
	"strings"

	"github.com/librenetworks/amps/internal/model"
)

// ServerConfig is the "server" block of the config file.
type ServerConfig struct {
	Host      string `yaml:"host" koanf:"host"`
	Port      int    `yaml:"port" koanf:"port"`
	Debug     bool   `yaml:"debug" koanf:"debug"`
	Token     string `yaml:"token" koanf:"token"`
	Workers   int    `yaml:"workers" koanf:"workers"`
	MediaRoot string `yaml:"media_root" koanf:"media_root"`
}

// Config is the full decoded shape of the amps configuration file.
type Config struct {
	Server           ServerConfig             `yaml:"server" koanf:"server"`
	FFmpegProfiles   map[string]model.Profile `yaml:"ffmpeg_profiles" koanf:"ffmpeg_profiles"`
	Streams          []model.Channel          `yaml:"streams" koanf:"streams"`
	ScheduledStreams []model.ScheduledChannel `yaml:"scheduled_streams" koanf:"scheduled_streams"`
}

// DefaultConfig returns the configuration used when no config file is
// present: a single local profile-less server with an empty channel
// list, listening on all interfaces.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:      "0.0.0.0",
			Port:      8080,
			Debug:     false,
			Token:     "",
			Workers:   4,
			MediaRoot: "/var/lib/amps",
		},
		FFmpegProfiles:   map[string]model.Profile{},
		Streams:          []model.Channel{},
		ScheduledStreams: []model.ScheduledChannel{},
	}
}

// Validate checks the decoded config before the server may start. It
// fixes up profile names and region casing as a side effect, normalizing
// while validating rather than in a separate pass.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}

	for name, p := range c.FFmpegProfiles {
		p.Name = name
		if len(p.Args) == 0 && strings.TrimSpace(p.Template) == "" {
			return fmt.Errorf("ffmpeg_profiles[%s]: must set args or template", name)
		}
		c.FFmpegProfiles[name] = p
	}

	seenIDs := make(map[int]string, len(c.Streams))
	for i := range c.Streams {
		ch := &c.Streams[i]
		if err := c.validateChannel(ch); err != nil {
			return fmt.Errorf("streams[%d] (%s): %w", i, ch.Name, err)
		}
		if prev, ok := seenIDs[ch.ID]; ok {
			return fmt.Errorf("streams[%d]: duplicate channel id %d (already used by %q)", i, ch.ID, prev)
		}
		seenIDs[ch.ID] = ch.Name
	}

	for i := range c.ScheduledStreams {
		s := &c.ScheduledStreams[i]
		if err := c.validateChannel(&s.Channel); err != nil {
			return fmt.Errorf("scheduled_streams[%d] (%s): %w", i, s.Name, err)
		}
		if s.Schedule.Start != nil && s.Schedule.End != nil && !s.Schedule.Start.Before(*s.Schedule.End) {
			return fmt.Errorf("scheduled_streams[%d] (%s): schedule.start must precede schedule.end", i, s.Name)
		}
		// Scheduled channel ids may collide with each other (they are
		// mutually exclusive in time) but never with a static stream id;
		// the scheduler surfaces a runtime collision if two scheduled
		// windows for the same id overlap.
		if prev, ok := seenIDs[s.ID]; ok {
			return fmt.Errorf("scheduled_streams[%d]: id %d collides with static stream %q", i, s.ID, prev)
		}
	}

	return nil
}

func (c *Config) validateChannel(ch *model.Channel) error {
	if ch.ID < 0 {
		return fmt.Errorf("id must be a non-negative integer")
	}
	if strings.TrimSpace(ch.Name) == "" {
		return fmt.Errorf("name must not be empty")
	}
	if strings.TrimSpace(ch.Source) == "" && ch.Command == nil {
		return fmt.Errorf("source or command must be set")
	}
	if ch.Profile != "" {
		if _, ok := c.FFmpegProfiles[ch.Profile]; !ok {
			return fmt.Errorf("ffmpeg_profile %q is not defined in ffmpeg_profiles", ch.Profile)
		}
	}
	if ch.OutputFormat != "" && !ch.OutputFormat.Valid() {
		return fmt.Errorf("output_format %q is not a recognized output shape", ch.OutputFormat)
	}

	seenVariants := make(map[string]bool, len(ch.Variants))
	for _, v := range ch.Variants {
		norm := v.NormalizedName()
		if norm == "" {
			return fmt.Errorf("variant names must not be empty")
		}
		if seenVariants[norm] {
			return fmt.Errorf("duplicate variant name %q", v.Name)
		}
		seenVariants[norm] = true
		if v.Profile != "" {
			if _, ok := c.FFmpegProfiles[v.Profile]; !ok {
				return fmt.Errorf("variant %q: ffmpeg_profile %q is not defined", v.Name, v.Profile)
			}
		}
		if v.OutputFormat != "" && !v.OutputFormat.Valid() {
			return fmt.Errorf("variant %q: output_format %q is not a recognized output shape", v.Name, v.OutputFormat)
		}
	}

	ch.NormalizeRegions()
	return nil
}

// Validate checks the server block alone. Config.Validate calls it
// first, before any channel or schedule checks.
func (s *ServerConfig) Validate() error {
	if strings.TrimSpace(s.Host) == "" {
		return fmt.Errorf("host must not be empty")
	}
	if s.Port <= 0 || s.Port > 65535 {
		return fmt.Errorf("port %d is out of range", s.Port)
	}
	if s.Workers <= 0 {
		return fmt.Errorf("workers must be a positive integer")
	}
	if strings.TrimSpace(s.MediaRoot) == "" {
		return fmt.Errorf("media_root must not be empty")
	}
	return nil
}
