// SPDX-License-Identifier: MIT

package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	yamlv3 "go.yaml.in/yaml/v3"

	"github.com/librenetworks/amps/internal/model"
)

// DefaultConfigPath is used when neither an explicit path nor AMPS_CONFIG
// is given.
const DefaultConfigPath = "/etc/amps/config.yaml"

// EnvConfigPath is the environment variable that overrides the default
// config file path.
const EnvConfigPath = "AMPS_CONFIG"

// EnvToken is the environment variable that overrides the server token.
const EnvToken = "AMPS_TOKEN"

const envPrefix = "AMPS_"

// Load resolves the config path (explicit path, else AMPS_CONFIG, else
// DefaultConfigPath), reads and decodes the YAML file, layers environment
// overrides on top, validates the result, and returns it. A validation
// or decode failure is meant to be fatal at the call site (cmd/amps);
// a server must never boot on a config it could not fully understand.
//
// Decoding is split in two: the server block goes through koanf so the
// defaults/file/env layering composes, while the channel/profile sections
// are decoded from the raw file bytes with go.yaml.in/yaml/v3 directly,
// because only a direct yaml pass runs the Command tagged-union and
// Profile UnmarshalYAML hooks koanf's structural decode cannot invoke.
func Load(explicitPath string) (*Config, error) {
	path := resolvePath(explicitPath)

	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaultsMap(), "."), nil); err != nil {
		return nil, fmt.Errorf("config: loading built-in defaults: %w", err)
	}

	var raw []byte
	if _, err := os.Stat(path); err != nil {
		if !os.IsNotExist(err) || explicitPath != "" {
			return nil, fmt.Errorf("config: stat %s: %w", path, err)
		}
		// No file at the default path and none was requested explicitly:
		// start from defaults so a brand-new install can still boot and
		// be configured entirely through the CRUD API.
	} else {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
		raw, err = os.ReadFile(path) // #nosec G304 -- path is operator-controlled
		if err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
	}

	envProvider := env.Provider(".", env.Opt{
		Prefix: envPrefix,
		TransformFunc: func(key, value string) (string, any) {
			// key arrives with the full "AMPS_" prefix; strip it before matching.
			switch strings.TrimPrefix(key, envPrefix) {
			case "TOKEN":
				return "server.token", value
			}
			// AMPS_CONFIG and any other AMPS_* var is not a config key;
			// it is either consumed by resolvePath or simply ignored.
			return "", nil
		},
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("config: applying environment overrides: %w", err)
	}

	cfg := &Config{
		FFmpegProfiles:   map[string]model.Profile{},
		Streams:          []model.Channel{},
		ScheduledStreams: []model.ScheduledChannel{},
	}
	if err := k.Unmarshal("server", &cfg.Server); err != nil {
		return nil, fmt.Errorf("config: unmarshal server block: %w", err)
	}

	if len(raw) > 0 {
		if err := decodeSections(raw, cfg); err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: invalid: %w", err)
	}

	return cfg, nil
}

// decodeSections decodes the profile and channel lists from the raw file
// bytes, then re-walks the stream entries as generic mappings to capture
// unknown per-channel keys into Channel.Extra, warning once per key.
func decodeSections(raw []byte, cfg *Config) error {
	var sections struct {
		FFmpegProfiles   map[string]model.Profile `yaml:"ffmpeg_profiles"`
		Streams          []model.Channel          `yaml:"streams"`
		ScheduledStreams []model.ScheduledChannel `yaml:"scheduled_streams"`
	}
	if err := yamlv3.Unmarshal(raw, &sections); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	if sections.FFmpegProfiles != nil {
		cfg.FFmpegProfiles = sections.FFmpegProfiles
	}
	if sections.Streams != nil {
		cfg.Streams = sections.Streams
	}
	if sections.ScheduledStreams != nil {
		cfg.ScheduledStreams = sections.ScheduledStreams
	}

	var generic struct {
		Streams          []map[string]interface{} `yaml:"streams"`
		ScheduledStreams []map[string]interface{} `yaml:"scheduled_streams"`
	}
	if err := yamlv3.Unmarshal(raw, &generic); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	for i := range cfg.Streams {
		if i < len(generic.Streams) {
			cfg.Streams[i].Extra = unknownChannelKeys(generic.Streams[i], false)
		}
	}
	for i := range cfg.ScheduledStreams {
		if i < len(generic.ScheduledStreams) {
			cfg.ScheduledStreams[i].Extra = unknownChannelKeys(generic.ScheduledStreams[i], true)
		}
	}
	return nil
}

// knownChannelKeys mirrors the yaml tags on model.Channel.
var knownChannelKeys = map[string]bool{
	"id": true, "name": true, "source": true, "ffmpeg_profile": true,
	"command": true, "output_format": true, "logo": true, "group": true,
	"channel_number": true, "epg_id": true, "alt_name": true,
	"description": true, "schedule_feed_url": true, "programs": true,
	"regions_allowed": true, "regions_blocked": true, "variants": true,
	"input": true,
}

func unknownChannelKeys(entry map[string]interface{}, scheduled bool) map[string]interface{} {
	var extra map[string]interface{}
	for key, value := range entry {
		if knownChannelKeys[key] || (scheduled && key == "schedule") {
			continue
		}
		slog.Warn("config: unknown channel key preserved as metadata", "key", key)
		if extra == nil {
			extra = make(map[string]interface{})
		}
		extra[key] = value
	}
	return extra
}

func resolvePath(explicit string) string {
	if strings.TrimSpace(explicit) != "" {
		return explicit
	}
	if p := os.Getenv(EnvConfigPath); strings.TrimSpace(p) != "" {
		return p
	}
	return DefaultConfigPath
}

// defaultsMap seeds koanf with DefaultConfig()'s server block before any
// file or environment provider is layered on top, via confmap.Provider.
func defaultsMap() map[string]interface{} {
	d := DefaultConfig()
	return map[string]interface{}{
		"server": map[string]interface{}{
			"host":       d.Server.Host,
			"port":       d.Server.Port,
			"debug":      d.Server.Debug,
			"token":      d.Server.Token,
			"workers":    d.Server.Workers,
			"media_root": d.Server.MediaRoot,
		},
	}
}
