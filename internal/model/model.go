// SPDX-License-Identifier: MIT

// Package model defines the shared data types for amps channels,
// variants, profiles, and programme metadata. These types are parsed
// from YAML configuration (internal/config), served from the in-memory
// registry (internal/registry), and rendered into playlists and EPG XML
// (internal/playlist, internal/epg).
package model

import (
	"strings"
	"time"
)

// OutputShape is the closed set of stream output shapes a channel or
// variant may produce.
type OutputShape string

const (
	OutputTS    OutputShape = "ts"
	OutputHLS   OutputShape = "hls"
	OutputLLHLS OutputShape = "ll-hls"
	OutputDASH  OutputShape = "dash"
	OutputRTSP  OutputShape = "rtsp"
	OutputAudio OutputShape = "audio"
)

// Valid reports whether o is one of the closed set of output shapes.
func (o OutputShape) Valid() bool {
	switch o {
	case OutputTS, OutputHLS, OutputLLHLS, OutputDASH, OutputRTSP, OutputAudio:
		return true
	}
	return false
}

// Segmented reports whether this output shape is served from a
// per-key temp directory of manifest/segment files rather than a
// continuous byte stream.
func (o OutputShape) Segmented() bool {
	switch o {
	case OutputHLS, OutputLLHLS, OutputDASH:
		return true
	}
	return false
}

// SourceHandlerType enumerates supported indirect-source resolvers.
// Currently a single member, kept as an explicit enum so config
// validation can reject typos instead of passing them to a subprocess.
type SourceHandlerType string

const (
	SourceHandlerYTDLP SourceHandlerType = "yt_dlp"
)

// Command is a tagged union: either a bare string (profile-style argv
// template) or a structured override with shell/cwd/env. Exactly one
// of String or Structured is meaningful, selected by IsStructured.
type Command struct {
	String       string            `yaml:"-" koanf:"-" json:"-"`
	IsStructured bool              `yaml:"-" koanf:"-" json:"-"`
	Cmd          string            `yaml:"command" koanf:"command" json:"command,omitempty"`
	Shell        bool              `yaml:"shell" koanf:"shell" json:"shell,omitempty"`
	Cwd          string            `yaml:"cwd" koanf:"cwd" json:"cwd,omitempty"`
	Env          map[string]string `yaml:"env" koanf:"env" json:"env,omitempty"`
}

// UnmarshalYAML implements the tagged-union decode: a scalar string
// becomes Command.String; a mapping decodes into the structured fields.
func (c *Command) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err == nil {
		c.String = s
		c.IsStructured = false
		return nil
	}

	type structured Command
	var sc structured
	if err := unmarshal(&sc); err != nil {
		return err
	}
	*c = Command(sc)
	c.IsStructured = true
	return nil
}

// HWAccel describes an optional hardware-acceleration block applied to
// the FFmpeg argv when a profile is not in full control.
type HWAccel struct {
	Method string `yaml:"method" koanf:"method" json:"method,omitempty"`
	Device string `yaml:"device" koanf:"device" json:"device,omitempty"`
}

// InputTuning carries per-channel/variant input knobs that augment or
// replace what a profile/inline command would otherwise produce.
type InputTuning struct {
	ResolverFlag     bool              `yaml:"resolver" koanf:"resolver" json:"resolver,omitempty"`
	ResolverConfig   map[string]string `yaml:"resolver_config" koanf:"resolver_config" json:"resolver_config,omitempty"`
	ExtraInputKV     map[string]string `yaml:"extra_input" koanf:"extra_input" json:"extra_input,omitempty"`
	ExtraInputArgs   []string          `yaml:"extra_input_flags" koanf:"extra_input_flags" json:"extra_input_flags,omitempty"`
	OutputFormat     string            `yaml:"output_container" koanf:"output_container" json:"output_container,omitempty"`
	HWAccel          *HWAccel          `yaml:"hwaccel" koanf:"hwaccel" json:"hwaccel,omitempty"`
	AudioOnly        bool              `yaml:"audio_only" koanf:"audio_only" json:"audio_only,omitempty"`
	LLHLS            bool              `yaml:"ll_hls" koanf:"ll_hls" json:"ll_hls,omitempty"`
	DisableBootstrap bool              `yaml:"disable_bootstrap" koanf:"disable_bootstrap" json:"disable_bootstrap,omitempty"`
}

// Program is a single upcoming-programme entry for a channel's guide.
type Program struct {
	Title       string     `yaml:"title" koanf:"title" json:"title"`
	Start       *time.Time `yaml:"start" koanf:"start" json:"start,omitempty"`
	Description string     `yaml:"description" koanf:"description" json:"description,omitempty"`
}

// Variant is an alternate rendition of a channel, sharing its id.
type Variant struct {
	Name         string       `yaml:"name" koanf:"name" json:"name"`
	Profile      string       `yaml:"ffmpeg_profile" koanf:"ffmpeg_profile" json:"ffmpeg_profile,omitempty"`
	Command      *Command     `yaml:"command" koanf:"command" json:"command,omitempty"`
	Source       string       `yaml:"source" koanf:"source" json:"source,omitempty"`
	InputTuning  *InputTuning `yaml:"input" koanf:"input" json:"input,omitempty"`
	Label        string       `yaml:"label" koanf:"label" json:"label,omitempty"`
	OutputFormat OutputShape  `yaml:"output_format" koanf:"output_format" json:"output_format,omitempty"`
}

// NormalizedName returns the lowercase, URL-safe variant name used as
// the stream-key component.
func (v Variant) NormalizedName() string {
	return strings.ToLower(strings.TrimSpace(v.Name))
}

// Channel is the central identity: a logical broadcast unit.
type Channel struct {
	ID           int         `yaml:"id" koanf:"id" json:"id"`
	Name         string      `yaml:"name" koanf:"name" json:"name"`
	Source       string      `yaml:"source" koanf:"source" json:"source"`
	Profile      string      `yaml:"ffmpeg_profile" koanf:"ffmpeg_profile" json:"ffmpeg_profile,omitempty"`
	Command      *Command    `yaml:"command" koanf:"command" json:"command,omitempty"`
	OutputFormat OutputShape `yaml:"output_format" koanf:"output_format" json:"output_format,omitempty"`

	Logo            string `yaml:"logo" koanf:"logo" json:"logo,omitempty"`
	Group           string `yaml:"group" koanf:"group" json:"group,omitempty"`
	Number          string `yaml:"channel_number" koanf:"channel_number" json:"channel_number,omitempty"`
	EPGID           string `yaml:"epg_id" koanf:"epg_id" json:"epg_id,omitempty"`
	AltName         string `yaml:"alt_name" koanf:"alt_name" json:"alt_name,omitempty"`
	Description     string `yaml:"description" koanf:"description" json:"description,omitempty"`
	ScheduleFeedURL string `yaml:"schedule_feed_url" koanf:"schedule_feed_url" json:"schedule_feed_url,omitempty"`

	Programs []Program `yaml:"programs" koanf:"programs" json:"programs,omitempty"`

	RegionsAllowed []string `yaml:"regions_allowed" koanf:"regions_allowed" json:"regions_allowed,omitempty"`
	RegionsBlocked []string `yaml:"regions_blocked" koanf:"regions_blocked" json:"regions_blocked,omitempty"`

	Variants []Variant `yaml:"variants" koanf:"variants" json:"variants,omitempty"`

	InputTuning *InputTuning `yaml:"input" koanf:"input" json:"input,omitempty"`

	// Extra preserves unknown top-level channel keys opaquely for
	// metadata pass-through; the config loader logs a warning per key.
	Extra map[string]interface{} `yaml:"-" koanf:"-" json:"extra,omitempty"`
}

// Clone returns a deep-enough copy of c suitable for registry snapshots:
// slices/maps are copied so a caller cannot mutate the registry's state
// through the returned value.
func (c Channel) Clone() Channel {
	out := c
	if c.RegionsAllowed != nil {
		out.RegionsAllowed = append([]string(nil), c.RegionsAllowed...)
	}
	if c.RegionsBlocked != nil {
		out.RegionsBlocked = append([]string(nil), c.RegionsBlocked...)
	}
	if c.Variants != nil {
		out.Variants = append([]Variant(nil), c.Variants...)
	}
	if c.Programs != nil {
		out.Programs = append([]Program(nil), c.Programs...)
	}
	if c.Extra != nil {
		ex := make(map[string]interface{}, len(c.Extra))
		for k, v := range c.Extra {
			ex[k] = v
		}
		out.Extra = ex
	}
	return out
}

// NormalizeRegions upper-cases region codes in place; region lists are
// always stored upper regardless of input casing.
func (c *Channel) NormalizeRegions() {
	for i, r := range c.RegionsAllowed {
		c.RegionsAllowed[i] = strings.ToUpper(strings.TrimSpace(r))
	}
	for i, r := range c.RegionsBlocked {
		c.RegionsBlocked[i] = strings.ToUpper(strings.TrimSpace(r))
	}
}

// RegionAllowed checks regions_blocked first, then regions_allowed. An
// empty region string is only permitted when no allow-list is
// configured: a channel with an allow-list rejects regionless requests.
func (c Channel) RegionAllowed(region string) bool {
	region = strings.ToUpper(strings.TrimSpace(region))

	for _, blocked := range c.RegionsBlocked {
		if blocked == region {
			return false
		}
	}

	if len(c.RegionsAllowed) == 0 {
		return true
	}
	if region == "" {
		return false
	}
	for _, allowed := range c.RegionsAllowed {
		if allowed == region {
			return true
		}
	}
	return false
}

// FindVariant returns the named variant (case-insensitive) or false if
// the channel declares no such variant.
func (c Channel) FindVariant(name string) (Variant, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return Variant{}, false
	}
	for _, v := range c.Variants {
		if v.NormalizedName() == name {
			return v, true
		}
	}
	return Variant{}, false
}

// Profile is a named FFmpeg argv template, read-only after boot.
type Profile struct {
	Name string   `yaml:"-" koanf:"-" json:"name"`
	Args []string `yaml:"args" koanf:"args" json:"args,omitempty"`
	// Template is a single shell-form string containing {source}/{id}/{name}
	// placeholders, used when Args is empty.
	Template         string `yaml:"template" koanf:"template" json:"template,omitempty"`
	DisableBootstrap bool   `yaml:"disable_bootstrap" koanf:"disable_bootstrap" json:"disable_bootstrap,omitempty"`
}

// UnmarshalYAML accepts the three profile spellings the config file
// allows: a bare argv sequence, a single template string, or the
// structured {args, template, disable_bootstrap} mapping.
func (p *Profile) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var args []string
	if err := unmarshal(&args); err == nil {
		p.Args = args
		return nil
	}
	var template string
	if err := unmarshal(&template); err == nil {
		p.Template = template
		return nil
	}
	type structured Profile
	var s structured
	if err := unmarshal(&s); err != nil {
		return err
	}
	*p = Profile(s)
	return nil
}

// ScheduledChannel pairs a channel body with its activation window.
type ScheduledChannel struct {
	Channel  `yaml:",inline" koanf:",squash"`
	Schedule struct {
		Start *time.Time `yaml:"start" koanf:"start" json:"start,omitempty"`
		End   *time.Time `yaml:"end" koanf:"end" json:"end,omitempty"`
	} `yaml:"schedule" koanf:"schedule" json:"schedule"`
}

// Eligible reports whether the scheduled entry should be active at t:
// start<=t (or missing) means eligible; end>t (or missing) means still
// eligible.
func (s ScheduledChannel) Eligible(t time.Time) bool {
	if s.Schedule.Start != nil && t.Before(*s.Schedule.Start) {
		return false
	}
	if s.Schedule.End != nil && !t.Before(*s.Schedule.End) {
		return false
	}
	return true
}
