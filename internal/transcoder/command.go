// SPDX-License-Identifier: MIT

package transcoder

import (
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strconv"
	"strings"

	"github.com/librenetworks/amps/internal/model"
)

// BuildInput carries everything buildCommand needs to construct one
// child process's argv: the channel (and, for a variant key, the
// variant) being served, the profile it names (if any), the already
// resolved source URL, the target output shape, and the directory to
// write segmented output into (empty for a continuous byte stream).
type BuildInput struct {
	Channel    model.Channel
	Variant    *model.Variant
	Profile    *model.Profile
	Source     string
	Shape      model.OutputShape
	OutputDir  string
	FFmpegPath string

	// Tuning is the effective input block for this launch (the
	// variant's when it declares one, the channel's otherwise). Its
	// hwaccel/extra-input fields become input-side argv; its container
	// override feeds outputArgs. May be nil.
	Tuning *model.InputTuning

	// ExtraHeaders holds any headers the resolver returned alongside
	// the resolved source URL, refreshed on every (re)spawn and never
	// cached. Applied as an ffmpeg -headers flag ahead of the rest of the
	// argv in the non-shell path; a shell=true command is on its own and
	// must reference them itself if needed.
	ExtraHeaders map[string]string

	// DisableBootstrap: a new subscriber to a non-segmented record
	// normally receives the ring buffer's current contents before live
	// chunks (fast start for late joiners); a profile or channel/variant
	// input block may set disable_bootstrap to skip that and only ever
	// deliver live bytes, for containers that can't tolerate a
	// mid-stream join.
	DisableBootstrap bool
}

// resolvedCommand picks the effective *model.Command for this launch:
// an inline command on the variant or channel always wins over a named
// profile; the profile is retained purely as metadata when an inline
// command is present.
func (in BuildInput) resolvedCommand() *model.Command {
	if in.Variant != nil && in.Variant.Command != nil {
		return in.Variant.Command
	}
	return in.Channel.Command
}

// buildCommand constructs the FFmpeg exec.Cmd for one launch attempt.
// ctx binds the process lifetime to the record's run context, so a
// cancelled record can never leave a detached child behind.
func buildCommand(ctx context.Context, in BuildInput) (*exec.Cmd, error) {
	cmd := in.resolvedCommand()

	// A structured command with shell=true hands the operator the whole
	// command line verbatim; amps substitutes placeholders and execs it
	// through the shell untouched, appending no input or output args of
	// its own.
	if cmd != nil && cmd.IsStructured && cmd.Shell {
		line := substitutePlaceholders(cmd.Cmd, in)
		c := exec.CommandContext(ctx, "/bin/sh", "-c", line)
		applyEnvCwd(c, cmd)
		return c, nil
	}

	var argv []string
	switch {
	case cmd != nil && cmd.IsStructured:
		argv = substitute(cmd.Cmd, in)
	case cmd != nil:
		argv = substitute(cmd.String, in)
	case in.Profile != nil && len(in.Profile.Args) > 0:
		argv = substituteAll(in.Profile.Args, in)
	case in.Profile != nil && in.Profile.Template != "":
		argv = substitute(in.Profile.Template, in)
	default:
		return nil, fmt.Errorf("no command or ffmpeg_profile resolves an argv for channel %d", in.Channel.ID)
	}

	argv = append(inputArgs(in), argv...)
	argv = append(argv, outputArgs(in)...)
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty argv for channel %d", in.Channel.ID)
	}

	ffmpegPath := in.FFmpegPath
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}

	c := exec.CommandContext(ctx, ffmpegPath, argv...)
	if cmd != nil && cmd.IsStructured {
		applyEnvCwd(c, cmd)
	}
	return c, nil
}

func applyEnvCwd(c *exec.Cmd, cmd *model.Command) {
	if cmd.Cwd != "" {
		c.Dir = cmd.Cwd
	}
	if len(cmd.Env) > 0 {
		env := c.Environ()
		for k, v := range cmd.Env {
			env = append(env, k+"="+v)
		}
		c.Env = env
	}
}

// substitutePlaceholders replaces {source}/{id}/{name} in s without
// splitting it into fields, for the shell=true case where s is an
// entire command line rather than a bare argv.
func substitutePlaceholders(s string, in BuildInput) string {
	name := in.Channel.Name
	if in.Variant != nil && in.Variant.Name != "" {
		name = in.Variant.Name
	}
	replacer := strings.NewReplacer(
		"{source}", in.Source,
		"{id}", strconv.Itoa(in.Channel.ID),
		"{name}", name,
	)
	return replacer.Replace(s)
}

// substitute splits a shell-form command string on whitespace and
// replaces {source}/{id}/{name} placeholders in each field.
func substitute(s string, in BuildInput) []string {
	fields := strings.Fields(s)
	return substituteAll(fields, in)
}

func substituteAll(fields []string, in BuildInput) []string {
	name := in.Channel.Name
	if in.Variant != nil && in.Variant.Name != "" {
		name = in.Variant.Name
	}
	replacer := strings.NewReplacer(
		"{source}", in.Source,
		"{id}", strconv.Itoa(in.Channel.ID),
		"{name}", name,
	)
	out := make([]string, len(fields))
	for i, f := range fields {
		out[i] = replacer.Replace(f)
	}
	return out
}

// inputArgs builds the input-side argv prefix from the launch's tuning
// block and any resolver headers: a hwaccel request, extra -key value
// input options, extra bare input flags, and the -headers flag. These
// must precede the profile/command argv, which carries the -i itself.
func inputArgs(in BuildInput) []string {
	var args []string

	if t := in.Tuning; t != nil {
		if t.HWAccel != nil && t.HWAccel.Method != "" {
			args = append(args, "-hwaccel", t.HWAccel.Method)
			if t.HWAccel.Device != "" {
				args = append(args, "-hwaccel_device", t.HWAccel.Device)
			}
		}
		if len(t.ExtraInputKV) > 0 {
			keys := make([]string, 0, len(t.ExtraInputKV))
			for k := range t.ExtraInputKV {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				args = append(args, "-"+strings.TrimPrefix(k, "-"), t.ExtraInputKV[k])
			}
		}
		args = append(args, t.ExtraInputArgs...)
	}

	if len(in.ExtraHeaders) > 0 {
		args = append(args, headerArgs(in.ExtraHeaders)...)
	}
	return args
}

// outputArgs appends the output-shape-specific tail of the argv: a
// segmented muxer writing into OutputDir for HLS/DASH, or a plain output
// target otherwise. The tuning block's output_container overrides the
// default mpegts muxer for byte-stream shapes.
func outputArgs(in BuildInput) []string {
	switch in.Shape {
	case model.OutputHLS:
		return []string{
			"-f", "hls",
			"-hls_time", "4",
			"-hls_list_size", "6",
			"-hls_flags", "delete_segments+independent_segments",
			joinPath(in.OutputDir, "index.m3u8"),
		}
	case model.OutputLLHLS:
		return []string{
			"-f", "hls",
			"-hls_time", "1",
			"-hls_list_size", "6",
			"-hls_flags", "delete_segments+independent_segments",
			"-hls_playlist_type", "event",
			joinPath(in.OutputDir, "index.m3u8"),
		}
	case model.OutputDASH:
		return []string{
			"-f", "dash",
			"-seg_duration", "4",
			"-window_size", "6",
			joinPath(in.OutputDir, "manifest.mpd"),
		}
	case model.OutputAudio:
		return []string{"-vn", "-f", container(in), "pipe:1"}
	default:
		return []string{"-f", container(in), "pipe:1"}
	}
}

func container(in BuildInput) string {
	if in.Tuning != nil && in.Tuning.OutputFormat != "" {
		return in.Tuning.OutputFormat
	}
	return "mpegts"
}

// headerArgs renders a resolver's extra headers as a single -headers
// flag, CRLF-joined and sorted for deterministic argv across launches.
func headerArgs(headers map[string]string) []string {
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(headers[k])
		b.WriteString("\r\n")
	}
	return []string{"-headers", b.String()}
}

func joinPath(dir, file string) string {
	if dir == "" {
		return file
	}
	if strings.HasSuffix(dir, "/") {
		return dir + file
	}
	return dir + "/" + file
}
