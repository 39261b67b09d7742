// SPDX-License-Identifier: MIT

package transcoder

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/librenetworks/amps/internal/apierr"
	"github.com/librenetworks/amps/internal/model"
	"github.com/librenetworks/amps/internal/util"
)

// ChannelLookup is the read-only view of C2 the manager needs: fetch a
// channel by id. Kept as an interface (rather than importing
// internal/registry's concrete type) so tests can supply a fake without
// constructing a full registry.
type ChannelLookup interface {
	Get(id int) (model.Channel, error)
}

// Resolver resolves an indirect source to a playable URL plus any
// extra headers the child process's input needs. A channel
// or variant with InputTuning.ResolverFlag unset skips this and uses its
// Source value directly. opts carries the channel/variant's
// resolver_config verbatim (e.g. a yt-dlp format selector).
type Resolver interface {
	Resolve(ctx context.Context, source string, opts map[string]string) (resolvedURL string, extraHeaders map[string]string, err error)
}

// ManifestUnwatcher is the subset of internal/manifest.Watcher a Manager
// needs to tear down a directory watch when its record is reaped or
// killed. Declared here rather than importing internal/manifest directly
// so C3 does not depend on C4's HTTP-facing package.
type ManifestUnwatcher interface {
	Unwatch(key string)
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	Channels   ChannelLookup
	Profiles   map[string]model.Profile
	Resolver   Resolver // may be nil if no channel uses resolver: true
	FFmpegPath string
	MediaRoot  string // base directory for per-key segmented output dirs
	Logger     *slog.Logger
	Manifest   ManifestUnwatcher // may be nil; Unwatch is called when a watched record is torn down

	IdleTimeout   time.Duration // default 30s
	SweepInterval time.Duration // default 15s
	LaunchTimeout time.Duration // how long open() waits to learn Running vs Failed, default 5s

	// InitialBackoff/MaxBackoff/RestartBudget/StopTimeout override the
	// per-record restart tuning; zero values fall back to production
	// defaults. Tests use these to shrink the restart-budget window.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	RestartBudget  RestartBudget
	StopTimeout    time.Duration
}

// Manager is the transcoder lifecycle engine: Open/ListLive/Kill/
// Shutdown over a map of per-key Records, with a per-key launch lock
// guaranteeing at most one child spawn per key at a time.
type Manager struct {
	cfg ManagerConfig

	mu      sync.RWMutex
	records map[string]*Record
	touched map[string]time.Time // per-key last manifest-file read, set by Touch
	wg      sync.WaitGroup

	launchLocks *keyLocks
	resources   *util.ResourceTracker // tracks each record's child process for shutdown leak detection
	monitor     *ResourceMonitor      // samples each live child's fd/memory usage

	shuttingDown bool
}

// NewManager constructs a Manager from cfg, filling in defaults for any
// unset duration.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 15 * time.Second
	}
	if cfg.LaunchTimeout <= 0 {
		cfg.LaunchTimeout = 5 * time.Second
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 1 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.RestartBudget.MaxRestarts <= 0 {
		cfg.RestartBudget = DefaultRestartBudget
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 5 * time.Second
	}
	return &Manager{
		cfg:         cfg,
		records:     make(map[string]*Record),
		touched:     make(map[string]time.Time),
		launchLocks: newKeyLocks(),
		resources:   util.NewResourceTracker(),
		monitor:     NewResourceMonitor(),
	}
}

// Touch resets key's idle clock to now. The HTTP layer calls this on
// every manifest/segment file request, so that Sweep's idle reaper sees
// ongoing HLS/DASH polling even though manifest requests never hold a
// ring subscription. Producer-side segment writes deliberately do not
// touch the clock; only a client read proves anyone is watching.
func (m *Manager) Touch(key model.StreamKey) {
	m.mu.Lock()
	m.touched[key.String()] = time.Now()
	m.mu.Unlock()
}

func (m *Manager) forgetTouch(keyStr string) {
	m.mu.Lock()
	delete(m.touched, keyStr)
	m.mu.Unlock()
}

func (m *Manager) unwatchManifest(keyStr string) {
	if m.cfg.Manifest != nil {
		m.cfg.Manifest.Unwatch(keyStr)
	}
}

func (m *Manager) recordTuning() recordTuning {
	tuning := recordTuning{
		InitialBackoff: m.cfg.InitialBackoff,
		MaxBackoff:     m.cfg.MaxBackoff,
		Budget:         m.cfg.RestartBudget,
		StopTimeout:    m.cfg.StopTimeout,
		Resources:      m.resources,
		Monitor:        m.monitor,
	}
	if m.cfg.MediaRoot != "" {
		tuning.LogDir = filepath.Join(m.cfg.MediaRoot, "logs")
	}
	return tuning
}

// Open attaches to an existing healthy record for key, or launches a
// new one under the per-key single-flight lock. Overlap keys always
// launch a private record and are never shared; the private record is
// still published under its own unique key so Kill, Sweep and Shutdown
// reach it.
func (m *Manager) Open(ctx context.Context, key model.StreamKey, region string) (*Subscriber, *Record, error) {
	m.mu.RLock()
	down := m.shuttingDown
	m.mu.RUnlock()
	if down {
		return nil, nil, apierr.New(apierr.KindUnavailable, "server is shutting down")
	}

	channel, err := m.cfg.Channels.Get(key.ChannelID)
	if err != nil {
		return nil, nil, apierr.Wrap(apierr.KindNotFound, fmt.Sprintf("channel %d", key.ChannelID), err)
	}

	var variant *model.Variant
	if key.Variant != "" && key.Variant != "_" {
		v, ok := channel.FindVariant(key.Variant)
		if !ok {
			return nil, nil, apierr.Newf(apierr.KindBadRequest, "channel %d has no variant %q", key.ChannelID, key.Variant)
		}
		variant = &v
	}

	if !channel.RegionAllowed(region) {
		return nil, nil, apierr.Newf(apierr.KindForbidden, "channel %d is not available in region %q", key.ChannelID, region)
	}

	if key.IsOverlap() {
		rec, err := m.launch(ctx, key, channel, variant)
		if err != nil {
			return nil, nil, err
		}
		m.mu.Lock()
		m.records[key.String()] = rec
		m.mu.Unlock()
		return rec.Subscribe(), rec, nil
	}

	keyStr := key.String()

	m.mu.RLock()
	rec, ok := m.records[keyStr]
	m.mu.RUnlock()
	if ok && healthy(rec.State()) {
		return rec.Subscribe(), rec, nil
	}

	unlock := m.launchLocks.Lock(keyStr)
	defer unlock()

	m.mu.RLock()
	rec, ok = m.records[keyStr]
	m.mu.RUnlock()
	if ok && healthy(rec.State()) {
		return rec.Subscribe(), rec, nil
	}

	rec, err = m.launch(ctx, key, channel, variant)
	if err != nil {
		return nil, nil, err
	}

	m.mu.Lock()
	m.records[keyStr] = rec
	m.mu.Unlock()

	return rec.Subscribe(), rec, nil
}

// healthy reports whether an existing record should be reused by a new
// Open call rather than relaunched. Degraded (a restart attempt in
// progress, within budget) is reusable: treating a mid-restart record
// as unhealthy would race Open's launch-lock path into spawning a
// second child for the same key while the original's run loop keeps
// retrying in the background.
func healthy(s State) bool {
	return s == StateStarting || s == StateRunning || s == StateDegraded
}

// launch resolves the source, builds the launch input, starts the
// record's run loop, and waits up to LaunchTimeout to learn whether it
// reached Running (success) or Failed (the child refused to start).
func (m *Manager) launch(ctx context.Context, key model.StreamKey, channel model.Channel, variant *model.Variant) (*Record, error) {
	source := channel.Source
	tuning := channel.InputTuning
	if variant != nil {
		if variant.Source != "" {
			source = variant.Source
		}
		if variant.InputTuning != nil {
			tuning = variant.InputTuning
		}
	}

	var extraHeaders map[string]string
	if tuning != nil && tuning.ResolverFlag {
		if m.cfg.Resolver == nil {
			return nil, apierr.New(apierr.KindUnavailable, "channel requires a resolver but none is configured")
		}
		resolved, headers, err := m.cfg.Resolver.Resolve(ctx, source, tuning.ResolverConfig)
		if err != nil {
			return nil, apierr.Wrap(apierr.KindUnavailable, "resolving source", err)
		}
		source = resolved
		extraHeaders = headers
	}

	var profile *model.Profile
	profileName := channel.Profile
	if variant != nil && variant.Profile != "" {
		profileName = variant.Profile
	}
	if profileName != "" {
		if p, ok := m.cfg.Profiles[profileName]; ok {
			profile = &p
		}
	}

	// The stream key's shape is authoritative when set: /audio forces
	// the audio pipeline and manifest routes force hls/dash regardless
	// of what the channel declares. The channel/variant declaration is
	// only the fallback, and the tuning flags then adjust it.
	shape := key.Shape
	if shape == "" {
		shape = channel.OutputFormat
		if variant != nil && variant.OutputFormat != "" {
			shape = variant.OutputFormat
		}
	}
	if shape == "" {
		shape = model.OutputTS
	}
	if tuning != nil {
		// audio_only strips video from byte-stream shapes; a segmented
		// request keeps its manifest contract.
		if tuning.AudioOnly && !shape.Segmented() {
			shape = model.OutputAudio
		}
		if tuning.LLHLS && shape == model.OutputHLS {
			shape = model.OutputLLHLS
		}
	}

	outputDir := ""
	if shape.Segmented() && m.cfg.MediaRoot != "" {
		outputDir = filepath.Join(m.cfg.MediaRoot, "live", sanitizeKey(key.String()))
	}

	disableBootstrap := tuning != nil && tuning.DisableBootstrap
	if profile != nil && profile.DisableBootstrap {
		disableBootstrap = true
	}

	build := BuildInput{
		Channel:          channel,
		Variant:          variant,
		Profile:          profile,
		Source:           source,
		Shape:            shape,
		OutputDir:        outputDir,
		FFmpegPath:       m.cfg.FFmpegPath,
		Tuning:           tuning,
		ExtraHeaders:     extraHeaders,
		DisableBootstrap: disableBootstrap,
	}

	rec := newRecord(key, build, m.cfg.Logger, m.recordTuning())

	m.wg.Add(1)
	util.SafeGo("record-"+key.String(), os.Stderr, func() {
		defer m.wg.Done()
		_ = rec.run(context.Background())
	}, nil)

	deadline := time.NewTimer(m.cfg.LaunchTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(25 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			switch rec.State() {
			case StateRunning:
				return rec, nil
			case StateFailed, StateStopped:
				return nil, apierr.New(apierr.KindUnavailable, "child process failed to start")
			}
		case <-deadline.C:
			// Still Starting after the grace window: hand back a handle
			// anyway. The run loop keeps retrying in the background and
			// a slow-starting child is not the same as a refused one.
			return rec, nil
		case <-ctx.Done():
			return nil, apierr.Wrap(apierr.KindUnavailable, "request cancelled while starting", ctx.Err())
		}
	}
}

// sanitizeKey makes a stream key safe to use as a path component.
func sanitizeKey(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}

// ListLive implements list_live(): a snapshot of every record's Info.
func (m *Manager) ListLive() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Info, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out
}

// Kill implements kill(key): terminates the record if present.
func (m *Manager) Kill(key model.StreamKey) error {
	keyStr := key.String()
	m.mu.Lock()
	rec, ok := m.records[keyStr]
	if ok {
		delete(m.records, keyStr)
	}
	m.mu.Unlock()

	if !ok {
		return apierr.Newf(apierr.KindNotFound, "no live record for key %s", keyStr)
	}
	m.forgetTouch(keyStr)
	m.unwatchManifest(keyStr)
	rec.terminate()
	return nil
}

// TerminateChannel tears down every record for a channel id, regardless
// of variant/shape/overlap suffix. Wired as the registry's delete hook
// so removing a channel cascades into its live children.
func (m *Manager) TerminateChannel(channelID int) {
	m.mu.Lock()
	var victims []*Record
	for k, r := range m.records {
		if r.Key.ChannelID == channelID {
			victims = append(victims, r)
			delete(m.records, k)
		}
	}
	m.mu.Unlock()

	for _, r := range victims {
		keyStr := r.Key.String()
		m.forgetTouch(keyStr)
		m.unwatchManifest(keyStr)
		r.terminate()
	}
}

// Shutdown terminates all live records and waits for their run loops to
// exit, draining subscribers.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.shuttingDown = true
	var all []*Record
	for k, r := range m.records {
		all = append(all, r)
		delete(m.records, k)
	}
	m.touched = make(map[string]time.Time)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, r := range all {
		m.unwatchManifest(r.Key.String())
		wg.Add(1)
		go func(r *Record) {
			defer wg.Done()
			r.terminate()
		}(r)
	}
	wg.Wait()
	m.wg.Wait()

	if leaked := m.resources.LeakedResources(); len(leaked) > 0 && m.cfg.Logger != nil {
		m.cfg.Logger.Warn("resource tracker found leaks after shutdown", "leaked", leaked)
	}
}

// Sweep terminates every non-overlap record with zero subscribers that
// has been idle past IdleTimeout, and every overlap record as soon as
// it has zero subscribers. It is intended to be called on a ticker
// (see RunSweeper) but is exported standalone so tests can drive it
// deterministically.
func (m *Manager) Sweep(now time.Time, idleSince map[string]time.Time) map[string]time.Time {
	m.mu.RLock()
	snapshot := make(map[string]*Record, len(m.records))
	for k, r := range m.records {
		snapshot[k] = r
	}
	touched := make(map[string]time.Time, len(m.touched))
	for k, t := range m.touched {
		touched[k] = t
	}
	m.mu.RUnlock()

	nextIdleSince := make(map[string]time.Time, len(snapshot))
	var reap []*Record

	for k, r := range snapshot {
		if r.SubscriberCount() > 0 {
			continue
		}
		if r.Key.IsOverlap() {
			reap = append(reap, r)
			continue
		}
		since, tracked := idleSince[k]
		if !tracked {
			since = now
		}
		// A manifest-file read more recent than the tracked baseline
		// pushes the idle deadline out, even though it never touched
		// SubscriberCount.
		if t, ok := touched[k]; ok && t.After(since) {
			since = t
		}
		nextIdleSince[k] = since
		if now.Sub(since) >= m.cfg.IdleTimeout {
			reap = append(reap, r)
		}
	}

	for _, r := range reap {
		keyStr := r.Key.String()
		m.mu.Lock()
		if m.records[keyStr] == r {
			delete(m.records, keyStr)
		}
		m.mu.Unlock()
		delete(nextIdleSince, keyStr)
		m.forgetTouch(keyStr)
		m.unwatchManifest(keyStr)
		r.terminate()
	}

	return nextIdleSince
}

// RunSweeper runs the idle-reap loop until ctx is cancelled. It
// implements suture.Service so it can be supervised alongside the HTTP
// server and scheduler.
func (m *Manager) RunSweeper(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	idleSince := make(map[string]time.Time)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			idleSince = m.Sweep(now, idleSince)
		}
	}
}

// Run implements supervisor.Service.
func (m *Manager) Run(ctx context.Context) error { return m.RunSweeper(ctx) }

// Name implements suture.Service.
func (m *Manager) Name() string { return "transcoder-sweeper" }
