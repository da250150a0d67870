/*
 * Gatewarden
 * Copyright (C) 2025  Gatewarden, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package config

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gatewarden/gatewarden"
	"github.com/gatewarden/gatewarden/lib/counter"
	"github.com/gatewarden/gatewarden/lib/defaults"
	"github.com/gatewarden/gatewarden/lib/identity"
	logutils "github.com/gatewarden/gatewarden/lib/utils/log"
)

var log = logutils.NewPackageLogger(gatewarden.ComponentKey, gatewarden.ComponentConfig)

// ProviderConfig configures a Provider.
type ProviderConfig struct {
	// Store holds the overlay document and the admin rule documents.
	// Required.
	Store counter.Store
	// BaselinePath points at the JSON baseline file. Optional; without it
	// the Defaults document is the bottom layer.
	BaselinePath string
	// Defaults is the bottom configuration layer, typically derived from
	// the environment by the service.
	Defaults Document
	// Clock drives the refresh throttle and the baseline poll.
	Clock clockwork.Clock
	// RefreshThrottle is the minimum interval between overlay fetches.
	RefreshThrottle time.Duration
	// FetchTimeout bounds a single overlay fetch.
	FetchTimeout time.Duration
	// PollInterval is how often the baseline file mtime is checked.
	PollInterval time.Duration
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *ProviderConfig) CheckAndSetDefaults() error {
	if c.Store == nil {
		return trace.BadParameter("missing parameter Store")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.RefreshThrottle == 0 {
		c.RefreshThrottle = defaults.ConfigRefreshThrottle
	}
	if c.FetchTimeout == 0 {
		c.FetchTimeout = defaults.OverlayFetchTimeout
	}
	if c.PollInterval == 0 {
		c.PollInterval = defaults.BaselinePollInterval
	}
	return nil
}

// Provider assembles and publishes the merged configuration snapshot:
// defaults under the baseline file under the store overlay, with the
// admin rule documents loaded alongside. Snapshots swap atomically; readers
// never block on a refresh.
type Provider struct {
	cfg ProviderConfig

	current atomic.Pointer[Config]

	// refreshMu serializes refreshes so a forced refresh can never be
	// overtaken by a background one that fetched older data.
	refreshMu sync.Mutex

	mu             sync.Mutex
	baseline       Document
	baselineMtime  time.Time
	overlay        Document
	overlayPresent bool
	ipRules        map[string]IPRule
	agentLimits    map[string]LimitSet
	lastRefresh    time.Time

	closeOnce sync.Once
	done      chan struct{}
}

// NewProvider loads the baseline and publishes the initial snapshot. A
// malformed baseline fails construction; runtime reload failures keep the
// last valid snapshot instead. The first overlay fetch happens on first
// access or forced refresh.
func NewProvider(cfg ProviderConfig) (*Provider, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	p := &Provider{
		cfg:  cfg,
		done: make(chan struct{}),
	}
	if cfg.BaselinePath != "" {
		doc, mtime, err := loadBaseline(cfg.BaselinePath)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		p.baseline = doc
		p.baselineMtime = mtime
	}
	p.mu.Lock()
	p.publishLocked()
	p.mu.Unlock()

	go p.pollBaseline()
	return p, nil
}

// Close stops the baseline poller.
func (p *Provider) Close() error {
	p.closeOnce.Do(func() { close(p.done) })
	return nil
}

// Current returns the latest snapshot and, if the throttle allows, kicks
// off a background overlay refresh. It never blocks on the store.
func (p *Provider) Current(ctx context.Context) *Config {
	snap := p.current.Load()
	p.maybeRefresh()
	return snap
}

// ForceRefresh fetches the overlay and rule documents immediately,
// bypassing the throttle. Any in-flight refresh finishes first, so a
// forced refresh always observes writes made before the call.
func (p *Provider) ForceRefresh(ctx context.Context) error {
	p.refreshMu.Lock()
	err := p.refresh(ctx)
	p.refreshMu.Unlock()

	p.mu.Lock()
	p.lastRefresh = p.cfg.Clock.Now()
	p.mu.Unlock()
	return trace.Wrap(err)
}

// maybeRefresh claims a refresh slot under the throttle and runs the
// refresh on its own goroutine so request paths never wait on it.
func (p *Provider) maybeRefresh() {
	p.mu.Lock()
	due := p.lastRefresh.IsZero() || p.cfg.Clock.Since(p.lastRefresh) >= p.cfg.RefreshThrottle
	if due {
		p.lastRefresh = p.cfg.Clock.Now()
	}
	p.mu.Unlock()
	if !due {
		return
	}
	go func() {
		p.refreshMu.Lock()
		defer p.refreshMu.Unlock()
		// refresh logs its own keep-last-good warnings.
		_ = p.refresh(context.Background())
	}()
}

// refresh pulls the overlay and rule documents and republishes the
// snapshot. Fetch or parse failures keep the previous good values.
func (p *Provider) refresh(ctx context.Context) error {
	overlay, present, overlayErr := p.fetchOverlay(ctx)
	ipRules, agentLimits, rulesErr := p.fetchRules(ctx)

	p.mu.Lock()
	if overlayErr == nil {
		p.overlay = overlay
		p.overlayPresent = present
	}
	if rulesErr == nil {
		p.ipRules = ipRules
		p.agentLimits = agentLimits
	}
	p.publishLocked()
	p.mu.Unlock()

	if overlayErr != nil {
		log.WarnContext(ctx, "Keeping last good overlay", "error", overlayErr)
		return trace.Wrap(overlayErr)
	}
	if rulesErr != nil {
		log.WarnContext(ctx, "Keeping last good ip and agent rules", "error", rulesErr)
		return trace.Wrap(rulesErr)
	}
	return nil
}

func (p *Provider) fetchOverlay(ctx context.Context) (Document, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.FetchTimeout)
	defer cancel()

	raw, err := p.cfg.Store.Get(ctx, OverlayKey)
	switch {
	case trace.IsNotFound(err):
		return Document{}, false, nil
	case err != nil:
		return Document{}, false, trace.Wrap(err)
	}
	doc, err := ParseOverlay([]byte(raw))
	if err != nil {
		return Document{}, false, trace.Wrap(err)
	}
	return doc, true, nil
}

func (p *Provider) fetchRules(ctx context.Context) (map[string]IPRule, map[string]LimitSet, error) {
	ipKeys, err := p.cfg.Store.Keys(ctx, IPRuleKeyPrefix+"*")
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	ipRules := make(map[string]IPRule, len(ipKeys))
	for _, key := range ipKeys {
		raw, err := p.cfg.Store.Get(ctx, key)
		if trace.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, nil, trace.Wrap(err)
		}
		var rule IPRule
		if err := json.Unmarshal([]byte(raw), &rule); err != nil {
			log.WarnContext(ctx, "Skipping malformed ip rule", "key", key, "error", err)
			continue
		}
		if rule.IP == "" {
			rule.IP = strings.TrimPrefix(key, IPRuleKeyPrefix)
		}
		ipRules[identity.HashIP(rule.IP)] = rule
	}

	agentKeys, err := p.cfg.Store.Keys(ctx, AgentLimitKeyPrefix+"*")
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	agentLimits := make(map[string]LimitSet, len(agentKeys))
	for _, key := range agentKeys {
		raw, err := p.cfg.Store.Get(ctx, key)
		if trace.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, nil, trace.Wrap(err)
		}
		var set LimitSet
		if err := json.Unmarshal([]byte(raw), &set); err != nil {
			log.WarnContext(ctx, "Skipping malformed agent limits", "key", key, "error", err)
			continue
		}
		agentLimits[strings.TrimPrefix(key, AgentLimitKeyPrefix)] = set
	}
	return ipRules, agentLimits, nil
}

// publishLocked rebuilds and swaps in the snapshot. Callers hold mu.
func (p *Provider) publishLocked() {
	merged := p.cfg.Defaults.Merge(p.baseline).Merge(p.overlay)
	snap := Resolve(merged)
	snap.OverlayPresent = p.overlayPresent
	snap.RefreshedAt = p.cfg.Clock.Now()
	if len(p.ipRules) > 0 {
		snap.IPRules = make(map[string]IPRule, len(p.ipRules))
		for k, v := range p.ipRules {
			snap.IPRules[k] = v
		}
	}
	if len(p.agentLimits) > 0 {
		snap.AgentLimits = make(map[string]LimitSet, len(p.agentLimits))
		for k, v := range p.agentLimits {
			snap.AgentLimits[k] = v
		}
	}
	p.current.Store(snap)
}

// pollBaseline rereads the baseline file whenever its mtime changes.
func (p *Provider) pollBaseline() {
	if p.cfg.BaselinePath == "" {
		return
	}
	ticker := p.cfg.Clock.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.Chan():
			p.reloadBaseline()
		}
	}
}

func (p *Provider) reloadBaseline() {
	fi, err := os.Stat(p.cfg.BaselinePath)
	if err != nil {
		log.Warn("Baseline config file is unreadable", "path", p.cfg.BaselinePath, "error", err)
		return
	}
	p.mu.Lock()
	unchanged := fi.ModTime().Equal(p.baselineMtime)
	p.mu.Unlock()
	if unchanged {
		return
	}

	doc, mtime, err := loadBaseline(p.cfg.BaselinePath)
	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		// Record the mtime so the rejection is logged once per change,
		// and keep serving the last valid snapshot.
		p.baselineMtime = fi.ModTime()
		log.Warn("Rejecting changed baseline config, keeping last valid one", "path", p.cfg.BaselinePath, "error", err)
		return
	}
	p.baseline = doc
	p.baselineMtime = mtime
	p.publishLocked()
	log.Info("Reloaded baseline config", "path", p.cfg.BaselinePath)
}

func loadBaseline(path string) (Document, time.Time, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return Document{}, time.Time{}, trace.ConvertSystemError(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, time.Time{}, trace.ConvertSystemError(err)
	}
	doc, err := ParseDocument(data)
	if err != nil {
		return Document{}, time.Time{}, trace.Wrap(err)
	}
	return doc, fi.ModTime(), nil
}
