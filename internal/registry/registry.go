// Package registry tracks per-agent liveness, throughput, and error rate.
package registry

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/boingo-ai/property-pipeline/internal/pipeline"
)

// Config controls how health is derived.
type Config struct {
	// StalenessWindow marks an agent unhealthy when no heartbeat (or task
	// activity) arrives within it.
	StalenessWindow time.Duration
	// FailureRateThreshold marks an agent unhealthy when the failure
	// fraction over the sliding window exceeds it.
	FailureRateThreshold float64
	// WindowSize is how many recent task completions the sliding failure
	// window keeps per agent.
	WindowSize int
}

// Registry is the process-wide agent status registry. It is constructed
// explicitly at startup and passed to every worker; mutations happen on
// every stage transition.
type Registry struct {
	cfg    Config
	clock  pipeline.Clock
	logger *zap.Logger

	mu     sync.RWMutex
	agents map[pipeline.AgentKind]*agentState
}

type agentState struct {
	inFlight      int
	succeeded     int64
	failed        int64
	lastHeartbeat time.Time
	window        []bool
}

// New constructs a Registry with all known agent kinds pre-registered so
// snapshots are complete from process start.
func New(cfg Config, clock pipeline.Clock, logger *zap.Logger) *Registry {
	if cfg.StalenessWindow <= 0 {
		cfg.StalenessWindow = 30 * time.Second
	}
	if cfg.FailureRateThreshold <= 0 {
		cfg.FailureRateThreshold = 0.5
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 20
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		cfg:    cfg,
		clock:  clock,
		logger: logger,
		agents: make(map[pipeline.AgentKind]*agentState),
	}
	now := clock.Now()
	for _, kind := range []pipeline.AgentKind{pipeline.AgentCrawl, pipeline.AgentClean, pipeline.AgentFormat} {
		r.agents[kind] = &agentState{lastHeartbeat: now}
	}
	return r
}

func (r *Registry) agent(kind pipeline.AgentKind) *agentState {
	st, ok := r.agents[kind]
	if !ok {
		st = &agentState{}
		r.agents[kind] = st
	}
	return st
}

// Heartbeat records agent liveness.
func (r *Registry) Heartbeat(kind pipeline.AgentKind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agent(kind).lastHeartbeat = r.clock.Now()
}

// RecordStart registers an in-flight task for the agent. It doubles as a
// heartbeat: a working agent is a live agent.
func (r *Registry) RecordStart(kind pipeline.AgentKind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.agent(kind)
	st.inFlight++
	st.lastHeartbeat = r.clock.Now()
}

// RecordEnd clears the in-flight marker and feeds the sliding failure
// window.
func (r *Registry) RecordEnd(kind pipeline.AgentKind, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.agent(kind)
	if st.inFlight > 0 {
		st.inFlight--
	}
	if success {
		st.succeeded++
	} else {
		st.failed++
	}
	st.lastHeartbeat = r.clock.Now()
	st.window = append(st.window, success)
	if len(st.window) > r.cfg.WindowSize {
		st.window = st.window[len(st.window)-r.cfg.WindowSize:]
	}
}

// Snapshot returns a point-in-time copy of every agent record with the
// derived health flag.
func (r *Registry) Snapshot() map[pipeline.AgentKind]pipeline.AgentStatusRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	now := r.clock.Now()
	out := make(map[pipeline.AgentKind]pipeline.AgentStatusRecord, len(r.agents))
	for kind, st := range r.agents {
		out[kind] = pipeline.AgentStatusRecord{
			AgentKind:     kind,
			Healthy:       r.healthy(st, now),
			InFlight:      st.inFlight,
			Succeeded:     st.succeeded,
			Failed:        st.failed,
			LastHeartbeat: st.lastHeartbeat,
		}
	}
	return out
}

func (r *Registry) healthy(st *agentState, now time.Time) bool {
	if now.Sub(st.lastHeartbeat) > r.cfg.StalenessWindow {
		return false
	}
	if len(st.window) == 0 {
		return true
	}
	failures := 0
	for _, ok := range st.window {
		if !ok {
			failures++
		}
	}
	rate := float64(failures) / float64(len(st.window))
	return rate <= r.cfg.FailureRateThreshold
}
