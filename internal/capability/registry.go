package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loqalabs/loqa-assistant/internal/bus"
	"github.com/loqalabs/loqa-assistant/internal/config"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	subjectAnnounce        = "assistant.node.announce"
	subjectHeartbeatPrefix = "assistant.node.heartbeat"
)

// Worker names advertised by nodes.
const (
	WorkerSTT      = "stt"
	WorkerLLM      = "llm"
	WorkerTTS      = "tts"
	WorkerSessions = "sessions"
)

// Capability is one worker a node runs.
type Capability struct {
	Name       string            `json:"name"`
	Tier       string            `json:"tier,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

type NodeInfo struct {
	ID           string       `json:"id"`
	Role         string       `json:"role"`
	Capabilities []Capability `json:"capabilities"`
	LastSeen     time.Time    `json:"last_seen"`
	Healthy      bool         `json:"healthy"`
}

// presence is both the announce and the heartbeat payload, so a node that
// joins late learns about its peers from their next heartbeat.
type presence struct {
	NodeID       string       `json:"node_id"`
	Role         string       `json:"role"`
	Capabilities []Capability `json:"capabilities,omitempty"`
	Timestamp    time.Time    `json:"timestamp"`
}

// FromConfig lists the workers enabled in cfg.
func FromConfig(cfg config.Config) []Capability {
	var caps []Capability
	if cfg.STT.Enabled {
		caps = append(caps, Capability{Name: WorkerSTT, Attributes: map[string]string{
			"mode":     cfg.STT.Mode,
			"language": cfg.STT.Language,
		}})
	}
	if cfg.LLM.Enabled {
		caps = append(caps, Capability{Name: WorkerLLM, Tier: cfg.LLM.DefaultTier, Attributes: map[string]string{
			"mode":           cfg.LLM.Mode,
			"model_fast":     cfg.LLM.ModelFast,
			"model_balanced": cfg.LLM.ModelBalanced,
		}})
	}
	if cfg.TTS.Enabled {
		caps = append(caps, Capability{Name: WorkerTTS, Attributes: map[string]string{
			"mode":  cfg.TTS.Mode,
			"voice": cfg.TTS.Voice,
		}})
	}
	if cfg.Sessions.Enabled {
		caps = append(caps, Capability{Name: WorkerSessions, Attributes: map[string]string{
			"transport": cfg.Sessions.Transport,
			"locale":    cfg.Coordinator.Locale,
		}})
	}
	return caps
}

// Registry tracks which nodes on the bus run which workers.
type Registry struct {
	cfg       config.NodeConfig
	local     []Capability
	log       *slog.Logger
	bus       *bus.Client
	mu        sync.RWMutex
	nodes     map[string]*NodeInfo
	heartbeat *time.Ticker
	cancel    context.CancelFunc
	subs      []*nats.Subscription
	meter     metric.Meter
}

func NewRegistry(ctx context.Context, cfg config.NodeConfig, local []Capability, busClient *bus.Client, log *slog.Logger) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg:    cfg,
		local:  local,
		log:    log.With(slog.String("component", "capability-registry")),
		bus:    busClient,
		nodes:  make(map[string]*NodeInfo),
		meter:  otel.Meter("github.com/loqalabs/loqa-assistant/capability"),
		cancel: cancel,
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	if err := r.subscribe(); err != nil {
		r.cancel()
		return nil, err
	}

	r.heartbeat = time.NewTicker(time.Duration(cfg.HeartbeatInterval) * time.Millisecond)
	go r.runHeartbeat(ctx)
	go r.monitorHealth(ctx)

	if err := r.publish(subjectAnnounce); err != nil {
		r.log.Warn("failed to announce node", slog.String("error", err.Error()))
	}

	return r, nil
}

func (r *Registry) Close() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.heartbeat != nil {
		r.heartbeat.Stop()
	}
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	announceSub, err := conn.Subscribe(subjectAnnounce, r.handlePresence)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	r.subs = append(r.subs, announceSub)

	heartbeatSub, err := conn.Subscribe(subjectHeartbeatPrefix+".*", r.handlePresence)
	if err != nil {
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = append(r.subs, heartbeatSub)

	return nil
}

func (r *Registry) runHeartbeat(ctx context.Context) {
	subject := subjectHeartbeatPrefix + "." + r.cfg.ID
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.heartbeat.C:
			if err := r.publish(subject); err != nil {
				r.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Registry) monitorHealth(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.evaluateHealth(now)
		}
	}
}

func (r *Registry) publish(subject string) error {
	msg := presence{
		NodeID:       r.cfg.ID,
		Role:         r.cfg.Role,
		Capabilities: r.local,
		Timestamp:    time.Now().UTC(),
	}
	if err := r.bus.PublishJSON(subject, msg); err != nil {
		return err
	}
	r.updateNode(msg)
	return nil
}

func (r *Registry) handlePresence(msg *nats.Msg) {
	var p presence
	if err := json.Unmarshal(msg.Data, &p); err != nil {
		r.log.Warn("invalid presence message", slog.String("error", err.Error()))
		return
	}
	if p.NodeID == "" || p.NodeID == r.cfg.ID {
		return
	}
	if p.Timestamp.IsZero() {
		p.Timestamp = time.Now().UTC()
	}
	r.updateNode(p)
}

func (r *Registry) updateNode(p presence) {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[p.NodeID]
	if !ok {
		node = &NodeInfo{ID: p.NodeID}
		r.nodes[p.NodeID] = node
		r.log.Info("node joined", slog.String("node_id", p.NodeID), slog.Int("capabilities", len(p.Capabilities)))
	}
	if p.Role != "" {
		node.Role = p.Role
	}
	node.Capabilities = p.Capabilities
	node.LastSeen = p.Timestamp
	node.Healthy = true
}

func (r *Registry) evaluateHealth(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := time.Duration(r.cfg.HeartbeatTimeout) * time.Millisecond
	for _, node := range r.nodes {
		if node.Healthy && now.Sub(node.LastSeen) > timeout {
			node.Healthy = false
			r.log.Warn("node unhealthy", slog.String("node_id", node.ID))
		}
	}
}

// Healthy reports whether this node has seen its own presence.
func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	node, ok := r.nodes[r.cfg.ID]
	if !ok {
		return false
	}
	return node.Healthy
}

// Available reports whether a healthy node runs the named worker.
func (r *Registry) Available(name string) bool {
	return len(r.Query(func(n NodeInfo) bool { return n.Healthy && WithCapabilityFilter(name)(n) })) > 0
}

// Query returns the matching nodes ordered by ID.
func (r *Registry) Query(filter func(NodeInfo) bool) []NodeInfo {
	r.mu.RLock()
	var results []NodeInfo
	for _, node := range r.nodes {
		n := *node
		if filter == nil || filter(n) {
			results = append(results, n)
		}
	}
	r.mu.RUnlock()
	sort.Slice(results, func(i, j int) bool { return results[i].ID < results[j].ID })
	return results
}

func (r *Registry) initMetrics() error {
	if r.meter == nil {
		return nil
	}
	gauge, err := r.meter.Int64ObservableGauge("assistant.nodes.healthy", metric.WithDescription("Number of healthy nodes"))
	if err != nil {
		return err
	}
	capGauge, err := r.meter.Int64ObservableGauge("assistant.workers.total", metric.WithDescription("Workers advertised by healthy nodes"))
	if err != nil {
		return err
	}
	_, err = r.meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		nodes, caps := r.snapshotCounts()
		obs.ObserveInt64(gauge, nodes)
		obs.ObserveInt64(capGauge, caps)
		return nil
	}, gauge, capGauge)
	return err
}

func (r *Registry) snapshotCounts() (int64, int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var nodes, caps int64
	for _, node := range r.nodes {
		if !node.Healthy {
			continue
		}
		nodes++
		caps += int64(len(node.Capabilities))
	}
	return nodes, caps
}

func (r *Registry) LocalCapabilities() []Capability {
	return append([]Capability(nil), r.local...)
}

func WithCapabilityFilter(name string) func(NodeInfo) bool {
	return func(node NodeInfo) bool {
		for _, c := range node.Capabilities {
			if c.Name == name {
				return true
			}
		}
		return false
	}
}

func WithTierFilter(tier string) func(NodeInfo) bool {
	return func(node NodeInfo) bool {
		for _, c := range node.Capabilities {
			if c.Tier == tier {
				return true
			}
		}
		return false
	}
}
