// Package autoyou is the control and dispatch core of the AutoYou trading
// assistant. It routes requests between specialized sub-agents (login,
// portfolio, stocks, options, orders, markets), detects transfer loops,
// and enforces a mandatory human-confirmation gate before any
// state-mutating trading action is authorized. The surrounding
// application owns transport, rendering, and the brokerage integration;
// this core only arbitrates control state.
package autoyou

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/autoyou-dev/autoyou/internal/gate"
	"github.com/autoyou-dev/autoyou/internal/guard"
	"github.com/autoyou-dev/autoyou/internal/router"
	obs "github.com/autoyou-dev/autoyou/pkg/observability"
	"github.com/autoyou-dev/autoyou/pkg/registry"
	"github.com/autoyou-dev/autoyou/pkg/session"
)

// Config represents the top-level configuration.
type Config struct {
	// Entry is the agent id that owns every new session.
	Entry string `yaml:"entry"`

	// Registry declares the sub-agents, their capability tags, their
	// transfer allow-lists, and the fallback agent.
	Registry registry.Config `yaml:"registry"`

	// Session configures session storage.
	Session session.Config `yaml:"session,omitempty"`

	// Guard configures loop detection.
	Guard GuardConfig `yaml:"guard,omitempty"`

	// Gate configures the confirmation gate.
	Gate GateConfig `yaml:"gate,omitempty"`

	// Router configures dispatch tunables.
	Router RouterConfig `yaml:"router,omitempty"`

	// Sweep configures background housekeeping.
	Sweep SweepConfig `yaml:"sweep,omitempty"`
}

// Duration wraps time.Duration so config files can use values like "3m".
type Duration struct{ time.Duration }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// GuardConfig holds loop-guard settings.
type GuardConfig struct {
	// MaxTailTransfers bounds the unbroken transfer tail (default 8).
	MaxTailTransfers int `yaml:"max_tail_transfers"`
}

// GateConfig holds confirmation-gate settings.
type GateConfig struct {
	// ConfirmTTL is the confirmation window (e.g. "3m").
	ConfirmTTL Duration `yaml:"confirm_ttl"`
}

// RouterConfig holds router settings.
type RouterConfig struct {
	// MessagesPerSecond caps per-session inbound rate (0 = disabled).
	MessagesPerSecond float64 `yaml:"messages_per_second"`
	// Burst is the rate limiter burst size.
	Burst int `yaml:"burst"`
}

// SweepConfig holds housekeeping settings.
type SweepConfig struct {
	// IdleTimeout expires sessions with no activity for this long
	// (0 = sessions never idle out).
	IdleTimeout Duration `yaml:"idle_timeout"`
	// Interval is how often the sweeper runs (default "1m").
	Interval Duration `yaml:"interval"`
}

// FileReader interface for reading files (testable)
type FileReader interface {
	ReadFile(path string) ([]byte, error)
}

// OSFileReader implements FileReader using os.ReadFile
type OSFileReader struct{}

func (r *OSFileReader) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path) // #nosec G304 - path is from trusted config file input
}

// ConfigLoader loads configuration from a file
type ConfigLoader struct {
	fileReader FileReader
}

// NewConfigLoader creates a new config loader
func NewConfigLoader(fr FileReader) *ConfigLoader {
	return &ConfigLoader{fileReader: fr}
}

// LoadConfig loads and parses a config file
func (cl *ConfigLoader) LoadConfig(configPath string) (*Config, error) {
	data, err := cl.fileReader.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return &config, nil
}

// UsageSummary aggregates analytics across the session arena.
type UsageSummary struct {
	// Sessions is the number of live sessions.
	Sessions int `json:"sessions"`
	// Totals sums the per-session counters.
	Totals session.Counters `json:"totals"`
	// TransfersByAgent counts accepted handoffs per destination agent.
	TransfersByAgent map[string]int `json:"transfersByAgent"`
}

// Core wires the registry, session store, loop guard, confirmation gate,
// and router into the public control surface.
type Core struct {
	cfg      *Config
	registry *registry.Registry
	sessions *session.Manager
	guard    *guard.Guard
	gate     *gate.Gate
	router   *router.Router

	sweeper *cron.Cron
}

// New builds a core from config. The context is used for backend setup
// (e.g. the Firestore client).
func New(ctx context.Context, cfg *Config) (*Core, error) {
	if cfg.Entry == "" {
		return nil, fmt.Errorf("entry agent is required")
	}

	reg, err := registry.New(&cfg.Registry)
	if err != nil {
		return nil, fmt.Errorf("build registry: %w", err)
	}
	if !reg.Has(cfg.Entry) {
		return nil, fmt.Errorf("entry agent %s not in registry", cfg.Entry)
	}

	backend, err := session.NewBackend(ctx, cfg.Session)
	if err != nil {
		return nil, fmt.Errorf("build session backend: %w", err)
	}

	g := guard.New(cfg.Guard.MaxTailTransfers)

	var gateOpts []gate.Option
	if cfg.Gate.ConfirmTTL.Duration > 0 {
		gateOpts = append(gateOpts, gate.WithTTL(cfg.Gate.ConfirmTTL.Duration))
	}
	cg := gate.New(gateOpts...)

	sessions := session.NewManager(backend)

	rt := router.New(sessions, reg, g, cg, router.Config{
		MessagesPerSecond: cfg.Router.MessagesPerSecond,
		Burst:             cfg.Router.Burst,
	})

	return &Core{
		cfg:      cfg,
		registry: reg,
		sessions: sessions,
		guard:    g,
		gate:     cg,
		router:   rt,
	}, nil
}

// Load reads a config file and builds a core from it.
func Load(ctx context.Context, configPath string) (*Core, error) {
	loader := NewConfigLoader(&OSFileReader{})
	cfg, err := loader.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	return New(ctx, cfg)
}

// SetExecutor installs the execution callback invoked when an action
// reaches Confirmed. Supplied by the brokerage integration layer.
func (c *Core) SetExecutor(fn router.ExecuteFunc) {
	c.router.SetExecutor(fn)
}

// Registry returns the immutable sub-agent registry.
func (c *Core) Registry() *registry.Registry {
	return c.registry
}

// CreateSession creates a new session owned by the entry agent and
// returns its id.
func (c *Core) CreateSession(ctx context.Context) (string, error) {
	sess, err := c.sessions.Create(ctx, c.cfg.Entry)
	if err != nil {
		return "", err
	}
	obs.SetActiveSessions(c.liveSessions())
	return sess.ID(), nil
}

// liveSessions counts non-expired arena sessions.
func (c *Core) liveSessions() int {
	live := 0
	for _, sess := range c.sessions.Sessions() {
		if !sess.Expired() {
			live++
		}
	}
	return live
}

// Handle dispatches a proposal for the session.
func (c *Core) Handle(ctx context.Context, sessionID string, p router.Proposal) (*router.Decision, error) {
	return c.router.Handle(ctx, sessionID, p)
}

// Confirm resolves the pending action affirmatively and, on success,
// returns a decision authorizing execution.
func (c *Core) Confirm(ctx context.Context, sessionID, actionID string) (*router.Decision, error) {
	return c.router.Handle(ctx, sessionID, router.Proposal{
		Kind:     router.KindConfirmation,
		ActionID: actionID,
	})
}

// Abort resolves the pending action negatively. No execution
// authorization is ever issued for an aborted action.
func (c *Core) Abort(ctx context.Context, sessionID, actionID string) (*router.Decision, error) {
	return c.router.Handle(ctx, sessionID, router.Proposal{
		Kind:     router.KindAbort,
		ActionID: actionID,
	})
}

// ExpireSession closes a session. Idempotent; any outstanding pending
// action transitions to Expired.
func (c *Core) ExpireSession(ctx context.Context, sessionID string) error {
	return c.router.Expire(ctx, sessionID)
}

// Counters returns the session's analytics counters.
func (c *Core) Counters(ctx context.Context, sessionID string) (session.Counters, error) {
	sess, err := c.sessions.Get(ctx, sessionID)
	if err != nil {
		return session.Counters{}, err
	}
	return sess.Counters(), nil
}

// History returns a read-only snapshot of the session's turns.
func (c *Core) History(ctx context.Context, sessionID string) ([]*session.Turn, error) {
	sess, err := c.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return sess.History(), nil
}

// PendingAction returns the session's outstanding action, if any.
func (c *Core) PendingAction(sessionID string) (gate.Action, bool) {
	return c.gate.Pending(sessionID)
}

// Usage aggregates analytics over the live session arena.
func (c *Core) Usage() UsageSummary {
	summary := UsageSummary{
		TransfersByAgent: make(map[string]int),
	}

	for _, sess := range c.sessions.Sessions() {
		if sess.Expired() {
			continue
		}
		summary.Sessions++

		counters := sess.Counters()
		summary.Totals.Messages += counters.Messages
		summary.Totals.Transfers += counters.Transfers
		summary.Totals.ConfirmedActions += counters.ConfirmedActions
		summary.Totals.AbortedActions += counters.AbortedActions

		for _, rec := range c.guard.Ledger(sess.ID()) {
			summary.TransfersByAgent[rec.To]++
		}
	}

	return summary
}

// StartSweeper begins background housekeeping: idle sessions are expired
// and overdue pending actions transition to Expired.
func (c *Core) StartSweeper() error {
	if c.sweeper != nil {
		return nil
	}

	interval := c.cfg.Sweep.Interval.Duration
	if interval <= 0 {
		interval = time.Minute
	}

	c.sweeper = cron.New()
	if _, err := c.sweeper.AddFunc(fmt.Sprintf("@every %s", interval), c.sweep); err != nil {
		return fmt.Errorf("schedule sweeper: %w", err)
	}
	c.sweeper.Start()
	return nil
}

// StopSweeper stops background housekeeping.
func (c *Core) StopSweeper() {
	if c.sweeper != nil {
		c.sweeper.Stop()
		c.sweeper = nil
	}
}

// sweep is one housekeeping pass.
func (c *Core) sweep() {
	ctx := context.Background()

	for _, action := range c.gate.Sweep() {
		if sess, err := c.sessions.Get(ctx, action.SessionID); err == nil && !sess.Expired() {
			_ = sess.AddAborted(ctx)
		}
		obs.RecordAction(string(gate.StateExpired))
		log.Printf("Expired pending action %s for session %s", action.ID, action.SessionID)
	}

	live := 0
	if c.cfg.Sweep.IdleTimeout.Duration > 0 {
		cutoff := time.Now().Add(-c.cfg.Sweep.IdleTimeout.Duration)
		for _, sess := range c.sessions.Sessions() {
			if sess.Expired() {
				continue
			}
			if sess.IdleSince().Before(cutoff) {
				if err := c.router.Expire(ctx, sess.ID()); err != nil {
					log.Printf("Failed to expire idle session %s: %v", sess.ID(), err)
					continue
				}
				log.Printf("Expired idle session %s", sess.ID())
				continue
			}
			live++
		}
	} else {
		live = c.liveSessions()
	}

	obs.SetActiveSessions(live)
}

// Close stops housekeeping and releases storage resources.
func (c *Core) Close() error {
	c.StopSweeper()
	return c.sessions.Close()
}
