// Package events publishes job lifecycle events to NATS.
//
// Events are published to subjects:
//   - archivist.jobs.{owner_id}.{job_id}.started
//   - archivist.jobs.{owner_id}.{job_id}.progress
//   - archivist.jobs.{owner_id}.{job_id}.completed
//   - archivist.jobs.{owner_id}.{job_id}.failed
//
// Publishing is fire-and-forget. A job never fails because an event could
// not be delivered.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/archivist/internal/archive"
	"github.com/fyrsmithlabs/archivist/internal/config"
)

// Type is the last subject token of an event.
type Type string

const (
	Started   Type = "started"
	Progress  Type = "progress"
	Completed Type = "completed"
	Failed    Type = "failed"
)

// Event is the JSON payload of every job event.
type Event struct {
	Type      Type             `json:"type"`
	JobID     string           `json:"job_id"`
	OwnerID   string           `json:"owner_id"`
	Status    archive.Status   `json:"status"`
	Progress  float64          `json:"progress"`
	Counters  archive.Counters `json:"counters"`
	Reason    *archive.Reason  `json:"reason,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// FromJob builds an event of type t from the job's current state.
func FromJob(t Type, job *archive.Job) Event {
	return Event{
		Type:      t,
		JobID:     job.ID,
		OwnerID:   job.OwnerID,
		Status:    job.Status,
		Progress:  job.Progress,
		Counters:  job.Counters,
		Reason:    job.Reason(),
		Timestamp: time.Now().UTC(),
	}
}

// Publisher delivers job events.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Config holds event bus configuration.
type Config struct {
	// Enabled turns on NATS publishing. Disabled uses a no-op publisher.
	Enabled       bool            `koanf:"enabled"`
	URL           string          `koanf:"url"`
	SubjectPrefix string          `koanf:"subject_prefix"`
	MaxReconnects int             `koanf:"max_reconnects"`
	ReconnectWait config.Duration `koanf:"reconnect_wait"`
}

// NewDefaultConfig returns event defaults.
func NewDefaultConfig() *Config {
	return &Config{
		URL:           nats.DefaultURL,
		SubjectPrefix: "archivist.jobs",
		MaxReconnects: 5,
		ReconnectWait: config.Duration(time.Second),
	}
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.URL == "" {
		return fmt.Errorf("events.url is required when events are enabled")
	}
	if c.SubjectPrefix == "" || strings.ContainsAny(c.SubjectPrefix, " *>") {
		return fmt.Errorf("invalid events.subject_prefix %q", c.SubjectPrefix)
	}
	return nil
}

// Connect returns a NATS publisher, or a no-op publisher when events are
// disabled.
func Connect(cfg *Config, logger *zap.Logger) (Publisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !cfg.Enabled {
		return Nop{}, nil
	}
	nc, err := nats.Connect(cfg.URL,
		nats.Name("archivistd"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait.Duration()),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.URL, err)
	}
	logger.Info("connected to NATS", zap.String("url", cfg.URL))
	p := NewNATSPublisher(nc, cfg.SubjectPrefix, logger)
	p.owned = true
	return p, nil
}

// NATSPublisher publishes events as JSON on core NATS.
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
	logger *zap.Logger
	owned  bool
}

// NewNATSPublisher wraps an existing connection. Close does not close nc.
func NewNATSPublisher(nc *nats.Conn, prefix string, logger *zap.Logger) *NATSPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prefix == "" {
		prefix = "archivist.jobs"
	}
	return &NATSPublisher{nc: nc, prefix: prefix, logger: logger}
}

// Publish implements Publisher.
func (p *NATSPublisher) Publish(_ context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	subject := Subject(p.prefix, ev.OwnerID, ev.JobID, ev.Type)
	if err := p.nc.Publish(subject, data); err != nil {
		PublishFailures.WithLabelValues(string(ev.Type)).Inc()
		return fmt.Errorf("publish %s event: %w", ev.Type, err)
	}
	Published.WithLabelValues(string(ev.Type)).Inc()
	return nil
}

// Close drains the connection if Connect opened it.
func (p *NATSPublisher) Close() error {
	if !p.owned {
		return nil
	}
	return p.nc.Drain()
}

// Subject returns the subject for one event.
func Subject(prefix, owner, jobID string, t Type) string {
	return fmt.Sprintf("%s.%s.%s.%s", prefix, token(owner), token(jobID), t)
}

// OwnerWildcard matches every event of one owner.
func OwnerWildcard(prefix, owner string) string {
	return fmt.Sprintf("%s.%s.>", prefix, token(owner))
}

// token makes s safe as a single subject token.
func token(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}

// Nop discards events.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, Event) error { return nil }

// Close implements Publisher.
func (Nop) Close() error { return nil }

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Publish implements Publisher.
func (r *Recorder) Publish(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

// Close implements Publisher.
func (r *Recorder) Close() error { return nil }

// Events returns a copy of what was published, optionally filtered by job.
func (r *Recorder) Events(jobID string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, 0, len(r.events))
	for _, ev := range r.events {
		if jobID == "" || ev.JobID == jobID {
			out = append(out, ev)
		}
	}
	return out
}
