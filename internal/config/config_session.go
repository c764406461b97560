package config

import "time"

// SessionConfig configures session lifecycle and background work.
type SessionConfig struct {
	// MaxConcurrent caps sessions running at once; chat.send beyond the
	// cap is rejected. Default: 16.
	MaxConcurrent int `yaml:"max_concurrent"`

	// GracePeriod keeps a terminal session's record and snapshot
	// available for rollback or inspection before the sweeper removes
	// them. Default: 15m.
	GracePeriod time.Duration `yaml:"grace_period"`

	// SweepSchedule is the cron spec for the expiry sweeper that
	// removes sessions past their grace period and orphaned snapshots.
	// Accepts standard five-field specs and @every forms.
	// Default: "@every 5m".
	SweepSchedule string `yaml:"sweep_schedule"`

	// Background configures post-session tasks.
	Background BackgroundConfig `yaml:"background"`
}

// BackgroundConfig controls the fire-and-forget tasks scheduled after a
// session completes. None of them block the client.
type BackgroundConfig struct {
	// Workers is the size of the shared background pool. Default: 4.
	Workers int `yaml:"workers"`

	// QueueSize is the pending task cap; beyond it tasks are dropped
	// with a warning. Default: 64.
	QueueSize int `yaml:"queue_size"`

	// TaskTimeout bounds one background task. Default: 2m.
	TaskTimeout time.Duration `yaml:"task_timeout"`

	// Title generates a conversation title after the first turn.
	// Default: true.
	Title *bool `yaml:"title"`

	// FollowUps generates suggested follow-up questions after a
	// completed session. Default: true.
	FollowUps *bool `yaml:"follow_ups"`

	// MemoryExtraction extracts memory fragments from completed
	// sessions. Default: true.
	MemoryExtraction *bool `yaml:"memory_extraction"`

	// PlaybookExtraction drafts playbook entries from completed
	// sessions that used tools. Default: true.
	PlaybookExtraction *bool `yaml:"playbook_extraction"`
}

func (c *SessionConfig) applyDefaults() {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 16
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = 15 * time.Minute
	}
	if c.SweepSchedule == "" {
		c.SweepSchedule = "@every 5m"
	}
	b := &c.Background
	if b.Workers <= 0 {
		b.Workers = 4
	}
	if b.QueueSize <= 0 {
		b.QueueSize = 64
	}
	if b.TaskTimeout <= 0 {
		b.TaskTimeout = 2 * time.Minute
	}
	if b.Title == nil {
		b.Title = boolPtr(true)
	}
	if b.FollowUps == nil {
		b.FollowUps = boolPtr(true)
	}
	if b.MemoryExtraction == nil {
		b.MemoryExtraction = boolPtr(true)
	}
	if b.PlaybookExtraction == nil {
		b.PlaybookExtraction = boolPtr(true)
	}
}
