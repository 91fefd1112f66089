package cron

import (
	"crypto/rand"
	"encoding/hex"
	"time"
)

const (
	KindCron  = "cron"
	KindEvery = "every"
	KindAt    = "at"
)

// Schedule selects when a job fires. Expr is used for KindCron (six
// fields, seconds first), EveryMs for KindEvery and AtMs for KindAt.
type Schedule struct {
	Kind    string `json:"kind"`
	Expr    string `json:"expr,omitempty"`
	EveryMs int64  `json:"everyMs,omitempty"`
	AtMs    int64  `json:"atMs,omitempty"`
}

// Payload names the contact to poll.
type Payload struct {
	Contact      string `json:"contact"`
	UpdateAnchor bool   `json:"updateAnchor"`
}

type JobState struct {
	LastRunAtMs int64  `json:"lastRunAtMs,omitempty"`
	LastStatus  string `json:"lastStatus,omitempty"`
	LastError   string `json:"lastError,omitempty"`
	LastEvents  int    `json:"lastEvents,omitempty"`
}

type Job struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Enabled        bool     `json:"enabled"`
	Schedule       Schedule `json:"schedule"`
	Payload        Payload  `json:"payload"`
	State          JobState `json:"state"`
	CreatedAtMs    int64    `json:"createdAtMs"`
	DeleteAfterRun bool     `json:"deleteAfterRun,omitempty"`
}

func NewJob(name string, schedule Schedule, payload Payload) Job {
	return Job{
		ID:          newID(),
		Name:        name,
		Enabled:     true,
		Schedule:    schedule,
		Payload:     payload,
		CreatedAtMs: time.Now().UnixMilli(),
	}
}

// EverySchedule converts a poll interval into a KindEvery schedule.
func EverySchedule(interval time.Duration) Schedule {
	ms := interval.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	return Schedule{Kind: KindEvery, EveryMs: ms}
}

func newID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
