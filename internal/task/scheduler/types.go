package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"schedbot/internal/task/engine"
	logx "schedbot/pkg/logx"
)

// Config controls the trigger service.
type Config struct {
	// Location is the timezone every cron spec is evaluated in. Nil means time.Local.
	Location *time.Location
}

// Submitter is the part of the task engine the scheduler uses.
type Submitter interface {
	Submit(t engine.Task) (string, error)
}

type scheduleDef struct {
	name    string
	spec    string
	timeout time.Duration
	job     func(ctx context.Context) error
	entryID cron.EntryID
	state   *engine.RunState
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config

	engine Submitter

	parser cron.Parser
	c      *cron.Cron
	defs   []scheduleDef

	// Submit error throttling, keyed by schedule name.
	subMu       sync.Mutex
	lastSubWarn map[string]time.Time
}

type ScheduleInfo struct {
	Name    string        `json:"name"`
	Spec    string        `json:"spec"`
	Timeout time.Duration `json:"timeout"`
	Next    time.Time     `json:"next"`
	Prev    time.Time     `json:"prev,omitempty"`
}

type Snapshot struct {
	Running   bool           `json:"running"`
	Timezone  string         `json:"timezone"`
	Schedules []ScheduleInfo `json:"schedules"`
}
