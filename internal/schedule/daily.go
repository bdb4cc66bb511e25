package schedule

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ligun0805/multisender/internal/logx"
)

// Daily fires a job once a day at a fixed clock time.
// A firing that overlaps a still-running job is skipped.
type Daily struct {
	cron *cron.Cron
	id   cron.EntryID
	at   Clock
	log  logx.Logger
}

// NewDaily registers job at "HH:MM" in loc.
func NewDaily(at string, loc *time.Location, job func(), log logx.Logger) (*Daily, error) {
	clock, err := ParseClock(at)
	if err != nil {
		return nil, err
	}
	if loc == nil {
		loc = time.Local
	}
	cl := cronLogger{log: log}
	c := cron.New(
		cron.WithLocation(loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	id, err := c.AddFunc(fmt.Sprintf("%d %d * * *", clock.Minute, clock.Hour), job)
	if err != nil {
		return nil, fmt.Errorf("register daily run: %w", err)
	}
	return &Daily{cron: c, id: id, at: clock, log: log}, nil
}

func (d *Daily) Start() {
	d.cron.Start()
	d.log.Info("daily schedule started", logx.String("at", d.at.String()), logx.Time("next", d.Next()))
}

// Stop halts the schedule and waits for a running job to return.
func (d *Daily) Stop() {
	<-d.cron.Stop().Done()
	d.log.Info("daily schedule stopped")
}

// Next is the next firing time; zero before Start.
func (d *Daily) Next() time.Time { return d.cron.Entry(d.id).Next }

type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...interface{}) {
	l.log.Debug("cron: "+msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.Error("cron: "+msg, logx.Err(err), logx.Any("kv", kv))
}
