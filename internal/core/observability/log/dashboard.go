package log

import (
	"sync"
	"time"

	"go.uber.org/zap/zapcore"
)

const DefaultDashboardCapacity = 512

// DashboardEntry is one operator-visible log line.
type DashboardEntry struct {
	Time      time.Time `json:"time"`
	Component string    `json:"component"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

// Dashboard keeps the most recent entries in a fixed ring.
type Dashboard struct {
	mu      sync.RWMutex
	entries []DashboardEntry
	next    int
	full    bool
}

func NewDashboard(capacity int) *Dashboard {
	if capacity <= 0 {
		capacity = DefaultDashboardCapacity
	}
	return &Dashboard{entries: make([]DashboardEntry, capacity)}
}

func (d *Dashboard) Record(entry DashboardEntry) {
	d.mu.Lock()
	d.entries[d.next] = entry
	d.next = (d.next + 1) % len(d.entries)
	if d.next == 0 {
		d.full = true
	}
	d.mu.Unlock()
}

// Entries returns the retained entries, oldest first.
func (d *Dashboard) Entries() []DashboardEntry {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if !d.full {
		out := make([]DashboardEntry, d.next)
		copy(out, d.entries[:d.next])
		return out
	}

	out := make([]DashboardEntry, 0, len(d.entries))
	out = append(out, d.entries[d.next:]...)
	out = append(out, d.entries[:d.next]...)
	return out
}

func (d *Dashboard) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.full {
		return len(d.entries)
	}
	return d.next
}

func (d *Dashboard) core(enabler zapcore.LevelEnabler) zapcore.Core {
	return &dashboardCore{LevelEnabler: enabler, dashboard: d}
}

// dashboardCore tees zap entries into a Dashboard, tracking the
// "component" field attached with Log.With.
type dashboardCore struct {
	zapcore.LevelEnabler
	dashboard *Dashboard
	component string
}

func (c *dashboardCore) With(fields []zapcore.Field) zapcore.Core {
	clone := *c
	if component, ok := componentOf(fields); ok {
		clone.component = component
	}
	return &clone
}

func (c *dashboardCore) Check(entry zapcore.Entry, checked *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(entry.Level) {
		return checked.AddCore(entry, c)
	}
	return checked
}

func (c *dashboardCore) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	component := c.component
	if override, ok := componentOf(fields); ok {
		component = override
	}
	c.dashboard.Record(DashboardEntry{
		Time:      entry.Time,
		Component: component,
		Level:     entry.Level.String(),
		Message:   entry.Message,
	})
	return nil
}

func (c *dashboardCore) Sync() error { return nil }

func componentOf(fields []zapcore.Field) (string, bool) {
	for _, f := range fields {
		if f.Key == "component" && f.Type == zapcore.StringType {
			return f.String, true
		}
	}
	return "", false
}
