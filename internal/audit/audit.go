// Package audit persists tunnel lifecycle events to a SQLite table for
// after-the-fact history, subscribing to the Event Bus from the outside.
// It sits off the hot path of any tunnel operation: nothing here can block
// a Tunnel Task. Grounded on the teacher's internal/sshaudit package
// (AuditEntry GORM model, retention sweep), repurposed from per-instance
// SSH session audit to this daemon's own tunnel history, and switched from
// a raw time.Ticker to a robfig/cron/v3 schedule for the retention job —
// the same library the teacher's go.mod already carries for its own
// periodic maintenance jobs.
package audit

import (
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/ssh-tunnel-manager/daemon/internal/eventbus"
)

// Entry is the GORM model for the tunnel_audit_log table.
type Entry struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	TunnelID  string    `gorm:"index" json:"tunnel_id"`
	Kind      string    `gorm:"not null;index" json:"kind"`
	Reason    string    `json:"reason,omitempty"`
	Message   string    `json:"message,omitempty"`
	CreatedAt time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

// TableName overrides the GORM default pluralization.
func (Entry) TableName() string {
	return "tunnel_audit_log"
}

// Auditor subscribes to an eventbus.Bus and records every event it sees.
type Auditor struct {
	db            *gorm.DB
	retentionDays int
	sub           *eventbus.Subscription
	cron          *cron.Cron
	done          chan struct{}
}

// Open opens (creating if necessary) a SQLite database at path and
// auto-migrates the audit table.
func Open(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		return nil, err
	}
	if err := db.Exec("PRAGMA journal_mode=WAL").Error; err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, err
	}
	return db, nil
}

// NewAuditor wraps an already-open, migrated db.
func NewAuditor(db *gorm.DB, retentionDays int) *Auditor {
	return &Auditor{db: db, retentionDays: retentionDays}
}

// Subscribe starts consuming bus and persisting every event. Call Close to
// stop.
func (a *Auditor) Subscribe(bus *eventbus.Bus) {
	a.sub = bus.Subscribe()
	a.done = make(chan struct{})
	go a.consume()
}

func (a *Auditor) consume() {
	defer close(a.done)
	for msg := range a.sub.C() {
		a.record(msg.Event)
	}
}

func (a *Auditor) record(ev eventbus.Event) {
	if ev.Kind == eventbus.KindHeartbeat {
		return
	}
	entry := Entry{
		Kind:     string(ev.Kind),
		Reason:   ev.Reason,
		Message:  ev.Message,
		TunnelID: tunnelIDString(ev.TunnelID),
	}
	if ev.Auth != nil {
		if b, err := json.Marshal(ev.Auth); err == nil {
			entry.Message = string(b)
		}
	}
	if err := a.db.Create(&entry).Error; err != nil {
		log.Printf("audit: failed to record %s event: %v", ev.Kind, err)
	}
}

func tunnelIDString(id uuid.UUID) string {
	if id == uuid.Nil {
		return ""
	}
	return id.String()
}

// PurgeOlderThan deletes entries older than d, returning the count removed.
func (a *Auditor) PurgeOlderThan(d time.Duration) (int64, error) {
	cutoff := time.Now().Add(-d)
	result := a.db.Where("created_at < ?", cutoff).Delete(&Entry{})
	return result.RowsAffected, result.Error
}

// StartRetentionJob schedules a daily prune of entries older than
// retentionDays. A non-positive retentionDays disables pruning.
func (a *Auditor) StartRetentionJob() error {
	if a.retentionDays <= 0 {
		return nil
	}
	a.cron = cron.New()
	_, err := a.cron.AddFunc("@daily", func() {
		deleted, err := a.PurgeOlderThan(time.Duration(a.retentionDays) * 24 * time.Hour)
		if err != nil {
			log.Printf("audit: retention prune failed: %v", err)
			return
		}
		if deleted > 0 {
			log.Printf("audit: pruned %d entries older than %d days", deleted, a.retentionDays)
		}
	})
	if err != nil {
		return err
	}
	a.cron.Start()
	return nil
}

// Close stops the retention job and the event subscription.
func (a *Auditor) Close() {
	if a.cron != nil {
		ctx := a.cron.Stop()
		<-ctx.Done()
	}
	if a.sub != nil {
		a.sub.Close()
		<-a.done
	}
}
