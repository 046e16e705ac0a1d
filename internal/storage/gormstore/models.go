package gormstore

import (
	"time"

	"github.com/JakeFAU/repo-collector/internal/crawler"
)

// unitRow is the work_units table. RootKey is set only on roots and ParentID
// only on successors; both carry unique indexes, and NULLs never collide, so
// the same schema works on SQLite and MySQL.
type unitRow struct {
	ID             string     `gorm:"primaryKey;size:64"`
	Host           string     `gorm:"size:64;not null;index"`
	Strategy       string     `gorm:"size:64;not null"`
	Epoch          string     `gorm:"size:64;not null"`
	Cursor         string     `gorm:"column:page_cursor;type:text"`
	ParentID       *string    `gorm:"size:64;uniqueIndex"`
	RootKey        *string    `gorm:"size:255;uniqueIndex"`
	Status         string     `gorm:"size:16;not null;index"`
	ClaimOwner     *string    `gorm:"size:64;index"`
	ClaimExpiresAt *time.Time `gorm:"index"`
	Attempts       int        `gorm:"not null;default:0"`
	LastError      string     `gorm:"type:text"`
	CreatedAt      time.Time  `gorm:"autoCreateTime:false;index"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime:false"`
	CompletedAt    *time.Time
}

func (unitRow) TableName() string { return "work_units" }

type recordRow struct {
	Host            string   `gorm:"primaryKey;size:64"`
	NativeID        string   `gorm:"primaryKey;size:128"`
	URL             string   `gorm:"type:text"`
	Owner           string   `gorm:"size:255"`
	OwnerType       string   `gorm:"size:32"`
	Name            string   `gorm:"size:255"`
	FullName        string   `gorm:"size:512"`
	Description     string   `gorm:"type:text"`
	Homepage        string   `gorm:"type:text"`
	Languages       []string `gorm:"serializer:json;type:text"`
	Topics          []string `gorm:"serializer:json;type:text"`
	Stars           int
	Forks           int
	IsFork          bool
	ForkedFrom      string `gorm:"size:512"`
	HostCreatedAt   *time.Time
	HostUpdatedAt   *time.Time
	HostPushedAt    *time.Time
	LastSeenAt      time.Time
	ContentHash     string `gorm:"size:64;not null"`
	FirstSeenUnit   string `gorm:"size:64"`
	LastChangedUnit string `gorm:"size:64"`
}

func (recordRow) TableName() string { return "repositories" }

type leaseRow struct {
	ID              string `gorm:"primaryKey;size:64"`
	Hostname        string `gorm:"size:255"`
	PID             int
	StartedAt       time.Time `gorm:"autoCreateTime:false"`
	LastHeartbeatAt time.Time `gorm:"index"`
	Status          string    `gorm:"size:16;not null;index"`
	ExpiredAt       *time.Time
}

func (leaseRow) TableName() string { return "instance_leases" }

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func (r unitRow) toUnit() crawler.WorkUnit {
	return crawler.WorkUnit{
		ID:             r.ID,
		Host:           r.Host,
		Strategy:       r.Strategy,
		Epoch:          r.Epoch,
		Cursor:         r.Cursor,
		ParentID:       deref(r.ParentID),
		Status:         crawler.UnitStatus(r.Status),
		ClaimOwner:     deref(r.ClaimOwner),
		ClaimExpiresAt: utcPtr(r.ClaimExpiresAt),
		Attempts:       r.Attempts,
		LastError:      r.LastError,
		CreatedAt:      r.CreatedAt.UTC(),
		UpdatedAt:      r.UpdatedAt.UTC(),
		CompletedAt:    utcPtr(r.CompletedAt),
	}
}

func fromRecord(rec crawler.RepositoryRecord) recordRow {
	return recordRow{
		Host:            rec.Host,
		NativeID:        rec.NativeID,
		URL:             rec.URL,
		Owner:           rec.Owner,
		OwnerType:       rec.OwnerType,
		Name:            rec.Name,
		FullName:        rec.FullName,
		Description:     rec.Description,
		Homepage:        rec.Homepage,
		Languages:       rec.Languages,
		Topics:          rec.Topics,
		Stars:           rec.Stars,
		Forks:           rec.Forks,
		IsFork:          rec.IsFork,
		ForkedFrom:      rec.ForkedFrom,
		HostCreatedAt:   utcPtr(rec.CreatedAt),
		HostUpdatedAt:   utcPtr(rec.UpdatedAt),
		HostPushedAt:    utcPtr(rec.PushedAt),
		LastSeenAt:      rec.LastSeenAt.UTC(),
		ContentHash:     rec.ContentHash,
		FirstSeenUnit:   rec.FirstSeenUnit,
		LastChangedUnit: rec.LastChangedUnit,
	}
}

func (r recordRow) toRecord() crawler.RepositoryRecord {
	return crawler.RepositoryRecord{
		Host:            r.Host,
		NativeID:        r.NativeID,
		URL:             r.URL,
		Owner:           r.Owner,
		OwnerType:       r.OwnerType,
		Name:            r.Name,
		FullName:        r.FullName,
		Description:     r.Description,
		Homepage:        r.Homepage,
		Languages:       r.Languages,
		Topics:          r.Topics,
		Stars:           r.Stars,
		Forks:           r.Forks,
		IsFork:          r.IsFork,
		ForkedFrom:      r.ForkedFrom,
		CreatedAt:       utcPtr(r.HostCreatedAt),
		UpdatedAt:       utcPtr(r.HostUpdatedAt),
		PushedAt:        utcPtr(r.HostPushedAt),
		LastSeenAt:      r.LastSeenAt.UTC(),
		ContentHash:     r.ContentHash,
		FirstSeenUnit:   r.FirstSeenUnit,
		LastChangedUnit: r.LastChangedUnit,
	}
}

func (r leaseRow) toLease() crawler.InstanceLease {
	return crawler.InstanceLease{
		ID:              r.ID,
		Hostname:        r.Hostname,
		PID:             r.PID,
		StartedAt:       r.StartedAt.UTC(),
		LastHeartbeatAt: r.LastHeartbeatAt.UTC(),
		Status:          crawler.InstanceStatus(r.Status),
		ExpiredAt:       utcPtr(r.ExpiredAt),
	}
}
