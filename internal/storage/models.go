package storage

import (
	"time"

	"carbonrecycling-backend/internal/metricsource"
)

// MetricSource is an organization's warehouse connection record. The
// password is stored encrypted and only decrypted when a reader is
// opened.
type MetricSource struct {
	ID        string
	OrgID     string
	Name      string
	Driver    string
	Host      string
	Port      int
	User      string
	Password  string
	Database  string
	SSLMode   string
	Mappings  map[string]metricsource.FieldMapping
	CreatedAt time.Time
	UpdatedAt time.Time
}

type DigestCounts struct {
	Triggered int
	Resolved  int
	Escalated int
	Active    int
}
