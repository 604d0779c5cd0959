package models

import "time"

type ScrapeStatus string

const (
	ScrapePending   ScrapeStatus = "pending"
	ScrapeRunning   ScrapeStatus = "running"
	ScrapeCompleted ScrapeStatus = "completed"
	ScrapeFailed    ScrapeStatus = "failed"
	ScrapeCancelled ScrapeStatus = "cancelled"
)

// ScrapingLog is one row per operation attempt.
type ScrapingLog struct {
	ID               uint         `json:"id" gorm:"primaryKey"`
	SupplierID       uint         `json:"supplier_id" gorm:"index;not null"`
	CredentialID     uint         `json:"credential_id" gorm:"index;not null"`
	Operation        string       `json:"operation" gorm:"type:varchar(40)"`
	Status           ScrapeStatus `json:"status" gorm:"type:varchar(20);not null;index"`
	StartedAt        *time.Time   `json:"started_at,omitempty"`
	CompletedAt      *time.Time   `json:"completed_at,omitempty"`
	ProductsImported int          `json:"products_imported"`
	ErrorMessage     string       `json:"error_message,omitempty" gorm:"type:text"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (l *ScrapingLog) Start(now time.Time) {
	l.Status = ScrapeRunning
	l.StartedAt = &now
}

func (l *ScrapingLog) Complete(now time.Time, products int) {
	l.Status = ScrapeCompleted
	l.CompletedAt = &now
	l.ProductsImported = products
}

func (l *ScrapingLog) Fail(now time.Time, message string) {
	l.Status = ScrapeFailed
	l.CompletedAt = &now
	l.ErrorMessage = message
}

func (l *ScrapingLog) Cancel(now time.Time, message string) {
	l.Status = ScrapeCancelled
	l.CompletedAt = &now
	l.ErrorMessage = message
}
