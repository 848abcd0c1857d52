package database

import (
	"context"
	"time"

	"github.com/lcarne/incoming-call-only-launcher-sub000/internal/database/models"
)

// SystemConfigRepository manages key-value system configuration.
type SystemConfigRepository interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	SetMany(ctx context.Context, values map[string]string) error
}

// ContactRepository manages the kiosk address book.
type ContactRepository interface {
	Create(ctx context.Context, c *models.Contact) error
	GetByID(ctx context.Context, id int64) (*models.Contact, error)
	// FindByNumber returns the first contact whose number is loosely
	// equivalent to number, or nil when none matches.
	FindByNumber(ctx context.Context, number string) (*models.Contact, error)
	List(ctx context.Context) ([]models.Contact, error)
	Update(ctx context.Context, c *models.Contact) error
	Delete(ctx context.Context, id int64) error
	Count(ctx context.Context) (int64, error)
}

// CallLogFilter specifies filtering and pagination for call log queries.
type CallLogFilter struct {
	Limit  int
	Offset int
	Type   models.CallType // empty for all
	Search string          // matches number or name
	Since  time.Time       // zero for no lower bound
}

// CallLogRepository manages call history.
type CallLogRepository interface {
	Create(ctx context.Context, entry *models.CallLogEntry) error
	GetByID(ctx context.Context, id int64) (*models.CallLogEntry, error)
	List(ctx context.Context, filter CallLogFilter) ([]models.CallLogEntry, int, error)
	ListRecent(ctx context.Context, limit int) ([]models.CallLogEntry, error)
	CountByType(ctx context.Context) (map[models.CallType]int64, error)
	Delete(ctx context.Context, id int64) error
	DeleteAll(ctx context.Context) (int64, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}
