package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"larder/internal/models"
)

var (
	ErrNotFound            = errors.New("record not found")
	ErrActiveRequestExists = errors.New("an active two-factor request already exists for this credential")
	// ErrStale means the row changed underneath the caller.
	ErrStale = errors.New("record was modified concurrently")
)

// Store groups the repositories over one database handle.
type Store struct {
	DB          *gorm.DB
	Suppliers   *SupplierRepo
	Credentials *CredentialRepo
	TwoFactor   *TwoFactorRepo
	Logs        *ScrapeLogRepo
}

// Open connects to postgres for postgres DSNs and to sqlite for anything
// else (a file path or ":memory:"), then migrates the schema.
func Open(dsn string) (*Store, error) {
	var dialector gorm.Dialector
	switch {
	case strings.HasPrefix(dsn, "postgres://"),
		strings.HasPrefix(dsn, "postgresql://"),
		strings.HasPrefix(dsn, "host="):
		dialector = postgres.Open(dsn)
	case dsn == "":
		dialector = sqlite.Open("larder.db")
	default:
		dialector = sqlite.Open(dsn)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dialector.Name() == "sqlite" {
		// one writer keeps sqlite from reporting SQLITE_BUSY under parallel jobs
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	if err := Migrate(db); err != nil {
		return nil, err
	}
	return New(db), nil
}

func New(db *gorm.DB) *Store {
	return &Store{
		DB:          db,
		Suppliers:   &SupplierRepo{db: db},
		Credentials: &CredentialRepo{db: db},
		TwoFactor:   &TwoFactorRepo{db: db},
		Logs:        &ScrapeLogRepo{db: db},
	}
}

func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.Supplier{},
		&models.SupplierCredential{},
		&models.TwoFactorRequest{},
		&models.ScrapingLog{},
	); err != nil {
		return fmt.Errorf("failed to migrate: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

type SupplierRepo struct {
	db *gorm.DB
}

func (r *SupplierRepo) GetByCode(ctx context.Context, code string) (*models.Supplier, error) {
	var s models.Supplier
	if err := r.db.WithContext(ctx).Where("code = ?", code).First(&s).Error; err != nil {
		return nil, notFound(err)
	}
	return &s, nil
}

// Upsert inserts the supplier or refreshes its reference fields by code.
func (r *SupplierRepo) Upsert(ctx context.Context, s *models.Supplier) error {
	existing, err := r.GetByCode(ctx, s.Code)
	switch {
	case errors.Is(err, ErrNotFound):
		return r.db.WithContext(ctx).Create(s).Error
	case err != nil:
		return err
	}
	s.ID = existing.ID
	s.CreatedAt = existing.CreatedAt
	return r.db.WithContext(ctx).Save(s).Error
}

type CredentialRepo struct {
	db *gorm.DB
}

func (r *CredentialRepo) Create(ctx context.Context, c *models.SupplierCredential) error {
	return r.db.WithContext(ctx).Omit("Supplier").Create(c).Error
}

func (r *CredentialRepo) Get(ctx context.Context, id uint) (*models.SupplierCredential, error) {
	var c models.SupplierCredential
	if err := r.db.WithContext(ctx).Preload("Supplier").First(&c, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

func (r *CredentialRepo) Save(ctx context.Context, c *models.SupplierCredential) error {
	return r.db.WithContext(ctx).Omit("Supplier").Save(c).Error
}

type TwoFactorRepo struct {
	db  *gorm.DB
	Now func() time.Time
}

func (r *TwoFactorRepo) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// Create inserts a request unless the credential already has an active
// (pending, unexpired) one.
func (r *TwoFactorRepo) Create(ctx context.Context, req *models.TwoFactorRequest) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		err := tx.Model(&models.TwoFactorRequest{}).
			Where("credential_id = ? AND status = ? AND expires_at > ?", req.CredentialID, models.TwoFactorPending, r.now()).
			Count(&n).Error
		if err != nil {
			return err
		}
		if n > 0 {
			return ErrActiveRequestExists
		}
		return tx.Create(req).Error
	})
}

func (r *TwoFactorRepo) Get(ctx context.Context, id uint) (*models.TwoFactorRequest, error) {
	var req models.TwoFactorRequest
	if err := r.db.WithContext(ctx).First(&req, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &req, nil
}

func (r *TwoFactorRepo) GetByToken(ctx context.Context, token string) (*models.TwoFactorRequest, error) {
	var req models.TwoFactorRequest
	if err := r.db.WithContext(ctx).Where("session_token = ?", token).First(&req).Error; err != nil {
		return nil, notFound(err)
	}
	return &req, nil
}

// ActiveFor returns the credential's active request, or ErrNotFound.
func (r *TwoFactorRepo) ActiveFor(ctx context.Context, credentialID uint) (*models.TwoFactorRequest, error) {
	var req models.TwoFactorRequest
	err := r.db.WithContext(ctx).
		Where("credential_id = ? AND status = ? AND expires_at > ?", credentialID, models.TwoFactorPending, r.now()).
		Order("id desc").
		First(&req).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &req, nil
}

// Update writes req only if its stored status is still from.
func (r *TwoFactorRepo) Update(ctx context.Context, req *models.TwoFactorRequest, from models.TwoFactorStatus) error {
	res := r.db.WithContext(ctx).
		Model(req).
		Where("status = ?", from).
		Select("*").
		Omit("id", "created_at").
		Updates(req)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStale
	}
	return nil
}

// ExpireStale moves every pending request past its deadline to expired.
func (r *TwoFactorRepo) ExpireStale(ctx context.Context) (int64, error) {
	now := r.now()
	res := r.db.WithContext(ctx).
		Model(&models.TwoFactorRequest{}).
		Where("status = ? AND expires_at <= ?", models.TwoFactorPending, now).
		Updates(map[string]any{
			"status":      models.TwoFactorExpired,
			"resolved_at": now,
			"code":        "",
		})
	return res.RowsAffected, res.Error
}

type ScrapeLogRepo struct {
	db *gorm.DB
}

func (r *ScrapeLogRepo) Create(ctx context.Context, l *models.ScrapingLog) error {
	return r.db.WithContext(ctx).Create(l).Error
}

func (r *ScrapeLogRepo) Save(ctx context.Context, l *models.ScrapingLog) error {
	return r.db.WithContext(ctx).Save(l).Error
}

func (r *ScrapeLogRepo) Get(ctx context.Context, id uint) (*models.ScrapingLog, error) {
	var l models.ScrapingLog
	if err := r.db.WithContext(ctx).First(&l, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &l, nil
}

// Recent lists the newest log rows for a credential.
func (r *ScrapeLogRepo) Recent(ctx context.Context, credentialID uint, limit int) ([]models.ScrapingLog, error) {
	var logs []models.ScrapingLog
	err := r.db.WithContext(ctx).
		Where("credential_id = ?", credentialID).
		Order("id desc").
		Limit(limit).
		Find(&logs).Error
	return logs, err
}
