package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ticketwell/helpdesk/backend/internal/metrics"
	"github.com/ticketwell/helpdesk/backend/internal/store"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase = errors.New("cache: database handle is required")
	// ErrMissingTenant indicates a cache operation without an explicit tenant id.
	ErrMissingTenant = errors.New("cache: tenant id is required")
	// ErrMissingTable indicates a cache operation without an explicit table name.
	ErrMissingTable = errors.New("cache: table name is required")
)

// CacheConfig describes the dependencies of the local replica.
type CacheConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Cache is the durable, tenant-partitioned local replica. It is written by
// exactly two producers (the priming fetch and the change feed) and read by
// any number of consumers. It is a read replica, never the system of record:
// callers treat write failures as non-fatal.
type Cache struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// New constructs the cache over an opened local database.
func New(cfg CacheConfig) (*Cache, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{db: cfg.Database, clock: clock, logger: logger}, nil
}

// EntitiesForTenant returns the cached rows for exactly that tenant and table,
// ordered by creation time descending.
func (c *Cache) EntitiesForTenant(ctx context.Context, tenantID store.TenantID, table string) ([]store.Record, error) {
	if tenantID.String() == "" {
		return nil, ErrMissingTenant
	}
	if table == "" {
		return nil, ErrMissingTable
	}
	var rows []CachedRecord
	err := c.db.WithContext(ctx).
		Where("tenant_id = ? AND table_name = ?", tenantID.String(), table).
		Order("created_at_s DESC").
		Find(&rows).
		Error
	if err != nil {
		return nil, fmt.Errorf("cache: list failed: %w", err)
	}
	records := make([]store.Record, 0, len(rows))
	for _, row := range rows {
		records = append(records, store.Record{
			ID:               row.EntityID,
			TenantID:         row.TenantID,
			Table:            row.Table,
			CreatedAtSeconds: row.CreatedAtSeconds,
			UpdatedAtSeconds: row.UpdatedAtSeconds,
			PayloadJSON:      row.PayloadJSON,
		})
	}
	return records, nil
}

// Upsert writes one record into its tenant partition. Re-applying the same
// record is a no-op beyond bumping version and cached-at.
func (c *Cache) Upsert(ctx context.Context, record store.Record) error {
	if record.TenantID == "" {
		return ErrMissingTenant
	}
	if record.Table == "" {
		return ErrMissingTable
	}
	now := c.clock().UTC().Unix()

	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing CachedRecord
		err := tx.
			Where("tenant_id = ? AND table_name = ? AND entity_id = ?",
				record.TenantID, record.Table, record.ID).
			First(&existing).
			Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tx.Create(&CachedRecord{
				TenantID:         record.TenantID,
				Table:            record.Table,
				EntityID:         record.ID,
				PayloadJSON:      record.PayloadJSON,
				CreatedAtSeconds: record.CreatedAtSeconds,
				UpdatedAtSeconds: record.UpdatedAtSeconds,
				CachedAtSeconds:  now,
				Version:          1,
			}).Error
		}
		if err != nil {
			return err
		}
		return tx.Model(&CachedRecord{}).
			Where("tenant_id = ? AND table_name = ? AND entity_id = ?",
				record.TenantID, record.Table, record.ID).
			Updates(map[string]interface{}{
				"payload_json": record.PayloadJSON,
				"created_at_s": record.CreatedAtSeconds,
				"updated_at_s": record.UpdatedAtSeconds,
				"cached_at_s":  now,
				"version":      existing.Version + 1,
			}).Error
	})
	if err != nil {
		metrics.CacheWriteFailuresCounter.Inc()
		c.logger.Warn("cache upsert failed",
			zap.String("tenant_id", record.TenantID),
			zap.String("table", record.Table),
			zap.String("entity_id", record.ID),
			zap.Error(err))
		return fmt.Errorf("cache: upsert failed: %w", err)
	}
	metrics.CacheWritesCounter.Inc()
	return nil
}

// Remove deletes one record from its tenant partition. Removing an absent
// record is a no-op.
func (c *Cache) Remove(ctx context.Context, tenantID store.TenantID, table, entityID string) error {
	if tenantID.String() == "" {
		return ErrMissingTenant
	}
	if table == "" {
		return ErrMissingTable
	}
	err := c.db.WithContext(ctx).
		Where("tenant_id = ? AND table_name = ? AND entity_id = ?",
			tenantID.String(), table, entityID).
		Delete(&CachedRecord{}).
		Error
	if err != nil {
		metrics.CacheWriteFailuresCounter.Inc()
		c.logger.Warn("cache remove failed",
			zap.String("tenant_id", tenantID.String()),
			zap.String("table", table),
			zap.String("entity_id", entityID),
			zap.Error(err))
		return fmt.Errorf("cache: remove failed: %w", err)
	}
	metrics.CacheWritesCounter.Inc()
	return nil
}

// ClearTenant deletes every cached row and watermark for the tenant across all
// tables. The transaction keeps the clear atomic with respect to readers: no
// reader observes a partially cleared tenant.
func (c *Cache) ClearTenant(ctx context.Context, tenantID store.TenantID) error {
	if tenantID.String() == "" {
		return ErrMissingTenant
	}
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("tenant_id = ?", tenantID.String()).Delete(&CachedRecord{}).Error; err != nil {
			return err
		}
		return tx.Where("tenant_id = ?", tenantID.String()).Delete(&Watermark{}).Error
	})
	if err != nil {
		c.logger.Warn("cache clear failed",
			zap.String("tenant_id", tenantID.String()),
			zap.Error(err))
		return fmt.Errorf("cache: clear failed: %w", err)
	}
	c.logger.Info("tenant cache cleared", zap.String("tenant_id", tenantID.String()))
	return nil
}

// GetWatermark returns the last sync time for the (tenant, table) pair, or the
// zero time when the pair has never synced.
func (c *Cache) GetWatermark(ctx context.Context, tenantID store.TenantID, table string) (time.Time, error) {
	if tenantID.String() == "" {
		return time.Time{}, ErrMissingTenant
	}
	if table == "" {
		return time.Time{}, ErrMissingTable
	}
	var mark Watermark
	err := c.db.WithContext(ctx).
		Where("tenant_id = ? AND table_name = ?", tenantID.String(), table).
		First(&mark).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("cache: watermark lookup failed: %w", err)
	}
	return time.Unix(mark.LastSyncAtSeconds, 0).UTC(), nil
}

// SetWatermark records the last sync time for the (tenant, table) pair.
func (c *Cache) SetWatermark(ctx context.Context, tenantID store.TenantID, table string, at time.Time) error {
	if tenantID.String() == "" {
		return ErrMissingTenant
	}
	if table == "" {
		return ErrMissingTable
	}
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Watermark
		err := tx.
			Where("tenant_id = ? AND table_name = ?", tenantID.String(), table).
			First(&existing).
			Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tx.Create(&Watermark{
				TenantID:          tenantID.String(),
				Table:             table,
				LastSyncAtSeconds: at.UTC().Unix(),
			}).Error
		}
		if err != nil {
			return err
		}
		return tx.Model(&Watermark{}).
			Where("tenant_id = ? AND table_name = ?", tenantID.String(), table).
			Update("last_sync_at_s", at.UTC().Unix()).
			Error
	})
	if err != nil {
		metrics.CacheWriteFailuresCounter.Inc()
		c.logger.Warn("watermark write failed",
			zap.String("tenant_id", tenantID.String()),
			zap.String("table", table),
			zap.Error(err))
		return fmt.Errorf("cache: watermark write failed: %w", err)
	}
	return nil
}
