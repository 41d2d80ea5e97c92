package cache

// CachedRecord is one locally replicated row. Every record carries the tenant
// id of the partition it belongs to; all queries are scoped by tenant id, so
// no cross-tenant read is representable.
type CachedRecord struct {
	TenantID         string `gorm:"column:tenant_id;primaryKey;size:190;not null;index:idx_cached_tenant_table,priority:1"`
	Table            string `gorm:"column:table_name;primaryKey;size:64;not null;index:idx_cached_tenant_table,priority:2"`
	EntityID         string `gorm:"column:entity_id;primaryKey;size:190;not null"`
	PayloadJSON      string `gorm:"column:payload_json;type:text;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null;index:idx_cached_tenant_table,priority:3"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
	CachedAtSeconds  int64  `gorm:"column:cached_at_s;not null"`
	Version          int64  `gorm:"column:version;not null;default:1"`
}

// TableName provides the explicit table binding for GORM.
func (CachedRecord) TableName() string {
	return "cached_records"
}

// Watermark records the last successful sync per (tenant, table). The
// orchestrator compares it against the resync interval to decide whether a
// periodic resync is due.
type Watermark struct {
	TenantID          string `gorm:"column:tenant_id;primaryKey;size:190;not null"`
	Table             string `gorm:"column:table_name;primaryKey;size:64;not null"`
	LastSyncAtSeconds int64  `gorm:"column:last_sync_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Watermark) TableName() string {
	return "sync_watermarks"
}
