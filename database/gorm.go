package database

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// GormDatabase GORM 数据库实现
type GormDatabase struct {
	db *gorm.DB
}

// DBConfig 数据库配置
type DBConfig struct {
	Type            string        // sqlite, postgres, mysql
	DSN             string        // 数据源名称
	MaxOpenConns    int           // 最大打开连接数
	MaxIdleConns    int           // 最大空闲连接数
	ConnMaxLifetime time.Duration // 连接最大生命周期
	LogLevel        string        // 日志级别: silent, error, warn, info
}

// NewGormDatabase 创建 GORM 数据库实例
func NewGormDatabase(config *DBConfig) (*GormDatabase, error) {
	var dialector gorm.Dialector

	switch config.Type {
	case "sqlite":
		if dir := filepath.Dir(config.DSN); dir != "." && config.DSN != ":memory:" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("创建数据库目录失败: %w", err)
			}
		}
		dialector = sqlite.Open(config.DSN)
	case "postgres", "postgresql":
		dialector = postgres.Open(config.DSN)
	case "mysql":
		dialector = mysql.Open(config.DSN)
	default:
		return nil, fmt.Errorf("不支持的数据库类型: %s", config.Type)
	}

	// 日志级别
	logLevel := logger.Silent
	switch config.LogLevel {
	case "error":
		logLevel = logger.Error
	case "warn":
		logLevel = logger.Warn
	case "info":
		logLevel = logger.Info
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("打开数据库失败: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("获取 sql.DB 失败: %w", err)
	}

	// 配置连接池
	if config.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(config.MaxOpenConns)
	}
	if config.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(config.MaxIdleConns)
	}
	if config.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(config.ConnMaxLifetime)
	}

	if err := db.AutoMigrate(
		&ProtectionEventRecord{},
		&SlotConfigRow{},
		&CascadeRecordRow{},
		&FailoverEventRecord{},
	); err != nil {
		return nil, fmt.Errorf("自动迁移失败: %w", err)
	}

	return &GormDatabase{db: db}, nil
}

// SaveProtectionEvent 保存保护事件
func (g *GormDatabase) SaveProtectionEvent(ctx context.Context, event *ProtectionEventRecord) error {
	return g.db.WithContext(ctx).Create(event).Error
}

// GetProtectionEvents 获取保护事件，按时间倒序
func (g *GormDatabase) GetProtectionEvents(ctx context.Context, filter *ProtectionEventFilter) ([]*ProtectionEventRecord, error) {
	query := g.db.WithContext(ctx).Model(&ProtectionEventRecord{})

	if filter == nil {
		filter = &ProtectionEventFilter{}
	}
	if filter.SlotID != "" {
		query = query.Where("slot_id = ?", filter.SlotID)
	}
	if filter.Source != "" {
		query = query.Where("source = ?", filter.Source)
	}
	if filter.EventType != "" {
		query = query.Where("event_type = ?", filter.EventType)
	}
	if filter.Severity != "" {
		query = query.Where("severity = ?", filter.Severity)
	}
	if filter.StartTime != nil {
		query = query.Where("created_at >= ?", filter.StartTime)
	}
	if filter.EndTime != nil {
		query = query.Where("created_at <= ?", filter.EndTime)
	}

	query = query.Order("created_at DESC").Order("id DESC")

	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}

	var events []*ProtectionEventRecord
	if err := query.Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}

// GetProtectionEventStats 获取保护事件统计
func (g *GormDatabase) GetProtectionEventStats(ctx context.Context) (*ProtectionEventStats, error) {
	stats := &ProtectionEventStats{
		CountBySeverity: make(map[string]int),
		CountBySource:   make(map[string]int),
		CountByType:     make(map[string]int),
	}
	db := g.db.WithContext(ctx)

	var total int64
	if err := db.Model(&ProtectionEventRecord{}).Count(&total).Error; err != nil {
		return nil, err
	}
	stats.TotalCount = int(total)

	var last24h int64
	db.Model(&ProtectionEventRecord{}).Where("created_at >= ?", time.Now().Add(-24*time.Hour)).Count(&last24h)
	stats.Last24HoursCount = int(last24h)

	group := func(column string, into map[string]int, limit int) {
		var rows []struct {
			Label string
			Count int
		}
		q := db.Model(&ProtectionEventRecord{}).
			Select(column + " AS label, COUNT(*) AS count").
			Group(column).
			Order("count DESC")
		if limit > 0 {
			q = q.Limit(limit)
		}
		q.Scan(&rows)
		for _, r := range rows {
			into[r.Label] = r.Count
		}
	}
	group("severity", stats.CountBySeverity, 0)
	group("source", stats.CountBySource, 0)
	// 按类型统计（top 20）
	group("event_type", stats.CountByType, 20)

	return stats, nil
}

// LoadSlotConfigs 按链顺序读取槽位配置
func (g *GormDatabase) LoadSlotConfigs(ctx context.Context) ([]*SlotConfigRow, error) {
	var rows []*SlotConfigRow
	if err := g.db.WithContext(ctx).Order("position ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// ReplaceSlotConfigs 在一个事务内整体替换级联链
func (g *GormDatabase) ReplaceSlotConfigs(ctx context.Context, rows []*SlotConfigRow) error {
	return g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&SlotConfigRow{}).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.CreateInBatches(rows, 100).Error
	})
}

// SaveCascadeRecord 保存级联记录
func (g *GormDatabase) SaveCascadeRecord(ctx context.Context, record *CascadeRecordRow) error {
	return g.db.WithContext(ctx).Create(record).Error
}

// GetCascadeRecords 获取最近 limit 条级联记录，按时间正序返回
func (g *GormDatabase) GetCascadeRecords(ctx context.Context, limit int) ([]*CascadeRecordRow, error) {
	query := g.db.WithContext(ctx).Model(&CascadeRecordRow{}).Order("created_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []*CascadeRecordRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}
	return rows, nil
}

// SaveFailoverEvent 保存故障切换事件，EventID 已存在时覆盖
func (g *GormDatabase) SaveFailoverEvent(ctx context.Context, event *FailoverEventRecord) error {
	return g.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(event).Error
}

// GetFailoverEvents 获取故障切换事件，按时间倒序
func (g *GormDatabase) GetFailoverEvents(ctx context.Context, filter *FailoverEventFilter) ([]*FailoverEventRecord, error) {
	query := g.db.WithContext(ctx).Model(&FailoverEventRecord{})

	if filter == nil {
		filter = &FailoverEventFilter{}
	}
	if filter.SlotID != "" {
		query = query.Where("slot_id = ?", filter.SlotID)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.StartTime != nil {
		query = query.Where("created_at >= ?", filter.StartTime)
	}

	query = query.Order("created_at DESC")

	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}

	var events []*FailoverEventRecord
	if err := query.Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}

// CleanupOldRecords 清理超过保留天数的保护事件、级联记录和故障切换事件
func (g *GormDatabase) CleanupOldRecords(ctx context.Context, keepDays int) (int64, error) {
	if keepDays <= 0 {
		return 0, errors.New("保留天数必须大于 0")
	}
	cutoff := time.Now().AddDate(0, 0, -keepDays)

	var deleted int64
	for _, model := range []interface{}{&ProtectionEventRecord{}, &CascadeRecordRow{}, &FailoverEventRecord{}} {
		res := g.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(model)
		if res.Error != nil {
			return deleted, res.Error
		}
		deleted += res.RowsAffected
	}
	return deleted, nil
}

// Ping 检查连接
func (g *GormDatabase) Ping(ctx context.Context) error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close 关闭连接
func (g *GormDatabase) Close() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
