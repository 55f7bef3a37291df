package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/uhSuiL/Pallas-Bot/internal/chat"
	"github.com/uhSuiL/Pallas-Bot/internal/config"
	"github.com/uhSuiL/Pallas-Bot/internal/keyword"
)

// Manager 基于 MySQL 的持久化存储，实现学习引擎的 chat.ContextStore 契约
type Manager struct {
	db *gorm.DB
}

// NewManager 连接数据库并迁移所有表
func NewManager(cfg *config.Config) (*Manager, error) {
	mysqlCfg := cfg.Storage.MySQL
	if mysqlCfg.Host == "" {
		mysqlCfg.Host = "127.0.0.1"
	}
	if mysqlCfg.Port == 0 {
		mysqlCfg.Port = 3306
	}
	if mysqlCfg.DBName == "" {
		mysqlCfg.DBName = "pallas_bot"
	}

	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		mysqlCfg.User,
		mysqlCfg.Password,
		mysqlCfg.Host,
		mysqlCfg.Port,
		mysqlCfg.DBName,
	)

	db, err := gorm.Open(mysql.Open(dsn))
	if err != nil {
		return nil, fmt.Errorf("连接 MySQL 数据库失败: %w", err)
	}

	if err := db.AutoMigrate(
		&Context{},
		&ContextAnswer{},
		&ContextBan{},
		&MessageArchive{},
	); err != nil {
		return nil, fmt.Errorf("数据库迁移失败: %w", err)
	}

	return &Manager{db: db}, nil
}

// ==================== 上下文存储契约 ====================

// FindContext 按刺激签名查找完整的上下文，不存在时返回 (nil, nil)
func (m *Manager) FindContext(ctx context.Context, keywords string) (*chat.ContextEntry, error) {
	var row Context
	err := m.db.WithContext(ctx).Where("keywords = ?", keywords).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var answers []ContextAnswer
	if err := m.db.WithContext(ctx).Where("context_id = ?", row.ID).Order("id").Find(&answers).Error; err != nil {
		return nil, err
	}
	var bans []ContextBan
	if err := m.db.WithContext(ctx).Where("context_id = ?", row.ID).Find(&bans).Error; err != nil {
		return nil, err
	}

	return toEntry(&row, answers, bans)
}

// InsertContext 插入一条全新的上下文及其回复统计
func (m *Manager) InsertContext(ctx context.Context, entry *chat.ContextEntry) error {
	return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := Context{
			Keywords: entry.Keywords,
			Time:     entry.Time,
			Count:    entry.Count,
		}
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		for _, a := range entry.Answers {
			messages, err := encodeMessages(a.Messages)
			if err != nil {
				return err
			}
			if err := tx.Create(&ContextAnswer{
				ContextID: row.ID,
				GroupID:   a.GroupID,
				Keywords:  a.Keywords,
				Count:     a.Count,
				Messages:  messages,
			}).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// IncrementAnswer 已有回复统计 +1 并追加原文，同时刷新上下文的时间和总计数
// 原文列表是先读后写的追加，并发学习同一签名可能丢计数，契约上可接受
func (m *Manager) IncrementAnswer(ctx context.Context, keywords string, groupID int64, answerKeywords, rawMessage string, t time.Time) error {
	row, err := m.findRow(ctx, keywords)
	if err != nil {
		return err
	}

	if err := m.bumpContext(ctx, row.ID, t); err != nil {
		return err
	}

	var answer ContextAnswer
	err = m.db.WithContext(ctx).
		Where("context_id = ? AND group_id = ? AND keywords = ?", row.ID, groupID, answerKeywords).
		First(&answer).Error
	if err != nil {
		return err
	}

	messages, err := decodeMessages(answer.Messages)
	if err != nil {
		return err
	}
	encoded, err := encodeMessages(append(messages, rawMessage))
	if err != nil {
		return err
	}

	return m.db.WithContext(ctx).Model(&answer).Updates(map[string]any{
		"count":    gorm.Expr("count + 1"),
		"messages": encoded,
	}).Error
}

// AppendAnswer 在已有上下文里追加一条全新的回复统计
func (m *Manager) AppendAnswer(ctx context.Context, keywords string, a chat.AnswerEntry, t time.Time) error {
	row, err := m.findRow(ctx, keywords)
	if err != nil {
		return err
	}

	if err := m.bumpContext(ctx, row.ID, t); err != nil {
		return err
	}

	messages, err := encodeMessages(a.Messages)
	if err != nil {
		return err
	}
	return m.db.WithContext(ctx).Create(&ContextAnswer{
		ContextID: row.ID,
		GroupID:   a.GroupID,
		Keywords:  a.Keywords,
		Count:     a.Count,
		Messages:  messages,
	}).Error
}

// BanAnswer 把匹配的回复计数置为哨兵值并登记屏蔽标记
// 回复可能是从别的群学来的，所以置哨兵和登记要分两步做
func (m *Manager) BanAnswer(ctx context.Context, keywords string, groupID int64, answerKeywords string) error {
	row, err := m.findRow(ctx, keywords)
	if err != nil {
		return err
	}

	if err := m.db.WithContext(ctx).Model(&ContextAnswer{}).
		Where("context_id = ? AND group_id = ? AND keywords = ?", row.ID, groupID, answerKeywords).
		Update("count", chat.BanSentinel).Error; err != nil {
		return err
	}

	return m.db.WithContext(ctx).Create(&ContextBan{
		ContextID: row.ID,
		GroupID:   groupID,
		Keywords:  answerKeywords,
	}).Error
}

// SaveMessages 批量落盘消息记录
func (m *Manager) SaveMessages(ctx context.Context, records []*chat.Record) error {
	if len(records) == 0 {
		return nil
	}
	rows := make([]MessageArchive, 0, len(records))
	for _, r := range records {
		rows = append(rows, MessageArchive{
			GroupID:        r.GroupID,
			UserID:         r.UserID,
			RawMessage:     r.RawMessage,
			PlainText:      r.PlainText,
			Keywords:       r.Keywords,
			KeywordsPinyin: keyword.Pinyin(r.Keywords),
			IsPlainText:    r.IsPlainText,
			IsImage:        r.IsImage,
			Time:           r.Time,
		})
	}
	return m.db.WithContext(ctx).Create(&rows).Error
}

func (m *Manager) findRow(ctx context.Context, keywords string) (*Context, error) {
	var row Context
	if err := m.db.WithContext(ctx).Where("keywords = ?", keywords).First(&row).Error; err != nil {
		return nil, err
	}
	return &row, nil
}

func (m *Manager) bumpContext(ctx context.Context, id uint, t time.Time) error {
	return m.db.WithContext(ctx).Model(&Context{}).Where("id = ?", id).Updates(map[string]any{
		"time":  t,
		"count": gorm.Expr("count + 1"),
	}).Error
}

// ==================== 管理接口查询 ====================

// GetStats 获取统计信息
func (m *Manager) GetStats() map[string]int64 {
	stats := make(map[string]int64)
	var contexts, answers, bans, messages int64
	m.db.Model(&Context{}).Count(&contexts)
	m.db.Model(&ContextAnswer{}).Count(&answers)
	m.db.Model(&ContextBan{}).Count(&bans)
	m.db.Model(&MessageArchive{}).Count(&messages)
	stats["contexts"] = contexts
	stats["answers"] = answers
	stats["bans"] = bans
	stats["messages"] = messages
	return stats
}

// ListMessages 分页列出落盘的消息
func (m *Manager) ListMessages(groupID int64, page, pageSize int) ([]MessageArchive, int64, error) {
	var items []MessageArchive
	var total int64

	q := m.db.Model(&MessageArchive{})
	if groupID > 0 {
		q = q.Where("group_id = ?", groupID)
	}
	q.Count(&total)

	err := q.Order("time DESC").Offset((page - 1) * pageSize).Limit(pageSize).Find(&items).Error
	return items, total, err
}

// Close 关闭数据库连接
func (m *Manager) Close() error {
	if sqlDB, err := m.db.DB(); err == nil {
		return sqlDB.Close()
	}
	return nil
}

// ==================== 编解码辅助 ====================

func encodeMessages(messages []string) (string, error) {
	data, err := sonic.Marshal(messages)
	if err != nil {
		return "", fmt.Errorf("序列化原文列表失败: %w", err)
	}
	return string(data), nil
}

func decodeMessages(data string) ([]string, error) {
	if data == "" {
		return nil, nil
	}
	var messages []string
	if err := sonic.UnmarshalString(data, &messages); err != nil {
		return nil, fmt.Errorf("解析原文列表失败: %w", err)
	}
	return messages, nil
}

// toEntry 把数据库行拼装成引擎使用的上下文
func toEntry(row *Context, answers []ContextAnswer, bans []ContextBan) (*chat.ContextEntry, error) {
	entry := &chat.ContextEntry{
		Keywords: row.Keywords,
		Time:     row.Time,
		Count:    row.Count,
	}
	for _, a := range answers {
		messages, err := decodeMessages(a.Messages)
		if err != nil {
			return nil, err
		}
		entry.Answers = append(entry.Answers, chat.AnswerEntry{
			Keywords: a.Keywords,
			GroupID:  a.GroupID,
			Count:    a.Count,
			Messages: messages,
		})
	}
	for _, b := range bans {
		entry.Bans = append(entry.Bans, chat.BanEntry{
			Keywords: b.Keywords,
			GroupID:  b.GroupID,
		})
	}
	return entry, nil
}
