package storage

import "time"

// Context 一个刺激签名的学习结果
type Context struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Keywords string    `gorm:"type:varchar(500);uniqueIndex" json:"keywords"`
	Time     time.Time `gorm:"index" json:"time"` // 最近一次被观察到的时刻
	Count    int       `gorm:"default:1" json:"count"`
}

func (Context) TableName() string { return "contexts" }

// ContextAnswer 某个刺激下的一条回复统计，按 (上下文, 群, 关键词) 唯一
type ContextAnswer struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	ContextID uint   `gorm:"uniqueIndex:idx_ctx_group_kw" json:"context_id"`
	GroupID   int64  `gorm:"uniqueIndex:idx_ctx_group_kw" json:"group_id"`
	Keywords  string `gorm:"type:varchar(500);uniqueIndex:idx_ctx_group_kw" json:"keywords"`
	Count     int    `gorm:"default:1" json:"count"`
	Messages  string `gorm:"type:text" json:"messages"` // 同签名原文列表，JSON
}

func (ContextAnswer) TableName() string { return "context_answers" }

// ContextBan 某个群对某条回复签名的屏蔽标记
type ContextBan struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	ContextID uint   `gorm:"index" json:"context_id"`
	GroupID   int64  `json:"group_id"`
	Keywords  string `gorm:"type:varchar(500)" json:"keywords"`
}

func (ContextBan) TableName() string { return "context_bans" }

// MessageArchive 落盘的群消息
type MessageArchive struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	GroupID        int64     `gorm:"index" json:"group_id"`
	UserID         int64     `gorm:"index" json:"user_id"`
	RawMessage     string    `gorm:"type:text" json:"raw_message"`
	PlainText      string    `gorm:"type:text" json:"plain_text"`
	Keywords       string    `gorm:"type:varchar(500)" json:"keywords"`
	KeywordsPinyin string    `gorm:"type:varchar(500)" json:"keywords_pinyin"`
	IsPlainText    bool      `json:"is_plain_text"`
	IsImage        bool      `json:"is_image"`
	Time           time.Time `gorm:"index" json:"time"`
}

func (MessageArchive) TableName() string { return "message_archives" }
