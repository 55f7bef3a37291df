package chat

import (
	"context"
	"time"
)

// BanSentinel 被拉黑的回复的计数哨兵值，永远无法再满足回复阈值
const BanSentinel = -99999

// AnswerEntry 一条学到的回复统计，按 (群, 关键词) 唯一
type AnswerEntry struct {
	Keywords string   // 回复的关键词签名
	GroupID  int64    // 学到这条回复的群
	Count    int      // 被强化的次数，选取时的权重
	Messages []string // 同签名下积累的各种原文
}

// BanEntry 某个群对某个回复签名的永久屏蔽标记
type BanEntry struct {
	Keywords string
	GroupID  int64
}

// ContextEntry 一个刺激签名对应的全部学习结果
type ContextEntry struct {
	Keywords string // 刺激的关键词签名，唯一键
	Time     time.Time
	Count    int // 该刺激被观察到的总次数
	Answers  []AnswerEntry
	Bans     []BanEntry
}

// FindAnswer 按 (群, 关键词) 查找回复统计，不存在时返回 nil
func (e *ContextEntry) FindAnswer(groupID int64, keywords string) *AnswerEntry {
	for i := range e.Answers {
		if e.Answers[i].GroupID == groupID && e.Answers[i].Keywords == keywords {
			return &e.Answers[i]
		}
	}
	return nil
}

// ContextStore 上下文的持久化存储契约
//
// 学习路径是先读后写的两步操作，不同事件并发学习同一个刺激签名时
// 可能丢失部分计数，这是刻意接受的最终一致性取舍，实现方不必在
// 这一层做更强的串行化
type ContextStore interface {
	// FindContext 按刺激签名查找，不存在时返回 (nil, nil)
	FindContext(ctx context.Context, keywords string) (*ContextEntry, error)
	// InsertContext 插入一条全新的上下文
	InsertContext(ctx context.Context, entry *ContextEntry) error
	// IncrementAnswer 已有回复统计 +1 并追加一条原文，同时更新上下文的时间和总计数
	IncrementAnswer(ctx context.Context, keywords string, groupID int64, answerKeywords, rawMessage string, t time.Time) error
	// AppendAnswer 在已有上下文里追加一条全新的回复统计，同时更新时间和总计数
	AppendAnswer(ctx context.Context, keywords string, answer AnswerEntry, t time.Time) error
	// BanAnswer 把匹配的回复计数置为哨兵值，并登记屏蔽标记
	BanAnswer(ctx context.Context, keywords string, groupID int64, answerKeywords string) error
	// SaveMessages 批量落盘消息记录
	SaveMessages(ctx context.Context, records []*Record) error
}
