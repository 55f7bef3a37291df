package chat

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore ContextStore 的纯内存实现，用于测试和无数据库的试跑
// 进程退出后所有学习结果丢失
type MemoryStore struct {
	mu       sync.Mutex
	contexts map[string]*ContextEntry
	archive  []*Record
}

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		contexts: make(map[string]*ContextEntry),
	}
}

// FindContext 返回上下文的深拷贝，调用方改动不会影响存储
func (s *MemoryStore) FindContext(_ context.Context, keywords string) (*ContextEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.contexts[keywords]
	if !ok {
		return nil, nil
	}
	return cloneEntry(entry), nil
}

func (s *MemoryStore) InsertContext(_ context.Context, entry *ContextEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.contexts[entry.Keywords]; ok {
		return fmt.Errorf("上下文已存在: %s", entry.Keywords)
	}
	s.contexts[entry.Keywords] = cloneEntry(entry)
	return nil
}

func (s *MemoryStore) IncrementAnswer(_ context.Context, keywords string, groupID int64, answerKeywords, rawMessage string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.contexts[keywords]
	if !ok {
		return fmt.Errorf("上下文不存在: %s", keywords)
	}
	entry.Time = t
	entry.Count++
	if answer := entry.FindAnswer(groupID, answerKeywords); answer != nil {
		answer.Count++
		answer.Messages = append(answer.Messages, rawMessage)
	}
	return nil
}

func (s *MemoryStore) AppendAnswer(_ context.Context, keywords string, answer AnswerEntry, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.contexts[keywords]
	if !ok {
		return fmt.Errorf("上下文不存在: %s", keywords)
	}
	entry.Time = t
	entry.Count++
	entry.Answers = append(entry.Answers, answer)
	return nil
}

func (s *MemoryStore) BanAnswer(_ context.Context, keywords string, groupID int64, answerKeywords string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.contexts[keywords]
	if !ok {
		return nil
	}
	// 回复可能是从别的群学来的，计数置哨兵和登记屏蔽要分别处理
	if answer := entry.FindAnswer(groupID, answerKeywords); answer != nil {
		answer.Count = BanSentinel
	}
	entry.Bans = append(entry.Bans, BanEntry{Keywords: answerKeywords, GroupID: groupID})
	return nil
}

func (s *MemoryStore) SaveMessages(_ context.Context, records []*Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.archive = append(s.archive, records...)
	return nil
}

// ArchiveSize 已落盘的消息数，方便观测
func (s *MemoryStore) ArchiveSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.archive)
}

func cloneEntry(entry *ContextEntry) *ContextEntry {
	clone := &ContextEntry{
		Keywords: entry.Keywords,
		Time:     entry.Time,
		Count:    entry.Count,
		Answers:  make([]AnswerEntry, len(entry.Answers)),
		Bans:     make([]BanEntry, len(entry.Bans)),
	}
	copy(clone.Bans, entry.Bans)
	for i, a := range entry.Answers {
		clone.Answers[i] = AnswerEntry{
			Keywords: a.Keywords,
			GroupID:  a.GroupID,
			Count:    a.Count,
			Messages: append([]string(nil), a.Messages...),
		}
	}
	return clone
}
