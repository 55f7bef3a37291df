package chat

import (
	"sync"
	"time"

	"github.com/uhSuiL/Pallas-Bot/internal/utils"
)

// MessageCache 各群最近消息的内存缓存，兼做持久化调度的水位记录
// 所有结构性修改都在同一把锁内完成，避免并发事件交错写坏群列表
type MessageCache struct {
	mu             sync.Mutex
	groups         map[int64][]*Record
	reserve        int           // 落盘后每个群保留的条数
	countThreshold int           // 单群超过该条数触发落盘
	timeThreshold  time.Duration // 距上次落盘超过该时长触发落盘
	lastFlush      time.Time     // 上次落盘水位，零值表示还没有任何插入
}

// NewMessageCache 创建消息缓存
func NewMessageCache(reserve, countThreshold int, timeThreshold time.Duration) *MessageCache {
	return &MessageCache{
		groups:         make(map[int64][]*Record),
		reserve:        reserve,
		countThreshold: countThreshold,
		timeThreshold:  timeThreshold,
	}
}

// Append 追加一条消息，返回是否需要立即落盘
// 第一条消息只初始化水位（当作刚刚落盘过），不会触发保存
func (c *MessageCache) Append(r *Record) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.groups[r.GroupID] = append(c.groups[r.GroupID], r)

	if c.lastFlush.IsZero() {
		c.lastFlush = r.Time.Add(-time.Second)
		return false
	}

	if len(c.groups[r.GroupID]) > c.countThreshold {
		return true
	}
	return r.Time.Sub(c.lastFlush) > c.timeThreshold
}

// Last 某群最近的一条消息，没有时返回 nil
func (c *MessageCache) Last(groupID int64) *Record {
	c.mu.Lock()
	defer c.mu.Unlock()

	msgs := c.groups[groupID]
	if len(msgs) == 0 {
		return nil
	}
	return msgs[len(msgs)-1]
}

// Tail 某群最近的至多 n 条消息，从新到旧排序
func (c *MessageCache) Tail(groupID int64, n int) []*Record {
	c.mu.Lock()
	defer c.mu.Unlock()

	msgs := c.groups[groupID]
	if len(msgs) == 0 || n <= 0 {
		return nil
	}
	if n > len(msgs) {
		n = len(msgs)
	}

	result := make([]*Record, n)
	for i := 0; i < n; i++ {
		result[i] = msgs[len(msgs)-1-i]
	}
	return result
}

// CollectAndTrim 原子地完成一次落盘收集：取出所有比水位新的消息、
// 推进水位、并把每个群裁剪到保留大小。批量写盘由调用方在锁外进行，
// 写失败只丢数据，不会破坏缓存自身的记账
func (c *MessageCache) CollectAndTrim(now time.Time) []*Record {
	c.mu.Lock()
	defer c.mu.Unlock()

	var batch []*Record
	for _, msgs := range c.groups {
		for _, m := range msgs {
			if m.Time.After(c.lastFlush) {
				batch = append(batch, m)
			}
		}
	}
	if len(batch) == 0 {
		return nil
	}

	for groupID, msgs := range c.groups {
		if len(msgs) > c.reserve {
			trimmed := make([]*Record, c.reserve)
			copy(trimmed, msgs[len(msgs)-c.reserve:])
			c.groups[groupID] = trimmed
		}
	}
	c.lastFlush = now
	return batch
}

// ReplyCache 各群牛牛自己最近回复的缓存，不做持久化
type ReplyCache struct {
	mu     sync.Mutex
	groups map[int64]*utils.RingBuffer[*Reply]
	size   int
}

// NewReplyCache 创建回复缓存，size 是每个群保留的条数
func NewReplyCache(size int) *ReplyCache {
	return &ReplyCache{
		groups: make(map[int64]*utils.RingBuffer[*Reply]),
		size:   size,
	}
}

func (c *ReplyCache) buffer(groupID int64) *utils.RingBuffer[*Reply] {
	c.mu.Lock()
	defer c.mu.Unlock()

	rb, ok := c.groups[groupID]
	if !ok {
		rb = utils.NewRingBuffer[*Reply](c.size)
		c.groups[groupID] = rb
	}
	return rb
}

// Append 记录一条发出的回复，超出保留大小时最旧的被覆盖
func (c *ReplyCache) Append(groupID int64, r *Reply) {
	c.buffer(groupID).Push(r)
}

// Latest 某群最近的一条回复，没有时返回 nil
func (c *ReplyCache) Latest(groupID int64) *Reply {
	r, ok := c.buffer(groupID).Latest()
	if !ok {
		return nil
	}
	return r
}

// Tail 某群最近的至多 n 条回复，从新到旧排序
func (c *ReplyCache) Tail(groupID int64, n int) []*Reply {
	return c.buffer(groupID).NewestFirst(n)
}
