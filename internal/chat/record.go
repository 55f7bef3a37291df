package chat

import (
	"strings"
	"time"
)

// KeywordFunc 关键词提取函数，输入纯文本，输出空格连接的关键词串
// 提取结果少于 2 个词时应原样返回输入，引擎不关心其内部实现
type KeywordFunc func(plain string) string

// IsMediaSignature 判断一个关键词串是否代表富媒体内容（图片/表情等）
// 默认实现沿用消息里的富媒体标记前缀
var IsMediaSignature = func(keywords string) bool {
	return strings.HasPrefix(keywords, "[CQ:")
}

// Record 一条群聊消息，创建后不可变
type Record struct {
	GroupID     int64
	UserID      int64
	RawMessage  string
	PlainText   string
	Keywords    string // 关键词串，创建时计算一次
	IsPlainText bool
	IsImage     bool
	Time        time.Time
}

// NewRecord 构造消息记录，关键词和各标志位只在此处计算一次
// extract 为空时关键词退化为纯文本/原始消息本身
func NewRecord(groupID, userID int64, raw, plain string, t time.Time, extract KeywordFunc) *Record {
	r := &Record{
		GroupID:    groupID,
		UserID:     userID,
		RawMessage: raw,
		PlainText:  plain,
		Time:       t,
	}
	r.IsPlainText = !strings.Contains(raw, "[CQ:") && len(plain) != 0
	r.IsImage = strings.Contains(raw, "[CQ:image,") || strings.Contains(raw, "[CQ:face,")

	if !r.IsPlainText {
		// 非纯文本消息直接用原始消息作为签名
		r.Keywords = raw
	} else if extract != nil {
		r.Keywords = extract(plain)
	} else {
		r.Keywords = plain
	}
	return r
}

// IsReply 是否为回复他人的消息，回复会打断刺激/响应的时序关系
func (r *Record) IsReply() bool {
	return strings.Contains(r.RawMessage, "[CQ:reply,")
}

// Reply 牛牛自己发出的一条回复，仅在内存里保留用于防刷屏和死循环检测
type Reply struct {
	Time          time.Time
	PreRawMessage string // 触发这条回复的消息原文
	PreKeywords   string // 触发这条回复的消息关键词
	Text          string // 回复内容
}
