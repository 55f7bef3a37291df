package chat

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/uhSuiL/Pallas-Bot/internal/config"
)

const (
	// replyCooldown 限制回复频率，同一个群最多 3 秒回一次
	replyCooldown = 3 * time.Second
	// loopBreakerWindow 连续多少次回复同一句触发语就闭嘴，
	// 这种情况很可能是和别的 bot 死循环了
	loopBreakerWindow = 5
	// splitSeparator 分段回复时按这个标点拆分
	splitSeparator = "，"
)

// Synthesizer 语音合成服务，失败时上层退回纯文本
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// OutMessage 一条待发送的回复，Voice 非空时发送语音
type OutMessage struct {
	Text  string
	Voice []byte
}

// Engine 学习/回复引擎
//
// 消息缓存和回复缓存是进程内仅有的共享可变状态，各自持锁；
// 上下文存储的读写刻意不做进程内串行化（见 ContextStore）
type Engine struct {
	cfg      *config.ChatConfig
	store    ContextStore
	messages *MessageCache
	replies  *ReplyCache
	tts      Synthesizer

	rng   *rand.Rand
	rngMu sync.Mutex
}

// NewEngine 创建引擎
func NewEngine(cfg *config.ChatConfig, store ContextStore) *Engine {
	return &Engine{
		cfg:      cfg,
		store:    store,
		messages: NewMessageCache(cfg.SaveReserveSize, cfg.SaveCountThreshold, time.Duration(cfg.SaveTimeThreshold)*time.Second),
		replies:  NewReplyCache(cfg.SaveReserveSize),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetSynthesizer 启用语音合成
func (e *Engine) SetSynthesizer(s Synthesizer) {
	e.tts = s
}

func (e *Engine) random() float64 {
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	return e.rng.Float64()
}

func (e *Engine) intn(n int) int {
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	return e.rng.Intn(n)
}

// Learn 学习这句话，消息为空时不学并返回 false
func (e *Engine) Learn(ctx context.Context, r *Record) bool {
	if strings.TrimSpace(r.RawMessage) == "" {
		return false
	}

	// 群里的上一条发言
	prev := e.messages.Last(r.GroupID)
	e.contextInsert(ctx, prev, r)

	// 中间有别人插话时，再找一次该用户自己的上一条发言，
	// 捕捉同一个人连续说话的习惯
	if prev != nil && prev.UserID != r.UserID {
		for _, m := range e.messages.Tail(r.GroupID, e.cfg.SaveReserveSize)[1:] {
			if m.UserID == r.UserID {
				e.contextInsert(ctx, m, r)
				break
			}
		}
	}

	if e.messages.Append(r) {
		e.flush(ctx, r.Time)
	}
	return true
}

// contextInsert 学习一次 刺激 pre → 响应 r 的关联
func (e *Engine) contextInsert(ctx context.Context, pre, r *Record) {
	if pre == nil {
		return
	}
	// 在复读，不学
	if pre.RawMessage == r.RawMessage {
		return
	}
	// 回复别人的，不学
	if r.IsReply() {
		return
	}

	entry, err := e.store.FindContext(ctx, pre.Keywords)
	if err != nil {
		zap.L().Warn("查询上下文失败", zap.String("keywords", pre.Keywords), zap.Error(err))
		return
	}

	if entry == nil {
		entry = &ContextEntry{
			Keywords: pre.Keywords,
			Time:     r.Time,
			Count:    1,
			Answers: []AnswerEntry{{
				Keywords: r.Keywords,
				GroupID:  r.GroupID,
				Count:    1,
				Messages: []string{r.RawMessage},
			}},
		}
		if err := e.store.InsertContext(ctx, entry); err != nil {
			zap.L().Warn("插入上下文失败", zap.String("keywords", pre.Keywords), zap.Error(err))
		}
		return
	}

	if entry.FindAnswer(r.GroupID, r.Keywords) != nil {
		err = e.store.IncrementAnswer(ctx, pre.Keywords, r.GroupID, r.Keywords, r.RawMessage, r.Time)
	} else {
		err = e.store.AppendAnswer(ctx, pre.Keywords, AnswerEntry{
			Keywords: r.Keywords,
			GroupID:  r.GroupID,
			Count:    1,
			Messages: []string{r.RawMessage},
		}, r.Time)
	}
	if err != nil {
		zap.L().Warn("更新上下文失败", zap.String("keywords", pre.Keywords), zap.Error(err))
	}
}

// Answer 回复这句话，可能分多条回复，也可能一条都没有
func (e *Engine) Answer(ctx context.Context, r *Record) []OutMessage {
	if latest := e.replies.Latest(r.GroupID); latest != nil {
		// 限制发言频率，最多 3 秒一次
		if r.Time.Sub(latest.Time) < replyCooldown {
			return nil
		}
		// 有人复读了牛牛的回复，不继续回复
		if r.RawMessage == latest.Text {
			return nil
		}
	}

	// 连续多次因为同一句话回复，就不再回复
	if recent := e.replies.Tail(r.GroupID, loopBreakerWindow); len(recent) >= loopBreakerWindow {
		looping := true
		for _, rep := range recent {
			if rep.PreRawMessage != r.RawMessage {
				looping = false
				break
			}
		}
		if looping {
			return nil
		}
	}

	// 不回复太短的对话，大部分是「？」「草」
	if r.IsPlainText && utf8.RuneCountInString(r.PlainText) < 2 {
		return nil
	}

	texts := e.contextFind(ctx, r)
	if len(texts) == 0 {
		return nil
	}

	now := time.Now()
	out := make([]OutMessage, 0, len(texts))
	for _, text := range texts {
		e.replies.Append(r.GroupID, &Reply{
			Time:          now,
			PreRawMessage: r.RawMessage,
			PreKeywords:   r.Keywords,
			Text:          text,
		})

		if e.tts != nil && !strings.Contains(text, "[CQ:") &&
			utf8.RuneCountInString(text) > 1 && e.random() < e.cfg.VoiceProbability {
			if voice, err := e.tts.Synthesize(ctx, text); err == nil {
				out = append(out, OutMessage{Voice: voice})
				continue
			} else {
				// 合成失败退回文本
				zap.L().Warn("语音合成失败", zap.Error(err))
			}
		}
		out = append(out, OutMessage{Text: text})
	}
	return out
}

// contextFind 统计查找候选回复，返回零到多条回复文本
func (e *Engine) contextFind(ctx context.Context, r *Record) []string {
	// 复读！群里已经连着刷同一句时直接跟上
	if tail := e.messages.Tail(r.GroupID, e.cfg.RepeatThreshold); len(tail) >= e.cfg.RepeatThreshold {
		repeating := true
		for _, m := range tail {
			if m.RawMessage != r.RawMessage {
				repeating = false
				break
			}
		}
		if repeating {
			return []string{r.RawMessage}
		}
	}

	entry, err := e.store.FindContext(ctx, r.Keywords)
	if err != nil {
		zap.L().Warn("查询上下文失败", zap.String("keywords", r.Keywords), zap.Error(err))
		return nil
	}
	if entry == nil {
		return nil
	}

	threshold := e.cfg.AnswerThreshold
	if e.random() < e.cfg.LoseSanityProbability {
		threshold = 1
	}

	banned := make(map[string]bool)
	for _, ban := range entry.Bans {
		if ban.GroupID == r.GroupID {
			banned[ban.Keywords] = true
		}
	}

	var candidates []AnswerEntry
	for _, answer := range entry.Answers {
		if answer.Count < threshold {
			continue
		}
		// 图片后的纯文字回复什么都有，很乱，屏蔽掉
		if r.IsImage && !IsMediaSignature(answer.Keywords) {
			continue
		}
		candidates = append(candidates, answer)
	}

	var filtered []AnswerEntry
	crossCount := make(map[string]int)
	for _, answer := range candidates {
		switch {
		case banned[answer.Keywords]:
		case answer.GroupID == r.GroupID:
			filtered = append(filtered, answer)
		default:
			// 有 N 个群都学到了同一条回复，就提升为全局回复
			crossCount[answer.Keywords]++
			if crossCount[answer.Keywords] == e.cfg.CrossGroupThreshold {
				filtered = append(filtered, answer)
			}
		}
	}
	if len(filtered) == 0 {
		return nil
	}

	final := e.weightedChoice(filtered)
	text := final.Messages[e.intn(len(final.Messages))]

	if n := strings.Count(text, splitSeparator); n > 0 && n <= 3 && e.random() < e.cfg.SplitProbability {
		return strings.Split(text, splitSeparator)
	}
	return []string{text}
}

// weightedChoice 按 count² 加权随机挑选，强烈偏向被反复强化的回复
func (e *Engine) weightedChoice(answers []AnswerEntry) AnswerEntry {
	total := 0
	for _, a := range answers {
		total += a.Count * a.Count
	}
	x := e.intn(total)
	for _, a := range answers {
		x -= a.Count * a.Count
		if x < 0 {
			return a
		}
	}
	return answers[len(answers)-1]
}

// Ban 禁止以后再回复这句话，仅对该群生效
// 按回复缓存从新到旧找到这句话是哪条上下文生成的，再把它打入哨兵值
func (e *Engine) Ban(ctx context.Context, r *Record) bool {
	for _, reply := range e.replies.Tail(r.GroupID, e.cfg.SaveReserveSize) {
		if reply.Text == "" || !strings.Contains(r.RawMessage, reply.Text) {
			continue
		}
		if err := e.store.BanAnswer(ctx, reply.PreKeywords, r.GroupID, r.Keywords); err != nil {
			zap.L().Warn("屏蔽回复失败", zap.String("keywords", reply.PreKeywords), zap.Error(err))
			return false
		}
		return true
	}
	return false
}

// Flush 立即把未落盘的消息写入存储
func (e *Engine) Flush(ctx context.Context) {
	e.flush(ctx, time.Now())
}

// flush 先在锁内收集并裁剪，再到锁外写盘
// 写失败只丢这一批数据，缓存的水位记账保持一致
func (e *Engine) flush(ctx context.Context, now time.Time) {
	batch := e.messages.CollectAndTrim(now)
	if len(batch) == 0 {
		return
	}
	if err := e.store.SaveMessages(ctx, batch); err != nil {
		zap.L().Error("消息落盘失败", zap.Int("count", len(batch)), zap.Error(err))
	}
}

// Close 关闭引擎，进程退出前必须调一次以保存尾部消息
func (e *Engine) Close(ctx context.Context) {
	e.Flush(ctx)
}
