package chat

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/uhSuiL/Pallas-Bot/internal/config"
)

func testChatConfig() *config.ChatConfig {
	return &config.ChatConfig{
		AnswerThreshold:       3,
		CrossGroupThreshold:   3,
		RepeatThreshold:       3,
		LoseSanityProbability: 0,
		SplitProbability:      0,
		VoiceProbability:      0,
		SaveTimeThreshold:     3600,
		SaveCountThreshold:    1000,
		SaveReserveSize:       100,
	}
}

func newTestEngine(cfg *config.ChatConfig) (*Engine, *MemoryStore) {
	store := NewMemoryStore()
	e := NewEngine(cfg, store)
	e.rng = rand.New(rand.NewSource(42))
	return e, store
}

func rec(groupID, userID int64, text string, t time.Time) *Record {
	return NewRecord(groupID, userID, text, text, t, nil)
}

var t0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func TestLearnBuildsContext(t *testing.T) {
	e, store := newTestEngine(testChatConfig())
	ctx := context.Background()

	e.Learn(ctx, rec(1, 100, "今天天气不错", t0))
	e.Learn(ctx, rec(1, 200, "是啊出去玩吧", t0.Add(time.Second)))

	entry, err := store.FindContext(ctx, "今天天气不错")
	if err != nil {
		t.Fatal(err)
	}
	if entry == nil {
		t.Fatal("第一条消息应该成为刺激上下文")
	}
	if entry.Count != 1 {
		t.Fatalf("count = %d, 期望 1", entry.Count)
	}
	answer := entry.FindAnswer(1, "是啊出去玩吧")
	if answer == nil {
		t.Fatal("应该学到回复")
	}
	if answer.Count != 1 || len(answer.Messages) != 1 || answer.Messages[0] != "是啊出去玩吧" {
		t.Fatalf("回复统计不对: %+v", answer)
	}
}

func TestLearnReinforcesExistingAnswer(t *testing.T) {
	e, store := newTestEngine(testChatConfig())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		base := t0.Add(time.Duration(i) * time.Minute)
		e.Learn(ctx, rec(1, 100, "今天天气不错", base))
		e.Learn(ctx, rec(1, 200, "是啊出去玩吧", base.Add(time.Second)))
	}

	entry, _ := store.FindContext(ctx, "今天天气不错")
	if entry == nil {
		t.Fatal("上下文不存在")
	}
	if entry.Count != 2 {
		t.Fatalf("count = %d, 期望 2", entry.Count)
	}
	if len(entry.Answers) != 1 {
		t.Fatalf("同签名回复应该合并成一条统计, 实际 %d 条", len(entry.Answers))
	}
	answer := &entry.Answers[0]
	if answer.Count != 2 || len(answer.Messages) != 2 {
		t.Fatalf("回复统计不对: %+v", answer)
	}
}

func TestLearnSkipsEmptyMessage(t *testing.T) {
	e, _ := newTestEngine(testChatConfig())
	if e.Learn(context.Background(), rec(1, 100, "   ", t0)) {
		t.Fatal("空白消息不应该被学习")
	}
}

func TestLearnSkipsPureRepetition(t *testing.T) {
	e, store := newTestEngine(testChatConfig())
	ctx := context.Background()

	e.Learn(ctx, rec(1, 100, "哈哈哈哈", t0))
	e.Learn(ctx, rec(1, 200, "哈哈哈哈", t0.Add(time.Second)))

	entry, _ := store.FindContext(ctx, "哈哈哈哈")
	if entry != nil {
		t.Fatal("复读不应该建立 自己→自己 的关联")
	}
}

func TestLearnSkipsReplyMessage(t *testing.T) {
	e, store := newTestEngine(testChatConfig())
	ctx := context.Background()

	e.Learn(ctx, rec(1, 100, "今天天气不错", t0))
	reply := NewRecord(1, 200, "[CQ:reply,id=123]是啊", "是啊", t0.Add(time.Second), nil)
	e.Learn(ctx, reply)

	entry, _ := store.FindContext(ctx, "今天天气不错")
	if entry != nil {
		t.Fatal("回复别人的消息不应该被学为响应")
	}
}

func TestLearnBackscanSameUser(t *testing.T) {
	e, store := newTestEngine(testChatConfig())
	ctx := context.Background()

	// 100 说了一句，200 插了一句，100 又接了一句
	e.Learn(ctx, rec(1, 100, "有人打游戏吗", t0))
	e.Learn(ctx, rec(1, 200, "不打", t0.Add(time.Second)))
	e.Learn(ctx, rec(1, 100, "三缺一快来", t0.Add(2*time.Second)))

	// 直接前驱
	entry, _ := store.FindContext(ctx, "不打")
	if entry == nil || entry.FindAnswer(1, "三缺一快来") == nil {
		t.Fatal("应该学到 插话→接话 的关联")
	}
	// 回溯同一个人的上一句
	entry, _ = store.FindContext(ctx, "有人打游戏吗")
	if entry == nil || entry.FindAnswer(1, "三缺一快来") == nil {
		t.Fatal("应该回溯学到同一个人连续说话的关联")
	}
}

func TestAnswerRepeatsBroadcast(t *testing.T) {
	e, _ := newTestEngine(testChatConfig())
	ctx := context.Background()

	for i := int64(0); i < 3; i++ {
		e.Learn(ctx, rec(1, 100+i, "梅开二度", t0.Add(time.Duration(i)*time.Second)))
	}

	out := e.Answer(ctx, rec(1, 103, "梅开二度", t0.Add(3*time.Second)))
	if len(out) != 1 || out[0].Text != "梅开二度" {
		t.Fatalf("群里刷屏时应该跟着复读, 实际 %+v", out)
	}
}

func TestAnswerRequiresRepeatThreshold(t *testing.T) {
	e, _ := newTestEngine(testChatConfig())
	ctx := context.Background()

	for i := int64(0); i < 2; i++ {
		e.Learn(ctx, rec(1, 100+i, "梅开二度", t0.Add(time.Duration(i)*time.Second)))
	}

	out := e.Answer(ctx, rec(1, 102, "梅开二度", t0.Add(2*time.Second)))
	if out != nil {
		t.Fatalf("没达到复读阈值不应该跟读, 实际 %+v", out)
	}
}

func TestAnswerSkipsShortPlainText(t *testing.T) {
	e, store := newTestEngine(testChatConfig())
	ctx := context.Background()

	seedContext(t, store, "？", "啥", 1, 5)

	if out := e.Answer(ctx, rec(1, 100, "？", t0)); out != nil {
		t.Fatalf("单字符消息不应该触发回复, 实际 %+v", out)
	}
}

func TestAnswerFromLearnedContext(t *testing.T) {
	e, store := newTestEngine(testChatConfig())
	ctx := context.Background()

	seedContext(t, store, "晚上吃什么", "吃食堂", 1, 5)

	out := e.Answer(ctx, rec(1, 100, "晚上吃什么", t0))
	if len(out) != 1 || out[0].Text != "吃食堂" {
		t.Fatalf("应该回复学到的内容, 实际 %+v", out)
	}
}

func TestAnswerBelowThreshold(t *testing.T) {
	e, store := newTestEngine(testChatConfig())
	ctx := context.Background()

	seedContext(t, store, "晚上吃什么", "吃食堂", 1, 2)

	if out := e.Answer(ctx, rec(1, 100, "晚上吃什么", t0)); out != nil {
		t.Fatalf("计数没到阈值不该回复, 实际 %+v", out)
	}
}

func TestAnswerLoseSanityLowersThreshold(t *testing.T) {
	cfg := testChatConfig()
	cfg.LoseSanityProbability = 1
	e, store := newTestEngine(cfg)
	ctx := context.Background()

	seedContext(t, store, "牛牛出来玩", "别烦", 1, 1)

	out := e.Answer(ctx, rec(1, 100, "牛牛出来玩", t0))
	if len(out) != 1 || out[0].Text != "别烦" {
		t.Fatalf("精神错乱时阈值降为 1, 实际 %+v", out)
	}
}

func TestLearnOnceThenLoseSanityAnswer(t *testing.T) {
	cfg := testChatConfig()
	cfg.LoseSanityProbability = 1
	e, _ := newTestEngine(cfg)
	ctx := context.Background()

	// 只学一次，计数 1 达不到正常阈值 3
	e.Learn(ctx, rec(1, 100, "牛牛出来玩", t0))
	e.Learn(ctx, rec(1, 200, "别烦", t0.Add(time.Second)))

	out := e.Answer(ctx, rec(1, 300, "牛牛出来玩", t0.Add(2*time.Second)))
	if len(out) != 1 || out[0].Text != "别烦" {
		t.Fatalf("只学过一次的回复应该走精神错乱分支, 实际 %+v", out)
	}
}

func TestAnswerRateLimit(t *testing.T) {
	e, store := newTestEngine(testChatConfig())
	ctx := context.Background()

	seedContext(t, store, "晚上吃什么", "吃食堂", 1, 5)

	if out := e.Answer(ctx, rec(1, 100, "晚上吃什么", time.Now())); len(out) != 1 {
		t.Fatalf("第一次应该回复, 实际 %+v", out)
	}
	// 冷却期内
	if out := e.Answer(ctx, rec(1, 200, "晚上吃什么", time.Now())); out != nil {
		t.Fatalf("3 秒内不应该连续回复, 实际 %+v", out)
	}
	// 冷却期过后
	if out := e.Answer(ctx, rec(1, 300, "晚上吃什么", time.Now().Add(5*time.Second))); len(out) != 1 {
		t.Fatalf("冷却结束后应该恢复回复, 实际 %+v", out)
	}
}

func TestAnswerEchoSuppression(t *testing.T) {
	e, store := newTestEngine(testChatConfig())
	ctx := context.Background()

	seedContext(t, store, "晚上吃什么", "吃食堂", 1, 5)
	seedContext(t, store, "吃食堂", "食堂难吃", 1, 5)

	if out := e.Answer(ctx, rec(1, 100, "晚上吃什么", time.Now())); len(out) != 1 {
		t.Fatalf("第一次应该回复, 实际 %+v", out)
	}
	// 有人复读了牛牛刚说的话
	if out := e.Answer(ctx, rec(1, 200, "吃食堂", time.Now().Add(5*time.Second))); out != nil {
		t.Fatalf("不应该接自己的复读, 实际 %+v", out)
	}
}

func TestAnswerLoopBreaker(t *testing.T) {
	e, store := newTestEngine(testChatConfig())
	ctx := context.Background()

	seedContext(t, store, "触发语触发语", "回应", 1, 5)

	old := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		e.replies.Append(1, &Reply{
			Time:          old,
			PreRawMessage: "触发语触发语",
			PreKeywords:   "触发语触发语",
			Text:          "回应",
		})
	}

	if out := e.Answer(ctx, rec(1, 100, "触发语触发语", time.Now())); out != nil {
		t.Fatalf("连续 5 次同触发语后应该闭嘴, 实际 %+v", out)
	}
}

func TestBanSuppressesAnswer(t *testing.T) {
	e, store := newTestEngine(testChatConfig())
	ctx := context.Background()

	seedContext(t, store, "晚上吃什么", "吃食堂", 1, 5)

	if out := e.Answer(ctx, rec(1, 100, "晚上吃什么", time.Now())); len(out) != 1 {
		t.Fatalf("第一次应该回复, 实际 %+v", out)
	}

	if !e.Ban(ctx, rec(1, 100, "吃食堂", time.Now())) {
		t.Fatal("应该定位到最近的回复并屏蔽")
	}

	entry, _ := store.FindContext(ctx, "晚上吃什么")
	if entry == nil || len(entry.Bans) != 1 {
		t.Fatalf("屏蔽标记没有落库: %+v", entry)
	}
	if entry.Answers[0].Count != BanSentinel {
		t.Fatalf("计数应该置哨兵值, 实际 %d", entry.Answers[0].Count)
	}

	if out := e.Answer(ctx, rec(1, 200, "晚上吃什么", time.Now().Add(5*time.Second))); out != nil {
		t.Fatalf("屏蔽后不该再回复, 实际 %+v", out)
	}
}

func TestBanWithoutMatchingReply(t *testing.T) {
	e, _ := newTestEngine(testChatConfig())
	if e.Ban(context.Background(), rec(1, 100, "没说过的话", t0)) {
		t.Fatal("最近的回复里没有这句话时应该失败")
	}
}

func TestAnswerCrossGroupPromotion(t *testing.T) {
	e, store := newTestEngine(testChatConfig())
	ctx := context.Background()

	// 三个别的群都学到了同一条回复
	entry := &ContextEntry{
		Keywords: "早上好",
		Time:     t0,
		Count:    9,
		Answers: []AnswerEntry{
			{Keywords: "晚上好", GroupID: 2, Count: 3, Messages: []string{"晚上好"}},
			{Keywords: "晚上好", GroupID: 3, Count: 3, Messages: []string{"晚上好"}},
			{Keywords: "晚上好", GroupID: 4, Count: 3, Messages: []string{"晚上好"}},
		},
	}
	if err := store.InsertContext(ctx, entry); err != nil {
		t.Fatal(err)
	}

	out := e.Answer(ctx, rec(1, 100, "早上好", t0))
	if len(out) != 1 || out[0].Text != "晚上好" {
		t.Fatalf("达到跨群阈值应该作为全局回复, 实际 %+v", out)
	}
}

func TestAnswerCrossGroupBelowThreshold(t *testing.T) {
	e, store := newTestEngine(testChatConfig())
	ctx := context.Background()

	entry := &ContextEntry{
		Keywords: "早上好",
		Time:     t0,
		Count:    6,
		Answers: []AnswerEntry{
			{Keywords: "晚上好", GroupID: 2, Count: 3, Messages: []string{"晚上好"}},
			{Keywords: "晚上好", GroupID: 3, Count: 3, Messages: []string{"晚上好"}},
		},
	}
	if err := store.InsertContext(ctx, entry); err != nil {
		t.Fatal(err)
	}

	if out := e.Answer(ctx, rec(1, 100, "早上好", t0)); out != nil {
		t.Fatalf("只有两个群学到的不应该跨群, 实际 %+v", out)
	}
}

func TestAnswerSplitsOnSeparator(t *testing.T) {
	cfg := testChatConfig()
	cfg.SplitProbability = 1
	e, store := newTestEngine(cfg)
	ctx := context.Background()

	seedContext(t, store, "讲个笑话", "从前有座山，山里有座庙", 1, 5)

	out := e.Answer(ctx, rec(1, 100, "讲个笑话", t0))
	if len(out) != 2 || out[0].Text != "从前有座山" || out[1].Text != "山里有座庙" {
		t.Fatalf("应该按逗号分段回复, 实际 %+v", out)
	}
}

func TestAnswerImageContext(t *testing.T) {
	e, store := newTestEngine(testChatConfig())
	ctx := context.Background()

	raw := "[CQ:image,file=abc.jpg]"
	entry := &ContextEntry{
		Keywords: raw,
		Time:     t0,
		Count:    10,
		Answers: []AnswerEntry{
			{Keywords: "什么图", GroupID: 1, Count: 5, Messages: []string{"什么图"}},
			{Keywords: "[CQ:image,file=def.jpg]", GroupID: 1, Count: 5, Messages: []string{"[CQ:image,file=def.jpg]"}},
		},
	}
	if err := store.InsertContext(ctx, entry); err != nil {
		t.Fatal(err)
	}

	out := e.Answer(ctx, NewRecord(1, 100, raw, "", t0, nil))
	if len(out) != 1 || out[0].Text != "[CQ:image,file=def.jpg]" {
		t.Fatalf("图片刺激只应该用富媒体回复, 实际 %+v", out)
	}
}

func TestCloseFlushesMessages(t *testing.T) {
	e, store := newTestEngine(testChatConfig())
	ctx := context.Background()

	e.Learn(ctx, rec(1, 100, "今天天气不错", t0))
	e.Learn(ctx, rec(1, 200, "是啊出去玩吧", t0.Add(time.Second)))

	e.Close(ctx)
	if got := store.ArchiveSize(); got != 2 {
		t.Fatalf("退出时应该把缓存全部落盘, 实际 %d 条", got)
	}
}

// fakeSynth 可控的语音合成器
type fakeSynth struct {
	audio []byte
	err   error
}

func (s *fakeSynth) Synthesize(context.Context, string) ([]byte, error) {
	return s.audio, s.err
}

func TestAnswerSynthesizesVoice(t *testing.T) {
	cfg := testChatConfig()
	cfg.VoiceProbability = 1
	e, store := newTestEngine(cfg)
	ctx := context.Background()

	seedContext(t, store, "牛牛唱首歌", "哞哞哞哞", 1, 5)
	e.SetSynthesizer(&fakeSynth{audio: []byte{0x49, 0x44, 0x33}})

	out := e.Answer(ctx, rec(1, 100, "牛牛唱首歌", t0))
	if len(out) != 1 || len(out[0].Voice) == 0 {
		t.Fatalf("应该回复合成好的语音, 实际 %+v", out)
	}
	if out[0].Text != "" {
		t.Fatalf("语音回复不应该同时带文本, 实际 %q", out[0].Text)
	}
}

func TestAnswerVoiceFailureFallsBackToText(t *testing.T) {
	cfg := testChatConfig()
	cfg.VoiceProbability = 1
	e, store := newTestEngine(cfg)
	ctx := context.Background()

	seedContext(t, store, "牛牛唱首歌", "哞哞哞哞", 1, 5)
	e.SetSynthesizer(&fakeSynth{err: errors.New("合成服务不可用")})

	// 合成失败退回文本，回复本身不能丢
	out := e.Answer(ctx, rec(1, 100, "牛牛唱首歌", t0))
	if len(out) != 1 || out[0].Text != "哞哞哞哞" {
		t.Fatalf("合成失败应该退回文本回复, 实际 %+v", out)
	}
	if len(out[0].Voice) != 0 {
		t.Fatalf("失败时不应该带语音数据, 实际 %v", out[0].Voice)
	}
}

// failStore 落盘必定失败的存储，验证写失败不破坏缓存记账
type failStore struct {
	*MemoryStore
}

func (s *failStore) SaveMessages(context.Context, []*Record) error {
	return errors.New("存储不可用")
}

func TestFlushFailureKeepsEngineUsable(t *testing.T) {
	cfg := testChatConfig()
	store := &failStore{MemoryStore: NewMemoryStore()}
	e := NewEngine(cfg, store)
	e.rng = rand.New(rand.NewSource(42))
	ctx := context.Background()

	e.Learn(ctx, rec(1, 100, "今天天气不错", t0))
	e.Flush(ctx)

	// 写盘失败后引擎继续正常工作
	if !e.Learn(ctx, rec(1, 200, "是啊出去玩吧", t0.Add(time.Second))) {
		t.Fatal("落盘失败不应该影响后续学习")
	}
	if e.messages.Last(1) == nil {
		t.Fatal("缓存不应该被写失败破坏")
	}
}

// seedContext 预置一条 刺激→回复 的学习结果
func seedContext(t *testing.T, store *MemoryStore, keywords, answer string, groupID int64, count int) {
	t.Helper()
	entry := &ContextEntry{
		Keywords: keywords,
		Time:     t0,
		Count:    count,
		Answers: []AnswerEntry{{
			Keywords: answer,
			GroupID:  groupID,
			Count:    count,
			Messages: []string{answer},
		}},
	}
	if err := store.InsertContext(context.Background(), entry); err != nil {
		t.Fatal(err)
	}
}
