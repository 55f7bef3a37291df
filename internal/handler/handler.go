package handler

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/uhSuiL/Pallas-Bot/internal/chat"
	"github.com/uhSuiL/Pallas-Bot/internal/config"
	"github.com/uhSuiL/Pallas-Bot/internal/onebot"
)

// banCommand 回复牛牛说的话并带上这句，就把那条回复拉黑
const banCommand = "不可以"

// Handler 群消息处理器
type Handler struct {
	cfg     *config.Config
	bot     *onebot.Client
	engine  *chat.Engine
	extract chat.KeywordFunc
}

// New 创建消息处理器
func New(cfg *config.Config, bot *onebot.Client, engine *chat.Engine, extract chat.KeywordFunc) *Handler {
	return &Handler{
		cfg:     cfg,
		bot:     bot,
		engine:  engine,
		extract: extract,
	}
}

// Start 注册消息回调
func (h *Handler) Start() {
	h.bot.OnMessage(h.handleGroupMessage)
}

// handleGroupMessage 处理群消息
func (h *Handler) handleGroupMessage(msg *onebot.GroupMessage) {
	// 只在启用的群工作，忽略自己发的消息
	if !h.cfg.IsGroupEnabled(msg.GroupID) {
		return
	}
	if msg.UserID == h.bot.GetSelfID() {
		return
	}

	ctx := context.Background()

	// 回复牛牛的消息说「不可以」，屏蔽那条回复
	if h.tryBan(ctx, msg) {
		return
	}

	r := chat.NewRecord(msg.GroupID, msg.UserID, msg.RawMessage, msg.PlainText, msg.Time, h.extract)

	// 先答后学，复读判定依赖当前消息尚未入缓存
	answers := h.engine.Answer(ctx, r)
	h.engine.Learn(ctx, r)

	for _, out := range answers {
		h.send(msg.GroupID, out)
	}
}

// tryBan 处理屏蔽指令，返回是否已作为指令处理
func (h *Handler) tryBan(ctx context.Context, msg *onebot.GroupMessage) bool {
	if msg.Reply == nil || msg.Reply.SenderID != h.bot.GetSelfID() {
		return false
	}
	if !strings.Contains(msg.PlainText, banCommand) {
		return false
	}

	// 用被回复消息的原文定位要屏蔽的回复语
	r := chat.NewRecord(msg.GroupID, msg.UserID, msg.Reply.RawMessage,
		onebot.StripCQCodes(msg.Reply.RawMessage), msg.Time, h.extract)

	if h.engine.Ban(ctx, r) {
		zap.L().Info("已屏蔽回复",
			zap.Int64("group_id", msg.GroupID),
			zap.String("message", msg.Reply.RawMessage))
		if _, err := h.bot.SendGroupMessage(msg.GroupID, "牛牛知道错了..."); err != nil {
			zap.L().Error("发送消息失败", zap.Error(err))
		}
	}
	return true
}

// send 发送一条回复
func (h *Handler) send(groupID int64, out chat.OutMessage) {
	var err error
	if len(out.Voice) > 0 {
		_, err = h.bot.SendGroupRecord(groupID, out.Voice)
	} else {
		_, err = h.bot.SendGroupMessage(groupID, out.Text)
	}
	if err != nil {
		zap.L().Error("发送消息失败",
			zap.Int64("group_id", groupID),
			zap.Error(err))
	}
}
