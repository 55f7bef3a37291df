package onebot

import (
	"context"
	"encoding/base64"
	"fmt"
	"regexp"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/uhSuiL/Pallas-Bot/internal/config"
)

// imageSubTypeRe 删除图片子类型字段，同一张图子类型经常不一样，影响判断
var imageSubTypeRe = regexp.MustCompile(`(\[CQ:image[^\]]*?),subType=\d+([^\]]*\])`)

// cqCodeRe 匹配任意 CQ 码
var cqCodeRe = regexp.MustCompile(`\[CQ:[^\]]*\]`)

// NormalizeRawMessage 规范化原始消息，剥离图片子类型限定符，
// 让视觉上相同的图片比较时相等
func NormalizeRawMessage(raw string) string {
	return imageSubTypeRe.ReplaceAllString(raw, "$1$2")
}

// StripCQCodes 去掉消息里的全部 CQ 码，得到纯文本
func StripCQCodes(raw string) string {
	return cqCodeRe.ReplaceAllString(raw, "")
}

// Client OneBot WebSocket客户端
type Client struct {
	cfg      *config.Config
	conn     *websocket.Conn
	connMu   sync.Mutex
	selfID   int64

	// 消息回调
	onMessage func(*GroupMessage)

	// 重连控制
	reconnecting bool
	stopCh       chan struct{}

	// API 调用响应等待
	echoCounter uint64
	pendingReqs sync.Map // map[string]chan *APIResponse
}

// APIResponse OneBot API 响应
type APIResponse struct {
	Status  string `json:"status"`  // ok / failed
	RetCode int    `json:"retcode"` // 0 表示成功
	Data    any    `json:"data"`
	Echo    string `json:"echo"`
	Message string `json:"message,omitempty"` // 错误信息
}

// DataMap 获取响应数据为 map 类型
func (r *APIResponse) DataMap() map[string]any {
	if m, ok := r.Data.(map[string]any); ok {
		return m
	}
	return nil
}

// GroupMessage 群消息
type GroupMessage struct {
	MessageID  int64      `json:"message_id"`
	GroupID    int64      `json:"group_id"`
	UserID     int64      `json:"user_id"`
	RawMessage string     `json:"raw_message"` // 规范化后的原始消息
	PlainText  string     `json:"plain_text"`  // 纯文本部分
	Time       time.Time  `json:"time"`
	Reply      *ReplyInfo `json:"reply,omitempty"` // 回复信息
}

// ReplyInfo 回复信息
type ReplyInfo struct {
	MessageID  int64  `json:"message_id"`
	RawMessage string `json:"raw_message,omitempty"` // 被回复消息原文
	SenderID   int64  `json:"sender_id,omitempty"`   // 被回复消息发送者
}

// NewClient 创建OneBot客户端
func NewClient(cfg *config.Config) *Client {
	return &Client{
		cfg:    cfg,
		stopCh: make(chan struct{}),
	}
}

// Connect 连接到OneBot服务
func (c *Client) Connect() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	header := make(map[string][]string)
	if c.cfg.OneBot.AccessToken != "" {
		header["Authorization"] = []string{"Bearer " + c.cfg.OneBot.AccessToken}
	}

	conn, _, err := websocket.DefaultDialer.Dial(c.cfg.OneBot.WsURL, header)
	if err != nil {
		return fmt.Errorf("WebSocket连接失败: %w", err)
	}

	c.conn = conn
	c.reconnecting = false

	// 启动消息接收循环
	go c.receiveLoop()

	zap.L().Info("已连接到 OneBot", zap.String("url", c.cfg.OneBot.WsURL))
	return nil
}

// receiveLoop 消息接收循环
func (c *Client) receiveLoop() {
	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		_, message, err := c.conn.ReadMessage()
		if err != nil {
			zap.L().Error("读取消息失败", zap.Error(err))
			c.handleDisconnect()
			return
		}

		go c.handleMessage(message)
	}
}

// handleMessage 处理收到的消息
func (c *Client) handleMessage(data []byte) {
	var event map[string]any
	if err := sonic.Unmarshal(data, &event); err != nil {
		zap.L().Error("解析消息失败", zap.Error(err))
		return
	}

	// API 响应带 echo 字段
	if echo, ok := event["echo"].(string); ok && echo != "" {
		c.handleAPIResponse(event, echo)
		return
	}

	if postType, ok := event["post_type"].(string); ok {
		switch postType {
		case "meta_event":
			c.handleMetaEvent(event)
		case "message":
			c.handleMessageEvent(event)
		}
	}
}

// handleAPIResponse 处理 API 响应
func (c *Client) handleAPIResponse(event map[string]any, echo string) {
	if ch, ok := c.pendingReqs.Load(echo); ok {
		resp := &APIResponse{Echo: echo}
		if status, ok := event["status"].(string); ok {
			resp.Status = status
		}
		if retCode, ok := parseInt(event["retcode"]); ok {
			resp.RetCode = retCode
		}
		resp.Data = event["data"]
		if msg, ok := event["message"].(string); ok {
			resp.Message = msg
		}
		ch.(chan *APIResponse) <- resp
	}
}

// handleMetaEvent 处理元事件
func (c *Client) handleMetaEvent(event map[string]any) {
	metaType, _ := event["meta_event_type"].(string)

	if metaType == "lifecycle" {
		subType, _ := event["sub_type"].(string)
		if subType == "connect" {
			if selfID, ok := parseInt64(event["self_id"]); ok {
				c.selfID = selfID
				zap.L().Info("Bot 已上线", zap.Int64("qq", c.selfID))
			}
		}
	}
}

// handleMessageEvent 处理消息事件
func (c *Client) handleMessageEvent(event map[string]any) {
	msgType, _ := event["message_type"].(string)

	// 只处理群消息
	if msgType != "group" {
		return
	}

	msg := c.parseGroupMessage(event)
	if msg == nil {
		return
	}

	if c.onMessage != nil {
		c.onMessage(msg)
	}
}

// parseGroupMessage 解析群消息
func (c *Client) parseGroupMessage(event map[string]any) *GroupMessage {
	msg := &GroupMessage{}

	if t, ok := parseInt64(event["time"]); ok {
		msg.Time = time.Unix(t, 0)
	} else {
		msg.Time = time.Now()
	}
	if msgID, ok := parseInt64(event["message_id"]); ok {
		msg.MessageID = msgID
	}
	if groupID, ok := parseInt64(event["group_id"]); ok {
		msg.GroupID = groupID
	}
	if sender, ok := event["sender"].(map[string]any); ok {
		if userID, ok := parseInt64(sender["user_id"]); ok {
			msg.UserID = userID
		}
	}
	if raw, ok := event["raw_message"].(string); ok {
		msg.RawMessage = NormalizeRawMessage(raw)
	}

	c.parseMessageSegments(event, msg)
	if msg.PlainText == "" {
		msg.PlainText = StripCQCodes(msg.RawMessage)
	}

	return msg
}

// parseMessageSegments 从消息段中提取纯文本和回复信息
func (c *Client) parseMessageSegments(event map[string]any, msg *GroupMessage) {
	message, ok := event["message"].([]any)
	if !ok {
		return
	}

	var plain string
	for _, seg := range message {
		segMap, ok := seg.(map[string]any)
		if !ok {
			continue
		}

		segType, _ := segMap["type"].(string)
		data, _ := segMap["data"].(map[string]any)
		if data == nil {
			continue
		}

		switch segType {
		case "text":
			if t, ok := data["text"].(string); ok {
				plain += t
			}

		case "reply":
			if replyMsgID, ok := parseInt64(data["id"]); ok {
				msg.Reply = &ReplyInfo{MessageID: replyMsgID}
				// 同步取被回复消息的内容，屏蔽指令要用
				if replyData, err := c.GetMsg(replyMsgID); err == nil && replyData != nil {
					if rawMsg, ok := replyData["raw_message"].(string); ok {
						msg.Reply.RawMessage = NormalizeRawMessage(rawMsg)
					}
					if sender, ok := replyData["sender"].(map[string]any); ok {
						if uid, ok := parseInt64(sender["user_id"]); ok {
							msg.Reply.SenderID = uid
						}
					}
				}
			}
		}
	}
	msg.PlainText = plain
}

// OnMessage 设置消息回调
func (c *Client) OnMessage(handler func(*GroupMessage)) {
	c.onMessage = handler
}

// SendGroupMessage 发送群消息
func (c *Client) SendGroupMessage(groupID int64, content string) (int64, error) {
	resp, err := c.callAPI(context.Background(), "send_group_msg", map[string]any{
		"group_id": groupID,
		"message":  content,
	})
	if err != nil {
		return 0, err
	}
	if data := resp.DataMap(); data != nil {
		if msgID, ok := parseInt64(data["message_id"]); ok {
			return msgID, nil
		}
	}
	return 0, nil
}

// SendGroupRecord 发送群语音消息，audio 为合成好的音频数据
func (c *Client) SendGroupRecord(groupID int64, audio []byte) (int64, error) {
	message := []map[string]any{
		{
			"type": "record",
			"data": map[string]any{
				"file": "base64://" + base64.StdEncoding.EncodeToString(audio),
			},
		},
	}

	resp, err := c.callAPI(context.Background(), "send_group_msg", map[string]any{
		"group_id": groupID,
		"message":  message,
	})
	if err != nil {
		return 0, err
	}
	if data := resp.DataMap(); data != nil {
		if msgID, ok := parseInt64(data["message_id"]); ok {
			return msgID, nil
		}
	}
	return 0, nil
}

// GetMsg 获取消息详情
func (c *Client) GetMsg(messageID int64) (map[string]any, error) {
	resp, err := c.callAPI(context.Background(), "get_msg", map[string]any{
		"message_id": messageID,
	})
	if err != nil {
		return nil, err
	}
	return resp.DataMap(), nil
}

// callAPI 调用 OneBot API（同步等待响应）
func (c *Client) callAPI(ctx context.Context, action string, params map[string]any) (*APIResponse, error) {
	echo := fmt.Sprintf("%d", atomic.AddUint64(&c.echoCounter, 1))

	respCh := make(chan *APIResponse, 1)
	c.pendingReqs.Store(echo, respCh)
	defer func() {
		c.pendingReqs.Delete(echo)
		close(respCh)
	}()

	c.connMu.Lock()
	if c.conn == nil {
		c.connMu.Unlock()
		return nil, fmt.Errorf("未连接到 OneBot 服务")
	}

	req := map[string]any{
		"action": action,
		"params": params,
		"echo":   echo,
	}
	data, err := sonic.Marshal(req)
	if err != nil {
		c.connMu.Unlock()
		return nil, err
	}

	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.connMu.Unlock()
		return nil, err
	}
	c.connMu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(30 * time.Second):
		return nil, fmt.Errorf("API调用超时: %s", action)
	case resp := <-respCh:
		if resp.RetCode != 0 {
			return resp, fmt.Errorf("API调用失败[%d]: %s", resp.RetCode, resp.Message)
		}
		return resp, nil
	}
}

// handleDisconnect 处理断开连接
func (c *Client) handleDisconnect() {
	if c.reconnecting {
		return
	}
	c.reconnecting = true

	zap.L().Warn("连接断开，尝试重连...")

	interval := time.Duration(c.cfg.OneBot.ReconnectInterval) * time.Second
	for {
		select {
		case <-c.stopCh:
			return
		case <-time.After(interval):
		}

		if err := c.Connect(); err == nil {
			zap.L().Info("重连成功")
			return
		}
		zap.L().Warn("重连失败，继续尝试...")
	}
}

// GetSelfID 获取Bot的QQ号
func (c *Client) GetSelfID() int64 {
	return c.selfID
}

// Close 关闭连接
func (c *Client) Close() error {
	close(c.stopCh)

	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// 助手函数
func parseInt64(v any) (int64, bool) {
	if v == nil {
		return 0, false
	}
	switch val := v.(type) {
	case int64:
		return val, true
	case float64:
		return int64(val), true
	case int:
		return int64(val), true
	case string:
		i, err := strconv.ParseInt(val, 10, 64)
		return i, err == nil
	}
	return 0, false
}

func parseInt(v any) (int, bool) {
	if v == nil {
		return 0, false
	}
	switch val := v.(type) {
	case int:
		return val, true
	case float64:
		return int(val), true
	case int64:
		return int(val), true
	case string:
		i, err := strconv.Atoi(val)
		return i, err == nil
	}
	return 0, false
}
