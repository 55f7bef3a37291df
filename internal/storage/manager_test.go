package storage

import (
	"testing"
	"time"

	"github.com/uhSuiL/Pallas-Bot/internal/chat"
)

func TestEncodeDecodeMessages(t *testing.T) {
	messages := []string{"你好", "带，逗号的", `带"引号"的`, "[CQ:image,file=a.jpg]"}

	encoded, err := encodeMessages(messages)
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := decodeMessages(encoded)
	if err != nil {
		t.Fatal(err)
	}

	if len(decoded) != len(messages) {
		t.Fatalf("解码出 %d 条, 期望 %d", len(decoded), len(messages))
	}
	for i := range messages {
		if decoded[i] != messages[i] {
			t.Fatalf("第 %d 条不一致: %q != %q", i, decoded[i], messages[i])
		}
	}
}

func TestDecodeMessagesEmpty(t *testing.T) {
	decoded, err := decodeMessages("")
	if err != nil {
		t.Fatal(err)
	}
	if decoded != nil {
		t.Fatalf("空串应该解出 nil, 实际 %v", decoded)
	}
}

func TestDecodeMessagesInvalid(t *testing.T) {
	if _, err := decodeMessages("不是JSON"); err == nil {
		t.Fatal("非法 JSON 应该报错")
	}
}

func TestToEntry(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	row := &Context{ID: 7, Keywords: "晚上吃什么", Time: now, Count: 5}

	messages, _ := encodeMessages([]string{"吃食堂", "吃食堂！"})
	answers := []ContextAnswer{
		{ContextID: 7, GroupID: 1, Keywords: "吃食堂", Count: 2, Messages: messages},
		{ContextID: 7, GroupID: 2, Keywords: "减肥不吃", Count: chat.BanSentinel, Messages: `["减肥不吃"]`},
	}
	bans := []ContextBan{
		{ContextID: 7, GroupID: 2, Keywords: "减肥不吃"},
	}

	entry, err := toEntry(row, answers, bans)
	if err != nil {
		t.Fatal(err)
	}

	if entry.Keywords != "晚上吃什么" || entry.Count != 5 || !entry.Time.Equal(now) {
		t.Fatalf("上下文字段不对: %+v", entry)
	}
	if len(entry.Answers) != 2 {
		t.Fatalf("回复条数 = %d", len(entry.Answers))
	}

	a := entry.FindAnswer(1, "吃食堂")
	if a == nil || a.Count != 2 || len(a.Messages) != 2 || a.Messages[1] != "吃食堂！" {
		t.Fatalf("回复统计不对: %+v", a)
	}

	banned := entry.FindAnswer(2, "减肥不吃")
	if banned == nil || banned.Count != chat.BanSentinel {
		t.Fatalf("哨兵计数丢失: %+v", banned)
	}
	if len(entry.Bans) != 1 || entry.Bans[0].GroupID != 2 || entry.Bans[0].Keywords != "减肥不吃" {
		t.Fatalf("屏蔽标记不对: %+v", entry.Bans)
	}
}

func TestToEntryBadMessages(t *testing.T) {
	row := &Context{ID: 1, Keywords: "k"}
	answers := []ContextAnswer{{ContextID: 1, GroupID: 1, Keywords: "a", Messages: "坏数据"}}
	if _, err := toEntry(row, answers, nil); err == nil {
		t.Fatal("损坏的原文列表应该报错")
	}
}
