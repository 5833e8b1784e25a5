// Package danmu models viewer chat messages and their classification into
// the signal categories the analysis engine consumes. Classification is a
// keyword rule table, applied at ingest so window snapshots already carry
// categorized signals.
package danmu

import (
	"encoding/json"
	"strings"

	"github.com/Wike-CHI/timao-douyin-live-manager-sub002/pkg/jsontime"
)

// Category is the chat signal category.
type Category int

const (
	CategoryOther Category = iota
	CategoryQuestion
	CategoryProduct
	CategorySupport
	CategoryEmotion
)

// String returns the string representation of the category.
func (c Category) String() string {
	switch c {
	case CategoryQuestion:
		return "question"
	case CategoryProduct:
		return "product"
	case CategorySupport:
		return "support"
	case CategoryEmotion:
		return "emotion"
	default:
		return "other"
	}
}

// MarshalJSON implements json.Marshaler.
func (c Category) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *Category) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return err
	}
	switch name {
	case "question":
		*c = CategoryQuestion
	case "product":
		*c = CategoryProduct
	case "support":
		*c = CategorySupport
	case "emotion":
		*c = CategoryEmotion
	default:
		*c = CategoryOther
	}
	return nil
}

// Weight returns the analysis weight of the category. Purchase intent and
// questions outweigh ambient chatter.
func (c Category) Weight() float64 {
	switch c {
	case CategoryQuestion:
		return 3.0
	case CategoryProduct:
		return 2.5
	case CategorySupport:
		return 1.5
	case CategoryEmotion:
		return 1.0
	default:
		return 0.5
	}
}

// Message is a raw chat message as received from the live room.
type Message struct {
	User string           `json:"user"`
	Text string           `json:"text"`
	Time jsontime.Seconds `json:"time_sec"`
}

// Signal is a classified chat message ready for window collection.
type Signal struct {
	User     string           `json:"user,omitempty"`
	Text     string           `json:"text"`
	Category Category         `json:"category"`
	Weight   float64          `json:"weight"`
	Time     jsontime.Seconds `json:"time_sec"`
}

// Signal classifies the message.
func (m *Message) Signal() Signal {
	cat := Classify(m.Text)
	return Signal{
		User:     m.User,
		Text:     m.Text,
		Category: cat,
		Weight:   cat.Weight(),
		Time:     m.Time,
	}
}

// Keyword tables, checked in order. Product intent is checked before
// question so that "多少钱" lands in product, not question.
var (
	productWords = []string{
		"多少钱", "价格", "链接", "购买", "下单", "优惠", "折扣",
		"发货", "库存", "尺码", "色号", "买它", "怎么买", "上车",
	}
	questionWords = []string{
		"怎么", "什么", "多少", "如何", "为什么", "能不能",
		"有没有", "是不是", "吗",
	}
	supportWords = []string{
		"加油", "支持", "关注了", "点赞", "冲冲冲", "厉害", "666", "牛",
	}
	emotionWords = []string{
		"哈哈", "笑死", "爱了", "哭", "感动", "激动", "开心", "难过", "无语",
	}
)

// Classify assigns a category to the chat text.
func Classify(text string) Category {
	switch {
	case containsAny(text, productWords):
		return CategoryProduct
	case strings.ContainsAny(text, "?？") || containsAny(text, questionWords):
		return CategoryQuestion
	case containsAny(text, supportWords):
		return CategorySupport
	case containsAny(text, emotionWords):
		return CategoryEmotion
	default:
		return CategoryOther
	}
}

func containsAny(text string, words []string) bool {
	for _, w := range words {
		if strings.Contains(text, w) {
			return true
		}
	}
	return false
}
