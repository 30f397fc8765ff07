package chunking

import (
	"sync"
	"unicode"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter 统计文本 token 数，用于块级元数据。
type TokenCounter interface {
	CountTokens(text string) int
}

// Estimator 基于字符的 token 估算器，区分 CJK 与 ASCII 字符。
// CJK 约 1 字符/token，其余约 4 字符/token。
type Estimator struct{}

// NewEstimator 创建估算器。
func NewEstimator() *Estimator {
	return &Estimator{}
}

func (e *Estimator) CountTokens(text string) int {
	cjk := 0
	other := 0
	for _, r := range text {
		if unicode.Is(unicode.Han, r) || unicode.Is(unicode.Hiragana, r) || unicode.Is(unicode.Katakana, r) || unicode.Is(unicode.Hangul, r) {
			cjk++
		} else {
			other++
		}
	}
	return cjk + (other+3)/4
}

// TiktokenCounter 使用 tiktoken 精确计数，编码懒加载；
// 初始化失败时回退到估算器。
type TiktokenCounter struct {
	encoding string
	enc      *tiktoken.Tiktoken
	once     sync.Once
	initErr  error
	fallback *Estimator
}

// NewTiktokenCounter 创建 tiktoken 计数器，encoding 为空时使用 cl100k_base。
func NewTiktokenCounter(encoding string) *TiktokenCounter {
	if encoding == "" {
		encoding = "cl100k_base"
	}
	return &TiktokenCounter{encoding: encoding, fallback: NewEstimator()}
}

func (t *TiktokenCounter) init() error {
	t.once.Do(func() {
		enc, err := tiktoken.GetEncoding(t.encoding)
		if err != nil {
			t.initErr = err
			return
		}
		t.enc = enc
	})
	return t.initErr
}

func (t *TiktokenCounter) CountTokens(text string) int {
	if err := t.init(); err != nil {
		return t.fallback.CountTokens(text)
	}
	return len(t.enc.Encode(text, nil, nil))
}
