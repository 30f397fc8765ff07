package store

import (
	"strings"
	"unicode"
)

// Tokenizer 词法检索分词器。实现可插拔：不可用时注入 NoopTokenizer，
// 词法检索整体关闭而不影响管线其余部分。
type Tokenizer interface {
	// Cut 切分文本为检索词元，返回 nil 表示分词不可用。
	Cut(text string) []string
	// Available 报告分词器是否可用。
	Available() bool
}

// NoopTokenizer 不可用实现：注入后词法检索被关闭。
type NoopTokenizer struct{}

func (NoopTokenizer) Cut(string) []string { return nil }
func (NoopTokenizer) Available() bool     { return false }

// BigramTokenizer 轻量分词：CJK 连续串切为二元组，拉丁/数字串按词
// 切分并转小写。无外部词典依赖，对标准号（GB 2760）与化学名都够用。
type BigramTokenizer struct{}

func (BigramTokenizer) Available() bool { return true }

func (BigramTokenizer) Cut(text string) []string {
	tokens := make([]string, 0, len(text)/3)

	var cjk []rune
	var word []rune
	flushCJK := func() {
		if len(cjk) == 1 {
			tokens = append(tokens, string(cjk))
		}
		for i := 0; i+1 < len(cjk); i++ {
			tokens = append(tokens, string(cjk[i:i+2]))
		}
		cjk = cjk[:0]
	}
	flushWord := func() {
		if len(word) > 0 {
			tokens = append(tokens, strings.ToLower(string(word)))
			word = word[:0]
		}
	}

	for _, r := range text {
		switch {
		case unicode.Is(unicode.Han, r):
			flushWord()
			cjk = append(cjk, r)
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			flushCJK()
			word = append(word, r)
		default:
			flushCJK()
			flushWord()
		}
	}
	flushCJK()
	flushWord()

	return tokens
}
