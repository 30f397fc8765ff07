package chunking

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/foodsafe/knowbase/types"
)

// Chunk 一个分块，Start/End 为规范化文本中的 rune 偏移。
// 相邻块之间的重叠即 prev.End - cur.Start。
type Chunk struct {
	Index      int    `json:"index"`
	Content    string `json:"content"`
	Start      int    `json:"start"`
	End        int    `json:"end"`
	TokenCount int    `json:"token_count"`
}

// Chunker 按类别档案切分文档。
type Chunker struct {
	counter TokenCounter
	logger  *zap.Logger
}

// NewChunker 创建分块器。counter 为 nil 时使用字符估算。
func NewChunker(counter TokenCounter, logger *zap.Logger) *Chunker {
	if counter == nil {
		counter = NewEstimator()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Chunker{counter: counter, logger: logger.With(zap.String("component", "chunker"))}
}

// Split 规范化内容并按类别档案分块。
func (c *Chunker) Split(content string, category types.Category) []Chunk {
	return c.SplitWithProfile(content, ProfileFor(category))
}

// SplitWithProfile 使用给定档案分块。
func (c *Chunker) SplitWithProfile(content string, profile Profile) []Chunk {
	normalized := Normalize(content)
	if normalized == "" {
		return nil
	}

	runes := []rune(normalized)
	sections := splitSections(normalized, profile.SplitPattern)

	chunks := c.pack(runes, sections, profile)

	// 内容过短、从未触及切分阈值时整体作为单块。
	if len(chunks) == 0 {
		chunks = []Chunk{{Start: 0, End: len(runes)}}
	}

	for i := range chunks {
		chunks[i].Index = i
		chunks[i].Content = string(runes[chunks[i].Start:chunks[i].End])
		chunks[i].TokenCount = c.counter.CountTokens(chunks[i].Content)
	}

	c.logger.Debug("content chunked",
		zap.Int("sections", len(sections)),
		zap.Int("chunks", len(chunks)),
		zap.Int("max_chars", profile.MaxChars),
		zap.Int("overlap_chars", profile.OverlapChars))

	return chunks
}

// section 规范化文本中的一个候选段落，[Start, End) 为 rune 偏移。
type section struct {
	Start int
	End   int
}

// splitSections 在切分正则的每个匹配之后断开，分隔符归属前一段，
// 因此各段首尾相接即原文。
func splitSections(content string, pattern *regexp.Regexp) []section {
	matches := pattern.FindAllStringIndex(content, -1)

	// 字节偏移 → rune 偏移的滚动转换。
	sections := make([]section, 0, len(matches)+1)
	runeAt := 0
	byteAt := 0
	toRune := func(byteOff int) int {
		for byteAt < byteOff {
			_, size := utf8.DecodeRuneInString(content[byteAt:])
			byteAt += size
			runeAt++
		}
		return runeAt
	}

	prev := 0
	for _, m := range matches {
		end := toRune(m[1])
		if end > prev {
			sections = append(sections, section{Start: prev, End: end})
		}
		prev = end
	}
	total := toRune(len(content))
	if total > prev {
		sections = append(sections, section{Start: prev, End: total})
	}
	return sections
}

// pack 贪心打包：段落依次并入当前块，超过 MaxChars 时关闭当前块，
// 并用其尾部 OverlapChars 字符为下一块播种。单段超长时强制切片。
func (c *Chunker) pack(runes []rune, sections []section, profile Profile) []Chunk {
	maxChars := profile.MaxChars
	overlap := profile.OverlapChars

	chunks := []Chunk{}
	cs := 0  // 当前块起点
	cur := 0 // 当前块已覆盖到的位置

	emit := func(end int) {
		if end > cs {
			chunks = append(chunks, Chunk{Start: cs, End: end})
		}
	}

	for _, sec := range sections {
		// 单段超长：先关闭当前块，再独立于切分正则强制切片。
		if sec.End-sec.Start > maxChars {
			emit(cur)
			x := sec.Start
			for sec.End-x > maxChars {
				chunks = append(chunks, Chunk{Start: x, End: x + maxChars})
				x += maxChars - overlap
			}
			// 最后一片作为下一块的起点继续打包。
			cs = x
			cur = sec.End
			continue
		}

		if sec.End-cs > maxChars {
			emit(cur)
			// 仅当已关闭块长于重叠、且播种后仍可容纳该段时才携带重叠。
			seeded := cur - overlap
			if cur-cs > overlap && sec.End-seeded <= maxChars {
				cs = seeded
			} else {
				cs = sec.Start
			}
		}
		cur = sec.End
	}

	emit(cur)
	return chunks
}

// Normalize 规范化空白与控制字符：CRLF 归一为 LF，剔除除换行/制表外的
// 控制字符，压缩连续空行，去除首尾空白。
func Normalize(content string) string {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	content = strings.ReplaceAll(content, "\r", "\n")

	var b strings.Builder
	b.Grow(len(content))
	newlines := 0
	for _, r := range content {
		if r == '\n' {
			newlines++
			if newlines <= 2 {
				b.WriteRune(r)
			}
			continue
		}
		newlines = 0
		if unicode.IsControl(r) && r != '\t' {
			continue
		}
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}
