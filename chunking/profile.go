package chunking

import (
	"regexp"

	"github.com/foodsafe/knowbase/types"
)

// Profile 分块档案：块长与重叠以字符（rune）计。
type Profile struct {
	MaxChars     int            `json:"max_chars" yaml:"max_chars"`
	OverlapChars int            `json:"overlap_chars" yaml:"overlap_chars"`
	SplitPattern *regexp.Regexp `json:"-" yaml:"-"`
}

// 句子/条款边界：中英文句末标点、分号与换行。
var sentencePattern = regexp.MustCompile(`[。！？!?；;]|\n+`)

// 条款式文本按换行与条目编号边界切分。
var clausePattern = regexp.MustCompile(`\n+|[。；;]`)

// defaultProfiles 各类别的分块档案。
var defaultProfiles = map[types.Category]Profile{
	types.CategoryStandard:   {MaxChars: 800, OverlapChars: 100, SplitPattern: clausePattern},
	types.CategoryRegulation: {MaxChars: 600, OverlapChars: 80, SplitPattern: clausePattern},
	types.CategoryProcess:    {MaxChars: 500, OverlapChars: 60, SplitPattern: sentencePattern},
	types.CategoryHACCP:      {MaxChars: 600, OverlapChars: 80, SplitPattern: sentencePattern},
	types.CategorySOP:        {MaxChars: 500, OverlapChars: 60, SplitPattern: sentencePattern},
	types.CategoryAdditive:   {MaxChars: 400, OverlapChars: 50, SplitPattern: sentencePattern},
	types.CategoryMicrobe:    {MaxChars: 400, OverlapChars: 50, SplitPattern: sentencePattern},
}

// DefaultProfile 未知类别的回退档案。
func DefaultProfile() Profile {
	return Profile{MaxChars: 600, OverlapChars: 80, SplitPattern: sentencePattern}
}

// ProfileFor 按类别查找分块档案，未知类别返回默认档案。
func ProfileFor(category types.Category) Profile {
	if p, ok := defaultProfiles[category]; ok {
		return p
	}
	return DefaultProfile()
}
