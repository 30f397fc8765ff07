package rewrite

import (
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/foodsafe/knowbase/types"
)

// Rewriter 查询改写器。表在构造时注入，方法均为纯函数。
type Rewriter struct {
	synonyms   []SynonymRule
	decomposes []DecomposeRule
	logger     *zap.Logger
}

// NewRewriter 创建改写器。表为 nil 时使用内置领域表。
func NewRewriter(synonyms []SynonymRule, decomposes []DecomposeRule, logger *zap.Logger) *Rewriter {
	if synonyms == nil {
		synonyms = DefaultSynonymTable()
	}
	if decomposes == nil {
		decomposes = DefaultDecomposeTable()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Rewriter{
		synonyms:   synonyms,
		decomposes: decomposes,
		logger:     logger.With(zap.String("component", "query_rewriter")),
	}
}

// ExpandQuery 将命中规则的领域词去重后追加到原查询之后。
// 已作为子串（不区分大小写）存在于查询中的词不会重复追加。
// 无规则命中时原样返回。
func (r *Rewriter) ExpandQuery(query string) string {
	if strings.TrimSpace(query) == "" {
		return query
	}

	appended := make([]string, 0, 4)
	lower := strings.ToLower(query)
	seen := make(map[string]struct{})

	for _, rule := range r.synonyms {
		if !rule.Pattern.MatchString(query) {
			continue
		}
		for _, term := range rule.Terms {
			key := strings.ToLower(term)
			if _, dup := seen[key]; dup {
				continue
			}
			if strings.Contains(lower, key) {
				continue
			}
			seen[key] = struct{}{}
			appended = append(appended, term)
			lower += " " + key
		}
	}

	if len(appended) == 0 {
		return query
	}
	return query + " " + strings.Join(appended, " ")
}

// DecomposeQuery 将多实体查询拆为独立子查询。
// 按表序尝试模板，首个命中且产出至少两个非空子查询的模板生效；
// 模板引用了不存在的分组时跳过该模板。无法分解时返回 nil。
func (r *Rewriter) DecomposeQuery(query string) []string {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil
	}

	for _, rule := range r.decomposes {
		match := rule.Pattern.FindStringSubmatchIndex(query)
		if match == nil {
			continue
		}
		if maxGroupRef(rule.Templates) > rule.Pattern.NumSubexp() {
			r.logger.Warn("decompose template references missing group, skipped",
				zap.String("pattern", rule.Pattern.String()))
			continue
		}

		subs := make([]string, 0, len(rule.Templates))
		for _, tmpl := range rule.Templates {
			sub := strings.TrimSpace(string(rule.Pattern.ExpandString(nil, tmpl, query, match)))
			if sub != "" && sub != query {
				subs = append(subs, sub)
			}
		}
		if len(subs) >= 2 {
			return subs
		}
	}
	return nil
}

// Rewrite 产出查询变体：首个变体恒为原查询，分解成功时追加子查询变体。
func (r *Rewriter) Rewrite(query string) []types.QueryVariant {
	variants := []types.QueryVariant{{Raw: query, Expanded: r.ExpandQuery(query)}}

	for _, sub := range r.DecomposeQuery(query) {
		variants = append(variants, types.QueryVariant{Raw: sub, Expanded: r.ExpandQuery(sub)})
	}

	if len(variants) > 1 {
		r.logger.Debug("query decomposed",
			zap.String("query", query),
			zap.Int("sub_queries", len(variants)-1))
	}
	return variants
}

var groupRefPattern = regexp.MustCompile(`\$\{?(\d+)`)

// maxGroupRef 返回模板集中引用的最大分组号。
func maxGroupRef(templates []string) int {
	max := 0
	for _, tmpl := range templates {
		for _, m := range groupRefPattern.FindAllStringSubmatch(tmpl, -1) {
			if n, err := strconv.Atoi(m[1]); err == nil && n > max {
				max = n
			}
		}
	}
	return max
}
