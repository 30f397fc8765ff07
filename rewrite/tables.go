package rewrite

import "regexp"

// SynonymRule 同义词规则：查询命中 Pattern 时追加 Terms 中的领域词。
type SynonymRule struct {
	Pattern *regexp.Regexp
	Terms   []string
}

// DecomposeRule 分解模板：Pattern 捕获 2-3 个分组，
// Templates 以 $1/$2/$3 引用分组生成子查询。
type DecomposeRule struct {
	Pattern   *regexp.Regexp
	Templates []string
}

// DefaultSynonymTable 食品安全领域同义词表。表序即匹配序。
func DefaultSynonymTable() []SynonymRule {
	return []SynonymRule{
		{regexp.MustCompile(`(?i)GB\s*2760`), []string{"食品添加剂使用标准", "食品添加剂"}},
		{regexp.MustCompile(`(?i)GB\s*2761`), []string{"食品中真菌毒素限量"}},
		{regexp.MustCompile(`(?i)GB\s*2762`), []string{"食品中污染物限量"}},
		{regexp.MustCompile(`(?i)GB\s*4789`), []string{"食品微生物学检验", "微生物限量"}},
		{regexp.MustCompile(`(?i)GB\s*7718`), []string{"预包装食品标签通则", "食品标签"}},
		{regexp.MustCompile(`(?i)GB\s*14880`), []string{"食品营养强化剂使用标准"}},
		{regexp.MustCompile(`山梨酸钾?`), []string{"防腐剂", "食品添加剂"}},
		{regexp.MustCompile(`苯甲酸钠?`), []string{"防腐剂", "食品添加剂"}},
		{regexp.MustCompile(`脱氢乙酸钠?`), []string{"防腐剂", "食品添加剂"}},
		{regexp.MustCompile(`防腐剂`), []string{"山梨酸钾", "苯甲酸钠", "食品添加剂"}},
		{regexp.MustCompile(`甜味剂`), []string{"阿斯巴甜", "三氯蔗糖", "食品添加剂"}},
		{regexp.MustCompile(`大肠杆菌|大肠菌群`), []string{"微生物限量", "致病菌"}},
		{regexp.MustCompile(`沙门氏?菌|金黄色葡萄球菌|李斯特菌|副溶血性弧菌`), []string{"致病菌", "微生物限量"}},
		{regexp.MustCompile(`(?i)HACCP`), []string{"危害分析与关键控制点", "关键控制点"}},
		{regexp.MustCompile(`关键控制点|CCP`), []string{"HACCP", "关键限值", "监控措施"}},
		{regexp.MustCompile(`保质期|货架期`), []string{"贮存条件", "标签标注"}},
		{regexp.MustCompile(`冷链|冷藏|冷冻`), []string{"温度控制", "贮存运输"}},
		{regexp.MustCompile(`留样`), []string{"留样管理", "食品安全操作规范"}},
		{regexp.MustCompile(`清洗消毒|消毒`), []string{"清洁消毒", "卫生管理"}},
		{regexp.MustCompile(`农药残留|兽药残留`), []string{"最大残留限量", "MRL"}},
	}
}

// DefaultDecomposeTable 多实体查询分解模板表。
// 刻意采用首个命中模板生效的策略，不做最优匹配。
func DefaultDecomposeTable() []DecomposeRule {
	return []DecomposeRule{
		// Go 的 Expand 会把 $1 后面的汉字并入分组名，模板一律用 ${n} 形式。
		{regexp.MustCompile(`^(.+?)[和与](.+?)的(.+)$`), []string{"${1}的${3}", "${2}的${3}"}},
		{regexp.MustCompile(`^(.+?)以及(.+?)的(.+)$`), []string{"${1}的${3}", "${2}的${3}"}},
		{regexp.MustCompile(`^比较(.+?)[和与](.+)$`), []string{"${1}", "${2}"}},
		{regexp.MustCompile(`^(.+?)、(.+?)的(.+)$`), []string{"${1}的${3}", "${2}的${3}"}},
		{regexp.MustCompile(`(?i)^(.+?)\s+(?:and|vs\.?)\s+(.+?)\s+(.+)$`), []string{"${1} ${3}", "${2} ${3}"}},
	}
}
