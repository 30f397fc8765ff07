// Package rewrite 提供查询改写：领域同义词扩展与多实体子查询分解。
//
// 匹配算法完全通用，领域词汇以纯数据表（模式 → 词集/模板）在构造时
// 注入，换领域无需改代码。扩展与分解均为确定性纯函数，相同查询
// 总是得到相同结果，上游可以安全缓存。
package rewrite
