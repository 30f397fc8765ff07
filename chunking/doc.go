// Package chunking 提供按类别配置的文档分块能力。
//
// 每个文档类别对应一个分块档案（最大块长、重叠长度、切分正则），
// 未知类别回退到默认档案。分块器先按正则切出候选段落，再贪心打包
// 至块长上限；关闭一个块时，用其尾部 overlap 字符为下一块播种。
// 超长段落独立于切分正则被强制切片。
package chunking
