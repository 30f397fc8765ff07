// Package types 定义知识库核心的共享数据类型与统一错误模型。
//
// 该包不依赖任何业务包，检索管线各组件（分块、改写、摄取、重排、检索）
// 均以此处的类型作为交换格式。
package types
