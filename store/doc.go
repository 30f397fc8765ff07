/*
Package store 是知识库的存储适配层，封装 gorm 之上的三张表：

  - documents：知识块（正文、向量、分词列、父块指针、活跃标记）
  - audit_log：摄取与废止的审计行
  - entity_dictionary：实体词典（精确/别名查找）

检索读路径不开事务；摄取与废止通过 database.PoolManager.WithTransaction
保证块行与审计行的原子性。向量与词法检索在 postgres 方言上分别使用
pgvector 余弦距离与 ts_rank，其他方言回退到加载候选行后在 Go 内打分，
语义保持一致，便于用纯 Go sqlite 测试。

元数据列在本层统一规范化为 map[string]any（见 NormalizeMetadata），
管线逻辑不需要分辨字符串与结构两种历史形态。
*/
package store
