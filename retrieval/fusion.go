package retrieval

import (
	"sort"

	"github.com/foodsafe/knowbase/types"
)

// fuseRRF 用倒数排名融合合并向量与词法两份排名。
// 文档得分为 Σ 1/(k+rank)，rank 为该文档在各列表中的 1 基位置；
// 同分按首次出现顺序（向量列表在前）排序。结果截断到 width，
// 融合得分写入 Similarity 并以 rrf_score 存入元数据。
func fuseRRF(vector, lexical []types.KnowledgeDocument, k, width int) []types.KnowledgeDocument {
	if k <= 0 {
		k = DefaultRRFK
	}

	type entry struct {
		doc   types.KnowledgeDocument
		score float64
		order int
	}

	index := make(map[uint]*entry)
	entries := make([]*entry, 0, len(vector)+len(lexical))

	accumulate := func(list []types.KnowledgeDocument) {
		for rank, doc := range list {
			score := 1.0 / float64(k+rank+1)
			if e, ok := index[doc.ID]; ok {
				e.score += score
				continue
			}
			e := &entry{doc: doc, score: score, order: len(entries)}
			index[doc.ID] = e
			entries = append(entries, e)
		}
	}
	accumulate(vector)
	accumulate(lexical)

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].score != entries[j].score {
			return entries[i].score > entries[j].score
		}
		return entries[i].order < entries[j].order
	})

	if width > 0 && len(entries) > width {
		entries = entries[:width]
	}

	out := make([]types.KnowledgeDocument, len(entries))
	for i, e := range entries {
		d := e.doc
		d.Similarity = e.score
		d.SetMeta("rrf_score", e.score)
		out[i] = d
	}
	return out
}

// mergeFirstSeen 按给定顺序合并多份结果，重复 id 保留先出现者。
func mergeFirstSeen(lists ...[]types.KnowledgeDocument) []types.KnowledgeDocument {
	seen := make(map[uint]struct{})
	var out []types.KnowledgeDocument
	for _, list := range lists {
		for _, doc := range list {
			if _, ok := seen[doc.ID]; ok {
				continue
			}
			seen[doc.ID] = struct{}{}
			out = append(out, doc)
		}
	}
	return out
}
