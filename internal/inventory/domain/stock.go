package domain

import "github.com/google/uuid"

// Item is a requested quantity of one catalog article.
type Item struct {
	ArticleID uuid.UUID `json:"articleId"`
	Quantity  int       `json:"quantity"`
}

// Merge sums quantities of repeated articles, preserving first-seen order.
func Merge(items []Item) []Item {
	idx := make(map[uuid.UUID]int, len(items))
	out := make([]Item, 0, len(items))
	for _, it := range items {
		if i, ok := idx[it.ArticleID]; ok {
			out[i].Quantity += it.Quantity
			continue
		}
		idx[it.ArticleID] = len(out)
		out = append(out, it)
	}
	return out
}
