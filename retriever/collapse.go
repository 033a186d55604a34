package retriever

import "github.com/quarryhq/quarry/index"

// CollapseParents replaces child chunks with their parent sections,
// deduplicating by parent id and stopping once topK unique parents are
// collected. Hits without parent metadata pass through unchanged and count
// as their own parent. The child's score carries over; with the input
// sorted best-first, each parent keeps its best child's score.
func CollapseParents(hits []index.Hit, topK int) []index.Hit {
	seen := make(map[string]bool, topK)
	collapsed := make([]index.Hit, 0, topK)

	for _, h := range hits {
		key := h.Metadata.ParentID
		if key == "" || h.Metadata.ParentContent == "" {
			key = "self:" + fusionKey(h)
			if seen[key] {
				continue
			}
			seen[key] = true
			collapsed = append(collapsed, h)
		} else {
			if seen[key] {
				continue
			}
			seen[key] = true

			parent := h
			parent.ID = h.Metadata.ParentID
			parent.Text = h.Metadata.ParentContent
			parent.Metadata.ParentID = ""
			parent.Metadata.ParentContent = ""
			collapsed = append(collapsed, parent)
		}

		if len(collapsed) == topK {
			break
		}
	}
	return collapsed
}
