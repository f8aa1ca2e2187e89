package emotion

import (
	"sort"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/zhouzirui/evi-chat/backend/internal/model/chat"
)

// MaxLabels 每条消息最多展示的情绪数量。
const MaxLabels = 3

// TopThree 从韵律评分中挑选得分最高的三个情绪。
// 排序稳定：分数相同时保持原始出现顺序。
func TopThree(scores *orderedmap.OrderedMap[string, float64]) []chat.EmotionScore {
	if scores == nil || scores.Len() == 0 {
		return nil
	}

	ranked := make([]chat.EmotionScore, 0, scores.Len())
	for pair := scores.Oldest(); pair != nil; pair = pair.Next() {
		ranked = append(ranked, chat.EmotionScore{Label: pair.Key, Score: pair.Value})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Score > ranked[j].Score
	})

	if len(ranked) > MaxLabels {
		ranked = ranked[:MaxLabels]
	}
	return ranked
}

// Dominant 返回得分最高的情绪，没有评分时 ok 为 false。
func Dominant(scores *orderedmap.OrderedMap[string, float64]) (chat.EmotionScore, bool) {
	top := TopThree(scores)
	if len(top) == 0 {
		return chat.EmotionScore{}, false
	}
	return top[0], true
}
