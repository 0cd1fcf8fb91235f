package snapshot

import (
	"strings"
	"unicode"

	"Xinyu/server/internal/models"
)

// scheduleChangeWords signal that the transcript itself changed plans, so
// a diverging schedule is expected.
var scheduleChangeWords = []string{
	"改天", "推迟", "延后", "提前", "取消", "改约", "改期", "换个时间", "临时有事",
	"计划有变", "改变计划", "改了计划", "行程有变", "改了行程", "调整行程",
	"日程有变", "改了日程", "安排有变", "改了安排", "重新安排", "另有安排",
	"reschedule", "postpone", "cancel",
}

// similarityThreshold is the minimum Jaccard similarity for a new
// schedule to replace the previous one.
const similarityThreshold = 0.5

func mentionsScheduleChange(turns []models.Turn) bool {
	for _, t := range turns {
		text := strings.ToLower(t.Text)
		for _, w := range scheduleChangeWords {
			if strings.Contains(text, w) {
				return true
			}
		}
	}
	return false
}

// scheduleTokens is the set of rune bigrams of every item, ignoring
// spaces and punctuation. Single-rune items count as one token.
func scheduleTokens(items []string) map[string]bool {
	tokens := make(map[string]bool)
	for _, item := range items {
		var runes []rune
		for _, r := range strings.ToLower(item) {
			if unicode.IsSpace(r) || unicode.IsPunct(r) || unicode.IsSymbol(r) {
				continue
			}
			runes = append(runes, r)
		}
		if len(runes) == 1 {
			tokens[string(runes)] = true
		}
		for i := 0; i+1 < len(runes); i++ {
			tokens[string(runes[i:i+2])] = true
		}
	}
	return tokens
}

func jaccard(a, b []string) float64 {
	ta, tb := scheduleTokens(a), scheduleTokens(b)
	if len(ta) == 0 && len(tb) == 0 {
		return 1
	}
	inter := 0
	for t := range ta {
		if tb[t] {
			inter++
		}
	}
	union := len(ta) + len(tb) - inter
	return float64(inter) / float64(union)
}

// reconcileSchedules keeps a character's previous schedule when the new
// one drifts without the transcript giving a reason.
func reconcileSchedules(prev, next []models.SceneStatus, recent []models.Turn) []models.SceneStatus {
	if len(prev) == 0 || mentionsScheduleChange(recent) {
		return next
	}
	previous := make(map[string][]string, len(prev))
	for _, s := range prev {
		if len(s.Schedule) > 0 {
			previous[normalizeName(s.Name)] = s.Schedule
		}
	}
	for i := range next {
		old, ok := previous[normalizeName(next[i].Name)]
		if !ok {
			continue
		}
		if jaccard(old, next[i].Schedule) < similarityThreshold {
			next[i].Schedule = old
		}
	}
	return next
}
