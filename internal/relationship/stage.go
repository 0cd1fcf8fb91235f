package relationship

import "Xinyu/server/internal/models"

// Stage is a coarse bucket of the favor value.
type Stage int

const (
	StageStranger Stage = iota
	StageAcquaintance
	StageFamiliar
	StageFriend
	StageClose
)

var stageNames = [...]string{"stranger", "acquaintance", "familiar", "friend", "close"}

var stageLabels = [...]string{"陌生人", "点头之交", "熟悉的人", "朋友", "亲密的人"}

var cannedDescriptors = [...]string{
	"对你还很陌生，保持着礼貌而谨慎的距离",
	"对你有些印象，愿意和你简单聊上几句",
	"和你相处自然，开始对你的事情感到好奇",
	"把你当作可以信赖的朋友，乐于分享日常",
	"对你十分在意，很想时刻待在你身边",
}

func (s Stage) String() string {
	if s < StageStranger || s > StageClose {
		return "unknown"
	}
	return stageNames[s]
}

// Label is the prompt wording of the stage.
func (s Stage) Label() string {
	if s < StageStranger || s > StageClose {
		return ""
	}
	return stageLabels[s]
}

// StageOf maps a favor value to its stage. Boundaries are inclusive upper
// bounds: 20, 40, 60, 80.
func StageOf(value int) Stage {
	switch v := Clamp(value); {
	case v <= 20:
		return StageStranger
	case v <= 40:
		return StageAcquaintance
	case v <= 60:
		return StageFamiliar
	case v <= 80:
		return StageFriend
	default:
		return StageClose
	}
}

func Clamp(value int) int {
	if value < models.FavorMin {
		return models.FavorMin
	}
	if value > models.FavorMax {
		return models.FavorMax
	}
	return value
}

// CannedDescriptor is the fallback disposition text of a stage.
func CannedDescriptor(s Stage) string {
	if s < StageStranger || s > StageClose {
		s = StageStranger
	}
	return cannedDescriptors[s]
}

// Disposition returns the stage of state and the descriptor to show for
// it. A stored descriptor generated at another stage is replaced by the
// canned one.
func Disposition(state *models.FavorState) (Stage, string) {
	if state == nil {
		return StageStranger, CannedDescriptor(StageStranger)
	}
	stage := StageOf(state.Value)
	if state.Descriptor != "" && StageOf(state.DescriptorValue) == stage {
		return stage, state.Descriptor
	}
	return stage, CannedDescriptor(stage)
}
