package models

// Gender of a character or the player.
type Gender string

const (
	GenderMale        Gender = "male"
	GenderFemale      Gender = "female"
	GenderOther       Gender = "other"
	GenderUnspecified Gender = "unspecified"
)

// Label returns the prompt wording for a gender.
func (g Gender) Label() string {
	switch g {
	case GenderMale:
		return "男"
	case GenderFemale:
		return "女"
	case GenderOther:
		return "其他"
	default:
		return ""
	}
}

// WorldbookEntry is one piece of lore.
type WorldbookEntry struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

// IsEmpty reports whether the entry carries neither a title nor content.
func (e WorldbookEntry) IsEmpty() bool {
	return isBlank(e.Title) && isBlank(e.Content)
}

// WorldbookGroup is a labeled, ordered set of lore entries.
type WorldbookGroup struct {
	Name    string           `json:"name"`
	Entries []WorldbookEntry `json:"entries"`
}

// Character is the simulated persona the player talks to. It is created by
// a collaborator editor; the engine only reads it.
type Character struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Gender      Gender            `json:"gender"`
	Age         *int              `json:"age,omitempty"`
	OpeningLine string            `json:"opening_line,omitempty"`
	Worldbook   []WorldbookGroup  `json:"worldbook,omitempty"`
	ContactIDs  map[string]string `json:"contact_ids,omitempty"` // channel -> handle, e.g. "wechat" -> "xm_1998"
	Profile     map[string]string `json:"profile,omitempty"`     // generated fields such as occupation or personality
}

// PlayerIdentity is the singleton record describing the player.
type PlayerIdentity struct {
	Name       string            `json:"name"`
	Gender     Gender            `json:"gender"`
	Bio        string            `json:"bio,omitempty"`
	Tags       []string          `json:"tags,omitempty"`
	Worldbook  []WorldbookGroup  `json:"worldbook,omitempty"`
	ContactIDs map[string]string `json:"contact_ids,omitempty"`
}

func isBlank(s string) bool {
	for _, r := range s {
		switch r {
		case ' ', '\t', '\n', '\r', '　':
		default:
			return false
		}
	}
	return true
}
