package prompts

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"Xinyu/server/internal/models"
)

// AssemblyInput is everything one prompt is built from. Nil and empty
// fields are allowed.
type AssemblyInput struct {
	Character *models.Character
	Player    *models.PlayerIdentity
	Turns     []models.Turn

	// StageLabel and Descriptor describe the relationship in words. The
	// numeric favor value is never part of the input.
	StageLabel string
	Descriptor string

	Requests []models.VisibleRequest
}

// Assembler renders AssemblyInput into generation prompts.
type Assembler struct {
	templates *TemplateEngine
}

func NewAssembler(templates *TemplateEngine) *Assembler {
	if templates == nil {
		templates = NewTemplateEngine()
	}
	return &Assembler{templates: templates}
}

func (a *Assembler) Templates() *TemplateEngine {
	return a.templates
}

// Build renders the narrative continuation prompt.
func (a *Assembler) Build(in AssemblyInput) string {
	vars := a.baseVars(in)
	vars["pending_requests"] = RenderRequests(in.Requests)
	return a.templates.MustRender(TemplateNarrative, vars)
}

// BuildRequestResponse renders the prompt for a character reacting to req.
func (a *Assembler) BuildRequestResponse(in AssemblyInput, req models.VisibleRequest) string {
	vars := a.baseVars(in)
	vars["request_name"] = req.MaskedName
	vars["request_greeting"] = req.Greeting
	return a.templates.MustRender(TemplateRequestResponse, vars)
}

func (a *Assembler) baseVars(in AssemblyInput) Vars {
	return Vars{
		"character_name":    CharacterName(in.Character),
		"character_profile": RenderCharacterProfile(in.Character),
		"character_lore":    RenderLore(characterLore(in.Character)),
		"player_name":       PlayerName(in.Player),
		"player_profile":    RenderPlayerProfile(in.Player),
		"player_lore":       RenderLore(playerLore(in.Player)),
		"relationship":      RenderRelationship(in.StageLabel, in.Descriptor),
		"transcript":        RenderTranscript(in.Turns, PlayerName(in.Player)),
	}
}

func CharacterName(c *models.Character) string {
	if c == nil || strings.TrimSpace(c.Name) == "" {
		return "角色"
	}
	return c.Name
}

func PlayerName(p *models.PlayerIdentity) string {
	if p == nil || strings.TrimSpace(p.Name) == "" {
		return "玩家"
	}
	return p.Name
}

func characterLore(c *models.Character) []models.WorldbookGroup {
	if c == nil {
		return nil
	}
	return c.Worldbook
}

func playerLore(p *models.PlayerIdentity) []models.WorldbookGroup {
	if p == nil {
		return nil
	}
	return p.Worldbook
}

// RenderLore renders each group with at least one non-empty entry as a
// labeled block. It returns Placeholder when nothing is left.
func RenderLore(groups []models.WorldbookGroup) string {
	var b strings.Builder
	for _, g := range groups {
		var lines []string
		for _, e := range g.Entries {
			if e.IsEmpty() {
				continue
			}
			title := strings.TrimSpace(e.Title)
			content := strings.TrimSpace(e.Content)
			switch {
			case title == "":
				lines = append(lines, "- "+content)
			case content == "":
				lines = append(lines, "- "+title)
			default:
				lines = append(lines, "- "+title+"："+content)
			}
		}
		if len(lines) == 0 {
			continue
		}
		name := strings.TrimSpace(g.Name)
		if name == "" {
			name = "设定"
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString("【" + name + "】\n")
		b.WriteString(strings.Join(lines, "\n"))
	}
	if b.Len() == 0 {
		return Placeholder
	}
	return b.String()
}

// TurnTag returns the speaker/kind tag of a turn, e.g. [玩家·对白].
func TurnTag(t models.Turn) string {
	speaker := "旁白"
	if t.From == models.SpeakerPlayer {
		speaker = "玩家"
	}
	kind := "叙述"
	if t.Kind == models.KindSpeech {
		kind = "对白"
	}
	return "[" + speaker + "·" + kind + "]"
}

// RenderTranscript renders turns oldest first, one tagged line each.
func RenderTranscript(turns []models.Turn, playerName string) string {
	if len(turns) == 0 {
		return Placeholder
	}
	lines := make([]string, 0, len(turns))
	for _, t := range turns {
		text := strings.TrimSpace(t.Text)
		if text == "" {
			continue
		}
		if t.From == models.SpeakerPlayer && playerName != "" {
			lines = append(lines, TurnTag(t)+" "+playerName+"："+text)
		} else {
			lines = append(lines, TurnTag(t)+" "+text)
		}
	}
	if len(lines) == 0 {
		return Placeholder
	}
	return strings.Join(lines, "\n")
}

func RenderCharacterProfile(c *models.Character) string {
	if c == nil {
		return Placeholder
	}
	var lines []string
	lines = append(lines, "姓名："+orPlaceholder(c.Name))
	lines = append(lines, "性别："+orPlaceholder(c.Gender.Label()))
	if c.Age != nil {
		lines = append(lines, "年龄："+strconv.Itoa(*c.Age))
	} else {
		lines = append(lines, "年龄："+Placeholder)
	}
	if strings.TrimSpace(c.OpeningLine) != "" {
		lines = append(lines, "开场白："+c.OpeningLine)
	}
	for _, k := range sortedKeys(c.Profile) {
		if v := strings.TrimSpace(c.Profile[k]); v != "" {
			lines = append(lines, k+"："+v)
		}
	}
	lines = append(lines, renderContactIDs(c.ContactIDs)...)
	return strings.Join(lines, "\n")
}

func RenderPlayerProfile(p *models.PlayerIdentity) string {
	if p == nil {
		return Placeholder
	}
	lines := []string{
		"姓名：" + orPlaceholder(p.Name),
		"性别：" + orPlaceholder(p.Gender.Label()),
		"简介：" + orPlaceholder(p.Bio),
	}
	if len(p.Tags) > 0 {
		lines = append(lines, "标签："+strings.Join(p.Tags, "、"))
	}
	lines = append(lines, renderContactIDs(p.ContactIDs)...)
	return strings.Join(lines, "\n")
}

// RenderRelationship describes the relationship without any number.
func RenderRelationship(stageLabel, descriptor string) string {
	stageLabel = strings.TrimSpace(stageLabel)
	descriptor = strings.TrimSpace(descriptor)
	switch {
	case stageLabel == "" && descriptor == "":
		return Placeholder
	case descriptor == "":
		return "关系阶段：" + stageLabel
	case stageLabel == "":
		return descriptor
	default:
		return "关系阶段：" + stageLabel + "\n" + descriptor
	}
}

// RenderRequests lists outstanding requests by greeting and masked name
// only.
func RenderRequests(reqs []models.VisibleRequest) string {
	if len(reqs) == 0 {
		return "无"
	}
	lines := make([]string, 0, len(reqs))
	for i, r := range reqs {
		lines = append(lines, fmt.Sprintf("%d. 申请人：%s；验证消息：%s", i+1, orPlaceholder(r.MaskedName), orPlaceholder(r.Greeting)))
	}
	return strings.Join(lines, "\n")
}

var contactLabels = map[string]string{
	"wechat": "微信号",
	"phone":  "手机号",
	"qq":     "QQ号",
	"email":  "邮箱",
}

func renderContactIDs(ids map[string]string) []string {
	var lines []string
	for _, k := range sortedKeys(ids) {
		v := strings.TrimSpace(ids[k])
		if v == "" {
			continue
		}
		label, ok := contactLabels[k]
		if !ok {
			label = k
		}
		lines = append(lines, label+"："+v)
	}
	return lines
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func orPlaceholder(s string) string {
	if strings.TrimSpace(s) == "" {
		return Placeholder
	}
	return s
}
