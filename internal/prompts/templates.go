package prompts

// Template names.
const (
	TemplateNarrative       = "narrative_continuation"
	TemplateRequestResponse = "request_response"
	TemplateFavorInitial    = "favor_initial"
	TemplateFavorDelta      = "favor_delta"
	TemplateDescriptor      = "relationship_descriptor"
	TemplateSceneStatus     = "scene_status"
)

func defaultTemplates() []*Template {
	return []*Template{
		{
			Name:        TemplateNarrative,
			Description: "Continues the roleplay after the latest turn",
			Content: `你正在扮演角色「{{character_name}}」，与玩家「{{player_name}}」进行沉浸式角色扮演。

## 角色资料
{{character_profile}}

## 角色世界书
{{character_lore}}

## 玩家资料
{{player_profile}}

## 玩家世界书
{{player_lore}}

## 你对玩家的态度
{{relationship}}

## 待处理的好友申请
{{pending_requests}}

## 最近的对话
{{transcript}}

## 写作要求
1. 只输出角色接下来的言行与旁白，不替玩家说话或行动
2. 态度必须与上面的描述一致，不要直接说出任何数值
3. 如果角色通过微信等渠道发送消息，使用「在微信上发送："内容"」的格式
4. 控制在150-400字以内

请继续：`,
		},
		{
			Name:        TemplateRequestResponse,
			Description: "Character reacts to a pending contact request",
			Content: `你正在扮演角色「{{character_name}}」。

## 角色资料
{{character_profile}}

## 角色世界书
{{character_lore}}

## 你对玩家的态度
{{relationship}}

## 最近的对话
{{transcript}}

## 新的好友申请
申请人显示为：{{request_name}}
验证消息：{{request_greeting}}

请以旁白加角色反应的形式，描写{{character_name}}看到这条好友申请后的反应，并明确写出通过或拒绝了申请。控制在100-250字以内：`,
		},
		{
			Name:        TemplateFavorInitial,
			Description: "Infers the starting favor from lore",
			Content: `根据以下设定，判断角色「{{character_name}}」在故事开始时对「{{player_name}}」的好感度。

## 角色世界书
{{character_lore}}

## 玩家世界书
{{player_lore}}

## 玩家简介
{{player_profile}}

如果设定中提到两人已有关系（如老朋友、同学、恋人、仇人），据此给出分数；如果两人素不相识，给出0到10之间的分数。
只输出一个0到100之间的整数，不要输出任何其他内容。`,
		},
		{
			Name:        TemplateFavorDelta,
			Description: "Scores how one exchange changed the relationship",
			Content: `你是一个关系评估器。角色「{{character_name}}」目前对玩家的关系阶段为：{{stage_label}}。

玩家刚才说/做：
{{player_input}}

角色的回应：
{{generated_text}}

请评估这次互动让角色对玩家的好感度变化了多少，范围是-5到5的整数（0表示没有变化）。
只输出JSON：{"delta": 整数, "reason": "不超过20字的理由"}`,
		},
		{
			Name:        TemplateDescriptor,
			Description: "Short disposition text for the prompt",
			Content: `角色「{{character_name}}」目前与玩家的关系阶段为：{{stage_label}}。

最近的对话：
{{transcript}}

用一句15到30字的话，从角色视角描述其此刻对玩家的态度与感受。不要出现数字，不要加引号，只输出这句话。`,
		},
		{
			Name:        TemplateSceneStatus,
			Description: "Structured status of every visible character",
			Content: `根据以下对话，整理当前场景中出场角色（不包括玩家「{{player_name}}」本人）的状态。

## 主要角色
{{character_name}}

## 最近的对话
{{transcript}}

## 之前记录的日程
{{previous_schedule}}

只输出JSON数组，每个元素格式如下：
[{"name": "角色名", "time": "当前时间", "outfit": "穿着", "mood": "心情", "action": "正在做的事", "inner_thought": "内心想法", "schedule": ["时间段 事项"]}]`,
		},
	}
}
