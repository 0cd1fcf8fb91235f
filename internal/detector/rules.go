package detector

import "regexp"

// Outcome is the classified result of a pending social request.
type Outcome string

const (
	OutcomeNone     Outcome = "none"
	OutcomeAccepted Outcome = "accepted"
	OutcomeRejected Outcome = "rejected"
)

// ChannelRule extracts messages sent over an out-of-band channel. Capture
// group 1 of Pattern is the message text.
type ChannelRule struct {
	Name    string
	Pattern *regexp.Regexp
}

// OutcomeRule matches width-folded, lower-cased text.
type OutcomeRule struct {
	Name    string
	Outcome Outcome
	Pattern *regexp.Regexp
}

// channelPattern is keyword, a short verb span, an optional colon and a
// quoted message.
func channelPattern(keywords string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)(?:` + keywords + `)[^"“「\n]{0,12}?[:：]?\s*["“「]([^"”」\n]+)["”」]`)
}

func DefaultChannelRules() []ChannelRule {
	return []ChannelRule{
		{Name: "wechat", Pattern: channelPattern(`微信|wechat`)},
		{Name: "sms", Pattern: channelPattern(`短信|sms`)},
		{Name: "direct_message", Pattern: channelPattern(`私信|消息`)},
	}
}

func DefaultOutcomeRules() []OutcomeRule {
	return []OutcomeRule{
		{
			Name:    "accept_request",
			Outcome: OutcomeAccepted,
			Pattern: regexp.MustCompile(`(?:通过|同意|接受)了(?:你的|这条|好友|验证)*(?:申请|请求|验证)`),
		},
		{
			Name:    "became_friends",
			Outcome: OutcomeAccepted,
			Pattern: regexp.MustCompile(`(?:加了你|添加了你|把你加为|成为了)(?:的)?好友|accepted`),
		},
		{
			Name:    "reject_request",
			Outcome: OutcomeRejected,
			Pattern: regexp.MustCompile(`拒绝了|没有?通过|没(?:有)?同意|忽略了(?:这条|你的)?(?:申请|请求)|删除了(?:这条)?(?:申请|请求)|不想加|declined|rejected`),
		},
	}
}
