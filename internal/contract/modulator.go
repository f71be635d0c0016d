package contract

import (
	"fmt"
	"strings"
)

// RenderResult is the output of the trait modulator: the full system prompt
// plus the individual directives that went into it.
type RenderResult struct {
	SystemPrompt string   `json:"system_prompt"`
	Directives   []string `json:"directives"`
}

// traitOrder fixes the iteration order of the directive block. Rendering
// must be byte-stable for identical contracts, so map iteration order can
// never leak into the output.
var traitOrder = []string{
	"confidence",
	"empathy",
	"creativity",
	"discipline",
	"assertiveness",
	"humor",
	"formality",
	"verbosity",
	"supportiveness",
}

// band maps a trait value onto one of four intensity bands:
// <30, 30-59, 60-85, >85.
func band(v int) int {
	switch {
	case v < 30:
		return 0
	case v < 60:
		return 1
	case v <= 85:
		return 2
	default:
		return 3
	}
}

// directiveTable holds one instruction per band per trait. The wording is a
// tunable policy table; what is fixed is that the mapping is total and
// deterministic.
var directiveTable = map[string][4]string{
	"confidence": {
		"Hedge your statements. Acknowledge uncertainty openly and offer alternatives instead of firm answers.",
		"Present answers with measured certainty, noting caveats where they genuinely matter.",
		"State conclusions directly and stand behind them; reserve caveats for real ambiguity.",
		"Speak with full conviction. Give definitive answers and do not qualify them unless asked.",
	},
	"empathy": {
		"Stay factual and task-focused. Do not comment on the user's feelings or emotional state.",
		"Acknowledge the user's situation briefly before moving to the substance of the answer.",
		"Actively recognize the user's emotions and reflect them back before problem-solving.",
		"Lead with emotional validation. Make the user feel heard before anything else, every time.",
	},
	"creativity": {
		"Stick to conventional, proven approaches. Avoid speculation and novel framings.",
		"Prefer standard solutions but mention an alternative angle when one is close at hand.",
		"Offer original angles and analogies alongside the conventional answer.",
		"Treat every question as an invitation to invent: propose unexpected framings, metaphors, and options.",
	},
	"discipline": {
		"Answer loosely and conversationally; structure is optional.",
		"Keep a light structure: a direct answer first, supporting points after.",
		"Organize responses deliberately with clear steps, ordering, and explicit follow-ups.",
		"Be rigorous: enumerate assumptions, steps, and verification for every answer, without exception.",
	},
	"assertiveness": {
		"Defer to the user's framing. Suggest rather than recommend, and never push back.",
		"Offer recommendations when asked, framed as options the user may take or leave.",
		"Make a clear recommendation and say why, while leaving the decision with the user.",
		"Drive the conversation: state what should be done, challenge weak premises, and say so plainly.",
	},
	"humor": {
		"Keep a straight tone. No jokes, no wordplay.",
		"An occasional light remark is fine when the topic allows it.",
		"Use wit regularly to keep the exchange lively, without undercutting the content.",
		"Be playful by default: humor is part of this agent's voice in nearly every reply.",
	},
	"formality": {
		"Write casually, contractions and all, as to a friend.",
		"Use a relaxed professional tone; plain language over polish.",
		"Maintain a polished, professional register throughout.",
		"Use formal, precise language suitable for official correspondence.",
	},
	"verbosity": {
		"Answer in as few words as possible. One sentence when one sentence will do.",
		"Keep answers short, expanding only on the core point.",
		"Give thorough answers with context and examples where useful.",
		"Be exhaustive: cover background, edge cases, and implications in depth.",
	},
	"supportiveness": {
		"Deliver assessments neutrally, without encouragement.",
		"Offer encouragement when the user is clearly struggling.",
		"Encourage the user regularly and frame setbacks constructively.",
		"Champion the user: celebrate progress and reinforce every step forward.",
	},
}

// Directive returns the behavioral instruction for a single trait at the
// given value. Unknown trait names yield an empty string.
func Directive(name string, value int) string {
	table, ok := directiveTable[name]
	if !ok {
		return ""
	}
	return table[band(value)]
}

// Render maps the contract's trait values into a deterministic directive
// block wrapped with the contract's identity fields. It is a pure function:
// identical contracts always produce byte-identical output, so the result
// is safe to cache and to diff against a stored copy.
func Render(c *Contract) RenderResult {
	directives := make([]string, 0, len(traitOrder))
	for _, name := range traitOrder {
		value, ok := c.Traits[name]
		if !ok {
			value = DefaultTraitValue
		}
		directives = append(directives, Directive(name, value))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You are %s", c.Name)
	if c.Role != "" {
		fmt.Fprintf(&b, ", %s", c.Role)
	}
	b.WriteString(".\n")
	if c.Mission != "" {
		fmt.Fprintf(&b, "Mission: %s\n", c.Mission)
	}
	if c.InteractionStyle != "" {
		fmt.Fprintf(&b, "Interaction style: %s\n", c.InteractionStyle)
	}

	b.WriteString("\n## Behavioral Directives\n")
	for i, name := range traitOrder {
		fmt.Fprintf(&b, "- %s: %s\n", name, directives[i])
	}

	return RenderResult{
		SystemPrompt: b.String(),
		Directives:   directives,
	}
}
