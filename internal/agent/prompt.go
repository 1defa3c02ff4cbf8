package agent

import (
	"strings"

	"github.com/watssabi-collector/server/internal/session"
)

// PromptConfig drives the fixed collection instruction.
type PromptConfig struct {
	BusinessName   string `envconfig:"PROMPT_BUSINESS_NAME" default:"Watssabi"`
	RequiredFields string `envconfig:"PROMPT_REQUIRED_FIELDS" default:"full_name,contact,category,budget,criteria,timeframe"`
}

// Required returns the ordered field names the agent must collect before it
// may complete.
func (c PromptConfig) Required() []string {
	parts := strings.Split(c.RequiredFields, ",")
	fields := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			fields = append(fields, p)
		}
	}
	return fields
}

// renderSystem builds the fixed instruction: collection goal, required
// fields, already-collected values, and the structured action protocol the
// response must follow.
func renderSystem(cfg PromptConfig, s *session.Session) string {
	var b strings.Builder
	b.WriteString("You are ")
	b.WriteString(cfg.BusinessName)
	b.WriteString(", a friendly assistant collecting structured information over WhatsApp. ")
	b.WriteString("Keep replies short and warm. Ask exactly one question at a time and wait for the answer.\n\n")

	b.WriteString("Fields to collect, in this order:\n")
	for _, name := range cfg.Required() {
		b.WriteString("- ")
		b.WriteString(name)
		b.WriteString("\n")
	}

	if len(s.Fields) > 0 {
		b.WriteString("\nAlready collected (do not ask again unless the user corrects it):\n")
		for _, f := range s.Fields {
			b.WriteString("- ")
			b.WriteString(f.Name)
			b.WriteString(": ")
			b.WriteString(f.Value)
			b.WriteString("\n")
		}
	}

	b.WriteString("\nAlways answer with a single JSON object and nothing else. Choose one action:\n")
	b.WriteString(`{"action":"ask","next_question":"<question to send>"}` + "\n")
	b.WriteString(`{"action":"extract","field":"<field name>","value":"<answer>","next_question":"<optional follow-up>"}` + "\n")
	b.WriteString(`{"action":"complete","fields":{"<name>":"<value>",...},"reply":"<warm closing message>"}` + "\n\n")
	b.WriteString("Use extract when the latest user message answered a field. ")
	b.WriteString("Use complete only once every required field has a confident value, or the user says they are done. ")
	b.WriteString("If the user skips a field, move on and leave it out of the final object.")

	return b.String()
}
