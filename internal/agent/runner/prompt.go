package runner

import (
	"fmt"
	"strings"
	"time"
)

// Identity is the configurable persona the agent speaks with. Zero
// values get sensible defaults.
type Identity struct {
	AgentName   string
	Personality string
	Language    string
}

const defaultAgentName = "Homeclaw"

// BuildSystemPrompt renders the pinned system head: identity, house
// rules, language and tool-use guidance. It is rebuilt per turn so the
// current time stays fresh.
func BuildSystemPrompt(id Identity, now time.Time) string {
	name := id.AgentName
	if name == "" {
		name = defaultAgentName
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, a smart home assistant living inside the user's home.\n", name)
	b.WriteString("You can read device states, control devices, create automations and dashboards, remember facts about the user, and schedule tasks.\n")

	if id.Personality != "" {
		b.WriteString("\nPersonality: ")
		b.WriteString(strings.TrimSpace(id.Personality))
		b.WriteString("\n")
	}

	b.WriteString("\nRules:\n")
	b.WriteString("- Use tools to act on the home; never claim a device changed state without calling a tool.\n")
	b.WriteString("- Confirm destructive or wide-reaching actions (turning off everything, deleting automations) before executing.\n")
	b.WriteString("- When a tool returns an error, explain the problem plainly and suggest a next step.\n")
	b.WriteString("- Keep replies short; the user is often on a phone or talking to a speaker.\n")
	b.WriteString("- Store durable facts about the user with the remember tool when they come up naturally.\n")

	if id.Language != "" {
		fmt.Fprintf(&b, "\nAlways answer in %s unless the user explicitly switches language.\n", id.Language)
	}

	fmt.Fprintf(&b, "\nCurrent date and time: %s\n", now.Format("Monday, 2 January 2006 15:04 MST"))
	return b.String()
}
