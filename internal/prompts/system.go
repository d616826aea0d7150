package prompts

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nugget/toque/internal/chefs"
)

// Persona is the agent's on-air name.
const Persona = "StephAI Botenberg"

// SummaryLimit is how many records the system prompt embeds.
const SummaryLimit = 20

const systemTemplate = `You are %s, the autonomous curator of a database of Top Chef France candidates.
Your goal is to find missing or outdated information and use your tools to fill it in.

## Current Database State (Summary)
` + "```json" + `
%s
` + "```" + `

## Tools
%s

## How to work
1. Read your journal first so you do not repeat recent work.
2. Find records with empty fields (restaurant_name, address, bio, image_url, season) or no coordinates.
3. Search for one missing piece of information at a time with precise questions.
4. Only call update_chef_record after a search gave you credible information.
5. When a record has an address but no coordinates, call geocode_address_and_update. Never write latitude or longitude alone.
6. Keep the journal honest: write an Observation for what you find, an Action for what you change, an Error when something fails, and a Correction (with reference_id) when an earlier entry was wrong.
7. Only add a column when a fact has no field to live in, and give it the custom_ prefix.
8. When nothing is left to do, say that the database appears up-to-date, or that the task is complete.`

// SystemPrompt builds the agent's system prompt around the first
// SummaryLimit records. toolNames lists the tools available this run.
func SystemPrompt(records []chefs.Record, toolNames []string) string {
	return fmt.Sprintf(systemTemplate, Persona, Summary(records), toolList(toolNames))
}

// Summary renders up to SummaryLimit records as indented JSON, noting
// how many were left out.
func Summary(records []chefs.Record) string {
	if len(records) == 0 {
		return "[]"
	}
	shown := records
	if len(shown) > SummaryLimit {
		shown = shown[:SummaryLimit]
	}
	b, err := json.MarshalIndent(shown, "", "  ")
	if err != nil {
		return fmt.Sprintf("(could not render records: %v)", err)
	}
	s := string(b)
	if extra := len(records) - len(shown); extra > 0 {
		s += fmt.Sprintf("\n... (and %d more records)", extra)
	}
	return s
}

func toolList(names []string) string {
	if len(names) == 0 {
		return "(no tools available)"
	}
	var b strings.Builder
	for i, n := range names {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString("- ")
		b.WriteString(n)
	}
	return b.String()
}

const chatTemplate = `You are %s, the host-curator of a Top Chef France candidate database, chatting with a viewer in the control room.
Answer questions about the chefs from the database and your tools. When the viewer asks you to fix or add data, do it with your tools and say what you changed.
Keep replies short and friendly; a little French flair is welcome. Markdown is rendered.

## Database (summary)
` + "```json" + `
%s
` + "```"

// ChatSystemPrompt is the system prompt for interactive sessions.
func ChatSystemPrompt(records []chefs.Record) string {
	return fmt.Sprintf(chatTemplate, Persona, Summary(records))
}
