package prompts

import "fmt"

// Scope selects which fields an enrichment lookup asks for.
type Scope string

// Enrichment scopes.
const (
	ScopeMajor Scope = "major"
	ScopeMinor Scope = "minor"
	ScopeAll   Scope = "all"
)

// DraftSystem instructs the model that writes search questions.
const DraftSystem = "You are an expert at crafting concise search prompts for AI assistants. " +
	"Generate a prompt to find specific information about a Top Chef France candidate. " +
	"Be specific about the information needed. Output only the prompt."

// SearchSystem frames the answering search provider.
const SearchSystem = "You are a helpful assistant providing information about Top Chef France candidates. Be precise and factual."

// DraftPrompt asks for a search question about chef, for scope. missing
// names the fields still empty after earlier attempts, if any.
func DraftPrompt(chef string, scope Scope, missing []string) string {
	var p string
	switch scope {
	case ScopeMajor:
		p = fmt.Sprintf("Generate a search prompt to find the *current* restaurant name, the restaurant's full street address, "+
			"and the Top Chef season number for the French Top Chef candidate: %s. Focus only on these major details.", chef)
	case ScopeMinor:
		p = fmt.Sprintf("Generate a search prompt to find detailed minor information (culinary style, career highlights, "+
			"signature dish, short biography) for the French Top Chef candidate: %s. Assume name and season are known.", chef)
	default:
		p = fmt.Sprintf("Generate a search prompt to find comprehensive information (restaurant name, street address, season, "+
			"culinary style, career highlights, signature dish) for the French Top Chef candidate: %s.", chef)
	}
	if len(missing) > 0 {
		p += fmt.Sprintf(" A previous lookup did not yield usable values for: %v. Ask for those explicitly, "+
			"including a complete street address with number, street and city.", missing)
	}
	return p
}

// FallbackSearchPrompt is used when drafting fails.
func FallbackSearchPrompt(chef string) string {
	return fmt.Sprintf("Provide the current restaurant name, full street address and Top Chef France season of candidate: %s", chef)
}

// ParseSystem instructs the model that turns search text into fields.
const ParseSystem = `You are an expert data extraction assistant. Parse the provided text, which is a response from an AI about a Top Chef France candidate, and extract the relevant information into a JSON object.

The JSON object may contain:
- chef_name (string)
- restaurant_name (string)
- restaurant_address (string, full street address)
- top_chef_season (integer)
- culinary_style (string)
- career_highlights (string)
- signature_dish (string)
- bio (string, two or three sentences)

If a piece of information is not in the text, omit the key.
Output *only* the JSON object, nothing else.`

// ParsePrompt wraps search output for the parse call.
func ParsePrompt(chef, text string) string {
	return fmt.Sprintf("Parse the following text about '%s' and extract the information into the specified JSON format:\n\n---\n%s\n---", chef, text)
}
