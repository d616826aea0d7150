// Package prompts contains the LLM prompt templates used by toque.
//
// Prompt text is Go code rather than config files because it is program logic:
// templates use fmt.Sprintf interpolation, are embedded at compile time,
// and can be checked by tests.
//
// Convention: each prompt category gets its own file (system.go for the
// agent persona, seeds.go for scheduled cycle openers, enrich.go for the
// two-stage enrichment calls) with exported functions that accept the
// dynamic parts and return the fully interpolated prompt string.
package prompts
