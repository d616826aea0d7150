package prompts

import (
	"fmt"
	"time"
)

// FirstSeasonYear is the year the first Top Chef France season aired.
const FirstSeasonYear = 2010

// MinCandidatesPerSeason is the smallest plausible cast size.
const MinCandidatesPerSeason = 14

// SeedKind names the flavor of a scheduled cycle.
type SeedKind string

// Seed kinds.
const (
	SeedRoutine SeedKind = "routine"
	SeedFunFact SeedKind = "fun_fact"
	SeedGeocode SeedKind = "geocode"
)

// KindFor picks the cycle flavor for the n-th scheduled run: every
// fifth is a fun fact, every third (that is not a fifth) a geocoding
// sweep, the rest routine checks.
func KindFor(counter int) SeedKind {
	switch {
	case counter%5 == 0:
		return SeedFunFact
	case counter%3 == 0:
		return SeedGeocode
	default:
		return SeedRoutine
	}
}

// SeedFor returns the opening user message for the n-th scheduled run.
func SeedFor(counter int, now time.Time) (SeedKind, string) {
	kind := KindFor(counter)
	switch kind {
	case SeedFunFact:
		return kind, FunFactSeed()
	case SeedGeocode:
		return kind, GeocodeSeed()
	default:
		return kind, RoutineSeed(now.Year())
	}
}

// RoutineSeed asks for an integrity check of every season up to year.
func RoutineSeed(year int) string {
	expected := year - FirstSeasonYear + 1
	return fmt.Sprintf("Okay %s, time for your routine check for %d. Verify the database integrity: "+
		"make sure all %d expected seasons (season 1 up to season %d) are present and that each season has at least %d candidates. "+
		"Then check a random season for other missing data (bios, images, restaurants or addresses) and fill one gap.",
		Persona, year, expected, expected, MinCandidatesPerSeason)
}

// FunFactSeed asks for a viewer-facing tidbit.
func FunFactSeed() string {
	return fmt.Sprintf("Allez %s! Time to share a little something with our viewers. "+
		"Dig into the database, find an interesting tidbit about a chef or a season, and present it with your signature flair.",
		Persona)
}

// GeocodeSeed asks for a coordinates sweep.
func GeocodeSeed() string {
	return fmt.Sprintf("Bonjour %s! Time to put chefs on the map. "+
		"Find chefs with an address but no latitude/longitude and geocode them so they appear on the map.",
		Persona)
}

// DefaultUserMessage opens a manually triggered cycle.
const DefaultUserMessage = "Please review the database summary and update any missing information for one chef using the available tools. Start with the first chef found with missing data."
