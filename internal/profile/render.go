package profile

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/ent0n29/jackie/internal/policy"
)

const (
	notSpecified = "not specified"
	notAvailable = "not available"

	transcriptPreviewRunes = 1500
)

type hobbiesField struct {
	Hobbies []string `json:"hobbies"`
}

type aspectsField struct {
	Personality []string `json:"personality"`
}

type relationshipField struct {
	Description string `json:"description"`
}

// Hobbies parses the hobbies_activities column. Malformed JSON yields nil.
func Hobbies(raw string) []string {
	var v hobbiesField
	if !decode(raw, &v) {
		return nil
	}
	return compact(v.Hobbies)
}

// Personality parses the main_aspects column.
func Personality(raw string) []string {
	var v aspectsField
	if !decode(raw, &v) {
		return nil
	}
	return compact(v.Personality)
}

// LookingFor parses the relationship_looked_for column.
func LookingFor(raw string) string {
	var v relationshipField
	if !decode(raw, &v) {
		return ""
	}
	return strings.TrimSpace(v.Description)
}

func decode(raw string, dst any) bool {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false
	}
	return json.Unmarshal([]byte(raw), dst) == nil
}

func compact(items []string) []string {
	out := items[:0:0]
	for _, item := range items {
		if s := strings.TrimSpace(item); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// RenderContextBlock turns a user context into the text handed to generation
// alongside the system instructions.
func RenderContextBlock(uc UserContext) string {
	p := uc.Profile

	var b strings.Builder
	b.WriteString("User profile:\n")
	line(&b, "Name", orDefault(p.Name, notSpecified))
	age := notSpecified
	if p.Age > 0 {
		age = strconv.Itoa(p.Age)
	}
	line(&b, "Age", age)
	line(&b, "Location", orDefault(p.Location, notSpecified))
	line(&b, "Bio", orDefault(p.Bio, notAvailable))
	line(&b, "Interests", joinOrDefault(Hobbies(p.HobbiesActivities)))
	line(&b, "Personality", joinOrDefault(Personality(p.MainAspects)))
	line(&b, "Looking for", orDefault(LookingFor(p.RelationshipLookedFor), notSpecified))

	if t := strings.TrimSpace(uc.LastTranscript); t != "" {
		b.WriteString("\nLast conversation:\n")
		b.WriteString(policy.Truncate(t, transcriptPreviewRunes))
		b.WriteString("\n")
	}

	b.WriteString("\nUse this information to personalize your replies.")
	return b.String()
}

func line(b *strings.Builder, label, value string) {
	b.WriteString("- ")
	b.WriteString(label)
	b.WriteString(": ")
	b.WriteString(value)
	b.WriteString("\n")
}

func orDefault(v, def string) string {
	if v = strings.TrimSpace(v); v == "" {
		return def
	}
	return v
}

func joinOrDefault(items []string) string {
	if len(items) == 0 {
		return notSpecified
	}
	return strings.Join(items, ", ")
}
