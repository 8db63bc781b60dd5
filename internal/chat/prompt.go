package chat

import (
	"strings"

	"github.com/ent0n29/memoria/internal/memory"
)

// DefaultSystemPrompt is the base instruction used when none is configured.
const DefaultSystemPrompt = `You are a helpful assistant for Frederick Fire and Safety.
You help customers inquire about fire extinguishers and safety equipment.
You remember previous conversations and user preferences.
Be friendly, helpful, and professional.`

const profileContextHeader = "\n\nKnown information about this customer:\n"

// BuildSystemPrompt appends what is known about the user to base. Only
// non-empty profile fields are listed, always in the same order.
func BuildSystemPrompt(base string, profile *memory.Profile) string {
	if !profile.HasContext() {
		return base
	}

	fields := []struct {
		label string
		value *string
	}{
		{"Customer name", profile.DisplayName},
		{"Company", profile.CompanyName},
		{"Phone", profile.Phone},
		{"Preferences", profile.Preferences},
		{"Notes", profile.Notes},
	}

	lines := make([]string, 0, len(fields))
	for _, f := range fields {
		if f.value == nil || strings.TrimSpace(*f.value) == "" {
			continue
		}
		lines = append(lines, f.label+": "+*f.value)
	}
	return base + profileContextHeader + strings.Join(lines, "\n")
}
