package dialogue

import (
	"fmt"
	"strings"
	"time"

	"github.com/relayline/frontdesk/internal/store"
	"github.com/relayline/frontdesk/pkg/types"
)

// weekdayOrder fixes the rendering order of business hours.
var weekdayOrder = []string{
	"monday", "tuesday", "wednesday", "thursday", "friday", "saturday", "sunday",
}

// BuildSystemPrompt assembles the per-turn system prompt from the voice
// persona, the tenant's business context, and the current local time.
//
// It is rebuilt on every turn rather than once per call: business hours and
// "right now" wording must stay correct when a call crosses an hour boundary.
func BuildSystemPrompt(tenant *store.Tenant, voice types.VoiceProfile, now time.Time) string {
	loc, err := time.LoadLocation(tenant.Timezone)
	if err != nil {
		loc = time.UTC
	}
	local := now.In(loc)

	var sb strings.Builder

	name := voice.Name
	if name == "" {
		name = "the receptionist"
	}
	fmt.Fprintf(&sb, "You are %s, the phone receptionist for %s", name, tenant.BusinessName)
	if voice.Accent != "" {
		fmt.Fprintf(&sb, " (speak with a %s accent)", voice.Accent)
	}
	sb.WriteString(".\n")

	if tenant.Industry != "" {
		fmt.Fprintf(&sb, "The business is a %s", tenant.Industry)
		if tenant.Region != "" {
			fmt.Fprintf(&sb, " in %s", tenant.Region)
		}
		sb.WriteString(".\n")
	}
	if tenant.SystemPrompt != "" {
		sb.WriteString(tenant.SystemPrompt)
		sb.WriteString("\n")
	}
	if len(tenant.Services) > 0 {
		fmt.Fprintf(&sb, "Services offered: %s.\n", strings.Join(tenant.Services, ", "))
	}
	if tenant.PricingNotes != "" {
		fmt.Fprintf(&sb, "Pricing reference (only if asked): %s\n", tenant.PricingNotes)
	}

	fmt.Fprintf(&sb, "Right now it is %s (%s).\n",
		local.Format("Monday, January 2, 2006, 3:04 PM"), tenant.Timezone)
	fmt.Fprintf(&sb, "Business hours:\n%s", renderHours(tenant.Hours))

	sb.WriteString(`
You are speaking on a phone call. Rules:
- Keep replies short, one to three sentences, conversational tone.
- Never use markdown, bullet points, or emoji.
- Spell out prices, percentages, and phone numbers in words, never raw digits.
- Do not volunteer pricing; only answer when the caller asks.
`)

	if tenant.TransferEnabled {
		fmt.Fprintf(&sb,
			"- If the caller asks for a human, say a short handoff sentence and append the exact token %s at the end of your reply.\n",
			MarkerTransfer)
	}
	fmt.Fprintf(&sb, `- To book an appointment once you have the details, append the exact token %s followed by these lines:
DATE: YYYY-MM-DD
START_TIME: HH:MM
END_TIME: HH:MM
CUSTOMER_NAME: <name>
CUSTOMER_PHONE: <phone or blank>
CUSTOMER_EMAIL: <email or blank>
SERVICE: <service or blank>
NOTES: <notes or blank>
`, MarkerBooking)

	return sb.String()
}

// renderHours formats business hours in weekday order. Missing days render as
// closed.
func renderHours(hours store.BusinessHours) string {
	var sb strings.Builder
	for _, day := range weekdayOrder {
		h, ok := hours[day]
		if !ok || h.Closed {
			fmt.Fprintf(&sb, "- %s: closed\n", titleDay(day))
			continue
		}
		fmt.Fprintf(&sb, "- %s: %s to %s\n", titleDay(day), h.Open, h.Close)
	}
	return sb.String()
}

// titleDay capitalises a lowercase weekday name.
func titleDay(day string) string {
	if day == "" {
		return day
	}
	return strings.ToUpper(day[:1]) + day[1:]
}
