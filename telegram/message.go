package telegram

import (
	"strings"

	"ielts-monitor/pkg/ielts"
)

// markdownEscaper escapes the characters that legacy Markdown treats as markup.
var markdownEscaper = strings.NewReplacer("_", `\_`, "*", `\*`, "`", "\\`", "[", `\[`)

// FormatMessage renders the notification text for slot in Telegram Markdown.
// Field order is fixed.
func FormatMessage(slot ielts.Slot) string {
	var b strings.Builder

	b.WriteString("🎯 *New IELTS Slot Available!*\n\n")
	line(&b, "📅", "Date", slot.Date)
	line(&b, "🗓", "Local date", slot.AlternateDate)
	line(&b, "🕐", "Time", slot.DisplayTime())
	line(&b, "📍", "Location", slot.DisplayLocation())
	line(&b, "📝", "Exam Type", slot.ExamVariant)
	line(&b, "💰", "Price", slot.Price)
	line(&b, "🔗", "URL", slot.Source)
	b.WriteString("\n_Don't miss this opportunity!_")

	return b.String()
}

func line(b *strings.Builder, icon, label, value string) {
	b.WriteString(icon)
	b.WriteString(" *")
	b.WriteString(label)
	b.WriteString(":* ")
	b.WriteString(markdownEscaper.Replace(value))
	b.WriteString("\n")
}
