package notify

import (
	"cents-notifier/pkg/availability"
	"fmt"
	"html"
	"strings"
)

// FormatAlert builds the Telegram HTML message announcing a newly bookable session.
func FormatAlert(r *availability.Record) string {
	var b strings.Builder
	b.WriteString("🟢 <b>NEW SPOT AVAILABLE!</b>\n\n")
	fmt.Fprintf(&b, "📌 <b>%s</b>\n", html.EscapeString(r.TestType))
	fmt.Fprintf(&b, "🏫 %s\n", html.EscapeString(r.University))
	fmt.Fprintf(&b, "📍 %s\n", html.EscapeString(r.City))
	fmt.Fprintf(&b, "📅 Test Date: %s\n", html.EscapeString(r.TestDate))
	fmt.Fprintf(&b, "⏰ Deadline: %s\n", html.EscapeString(r.Deadline))
	fmt.Fprintf(&b, "🎫 Available Spots: %s\n\n", html.EscapeString(r.Spots))
	fmt.Fprintf(&b, "👉 <a href=%q><b>BOOK IMMEDIATELY!</b></a>", availability.BookingURL)
	return b.String()
}
