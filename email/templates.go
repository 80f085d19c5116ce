package email

import (
	"fmt"
	"html"
	"net/url"
	"strings"
	"substitute-notifier/notify"
	"substitute-notifier/pkg/plan"
)

const styles = "body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 640px; margin: 0 auto; padding: 20px; background: #fff; }\n" +
	"h1 { font-size: 1.2em; border-bottom: 2px solid #2c7be5; padding-bottom: 8px; }\n" +
	"ul.lines { list-style: none; padding: 0; margin: 15px 0; }\n" +
	"ul.lines li { padding: 6px 0; border-bottom: 1px solid #eee; }\n" +
	".segments { color: #7f8c8d; font-size: 0.9em; }\n" +
	".footer { margin-top: 30px; padding-top: 15px; border-top: 1px solid #ddd; font-size: 0.9em; color: #7f8c8d; }\n" +
	".footer a { color: #7f8c8d; text-decoration: underline; margin-right: 12px; }\n" +
	"a { color: #2c7be5; text-decoration: none; }\n" +
	"@media (prefers-color-scheme: dark) {\n" +
	"body { background: #1a1a1a; color: #e0e0e0; }\n" +
	"ul.lines li { border-bottom-color: #333; }\n" +
	".footer { color: #a0a0a0; border-top-color: #444; }\n" +
	".footer a { color: #a0a0a0; }\n" +
	"a { color: #6ea8fe; }\n" +
	"}\n"

func writeHead(b *strings.Builder, title string) {
	b.WriteString("<!DOCTYPE html>\n<html lang=\"de\">\n<head>\n")
	b.WriteString("<meta charset=\"utf-8\">\n")
	b.WriteString("<meta name=\"viewport\" content=\"width=device-width, initial-scale=1\">\n")
	fmt.Fprintf(b, "<title>%s</title>\n", escapeHTML(title))
	b.WriteString("<style>\n")
	b.WriteString(styles)
	b.WriteString("</style>\n</head>\n<body>\n")
}

func (s *Sender) writeFooter(b *strings.Builder, sub *plan.Subscriber) {
	b.WriteString("<div class=\"footer\">\n")
	fmt.Fprintf(b, "<a href=\"%s/\">Vertretungsplan</a>\n", escapeHTML(s.baseURL))
	unsubscribeURL := fmt.Sprintf("%s/unsubscribe?id=%s", s.baseURL, url.QueryEscape(sub.ID))
	fmt.Fprintf(b, "<a href=\"%s\">Abmelden</a>\n", escapeHTML(unsubscribeURL))
	b.WriteString("</div>\n")
}

func (s *Sender) formatNotificationBody(sub *plan.Subscriber, payload *notify.Payload) string {
	var b strings.Builder
	writeHead(&b, payload.Title)

	fmt.Fprintf(&b, "<h1>%s</h1>\n", escapeHTML(payload.Title))
	b.WriteString("<ul class=\"lines\">\n")
	for _, line := range payload.Lines {
		fmt.Fprintf(&b, "<li>%s</li>\n", escapeHTML(line))
	}
	b.WriteString("</ul>\n")

	s.writeFooter(&b, sub)
	b.WriteString("</body>\n</html>")
	return b.String()
}

func (s *Sender) formatWelcomeBody(sub *plan.Subscriber) string {
	var b strings.Builder
	writeHead(&b, "Anmeldung bestätigt")

	b.WriteString("<h1>Anmeldung bestätigt</h1>\n")
	b.WriteString("<p>Du wirst benachrichtigt, sobald sich der Vertretungsplan ändert.</p>\n")
	segments := strings.Join(sub.Segments, ", ")
	if segments == "" {
		segments = plan.AllSegments
	}
	fmt.Fprintf(&b, "<p class=\"segments\">Klassen: %s</p>\n", escapeHTML(segments))

	s.writeFooter(&b, sub)
	b.WriteString("</body>\n</html>")
	return b.String()
}

func escapeHTML(s string) string {
	return html.EscapeString(s)
}
