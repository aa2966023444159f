package call

import (
	"regexp"
	"strings"
)

var (
	reHeading = regexp.MustCompile(`(?m)^#{1,6} +(.*)$`)
	reLink    = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
	reBold    = regexp.MustCompile(`\*\*(.*?)\*\*`)
	reBullet  = regexp.MustCompile(`(?m)^[-*] +`)
)

// FormatAgentResponse renders the light markdown used in agent replies as
// terminal text: headings lose their hashes, links become "text <url>", bold
// markers are dropped and list dashes become bullets.
func FormatAgentResponse(text string) string {
	text = reHeading.ReplaceAllString(text, "$1")
	text = reLink.ReplaceAllString(text, "$1 <$2>")
	text = reBold.ReplaceAllString(text, "$1")
	text = reBullet.ReplaceAllString(text, "• ")
	return strings.TrimRight(text, "\n")
}
