package calendar

import (
	"regexp"
)

// VideoMeeting is a detected conference link.
type VideoMeeting struct {
	URL      string
	Platform string
}

// videoPattern pairs a URL regexp with its platform tag. Order matters: the
// first match wins, so the specific platforms come before the loose ones.
type videoPattern struct {
	re       *regexp.Regexp
	platform string
}

var videoPatterns = []videoPattern{
	// Zoom
	{regexp.MustCompile(`https://[^\s]*zoom\.us/j/\d+[^\s]*`), "Zoom"},
	{regexp.MustCompile(`https://[^\s]*zoom\.us/my/[^\s]+`), "Zoom"},
	{regexp.MustCompile(`https://[^\s]*zoom\.us/s/[^\s]+`), "Zoom"},

	// Google Meet
	{regexp.MustCompile(`https://meet\.google\.com/[a-z\-]+`), "Google Meet"},

	// Microsoft Teams
	{regexp.MustCompile(`https://teams\.microsoft\.com/l/meetup-join/[^\s]+`), "Teams"},
	{regexp.MustCompile(`https://teams\.live\.com/[^\s]+`), "Teams"},

	// Webex
	{regexp.MustCompile(`https://[^\s]*webex\.com/join/[^\s]+`), "Webex"},
	{regexp.MustCompile(`https://[^\s]*webex\.com/[^\s]+`), "Webex"},

	// Skype
	{regexp.MustCompile(`https://join\.skype\.com/[^\s]+`), "Skype"},

	// GoToMeeting
	{regexp.MustCompile(`https://[^\s]*gotomeeting\.com/[^\s]+`), "GoToMeeting"},

	// BlueJeans
	{regexp.MustCompile(`https://[^\s]*bluejeans\.com/[^\s]+`), "BlueJeans"},

	// RingCentral
	{regexp.MustCompile(`https://[^\s]*ringcentral\.com/[^\s]+`), "RingCentral"},

	// Whereby
	{regexp.MustCompile(`https://[^\s]*whereby\.com/[^\s]+`), "Whereby"},

	// Jitsi
	{regexp.MustCompile(`https://meet\.jit\.si/[^\s]+`), "Jitsi"},
	{regexp.MustCompile(`https://[^\s]*jitsi\.org/[^\s]+`), "Jitsi"},

	// Discord
	{regexp.MustCompile(`https://discord\.gg/[^\s]+`), "Discord"},
	{regexp.MustCompile(`https://[^\s]*discord\.com/channels/[^\s]+`), "Discord"},

	// Slack huddles
	{regexp.MustCompile(`https://app\.slack\.com/huddle/[^\s]+`), "Slack"},
}

// ExtractVideoLink scans an event's description and location for a
// conference link. Only those two fields participate; URL-like strings
// elsewhere never make an event a video meeting. Returns nil when nothing
// matches.
func ExtractVideoLink(description, location string) *VideoMeeting {
	combined := description + " " + location
	for _, p := range videoPatterns {
		if match := p.re.FindString(combined); match != "" {
			return &VideoMeeting{URL: match, Platform: p.platform}
		}
	}
	return nil
}
