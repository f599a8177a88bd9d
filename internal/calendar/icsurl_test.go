package calendar

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openchime/openchime/internal/errs"
)

func TestValidateICSURL_Accepts(t *testing.T) {
	for _, url := range []string{
		"https://calendar.proton.me/abc/xyz.ics",
		"https://calendar.google.com/calendar/ical/user/private/basic.ics",
		"https://8.8.8.8/feed.ics", // public IP is allowed
	} {
		assert.NoError(t, ValidateICSURL(url), url)
	}
}

func TestValidateICSURL_Rejects(t *testing.T) {
	for _, url := range []string{
		"",
		"   ",
		"not a url",
		"http://example.com/x.ics",
		"https://localhost/x.ics",
		"https://LOCALHOST/x.ics",
		"https:///no-host.ics",
		"https://127.0.0.1/x.ics",
		"https://10.0.0.1/x.ics",
		"https://172.16.0.1/x.ics",
		"https://172.31.255.255/x.ics",
		"https://192.168.1.1/x.ics",
	} {
		err := ValidateICSURL(url)
		require.Error(t, err, url)
		assert.Equal(t, errs.ConfigInvalid, errs.CodeOf(err), url)
	}
}

func TestValidateICSURL_EdgeOfPrivateRanges(t *testing.T) {
	// 172.15 and 172.32 sit just outside 172.16/12.
	assert.NoError(t, ValidateICSURL("https://172.15.0.1/x.ics"))
	assert.NoError(t, ValidateICSURL("https://172.32.0.1/x.ics"))
}
