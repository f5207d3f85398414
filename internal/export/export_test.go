package export

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilter_AlwaysStripsRawIdentifiers(t *testing.T) {
	signals := map[string]any{
		"ip":        "203.0.113.7",
		"userAgent": "Mozilla/5.0",
		"path":      "/checkout",
	}
	out := Filter(signals, true)

	_, hasIP := out["ip"]
	_, hasUA := out["userAgent"]
	assert.False(t, hasIP)
	assert.False(t, hasUA)
	assert.Equal(t, "/checkout", out["path"])
}

func TestFilter_UAParsedFieldsKeptOnlyForBots(t *testing.T) {
	signals := map[string]any{"uaFamily": "Chrome", "botType": "Scraper"}

	botOut := Filter(signals, true)
	assert.Equal(t, "Chrome", botOut["uaFamily"])
	assert.Equal(t, "Scraper", botOut["botType"])

	humanOut := Filter(signals, false)
	assert.Nil(t, humanOut, "a human record with only UA-parsed fields has nothing left to keep")
}

func TestFilter_CountryCodeFollowsBotLabel(t *testing.T) {
	signals := map[string]any{"countryCode": "DE", "path": "/a"}

	botOut := Filter(signals, true)
	assert.Equal(t, "DE", botOut["countryCode"])

	humanOut := Filter(signals, false)
	_, has := humanOut["countryCode"]
	assert.False(t, has)
	assert.Equal(t, "/a", humanOut["path"])
}

func TestFilter_ReturnsNilWhenEverythingStripped(t *testing.T) {
	out := Filter(map[string]any{"ip": "1.2.3.4", "userAgent": "x"}, false)
	assert.Nil(t, out)
}

func TestFilter_StripsLongNumericOrBase64StringValues(t *testing.T) {
	signals := map[string]any{
		"sessionToken": "QWxhZGRpbjpvcGVuIHNlc2FtZQ123456",
		"count":        3,
	}
	out := Filter(signals, true)

	_, hasToken := out["sessionToken"]
	assert.False(t, hasToken)
	assert.Equal(t, 3, out["count"])
}

func TestLabel_Thresholds(t *testing.T) {
	assert.Equal(t, "human", Label(0.0))
	assert.Equal(t, "human", Label(0.3))
	assert.Equal(t, "uncertain", Label(0.31))
	assert.Equal(t, "uncertain", Label(0.69))
	assert.Equal(t, "bot", Label(0.7))
	assert.Equal(t, "bot", Label(1.0))
}

func TestGeneralizePath_StripsQueryAndIdentifyingSegments(t *testing.T) {
	assert.Equal(t, "/users/*/orders/*", GeneralizePath("/users/4821/orders/8f14e45f-ceea-467e-9a53-2b1c9e0b0a1f?page=2"))
	assert.Equal(t, "/static/app.js", GeneralizePath("/static/app.js"))
	assert.Equal(t, "/", GeneralizePath(""))
}

func TestGeneralizePath_IsIdempotent(t *testing.T) {
	once := GeneralizePath("/users/4821/orders/8f14e45f-ceea-467e-9a53-2b1c9e0b0a1f?page=2")
	twice := GeneralizePath(once)
	assert.Equal(t, once, twice)
}

func TestBuildRecord_BotRetainsCountryCodeHumanDoesNot(t *testing.T) {
	ts := time.Unix(0, 0).UTC()
	signals := map[string]any{"countryCode": "FR", "uaFamily": "curl"}

	botRec := BuildRecord(ts, "sig-abc", "/api/users/12345", 0.9, "FR", signals)
	assert.Equal(t, "bot", botRec.Label)
	assert.Equal(t, "FR", botRec.CountryCode)
	assert.Equal(t, "/api/users/*", botRec.Path)
	require.NotNil(t, botRec.Signals)
	assert.Equal(t, "FR", botRec.Signals["countryCode"])

	humanRec := BuildRecord(ts, "sig-xyz", "/api/users/123", 0.1, "FR", signals)
	assert.Equal(t, "human", humanRec.Label)
	assert.Empty(t, humanRec.CountryCode)
	assert.Nil(t, humanRec.Signals)
}
