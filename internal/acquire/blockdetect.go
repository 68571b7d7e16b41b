package acquire

import (
	"net/http"
	"strings"
)

// BlockType describes the anti-bot wall a listing site served.
type BlockType string

const (
	BlockNone       BlockType = ""
	BlockCloudflare BlockType = "cloudflare"
	BlockPerimeterX BlockType = "perimeterx"
	BlockCaptcha    BlockType = "captcha"
	BlockDenied     BlockType = "access_denied"
)

// DetectBlock checks a status, headers and body for signs of a bot wall.
// header may be nil for pages rendered in the browser.
func DetectBlock(status int, header http.Header, body []byte) (bool, BlockType) {
	if (status == http.StatusForbidden || status == http.StatusServiceUnavailable) && header != nil {
		if header.Get("cf-ray") != "" || strings.EqualFold(header.Get("server"), "cloudflare") {
			return true, BlockCloudflare
		}
	}

	lower := strings.ToLower(string(body))

	// Zillow and Realtor front their pages with PerimeterX.
	if strings.Contains(lower, "px-captcha") || strings.Contains(lower, "press &amp; hold") ||
		strings.Contains(lower, "press & hold") {
		return true, BlockPerimeterX
	}
	if strings.Contains(lower, "checking your browser") || strings.Contains(lower, "cf-browser-verification") {
		return true, BlockCloudflare
	}
	if strings.Contains(lower, "g-recaptcha") || strings.Contains(lower, "hcaptcha") ||
		strings.Contains(lower, "please verify you are a human") {
		return true, BlockCaptcha
	}
	if len(body) < 4096 && strings.Contains(lower, "access denied") {
		return true, BlockDenied
	}
	return false, BlockNone
}
