package scrape

import (
	"bytes"
	"net/http"
)

// BlockType describes the kind of anti-bot block detected on a page.
type BlockType string

const (
	BlockNone       BlockType = ""
	BlockCloudflare BlockType = "cloudflare"
	BlockCaptcha    BlockType = "captcha"
	BlockJSShell    BlockType = "js_shell"
)

// jsShellMaxBody is the size under which a noscript or meta-refresh page is
// treated as a JavaScript shell rather than content.
const jsShellMaxBody = 2000

var bodyMarkers = []struct {
	block   BlockType
	markers [][]byte
}{
	{BlockCloudflare, [][]byte{[]byte("checking your browser"), []byte("cf-browser-verification"), []byte("cf-challenge")}},
	{BlockCaptcha, [][]byte{[]byte("captcha")}},
}

// DetectBlock inspects a response for signs that the static fetch was served
// a challenge instead of the page. A blocked page is not an error: the
// escalated tier renders it.
func DetectBlock(status int, header http.Header, body []byte) BlockType {
	if status == http.StatusForbidden || status == http.StatusServiceUnavailable {
		if header.Get("Cf-Ray") != "" || header.Get("Cf-Cache-Status") != "" || header.Get("Server") == "cloudflare" {
			return BlockCloudflare
		}
	}

	lower := bytes.ToLower(body)
	for _, bm := range bodyMarkers {
		for _, m := range bm.markers {
			if bytes.Contains(lower, m) {
				return bm.block
			}
		}
	}

	if len(body) < jsShellMaxBody {
		if bytes.Contains(lower, []byte("<noscript")) && bytes.Contains(lower, []byte("javascript")) {
			return BlockJSShell
		}
		if bytes.Contains(lower, []byte(`http-equiv="refresh"`)) {
			return BlockJSShell
		}
	}
	return BlockNone
}
