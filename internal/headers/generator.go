package headers

import (
	"fmt"
	"math/rand"
	"strings"
	"sync"

	http "github.com/bogdanfinn/fhttp"
)

// Profile is one browser identity. A session keeps a single profile so the
// User-Agent stays consistent with the cookies it was issued.
type Profile struct {
	ua       string
	secCHUA  string
	platform string
	langIdx  int
	encIdx   int
	memIdx   int
	memProb  float64
}

var (
	langOpts = []string{
		"zh-CN,zh;q=0.9",
		"zh-CN,zh;q=0.9,en;q=0.8",
		"zh-CN,zh;q=0.9,en-US;q=0.8,en;q=0.7",
		"en-US,en;q=0.9",
	}
	encOpts = []string{
		"gzip, deflate, br",
		"gzip, deflate, br, zstd",
	}
	memOpts = []string{"4", "8"}

	platforms = []struct {
		token string
		hint  string
	}{
		{"Windows NT 10.0; Win64; x64", "Windows"},
		{"Macintosh; Intel Mac OS X 10_15_7", "macOS"},
		{"X11; Linux x86_64", "Linux"},
	}

	headerOrder = []string{
		"Content-Length",
		"Sec-CH-UA",
		"Accept",
		"Content-Type",
		"Sec-CH-UA-Mobile",
		"User-Agent",
		"Sec-CH-UA-Platform",
		"Origin",
		"Sec-Fetch-Site",
		"Sec-Fetch-Mode",
		"Sec-Fetch-Dest",
		"Referer",
		"Accept-Encoding",
		"Accept-Language",
		"Device-Memory",
		"Cookie",
		"Priority",
	}
)

// Chrome 120 only: the TLS fingerprint is pinned to profiles.Chrome_120 and
// a mismatched UA is an easy tell.
func generateRandomUA() (string, string) {
	p := platforms[rand.Intn(len(platforms))]
	return fmt.Sprintf(
		"Mozilla/5.0 (%s) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.%d.%d Safari/537.36",
		p.token, 6099+rand.Intn(3)*10, rand.Intn(200)+1,
	), p.hint
}

func generateSecCHUA(ua string) string {
	const fallback = "120"
	ver := fallback
	if idx := strings.Index(ua, "Chrome/"); idx != -1 {
		rest := ua[idx+7:]
		if j := strings.Index(rest, "."); j != -1 {
			ver = rest[:j]
		}
	}
	return fmt.Sprintf(
		`"Not_A Brand";v="8", "Chromium";v="%s", "Google Chrome";v="%s"`,
		ver, ver,
	)
}

func generateProfile() Profile {
	ua, platform := generateRandomUA()
	return Profile{
		ua:       ua,
		secCHUA:  generateSecCHUA(ua),
		platform: platform,
		langIdx:  rand.Intn(len(langOpts)),
		encIdx:   rand.Intn(len(encOpts)),
		memIdx:   rand.Intn(len(memOpts)),
		memProb:  rand.Float64(),
	}
}

// Generator builds request headers for one session.
type Generator struct {
	mu      sync.RWMutex
	profile Profile
	origin  string
	referer string
}

// NewGenerator picks a profile. origin is the site the requests appear to
// come from; referer defaults to origin + "/".
func NewGenerator(origin, referer string) *Generator {
	origin = strings.TrimRight(origin, "/")
	if referer == "" {
		referer = origin + "/"
	}
	return &Generator{profile: generateProfile(), origin: origin, referer: referer}
}

// UserAgent returns the pinned User-Agent.
func (g *Generator) UserAgent() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.profile.ua
}

// Rotate replaces the profile, e.g. after the server starts rejecting it.
func (g *Generator) Rotate() {
	p := generateProfile()
	g.mu.Lock()
	g.profile = p
	g.mu.Unlock()
}

// JSON returns headers for a same-site XHR carrying a JSON body.
func (g *Generator) JSON() http.Header {
	g.mu.RLock()
	profile := g.profile
	g.mu.RUnlock()

	h := http.Header{}
	h.Set("Accept", "application/json, text/plain, */*")
	h.Set("Content-Type", "application/json")
	h.Set("Accept-Language", langOpts[profile.langIdx])
	h.Set("Accept-Encoding", encOpts[profile.encIdx])
	h.Set("User-Agent", profile.ua)
	h.Set("Sec-CH-UA", profile.secCHUA)
	h.Set("Sec-CH-UA-Mobile", "?0")
	h.Set("Sec-CH-UA-Platform", `"`+profile.platform+`"`)
	h.Set("Origin", g.origin)
	h.Set("Referer", g.referer)
	h.Set("Sec-Fetch-Site", "same-origin")
	h.Set("Sec-Fetch-Mode", "cors")
	h.Set("Sec-Fetch-Dest", "empty")
	h.Set("Priority", "u=1, i")

	if profile.memProb < 0.3 {
		h.Set("Device-Memory", memOpts[profile.memIdx])
	}

	h[http.HeaderOrderKey] = headerOrder

	return h
}
