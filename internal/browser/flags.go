package browser

import (
	"crypto/rand"
	"math/big"
)

var hardeningSwitches = []string{
	"no-sandbox",
	"disable-setuid-sandbox",
	"disable-dev-shm-usage",
	"disable-accelerated-2d-canvas",
	"no-first-run",
	"no-zygote",
	"disable-gpu",
	"disable-infobars",
	"disable-extensions",
	"disable-background-networking",
	"disable-background-timer-throttling",
	"disable-backgrounding-occluded-windows",
	"disable-breakpad",
	"disable-component-extensions-with-background-pages",
	"disable-ipc-flooding-protection",
	"disable-renderer-backgrounding",
	"metrics-recording-only",
	"mute-audio",
	"no-default-browser-check",
	"noerrdialogs",
	"disable-web-security",
	"hide-scrollbars",
}

// HardeningFlags returns the launch switches applied to every browser. The
// sandbox is off so Chrome can run as root inside containers.
func HardeningFlags() map[string]any {
	flags := make(map[string]any, len(hardeningSwitches)+5)
	for _, name := range hardeningSwitches {
		flags[name] = true
	}
	flags["headless"] = "new"
	flags["force-color-profile"] = "srgb"
	flags["enable-automation"] = false
	flags["disable-blink-features"] = "AutomationControlled"
	flags["disable-features"] = "TranslateUI,BlinkGenPropertyTrees,IsolateOrigins,site-per-process"
	return flags
}

var desktopUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/125.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.5 Safari/605.1.15",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36 Edg/126.0.0.0",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:127.0) Gecko/20100101 Firefox/127.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 14.5; rv:127.0) Gecko/20100101 Firefox/127.0",
}

// RandomUserAgent picks one of pool, or of a built-in desktop list when pool
// is empty.
func RandomUserAgent(pool []string) string {
	if len(pool) == 0 {
		pool = desktopUserAgents
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(pool))))
	if err != nil {
		return pool[0]
	}
	return pool[n.Int64()]
}
