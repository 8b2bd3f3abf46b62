package browser

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
)

// Engine identifies which browser implementation a session drives.
type Engine string

const (
	EngineDesktopChrome   Engine = "desktop-chrome"
	EngineBundledChromium Engine = "bundled-chromium"
	EngineWebKit          Engine = "webkit"
	EngineFirefox         Engine = "firefox"
)

// ErrEngineUnavailable wraps every engine resolution failure. Resolution is
// strict: an engine that cannot be provided aborts the launch. There is no
// fallback to a different engine.
var ErrEngineUnavailable = errors.New("browser engine unavailable")

// ParseEngine validates the engine selector from configuration.
func ParseEngine(s string) (Engine, error) {
	switch Engine(s) {
	case EngineDesktopChrome, EngineBundledChromium, EngineWebKit, EngineFirefox:
		return Engine(s), nil
	}
	return "", fmt.Errorf("%w: unknown engine %q (valid: %s, %s, %s, %s)",
		ErrEngineUnavailable, s,
		EngineDesktopChrome, EngineBundledChromium, EngineWebKit, EngineFirefox)
}

// Per-platform installation paths checked before falling back to $PATH.
var chromePathCandidates = map[string][]string{
	"darwin": {
		"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
		"/Applications/Chromium.app/Contents/MacOS/Chromium",
	},
	"linux": {
		"/usr/bin/google-chrome",
		"/usr/bin/google-chrome-stable",
		"/opt/google/chrome/chrome",
		"/usr/bin/chromium",
		"/usr/bin/chromium-browser",
		"/snap/bin/chromium",
	},
	"windows": {
		`C:\Program Files\Google\Chrome\Application\chrome.exe`,
		`C:\Program Files (x86)\Google\Chrome\Application\chrome.exe`,
	},
}

var chromeLookupNames = []string{"google-chrome", "google-chrome-stable", "chromium", "chromium-browser", "chrome"}

var firefoxPathCandidates = map[string][]string{
	"darwin": {
		"/Applications/Firefox.app/Contents/MacOS/firefox",
	},
	"linux": {
		"/usr/bin/firefox",
		"/usr/lib/firefox/firefox",
		"/snap/bin/firefox",
	},
	"windows": {
		`C:\Program Files\Mozilla Firefox\firefox.exe`,
	},
}

var firefoxLookupNames = []string{"firefox", "firefox-esr"}

// findChromeExecutable locates a locally installed desktop Chrome/Chromium.
func findChromeExecutable() (string, error) {
	if path, ok := findExecutable(chromePathCandidates[runtime.GOOS], chromeLookupNames); ok {
		return path, nil
	}
	return "", fmt.Errorf("%w: no desktop Chrome installation found on this host", ErrEngineUnavailable)
}

// findFirefoxExecutable locates a locally installed Firefox.
func findFirefoxExecutable() (string, error) {
	if path, ok := findExecutable(firefoxPathCandidates[runtime.GOOS], firefoxLookupNames); ok {
		return path, nil
	}
	return "", fmt.Errorf("%w: no Firefox installation found on this host", ErrEngineUnavailable)
}

func findExecutable(paths []string, lookupNames []string) (string, bool) {
	for _, candidate := range paths {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, true
		}
	}
	for _, name := range lookupNames {
		if path, err := exec.LookPath(name); err == nil {
			return path, true
		}
	}
	return "", false
}
