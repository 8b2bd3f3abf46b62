package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// Firefox ships its own DevTools remote agent. It speaks a subset of the
// protocol that covers the network domain, which is all the capture layer
// needs; we launch the binary ourselves and attach over the websocket
// endpoint it exposes.

const devtoolsProbeInterval = 250 * time.Millisecond

// firefoxPrefs is written into a throwaway profile before launch. The
// remote agent must be told to serve the DevTools protocol explicitly.
const firefoxPrefs = `user_pref("remote.active-protocols", 2);
user_pref("browser.shell.checkDefaultBrowser", false);
user_pref("browser.warnOnQuit", false);
user_pref("browser.aboutConfig.showWarning", false);
user_pref("datareporting.policy.dataSubmissionEnabled", false);
`

// firefoxProcess tracks the externally launched browser and its profile.
type firefoxProcess struct {
	cmd        *exec.Cmd
	profileDir string
	logger     *zap.Logger
}

// launchFirefox starts Firefox with the remote debugging agent enabled and
// resolves the websocket endpoint to attach to. The process and profile are
// cleaned up by Stop.
func launchFirefox(ctx context.Context, execPath string, port int, headless bool, logger *zap.Logger) (*firefoxProcess, string, error) {
	profileDir, err := os.MkdirTemp("", "sessiontap-firefox-")
	if err != nil {
		return nil, "", fmt.Errorf("creating firefox profile dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(profileDir, "user.js"), []byte(firefoxPrefs), 0o600); err != nil {
		_ = os.RemoveAll(profileDir)
		return nil, "", fmt.Errorf("writing firefox prefs: %w", err)
	}

	args := []string{
		"-no-remote",
		"-profile", profileDir,
		"--remote-debugging-port", strconv.Itoa(port),
	}
	if headless {
		args = append(args, "-headless")
	}
	args = append(args, "about:blank")

	cmd := exec.CommandContext(ctx, execPath, args...)
	if err := cmd.Start(); err != nil {
		_ = os.RemoveAll(profileDir)
		return nil, "", fmt.Errorf("%w: starting firefox: %v", ErrEngineUnavailable, err)
	}

	proc := &firefoxProcess{cmd: cmd, profileDir: profileDir, logger: logger}

	wsURL, err := waitForDevTools(ctx, port, 15*time.Second)
	if err != nil {
		proc.Stop()
		return nil, "", fmt.Errorf("%w: firefox devtools endpoint never came up on port %d: %v",
			ErrEngineUnavailable, port, err)
	}

	logger.Debug("Firefox remote agent ready",
		zap.Int("port", port),
		zap.String("websocket_url", wsURL),
		zap.String("profile", profileDir),
	)
	return proc, wsURL, nil
}

// Stop terminates the browser process and removes the throwaway profile.
func (p *firefoxProcess) Stop() {
	if p.cmd != nil && p.cmd.Process != nil {
		if err := p.cmd.Process.Kill(); err != nil {
			p.logger.Debug("Killing firefox process", zap.Error(err))
		}
		_ = p.cmd.Wait()
	}
	if p.profileDir != "" {
		if err := os.RemoveAll(p.profileDir); err != nil {
			p.logger.Debug("Removing firefox profile", zap.Error(err))
		}
	}
}

// waitForDevTools polls the version endpoint until the agent reports its
// websocket URL or the deadline passes.
func waitForDevTools(ctx context.Context, port int, timeout time.Duration) (string, error) {
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	versionURL := fmt.Sprintf("http://127.0.0.1:%d/json/version", port)
	ticker := time.NewTicker(devtoolsProbeInterval)
	defer ticker.Stop()

	var lastErr error
	for {
		select {
		case <-probeCtx.Done():
			if lastErr != nil {
				return "", fmt.Errorf("%v (last attempt: %w)", probeCtx.Err(), lastErr)
			}
			return "", probeCtx.Err()
		case <-ticker.C:
			wsURL, err := fetchWebSocketURL(probeCtx, versionURL)
			if err != nil {
				lastErr = err
				continue
			}
			return wsURL, nil
		}
	}
}

func fetchWebSocketURL(ctx context.Context, versionURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, versionURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var version struct {
		WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&version); err != nil {
		return "", fmt.Errorf("decoding version endpoint: %w", err)
	}
	if version.WebSocketDebuggerURL == "" {
		return "", fmt.Errorf("version endpoint reported no websocket URL")
	}
	return version.WebSocketDebuggerURL, nil
}
