package browser

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	jsonv2 "github.com/go-json-experiment/json"
)

// BrowserKind identifies the type of Chromium-based browser.
type BrowserKind string

const (
	BrowserChrome   BrowserKind = "chrome"
	BrowserBrave    BrowserKind = "brave"
	BrowserEdge     BrowserKind = "edge"
	BrowserChromium BrowserKind = "chromium"
	BrowserCanary   BrowserKind = "canary"
	BrowserCustom   BrowserKind = "custom"
)

// BrowserExecutable represents a found browser binary.
type BrowserExecutable struct {
	Kind BrowserKind
	Path string
}

type candidate struct {
	kind BrowserKind
	path string
}

// FindChromeExecutable finds a Chrome/Chromium browser on the system.
func FindChromeExecutable(customPath string) (*BrowserExecutable, error) {
	if customPath != "" {
		if !fileExists(customPath) {
			return nil, fmt.Errorf("browser executable not found: %s", customPath)
		}
		return &BrowserExecutable{Kind: BrowserCustom, Path: customPath}, nil
	}

	var candidates []candidate
	switch runtime.GOOS {
	case "darwin":
		candidates = macCandidates()
	case "linux":
		candidates = linuxCandidates()
	case "windows":
		candidates = windowsCandidates()
	default:
		return nil, fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}
	for _, c := range candidates {
		if fileExists(c.path) {
			return &BrowserExecutable{Kind: c.kind, Path: c.path}, nil
		}
	}
	for _, name := range []string{"google-chrome", "chromium", "chromium-browser", "chrome"} {
		if p, err := exec.LookPath(name); err == nil {
			return &BrowserExecutable{Kind: BrowserChromium, Path: p}, nil
		}
	}
	return nil, fmt.Errorf("no supported browser found (Chrome/Brave/Edge/Chromium)")
}

func macCandidates() []candidate {
	home := os.Getenv("HOME")
	return []candidate{
		{BrowserChrome, "/Applications/Google Chrome.app/Contents/MacOS/Google Chrome"},
		{BrowserChrome, filepath.Join(home, "Applications/Google Chrome.app/Contents/MacOS/Google Chrome")},
		{BrowserBrave, "/Applications/Brave Browser.app/Contents/MacOS/Brave Browser"},
		{BrowserEdge, "/Applications/Microsoft Edge.app/Contents/MacOS/Microsoft Edge"},
		{BrowserChromium, "/Applications/Chromium.app/Contents/MacOS/Chromium"},
		{BrowserCanary, "/Applications/Google Chrome Canary.app/Contents/MacOS/Google Chrome Canary"},
	}
}

func linuxCandidates() []candidate {
	return []candidate{
		{BrowserChrome, "/usr/bin/google-chrome"},
		{BrowserChrome, "/usr/bin/google-chrome-stable"},
		{BrowserChrome, "/usr/bin/chrome"},
		{BrowserBrave, "/usr/bin/brave-browser"},
		{BrowserBrave, "/snap/bin/brave"},
		{BrowserEdge, "/usr/bin/microsoft-edge"},
		{BrowserChromium, "/usr/bin/chromium"},
		{BrowserChromium, "/usr/bin/chromium-browser"},
		{BrowserChromium, "/snap/bin/chromium"},
	}
}

func windowsCandidates() []candidate {
	programFiles := os.Getenv("ProgramFiles")
	if programFiles == "" {
		programFiles = `C:\Program Files`
	}
	programFilesX86 := os.Getenv("ProgramFiles(x86)")
	if programFilesX86 == "" {
		programFilesX86 = `C:\Program Files (x86)`
	}
	var out []candidate
	if local := os.Getenv("LOCALAPPDATA"); local != "" {
		out = append(out,
			candidate{BrowserChrome, filepath.Join(local, "Google", "Chrome", "Application", "chrome.exe")},
			candidate{BrowserBrave, filepath.Join(local, "BraveSoftware", "Brave-Browser", "Application", "brave.exe")},
			candidate{BrowserEdge, filepath.Join(local, "Microsoft", "Edge", "Application", "msedge.exe")},
		)
	}
	return append(out,
		candidate{BrowserChrome, filepath.Join(programFiles, "Google", "Chrome", "Application", "chrome.exe")},
		candidate{BrowserChrome, filepath.Join(programFilesX86, "Google", "Chrome", "Application", "chrome.exe")},
		candidate{BrowserEdge, filepath.Join(programFiles, "Microsoft", "Edge", "Application", "msedge.exe")},
	)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// VersionInfo is the /json/version document of a debuggable browser.
type VersionInfo struct {
	Browser              string `json:"Browser"`
	ProtocolVersion      string `json:"Protocol-Version"`
	UserAgent            string `json:"User-Agent"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// Version fetches /json/version from a browser's HTTP debugging endpoint.
func Version(ctx context.Context, cdpURL string) (*VersionInfo, error) {
	versionURL := strings.TrimSuffix(cdpURL, "/") + "/json/version"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, versionURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: %s", versionURL, resp.Status)
	}

	var v VersionInfo
	if err := jsonv2.UnmarshalRead(resp.Body, &v); err != nil {
		return nil, fmt.Errorf("decode %s: %w", versionURL, err)
	}
	return &v, nil
}

// IsChromeReachable checks if Chrome CDP is responding.
func IsChromeReachable(ctx context.Context, cdpURL string, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	_, err := Version(ctx, cdpURL)
	return err == nil
}

// WebSocketURL resolves a CDP endpoint to a browser-level debugger URL.
// ws:// and wss:// URLs are returned unchanged.
func WebSocketURL(ctx context.Context, cdpURL string) (string, error) {
	if strings.HasPrefix(cdpURL, "ws://") || strings.HasPrefix(cdpURL, "wss://") {
		return cdpURL, nil
	}
	v, err := Version(ctx, cdpURL)
	if err != nil {
		return "", err
	}
	if v.WebSocketDebuggerURL == "" {
		return "", fmt.Errorf("no webSocketDebuggerUrl in response")
	}
	return v.WebSocketDebuggerURL, nil
}

// httpEndpoint maps a ws:// debugger URL to the browser's HTTP endpoint.
func httpEndpoint(cdpURL string) string {
	u, err := url.Parse(cdpURL)
	if err != nil {
		return cdpURL
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	default:
		return cdpURL
	}
	u.Path, u.RawQuery = "", ""
	return u.String()
}

// RunningChrome represents a launched browser.
type RunningChrome struct {
	PID         int
	Executable  *BrowserExecutable
	UserDataDir string
	CDPPort     int
	StartedAt   time.Time

	cmd           *exec.Cmd
	cancelBrowser context.CancelFunc
	cancelAlloc   context.CancelFunc
}

// CDPUrl returns the HTTP debugging endpoint.
func (r *RunningChrome) CDPUrl() string {
	return fmt.Sprintf("http://127.0.0.1:%d", r.CDPPort)
}

func allocatorOptions(config *ResolvedConfig, profile *ResolvedProfile, exe *BrowserExecutable) []chromedp.ExecAllocatorOption {
	opts := []chromedp.ExecAllocatorOption{
		chromedp.ExecPath(exe.Path),
		chromedp.UserDataDir(profile.UserDataDir),
		chromedp.NoFirstRun,
		chromedp.NoDefaultBrowserCheck,
		chromedp.Flag("remote-debugging-port", strconv.Itoa(profile.CDPPort)),
		chromedp.Flag("disable-sync", true),
		chromedp.Flag("disable-background-networking", true),
		chromedp.Flag("disable-component-update", true),
		chromedp.Flag("disable-features", "Translate,MediaRouter"),
		chromedp.Flag("disable-session-crashed-bubble", true),
		chromedp.Flag("hide-crash-restore-bubble", true),
		chromedp.Flag("password-store", "basic"),
	}
	if config.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"), chromedp.DisableGPU)
	}
	if config.NoSandbox {
		opts = append(opts, chromedp.NoSandbox, chromedp.Flag("disable-setuid-sandbox", true))
	}
	if runtime.GOOS == "linux" {
		opts = append(opts, chromedp.Flag("disable-dev-shm-usage", true))
	}
	return opts
}

// LaunchChrome starts a managed browser for profile and waits until its
// debugging endpoint answers.
func LaunchChrome(ctx context.Context, config *ResolvedConfig, profile *ResolvedProfile) (*RunningChrome, error) {
	if profile.Driver != DriverManaged {
		return nil, fmt.Errorf("profile %q is %s; cannot launch local Chrome", profile.Name, profile.Driver)
	}
	exe, err := FindChromeExecutable(config.ExecutablePath)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(profile.UserDataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create user data dir: %w", err)
	}

	running := &RunningChrome{
		Executable:  exe,
		UserDataDir: profile.UserDataDir,
		CDPPort:     profile.CDPPort,
		StartedAt:   time.Now(),
	}
	opts := append(allocatorOptions(config, profile, exe), chromedp.ModifyCmdFunc(func(cmd *exec.Cmd) {
		setChromeProcessGroup(cmd)
		running.cmd = cmd
	}))

	// The allocator outlives ctx; StopChrome cancels it.
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.WithoutCancel(ctx), opts...)
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	running.cancelAlloc, running.cancelBrowser = cancelAlloc, cancelBrowser

	startCtx, cancel := context.WithTimeout(ctx, startTimeout)
	defer cancel()
	if err := chromedp.Run(browserCtx); err != nil {
		running.stop()
		return nil, fmt.Errorf("start %s: %w", exe.Path, err)
	}
	if p := chromedp.FromContext(browserCtx).Browser.Process(); p != nil {
		running.PID = p.Pid
	}

	for {
		if IsChromeReachable(startCtx, running.CDPUrl(), 500*time.Millisecond) {
			return running, nil
		}
		select {
		case <-startCtx.Done():
			running.stop()
			return nil, fmt.Errorf("chrome CDP did not start on port %d within %s", profile.CDPPort, startTimeout)
		case <-time.After(200 * time.Millisecond):
		}
	}
}

func (r *RunningChrome) stop() {
	r.cancelBrowser()
	r.cancelAlloc()
}

// StopChrome closes the browser, killing its process group when it does
// not exit within timeout.
func StopChrome(running *RunningChrome, timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		running.stop()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		if running.cmd != nil {
			killChromeProcessGroup(running.cmd, true)
		}
		return fmt.Errorf("chrome pid %d did not exit within %s", running.PID, timeout)
	}
}
