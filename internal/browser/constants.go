// Package browser finds, launches and connects to Chromium-based browsers.
// A Manager resolves named profiles to a CDP endpoint, launching a managed
// browser when the profile has none running.
package browser

import "time"

const (
	// DefaultProfileName is the profile used when none is named.
	DefaultProfileName = "webpilot"

	// DefaultCDPPort is the remote debugging port of the managed browser.
	DefaultCDPPort = 9222

	// startTimeout bounds how long a launched browser may take to serve
	// /json/version.
	startTimeout = 15 * time.Second
)

// Profile drivers
const (
	// DriverManaged launches and owns a local browser with a persistent
	// user data directory.
	DriverManaged = "managed"

	// DriverRemote connects to a browser started elsewhere.
	DriverRemote = "remote"
)
