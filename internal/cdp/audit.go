package cdp

import (
	"context"
	"log/slog"

	"github.com/chromedp/cdproto/target"
	"github.com/neboloop/webpilot/internal/metrics"
)

// AuditFunc observes every outbound command before it is written.
type AuditFunc func(sessionID target.SessionID, method string)

// sensitiveCommands run script, type input, or touch credentials in the page.
var sensitiveCommands = map[string]bool{
	"Runtime.evaluate":               true,
	"Runtime.callFunctionOn":         true,
	"Page.navigate":                  true,
	"Network.setCookie":              true,
	"Network.deleteCookies":          true,
	"Network.setExtraHTTPHeaders":    true,
	"Storage.clearDataForOrigin":     true,
	"Input.dispatchKeyEvent":         true,
	"Input.insertText":               true,
	"DOM.setAttributeValue":          true,
	"Page.setDocumentContent":        true,
	"Security.setIgnoreCertErrors":   true,
	"Browser.grantPermissions":       true,
	"Target.createBrowserContext":    true,
	"Emulation.setUserAgentOverride": true,
}

type auditLogger struct {
	logger *slog.Logger
}

func newAuditLogger(logger *slog.Logger) *auditLogger {
	return &auditLogger{logger: logger}
}

func (l *auditLogger) logCommand(sessionID target.SessionID, method string) {
	metrics.CommandsSent.WithLabelValues(domainOf(method)).Inc()
	if l == nil || l.logger == nil {
		return
	}

	attrs := []any{"method", method}
	if sessionID != "" {
		attrs = append(attrs, "session", truncateID(string(sessionID)))
	}

	if sensitiveCommands[method] {
		l.logger.Warn("cdp_sensitive_command", attrs...)
	} else {
		l.logger.Log(context.Background(), slog.LevelDebug-4, "cdp_command", attrs...)
	}
}
