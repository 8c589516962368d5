package log

import (
	"net/url"
	"os"
	"regexp"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/patrickmn/go-cache"
)

var loggerCache *cache.Cache

const defaultLoggerCacheExpiry = 6 * time.Hour

func init() {
	loggerCache = cache.New(defaultLoggerCacheExpiry, 10*time.Minute)
}

// AddContext permanently attaches key-value pairs to the logger for a
// request ID. Any future logging for that ID will include them.
func AddContext(requestID string, keyvals ...interface{}) {
	_ = loggerCache.Add(requestID, kitlog.With(getLogger(requestID), keyvals...), defaultLoggerCacheExpiry)
}

func Log(requestID string, message string, keyvals ...interface{}) {
	_ = kitlog.With(getLogger(requestID), "msg", message).Log(keyvals...)
}

// LogNoRequestID is for situations where we don't have access to a request ID.
// Should be used sparingly and with as much context in the message as possible.
func LogNoRequestID(message string, keyvals ...interface{}) {
	_ = kitlog.With(newLogger(), "msg", message).Log(keyvals...)
}

func LogError(requestID string, message string, err error, keyvals ...interface{}) {
	msgLogger := kitlog.With(getLogger(requestID), "msg", message)
	errLogger := kitlog.With(msgLogger, "err", err.Error())
	_ = errLogger.Log(keyvals...)
}

func getLogger(requestID string) kitlog.Logger {
	logger, found := loggerCache.Get(requestID)
	if found {
		return logger.(kitlog.Logger)
	}

	reqLogger := kitlog.With(newLogger(), "request_id", requestID)
	err := loggerCache.Add(requestID, reqLogger, defaultLoggerCacheExpiry)
	if err != nil {
		_ = reqLogger.Log("msg", "error adding logger to cache", "request_id", requestID)
	}
	return reqLogger
}

func newLogger() kitlog.Logger {
	logger := kitlog.NewLogfmtLogger(kitlog.NewSyncWriter(os.Stderr))
	return kitlog.With(logger, "ts", kitlog.DefaultTimestampUTC)
}

var urlCredsRegex = regexp.MustCompile(`[\w+]+://`)

// RedactURL strips the password out of a URL so that storage credentials
// don't end up in log output. Non-URL input is returned unchanged.
func RedactURL(urlStr string) string {
	if !urlCredsRegex.MatchString(urlStr) {
		return urlStr
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return "REDACTED"
	}
	return u.Redacted()
}
