package logger

import (
	"context"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

type contextKey string

// Context keys recognised by WithContext
const (
	RequestIDKey contextKey = "request_id"
	CallerIDKey  contextKey = "caller_id"
	TraceIDKey   contextKey = "trace_id"
)

// Logger wraps logrus.Logger with custody-specific helpers
type Logger struct {
	*logrus.Logger
}

// New creates a new logger writing JSON to stdout
func New(level string) *Logger {
	return NewWithOutput(level, os.Stdout)
}

// NewWithOutput creates a logger writing to w
func NewWithOutput(level string, w io.Writer) *Logger {
	log := logrus.New()

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	log.SetLevel(logLevel)

	log.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "message",
		},
	})
	log.SetOutput(w)

	return &Logger{Logger: log}
}

// Discard returns a logger that drops everything, for tests
func Discard() *Logger {
	return NewWithOutput("panic", io.Discard)
}

// WithComponent creates a new logger entry with component name field
func (l *Logger) WithComponent(component string) *logrus.Entry {
	return l.Logger.WithField("component", component)
}

// WithContext creates an entry carrying the request-scoped fields found in ctx
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.Logger.WithFields(logrus.Fields{})
	if ctx == nil {
		return entry
	}

	if requestID := ctx.Value(RequestIDKey); requestID != nil {
		entry = entry.WithField("request_id", requestID)
	}
	if callerID := ctx.Value(CallerIDKey); callerID != nil {
		entry = entry.WithField("caller_id", callerID)
	}
	if traceID := ctx.Value(TraceIDKey); traceID != nil {
		entry = entry.WithField("trace_id", traceID)
	}

	return entry
}

// Audit logs audit events with structured format
func (l *Logger) Audit(ctx context.Context, callerID, action, resource string, success bool, details map[string]interface{}) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"audit":     true,
		"caller_id": callerID,
		"action":    action,
		"resource":  resource,
		"success":   success,
		"details":   details,
	})

	if success {
		entry.Info("Audit event")
	} else {
		entry.Warn("Audit event failed")
	}
}

// Security logs security-related events such as rejected grants
func (l *Logger) Security(ctx context.Context, event, callerID string, details map[string]interface{}) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"security":  true,
		"event":     event,
		"caller_id": callerID,
		"details":   details,
	}).Warn("Security event")
}

// PHIAccess logs reads and writes of patient health information. Only
// identifiers and section names are logged, never record content.
func (l *Logger) PHIAccess(ctx context.Context, callerID, vaultID, action string, sections []string, success bool) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"phi_access": true,
		"caller_id":  callerID,
		"vault_id":   vaultID,
		"action":     action,
		"sections":   sections,
		"success":    success,
		"sensitive":  true,
	})

	if success {
		entry.Info("PHI access granted")
	} else {
		entry.Warn("PHI access denied")
	}
}

// GrantEvent logs the lifecycle of a grant by its public reference. The
// bearer token itself is never logged.
func (l *Logger) GrantEvent(ctx context.Context, event, reference, issuer, subject string, details map[string]interface{}) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"grant":     true,
		"event":     event,
		"reference": reference,
		"issuer":    issuer,
		"subject":   subject,
		"details":   details,
	}).Info("Grant event")
}

// HTTPRequest logs HTTP request events
func (l *Logger) HTTPRequest(ctx context.Context, method, path, clientIP string, statusCode int, duration int64) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"http_request": true,
		"method":       method,
		"path":         path,
		"client_ip":    clientIP,
		"status_code":  statusCode,
		"duration_ms":  duration,
	})

	if statusCode >= 400 {
		entry.Warn("HTTP request completed with error")
	} else {
		entry.Info("HTTP request completed")
	}
}

// DatabaseOperation logs database operation events
func (l *Logger) DatabaseOperation(ctx context.Context, operation, table string, duration int64, success bool, details map[string]interface{}) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"database":    true,
		"operation":   operation,
		"table":       table,
		"duration_ms": duration,
		"success":     success,
		"details":     details,
	})

	if success {
		entry.Debug("Database operation completed")
	} else {
		entry.Error("Database operation failed")
	}
}

// LedgerTransaction logs archive submissions to the ledger
func (l *Logger) LedgerTransaction(ctx context.Context, chaincode, function, blobID string, success bool, err error) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"blockchain": true,
		"chaincode":  chaincode,
		"function":   function,
		"blob_id":    blobID,
		"success":    success,
	})

	if success {
		entry.Info("Ledger transaction completed")
	} else {
		entry.WithError(err).Error("Ledger transaction failed")
	}
}
