// -----------------------------------------------------------------------
// Crash Protection - Fatal error handling and crash file generation
// -----------------------------------------------------------------------

package common

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"
)

var (
	crashLogDir = "./logs"
	crashMu     sync.Mutex
)

// InstallCrashHandler sets the crash file directory.
// This should be called at the very start of main() with a deferred RecoverWithCrashFile.
func InstallCrashHandler(logDir string) {
	crashMu.Lock()
	defer crashMu.Unlock()

	if logDir != "" {
		crashLogDir = logDir
	}
	if err := os.MkdirAll(crashLogDir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "CRASH: Failed to create log directory: %v\n", err)
	}
}

// WriteCrashFile writes a fatal crash report including all goroutine stacks.
// Returns the path to the crash file.
func WriteCrashFile(panicVal interface{}, stackTrace string) string {
	return writeCrashFile("crash", panicVal, stackTrace, true)
}

func writeCrashFile(prefix string, panicVal interface{}, stackTrace string, allGoroutines bool) string {
	crashMu.Lock()
	dir := crashLogDir
	crashMu.Unlock()

	now := time.Now()
	crashPath := filepath.Join(dir, fmt.Sprintf("%s-%s.log", prefix, now.Format("2006-01-02T15-04-05.000")))

	var report bytes.Buffer
	fmt.Fprintf(&report, "=== FOLIO CRASH REPORT ===\n")
	fmt.Fprintf(&report, "Time: %s\n", now.Format(time.RFC3339))
	fmt.Fprintf(&report, "Version: %s\n\n", GetFullVersion())
	fmt.Fprintf(&report, "=== PANIC VALUE ===\n%v\n\n", panicVal)
	fmt.Fprintf(&report, "=== STACK TRACE ===\n%s\n", stackTrace)
	if allGoroutines {
		fmt.Fprintf(&report, "=== ALL GOROUTINES ===\n%s\n", GetAllGoroutineStacks())
	}
	fmt.Fprintf(&report, "NumGoroutine: %d\n", runtime.NumGoroutine())

	if err := os.WriteFile(crashPath, report.Bytes(), 0644); err != nil {
		// Last resort: write to stderr
		fmt.Fprintf(os.Stderr, "CRASH: Failed to create crash file: %v\n%s", err, report.String())
		return ""
	}
	return crashPath
}

// GetAllGoroutineStacks returns stack traces for all goroutines.
func GetAllGoroutineStacks() string {
	buf := make([]byte, 64*1024)
	for {
		n := runtime.Stack(buf, true)
		if n < len(buf) || len(buf) >= 64*1024*1024 {
			return string(buf[:n])
		}
		buf = make([]byte, len(buf)*2)
	}
}

// GetStackTrace returns the current goroutine's stack trace.
func GetStackTrace() string {
	buf := make([]byte, 8192)
	n := runtime.Stack(buf, false)
	return string(buf[:n])
}

// RecoverWithCrashFile is a helper for deferred panic recovery that writes a crash file.
// Usage: defer common.RecoverWithCrashFile()
func RecoverWithCrashFile() {
	if r := recover(); r != nil {
		path := WriteCrashFile(r, GetStackTrace())
		fmt.Fprintf(os.Stderr, "\n!!! FATAL CRASH - Report saved to: %s !!!\nPanic: %v\n", path, r)
		os.Exit(1)
	}
}
