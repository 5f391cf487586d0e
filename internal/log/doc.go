// Package log provides simple leveled logging for dnsfence.
//
// This package implements a lightweight logging system with colored output
// and support for different log levels: DEBUG, INFO, WARN, and ERROR.
// It provides global logging functions that can be used throughout the
// application.
//
// # Log Levels
//
//   - DEBUG: Detailed diagnostic information (only shown in verbose mode)
//   - INFO: General informational messages
//   - WARN: Warning messages for potentially problematic situations
//   - ERROR: Error messages for failures and exceptions
//
// # Example Usage
//
// Basic logging:
//
//	log.Infof("Session established with %d upstream servers", n)
//	log.Warnf("Dropping malformed frame: %v", err)
//	log.Errorf("Failed to open tunnel device: %v", err)
//
// Enabling verbose mode for debug output:
//
//	log.SetVerbose(true)
//	log.Debugf("Poll woke with %d ready descriptors", n)
//
// The package uses global state for simplicity; all operations are safe for
// concurrent use across goroutines.
package log
