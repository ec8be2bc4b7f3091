package errors

import (
	"fmt"
	"strings"
)

// UserFriendlyError provides user-friendly error messages with context and hints
type UserFriendlyError struct {
	Message string
	Reason  string
	Hint    string
	Try     string
	Err     error
}

func (e UserFriendlyError) Error() string {
	var buf strings.Builder
	buf.WriteString(e.Message)
	if e.Reason != "" {
		buf.WriteString("\n  Reason: " + e.Reason)
	}
	if e.Hint != "" {
		buf.WriteString("\n  Hint: " + e.Hint)
	}
	if e.Try != "" {
		buf.WriteString("\n  Try: " + e.Try)
	}
	if e.Err != nil {
		buf.WriteString("\n  Details: " + e.Err.Error())
	}
	return buf.String()
}

func (e UserFriendlyError) Unwrap() error {
	return e.Err
}

// WrapConfigError wraps configuration errors with user-friendly context
func WrapConfigError(err error, configPath string) error {
	if err == nil {
		return nil
	}

	return UserFriendlyError{
		Message: fmt.Sprintf("Configuration error in %s", configPath),
		Reason:  err.Error(),
		Hint:    "Run 'doipsim print-default-config' for a complete example",
		Try:     fmt.Sprintf("Validate your config: doipsim validate-config --config %s", configPath),
		Err:     err,
	}
}

// WrapTLSError wraps failures loading the TLS certificate or key
func WrapTLSError(err error, certFile, keyFile string) error {
	if err == nil {
		return nil
	}

	return UserFriendlyError{
		Message: "TLS is enabled but the certificate material could not be loaded",
		Reason:  extractTLSReason(err),
		Hint:    fmt.Sprintf("tls.cert_file=%s tls.key_file=%s must be readable PEM files", certFile, keyFile),
		Try:     "Set tls.mode to disabled, or set tls.key_password for an encrypted key",
		Err:     err,
	}
}

// WrapBindError wraps listener bind failures with user-friendly context
func WrapBindError(err error, ip string, port int) error {
	if err == nil {
		return nil
	}

	return UserFriendlyError{
		Message: fmt.Sprintf("Failed to listen on %s:%d", ip, port),
		Reason:  extractBindReason(err),
		Hint:    "Another DoIP simulator or tester may already hold the port",
		Try:     fmt.Sprintf("doipsim serve --listen-ip %s --tcp-port %d --udp-port %d", ip, port+1, port+1),
		Err:     err,
	}
}

func extractTLSReason(err error) string {
	errStr := err.Error()

	if strings.Contains(errStr, "no such file") {
		return "Certificate or key file does not exist"
	}
	if strings.Contains(errStr, "not a regular file") {
		return "Certificate or key path is not a regular file"
	}
	if strings.Contains(errStr, "decrypt") || strings.Contains(errStr, "password") {
		return "Private key could not be decrypted with the configured password"
	}
	if strings.Contains(errStr, "not supported") || strings.Contains(errStr, "is supported") {
		return "None of the configured TLS protocols or cipher suites is available"
	}

	return "TLS material is invalid"
}

func extractBindReason(err error) string {
	errStr := err.Error()

	if strings.Contains(errStr, "address already in use") {
		return "Address already in use"
	}
	if strings.Contains(errStr, "permission denied") {
		return "Permission denied - ports below 1024 may need elevated privileges"
	}
	if strings.Contains(errStr, "cannot assign requested address") {
		return "The listen address is not configured on this host"
	}

	return "Socket could not be bound"
}
