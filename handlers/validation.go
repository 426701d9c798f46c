package handlers

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"
)

const maxFeedURLLength = 2048

var (
	errEmptyURL         = errors.New("URL cannot be empty")
	errURLTooLong       = errors.New("URL length exceeds maximum allowed size")
	errScheme           = errors.New("only HTTP and HTTPS URLs are allowed")
	errMissingHost      = errors.New("URL must have a valid host")
	errPrivateHost      = errors.New("access to private networks and localhost is not allowed")
	errSuspiciousPath   = errors.New("URL contains suspicious file extension")
	errScriptInjection  = errors.New("URL contains potentially malicious content")
	scriptPattern       = regexp.MustCompile(`<script|javascript:|vbscript:|onload=|onerror=|eval\(|alert\(|prompt\(|confirm\(|document\.|window\.|location\.`)
	feedPathPattern     = regexp.MustCompile(`(?i)(/rss|/feed|/atom|/xml|/jobs|\.rss$|\.xml$|\.atom$)`)
	suspiciousExtension = []string{
		".exe", ".bat", ".cmd", ".pif", ".scr", ".vbs", ".js", ".jar",
		".asp", ".aspx", ".jsp", ".cgi", ".pl", ".py", ".rb", ".sh",
		".ps1", ".psm1", ".psd1", ".wsf", ".wsh",
	}
	privateSuffixes = []string{
		".local", ".localhost", ".internal", ".corp", ".home", ".lan", ".priv",
	}
)

// validateFeedURL checks a feed URL submitted to the trigger endpoint and
// returns its normalized form. Hosts on private networks are rejected unless
// allowPrivate is set.
func validateFeedURL(input string, allowPrivate bool) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", errEmptyURL
	}
	if len(input) > maxFeedURLLength {
		return "", errURLTooLong
	}

	parsed, err := url.Parse(input)
	if err != nil {
		return "", fmt.Errorf("invalid URL format: %w", err)
	}
	parsed.Scheme = strings.ToLower(parsed.Scheme)
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", errScheme
	}
	if parsed.Hostname() == "" {
		return "", errMissingHost
	}
	parsed.Host = strings.ToLower(parsed.Host)
	parsed.Fragment = ""

	if !allowPrivate && isPrivateOrLocalhost(parsed.Hostname()) {
		return "", errPrivateHost
	}
	if hasSuspiciousFileExtension(parsed.Path) {
		return "", errSuspiciousPath
	}
	if hasScriptInjection(parsed.Query()) {
		return "", errScriptInjection
	}

	return parsed.String(), nil
}

// isPrivateOrLocalhost checks if the host is a private IP or localhost
func isPrivateOrLocalhost(host string) bool {
	host = strings.Trim(host, "[]")
	if host == "localhost" {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsPrivate() || ip.IsLoopback() || ip.IsUnspecified() || ip.IsLinkLocalUnicast()
	}
	for _, suffix := range privateSuffixes {
		if strings.HasSuffix(host, suffix) {
			return true
		}
	}
	return false
}

// hasSuspiciousFileExtension checks the final path segment for executable
// and script extensions
func hasSuspiciousFileExtension(path string) bool {
	lowerPath := strings.ToLower(path)
	for _, ext := range suspiciousExtension {
		if strings.HasSuffix(lowerPath, ext) {
			return true
		}
	}
	return false
}

// looksLikeFeedURL reports whether the URL follows a common feed naming pattern
func looksLikeFeedURL(u string) bool {
	parsed, err := url.Parse(u)
	if err != nil {
		return false
	}
	if feedPathPattern.MatchString(parsed.Path) {
		return true
	}
	query := strings.ToLower(parsed.RawQuery)
	return strings.Contains(query, "rss") || strings.Contains(query, "feed") || strings.Contains(query, "atom")
}

// hasScriptInjection checks for script payloads in query parameters
func hasScriptInjection(query url.Values) bool {
	for _, values := range query {
		for _, value := range values {
			if scriptPattern.MatchString(strings.ToLower(value)) {
				return true
			}
		}
	}
	return false
}
