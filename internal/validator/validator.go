// Package validator implements the stateless pre-flight checks a download
// must pass before the transfer engine is allowed to touch the network or
// the filesystem: URL/SSRF validation, filename sanitization, collision-free
// path generation, extension/MIME risk classification, and a free-space
// check against the destination volume.
package validator

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/disk"
)

const (
	maxURLLength     = 2048
	maxFilenameBytes = 255
	genericFilename  = "download"
)

// ssrfDeniedV4 are the IPv4 ranges spec.md §4.A rejects as SSRF risks.
var ssrfDeniedV4 = mustParseCIDRs(
	"127.0.0.0/8",
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"169.254.0.0/16",
)

// ssrfDeniedV6 are the IPv6 ranges spec.md §4.A rejects.
var ssrfDeniedV6 = mustParseCIDRs(
	"::1/128",
	"fc00::/7",
)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(fmt.Sprintf("validator: bad literal CIDR %q: %v", c, err))
		}
		nets = append(nets, n)
	}
	return nets
}

// ValidateURL implements spec.md §4.A's validate_url. It never performs
// network I/O: rejection is a pure function of the URL string.
func ValidateURL(raw string) error {
	if len(raw) > maxURLLength {
		return fmt.Errorf("url exceeds %d bytes", maxURLLength)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("unparseable url: %w", err)
	}

	switch u.Scheme {
	case "http", "https":
	default:
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("url has no host")
	}
	if strings.EqualFold(host, "localhost") {
		return fmt.Errorf("localhost is not a permitted download target")
	}

	if ip := net.ParseIP(host); ip != nil {
		if IsDeniedIP(ip) {
			return fmt.Errorf("host %s is an internal/loopback address", host)
		}
		return nil
	}

	// Registrable hostname: no DNS resolution here (that would be network
	// I/O performed during a "pure" validation step). A hostname whose DNS
	// record points at a denied range is still blocked, because the
	// engine's HTTP transport resolves and re-classifies every dialed IP
	// itself (see engine.safeDialContext) — this function only rejects what
	// it can tell from the literal string.
	return nil
}

// IsDeniedIP reports whether ip falls in one of the loopback/private/
// link-local ranges spec.md §4.A treats as an SSRF risk. Exported so the
// engine's dial-time check can reuse the exact same classification applied
// here to literal-IP URLs.
func IsDeniedIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return true
	}
	if v4 := ip.To4(); v4 != nil {
		for _, n := range ssrfDeniedV4 {
			if n.Contains(v4) {
				return true
			}
		}
		return false
	}
	for _, n := range ssrfDeniedV6 {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// reservedWindowsNames are device names that are invalid as file names on
// Windows regardless of extension, checked case-insensitively.
var reservedWindowsNames = map[string]bool{
	"CON": true, "PRN": true, "AUX": true, "NUL": true,
	"COM1": true, "COM2": true, "COM3": true, "COM4": true, "COM5": true,
	"COM6": true, "COM7": true, "COM8": true, "COM9": true,
	"LPT1": true, "LPT2": true, "LPT3": true, "LPT4": true, "LPT5": true,
	"LPT6": true, "LPT7": true, "LPT8": true, "LPT9": true,
}

// SanitizeFilename implements spec.md §4.A's sanitize_filename. It is
// idempotent: SanitizeFilename(SanitizeFilename(x)) == SanitizeFilename(x).
func SanitizeFilename(raw string) string {
	// Take only the final path component, across both separator styles.
	raw = strings.ReplaceAll(raw, "\\", "/")
	base := filepath.Base(raw)
	if base == "." || base == "/" || base == "" {
		base = ""
	}

	var b strings.Builder
	for _, r := range base {
		if r < 0x20 {
			continue
		}
		switch r {
		case '<', '>', ':', '"', '|', '?', '*':
			continue
		}
		b.WriteRune(r)
	}
	cleaned := b.String()

	// Collapse whitespace runs to a single space.
	cleaned = strings.Join(strings.Fields(cleaned), " ")
	cleaned = strings.Trim(cleaned, " .")

	if cleaned == "" || strings.HasPrefix(cleaned, ".") {
		cleaned = genericFilename
	}

	nameOnly := strings.TrimSuffix(cleaned, filepath.Ext(cleaned))
	if reservedWindowsNames[strings.ToUpper(nameOnly)] {
		cleaned = genericFilename
	}

	return truncatePreservingExt(cleaned, maxFilenameBytes)
}

func truncatePreservingExt(name string, limit int) string {
	if len(name) <= limit {
		return name
	}
	ext := filepath.Ext(name)
	if len(ext) >= limit {
		// Pathological case: an absurdly long extension. Just hard-truncate.
		return name[:limit]
	}
	stem := name[:len(name)-len(ext)]
	keep := limit - len(ext)
	// Avoid truncating in the middle of a multi-byte rune.
	for keep > 0 && !utf8RuneStart(stem, keep) {
		keep--
	}
	return stem[:keep] + ext
}

func utf8RuneStart(s string, i int) bool {
	if i >= len(s) {
		return true
	}
	return s[i]&0xC0 != 0x80
}

// GenerateSafePath implements spec.md §4.A's generate_safe_path. It only
// checks which paths exist on disk, so callers must run it inside the same
// critical section as the Ledger record insert (and create the file there)
// to preclude the race spec.md describes.
func GenerateSafePath(directory, filename string) (string, error) {
	safeName := SanitizeFilename(filename)
	candidate := filepath.Join(directory, safeName)

	if !pathExists(candidate) {
		return candidate, nil
	}

	ext := filepath.Ext(safeName)
	stem := strings.TrimSuffix(safeName, ext)
	for n := 1; n < 10000; n++ {
		candidate = filepath.Join(directory, fmt.Sprintf("%s (%d)%s", stem, n, ext))
		if !pathExists(candidate) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("could not find a unique path for %q under %q", filename, directory)
}

func pathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Classification is the risk bucket a filename or MIME type falls into.
type Classification int

const (
	Unknown Classification = iota
	Safe
	Executable
)

func (c Classification) String() string {
	switch c {
	case Safe:
		return "safe"
	case Executable:
		return "executable"
	default:
		return "unknown"
	}
}

var executableExtensions = map[string]bool{
	"exe": true, "bat": true, "cmd": true, "sh": true, "ps1": true,
	"msi": true, "dmg": true, "pkg": true, "app": true, "jar": true,
	"scr": true, "com": true, "vbs": true, "js": true,
}

var safeExtensions = map[string]bool{
	"pdf": true, "txt": true, "doc": true, "docx": true, "xls": true, "xlsx": true,
	"ppt": true, "pptx": true, "zip": true, "tar": true, "gz": true, "7z": true, "rar": true,
	"jpg": true, "jpeg": true, "png": true, "gif": true, "webp": true,
	"mp3": true, "mp4": true, "mkv": true, "mov": true, "wav": true, "flac": true, "ogg": true,
}

// ClassifyExtension implements spec.md §4.A's classify_extension.
func ClassifyExtension(filename string) Classification {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
	if executableExtensions[ext] {
		return Executable
	}
	if safeExtensions[ext] {
		return Safe
	}
	return Unknown
}

var executableMIMEs = map[string]bool{
	"application/x-msdownload":    true,
	"application/x-executable":    true,
	"application/x-msdos-program": true,
}

// ClassifyMIME implements spec.md §4.A's validate_mime_type.
func ClassifyMIME(contentType string) Classification {
	mimeOnly := strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0])
	mimeOnly = strings.ToLower(mimeOnly)
	if executableMIMEs[mimeOnly] {
		return Executable
	}
	if mimeOnly == "" {
		return Unknown
	}
	// A handful of common safe top-level types; anything else is advisory-Unknown.
	switch {
	case strings.HasPrefix(mimeOnly, "image/"),
		strings.HasPrefix(mimeOnly, "audio/"),
		strings.HasPrefix(mimeOnly, "video/"),
		mimeOnly == "application/pdf",
		mimeOnly == "application/zip",
		mimeOnly == "text/plain":
		return Safe
	default:
		return Unknown
	}
}

// CheckDiskSpace implements spec.md §4.A's check_disk_space: the volume
// containing path's parent directory must have at least requiredBytes plus
// marginBytes free. Grounded on the teacher's
// internal/filesystem.Allocator.checkDiskSpace, using the same gopsutil
// disk-usage query; marginBytes is the caller's configured
// disk_safety_margin (spec.md §6.4), not a package-level constant, so a
// persisted override actually takes effect. Platforms where the query is
// unsupported are treated as advisory-Ok, per spec.md.
func CheckDiskSpace(path string, requiredBytes, marginBytes int64) error {
	dir := filepath.Dir(path)
	usage, err := disk.Usage(dir)
	if err != nil {
		// Unsupported platform/filesystem: advisory only, let the caller proceed.
		return nil
	}

	needed := requiredBytes + marginBytes
	if int64(usage.Free) < needed {
		shortBy := needed - int64(usage.Free)
		return &InsufficientSpaceError{Required: needed, Available: int64(usage.Free), ShortBy: shortBy}
	}
	return nil
}

// InsufficientSpaceError reports how far short of the requirement the
// available free space fell.
type InsufficientSpaceError struct {
	Required  int64
	Available int64
	ShortBy   int64
}

func (e *InsufficientSpaceError) Error() string {
	return "insufficient disk space: need " + strconv.FormatInt(e.Required, 10) +
		" bytes, have " + strconv.FormatInt(e.Available, 10) +
		" (" + strconv.FormatInt(e.ShortBy, 10) + " bytes short)"
}
