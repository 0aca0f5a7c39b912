package validator

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tachyon-core/internal/config"
)

func TestValidateURL(t *testing.T) {
	cases := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"ok https", "https://example.com/file.zip", false},
		{"ok http", "http://example.com/file.zip", false},
		{"bad scheme", "ftp://example.com/file.zip", true},
		{"no host", "https:///file.zip", true},
		{"loopback literal", "http://127.0.0.1/x", true},
		{"loopback name", "http://localhost/x", true},
		{"rfc1918 10", "http://10.1.2.3/x", true},
		{"rfc1918 172", "http://172.16.0.5/x", true},
		{"rfc1918 192", "http://192.168.1.1/x", true},
		{"link local", "http://169.254.1.1/x", true},
		{"ipv6 loopback", "http://[::1]/x", true},
		{"ipv6 unique local", "http://[fc00::1]/x", true},
		{"too long", "https://example.com/" + strings.Repeat("a", 2048), true},
		{"unparseable", "http://%zz", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateURL(tc.url)
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSanitizeFilenameIdempotent(t *testing.T) {
	inputs := []string{
		"normal.txt",
		"../../etc/passwd",
		`C:\Windows\System32\evil.exe`,
		"weird<>:\"|?*name.bin",
		"   spaced   out   .txt",
		"CON",
		"CON.txt",
		"...leading-dots.txt",
		"",
		strings.Repeat("a", 500) + ".txt",
	}
	for _, in := range inputs {
		once := SanitizeFilename(in)
		twice := SanitizeFilename(once)
		assert.Equal(t, once, twice, "not idempotent for input %q", in)
		assert.NotEmpty(t, once)
		assert.LessOrEqual(t, len(once), maxFilenameBytes)
	}
}

func TestSanitizeFilenameStripsTraversal(t *testing.T) {
	got := SanitizeFilename("../../etc/passwd")
	assert.Equal(t, "passwd", got)
}

func TestSanitizeFilenameReservedWindowsName(t *testing.T) {
	got := SanitizeFilename("COM1.txt")
	assert.Equal(t, genericFilename, got)
}

func TestGenerateSafePathNoCollision(t *testing.T) {
	dir := t.TempDir()
	got, err := GenerateSafePath(dir, "report.pdf")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "report.pdf"), got)
}

func TestGenerateSafePathCollisionSuffix(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "report.pdf"), []byte("x"), 0o644))
	got, err := GenerateSafePath(dir, "report.pdf")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "report (1).pdf"), got)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "report (1).pdf"), []byte("x"), 0o644))
	got, err = GenerateSafePath(dir, "report.pdf")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "report (2).pdf"), got)
}

func TestClassifyExtension(t *testing.T) {
	assert.Equal(t, Executable, ClassifyExtension("setup.exe"))
	assert.Equal(t, Executable, ClassifyExtension("install.sh"))
	assert.Equal(t, Safe, ClassifyExtension("photo.jpg"))
	assert.Equal(t, Unknown, ClassifyExtension("mystery.xyz123"))
}

func TestClassifyMIME(t *testing.T) {
	assert.Equal(t, Executable, ClassifyMIME("application/x-msdownload"))
	assert.Equal(t, Safe, ClassifyMIME("image/png; charset=binary"))
	assert.Equal(t, Unknown, ClassifyMIME(""))
	assert.Equal(t, Unknown, ClassifyMIME("application/x-made-up"))
}

func TestCheckDiskSpaceHugeRequirementFails(t *testing.T) {
	dir := t.TempDir()
	err := CheckDiskSpace(filepath.Join(dir, "file.bin"), 1<<62, config.DefaultDiskSafetyMargin)
	if err == nil {
		t.Skip("disk usage query unsupported on this platform; advisory-Ok path taken")
	}
	var insufficient *InsufficientSpaceError
	assert.ErrorAs(t, err, &insufficient)
}
