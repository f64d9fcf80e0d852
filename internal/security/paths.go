package security

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hpungsan/gather/internal/errors"
)

// MaxFilenameBytes bounds sanitized filenames. Long enough for a dated title
// plus an ID hash, short enough for every mainstream filesystem.
const MaxFilenameBytes = 128

// windowsReserved device names make a file unopenable on Windows regardless
// of extension.
var windowsReserved = map[string]bool{
	"CON": true, "PRN": true, "AUX": true, "NUL": true,
	"COM1": true, "COM2": true, "COM3": true, "COM4": true, "COM5": true,
	"COM6": true, "COM7": true, "COM8": true, "COM9": true,
	"LPT1": true, "LPT2": true, "LPT3": true, "LPT4": true, "LPT5": true,
	"LPT6": true, "LPT7": true, "LPT8": true, "LPT9": true,
}

// dangerousFilenameChars are replaced wholesale: path separators, shell and
// Windows metacharacters, and the NUL byte.
const dangerousFilenameChars = `/\<>:"|?*` + "\x00"

// SanitizeFilename reduces an untrusted title to a safe, flat filename
// component. The result never contains a path separator, a ".." segment, a
// control character, or a leading separator, and never exceeds
// MaxFilenameBytes (the extension, if any, is preserved on truncation).
func SanitizeFilename(name string) string {
	s := name

	for _, c := range dangerousFilenameChars {
		s = strings.ReplaceAll(s, string(c), "-")
	}
	s = strings.ReplaceAll(s, "..", "-")

	// Drop control characters, fold runs of whitespace into single dashes.
	var b strings.Builder
	for _, r := range s {
		switch {
		case r < 32 || r == 127:
			// skip
		case r == ' ' || r == '\t':
			b.WriteRune('-')
		default:
			b.WriteRune(r)
		}
	}
	s = b.String()

	for strings.Contains(s, "--") {
		s = strings.ReplaceAll(s, "--", "-")
	}
	s = strings.Trim(s, "-. ")

	if s == "" {
		return "unnamed"
	}

	base := s
	if ext := filepath.Ext(s); ext != "" {
		base = strings.TrimSuffix(s, ext)
	}
	if windowsReserved[strings.ToUpper(base)] {
		s = base + "-file" + strings.TrimPrefix(s, base)
	}

	return truncateBytes(s, MaxFilenameBytes)
}

// truncateBytes cuts s to at most max bytes on a rune boundary, preserving
// the extension when there is room for it.
func truncateBytes(s string, max int) string {
	if len(s) <= max {
		return s
	}
	ext := filepath.Ext(s)
	if ext != "" && len(ext) < max {
		stem := strings.TrimSuffix(s, ext)
		return cutRunes(stem, max-len(ext)) + ext
	}
	return cutRunes(s, max)
}

func cutRunes(s string, max int) string {
	for max > 0 && !validCut(s, max) {
		max--
	}
	return s[:max]
}

func validCut(s string, n int) bool {
	if n >= len(s) {
		return true
	}
	// A byte that is not a UTF-8 continuation byte is a valid cut point.
	return s[n]&0xC0 != 0x80
}

// ValidateOutputPath canonicalizes candidate and asserts it stays inside
// root. Symlinks on the existing part of the path are resolved before the
// containment check, so a link pointing outside root cannot smuggle a write
// out. A relative candidate is interpreted against root. The validated
// absolute path is returned.
func ValidateOutputPath(root, candidate string) (string, error) {
	if candidate == "" {
		return "", errors.NewSecurityViolation("output path is empty", nil)
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", errors.NewInternal(err)
	}
	resolvedRoot, err := resolveExisting(absRoot)
	if err != nil {
		return "", errors.NewInternal(err)
	}

	target := candidate
	if !filepath.IsAbs(target) {
		target = filepath.Join(absRoot, target)
	}
	target = filepath.Clean(target)

	resolvedTarget, err := resolveExisting(target)
	if err != nil {
		return "", errors.NewInternal(err)
	}

	rel, err := filepath.Rel(resolvedRoot, resolvedTarget)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errors.NewSecurityViolation(
			fmt.Sprintf("path escapes output root: %s", candidate),
			map[string]any{"root": root, "path": candidate})
	}

	return target, nil
}

// resolveExisting resolves symlinks on the longest existing prefix of path
// and rejoins the not-yet-created remainder. EvalSymlinks alone fails on
// paths whose file does not exist yet, which is the normal case for a write.
func resolveExisting(path string) (string, error) {
	remainder := ""
	current := path
	for {
		resolved, err := filepath.EvalSymlinks(current)
		if err == nil {
			return filepath.Join(resolved, remainder), nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(current)
		if parent == current {
			// Hit the filesystem root without finding anything.
			return filepath.Join(current, remainder), nil
		}
		remainder = filepath.Join(filepath.Base(current), remainder)
		current = parent
	}
}

// headerEscaper rewrites characters that would let a value terminate a
// double-quoted frontmatter scalar early or inject new keys on fresh lines.
var headerEscaper = strings.NewReplacer(
	`\`, `\\`,
	`"`, `\"`,
	"\n", `\n`,
	"\r", `\r`,
	"\t", `\t`,
)

// EscapeHeaderValue escapes a value for embedding in a double-quoted
// structured-header scalar. Remaining control characters are dropped, since
// no renderer downstream has a use for them.
func EscapeHeaderValue(value string) string {
	escaped := headerEscaper.Replace(value)
	var b strings.Builder
	for _, r := range escaped {
		if r < 32 || r == 127 {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
