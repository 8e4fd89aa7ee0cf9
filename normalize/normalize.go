// Package normalize prepares extracted text for comparison. Volatile
// fragments (dates, visit counters, session tokens) are scrubbed so that
// pages which only rotate such fragments do not register as changed.
package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"
	"golang.org/x/text/unicode/norm"
)

// SimilarityThreshold is the edit-similarity ratio above which two
// normalized texts are considered the same page despite differing hashes.
const SimilarityThreshold = 0.98

// defaultNoise matches content that changes on every visit without the
// page meaning anything different. Order matters only for readability.
var defaultNoise = []*regexp.Regexp{
	// Numeric dates: 02/01/2026, 2026-01-02, 02.01.26
	regexp.MustCompile(`\b\d{1,4}[/.-]\d{1,2}[/.-]\d{1,4}\b`),
	// Spanish long dates: 2 de enero de 2026
	regexp.MustCompile(`(?i)\b\d{1,2}\s+de\s+(enero|febrero|marzo|abril|mayo|junio|julio|agosto|septiembre|octubre|noviembre|diciembre)(\s+de\s+\d{2,4})?\b`),
	// Clock times: 14:05, 2:05:33 pm
	regexp.MustCompile(`(?i)\b\d{1,2}:\d{2}(:\d{2})?\s*(am|pm|hrs?\.?)?\b`),
	// Visit counters
	regexp.MustCompile(`(?i)\b(visitas?|vistas?|views?|visitors?)\s*:?\s*[\d,.]+`),
	// Last-updated trailers
	regexp.MustCompile(`(?i)(última\s+actualización|ultima\s+actualizacion|last\s+updated?|fecha\s+de\s+modificación)\s*:?.*`),
	// Copyright lines
	regexp.MustCompile(`(?i)(©|\(c\)|copyright)\s*.*`),
	// Session and tracking parameters embedded in links
	regexp.MustCompile(`(?i)[?&;](sid|sessionid|session|jsessionid|phpsessid|token|utm_[a-z]+)=[^\s&"']*`),
}

// Normalizer scrubs and canonicalizes text for hashing.
type Normalizer struct {
	patterns []*regexp.Regexp
	logger   *slog.Logger
}

// New builds a Normalizer with the default noise patterns plus the
// site-specific extras. An extra pattern that fails to compile is logged
// and skipped rather than failing the whole site.
func New(extraPatterns []string, logger *slog.Logger) *Normalizer {
	if logger == nil {
		logger = slog.Default()
	}
	n := &Normalizer{
		patterns: append([]*regexp.Regexp(nil), defaultNoise...),
		logger:   logger,
	}
	for _, p := range extraPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			logger.Warn("ignoring invalid ignore_pattern", "pattern", p, "error", err)
			continue
		}
		n.patterns = append(n.patterns, re)
	}
	return n
}

// Text returns the canonical form of s: NFKC-folded, noise stripped,
// lowercased, whitespace collapsed. The result feeds Hash and Similar,
// never the stored snapshot text.
func (n *Normalizer) Text(s string) string {
	s = norm.NFKC.String(s)
	for _, re := range n.patterns {
		s = re.ReplaceAllString(s, " ")
	}
	s = strings.ToLower(s)
	return strings.Join(strings.Fields(s), " ")
}

// Hash returns the hex SHA-256 of the text.
func Hash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// SourceID builds a stable-prefix identifier for a monitored URL. The
// URL hash prefix keeps the same source recognizable across runs while
// the timestamp makes each report unique.
func SourceID(rawURL string, at time.Time) string {
	sum := sha256.Sum256([]byte(rawURL))
	return fmt.Sprintf("watchguard:%s:%d", hex.EncodeToString(sum[:])[:12], at.Unix())
}

// Similar reports whether two normalized texts are effectively the same
// page at the given similarity threshold (SimilarityThreshold is the
// usual choice). Equal texts short-circuit; very different lengths skip
// the edit distance entirely since they cannot reach the threshold.
func Similar(a, b string, threshold float64) bool {
	if a == b {
		return true
	}
	la, lb := len(a), len(b)
	if la == 0 || lb == 0 {
		return false
	}
	longer := la
	if lb > longer {
		longer = lb
	}
	shorter := la + lb - longer
	if float64(shorter)/float64(longer) < threshold {
		return false
	}

	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(a, b, false)
	dist := dmp.DiffLevenshtein(diffs)
	ratio := 1 - float64(dist)/float64(longer)
	return ratio >= threshold
}
