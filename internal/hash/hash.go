// Package hash computes stable fingerprints over the business fields of
// processed records, used to skip recomputation when upstream output has
// not meaningfully changed.
package hash

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/courtdata/pipeline-cli/internal/model"
)

// Length is the number of hex characters kept from the sha256 digest.
// 16 chars of a 256-bit digest trades theoretical collision probability
// for storage compactness; fingerprints are only ever compared within
// one (date, entity) scope, not globally.
const Length = 16

// Record fingerprints the enumerated business fields of a stat record.
// Bookkeeping fields (timestamps, quality tier, lineage, the fingerprint
// itself) never participate: changing them cannot change the result.
func Record(r *model.StatRecord) string {
	fields := map[string]string{
		"assists":   formatFloat(r.Assists),
		"minutes":   formatFloat(r.Minutes),
		"points":    formatFloat(r.Points),
		"projected": fmt.Sprintf("%t", r.Projected),
		"rebounds":  formatFloat(r.Rebounds),
		"usage":     formatFloat(r.Usage),
	}
	for name, v := range r.Metrics {
		fields["metric."+name] = formatFloat(v)
	}
	return Fields(fields)
}

// Fields fingerprints an arbitrary field map: canonical serialization
// sorted by field name, hashed and truncated. Identical values always
// produce an identical fingerprint regardless of call order.
func Fields(fields map[string]string) string {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	for _, name := range names {
		sb.WriteString(name)
		sb.WriteByte('=')
		sb.WriteString(fields[name])
		sb.WriteByte('\n')
	}

	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:])[:Length]
}

// Unchanged reports whether the skip path applies: the upstream
// fingerprint the processor would consume now is the same one it
// consumed the last time it produced output for this entity.
func Unchanged(upstreamHash, lastProcessedHash string) bool {
	return upstreamHash != "" && upstreamHash == lastProcessedHash
}

// formatFloat renders floats with a fixed precision so that numerically
// identical values serialize identically.
func formatFloat(f float64) string {
	return fmt.Sprintf("%.6f", f)
}
