package hashchain

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/greenmetric/carbonledger/common/models"
)

// Hash canonicalizes the five revision inputs into a deterministic byte
// sequence and returns its SHA-256 as "sha256:<hex>". Same inputs always
// yield the same hash; any single changed snapshot value changes it.
func Hash(entityType string, entityID int64, version int, snapshot models.Snapshot, previousHash *string) string {
	prev := ""
	if previousHash != nil {
		prev = *previousHash
	}

	var builder strings.Builder
	builder.WriteString(entityType)
	builder.WriteByte('|')
	builder.WriteString(strconv.FormatInt(entityID, 10))
	builder.WriteByte('|')
	builder.WriteString(strconv.Itoa(version))
	builder.WriteByte('|')
	builder.WriteString(Canonicalize(snapshot))
	builder.WriteByte('|')
	builder.WriteString(prev)

	sum := sha256.Sum256([]byte(builder.String()))
	return fmt.Sprintf("sha256:%x", sum)
}

// Canonicalize renders a snapshot with lexicographically sorted keys and
// locale-independent number formatting
func Canonicalize(snapshot models.Snapshot) string {
	return encodeValue(map[string]any(snapshot))
}

// Diff partitions keys between two snapshots into added/removed/changed.
// Returns nil when old is nil (first version) or the snapshots are equal.
// A key never appears in more than one bucket.
func Diff(old, updated models.Snapshot) *models.Diff {
	if old == nil {
		return nil
	}

	diff := &models.Diff{
		Added:   make(map[string]any),
		Removed: make(map[string]any),
		Changed: make(map[string]models.FieldChange),
	}

	for key, newValue := range updated {
		oldValue, exists := old[key]
		if !exists {
			diff.Added[key] = newValue
			continue
		}
		if encodeValue(oldValue) != encodeValue(newValue) {
			diff.Changed[key] = models.FieldChange{Old: oldValue, New: newValue}
		}
	}

	for key, oldValue := range old {
		if _, exists := updated[key]; !exists {
			diff.Removed[key] = oldValue
		}
	}

	if diff.Empty() {
		return nil
	}
	return diff
}

// encodeValue renders a single value deterministically. Maps sort their
// keys, numbers go through strconv, everything else falls back to JSON.
func encodeValue(value any) string {
	switch typed := value.(type) {
	case nil:
		return "null"
	case string:
		encoded, err := json.Marshal(typed)
		if err != nil {
			return strconv.Quote(typed)
		}
		return string(encoded)
	case bool:
		return strconv.FormatBool(typed)
	case int:
		return strconv.FormatInt(int64(typed), 10)
	case int32:
		return strconv.FormatInt(int64(typed), 10)
	case int64:
		return strconv.FormatInt(typed, 10)
	case float32:
		return formatFloat(float64(typed))
	case float64:
		return formatFloat(typed)
	case json.Number:
		return typed.String()
	case map[string]any:
		keys := make([]string, 0, len(typed))
		for key := range typed {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		var builder strings.Builder
		builder.WriteByte('{')
		for i, key := range keys {
			if i > 0 {
				builder.WriteByte(',')
			}
			builder.WriteString(strconv.Quote(key))
			builder.WriteByte(':')
			builder.WriteString(encodeValue(typed[key]))
		}
		builder.WriteByte('}')
		return builder.String()
	case models.Snapshot:
		return encodeValue(map[string]any(typed))
	case []any:
		var builder strings.Builder
		builder.WriteByte('[')
		for i, item := range typed {
			if i > 0 {
				builder.WriteByte(',')
			}
			builder.WriteString(encodeValue(item))
		}
		builder.WriteByte(']')
		return builder.String()
	default:
		encoded, err := json.Marshal(typed)
		if err != nil {
			return fmt.Sprintf("%v", typed)
		}
		return string(encoded)
	}
}

// formatFloat renders integral floats without an exponent or trailing
// fraction so 2.0 and int(2) canonicalize identically after a JSON round-trip
func formatFloat(value float64) string {
	if value == math.Trunc(value) && math.Abs(value) < 1e15 {
		return strconv.FormatInt(int64(value), 10)
	}
	return strconv.FormatFloat(value, 'g', -1, 64)
}
