package schema

import (
	"strconv"

	"github.com/cespare/xxhash/v2"

	"github.com/mesh-intelligence/attic/pkg/types"
)

// Fingerprint returns a deterministic hash of the persisted fields of d in
// declaration order. Nested and reference targets contribute their type
// name only, so self-referential types terminate.
func Fingerprint(d types.TypeDescriptor) string {
	h := xxhash.New()
	for _, f := range types.PersistedFields(d) {
		_, _ = h.WriteString(f.Name)
		_, _ = h.WriteString("|")
		_, _ = h.WriteString(string(f.Kind))
		_, _ = h.WriteString("|")
		_, _ = h.WriteString(strconv.FormatBool(f.Array))
		_, _ = h.WriteString("|")
		_, _ = h.WriteString(strconv.FormatBool(f.Optional))
		_, _ = h.WriteString("|")
		_, _ = h.WriteString(f.TargetName())
		_, _ = h.WriteString("\n")
	}
	return strconv.FormatUint(h.Sum64(), 16)
}
