package shmalloc

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
)

// DefaultPrefix is the process-scoped prefix used by GenerateName when the
// caller supplies none. It is exactly 7 bytes so that the default output is
// exactly 23 bytes: "/" + prefix(7) + "." + infix(7) + "." + counter(6).
const DefaultPrefix = "ipcpool"

// infixLen is the length of the random alphanumeric infix. spec.md requires
// at least 7 bytes to keep inter-process collisions negligible.
const infixLen = 7

var nameCounter atomic.Uint32

// GenerateName returns a fresh, collision-resistant segment name of the
// form "/" + prefix + "." + random-alphanumeric-infix + "." + six-digit
// counter. It never fails: if the returned name happens to already exist
// on the host, that surfaces as ErrNameInUse from the subsequent creator
// construction, not from GenerateName itself.
func GenerateName(prefix string) string {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	n := nameCounter.Add(1) % 1_000_000
	return fmt.Sprintf("/%s.%s.%06d", prefix, randomAlnum(infixLen), n)
}

// randomAlnum returns n lowercase hex bytes ([0-9a-f]), built from one or more
// UUIDs' hex digits (UUIDs are hex, so this only ever needs one draw for the
// infix lengths this package uses, but loops defensively).
func randomAlnum(n int) string {
	var b strings.Builder
	for b.Len() < n {
		for _, r := range strings.ReplaceAll(uuid.NewString(), "-", "") {
			if b.Len() >= n {
				break
			}
			b.WriteRune(r)
		}
	}
	return b.String()[:n]
}
