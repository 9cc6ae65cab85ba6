package protocol

import (
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
)

// socketIDMax bounds each numeric half of a socket ID.
const socketIDMax = 10_000_000_001

// GenerateSocketID returns a new process-unique socket identifier in the
// protocol's <uint>.<uint> form.
func GenerateSocketID() string {
	return fmt.Sprintf("%d.%d", rand.Uint64N(socketIDMax), rand.Uint64N(socketIDMax))
}

// ValidateSocketID checks the <uint>.<uint> shape. Used on HTTP ingress where
// clients pass socket_id for sender exclusion.
func ValidateSocketID(id string) error {
	left, right, ok := strings.Cut(id, ".")
	if !ok {
		return fmt.Errorf("socket_id %q is not of the form <uint>.<uint>", id)
	}
	for _, part := range []string{left, right} {
		if _, err := strconv.ParseUint(part, 10, 64); err != nil {
			return fmt.Errorf("socket_id %q is not of the form <uint>.<uint>", id)
		}
	}
	return nil
}
