// Package uuid provides identifier generation for queue jobs and provisional plants.
package uuid

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// UUID v4 format: xxxxxxxx-xxxx-4xxx-yxxx-xxxxxxxxxxxx
// where y is one of [8, 9, a, b] (variant bits)
var uuidV4Regex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-4[0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)

// TempPrefix marks identities that were generated locally.
const TempPrefix = "temp-"

// New generates a new UUID v4.
func New() string {
	return uuid.New().String()
}

// IsValid checks if a string is a valid UUID v4.
func IsValid(s string) bool {
	return uuidV4Regex.MatchString(s)
}

// Validate returns an error if the string is not a valid UUID v4.
func Validate(s string) error {
	if !IsValid(s) {
		return fmt.Errorf("invalid UUID v4 format: %q", s)
	}
	return nil
}

// TempIDGenerator issues `temp-<unix millis>` identities.
// Identities are strictly increasing, so two calls within one millisecond
// still yield distinct values.
type TempIDGenerator struct {
	mu   sync.Mutex
	last int64
	now  func() time.Time
}

// NewTempIDGenerator creates a generator backed by the wall clock.
func NewTempIDGenerator() *TempIDGenerator {
	return &TempIDGenerator{now: time.Now}
}

// Next returns the next provisional identity.
func (g *TempIDGenerator) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := g.now().UnixMilli()
	if ms <= g.last {
		ms = g.last + 1
	}
	g.last = ms
	return TempPrefix + strconv.FormatInt(ms, 10)
}

// IsTemp reports whether id was generated locally.
func IsTemp(id string) bool {
	return strings.HasPrefix(id, TempPrefix)
}
