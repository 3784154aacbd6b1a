// Package clientid implements the 64-bit client identifier used to name
// bus participants: two 32-bit decimal fields, "high:low", concatenated
// with a colon in textual form.
package clientid

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ID identifies a bus participant. The high 32 bits name the routing
// endpoint, the low 32 bits name a connection on that endpoint.
type ID uint64

// Anonymous is the literal "0:0" sender, never a legitimate participant.
const Anonymous ID = 0

// ErrNoColon is returned by Parse when the string has no ':' separator.
var ErrNoColon = errors.New("client id has no colon")

// New packs a high/low pair into an ID.
func New(high, low uint32) ID {
	return ID(uint64(high)<<32 | uint64(low))
}

// High returns the routing-endpoint half of the ID.
func (id ID) High() uint32 { return uint32(uint64(id) >> 32) }

// Low returns the connection half of the ID.
func (id ID) Low() uint32 { return uint32(uint64(id)) }

// IsAnonymous reports whether id is the reserved "0:0" sentinel.
func (id ID) IsAnonymous() bool { return id == Anonymous }

// String renders the ID as "high:low".
func (id ID) String() string {
	return strconv.FormatUint(uint64(id.High()), 10) + ":" + strconv.FormatUint(uint64(id.Low()), 10)
}

// Parse decodes a "high:low" client ID string. It does not reject "0:0";
// callers that must treat anonymous senders specially should check
// IsAnonymous themselves, matching the C source's separate checks for
// "no colon" versus "is anonymous".
func Parse(s string) (ID, error) {
	i := strings.IndexByte(s, ':')
	if i < 0 {
		return 0, ErrNoColon
	}
	high, err := strconv.ParseUint(s[:i], 10, 32)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid client id %q", s)
	}
	low, err := strconv.ParseUint(s[i+1:], 10, 32)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid client id %q", s)
	}
	return New(uint32(high), uint32(low)), nil
}

// MustParse is Parse, panicking on error; for tests and constant tables.
func MustParse(s string) ID {
	id, err := Parse(s)
	if err != nil {
		panic(fmt.Sprintf("clientid: %v", err))
	}
	return id
}
