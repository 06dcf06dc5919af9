package fabric

import (
	"fmt"
	"strings"
)

// RegisterValue is one named debug register.
type RegisterValue struct {
	Name  string
	Value uint64
	// Width in bytes, used for formatting.
	Width int
}

func (r RegisterValue) String() string {
	w := r.Width
	if w <= 0 {
		w = 1
	}
	return fmt.Sprintf("%s=0x%0*X", r.Name, w*2, r.Value)
}

// Registers is an ordered register dump of one component.
type Registers []RegisterValue

// Get returns the value of the named register.
func (rs Registers) Get(name string) (uint64, bool) {
	for _, r := range rs {
		if r.Name == name {
			return r.Value, true
		}
	}
	return 0, false
}

func (rs Registers) String() string {
	parts := make([]string, len(rs))
	for i, r := range rs {
		parts[i] = r.String()
	}
	return strings.Join(parts, " ")
}
