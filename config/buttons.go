package config

import (
	"fmt"
	"strconv"
	"strings"
)

// ButtonMask is a set of mouse buttons, bit i standing for MB(i+1).
type ButtonMask uint8

const (
	MB1 ButtonMask = 1 << iota // left
	MB2                        // right
	MB3                        // middle
	MB4                        // side / back
	MB5                        // extra / forward
)

// MaxButtons is the number of buttons a ButtonMask can address.
const MaxButtons = 5

var buttonAliases = map[string]ButtonMask{
	"left":    MB1,
	"right":   MB2,
	"middle":  MB3,
	"side":    MB4,
	"back":    MB4,
	"extra":   MB5,
	"forward": MB5,
	"mb1":     MB1,
	"mb2":     MB2,
	"mb3":     MB3,
	"mb4":     MB4,
	"mb5":     MB5,
}

// ParseButtonMask parses buttons of the form left|mb4 into a mask.
func ParseButtonMask(raw string) (ButtonMask, error) {
	var mask ButtonMask
	for _, part := range strings.Split(raw, "|") {
		part = strings.ToLower(strings.TrimSpace(part))
		if b, ok := buttonAliases[part]; ok {
			mask |= b
			continue
		}
		// a plain number is taken as a raw mask
		n, err := strconv.ParseUint(part, 0, 8)
		if err != nil || n == 0 || n >= 1<<MaxButtons {
			return 0, fmt.Errorf("unknown button '%v'", part)
		}
		mask |= ButtonMask(n)
	}
	return mask, nil
}

func (m ButtonMask) String() string {
	var names []string
	for i := 0; i < MaxButtons; i++ {
		if m&(1<<i) != 0 {
			names = append(names, fmt.Sprintf("MB%d", i+1))
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}
