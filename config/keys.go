package config

import (
	evdev "github.com/gvalkov/golang-evdev"
)

// WildcardKey matches every key that has no binding of its own.
const WildcardKey uint16 = 0xffff

var keyAliases = map[string]uint16{
	"*": WildcardKey,

	"esc":        evdev.KEY_ESC,
	"tab":        evdev.KEY_TAB,
	"space":      evdev.KEY_SPACE,
	"enter":      evdev.KEY_ENTER,
	"backspace":  evdev.KEY_BACKSPACE,
	"capslock":   evdev.KEY_CAPSLOCK,
	"leftshift":  evdev.KEY_LEFTSHIFT,
	"rightshift": evdev.KEY_RIGHTSHIFT,
	"leftctrl":   evdev.KEY_LEFTCTRL,
	"rightctrl":  evdev.KEY_RIGHTCTRL,
	"leftalt":    evdev.KEY_LEFTALT,
	"rightalt":   evdev.KEY_RIGHTALT,
	"leftmeta":   evdev.KEY_LEFTMETA,
	"rightmeta":  evdev.KEY_RIGHTMETA,
	"shift":      evdev.KEY_LEFTSHIFT,
	"ctrl":       evdev.KEY_LEFTCTRL,
	"alt":        evdev.KEY_LEFTALT,
	"meta":       evdev.KEY_LEFTMETA,
	"up":         evdev.KEY_UP,
	"down":       evdev.KEY_DOWN,
	"left":       evdev.KEY_LEFT,
	"right":      evdev.KEY_RIGHT,
	"home":       evdev.KEY_HOME,
	"end":        evdev.KEY_END,
	"pageup":     evdev.KEY_PAGEUP,
	"pagedown":   evdev.KEY_PAGEDOWN,
	"insert":     evdev.KEY_INSERT,
	"delete":     evdev.KEY_DELETE,
	"minus":      evdev.KEY_MINUS,
	"equal":      evdev.KEY_EQUAL,
	"comma":      evdev.KEY_COMMA,
	"dot":        evdev.KEY_DOT,
	"slash":      evdev.KEY_SLASH,
	"semicolon":  evdev.KEY_SEMICOLON,
	"apostrophe": evdev.KEY_APOSTROPHE,
	"grave":      evdev.KEY_GRAVE,
	"leftbrace":  evdev.KEY_LEFTBRACE,
	"rightbrace": evdev.KEY_RIGHTBRACE,
	"backslash":  evdev.KEY_BACKSLASH,

	"a": evdev.KEY_A, "b": evdev.KEY_B, "c": evdev.KEY_C, "d": evdev.KEY_D,
	"e": evdev.KEY_E, "f": evdev.KEY_F, "g": evdev.KEY_G, "h": evdev.KEY_H,
	"i": evdev.KEY_I, "j": evdev.KEY_J, "k": evdev.KEY_K, "l": evdev.KEY_L,
	"m": evdev.KEY_M, "n": evdev.KEY_N, "o": evdev.KEY_O, "p": evdev.KEY_P,
	"q": evdev.KEY_Q, "r": evdev.KEY_R, "s": evdev.KEY_S, "t": evdev.KEY_T,
	"u": evdev.KEY_U, "v": evdev.KEY_V, "w": evdev.KEY_W, "x": evdev.KEY_X,
	"y": evdev.KEY_Y, "z": evdev.KEY_Z,

	"0": evdev.KEY_0, "1": evdev.KEY_1, "2": evdev.KEY_2, "3": evdev.KEY_3,
	"4": evdev.KEY_4, "5": evdev.KEY_5, "6": evdev.KEY_6, "7": evdev.KEY_7,
	"8": evdev.KEY_8, "9": evdev.KEY_9,

	"f1": evdev.KEY_F1, "f2": evdev.KEY_F2, "f3": evdev.KEY_F3, "f4": evdev.KEY_F4,
	"f5": evdev.KEY_F5, "f6": evdev.KEY_F6, "f7": evdev.KEY_F7, "f8": evdev.KEY_F8,
	"f9": evdev.KEY_F9, "f10": evdev.KEY_F10, "f11": evdev.KEY_F11, "f12": evdev.KEY_F12,
}

var keyAliasesReversed = make(map[uint16]string)

func init() {
	// prefer the more specific alias, e.g. leftshift over shift
	for alias, code := range keyAliases {
		if existing, ok := keyAliasesReversed[code]; !ok || len(alias) > len(existing) {
			keyAliasesReversed[code] = alias
		}
	}
}

// GetKeyCode returns the key code of the given alias.
func GetKeyCode(alias string) (uint16, bool) {
	code, ok := keyAliases[alias]
	return code, ok
}

// GetKeyAlias returns an alias of the given key code.
func GetKeyAlias(code uint16) (string, bool) {
	alias, ok := keyAliasesReversed[code]
	return alias, ok
}
