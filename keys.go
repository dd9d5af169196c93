package agentbox

import "strings"

// keysyms maps friendly key names to X11 keysyms. Names not in the map pass
// through unchanged, so raw keysyms ("XF86AudioPlay") keep working.
var keysyms = map[string]string{
	"alt":         "alt",
	"alt_left":    "Alt_L",
	"alt_right":   "Alt_R",
	"backspace":   "BackSpace",
	"break":       "Pause",
	"caps_lock":   "Caps_Lock",
	"cmd":         "Super_L",
	"command":     "Super_L",
	"control":     "ctrl",
	"ctrl":        "ctrl",
	"del":         "Delete",
	"delete":      "Delete",
	"down":        "Down",
	"end":         "End",
	"enter":       "Return",
	"esc":         "Escape",
	"escape":      "Escape",
	"home":        "Home",
	"insert":      "Insert",
	"left":        "Left",
	"menu":        "Menu",
	"meta":        "Meta_L",
	"num_lock":    "Num_Lock",
	"page_down":   "Page_Down",
	"page_up":     "Page_Up",
	"pagedown":    "Page_Down",
	"pageup":      "Page_Up",
	"pause":       "Pause",
	"print":       "Print",
	"return":      "Return",
	"right":       "Right",
	"scroll_lock": "Scroll_Lock",
	"shift":       "shift",
	"shift_left":  "Shift_L",
	"shift_right": "Shift_R",
	"space":       "space",
	"super":       "Super_L",
	"tab":         "Tab",
	"up":          "Up",
	"win":         "Super_L",
	"windows":     "Super_L",
}

// mapKey resolves one key name, case-insensitively for friendly names.
func mapKey(key string) string {
	if sym, ok := keysyms[strings.ToLower(key)]; ok {
		return sym
	}
	return key
}

// mapKeyCombo resolves a "+"-separated combination like "ctrl+shift+t" into
// the xdotool form "ctrl+shift+t".
func mapKeyCombo(combo string) string {
	parts := strings.Split(combo, "+")
	for i, p := range parts {
		parts[i] = mapKey(p)
	}
	return strings.Join(parts, "+")
}

// mouseButtons maps friendly button names to X11 button numbers.
var mouseButtons = map[string]int{
	"left":   1,
	"middle": 2,
	"right":  3,
}
