package compiler

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Mode is a file mode given either as a number or as a symbolic chmod
// string such as "u+rx".
type Mode struct {
	Octal    uint32
	Symbolic string
	set      bool
}

func OctalMode(m uint32) Mode {
	return Mode{Octal: m, set: true}
}

func SymbolicMode(s string) Mode {
	return Mode{Symbolic: s, set: true}
}

func (m Mode) IsSet() bool {
	return m.set
}

func (m *Mode) UnmarshalJSON(buf []byte) (err error) {
	var v interface{}
	if err = json.Unmarshal(buf, &v); err != nil {
		return
	}
	switch v := v.(type) {
	case nil:
		*m = Mode{}
	case float64:
		if v < 0 || v > 07777 || v != float64(uint32(v)) {
			return fmt.Errorf("bad mode %v", v)
		}
		*m = OctalMode(uint32(v))
	case string:
		*m = SymbolicMode(v)
	default:
		return fmt.Errorf("mode must be a number or a string, not %s", buf)
	}
	return
}

func (m Mode) MarshalJSON() ([]byte, error) {
	switch {
	case !m.set:
		return []byte("null"), nil
	case m.Symbolic != "":
		return json.Marshal(m.Symbolic)
	}
	return json.Marshal(m.Octal)
}

// ChmodArg is the argument to chmod.  A symbolic mode is applied after
// clearing every bit.
func (m Mode) ChmodArg() string {
	if m.Symbolic != "" {
		return "a-rwxXst," + m.Symbolic
	}
	return fmt.Sprintf("%04o", m.Octal)
}

func (m Mode) String() string {
	if m.Symbolic != "" {
		return strconv.Quote(m.Symbolic)
	}
	return fmt.Sprintf("0%o", m.Octal)
}

// StatOptions are the ownership and permissions given to created paths.
type StatOptions struct {
	Mode      Mode   `json:"mode"`
	UserGroup string `json:"user_group"`
}

func (so StatOptions) withDefaults(defaultMode uint32) StatOptions {
	if !so.Mode.IsSet() {
		so.Mode = OctalMode(defaultMode)
	}
	if so.UserGroup == "" {
		so.UserGroup = "root:root"
	}
	return so
}

// build applies the options to fullPath, which may not be a symlink.
func (so StatOptions) build(subvol *Subvol, fullPath string) (err error) {
	if _, err = subvol.RunAsRoot("test", "!", "-L", fullPath); err != nil {
		return
	}
	if _, err = subvol.RunAsRoot("chmod", "-R", so.Mode.ChmodArg(), fullPath); err != nil {
		return
	}
	_, err = subvol.RunAsRoot("chown", "--no-dereference", "-R", so.UserGroup, fullPath)
	return
}
