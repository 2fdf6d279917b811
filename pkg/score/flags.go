package score

import "fmt"

// Flag is a single permission bit. All flags are powers of two within the
// 8-bit scheme, permitting up to 255 combinations.
type Flag uint8

const (
	Read     Flag = 1
	Append   Flag = 2
	Write    Flag = 4
	Edit     Flag = 8
	List     Flag = 16
	Delete   Flag = 32
	Transfer Flag = 64
	Admin    Flag = 128
)

var flagNames = map[Flag]string{
	Read:     "read",
	Append:   "append",
	Write:    "write",
	Edit:     "edit",
	List:     "list",
	Delete:   "delete",
	Transfer: "transfer",
	Admin:    "admin",
}

// allFlags in ascending bit order, used to derive flag lists from a bitmask.
var allFlags = []Flag{Read, Append, Write, Edit, List, Delete, Transfer, Admin}

func (f Flag) String() string {
	if name, ok := flagNames[f]; ok {
		return name
	}
	return fmt.Sprintf("flag(%d)", uint8(f))
}

// ParseFlag resolves a flag by name.
func ParseFlag(name string) (Flag, error) {
	for f, n := range flagNames {
		if n == name {
			return f, nil
		}
	}
	return 0, fmt.Errorf("unknown permission flag: %q", name)
}

// CombineFlags reduces a set of flags to a single bitmask via bitwise OR.
func CombineFlags(flags ...Flag) Flag {
	var mask Flag
	for _, f := range flags {
		mask |= f
	}
	return mask
}

// FlagsOf expands a bitmask into the named flags whose bits are set.
func FlagsOf(mask uint8) []Flag {
	flags := make([]Flag, 0, 8)
	for _, f := range allFlags {
		if mask&uint8(f) != 0 {
			flags = append(flags, f)
		}
	}
	return flags
}

// Category is a named broad permission mask for coarse filtering without
// enumerating individual flags.
type Category int

const (
	// Viewer is the lowest category: any permission at all implies it.
	Viewer Category = iota
	Contributor
	Editor
	Administrator
)

var categoryMasks = map[Category]uint8{
	Viewer:        uint8(Read | List),
	Contributor:   uint8(Append | Write),
	Editor:        uint8(Edit | Delete),
	Administrator: uint8(Transfer | Admin),
}

var categoryNames = map[Category]string{
	Viewer:        "viewer",
	Contributor:   "contributor",
	Editor:        "editor",
	Administrator: "administrator",
}

func (c Category) String() string {
	if name, ok := categoryNames[c]; ok {
		return name
	}
	return fmt.Sprintf("category(%d)", int(c))
}

// ParseCategory resolves a category by name.
func ParseCategory(name string) (Category, error) {
	for c, n := range categoryNames {
		if n == name {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown permission category: %q", name)
}

// CategoryMask returns the bitmask for the named category.
func CategoryMask(cat Category) uint8 {
	return categoryMasks[cat]
}

// MeetsCategory reports whether metadata satisfies the category. Categories
// above Viewer test any-bit overlap with the category mask; Viewer is
// satisfied by any nonzero metadata.
func MeetsCategory(metadata uint8, cat Category) bool {
	if cat == Viewer {
		return metadata != 0
	}
	return metadata&categoryMasks[cat] != 0
}
