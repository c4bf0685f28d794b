// Package quirks implements the named, integer-valued policy modifiers
// that reshape an update: enlarge_image, min_platform_version,
// unlock_me_for_update, daisy_snow_dual_model, and eve_smm_store.
//
// Component D of the update engine (spec.md §4.D). The registry shape
// (a name-keyed table of small value+action records, merged from a
// per-target default list and a user list with later-wins semantics)
// follows the teacher's format.go enum-and-lookup-table style rather
// than, say, a map of closures keyed by string with no structure.
package quirks

import (
	"fmt"
	"strconv"
	"strings"
)

// Name identifies one of the five recognized quirks.
type Name string

const (
	EnlargeImage        Name = "enlarge_image"
	MinPlatformVersion   Name = "min_platform_version"
	UnlockMeForUpdate    Name = "unlock_me_for_update"
	DaisySnowDualModel   Name = "daisy_snow_dual_model"
	EveSMMStore          Name = "eve_smm_store"
)

// allNames lists every recognized quirk, used to validate user input and
// to build a fresh registry.
var allNames = []Name{EnlargeImage, MinPlatformVersion, UnlockMeForUpdate, DaisySnowDualModel, EveSMMStore}

// Quirk is one registry entry: a name and an integer value (0 means "not
// set"). Its action is chosen by name in TryApply.
type Quirk struct {
	Name  Name
	Value int
}

// Registry holds the merged quirk set for one update.
type Registry struct {
	quirks map[Name]*Quirk
}

// New builds an empty registry with every recognized quirk present at
// value 0.
func New() *Registry {
	r := &Registry{quirks: make(map[Name]*Quirk, len(allNames))}
	for _, n := range allNames {
		r.quirks[n] = &Quirk{Name: n}
	}
	return r
}

// Get returns the named quirk, or nil if name is not recognized.
func (r *Registry) Get(name Name) *Quirk {
	return r.quirks[name]
}

// Value returns the named quirk's value, or 0 if unset or unrecognized.
func (r *Registry) Value(name Name) int {
	if q, ok := r.quirks[name]; ok {
		return q.Value
	}
	return 0
}

// Set assigns value to the named quirk, overwriting any earlier value
// (spec.md §4.D "later values overwrite earlier ones").
func (r *Registry) Set(name Name, value int) error {
	q, ok := r.quirks[name]
	if !ok {
		return fmt.Errorf("quirks: unknown quirk %q", name)
	}
	q.Value = value
	return nil
}

// ErrUnknownQuirk is wrapped by Parse when a list names an unrecognized
// quirk.
type ErrUnknownQuirk struct{ Name string }

func (e *ErrUnknownQuirk) Error() string {
	return fmt.Sprintf("quirks: unknown quirk %q", e.Name)
}

// Parse applies a comma/space separated quirk list to r. Each item is
// either a bare name (value=1) or name=INT (spec.md §4.D).
func Parse(r *Registry, list string) error {
	for _, item := range splitItems(list) {
		if item == "" {
			continue
		}
		name, value, err := parseItem(item)
		if err != nil {
			return err
		}
		if err := r.Set(Name(name), value); err != nil {
			return &ErrUnknownQuirk{Name: name}
		}
	}
	return nil
}

func parseItem(item string) (name string, value int, err error) {
	if eq := strings.IndexByte(item, '='); eq >= 0 {
		name = item[:eq]
		v, err := strconv.ParseInt(item[eq+1:], 0, 64)
		if err != nil {
			return "", 0, fmt.Errorf("quirks: invalid value in %q: %w", item, err)
		}
		return name, int(v), nil
	}
	return item, 1, nil
}

func splitItems(list string) []string {
	return strings.FieldsFunc(list, func(r rune) bool { return r == ',' || r == ' ' })
}

// DefaultsForTarget returns the per-target default quirk list for a
// platform prefix, merged under the user list by the caller (spec.md
// §4.D "per-image defaults"). The example pack and spec carry no
// concrete per-platform default table, so this returns an empty list;
// callers compose it with Parse(r, userList) where the user list always
// wins regardless.
func DefaultsForTarget(platformPrefix string) []string {
	return nil
}
