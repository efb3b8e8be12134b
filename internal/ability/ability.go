// Package ability resolves a caller's document abilities from the external
// authorization service. The caller's ambient credentials are forwarded
// verbatim; this package never derives or rewrites them.
package ability

type Ability string

const (
	Retrieve Ability = "retrieve"
	Update   Ability = "update"
	Delete   Ability = "delete"
	Share    Ability = "share"
)

// Set is the resolved ability set for one caller on one document.
type Set map[Ability]struct{}

func NewSet(names ...string) Set {
	set := make(Set, len(names))
	for _, name := range names {
		set[Ability(name)] = struct{}{}
	}
	return set
}

func (s Set) Can(a Ability) bool {
	_, ok := s[a]
	return ok
}
