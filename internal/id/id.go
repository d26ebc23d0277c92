// Package id parses and renders the namespaced repository identifiers that
// name every bare repository under the storage root.
package id

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// AuthorityName is the reserved Base used for authority repositories: "_".
const AuthorityName = "_"

var baseRe = regexp.MustCompile(`^[0-9a-z_\-.]{1,255}$`)

// Kind classifies an Id by its namespace and name.
type Kind int

const (
	// Normal is any user-facing repository declared in its namespace's
	// local authority.
	Normal Kind = iota
	// GlobalAuthority is the server-root configuration repository "_.git".
	GlobalAuthority
	// LocalAuthority is a namespace's configuration repository "<ns>/_.git".
	LocalAuthority
)

func (k Kind) String() string {
	switch k {
	case GlobalAuthority:
		return "GlobalAuthority"
	case LocalAuthority:
		return "LocalAuthority"
	default:
		return "Normal"
	}
}

// ErrorKind enumerates the distinct ways a string can fail to parse as a
// Base, Name or Id.
type ErrorKind int

const (
	// IllegalSize is empty or longer than 255 bytes.
	IllegalSize ErrorKind = iota
	// IllegalDot is a leading or trailing '.'.
	IllegalDot
	// IllegalFormat contains a character outside [0-9a-z_\-.].
	IllegalFormat
	// IllegalExtension is a Base that still ends in ".git" after suffix
	// handling (i.e. a Name's Base carries the suffix twice).
	IllegalExtension
	// MisformattedPath has the wrong component count or a non-Normal
	// path component (".", "..", "~", empty, or an absolute root).
	MisformattedPath
	// MissingExt is a repository component without the mandatory ".git"
	// suffix.
	MissingExt
)

func (k ErrorKind) String() string {
	switch k {
	case IllegalSize:
		return "IllegalSize"
	case IllegalDot:
		return "IllegalDot"
	case IllegalFormat:
		return "IllegalFormat"
	case IllegalExtension:
		return "IllegalExtension"
	case MisformattedPath:
		return "MisformattedPath"
	case MissingExt:
		return "MissingExt"
	default:
		return "Unknown"
	}
}

// ParseError reports why a string failed to parse as a Base, Name or Id.
type ParseError struct {
	Kind  ErrorKind
	Input string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: %q", e.Kind, e.Input)
}

func newErr(kind ErrorKind, input string) *ParseError {
	return &ParseError{Kind: kind, Input: input}
}

// Base is a non-empty ASCII lowercase token matching [0-9a-z_\-.]{1,255},
// never starting or ending with '.', and never ending in ".git". Base
// values compare case-insensitively via their lowercased normal form.
type Base string

// ParseBase validates s as a Base.
func ParseBase(s string) (Base, error) {
	if len(s) == 0 || len(s) > 255 {
		return "", newErr(IllegalSize, s)
	}
	lower := strings.ToLower(s)
	if !baseRe.MatchString(lower) {
		return "", newErr(IllegalFormat, s)
	}
	if strings.HasPrefix(lower, ".") || strings.HasSuffix(lower, ".") {
		return "", newErr(IllegalDot, s)
	}
	if strings.HasSuffix(lower, ".git") {
		return "", newErr(IllegalExtension, s)
	}
	return Base(lower), nil
}

// Equal compares two Base values by their normalised form.
func (b Base) Equal(other Base) bool {
	return strings.EqualFold(string(b), string(other))
}

func (b Base) String() string { return string(b) }

// Name is a Base with the mandatory ".git" suffix preserved on display.
type Name struct {
	base Base
}

// ParseName validates s as "<base>.git".
func ParseName(s string) (Name, error) {
	if !strings.HasSuffix(s, ".git") {
		return Name{}, newErr(MissingExt, s)
	}
	base, err := ParseBase(strings.TrimSuffix(s, ".git"))
	if err != nil {
		return Name{}, err
	}
	return Name{base: base}, nil
}

// NewName wraps an already-validated Base as a Name, e.g. the reserved
// authority name.
func NewName(b Base) Name { return Name{base: b} }

// Base returns the suffix-stripped Base value.
func (n Name) Base() Base { return n.base }

// IsAuthority reports whether this Name is the reserved authority name "_".
func (n Name) IsAuthority() bool { return n.base.Equal(AuthorityName) }

func (n Name) String() string { return string(n.base) + ".git" }

// Id is a parsed, namespaced repository identifier.
type Id struct {
	Namespace  *Base
	Repository Name
}

// New constructs an Id from already-validated parts.
func New(namespace *Base, repository Name) Id {
	return Id{Namespace: namespace, Repository: repository}
}

// Authority constructs the GlobalAuthority or LocalAuthority Id for the
// given (possibly nil) namespace.
func Authority(namespace *Base) Id {
	return Id{Namespace: namespace, Repository: NewName(AuthorityName)}
}

// Parse parses a path-like string into an Id: strips every leading '/',
// splits into path components, accepts only 1 or 2 "Normal" components
// (no ".", "..", "~", empty segments, or further separators), and parses
// each as a Base/Name.
func Parse(s string) (Id, error) {
	trimmed := strings.TrimPrefix(s, "/")
	if trimmed == "" {
		return Id{}, newErr(MisformattedPath, s)
	}
	// Input like "//user/repo.git" still starts with a separator here;
	// strip the remaining leading slashes too so it parses exactly like
	// "user/repo.git" instead of yielding an empty leading component.
	for strings.HasPrefix(trimmed, "/") {
		trimmed = strings.TrimPrefix(trimmed, "/")
	}
	parts := strings.Split(trimmed, "/")
	for _, p := range parts {
		if !isNormalComponent(p) {
			return Id{}, newErr(MisformattedPath, s)
		}
	}
	if len(parts) < 1 || len(parts) > 2 {
		return Id{}, newErr(MisformattedPath, s)
	}

	var namespace *Base
	var repoComponent string
	switch len(parts) {
	case 1:
		repoComponent = parts[0]
	case 2:
		ns, err := ParseBase(parts[0])
		if err != nil {
			return Id{}, err
		}
		namespace = &ns
		repoComponent = parts[1]
	}

	name, err := ParseName(repoComponent)
	if err != nil {
		return Id{}, err
	}
	return Id{Namespace: namespace, Repository: name}, nil
}

// isNormalComponent rejects "", ".", "..", "~" and anything containing a
// separator, matching the "Normal path component" rule the parser requires.
func isNormalComponent(p string) bool {
	switch p {
	case "", ".", "..", "~":
		return false
	}
	return !strings.ContainsAny(p, `/\`)
}

// IsAuthority reports whether this Id names an authority repository (global
// or local), i.e. its repository component is the reserved name "_".
func (id Id) IsAuthority() bool { return id.Repository.IsAuthority() }

// Kind classifies the Id per the (namespace, is-authority) table.
func (id Id) Kind() Kind {
	switch {
	case id.Namespace == nil && id.IsAuthority():
		return GlobalAuthority
	case id.Namespace != nil && id.IsAuthority():
		return LocalAuthority
	default:
		return Normal
	}
}

// ToAuthority yields the Id of this Id's namespace's authority repository:
// (same namespace, "_.git").
func (id Id) ToAuthority() Id {
	return Id{Namespace: id.Namespace, Repository: NewName(AuthorityName)}
}

// String renders the Id as "<namespace>/<repository>" or "<repository>".
func (id Id) String() string {
	if id.Namespace != nil {
		return string(*id.Namespace) + "/" + id.Repository.String()
	}
	return id.Repository.String()
}

// ToPath returns the filesystem path of this Id's repository under storage.
func (id Id) ToPath(storage string) string {
	if id.Namespace != nil {
		return filepath.Join(storage, string(*id.Namespace), id.Repository.String())
	}
	return filepath.Join(storage, id.Repository.String())
}

// Equal compares two Ids structurally on their normalised Base values.
func (id Id) Equal(other Id) bool {
	if (id.Namespace == nil) != (other.Namespace == nil) {
		return false
	}
	if id.Namespace != nil && !id.Namespace.Equal(*other.Namespace) {
		return false
	}
	return id.Repository.Base().Equal(other.Repository.Base())
}
