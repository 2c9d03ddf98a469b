// Package workers hosts services inside isolated units (subprocesses or
// in-process programs) and bridges protocol messages to and from them.
package workers

import (
	"fmt"
	"net/url"
	"path"
	"strings"
)

// Identity names a worker by the authority and path it was loaded from.
type Identity struct {
	Authority string
	Path      string
}

func (id Identity) String() string { return id.Authority + id.Path }

// Suffix returns the extension of the identity's path, including the dot.
func (id Identity) Suffix() string { return path.Ext(id.Path) }

// ParseIdentity parses raw into an identity. Identities without an
// authority, with "." as authority, or whose authority has no dot are
// relative and resolve against the directory of base.
func ParseIdentity(raw string, base *url.URL) (Identity, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Identity{}, fmt.Errorf("empty worker identity")
	}

	source := raw
	if i := strings.Index(source, "://"); i != -1 {
		source = source[i+3:]
	}
	authority, rest, _ := strings.Cut(source, "/")
	if authority != "" && authority != "." && strings.Contains(authority, ".") && strings.Contains(raw, "://") {
		return Identity{Authority: strings.ToLower(authority), Path: cleanPath("/" + rest)}, nil
	}

	rel := source
	if authority == "." {
		rel = rest
	}
	if base == nil {
		return Identity{Path: cleanPath("/" + rel)}, nil
	}
	dir := base.Path
	if i := strings.LastIndex(dir, "/"); i != -1 {
		dir = dir[:i+1]
	} else {
		dir = "/"
	}
	var p string
	if strings.HasPrefix(rel, "/") {
		p = rel
	} else {
		p = dir + rel
	}
	return Identity{Authority: strings.ToLower(base.Host), Path: cleanPath(p)}, nil
}

func cleanPath(p string) string {
	c := path.Clean(p)
	if c == "." {
		return "/"
	}
	return c
}
