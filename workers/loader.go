package workers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrNotFound is returned by loaders when the source does not exist.
var ErrNotFound = errors.New("worker source not found")

// Source is the code of a worker unit.
type Source struct {
	// URL is where the source was loaded from; log relays name it.
	URL  string
	Code []byte
	// File is set when the source lives on the local filesystem, which lets
	// the unit run it in place and the registry watch it.
	File string
}

// Loader fetches the source for an identity.
type Loader interface {
	Load(ctx context.Context, id Identity) (Source, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context, id Identity) (Source, error)

func (f LoaderFunc) Load(ctx context.Context, id Identity) (Source, error) { return f(ctx, id) }

// HTTPLoader fetches sources over HTTP. Each authority is tried with https
// first; once https fails for an authority, http is remembered for it.
type HTTPLoader struct {
	Client *http.Client

	mu      sync.Mutex
	schemes map[string]string
}

func NewHTTPLoader(client *http.Client) *HTTPLoader {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPLoader{Client: client, schemes: make(map[string]string)}
}

func (l *HTTPLoader) Load(ctx context.Context, id Identity) (Source, error) {
	l.mu.Lock()
	scheme, known := l.schemes[id.Authority]
	l.mu.Unlock()
	if !known {
		scheme = "https"
	}

	src, err := l.fetch(ctx, scheme+"://"+id.String())
	if err != nil && !known {
		src, err = l.fetch(ctx, "http://"+id.String())
		if err == nil {
			l.mu.Lock()
			l.schemes[id.Authority] = "http"
			l.mu.Unlock()
		}
	} else if err == nil && !known {
		l.mu.Lock()
		l.schemes[id.Authority] = scheme
		l.mu.Unlock()
	}
	return src, err
}

func (l *HTTPLoader) fetch(ctx context.Context, u string) (Source, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Source{}, err
	}
	resp, err := l.Client.Do(req)
	if err != nil {
		return Source{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return Source{}, fmt.Errorf("%w: %s", ErrNotFound, u)
	}
	if resp.StatusCode >= 300 {
		return Source{}, fmt.Errorf("load %s: status %d", u, resp.StatusCode)
	}
	code, err := io.ReadAll(resp.Body)
	if err != nil {
		return Source{}, err
	}
	return Source{URL: u, Code: code}, nil
}

// FileLoader reads sources below Root. The identity's authority selects a
// subdirectory when one exists.
type FileLoader struct {
	Root string
}

func (l FileLoader) Load(_ context.Context, id Identity) (Source, error) {
	candidates := []string{
		filepath.Join(l.Root, id.Authority, filepath.FromSlash(id.Path)),
		filepath.Join(l.Root, filepath.FromSlash(id.Path)),
	}
	for _, p := range candidates {
		if !within(p, l.Root) {
			continue
		}
		code, err := os.ReadFile(p)
		if err == nil {
			abs, aerr := filepath.Abs(p)
			if aerr != nil {
				abs = p
			}
			return Source{URL: "file://" + filepath.ToSlash(abs), Code: code, File: abs}, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return Source{}, err
		}
	}
	return Source{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

func within(p, root string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// Loaders tries each loader in turn, returning the first success. A
// not-found result moves on to the next loader; other errors stop.
type Loaders []Loader

func (ls Loaders) Load(ctx context.Context, id Identity) (Source, error) {
	err := error(fmt.Errorf("%w: %s", ErrNotFound, id))
	for _, l := range ls {
		src, lerr := l.Load(ctx, id)
		if lerr == nil {
			return src, nil
		}
		err = lerr
		if !errors.Is(lerr, ErrNotFound) {
			return Source{}, lerr
		}
	}
	return Source{}, err
}
