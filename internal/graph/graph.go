// Package graph builds the dependency graph of a set of entry points.
package graph

import (
	"fmt"
	"io"
	"path/filepath"
	"slices"

	dgraph "github.com/dominikbraun/graph"
	"github.com/dominikbraun/graph/draw"
	"github.com/wolfeidau/assetpipe/internal/transform"
)

// Module is a single resolved file. Immutable once the graph is returned.
type Module struct {
	// ID is the first-discovery index of the module in the graph
	ID          int
	Path        string
	ContentType string
	Source      []byte
	// Hash is the CRC64-NVME checksum of Source
	Hash uint64
	// Imports lists raw specifiers found after transformation, in source order
	Imports []string
	// Deps maps each specifier in Imports to its resolved path
	Deps      map[string]string
	Output    []byte
	SourceMap []byte
	Kind      transform.Kind
	Stages    []string
	Warnings  []string
	// Cached is set when the transform result came from a cross-build cache
	Cached bool
}

// Edge is an import from one module to another.
type Edge struct {
	From string
	To   string
}

// Entry is the traversal result of one entry point.
type Entry struct {
	Name string
	Root string
	// Order lists module paths in first-discovery order from Root
	Order     []string
	BackEdges []Edge
	Cyclic    bool
}

// Stats counts the work done while building a graph.
type Stats struct {
	Files       int
	Transformed int
	CacheHits   int
}

// Graph is the dependency graph of one build.
type Graph struct {
	Modules   []*Module
	Edges     []Edge
	BackEdges []Edge
	Cyclic    bool
	Stats     Stats

	byPath  map[string]*Module
	entries map[string]*Entry
	names   []string
}

// Module returns the module for an absolute path
func (g *Graph) Module(path string) (*Module, bool) {
	m, ok := g.byPath[path]
	return m, ok
}

// Entry returns the traversal of the named entry
func (g *Graph) Entry(name string) (*Entry, bool) {
	e, ok := g.entries[name]
	return e, ok
}

// EntryNames returns entry names in sorted order
func (g *Graph) EntryNames() []string {
	return slices.Clone(g.names)
}

// EntryModules returns the modules reachable from the named entry in emission order.
func (g *Graph) EntryModules(name string) ([]*Module, error) {
	e, ok := g.entries[name]
	if !ok {
		return nil, fmt.Errorf("unknown entry %q", name)
	}

	mods := make([]*Module, 0, len(e.Order))
	for _, p := range e.Order {
		mods = append(mods, g.byPath[p])
	}
	return mods, nil
}

func (g *Graph) toDGraph(base string) (dgraph.Graph[string, string], error) {
	dg := dgraph.New(dgraph.StringHash, dgraph.Directed())

	for _, m := range g.Modules {
		label := relPath(base, m.Path)
		if err := dg.AddVertex(m.Path, dgraph.VertexAttribute("label", label)); err != nil {
			return nil, err
		}
	}

	for _, e := range g.Edges {
		if err := dg.AddEdge(e.From, e.To); err != nil {
			return nil, err
		}
	}

	return dg, nil
}

// Cycles returns every import cycle as a sorted list of module paths. A module
// importing itself is a cycle of one.
func (g *Graph) Cycles() ([][]string, error) {
	dg, err := g.toDGraph("")
	if err != nil {
		return nil, err
	}

	sccs, err := dgraph.StronglyConnectedComponents(dg)
	if err != nil {
		return nil, err
	}

	var cycles [][]string
	for _, scc := range sccs {
		if len(scc) == 1 && !slices.Contains(g.Edges, Edge{From: scc[0], To: scc[0]}) {
			continue
		}
		slices.Sort(scc)
		cycles = append(cycles, scc)
	}

	slices.SortFunc(cycles, func(a, b []string) int {
		return slices.Compare(a, b)
	})
	return cycles, nil
}

// WriteDOT renders the graph in Graphviz format with labels relative to base.
func (g *Graph) WriteDOT(w io.Writer, base string) error {
	dg, err := g.toDGraph(base)
	if err != nil {
		return err
	}
	return draw.DOT(dg, w)
}

func relPath(base, path string) string {
	if base == "" {
		return path
	}
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return path
	}
	return filepath.ToSlash(rel)
}

func contentType(path string) string {
	switch filepath.Ext(path) {
	case ".ts", ".mts", ".cts":
		return "application/typescript"
	case ".tsx":
		return "text/tsx"
	case ".jsx":
		return "text/jsx"
	case ".js", ".mjs", ".cjs":
		return "application/javascript"
	case ".json":
		return "application/json"
	case ".css":
		return "text/css"
	default:
		return "application/octet-stream"
	}
}
