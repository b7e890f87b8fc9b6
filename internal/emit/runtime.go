package emit

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/wolfeidau/assetpipe/internal/graph"
	"github.com/wolfeidau/assetpipe/internal/transform"
)

const cyclicMarker = "/* assetpipe: this bundle contains import cycles */\n"

// prelude is the module loader. Each module is a [factory, deps] pair where
// deps maps the specifiers it imports to bundle-local ids. The cache entry is
// stored before the factory runs so a cyclic require sees partial exports.
const prelude = `(function (modules) {
  var cache = {};
  function load(id) {
    if (cache[id]) return cache[id].exports;
    var module = (cache[id] = { exports: {} });
    var def = modules[id];
    def[0].call(module.exports, module, module.exports, function (spec) {
      var dep = def[1][spec];
      if (dep === undefined) throw new Error("Cannot find module '" + spec + "'");
      return load(dep);
    });
    return module.exports;
  }
  load(0);
})([
`

const epilogue = "]);\n"

// section places one module's source map at a line of the bundle
type section struct {
	line      int
	sourceMap []byte
}

type rendered struct {
	code     []byte
	sections []section
}

// lineBuffer tracks the number of newlines written
type lineBuffer struct {
	bytes.Buffer
	lines int
}

func (b *lineBuffer) write(s string) {
	b.lines += strings.Count(s, "\n")
	b.WriteString(s)
}

func (b *lineBuffer) writeBytes(p []byte) {
	b.lines += bytes.Count(p, []byte("\n"))
	b.Write(p)
}

// renderScript emits a lone script module verbatim
func renderScript(m *graph.Module) *rendered {
	var b lineBuffer
	b.writeBytes(m.Output)
	if !bytes.HasSuffix(m.Output, []byte("\n")) {
		b.write("\n")
	}

	r := &rendered{code: b.Bytes()}
	if m.SourceMap != nil {
		r.sections = append(r.sections, section{line: 0, sourceMap: m.SourceMap})
	}
	return r
}

func renderRuntime(mods []*graph.Module, cyclic bool, rel func(string) string) *rendered {
	ids := make(map[string]int, len(mods))
	for i, m := range mods {
		ids[m.Path] = i
	}

	var (
		b        lineBuffer
		sections []section
	)

	if cyclic {
		b.write(cyclicMarker)
	}
	b.write(prelude)

	for i, m := range mods {
		b.write("/* " + strconv.Itoa(i) + ": " + commentSafe(rel(m.Path)) + " */\n")

		if m.Kind == transform.KindScript {
			b.write("[function () {\n")
			b.write("(0, eval)(" + jsString(string(m.Output)+"\n//# sourceURL="+rel(m.Path)) + ");\n")
		} else {
			b.write("[function (module, exports, require) {\n")
			if m.SourceMap != nil {
				sections = append(sections, section{line: b.lines, sourceMap: m.SourceMap})
			}
			b.writeBytes(m.Output)
			if len(m.Output) > 0 && !bytes.HasSuffix(m.Output, []byte("\n")) {
				b.write("\n")
			}
		}

		deps := make(map[string]int, len(m.Deps))
		for spec, p := range m.Deps {
			deps[spec] = ids[p]
		}
		table, _ := json.Marshal(deps)

		b.write("}, ")
		b.writeBytes(table)
		if i < len(mods)-1 {
			b.write("],\n")
		} else {
			b.write("]\n")
		}
	}

	b.write(epilogue)
	return &rendered{code: b.Bytes(), sections: sections}
}

// jsString quotes s as a JavaScript string literal. JSON escaping covers the
// line separators JavaScript forbids in literals.
func jsString(s string) string {
	out, _ := json.Marshal(s)
	return string(out)
}

func commentSafe(s string) string {
	return strings.ReplaceAll(s, "*/", "*\\/")
}
