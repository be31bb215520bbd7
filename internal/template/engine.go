package template

import (
	"bytes"
	htmlTemplate "html/template"
	"io"
	"sort"
	"strings"
	textTemplate "text/template"
	"text/template/parse"

	"github.com/foxzi/mailmerge/internal/record"
)

// funcs are the helpers available to every part
var funcs = map[string]any{
	"upper": strings.ToUpper,
	"lower": strings.ToLower,
	"trim":  strings.TrimSpace,
	"split": strings.Split,
	"join":  strings.Join,
}

// executor is the common surface of text/template and html/template
type executor interface {
	Execute(w io.Writer, data any) error
}

type compiledPart struct {
	part     Part
	exec     executor
	vars     map[string]struct{}
	parseErr error
}

// Engine renders the subject, text and HTML templates against recipient records.
// It is immutable after construction and safe for concurrent use.
type Engine struct {
	parts []compiledPart
}

// NewEngine parses every non-empty part of tmpl. Parse errors are kept and
// returned by Render and Validate.
func NewEngine(tmpl Template) *Engine {
	e := &Engine{}
	for _, p := range Parts {
		src := tmpl.Source(p)
		if src == "" {
			continue
		}
		e.parts = append(e.parts, compile(p, src))
	}
	return e
}

func compile(p Part, src string) compiledPart {
	cp := compiledPart{part: p}

	// HTML part (html template with auto-escaping)
	if p == PartHTML {
		t, err := htmlTemplate.New(string(p)).
			Option("missingkey=error").
			Funcs(htmlTemplate.FuncMap(funcs)).
			Parse(src)
		if err != nil {
			cp.parseErr = newParseError(p, src, err)
			return cp
		}
		cp.exec = t
		var trees []*parse.Tree
		for _, assoc := range t.Templates() {
			trees = append(trees, assoc.Tree)
		}
		cp.vars = collectVariables(t.Tree, trees)
		return cp
	}

	t, err := textTemplate.New(string(p)).
		Option("missingkey=error").
		Funcs(textTemplate.FuncMap(funcs)).
		Parse(src)
	if err != nil {
		cp.parseErr = newParseError(p, src, err)
		return cp
	}
	cp.exec = t
	var trees []*parse.Tree
	for _, assoc := range t.Templates() {
		trees = append(trees, assoc.Tree)
	}
	cp.vars = collectVariables(t.Tree, trees)
	return cp
}

// collectVariables walks the main tree and every defined template before the
// first execution, since html/template rewrites trees while escaping.
func collectVariables(main *parse.Tree, defined []*parse.Tree) map[string]struct{} {
	seen := make(map[string]struct{})
	for _, tree := range append([]*parse.Tree{main}, defined...) {
		if tree == nil || tree.Root == nil {
			continue
		}
		walkNode(tree.Root, true, seen)
	}
	return seen
}

// Parts returns the parts that have a template, in render order
func (e *Engine) Parts() []Part {
	out := make([]Part, len(e.parts))
	for i, cp := range e.parts {
		out[i] = cp.part
	}
	return out
}

// Validate returns the first parse error, if any
func (e *Engine) Validate() error {
	for _, cp := range e.parts {
		if cp.parseErr != nil {
			return cp.parseErr
		}
	}
	return nil
}

// Render renders every present part against the record's declared fields.
// Rendering stops at the first failing part and no partial result is returned.
func (e *Engine) Render(rec *record.Record) (Result, error) {
	return e.RenderData(rec.Fields())
}

// RenderData renders every present part against a raw field mapping
func (e *Engine) RenderData(fields map[string]string) (Result, error) {
	data := make(map[string]any, len(fields))
	for k, v := range fields {
		data[k] = v
	}

	result := make(Result, len(e.parts))
	for _, cp := range e.parts {
		if cp.parseErr != nil {
			return nil, cp.parseErr
		}

		var buf bytes.Buffer
		if err := cp.exec.Execute(&buf, data); err != nil {
			return nil, newExecError(cp.part, err)
		}
		result[cp.part] = buf.String()
	}

	return result, nil
}

// Variables returns the sorted set of top-level fields referenced by all parts,
// including the bodies of defined templates. Parts that failed to parse are skipped.
func (e *Engine) Variables() []string {
	seen := make(map[string]struct{})
	for _, cp := range e.parts {
		for name := range cp.vars {
			seen[name] = struct{}{}
		}
	}

	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Missing returns the variables referenced by the templates that the schema does not declare
func (e *Engine) Missing(schema *record.Schema) []string {
	var missing []string
	for _, name := range e.Variables() {
		if !schema.Has(name) {
			missing = append(missing, name)
		}
	}
	return missing
}

// walkNode collects field references. rootDot is false inside range and with
// blocks, where dot no longer refers to the record.
func walkNode(node parse.Node, rootDot bool, seen map[string]struct{}) {
	switch n := node.(type) {
	case *parse.ListNode:
		if n == nil {
			return
		}
		for _, child := range n.Nodes {
			walkNode(child, rootDot, seen)
		}
	case *parse.ActionNode:
		walkPipe(n.Pipe, rootDot, seen)
	case *parse.IfNode:
		walkPipe(n.Pipe, rootDot, seen)
		walkNode(n.List, rootDot, seen)
		walkNode(n.ElseList, rootDot, seen)
	case *parse.RangeNode:
		walkPipe(n.Pipe, rootDot, seen)
		walkNode(n.List, false, seen)
		walkNode(n.ElseList, rootDot, seen)
	case *parse.WithNode:
		walkPipe(n.Pipe, rootDot, seen)
		walkNode(n.List, false, seen)
		walkNode(n.ElseList, rootDot, seen)
	case *parse.TemplateNode:
		walkPipe(n.Pipe, rootDot, seen)
	}
}

func walkPipe(pipe *parse.PipeNode, rootDot bool, seen map[string]struct{}) {
	if pipe == nil {
		return
	}
	for _, cmd := range pipe.Cmds {
		for _, arg := range cmd.Args {
			walkArg(arg, rootDot, seen)
		}
	}
}

func walkArg(arg parse.Node, rootDot bool, seen map[string]struct{}) {
	switch a := arg.(type) {
	case *parse.FieldNode:
		if rootDot && len(a.Ident) > 0 {
			seen[a.Ident[0]] = struct{}{}
		}
	case *parse.VariableNode:
		if len(a.Ident) > 1 && a.Ident[0] == "$" {
			seen[a.Ident[1]] = struct{}{}
		}
	case *parse.ChainNode:
		walkArg(a.Node, rootDot, seen)
	case *parse.PipeNode:
		walkPipe(a, rootDot, seen)
	}
}
