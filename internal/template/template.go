package template

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Part names a rendered piece of a message
type Part string

const (
	PartSubject Part = "subject"
	PartText    Part = "text"
	PartHTML    Part = "html"
)

// Parts lists all parts in render order
var Parts = []Part{PartSubject, PartText, PartHTML}

// Template holds the raw template strings. Empty parts are skipped at render time.
type Template struct {
	Subject string `json:"subject,omitempty" yaml:"subject"`
	Text    string `json:"text,omitempty" yaml:"text"`
	HTML    string `json:"html,omitempty" yaml:"html"`
}

// Source returns the template string of a part
func (t Template) Source(p Part) string {
	switch p {
	case PartSubject:
		return t.Subject
	case PartText:
		return t.Text
	case PartHTML:
		return t.HTML
	}
	return ""
}

// IsEmpty reports whether no part has a template
func (t Template) IsEmpty() bool {
	return t.Subject == "" && t.Text == "" && t.HTML == ""
}

// Result maps each rendered part to its output. Only parts with a template are present.
type Result map[Part]string

// Subject returns the rendered subject
func (r Result) Subject() string { return r[PartSubject] }

// Text returns the rendered plain text body
func (r Result) Text() string { return r[PartText] }

// HTML returns the rendered HTML body
func (r Result) HTML() string { return r[PartHTML] }

// Has reports whether the part was rendered
func (r Result) Has(p Part) bool {
	_, ok := r[p]
	return ok
}

// ErrorKind classifies a render failure
type ErrorKind string

const (
	KindUndefined ErrorKind = "undefined"
	KindSyntax    ErrorKind = "syntax"
	KindExec      ErrorKind = "exec"
)

// TemplateRenderError is returned when a part fails to parse or execute
type TemplateRenderError struct {
	Part       Part
	Kind       ErrorKind
	Identifier string // set for KindUndefined
	Err        error
}

func (e *TemplateRenderError) Error() string {
	switch e.Kind {
	case KindUndefined:
		return fmt.Sprintf("template rendering failed (%s template): undefined variable %q: %v", e.Part, e.Identifier, e.Err)
	case KindSyntax:
		return fmt.Sprintf("template rendering failed (%s template): syntax error: %v", e.Part, e.Err)
	default:
		return fmt.Sprintf("template rendering failed (%s template): %v", e.Part, e.Err)
	}
}

func (e *TemplateRenderError) Unwrap() error {
	return e.Err
}

// IsUndefined reports whether err is a render error caused by an undefined variable
func IsUndefined(err error) bool {
	var re *TemplateRenderError
	return errors.As(err, &re) && re.Kind == KindUndefined
}

// undefinedFuncPattern matches the parse error for an unknown identifier
var undefinedFuncPattern = regexp.MustCompile(`function "([^"]*)" not defined`)

// newParseError classifies a parse failure. A bare {{ name }} without the
// leading dot parses as a call to an unknown function; it is reported as an
// undefined variable so the identifier reaches the caller.
func newParseError(part Part, src string, err error) *TemplateRenderError {
	if m := undefinedFuncPattern.FindStringSubmatch(err.Error()); m != nil && isBareIdentifier(src, m[1]) {
		return &TemplateRenderError{Part: part, Kind: KindUndefined, Identifier: m[1], Err: err}
	}
	return &TemplateRenderError{Part: part, Kind: KindSyntax, Err: err}
}

// isBareIdentifier reports whether name is used as a whole action, optionally
// piped or tested by if/with, rather than called with arguments
func isBareIdentifier(src, name string) bool {
	re := regexp.MustCompile(`\{\{-?\s*(?:(?:if|with)\s+)?` + regexp.QuoteMeta(name) + `\s*(?:\||-?\}\})`)
	return re.MatchString(src)
}

// missingKeyPattern matches the text/template error for a missing map key
var missingKeyPattern = regexp.MustCompile(`map has no entry for key "([^"]*)"`)

func newExecError(part Part, err error) *TemplateRenderError {
	if m := missingKeyPattern.FindStringSubmatch(err.Error()); m != nil {
		return &TemplateRenderError{Part: part, Kind: KindUndefined, Identifier: m[1], Err: err}
	}
	// html/template reports escaping problems on first execution
	if strings.Contains(err.Error(), "html/template:") && !strings.Contains(err.Error(), "executing") {
		return &TemplateRenderError{Part: part, Kind: KindSyntax, Err: err}
	}
	return &TemplateRenderError{Part: part, Kind: KindExec, Err: err}
}
