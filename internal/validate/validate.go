// Package validate checks JSON request bodies against embedded JSON Schemas and
// reports failures per field.
package validate

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Schema names accepted by Decode.
const (
	Register   = "register"
	Login      = "login"
	Resend     = "resend"
	Refresh    = "refresh"
	Profile    = "profile"
	TierChange = "tier_change"
)

// NonFieldErrors is the key for errors that do not belong to a single field.
const NonFieldErrors = "non_field_errors"

const (
	schemaBase   = "https://recipebox.app/schemas/"
	maxBodyBytes = 1 << 20
)

//go:embed schemas/*.json
var schemaFS embed.FS

// Error carries per-field messages for a rejected request body.
type Error struct {
	Fields map[string][]string
}

func (e *Error) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+strings.Join(e.Fields[k], "; "))
	}
	return "validation failed: " + strings.Join(parts, ", ")
}

// Add appends msg to the messages of field.
func (e *Error) Add(field, msg string) {
	if e.Fields == nil {
		e.Fields = make(map[string][]string)
	}
	e.Fields[field] = append(e.Fields[field], msg)
}

// FieldError builds an Error holding a single message.
func FieldError(field, msg string) *Error {
	e := &Error{}
	e.Add(field, msg)
	return e
}

type Validator struct {
	schemas map[string]*jsonschema.Schema
}

// New compiles every embedded schema.
func New() (*Validator, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020

	files, err := fs.Glob(schemaFS, "schemas/*.json")
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(files))
	for _, f := range files {
		data, err := schemaFS.ReadFile(f)
		if err != nil {
			return nil, fmt.Errorf("read %q: %w", f, err)
		}
		if err := c.AddResource(schemaBase+path.Base(f), bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("add schema %q: %w", f, err)
		}
		names = append(names, strings.TrimSuffix(path.Base(f), ".json"))
	}

	schemas := make(map[string]*jsonschema.Schema, len(names))
	for _, name := range names {
		s, err := c.Compile(schemaBase + name + ".json")
		if err != nil {
			return nil, fmt.Errorf("compile schema %q: %w", name, err)
		}
		schemas[name] = s
	}
	return &Validator{schemas: schemas}, nil
}

// MustNew is New for package-level wiring; the schemas are embedded so a failure
// is a build defect.
func MustNew() *Validator {
	v, err := New()
	if err != nil {
		panic(err)
	}
	return v
}

// Decode reads a JSON body, validates it against the named schema and decodes it
// into dst. Schema failures are returned as *Error.
func (v *Validator) Decode(r io.Reader, schema string, dst any) error {
	s, ok := v.schemas[schema]
	if !ok {
		return fmt.Errorf("unknown schema %q", schema)
	}
	body, err := io.ReadAll(io.LimitReader(r, maxBodyBytes))
	if err != nil {
		return FieldError(NonFieldErrors, "Could not read request body.")
	}
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return FieldError(NonFieldErrors, "Malformed JSON body.")
	}
	if err := s.Validate(doc); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return fromValidationError(ve)
		}
		return err
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return FieldError(NonFieldErrors, "Malformed JSON body.")
	}
	return nil
}

var quoted = regexp.MustCompile(`'([^']*)'`)

func fromValidationError(ve *jsonschema.ValidationError) *Error {
	out := &Error{}
	collect(out, ve)
	if len(out.Fields) == 0 {
		out.Add(NonFieldErrors, ve.Message)
	}
	return out
}

func collect(out *Error, ve *jsonschema.ValidationError) {
	if len(ve.Causes) > 0 {
		for _, c := range ve.Causes {
			collect(out, c)
		}
		return
	}
	field := fieldName(ve.InstanceLocation)
	switch {
	case strings.HasSuffix(ve.KeywordLocation, "/required"):
		for _, m := range quoted.FindAllStringSubmatch(ve.Message, -1) {
			out.Add(join(field, m[1]), "This field is required.")
		}
	case strings.HasSuffix(ve.KeywordLocation, "/additionalProperties"):
		for _, m := range quoted.FindAllStringSubmatch(ve.Message, -1) {
			out.Add(join(field, m[1]), "Unknown field.")
		}
	default:
		if field == "" {
			field = NonFieldErrors
		}
		out.Add(field, ve.Message)
	}
}

func fieldName(loc string) string {
	return strings.ReplaceAll(strings.TrimPrefix(loc, "/"), "/", ".")
}

func join(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "." + name
}
