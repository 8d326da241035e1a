package schema

import (
	"fmt"
	"os"
	"path/filepath"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"cuelang.org/go/cue/token"
)

// CompileError represents a type declaration error with source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// LoadDir loads every .cue file of dir as one CUE instance and compiles
// the "types" struct it declares.
func LoadDir(dir string) (*Registry, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("types directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("not a directory: %s", dir)
	}
	files, err := filepath.Glob(filepath.Join(dir, "*.cue"))
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no CUE files found in %s", dir)
	}

	ctx := cuecontext.New()
	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return nil, fmt.Errorf("no CUE instances loaded from %s", dir)
	}
	inst := instances[0]
	if inst.Err != nil {
		return nil, formatCUEError(inst.Err)
	}
	value := ctx.BuildInstance(inst)
	if err := value.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	return Compile(value)
}

// CompileString compiles type declarations from CUE source.
func CompileString(src string) (*Registry, error) {
	value := cuecontext.New().CompileString(src, cue.Filename("types.cue"))
	if err := value.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	return Compile(value)
}

// Compile parses the "types" struct of a CUE value into a Registry.
//
//	types: Target: {
//		collection: "targets"
//		rev_links: reverse: {type: "Source", field: "target"}
//	}
func Compile(v cue.Value) (*Registry, error) {
	typesVal := v.LookupPath(cue.ParsePath("types"))
	if !typesVal.Exists() {
		return nil, &CompileError{Field: "types", Message: "types is required", Pos: v.Pos()}
	}
	iter, err := typesVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}
	var types []*Type
	for iter.Next() {
		t, err := compileType(iter.Label(), iter.Value())
		if err != nil {
			return nil, err
		}
		types = append(types, t)
	}
	return NewRegistry(types...)
}

func compileType(name string, v cue.Value) (*Type, error) {
	t := &Type{
		Name:  name,
		Links: make(map[string]LinkField),
		ACL:   make(map[string][]string),
	}
	var err error

	if t.Collection, err = optionalString(v, "collection"); err != nil {
		return nil, err
	}
	if depth := v.LookupPath(cue.ParsePath("max_embed_depth")); depth.Exists() {
		n, err := depth.Int64()
		if err != nil {
			return nil, formatCUEError(err)
		}
		if n < 1 {
			return nil, &CompileError{Field: "types." + name + ".max_embed_depth", Message: "must be at least 1", Pos: depth.Pos()}
		}
		t.MaxEmbedDepth = int(n)
	}

	if err := eachField(v, "links", func(field string, fv cue.Value) error {
		lf := LinkField{Name: field}
		if target, err := fv.String(); err == nil {
			lf.Target = target
		} else {
			targets, err := stringList(fv)
			if err != nil || len(targets) != 1 {
				return &CompileError{Field: "types." + name + ".links." + field, Message: `must be "Type" or ["Type"]`, Pos: fv.Pos()}
			}
			lf.Target = targets[0]
			lf.Many = true
		}
		if lf.Target == "*" {
			lf.Target = ""
		}
		t.Links[field] = lf
		return nil
	}); err != nil {
		return nil, err
	}

	if t.Embedded, err = optionalStringList(v, "embedded"); err != nil {
		return nil, err
	}
	if t.Required, err = optionalStringList(v, "required"); err != nil {
		return nil, err
	}
	if excluded := v.LookupPath(cue.ParsePath("excluded_statuses")); excluded.Exists() {
		if t.ExcludedStatuses, err = stringList(excluded); err != nil {
			return nil, err
		}
		if t.ExcludedStatuses == nil {
			t.ExcludedStatuses = []string{}
		}
	}

	if err := eachField(v, "rev_links", func(rel string, fv cue.Value) error {
		src, err := requiredString(fv, "type")
		if err != nil {
			return err
		}
		field, err := requiredString(fv, "field")
		if err != nil {
			return err
		}
		t.RevLinks = append(t.RevLinks, RevLink{Name: rel, SourceType: src, Field: field})
		return nil
	}); err != nil {
		return nil, err
	}

	if err := eachField(v, "aggregations", func(agg string, fv cue.Value) error {
		source, err := requiredString(fv, "source")
		if err != nil {
			return err
		}
		fields, err := optionalStringList(fv, "fields")
		if err != nil {
			return err
		}
		if len(fields) == 0 {
			return &CompileError{Field: "types." + name + ".aggregations." + agg, Message: "fields must not be empty", Pos: fv.Pos()}
		}
		t.Aggregations = append(t.Aggregations, Aggregation{Name: agg, Source: source, Fields: fields})
		return nil
	}); err != nil {
		return nil, err
	}

	if keys := v.LookupPath(cue.ParsePath("unique_keys")); keys.Exists() {
		list, err := keys.List()
		if err != nil {
			return nil, formatCUEError(err)
		}
		for list.Next() {
			kv := list.Value()
			key := UniqueKey{}
			if key.Name, err = requiredString(kv, "name"); err != nil {
				return nil, err
			}
			if key.Field, err = requiredString(kv, "field"); err != nil {
				return nil, err
			}
			if p := kv.LookupPath(cue.ParsePath("path")); p.Exists() {
				if key.Path, err = p.Bool(); err != nil {
					return nil, formatCUEError(err)
				}
			}
			t.UniqueKeys = append(t.UniqueKeys, key)
		}
	}

	if err := eachField(v, "acl", func(status string, fv cue.Value) error {
		principals, err := stringList(fv)
		if err != nil {
			return err
		}
		t.ACL[status] = principals
		return nil
	}); err != nil {
		return nil, err
	}

	return t, nil
}

// eachField calls fn for every field of the struct at path, if present.
// Struct fields are visited in declaration order.
func eachField(v cue.Value, path string, fn func(label string, fv cue.Value) error) error {
	sv := v.LookupPath(cue.ParsePath(path))
	if !sv.Exists() {
		return nil
	}
	iter, err := sv.Fields()
	if err != nil {
		return formatCUEError(err)
	}
	for iter.Next() {
		if err := fn(iter.Label(), iter.Value()); err != nil {
			return err
		}
	}
	return nil
}

func requiredString(v cue.Value, field string) (string, error) {
	fv := v.LookupPath(cue.ParsePath(field))
	if !fv.Exists() {
		return "", &CompileError{Field: field, Message: field + " is required", Pos: v.Pos()}
	}
	s, err := fv.String()
	if err != nil {
		return "", formatCUEError(err)
	}
	return s, nil
}

func optionalString(v cue.Value, field string) (string, error) {
	fv := v.LookupPath(cue.ParsePath(field))
	if !fv.Exists() {
		return "", nil
	}
	s, err := fv.String()
	if err != nil {
		return "", formatCUEError(err)
	}
	return s, nil
}

func optionalStringList(v cue.Value, field string) ([]string, error) {
	fv := v.LookupPath(cue.ParsePath(field))
	if !fv.Exists() {
		return nil, nil
	}
	return stringList(fv)
}

func stringList(v cue.Value) ([]string, error) {
	iter, err := v.List()
	if err != nil {
		return nil, formatCUEError(err)
	}
	var out []string
	for iter.Next() {
		s, err := iter.Value().String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		out = append(out, s)
	}
	return out, nil
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}
	first := errs[0]
	if positions := errors.Positions(first); len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: first.Error(),
			Pos:     positions[0],
		}
	}
	return err
}
