package source

import (
	"fmt"
	"os"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
)

// DefinitionName is the CUE definition every row is unified with.
const DefinitionName = "#Record"

// Constraint validates rows against a CUE definition.
//
// Example schema file:
//
//	#Record: {
//		tracking_num: =~"^[A-Z0-9-]+$"
//		status:       "pending" | "shipped" | "delivered" | "returned"
//		...
//	}
//
// All row values are strings. Definitions are closed, so a file without
// "..." rejects unknown columns.
//
// A Constraint is not safe for concurrent use.
type Constraint struct {
	ctx *cue.Context
	def cue.Value
}

// LoadConstraint compiles the CUE file at path.
func LoadConstraint(path string) (*Constraint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema %s: %w", path, err)
	}
	return CompileConstraint(path, data)
}

// CompileConstraint compiles CUE source. filename is used in error positions.
func CompileConstraint(filename string, src []byte) (*Constraint, error) {
	ctx := cuecontext.New()
	v := ctx.CompileBytes(src, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return nil, fmt.Errorf("compile schema %s: %s", filename, errors.Details(err, nil))
	}

	def := v.LookupPath(cue.ParsePath(DefinitionName))
	if !def.Exists() {
		return nil, fmt.Errorf("schema %s: definition %s not found", filename, DefinitionName)
	}
	return &Constraint{ctx: ctx, def: def}, nil
}

// Validate checks one row. The error names the failing fields.
func (c *Constraint) Validate(row map[string]string) error {
	v := c.ctx.Encode(row)
	if err := v.Err(); err != nil {
		return fmt.Errorf("encode row: %w", err)
	}
	u := c.def.Unify(v)
	if err := u.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("constraint %s: %s", DefinitionName, errors.Details(err, nil))
	}
	return nil
}
