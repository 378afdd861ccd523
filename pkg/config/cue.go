package config

import (
	_ "embed"
	"fmt"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"

	"github.com/openfroyo/virtsync/pkg/engine"
)

//go:embed schema.cue
var schemaSource string

// CUEToJSON evaluates a CUE configuration, checks it against the #Config
// schema and returns it as JSON for Parse. Every schema violation is
// reported as a detail of one VALIDATION_ERROR keyed by its field path.
func CUEToJSON(filename string, data []byte) ([]byte, error) {
	ctx := cuecontext.New()

	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, engine.NewPermanentError("failed to compile config schema", err).
			WithCode(engine.ErrCodeInternal)
	}

	val := ctx.CompileBytes(data, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return nil, cueError("failed to parse config", engine.ErrCodeParse, filename, err)
	}

	unified := schema.LookupPath(cue.ParsePath("#Config")).Unify(val)
	if err := unified.Validate(cue.Concrete(true), cue.Final()); err != nil {
		return nil, cueError("invalid config", engine.ErrCodeValidation, filename, err)
	}

	out, err := unified.MarshalJSON()
	if err != nil {
		return nil, cueError("failed to export config", engine.ErrCodeValidation, filename, err)
	}
	return out, nil
}

func cueError(msg, code, filename string, err error) *engine.EngineError {
	e := engine.NewPermanentError(msg, err).WithCode(code).WithResource(filename)
	for _, ce := range cueerrors.Errors(err) {
		key := strings.Join(ce.Path(), ".")
		if key == "" {
			if pos := cueerrors.Positions(ce); len(pos) > 0 {
				key = fmt.Sprintf("%d:%d", pos[0].Line(), pos[0].Column())
			}
		}
		format, args := ce.Msg()
		e.WithDetail(key, fmt.Sprintf(format, args...))
	}
	return e
}
