package api

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"ridernav/internal/apperr"
)

//go:embed schemas/job.json
var jobSchema []byte

func compileIntakeSchema() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat = true
	if err := compiler.AddResource("job.json", bytes.NewReader(jobSchema)); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	return compiler.Compile("job.json")
}

// validateIntake checks a raw job body against the intake schema.
func (s *Server) validateIntake(body []byte) error {
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return apperr.E(apperr.Validation, "job intake", err)
	}
	if err := s.intake.Validate(v); err != nil {
		return apperr.E(apperr.Validation, "job intake", err)
	}
	return nil
}
