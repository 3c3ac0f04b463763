package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// ErrInvalidDocument is returned for request bodies that are not storable documents.
var ErrInvalidDocument = errors.New("invalid document")

const documentSchemaJSON = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"minProperties": 1,
	"maxProperties": 256
}`

var documentSchema = mustCompileSchema(documentSchemaJSON)

func mustCompileSchema(src string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
	if err != nil {
		panic(fmt.Sprintf("api: invalid document schema: %v", err))
	}
	return schema
}

// validateDocument checks that body is a non-empty JSON object.
func validateDocument(body []byte) error {
	if !json.Valid(body) {
		return fmt.Errorf("%w: malformed JSON", ErrInvalidDocument)
	}

	result, err := documentSchema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}

	if !result.Valid() {
		var msgs []string
		for _, desc := range result.Errors() {
			msgs = append(msgs, desc.String())
		}
		return fmt.Errorf("%w: %s", ErrInvalidDocument, strings.Join(msgs, "; "))
	}
	return nil
}
