package mbus

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

const chapterTranscodeRequestSchemaDefinition = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["chapter", "bitrates", "priority"],
	"properties": {
		"chapter": {
			"type": "object",
			"required": ["id", "file_path"],
			"properties": {
				"id": {"type": "string", "minLength": 1},
				"audiobook_id": {"type": "string"},
				"title": {"type": "string"},
				"description": {"type": "string"},
				"chapter_number": {"type": "integer", "minimum": 0},
				"duration": {"type": "number", "minimum": 0},
				"file_path": {"type": "string", "minLength": 1},
				"file_size": {"type": "integer", "minimum": 0},
				"start_position": {"type": "number"},
				"end_position": {"type": "number"}
			}
		},
		"bitrates": {
			"type": "array",
			"minItems": 1,
			"items": {"type": "integer", "minimum": 1}
		},
		"priority": {"type": "string", "enum": ["high", "normal", "low"]},
		"user_id": {"type": "string"},
		"retry_count": {"type": "integer", "minimum": 0},
		"timestamp": {"type": "string"}
	}
}`

var chapterTranscodeRequestSchema = compileSchema(chapterTranscodeRequestSchemaDefinition)

func compileSchema(text string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(text))
	if err != nil {
		// raise panic on program start; fix schema text
		panic(err)
	}
	return schema
}

// ValidateTranscodeRequest checks a raw intake message body against the
// request schema before it is decoded.
func ValidateTranscodeRequest(body []byte) error {
	result, err := chapterTranscodeRequestSchema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return fmt.Errorf("error validating intake message: %w", err)
	}
	if !result.Valid() {
		sb := strings.Builder{}
		for _, e := range result.Errors() {
			sb.WriteString(e.String())
			sb.WriteString("; ")
		}
		return fmt.Errorf("invalid intake message: %s", sb.String())
	}
	return nil
}
