package ingest

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"idguard/internal/model"
	"idguard/internal/normalize"
)

//go:embed event.schema.json
var eventSchemaJSON []byte

const eventSchemaURL = "idguard://event.schema.json"

var (
	eventSchemaOnce sync.Once
	eventSchema     *jsonschema.Schema
	eventSchemaErr  error
)

func compiledEventSchema() (*jsonschema.Schema, error) {
	eventSchemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(eventSchemaURL, bytes.NewReader(eventSchemaJSON)); err != nil {
			eventSchemaErr = fmt.Errorf("add event schema: %w", err)
			return
		}
		eventSchema, eventSchemaErr = compiler.Compile(eventSchemaURL)
	})
	return eventSchema, eventSchemaErr
}

// ValidateEventJSON checks an inbound event document against the event schema.
func ValidateEventJSON(data []byte) error {
	schema, err := compiledEventSchema()
	if err != nil {
		return err
	}
	var instance any
	if err := json.Unmarshal(data, &instance); err != nil {
		return fmt.Errorf("decode json event: %w", err)
	}
	if err := schema.Validate(instance); err != nil {
		return fmt.Errorf("event schema: %w", err)
	}
	return nil
}

// decodeEventJSON is the shared path for JSON events from Kafka and HTTP.
func decodeEventJSON(normalizer *normalize.Normalizer, value []byte) (model.NormalizedEvent, error) {
	if err := ValidateEventJSON(value); err != nil {
		return model.NormalizedEvent{}, err
	}
	rec, err := RecordFromJSON(value)
	if err != nil {
		return model.NormalizedEvent{}, err
	}
	return normalizer.Normalize(rec)
}
