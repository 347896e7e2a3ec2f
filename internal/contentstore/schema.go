package contentstore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Change notifications arrive from outside this process; the shape is
// checked against a schema before anything trusts it.
const notificationSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"key": {"type": "string", "minLength": 1},
		"content": {"type": "string"}
	},
	"required": ["key", "content"],
	"additionalProperties": true
}`

var (
	notificationSchemaOnce sync.Once
	notificationSchema     *jsonschema.Schema
	notificationSchemaErr  error
)

func compiledNotificationSchema() (*jsonschema.Schema, error) {
	notificationSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(notificationSchemaJSON))
		if err != nil {
			notificationSchemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("notification.json", doc); err != nil {
			notificationSchemaErr = err
			return
		}
		notificationSchema, notificationSchemaErr = compiler.Compile("notification.json")
	})
	return notificationSchema, notificationSchemaErr
}

func parseNotification(payload []byte) (changeNotification, error) {
	schema, err := compiledNotificationSchema()
	if err != nil {
		return changeNotification{}, fmt.Errorf("notification schema unavailable: %w", err)
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return changeNotification{}, err
	}
	if err := schema.Validate(instance); err != nil {
		return changeNotification{}, err
	}
	var notification changeNotification
	if err := json.Unmarshal(payload, &notification); err != nil {
		return changeNotification{}, err
	}
	return notification, nil
}
