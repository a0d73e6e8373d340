// Package ledger is the append-only, cryptographically signed impact
// ledger. Its public surface offers no update or delete operation at all:
// once a record is written it can only be superseded by a new row, so
// immutability is a property of the type, not of a runtime guard.
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/text/language"

	"github.com/Haldane-Systems/veriground/core/pkg/canonicalize"
)

var (
	// ErrDuplicateRecord is returned when (business_key, model_version)
	// already exists. Corrections are new rows, never overwrites.
	ErrDuplicateRecord = errors.New("ledger: duplicate impact record")
	// ErrRecordNotFound is returned for an unknown record ID.
	ErrRecordNotFound = errors.New("ledger: record not found")
)

// Event is one inbound unit of measured impact, before signing.
type Event struct {
	BusinessKey      string               `json:"business_key"`
	ModelVersion     string               `json:"model_version"`
	MeasuredQuantity canonicalize.Decimal `json:"measured_quantity"`
	RegionCode       string               `json:"region_code"`
	CorrelationID    string               `json:"correlation_id,omitempty"`
	EventTimestamp   time.Time            `json:"event_timestamp"`
}

// eventSchema validates inbound event JSON before it is trusted. Quantities
// must arrive as strings so binary floating point never enters the system.
const eventSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["business_key", "model_version", "measured_quantity", "region_code", "event_timestamp"],
	"properties": {
		"business_key":      {"type": "string", "minLength": 1},
		"model_version":     {"type": "string", "minLength": 1},
		"measured_quantity": {"type": "string", "pattern": "^[+-]?[0-9]+(\\.[0-9]+)?$"},
		"region_code":       {"type": "string", "minLength": 2, "maxLength": 3},
		"correlation_id":    {"type": "string"},
		"event_timestamp":   {"type": "string", "format": "date-time"}
	},
	"additionalProperties": false
}`

var compiledEventSchema = jsonschema.MustCompileString("impact-event.json", eventSchema)

// ParseEvent validates raw inbound JSON against the event schema and
// decodes it.
func ParseEvent(raw []byte) (Event, error) {
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return Event{}, fmt.Errorf("ledger: event is not valid JSON: %w", err)
	}
	if err := compiledEventSchema.Validate(generic); err != nil {
		return Event{}, fmt.Errorf("ledger: event failed schema validation: %w", err)
	}
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return Event{}, fmt.Errorf("ledger: decode event: %w", err)
	}
	return ev, nil
}

// Validate checks struct-level constraints, including ISO region codes.
func (e Event) Validate() error {
	if strings.TrimSpace(e.BusinessKey) == "" {
		return errors.New("ledger: business_key is required")
	}
	if strings.TrimSpace(e.ModelVersion) == "" {
		return errors.New("ledger: model_version is required")
	}
	if e.EventTimestamp.IsZero() {
		return errors.New("ledger: event_timestamp is required")
	}
	if _, err := language.ParseRegion(e.RegionCode); err != nil {
		return fmt.Errorf("ledger: invalid region code %q: %w", e.RegionCode, err)
	}
	return nil
}

// canonicalRegion normalizes a region code ("de" -> "DE").
func canonicalRegion(code string) (string, error) {
	r, err := language.ParseRegion(code)
	if err != nil {
		return "", err
	}
	return r.String(), nil
}

// ImpactRecord is one signed, immutable unit of measured impact.
type ImpactRecord struct {
	ID                string               `json:"id"`
	BusinessKey       string               `json:"business_key"`
	ModelVersion      string               `json:"model_version"`
	MeasuredQuantity  canonicalize.Decimal `json:"measured_quantity"`
	DerivedQuantity   canonicalize.Decimal `json:"derived_quantity"`
	RegionCode        string               `json:"region_code"`
	EventHash         string               `json:"event_hash"`
	Checksum          string               `json:"checksum"`
	HMACSignature     string               `json:"hmac_signature"`
	HMACKeyVersion    string               `json:"hmac_key_version"`
	Ed25519Signature  string               `json:"ed25519_signature"`
	Ed25519KeyVersion string               `json:"ed25519_key_version"`
	CorrelationID     string               `json:"correlation_id,omitempty"`
	EventTimestamp    time.Time            `json:"event_timestamp"`
	CreatedAt         time.Time            `json:"created_at"`
}

// payloadFields is the content that event_hash commits to.
func payloadFields(id string, ev Event, derived canonicalize.Decimal, region string) map[string]interface{} {
	return map[string]interface{}{
		"id":                id,
		"business_key":      ev.BusinessKey,
		"model_version":     ev.ModelVersion,
		"measured_quantity": ev.MeasuredQuantity,
		"derived_quantity":  derived,
		"region_code":       region,
		"correlation_id":    ev.CorrelationID,
		"event_timestamp":   ev.EventTimestamp.UTC().Format(time.RFC3339Nano),
	}
}

// ChecksumOf binds the event hash to its business identity.
func ChecksumOf(eventHash, businessKey, modelVersion, regionCode string) (string, error) {
	return canonicalize.CanonicalHash(map[string]string{
		"event_hash":    eventHash,
		"business_key":  businessKey,
		"model_version": modelVersion,
		"region_code":   regionCode,
	})
}
