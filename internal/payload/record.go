package payload

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

type Kind int

const (
	// KindEmpty is anything that is not a recognizable record, including a
	// missing document.
	KindEmpty Kind = iota
	// KindLegacyBare is a payload stored directly at the cloud path.
	KindLegacyBare
	// KindLegacyWrapped is a record without echo-suppression fields.
	KindLegacyWrapped
	KindCurrent
)

func (k Kind) String() string {
	switch k {
	case KindCurrent:
		return "current"
	case KindLegacyWrapped:
		return "legacy-wrapped"
	case KindLegacyBare:
		return "legacy-bare"
	default:
		return "empty"
	}
}

// Record is a decoded cloud document. WriteID and OriginClientID are only set
// for KindCurrent.
type Record struct {
	Kind           Kind
	Version        int
	UpdatedAt      string
	WriteID        string
	OriginClientID string
	Payload        CloudPayload
}

func (r Record) Exists() bool {
	return r.Kind != KindEmpty
}

//go:embed schema/*.json
var schemaFS embed.FS

type recordSchemas struct {
	current *jsonschema.Schema
	wrapped *jsonschema.Schema
	bare    *jsonschema.Schema
}

var (
	schemasOnce sync.Once
	schemas     recordSchemas
	schemasErr  error
)

func loadSchemas() (recordSchemas, error) {
	schemasOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compile := func(name string) (*jsonschema.Schema, error) {
			raw, err := schemaFS.ReadFile("schema/" + name)
			if err != nil {
				return nil, err
			}
			doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
			if err != nil {
				return nil, fmt.Errorf("parse schema %s: %w", name, err)
			}
			if err := compiler.AddResource(name, doc); err != nil {
				return nil, fmt.Errorf("add schema %s: %w", name, err)
			}
			return compiler.Compile(name)
		}
		var out recordSchemas
		if out.current, schemasErr = compile("record.json"); schemasErr != nil {
			return
		}
		if out.wrapped, schemasErr = compile("legacy_wrapped.json"); schemasErr != nil {
			return
		}
		if out.bare, schemasErr = compile("legacy_bare.json"); schemasErr != nil {
			return
		}
		schemas = out
	})
	return schemas, schemasErr
}

// DecodeRecord parses a cloud document by trying the current record schema,
// then the legacy wrapped shape, then a bare legacy payload. Anything else
// decodes to KindEmpty with an empty payload.
func DecodeRecord(raw []byte) Record {
	empty := Record{Kind: KindEmpty, Version: CurrentVersion, Payload: Empty()}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return empty
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return empty
	}
	compiled, err := loadSchemas()
	if err != nil {
		return empty
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return empty
	}
	switch {
	case compiled.current.Validate(instance) == nil:
		return Record{
			Kind:           KindCurrent,
			Version:        envelopeVersion(envelope["version"]),
			UpdatedAt:      envelopeString(envelope["updatedAt"]),
			WriteID:        envelopeString(envelope["writeId"]),
			OriginClientID: envelopeString(envelope["originClientId"]),
			Payload:        Normalize(envelope["payload"]),
		}
	case compiled.wrapped.Validate(instance) == nil:
		return Record{
			Kind:      KindLegacyWrapped,
			Version:   1,
			UpdatedAt: envelopeString(envelope["updatedAt"]),
			Payload:   Normalize(envelope["payload"]),
		}
	case compiled.bare.Validate(instance) == nil:
		p := Normalize(json.RawMessage(raw))
		return Record{
			Kind:      KindLegacyBare,
			Version:   1,
			UpdatedAt: p.UpdatedAt,
			Payload:   p,
		}
	}
	return empty
}

func envelopeVersion(raw json.RawMessage) int {
	var v int
	if err := json.Unmarshal(raw, &v); err != nil || v < 1 {
		return CurrentVersion
	}
	return v
}

func envelopeString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}
