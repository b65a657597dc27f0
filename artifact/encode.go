package artifact

import (
	"bytes"
	stdjson "encoding/json"
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"gqlbuild/cas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type elementJSON struct {
	ID       string              `json:"id"`
	Type     Kind                `json:"type"`
	Prebuild jsoniter.RawMessage `json:"prebuild"`
	Metadata Metadata            `json:"metadata"`
}

// MarshalJSON encodes the element with its prebuild payload inline.
func (e Element) MarshalJSON() ([]byte, error) {
	if e.Prebuild == nil {
		return nil, fmt.Errorf("element %s has no prebuild payload", e.ID)
	}
	prebuild, err := json.Marshal(e.Prebuild)
	if err != nil {
		return nil, fmt.Errorf("encoding prebuild of %s: %w", e.ID, err)
	}
	return json.Marshal(elementJSON{ID: e.ID, Type: e.Type, Prebuild: prebuild, Metadata: e.Metadata})
}

// UnmarshalJSON decodes the prebuild payload into the variant named by type.
func (e *Element) UnmarshalJSON(data []byte) error {
	var raw elementJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	def, err := DecodeDefinition(raw.Type, raw.Prebuild)
	if err != nil {
		return fmt.Errorf("element %s: %w", raw.ID, err)
	}
	*e = Element{ID: raw.ID, Type: raw.Type, Prebuild: def, Metadata: raw.Metadata}
	return nil
}

// DecodeDefinition decodes a prebuild payload of the given kind.
func DecodeDefinition(kind Kind, data []byte) (Definition, error) {
	switch kind {
	case KindModel:
		var d Model
		if err := json.Unmarshal(data, &d); err != nil {
			return nil, err
		}
		return d, nil
	case KindFragment:
		var d Fragment
		if err := json.Unmarshal(data, &d); err != nil {
			return nil, err
		}
		return d, nil
	case KindSlice:
		var d Slice
		if err := json.Unmarshal(data, &d); err != nil {
			return nil, err
		}
		return d, nil
	case KindOperation:
		var d Operation
		if err := json.Unmarshal(data, &d); err != nil {
			return nil, err
		}
		if d.VariableNames == nil {
			d.VariableNames = []string{}
		}
		return d, nil
	default:
		return nil, fmt.Errorf("unknown element type %q", kind)
	}
}

type artifactJSON struct {
	Elements map[string]Element `json:"elements"`
	Report   Report             `json:"report"`
}

// MarshalJSON encodes the artifact. Element keys are emitted in sorted order.
func (a *Artifact) MarshalJSON() ([]byte, error) {
	elements := a.Elements
	if elements == nil {
		elements = map[string]Element{}
	}
	report := a.Report
	if report.Warnings == nil {
		report.Warnings = []Warning{}
	}
	return json.Marshal(artifactJSON{Elements: elements, Report: report})
}

// UnmarshalJSON decodes an artifact produced by MarshalJSON.
func (a *Artifact) UnmarshalJSON(data []byte) error {
	var raw artifactJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.Elements == nil {
		raw.Elements = make(map[string]Element)
	}
	a.Elements = raw.Elements
	a.Report = raw.Report
	return nil
}

// Encode returns the indented JSON form written to artifact.json.
func Encode(a *Artifact) ([]byte, error) {
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("encoding artifact: %w", err)
	}
	var out bytes.Buffer
	if err := stdjson.Indent(&out, data, "", "  "); err != nil {
		return nil, fmt.Errorf("indenting artifact: %w", err)
	}
	out.WriteByte('\n')
	return out.Bytes(), nil
}

// Decode parses the output of Encode.
func Decode(data []byte) (*Artifact, error) {
	a := New()
	if err := json.Unmarshal(data, a); err != nil {
		return nil, fmt.Errorf("decoding artifact: %w", err)
	}
	return a, nil
}

// PrebuildDigest hashes the element's type and canonical prebuild encoding.
func PrebuildDigest(e Element) (string, error) {
	return cas.ValueDigest(string(e.Type), e.Prebuild)
}
