package persistence

import (
	"encoding/json"

	"github.com/petrijr/flough/pkg/api"
)

// EncodeRecord serializes a record as a JSON document. Nil collections are
// written as empty ones so field-path updates always find a container.
func EncodeRecord(rec *api.FlowRecord) ([]byte, error) {
	cp := *rec
	if cp.Ancestors == nil {
		cp.Ancestors = api.Ancestors{}
	}
	for step, subs := range cp.Ancestors {
		if subs == nil {
			cp.Ancestors[step] = map[int]api.Ancestor{}
		}
	}
	if cp.SubstepsTaken == nil {
		cp.SubstepsTaken = []int{}
	}
	if cp.Data == nil {
		cp.Data = map[string]any{}
	}
	if cp.Logs == nil {
		cp.Logs = []string{}
	}
	return json.Marshal(&cp)
}

// DecodeRecord parses a JSON document produced by EncodeRecord (and possibly
// patched by ApplyUpdate).
func DecodeRecord(data []byte) (*api.FlowRecord, error) {
	if len(data) == 0 {
		return nil, ErrFlowNotFound
	}
	var rec api.FlowRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	if rec.Ancestors == nil {
		rec.Ancestors = api.Ancestors{}
	}
	if rec.SubstepsTaken == nil {
		rec.SubstepsTaken = []int{}
	}
	if rec.Data == nil {
		rec.Data = map[string]any{}
	}
	return &rec, nil
}

// EncodeValue serializes a single value as JSON.
func EncodeValue(v any) ([]byte, error) {
	return json.Marshal(v)
}

// DecodeValue parses JSON into T. Empty input yields the zero value.
func DecodeValue[T any](data []byte) (T, error) {
	var v T
	if len(data) == 0 {
		return v, nil
	}
	err := json.Unmarshal(data, &v)
	return v, err
}
