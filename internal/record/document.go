package record

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// Field keys of the persisted document, in column order.
const (
	KeyInstruction       = "instruction"
	KeyResponse          = "response"
	KeyCategory          = "category"
	KeyEvolutionStrategy = "evolution_strategy"
	KeyOperation         = "in_depth_evolving_operation"
	KeyEpoch             = "epoch"
)

// Keys lists every document key in the order they are written.
var Keys = []string{KeyInstruction, KeyResponse, KeyCategory, KeyEvolutionStrategy, KeyOperation, KeyEpoch}

// Document is the column-oriented persisted form of a store: one slice per
// field, index aligned, so element i of every column belongs to record i.
type Document struct {
	Instruction       []string `json:"instruction"`
	Response          []string `json:"response"`
	Category          []string `json:"category"`
	EvolutionStrategy []string `json:"evolution_strategy"`
	Operation         []string `json:"in_depth_evolving_operation"`
	Epoch             []int    `json:"epoch"`
}

// NewDocument builds the column document for recs.
func NewDocument(recs []Record) Document {
	n := len(recs)
	d := Document{
		Instruction:       make([]string, 0, n),
		Response:          make([]string, 0, n),
		Category:          make([]string, 0, n),
		EvolutionStrategy: make([]string, 0, n),
		Operation:         make([]string, 0, n),
		Epoch:             make([]int, 0, n),
	}
	for _, r := range recs {
		d.Instruction = append(d.Instruction, r.Instruction)
		d.Response = append(d.Response, r.Response)
		d.Category = append(d.Category, r.Category)
		d.EvolutionStrategy = append(d.EvolutionStrategy, r.EvolutionStrategy)
		d.Operation = append(d.Operation, r.Operation)
		d.Epoch = append(d.Epoch, r.Epoch)
	}
	return d
}

// Len returns the number of records, assuming the document is aligned.
func (d Document) Len() int { return len(d.Epoch) }

// Column returns the column for key as a generic slice, or false when key is unknown.
func (d Document) Column(key string) ([]any, bool) {
	var out []any
	switch key {
	case KeyInstruction:
		out = strAny(d.Instruction)
	case KeyResponse:
		out = strAny(d.Response)
	case KeyCategory:
		out = strAny(d.Category)
	case KeyEvolutionStrategy:
		out = strAny(d.EvolutionStrategy)
	case KeyOperation:
		out = strAny(d.Operation)
	case KeyEpoch:
		out = make([]any, len(d.Epoch))
		for i, e := range d.Epoch {
			out[i] = e
		}
	default:
		return nil, false
	}
	return out, true
}

func strAny(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

// Records converts the document back into rows. It fails with
// ErrInvalidRecord when the columns are not aligned or an epoch is negative.
func (d Document) Records() ([]Record, error) {
	n := len(d.Epoch)
	lens := map[string]int{
		KeyInstruction:       len(d.Instruction),
		KeyResponse:          len(d.Response),
		KeyCategory:          len(d.Category),
		KeyEvolutionStrategy: len(d.EvolutionStrategy),
		KeyOperation:         len(d.Operation),
	}
	for _, k := range Keys[:len(Keys)-1] {
		if lens[k] != n {
			return nil, fmt.Errorf("%w: column %q has %d entries, %q has %d", ErrInvalidRecord, k, lens[k], KeyEpoch, n)
		}
	}
	out := make([]Record, 0, n)
	for i := 0; i < n; i++ {
		r := Record{
			Instruction:       d.Instruction[i],
			Response:          d.Response[i],
			Category:          d.Category[i],
			EvolutionStrategy: d.EvolutionStrategy[i],
			Operation:         d.Operation[i],
			Epoch:             d.Epoch[i],
		}
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		out = append(out, r)
	}
	return out, nil
}

// Encode writes d as JSON to w.
func (d Document) Encode(w io.Writer) error {
	return json.NewEncoder(w).Encode(d.normalized())
}

// normalized replaces nil columns with empty ones so an empty store is
// written as arrays, not nulls.
func (d Document) normalized() Document {
	if d.Instruction == nil {
		d.Instruction = []string{}
	}
	if d.Response == nil {
		d.Response = []string{}
	}
	if d.Category == nil {
		d.Category = []string{}
	}
	if d.EvolutionStrategy == nil {
		d.EvolutionStrategy = []string{}
	}
	if d.Operation == nil {
		d.Operation = []string{}
	}
	if d.Epoch == nil {
		d.Epoch = []int{}
	}
	return d
}

// MarshalJSON keeps empty columns as [] rather than null.
func (d Document) MarshalJSON() ([]byte, error) {
	type plain Document
	return json.Marshal(plain(d.normalized()))
}

// Decode reads a JSON document. Every key in Keys must be present and
// unknown top-level keys are rejected, so a foreign file is not silently
// taken for an empty dataset.
func Decode(r io.Reader) (Document, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return Document{}, fmt.Errorf("decode document: %w", err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return Document{}, fmt.Errorf("decode document: %w", err)
	}
	for _, k := range Keys {
		if _, ok := raw[k]; !ok {
			return Document{}, fmt.Errorf("%w: document has no %q column", ErrInvalidRecord, k)
		}
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var d Document
	if err := dec.Decode(&d); err != nil {
		return Document{}, fmt.Errorf("decode document: %w", err)
	}
	if _, err := d.Records(); err != nil {
		return Document{}, err
	}
	return d.normalized(), nil
}
