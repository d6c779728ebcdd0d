package record

import (
	"errors"
	"fmt"
)

// ErrInvalidRecord is returned (wrapped) when a record fails validation.
var ErrInvalidRecord = errors.New("invalid record")

// Record is one generated instruction/response pair plus the evolution
// metadata that produced it. Records are values; the store never mutates one
// after it was appended.
type Record struct {
	Instruction       string `json:"instruction" yaml:"instruction"`
	Response          string `json:"response" yaml:"response"`
	Category          string `json:"category" yaml:"category"`
	EvolutionStrategy string `json:"evolution_strategy" yaml:"evolution_strategy"`
	Operation         string `json:"in_depth_evolving_operation" yaml:"in_depth_evolving_operation"`
	Epoch             int    `json:"epoch" yaml:"epoch"`
}

// New builds a validated Record.
func New(instruction, response, category, strategy, operation string, epoch int) (Record, error) {
	r := Record{
		Instruction:       instruction,
		Response:          response,
		Category:          category,
		EvolutionStrategy: strategy,
		Operation:         operation,
		Epoch:             epoch,
	}
	if err := r.Validate(); err != nil {
		return Record{}, err
	}
	return r, nil
}

// Validate checks the record invariants. Empty text fields are legal.
func (r Record) Validate() error {
	if r.Epoch < 0 {
		return fmt.Errorf("%w: epoch %d is negative", ErrInvalidRecord, r.Epoch)
	}
	return nil
}

func (r Record) String() string {
	return fmt.Sprintf("Record(epoch=%d, category=%q, strategy=%q, operation=%q)",
		r.Epoch, r.Category, r.EvolutionStrategy, r.Operation)
}
