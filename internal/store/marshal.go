package store

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/lockstep/internal/record"
)

// marshalIDs converts a replica id list to canonical JSON TEXT.
func marshalIDs(ids []int) (string, error) {
	if ids == nil {
		ids = []int{}
	}
	data, err := record.MarshalCanonical(ids)
	if err != nil {
		return "", fmt.Errorf("marshal ids: %w", err)
	}
	return string(data), nil
}

// unmarshalIDs parses a replica id list. Empty lists decode to nil so
// records read back compare equal to the ones written.
func unmarshalIDs(data string) ([]int, error) {
	if data == "" || data == "[]" {
		return nil, nil
	}
	var ids []int
	if err := json.Unmarshal([]byte(data), &ids); err != nil {
		return nil, fmt.Errorf("unmarshal ids: %w", err)
	}
	return ids, nil
}

// marshalRegisters converts a register map to canonical JSON TEXT.
func marshalRegisters(regs map[string]string) (string, error) {
	if regs == nil {
		regs = map[string]string{}
	}
	data, err := record.MarshalCanonical(regs)
	if err != nil {
		return "", fmt.Errorf("marshal registers: %w", err)
	}
	return string(data), nil
}

func unmarshalRegisters(data string) (map[string]string, error) {
	regs := map[string]string{}
	if data == "" || data == "{}" {
		return regs, nil
	}
	if err := json.Unmarshal([]byte(data), &regs); err != nil {
		return nil, fmt.Errorf("unmarshal registers: %w", err)
	}
	return regs, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
