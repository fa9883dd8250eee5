package store

import (
	"path/filepath"
	"testing"

	"github.com/roach88/lockstep/internal/record"
)

// createTestStore creates a new file-backed store in a temp dir.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestRound creates a round with minimal required fields.
func createTestRound(groupID string, seq int64) record.Round {
	return record.Round{
		GroupID:     groupID,
		Seq:         seq,
		Leader:      int(seq % 3),
		Trap:        "syscall:0x1",
		Disposition: "lead",
		Checksum:    record.Hex(uint64(seq) * 0x9e37),
	}
}

// createTestDivergence creates a fatal all-differ divergence with one dump
// per replica.
func createTestDivergence(groupID string, seq int64, replicas int) record.Divergence {
	d := record.Divergence{
		GroupID:   groupID,
		Seq:       seq,
		Verdict:   record.VerdictAllDiffer,
		Reference: 0,
		Minority:  []int{1, 2},
		Fatal:     true,
	}
	for i := 0; i < replicas; i++ {
		d.Dumps = append(d.Dumps, record.ReplicaDump{
			ReplicaID: i,
			Checksum:  record.Hex(uint64(i + 1)),
			Trap:      "syscall:0x2",
			Registers: map[string]string{
				"ip": record.Hex(0x1004),
				"r0": record.Hex(uint64(i)),
			},
		})
	}
	return d
}
