package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/roach88/lockstep/internal/record"
)

// Group is the stored description of one group run.
type Group struct {
	ID       string
	Replicas int
	Config   json.RawMessage
	Program  string
}

// WriteGroup records a group run. Idempotent by id.
func (s *Store) WriteGroup(ctx context.Context, g Group) error {
	cfg := string(g.Config)
	if cfg == "" {
		cfg = "{}"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO groups (id, replicas, config, program)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, g.ID, g.Replicas, cfg, g.Program)
	if err != nil {
		return fmt.Errorf("write group %s: %w", g.ID, err)
	}
	return nil
}

// WriteRound appends a round record and returns its content-addressed id.
// Writing the same round twice is a no-op.
func (s *Store) WriteRound(ctx context.Context, r record.Round) (string, error) {
	id, err := record.RoundID(r)
	if err != nil {
		return "", fmt.Errorf("write round: %w", err)
	}

	suspended, err := marshalIDs(r.Suspended)
	if err != nil {
		return "", fmt.Errorf("write round: %w", err)
	}
	restored, err := marshalIDs(r.Restored)
	if err != nil {
		return "", fmt.Errorf("write round: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO rounds (id, group_id, seq, leader, trap, disposition,
			checksum, recovered, catch_up, suspended, restored)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, id, r.GroupID, r.Seq, r.Leader, r.Trap, r.Disposition, r.Checksum,
		boolInt(r.Recovered), boolInt(r.CatchUp), suspended, restored)
	if err != nil {
		return "", fmt.Errorf("write round %s/%d: %w", r.GroupID, r.Seq, err)
	}
	return id, nil
}

// WriteDivergence appends a divergence record together with its dumps in
// one transaction.
func (s *Store) WriteDivergence(ctx context.Context, d record.Divergence) (string, error) {
	id, err := record.DivergenceID(d)
	if err != nil {
		return "", fmt.Errorf("write divergence: %w", err)
	}
	minority, err := marshalIDs(d.Minority)
	if err != nil {
		return "", fmt.Errorf("write divergence: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("write divergence: begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO divergences (id, group_id, seq, verdict, reference, minority, fatal)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, id, d.GroupID, d.Seq, string(d.Verdict), d.Reference, minority, boolInt(d.Fatal))
	if err != nil {
		return "", fmt.Errorf("write divergence %s/%d: %w", d.GroupID, d.Seq, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Already journaled, dumps included.
		return id, nil
	}

	for _, dump := range d.Dumps {
		regs, err := marshalRegisters(dump.Registers)
		if err != nil {
			return "", fmt.Errorf("write divergence %s/%d: %w", d.GroupID, d.Seq, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO dumps (divergence_id, replica_id, checksum, trap, suspended, registers)
			VALUES (?, ?, ?, ?, ?, ?)
		`, id, dump.ReplicaID, dump.Checksum, dump.Trap, boolInt(dump.Suspended), regs)
		if err != nil {
			return "", fmt.Errorf("write dump %d: %w", dump.ReplicaID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("write divergence: commit: %w", err)
	}
	return id, nil
}
