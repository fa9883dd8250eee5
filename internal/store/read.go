package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/roach88/lockstep/internal/record"
)

// ReadRounds returns every round of a group in seq order.
// Returns an empty slice, not nil, when the group has no rounds.
func (s *Store) ReadRounds(ctx context.Context, groupID string) ([]record.Round, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT group_id, seq, leader, trap, disposition, checksum,
			recovered, catch_up, suspended, restored
		FROM rounds
		WHERE group_id = ?
		ORDER BY seq ASC, id COLLATE BINARY ASC
	`, groupID)
	if err != nil {
		return nil, fmt.Errorf("read rounds: %w", err)
	}
	defer rows.Close()

	rounds := []record.Round{}
	for rows.Next() {
		var (
			r                   record.Round
			recovered, catchUp  int
			suspended, restored string
		)
		if err := rows.Scan(&r.GroupID, &r.Seq, &r.Leader, &r.Trap, &r.Disposition,
			&r.Checksum, &recovered, &catchUp, &suspended, &restored); err != nil {
			return nil, fmt.Errorf("scan round: %w", err)
		}
		r.Recovered = recovered != 0
		r.CatchUp = catchUp != 0
		if r.Suspended, err = unmarshalIDs(suspended); err != nil {
			return nil, fmt.Errorf("round %d: %w", r.Seq, err)
		}
		if r.Restored, err = unmarshalIDs(restored); err != nil {
			return nil, fmt.Errorf("round %d: %w", r.Seq, err)
		}
		rounds = append(rounds, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rounds: %w", err)
	}
	return rounds, nil
}

// ReadDivergences returns every divergence of a group in seq order, each
// with its dumps in replica id order.
func (s *Store) ReadDivergences(ctx context.Context, groupID string) ([]record.Divergence, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, group_id, seq, verdict, reference, minority, fatal
		FROM divergences
		WHERE group_id = ?
		ORDER BY seq ASC, id COLLATE BINARY ASC
	`, groupID)
	if err != nil {
		return nil, fmt.Errorf("read divergences: %w", err)
	}

	var ids []string
	divs := []record.Divergence{}
	for rows.Next() {
		var (
			id, verdict, minority string
			fatal                 int
			d                     record.Divergence
		)
		if err := rows.Scan(&id, &d.GroupID, &d.Seq, &verdict, &d.Reference, &minority, &fatal); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan divergence: %w", err)
		}
		d.Verdict = record.Verdict(verdict)
		d.Fatal = fatal != 0
		if d.Minority, err = unmarshalIDs(minority); err != nil {
			rows.Close()
			return nil, fmt.Errorf("divergence %d: %w", d.Seq, err)
		}
		ids = append(ids, id)
		divs = append(divs, d)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate divergences: %w", err)
	}
	// The single connection must be free before the dump queries run.
	rows.Close()

	for i, id := range ids {
		dumps, err := s.readDumps(ctx, id)
		if err != nil {
			return nil, err
		}
		divs[i].Dumps = dumps
	}
	return divs, nil
}

func (s *Store) readDumps(ctx context.Context, divergenceID string) ([]record.ReplicaDump, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT replica_id, checksum, trap, suspended, registers
		FROM dumps
		WHERE divergence_id = ?
		ORDER BY replica_id ASC
	`, divergenceID)
	if err != nil {
		return nil, fmt.Errorf("read dumps: %w", err)
	}
	defer rows.Close()

	var dumps []record.ReplicaDump
	for rows.Next() {
		var (
			d         record.ReplicaDump
			suspended int
			regs      string
		)
		if err := rows.Scan(&d.ReplicaID, &d.Checksum, &d.Trap, &suspended, &regs); err != nil {
			return nil, fmt.Errorf("scan dump: %w", err)
		}
		d.Suspended = suspended != 0
		if d.Registers, err = unmarshalRegisters(regs); err != nil {
			return nil, fmt.Errorf("dump %d: %w", d.ReplicaID, err)
		}
		dumps = append(dumps, d)
	}
	return dumps, rows.Err()
}

// ReadGroup returns a stored group run.
// Returns sql.ErrNoRows (wrapped) when the group is unknown.
func (s *Store) ReadGroup(ctx context.Context, id string) (Group, error) {
	var (
		g   Group
		cfg string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, replicas, config, program FROM groups WHERE id = ?
	`, id).Scan(&g.ID, &g.Replicas, &cfg, &g.Program)
	if err != nil {
		return Group{}, fmt.Errorf("read group %s: %w", id, err)
	}
	g.Config = json.RawMessage(cfg)
	return g, nil
}

// ListGroups returns the ids of every stored group in id order.
func (s *Store) ListGroups(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM groups ORDER BY id COLLATE BINARY ASC`)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// LastSeq returns the highest round seq journaled for a group, or 0.
func (s *Store) LastSeq(ctx context.Context, groupID string) (int64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM rounds WHERE group_id = ?`, groupID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("last seq: %w", err)
	}
	return seq.Int64, nil
}
