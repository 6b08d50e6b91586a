package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// Mode selects how a staged job is applied.
type Mode string

const (
	// ModeIncremental upserts each staged record by natural key.
	ModeIncremental Mode = "incremental"
	// ModeFull replaces every staged partition with the staged rows.
	ModeFull Mode = "full"
)

// Rejection is a staged record that could not be applied.
type Rejection struct {
	Kind   Kind
	Key    string
	Parent string
	Reason string
}

// CommitResult summarizes one applied staging job.
type CommitResult struct {
	Inserted       int
	Updated        int
	Deleted        int
	Rejections     []Rejection
	Partitions     []string
	Years          []int
	EditionChanged bool
	Edition        string
}

// kindSpec describes how one entity kind is written to its table.
type kindSpec struct {
	kind Kind
	// yearPartition marks kinds whose partition is an incident year.
	yearPartition bool
	// alwaysReplace applies partition replacement in incremental mode too.
	alwaysReplace bool
	// prune deletes rows of a partition whose key was not staged by job.
	// Nil for kinds that are only ever upserted.
	prune  func(ctx context.Context, tx *sql.Tx, partition, jobID string) (int64, error)
	parent func(ctx context.Context, tx *sql.Tx, e Entity) (key string, ok bool, err error)
	// exists reports whether the record is stored and under which partition.
	exists func(ctx context.Context, tx *sql.Tx, e Entity) (found bool, partition string, err error)
	upsert func(ctx context.Context, tx *sql.Tx, e Entity) error
	decode func(payload []byte) (Entity, error)
}

// commitOrder lists kinds parents first.
var commitOrder = []kindSpec{
	arealUnitSpec,
	incidentSpec,
	vehicleSpec,
	casualtySpec,
	countPointSpec,
	annualFlowSpec,
	facilitySpec,
	weatherSpec,
}

func specFor(k Kind) (kindSpec, bool) {
	for _, s := range commitOrder {
		if s.kind == k {
			return s, true
		}
	}
	return kindSpec{}, false
}

func decodeJSON[T any, P interface {
	*T
	Entity
}](payload []byte) (Entity, error) {
	var v T
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, err
	}
	return P(&v), nil
}

// Stage appends records to the shadow area of a job. Sequence numbers
// start at startSeq and preserve upstream order within the job.
func (db *DB) Stage(ctx context.Context, jobID string, startSeq int, records []Entity) error {
	if len(records) == 0 {
		return nil
	}
	return db.write(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO staged_records (job_id, seq, kind, natural_key, partition, payload)
			VALUES (?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for i, r := range records {
			if _, ok := specFor(r.Kind()); !ok {
				return fmt.Errorf("staging %s: unknown kind", r.Kind())
			}
			payload, err := json.Marshal(r)
			if err != nil {
				return fmt.Errorf("encoding %s %s: %w", r.Kind(), r.NaturalKey(), err)
			}
			if _, err := stmt.ExecContext(ctx, jobID, startSeq+i, string(r.Kind()),
				r.NaturalKey(), r.Partition(), string(payload)); err != nil {
				return fmt.Errorf("staging %s %s: %w", r.Kind(), r.NaturalKey(), err)
			}
		}
		return nil
	})
}

// StagedCount returns how many records a job has in the shadow area.
func (db *DB) StagedCount(ctx context.Context, jobID string) (int, error) {
	var n int
	err := db.conn.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM staged_records WHERE job_id = ?", jobID).Scan(&n)
	return n, err
}

// DiscardStage drops everything a job staged without touching live tables.
func (db *DB) DiscardStage(ctx context.Context, jobID string) error {
	return db.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, "DELETE FROM staged_records WHERE job_id = ?", jobID)
		return err
	})
}

// CommitStage applies a job's staged records to the live tables in one
// transaction and clears the stage. Readers keep seeing the previous
// snapshot until the transaction commits.
//
// In incremental mode every record replaces the stored row with the same
// natural key. In full mode each staged partition is swapped: rows of the
// partition that were not staged are deleted, staged rows are upserted.
// Child records whose parent is absent are rejected, not applied.
func (db *DB) CommitStage(ctx context.Context, jobID string, mode Mode) (*CommitResult, error) {
	res := &CommitResult{}
	err := db.write(ctx, func(tx *sql.Tx) error {
		years := map[int]bool{}

		before, err := distinctEditions(ctx, tx)
		if err != nil {
			return err
		}

		for _, spec := range commitOrder {
			partitions, err := stagedPartitions(ctx, tx, jobID, spec.kind)
			if err != nil {
				return err
			}
			if len(partitions) == 0 {
				continue
			}

			for _, p := range partitions {
				res.Partitions = append(res.Partitions, string(spec.kind)+":"+p)
				if spec.yearPartition {
					if y, err := strconv.Atoi(p); err == nil {
						years[y] = true
					}
				}
				if spec.prune != nil && (mode == ModeFull || spec.alwaysReplace) {
					n, err := spec.prune(ctx, tx, p, jobID)
					if err != nil {
						return fmt.Errorf("replacing %s partition %s: %w", spec.kind, p, err)
					}
					res.Deleted += int(n)
				}
			}

			if err := applyKind(ctx, tx, jobID, spec, res, years); err != nil {
				return err
			}
		}

		after, err := distinctEditions(ctx, tx)
		if err != nil {
			return err
		}
		res.EditionChanged = before != after
		res.Edition = after

		if _, err := tx.ExecContext(ctx, "DELETE FROM staged_records WHERE job_id = ?", jobID); err != nil {
			return err
		}

		for y := range years {
			res.Years = append(res.Years, y)
		}
		slices.Sort(res.Years)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

type stagedRow struct {
	seq     int
	key     string
	payload []byte
}

const stageChunk = 1000

// applyKind upserts the staged records of one kind in sequence order. Rows
// are read in chunks and the cursor closed before writing, since the
// transaction holds a single connection.
func applyKind(ctx context.Context, tx *sql.Tx, jobID string, spec kindSpec, res *CommitResult, years map[int]bool) error {
	after := -1
	for {
		chunk, err := readStaged(ctx, tx, jobID, spec.kind, after)
		if err != nil {
			return err
		}
		if len(chunk) == 0 {
			return nil
		}
		after = chunk[len(chunk)-1].seq

		for _, row := range chunk {
			e, err := spec.decode(row.payload)
			if err != nil {
				return fmt.Errorf("decoding staged %s %s: %w", spec.kind, row.key, err)
			}

			if spec.parent != nil {
				parentKey, ok, err := spec.parent(ctx, tx, e)
				if err != nil {
					return err
				}
				if !ok {
					res.Rejections = append(res.Rejections, Rejection{
						Kind: spec.kind, Key: row.key, Parent: parentKey, Reason: "parent record not found",
					})
					continue
				}
			}

			found, oldPartition, err := spec.exists(ctx, tx, e)
			if err != nil {
				return err
			}
			if err := spec.upsert(ctx, tx, e); err != nil {
				return fmt.Errorf("writing %s %s: %w", spec.kind, row.key, err)
			}
			if found {
				res.Updated++
				if spec.yearPartition && oldPartition != e.Partition() {
					if y, err := strconv.Atoi(oldPartition); err == nil {
						years[y] = true
					}
				}
			} else {
				res.Inserted++
			}
		}
	}
}

func readStaged(ctx context.Context, tx *sql.Tx, jobID string, kind Kind, afterSeq int) ([]stagedRow, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT seq, natural_key, payload FROM staged_records
		WHERE job_id = ? AND kind = ? AND seq > ? ORDER BY seq LIMIT ?`,
		jobID, string(kind), afterSeq, stageChunk)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []stagedRow
	for rows.Next() {
		var r stagedRow
		var payload string
		if err := rows.Scan(&r.seq, &r.key, &payload); err != nil {
			return nil, err
		}
		r.payload = []byte(payload)
		out = append(out, r)
	}
	return out, rows.Err()
}

func stagedPartitions(ctx context.Context, tx *sql.Tx, jobID string, kind Kind) ([]string, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT DISTINCT partition FROM staged_records WHERE job_id = ? AND kind = ? ORDER BY partition`,
		jobID, string(kind))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var parts []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		parts = append(parts, p)
	}
	return parts, rows.Err()
}

func distinctEditions(ctx context.Context, tx *sql.Tx) (string, error) {
	rows, err := tx.QueryContext(ctx, "SELECT DISTINCT edition FROM areal_units ORDER BY edition")
	if err != nil {
		return "", err
	}
	defer rows.Close()

	var eds []string
	for rows.Next() {
		var e string
		if err := rows.Scan(&e); err != nil {
			return "", err
		}
		eds = append(eds, e)
	}
	return strings.Join(eds, ","), rows.Err()
}

// stagedKeys is the sub-select of keys a job staged for one kind.
const stagedKeys = `SELECT natural_key FROM staged_records WHERE job_id = ? AND kind = ?`

func existsRow(ctx context.Context, tx *sql.Tx, query string, args ...any) (bool, error) {
	var one int
	err := tx.QueryRowContext(ctx, query, args...).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}
