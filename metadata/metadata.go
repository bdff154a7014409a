// Package metadata defines the contracts for two collaborators reached
// only by contract: the partition metadata table (a relational store
// accessed via opaque DAO operations) and the temp-index table used to
// resume interrupted writes. Since the real backing store is an
// external, opaque collaborator, this package ships one default
// in-process implementation that satisfies both interfaces — a
// mutex-guarded map with an optional JSON snapshot on disk — rather
// than pulling in a SQL driver for a component whose storage
// technology is deliberately left unspecified.
package metadata

import (
	"errors"
	"os"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
)

// PartitionRow is the persisted row for one partition: its disk,
// partition id, running CRC, current size, and serialized Merkle tree
// (nil until the partition is closed and a tree has been computed).
type PartitionRow struct {
	Disk uint32 `json:"disk"`
	ID   uint32 `json:"id"`
	CRC  uint64 `json:"crc"`
	Size uint64 `json:"size"`
	Tree []byte `json:"tree,omitempty"`
}

// PartitionDAO is the opaque relational-store contract.
type PartitionDAO interface {
	AddPartition(row PartitionRow) error
	GetPartitions(disk uint32) ([]PartitionRow, error)
	UpdateTree(disk, id uint32, tree []byte) error
}

// TempIndexRow records an in-progress write so it can be resumed after
// a crash.
type TempIndexRow struct {
	Token    string              `json:"token"`
	Disk     uint32              `json:"disk"`
	ID       uint64              `json:"id"`
	Type     int32               `json:"type"`
	Path     string              `json:"path"`
	Metadata map[string][]string `json:"metadata,omitempty"`
}

// TempIndexDAO is the opaque temp-index-table contract.
type TempIndexDAO interface {
	Put(row TempIndexRow) (token string, err error)
	Delete(token string) error
	List(limit int) ([]TempIndexRow, error)
}

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("metadata: row not found")

// Store is the default in-process implementation of both DAOs.
type Store struct {
	mu         sync.Mutex
	partitions map[uint32][]PartitionRow // by disk
	tempIndex  map[string]TempIndexRow
	snapshot   string // optional file path; empty disables persistence
}

// NewStore returns a Store. If snapshotPath is non-empty, Save/Load
// persist state there as a single JSON document, mirroring the
// teacher's fixed-size header: small, human-inspectable, rewritten
// wholesale rather than appended to.
func NewStore(snapshotPath string) *Store {
	return &Store{
		partitions: make(map[uint32][]PartitionRow),
		tempIndex:  make(map[string]TempIndexRow),
		snapshot:   snapshotPath,
	}
}

func (s *Store) AddPartition(row PartitionRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.partitions[row.Disk] {
		if r.ID == row.ID {
			return errors.New("metadata: partition already registered")
		}
	}
	s.partitions[row.Disk] = append(s.partitions[row.Disk], row)
	return s.saveLocked()
}

func (s *Store) GetPartitions(disk uint32) ([]PartitionRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.partitions[disk]
	out := make([]PartitionRow, len(rows))
	copy(out, rows)
	return out, nil
}

func (s *Store) UpdateTree(disk, id uint32, tree []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.partitions[disk]
	for i := range rows {
		if rows[i].ID == id {
			rows[i].Tree = tree
			return s.saveLocked()
		}
	}
	return ErrNotFound
}

func (s *Store) Put(row TempIndexRow) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row.Token == "" {
		row.Token = uuid.NewString()
	}
	s.tempIndex[row.Token] = row
	return row.Token, s.saveLocked()
}

func (s *Store) Delete(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tempIndex, token)
	return s.saveLocked()
}

func (s *Store) List(limit int) ([]TempIndexRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TempIndexRow, 0, len(s.tempIndex))
	for _, row := range s.tempIndex {
		out = append(out, row)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// snapshotDoc is the on-disk shape written by saveLocked/Load.
type snapshotDoc struct {
	Partitions map[uint32][]PartitionRow `json:"partitions"`
	TempIndex  map[string]TempIndexRow   `json:"temp_index"`
}

func (s *Store) saveLocked() error {
	if s.snapshot == "" {
		return nil
	}
	doc := snapshotDoc{Partitions: s.partitions, TempIndex: s.tempIndex}
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return os.WriteFile(s.snapshot, data, 0o644)
}

// Load restores state from the snapshot path given to NewStore. A
// missing file is not an error (fresh store).
func (s *Store) Load() error {
	if s.snapshot == "" {
		return nil
	}
	data, err := os.ReadFile(s.snapshot)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	var doc snapshotDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if doc.Partitions != nil {
		s.partitions = doc.Partitions
	}
	if doc.TempIndex != nil {
		s.tempIndex = doc.TempIndex
	}
	return nil
}
