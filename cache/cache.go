// Package cache implements the columnar on-disk dataset cache read by
// training workers.
//
// A cache directory contains a "metadata" file describing every column
// (type and cardinality) and one "column-<idx>" file per column holding
// its values. Values are stored as float64: categorical and boolean
// columns hold small non-negative integers, discretized numerical
// columns hold bucket indices.
package cache

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
)

// Column types.
const (
	Numerical = iota
	Categorical
	Boolean
)

// ColumnMetadata describes one column of a cached dataset.
type ColumnMetadata struct {
	Name string
	Type int

	// Numerical columns only.
	Discretized          bool
	NumUniqueValues      int
	NumDiscretizedValues int

	// Categorical columns only.
	NumValues int
}

// Metadata describes a cached dataset.
type Metadata struct {
	NumExamples int
	Columns     []ColumnMetadata
}

// ColumnIdxByName returns the index of the named column, or -1.
func (m *Metadata) ColumnIdxByName(name string) int {
	for i, col := range m.Columns {
		if col.Name == name {
			return i
		}
	}
	return -1
}

// A Column pairs metadata with values, used when building a cache.
type Column struct {
	Metadata ColumnMetadata
	Values   []float64
}

const (
	metadataFilename = "metadata"
	columnPrefix     = "column-"
)

// Build writes a dataset cache into dir. All columns must have the same
// length. Cardinality metadata is recomputed from the values.
func Build(dir string, columns []Column) error {
	if len(columns) == 0 {
		return fmt.Errorf("cannot build a cache with no columns")
	}
	numExamples := len(columns[0].Values)
	for _, col := range columns {
		if len(col.Values) != numExamples {
			return fmt.Errorf("column %q has %d values, want %d",
				col.Metadata.Name, len(col.Values), numExamples)
		}
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	meta := &Metadata{NumExamples: numExamples}
	for i, col := range columns {
		colMeta := col.Metadata
		fillCardinality(&colMeta, col.Values)
		meta.Columns = append(meta.Columns, colMeta)
		if err := writeGob(columnPath(dir, i), col.Values); err != nil {
			return err
		}
	}
	return writeGob(filepath.Join(dir, metadataFilename), meta)
}

// FinalizeFrom converts a partially built cache at src into a complete
// cache at dst by recomputing the cardinality metadata.
func FinalizeFrom(src, dst string) error {
	meta, err := LoadMetadata(src)
	if err != nil {
		return fmt.Errorf("loading partial cache: %w", err)
	}
	columns := make([]Column, len(meta.Columns))
	for i, colMeta := range meta.Columns {
		values, err := LoadColumn(src, i)
		if err != nil {
			return err
		}
		columns[i] = Column{Metadata: colMeta, Values: values}
	}
	return Build(dst, columns)
}

// LoadMetadata reads the metadata of a cache directory.
func LoadMetadata(dir string) (*Metadata, error) {
	var meta Metadata
	if err := readGob(filepath.Join(dir, metadataFilename), &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// LoadColumn reads the values of one column.
func LoadColumn(dir string, colIdx int) ([]float64, error) {
	var values []float64
	if err := readGob(columnPath(dir, colIdx), &values); err != nil {
		return nil, err
	}
	return values, nil
}

func columnPath(dir string, colIdx int) string {
	return filepath.Join(dir, fmt.Sprintf("%s%d", columnPrefix, colIdx))
}

func fillCardinality(meta *ColumnMetadata, values []float64) {
	unique := map[float64]bool{}
	maxValue := 0
	for _, v := range values {
		unique[v] = true
		if iv := int(v); iv > maxValue {
			maxValue = iv
		}
	}
	switch meta.Type {
	case Numerical:
		if meta.Discretized {
			meta.NumDiscretizedValues = maxValue + 1
		} else {
			meta.NumUniqueValues = len(unique)
		}
	case Categorical:
		meta.NumValues = maxValue + 1
	}
}

func writeGob(path string, value interface{}) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := gob.NewEncoder(f).Encode(value); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func readGob(path string, value interface{}) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return gob.NewDecoder(f).Decode(value)
}
