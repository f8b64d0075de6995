package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/fyrsmithlabs/preventd/internal/mapping"
	"github.com/fyrsmithlabs/preventd/internal/rules"
	"github.com/fyrsmithlabs/preventd/internal/structure"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// maxSeedFileSize bounds seed files read from disk.
const maxSeedFileSize = 1024 * 1024

// MappingSeed is known correct mappings for one schema pair.
type MappingSeed struct {
	SourceSchema string                 `yaml:"source_schema"`
	TargetSchema string                 `yaml:"target_schema"`
	Fields       []mapping.FieldMapping `yaml:"fields"`
}

// StructureSeed is known structure knowledge for one type and context.
type StructureSeed struct {
	StructureType       string `yaml:"structure_type"`
	Context             string `yaml:"context"`
	structure.Knowledge `yaml:",inline"`
}

// SeedFile is operator-supplied knowledge loaded at startup.
type SeedFile struct {
	Rules      []rules.Rule    `yaml:"rules"`
	Mappings   []MappingSeed   `yaml:"mappings"`
	Structures []StructureSeed `yaml:"structures"`
}

// ParseSeed decodes a YAML seed document. Unknown fields are rejected.
func ParseSeed(r io.Reader) (*SeedFile, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var sf SeedFile
	if err := dec.Decode(&sf); err != nil {
		if errors.Is(err, io.EOF) {
			return &sf, nil
		}
		return nil, fmt.Errorf("failed to parse seed file: %w", err)
	}
	return &sf, nil
}

// LoadSeedFile reads and parses a YAML seed file.
func LoadSeedFile(path string) (*SeedFile, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat seed file: %w", err)
	}
	if info.Size() > maxSeedFileSize {
		return nil, fmt.Errorf("seed file %s exceeds %d bytes", path, maxSeedFileSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	return ParseSeed(bytes.NewReader(data))
}

// SeedResult counts what a seed applied.
type SeedResult struct {
	Rules      int `json:"rules"`
	Mappings   int `json:"mappings"`
	Structures int `json:"structures"`
}

// Seed merges a seed file into the engine. Invalid entries are skipped and
// reported together in the returned error; valid entries are still applied.
func (e *Engine) Seed(ctx context.Context, sf *SeedFile) (SeedResult, error) {
	var res SeedResult
	if err := e.checkOpen(); err != nil {
		return res, err
	}
	if sf == nil {
		return res, nil
	}

	now := e.now()
	var errs []error
	for _, r := range sf.Rules {
		if r.Source == "" {
			r.Source = rules.SourceSeed
		}
		if err := e.rules.Put(r, now); err != nil {
			errs = append(errs, fmt.Errorf("rule %q: %w", r.Name, err))
			continue
		}
		res.Rules++
	}

	for _, ms := range sf.Mappings {
		for _, fm := range ms.Fields {
			if fm.SourceField == "" || fm.TargetField == "" {
				errs = append(errs, fmt.Errorf("mapping %s: %w", mapping.Key(ms.SourceSchema, ms.TargetSchema), ErrInvalidMapping))
				continue
			}
			e.mappings.RecordCorrect(ms.SourceSchema, ms.TargetSchema, fm, now)
			res.Mappings++
		}
	}

	for _, ss := range sf.Structures {
		if ss.StructureType == "" {
			errs = append(errs, ErrInvalidStructure)
			continue
		}
		structureContext := ss.Context
		if structureContext == "" {
			structureContext = "default"
		}
		e.structures.RecordCorrect(ss.StructureType, structureContext, ss.Knowledge, now)
		res.Structures++
	}

	e.logger.Info("seed applied",
		zap.Int("rules", res.Rules),
		zap.Int("mappings", res.Mappings),
		zap.Int("structures", res.Structures),
		zap.Int("skipped", len(errs)))

	e.flushAfterWrite(ctx)
	return res, errors.Join(errs...)
}
