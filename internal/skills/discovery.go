package skills

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// DirSource discovers skills from one directory, each subdirectory
// holding a SKILL.md.
type DirSource struct {
	path       string
	sourceType SourceType
	priority   int
	logger     *slog.Logger
}

// NewDirSource creates a directory discovery source.
func NewDirSource(path string, sourceType SourceType, priority int) *DirSource {
	return &DirSource{
		path:       path,
		sourceType: sourceType,
		priority:   priority,
		logger:     slog.Default().With("component", "skills", "source", sourceType),
	}
}

// Path returns the directory this source scans, for watching.
func (s *DirSource) Path() string {
	return s.path
}

// Discover scans the directory. A missing directory is not an error;
// skills directories are optional.
func (s *DirSource) Discover(ctx context.Context) ([]*Skill, error) {
	info, err := os.Stat(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", s.path, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("not a directory: %s", s.path)
	}

	entries, err := os.ReadDir(s.path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.path, err)
	}

	var found []*Skill
	for _, entry := range entries {
		if ctx.Err() != nil {
			return found, ctx.Err()
		}
		if !entry.IsDir() {
			continue
		}

		skillFile := filepath.Join(s.path, entry.Name(), SkillFilename)
		if _, err := os.Stat(skillFile); os.IsNotExist(err) {
			continue
		}

		skill, err := ParseSkillFile(skillFile)
		if err != nil {
			s.logger.Warn("skipping invalid skill",
				"path", skillFile,
				"error", err)
			continue
		}
		skill.Source = s.sourceType
		skill.SourcePriority = s.priority
		found = append(found, skill)
	}
	return found, nil
}

// discoverAll merges skills from every source. On name conflicts the
// higher-priority source wins.
func discoverAll(ctx context.Context, sources []*DirSource, logger *slog.Logger) map[string]*Skill {
	merged := make(map[string]*Skill)
	for _, source := range sources {
		found, err := source.Discover(ctx)
		if err != nil {
			logger.Warn("skill discovery failed",
				"path", source.Path(),
				"error", err)
			continue
		}
		for _, skill := range found {
			existing, ok := merged[skill.Name]
			if ok && existing.SourcePriority >= skill.SourcePriority {
				continue
			}
			if ok {
				logger.Debug("skill override",
					"name", skill.Name,
					"old_source", existing.Source,
					"new_source", skill.Source)
			}
			merged[skill.Name] = skill
		}
	}
	return merged
}
