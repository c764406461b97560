package skills

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// SkillFilename is the expected filename for skill definitions.
	SkillFilename = "SKILL.md"

	frontmatterDelimiter = "---"
)

// ParseSkillFile parses a SKILL.md file into a Skill.
func ParseSkillFile(path string) (*Skill, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	return ParseSkill(data, filepath.Dir(path))
}

// ParseSkill parses SKILL.md content. skillPath is the directory the
// skill lives in; {baseDir} placeholders in the body expand to it.
func ParseSkill(data []byte, skillPath string) (*Skill, error) {
	frontmatter, body, err := splitFrontmatter(data)
	if err != nil {
		return nil, err
	}

	var skill Skill
	if err := yaml.Unmarshal(frontmatter, &skill); err != nil {
		return nil, fmt.Errorf("parse frontmatter: %w", err)
	}
	if err := Validate(&skill); err != nil {
		return nil, err
	}

	skill.Instructions = ExpandBaseDir(strings.TrimSpace(string(body)), skillPath)
	skill.Path = skillPath
	return &skill, nil
}

// splitFrontmatter separates the YAML frontmatter block from the
// markdown body.
func splitFrontmatter(data []byte) (frontmatter, body []byte, err error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	if !scanner.Scan() {
		return nil, nil, fmt.Errorf("empty file")
	}
	if strings.TrimSpace(scanner.Text()) != frontmatterDelimiter {
		return nil, nil, fmt.Errorf("missing opening frontmatter delimiter")
	}

	var fmLines []string
	closed := false
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == frontmatterDelimiter {
			closed = true
			break
		}
		fmLines = append(fmLines, line)
	}
	if !closed {
		return nil, nil, fmt.Errorf("missing closing frontmatter delimiter")
	}

	var bodyLines []string
	for scanner.Scan() {
		bodyLines = append(bodyLines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("read skill file: %w", err)
	}

	return []byte(strings.Join(fmLines, "\n")), []byte(strings.Join(bodyLines, "\n")), nil
}

// Validate checks required fields and the name format.
func Validate(skill *Skill) error {
	if skill.Name == "" {
		return fmt.Errorf("skill name is required")
	}
	for _, r := range skill.Name {
		if !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-') {
			return fmt.Errorf("skill name must be lowercase alphanumeric with hyphens: got %q", skill.Name)
		}
	}
	if skill.Description == "" {
		return fmt.Errorf("skill %s: description is required", skill.Name)
	}
	if skill.Metadata != nil {
		for i, tool := range skill.Metadata.Tools {
			if strings.TrimSpace(tool.Name) == "" {
				return fmt.Errorf("skill %s: tools[%d] has no name", skill.Name, i)
			}
			if tool.Command == "" && tool.Script == "" {
				return fmt.Errorf("skill %s: tool %s needs a command or script", skill.Name, tool.Name)
			}
		}
	}
	return nil
}

// ExpandBaseDir replaces {baseDir} placeholders in skill content with
// the skill's directory, so instructions can reference bundled files.
func ExpandBaseDir(content, baseDir string) string {
	return strings.ReplaceAll(content, "{baseDir}", baseDir)
}
