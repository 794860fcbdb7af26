// Package skills loads Markdown skill files (optionally with YAML
// frontmatter) from a workspace-local directory and a global directory,
// and builds the compact summary injected into an agent's system prompt.
package skills

import (
	"bufio"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Skill is one loaded skill file.
type Skill struct {
	Name        string
	Description string
	Path        string
	Body        string // full markdown content after frontmatter
	Global      bool   // loaded from the global skills dir rather than the workspace
}

type frontmatter struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// Loader loads and caches skills from up to three directories: the
// workspace's own skills/ directory, a global shared directory, and an
// optional extra directory (e.g. a per-user skills path).
type Loader struct {
	workspaceDir string
	globalDir    string
	extraDir     string

	mu     sync.RWMutex
	skills []Skill
}

// NewLoader builds a Loader and performs an initial load. Load errors for
// individual files are skipped rather than failing the whole load.
func NewLoader(workspace, globalDir, extraDir string) *Loader {
	l := &Loader{
		workspaceDir: filepath.Join(workspace, "skills"),
		globalDir:    globalDir,
		extraDir:     extraDir,
	}
	l.Reload()
	return l
}

// Reload re-scans all configured directories, replacing the cached skill
// set. Safe to call concurrently with ListSkills/FilterSkills/BuildSummary.
func (l *Loader) Reload() {
	var out []Skill
	out = append(out, loadDir(l.workspaceDir, false)...)
	out = append(out, loadDir(l.globalDir, true)...)
	if l.extraDir != "" {
		out = append(out, loadDir(l.extraDir, true)...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	l.mu.Lock()
	l.skills = out
	l.mu.Unlock()
}

func loadDir(dir string, global bool) []Skill {
	if dir == "" {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}

	var out []Skill
	for _, e := range entries {
		if e.IsDir() {
			// Support "skills/<name>/SKILL.md" layout as well as flat files.
			nested := filepath.Join(dir, e.Name(), "SKILL.md")
			if s, ok := loadSkillFile(nested, global); ok {
				out = append(out, s)
			}
			continue
		}
		if !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		if s, ok := loadSkillFile(filepath.Join(dir, e.Name()), global); ok {
			out = append(out, s)
		}
	}
	return out
}

func loadSkillFile(path string, global bool) (Skill, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Skill{}, false
	}

	fm, body := splitFrontmatter(string(data))
	name := fm.Name
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	desc := fm.Description
	if desc == "" {
		desc = firstLine(body)
	}

	return Skill{Name: name, Description: desc, Path: path, Body: body, Global: global}, true
}

// splitFrontmatter parses a leading "---\n...\n---\n" YAML block if present.
func splitFrontmatter(content string) (frontmatter, string) {
	var fm frontmatter
	if !strings.HasPrefix(content, "---") {
		return fm, content
	}

	scanner := bufio.NewScanner(strings.NewReader(content))
	scanner.Scan() // consume the opening "---"

	var yamlLines []string
	closed := false
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "---" {
			closed = true
			break
		}
		yamlLines = append(yamlLines, line)
	}
	if !closed {
		return fm, content
	}

	_ = yaml.Unmarshal([]byte(strings.Join(yamlLines, "\n")), &fm)

	rest := content[strings.Index(content, "---")+3:]
	if idx := strings.Index(rest, "---"); idx >= 0 {
		rest = rest[idx+3:]
	}
	return fm, strings.TrimLeft(rest, "\n")
}

func firstLine(body string) string {
	line := strings.SplitN(strings.TrimSpace(body), "\n", 2)[0]
	return strings.TrimSpace(strings.TrimPrefix(line, "#"))
}

// ListSkills returns every loaded skill.
func (l *Loader) ListSkills() []Skill {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Skill, len(l.skills))
	copy(out, l.skills)
	return out
}

// FilterSkills returns the loaded skills allowed by allowList: nil means
// all skills pass, an empty non-nil slice means none do, otherwise only
// skills whose Name appears in allowList pass.
func (l *Loader) FilterSkills(allowList []string) []Skill {
	all := l.ListSkills()
	if allowList == nil {
		return all
	}
	if len(allowList) == 0 {
		return nil
	}

	allowed := make(map[string]bool, len(allowList))
	for _, n := range allowList {
		allowed[n] = true
	}

	out := make([]Skill, 0, len(all))
	for _, s := range all {
		if allowed[s.Name] {
			out = append(out, s)
		}
	}
	return out
}

// Get returns the skill with the given name, if loaded.
func (l *Loader) Get(name string) (Skill, bool) {
	for _, s := range l.ListSkills() {
		if s.Name == name {
			return s, true
		}
	}
	return Skill{}, false
}

// BuildSummary renders an <available_skills> XML block listing each
// allowed skill's name and description, for inlining into a system prompt.
func (l *Loader) BuildSummary(allowList []string) string {
	filtered := l.FilterSkills(allowList)
	if len(filtered) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("<available_skills>\n")
	for _, s := range filtered {
		b.WriteString("  <skill name=\"")
		b.WriteString(s.Name)
		b.WriteString("\">")
		b.WriteString(s.Description)
		b.WriteString("</skill>\n")
	}
	b.WriteString("</available_skills>")
	return b.String()
}

// Search does a case-insensitive substring match over name/description/
// body, for the skill_search tool.
func (l *Loader) Search(query string, allowList []string) []Skill {
	q := strings.ToLower(strings.TrimSpace(query))
	filtered := l.FilterSkills(allowList)
	if q == "" {
		return filtered
	}

	out := make([]Skill, 0, len(filtered))
	for _, s := range filtered {
		if strings.Contains(strings.ToLower(s.Name), q) ||
			strings.Contains(strings.ToLower(s.Description), q) ||
			strings.Contains(strings.ToLower(s.Body), q) {
			out = append(out, s)
		}
	}
	return out
}
