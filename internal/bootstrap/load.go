package bootstrap

import (
	"os"
	"path/filepath"
)

// LoadContextFiles reads the seeded workspace files back as ContextFiles
// for injection into the system prompt. Missing files are skipped.
func LoadContextFiles(workspaceDir string) []ContextFile {
	var out []ContextFile
	for _, name := range append(append([]string{}, templateFiles...), BootstrapFile) {
		data, err := os.ReadFile(filepath.Join(workspaceDir, name))
		if err != nil {
			continue
		}
		out = append(out, ContextFile{Path: name, Content: string(data)})
	}
	return out
}
