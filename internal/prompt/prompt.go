// Package prompt renders the per-phase prompt templates. Workspace
// templates under .wreckit/prompts/<phase>.md take precedence; built-in
// defaults cover the rest so a fresh workspace works immediately.
package prompt

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"text/template"
)

//go:embed templates/*.md
var defaultTemplates embed.FS

// Data is the substitution context: the item's public attributes plus
// phase-specific extras.
type Data struct {
	ID       string
	Title    string
	Overview string
	State    string
	Branch   string

	// Implement phase.
	StoryID            string
	StoryTitle         string
	AcceptanceCriteria []string
	Scope              []string

	// Healing re-invocations.
	Guidance string

	// json-corruption remediation includes the parse error verbatim.
	ParseError string
}

// Render loads the template for phase from promptsDir (falling back to
// the built-in default) and substitutes data.
func Render(promptsDir, phase string, data Data) (string, error) {
	src, err := load(promptsDir, phase)
	if err != nil {
		return "", err
	}
	tmpl, err := template.New(phase).Option("missingkey=error").Parse(src)
	if err != nil {
		return "", fmt.Errorf("prompt template %s: %w", phase, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render prompt %s: %w", phase, err)
	}
	return buf.String(), nil
}

func load(promptsDir, phase string) (string, error) {
	if promptsDir != "" {
		b, err := os.ReadFile(filepath.Join(promptsDir, phase+".md"))
		if err == nil {
			return string(b), nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
	}
	b, err := defaultTemplates.ReadFile("templates/" + phase + ".md")
	if err != nil {
		return "", fmt.Errorf("no prompt template for phase %q", phase)
	}
	return string(b), nil
}

// WriteDefaults materializes the built-in templates into promptsDir so
// operators can edit them. Existing files are left alone.
func WriteDefaults(promptsDir string) error {
	entries, err := defaultTemplates.ReadDir("templates")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(promptsDir, 0o755); err != nil {
		return err
	}
	for _, e := range entries {
		dst := filepath.Join(promptsDir, e.Name())
		if _, err := os.Stat(dst); err == nil {
			continue
		}
		b, err := defaultTemplates.ReadFile("templates/" + e.Name())
		if err != nil {
			return err
		}
		if err := os.WriteFile(dst, b, 0o644); err != nil {
			return err
		}
	}
	return nil
}
