// Package main implements the genconfig tool that writes config.default.toml
// from config.ExampleConfig() annotated with config.ConfigDocs.
//
// It is invoked by go generate via the directive in internal/config/config.go.
// With -check it only verifies that the committed file is current.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"tools.zach/dev/swaddle/internal/config"
)

// defaultOut is relative to internal/config, where go generate runs. The
// repo root holds configdata.go, which embeds the file.
const defaultOut = "../../config.default.toml"

func main() {
	outPath := flag.String("o", defaultOut, "output path")
	check := flag.Bool("check", false, "exit 1 if the output file is out of date instead of writing it")
	flag.Parse()

	result, err := render(config.ExampleConfig())
	if err != nil {
		fmt.Fprintf(os.Stderr, "render: %v\n", err)
		os.Exit(1)
	}

	if *check {
		current, err := os.ReadFile(*outPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "read %s: %v\n", *outPath, err)
			os.Exit(1)
		}
		if string(current) != result {
			fmt.Fprintf(os.Stderr, "%s is stale; run go generate ./internal/config\n", *outPath)
			os.Exit(1)
		}
		return
	}

	if err := os.WriteFile(*outPath, []byte(result), 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "write %s: %v\n", *outPath, err)
		os.Exit(1)
	}
	fmt.Printf("wrote %s\n", *outPath)
}

// render encodes cfg as TOML and annotates it with [config.ConfigDocs]:
// comments above each key, commented-out alternatives below, and a banner
// before each section.
func render(cfg *config.Config) (string, error) {
	var raw bytes.Buffer
	if err := toml.NewEncoder(&raw).Encode(cfg); err != nil {
		return "", fmt.Errorf("marshal: %w", err)
	}

	lines := strings.Split(raw.String(), "\n")
	out := []string{
		"# ///////////////////////////////////////////////",
		"# Swaddle Configuration",
		"# ///////////////////////////////////////////////",
		"",
	}

	// Current TOML section path for field lookup
	var sectionStack []string
	// Doc keys already emitted, so omitted fields can be injected
	emittedKeys := map[string]bool{}

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)

		// Spacing is managed here, not by the encoder
		if trimmed == "" {
			continue
		}

		if strings.HasPrefix(trimmed, "[") && !strings.HasPrefix(trimmed, "[[") {
			injectOmitted(&out, sectionStack, emittedKeys)

			section := strings.Trim(trimmed, "[] ")
			sectionStack = parseSectionPath(section)

			out = append(out, "", fmt.Sprintf("# ///// %s /////", sectionName(section)), "")
			if doc, ok := config.ConfigDocs[section]; ok && doc.Comment != "" {
				out = appendComment(out, doc.Comment)
			}
			out = append(out, trimmed)
			continue
		}

		if !strings.Contains(trimmed, "=") || strings.HasPrefix(trimmed, "#") {
			out = append(out, trimmed)
			continue
		}

		key := strings.TrimSpace(strings.SplitN(trimmed, "=", 2)[0])
		fullPath := key
		if len(sectionStack) > 0 {
			fullPath = strings.Join(sectionStack, ".") + "." + key
		}
		emittedKeys[fullPath] = true

		doc, ok := config.ConfigDocs[fullPath]
		if !ok {
			out = append(out, trimmed)
			continue
		}
		out = appendComment(out, doc.Comment)
		out = append(out, trimmed)
		for _, alt := range doc.Alternatives {
			out = append(out, "# "+alt)
		}
	}

	injectOmitted(&out, sectionStack, emittedKeys)

	return strings.TrimRight(strings.Join(out, "\n"), "\n") + "\n", nil
}

// appendComment appends each line of comment prefixed with "# ".
func appendComment(out []string, comment string) []string {
	if comment == "" {
		return out
	}
	for _, cl := range strings.Split(comment, "\n") {
		out = append(out, "# "+cl)
	}
	return out
}

// injectOmitted appends commented-out entries for [config.ConfigDocs] keys that
// belong to the current section but were not emitted by the TOML encoder (typically
// because the field has an omitempty tag and holds its zero value). This ensures
// every documented option appears in the generated file, even when its value is
// omitted from the encoded output. Keys are sorted for deterministic ordering.
func injectOmitted(out *[]string, sectionStack []string, emitted map[string]bool) {
	if len(sectionStack) == 0 {
		return
	}
	prefix := strings.Join(sectionStack, ".") + "."

	// Collect omitted keys and sort for deterministic output
	var omitted []string
	for path := range config.ConfigDocs {
		if !strings.HasPrefix(path, prefix) {
			continue
		}
		rest := strings.TrimPrefix(path, prefix)
		if strings.Contains(rest, ".") {
			continue
		}
		if emitted[path] {
			continue
		}
		omitted = append(omitted, path)
	}
	sort.Strings(omitted)

	for _, path := range omitted {
		doc := config.ConfigDocs[path]
		*out = append(*out, "")
		*out = appendComment(*out, doc.Comment)
		for _, alt := range doc.Alternatives {
			*out = append(*out, "# "+alt)
		}
		emitted[path] = true
	}
}

// parseSectionPath splits a dotted TOML section header (e.g. "inhibitor.env")
// into its component path segments (["inhibitor", "env"]). The returned slice
// is used as a stack to track the current nesting depth during output generation.
func parseSectionPath(section string) []string {
	return strings.Split(section, ".")
}

// sectionName returns a human-readable display name for a TOML section header
// by extracting the last dotted segment and capitalizing its first letter.
// For example, "inhibitor.env" yields "Env".
func sectionName(section string) string {
	parts := strings.Split(section, ".")
	last := parts[len(parts)-1]
	if len(last) == 0 {
		return ""
	}
	return strings.ToUpper(last[:1]) + last[1:]
}
