package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/vmops/ovfdeploy/pkg/db"
	"github.com/vmops/ovfdeploy/pkg/errors"
)

// ensureDirectories creates all necessary directories for the application
func ensureDirectories(sqlitePath, fsmDBPath, workDir string) error {
	if err := os.MkdirAll(filepath.Dir(sqlitePath), 0755); err != nil {
		return errors.Wrap(err, "failed to create database directory")
	}

	// Only needed for deploy
	if fsmDBPath != "" {
		if err := os.MkdirAll(fsmDBPath, 0755); err != nil {
			return errors.Wrap(err, "failed to create FSM directory")
		}
	}

	if workDir != "" {
		if err := os.MkdirAll(workDir, 0755); err != nil {
			return errors.Wrap(err, "failed to create work directory")
		}
	}

	return nil
}

// parseKeyValues parses repeated key=value flags. Values may contain '='.
func parseKeyValues(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("expected key=value, got %q", pair)
		}
		out[key] = strings.TrimSpace(value)
	}
	return out, nil
}

// mergeMaps returns base with overrides applied. base is not modified.
func mergeMaps(base, overrides map[string]string) map[string]string {
	if len(overrides) == 0 {
		return base
	}
	out := make(map[string]string, len(base)+len(overrides))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

// templateBaseName derives a VM name from a template path or URI.
func templateBaseName(tmpl string) string {
	base := tmpl
	if i := strings.LastIndex(base, "/"); i >= 0 {
		base = base[i+1:]
	}
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func printDeployment(d *db.Deployment) {
	fmt.Println()
	fmt.Printf("ID:          %s\n", d.ID)
	fmt.Printf("VM:          %s\n", d.VMName)
	fmt.Printf("Template:    %s\n", d.Template)
	fmt.Printf("Status:      %s\n", d.Status)
	fmt.Printf("Lease:       %s\n", orDash(d.Lease))
	fmt.Printf("Transferred: %d/%d bytes\n", d.TransferredBytes, d.TotalBytes)
	if d.ErrorKind != "" || d.ErrorMessage != "" {
		fmt.Printf("Error:       [%s] %s\n", orDash(d.ErrorKind), d.ErrorMessage)
	}
}
