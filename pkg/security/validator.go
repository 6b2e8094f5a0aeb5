package security

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
)

// Validator provides security validation for template archive entries
type Validator struct {
	maxDiskSize  int64
	maxTotalSize int64

	mu               sync.Mutex
	currentTotalSize int64
}

// NewValidator creates a new security validator.
// A limit of zero or less disables that check.
func NewValidator(maxDiskSize, maxTotalSize int64) *Validator {
	slog.Info("security_validator_init",
		"max_disk_size_mb", maxDiskSize/1024/1024,
		"max_total_size_mb", maxTotalSize/1024/1024)

	return &Validator{
		maxDiskSize:  maxDiskSize,
		maxTotalSize: maxTotalSize,
	}
}

// ValidatePath checks for path traversal attacks
// It validates entry names within a template archive
func (v *Validator) ValidatePath(entryName string) error {
	// Reject absolute paths
	if filepath.IsAbs(entryName) {
		slog.Error("security_path_validation_failed", "path", entryName, "reason", "absolute_path")
		return fmt.Errorf("security: absolute path not allowed: %s", entryName)
	}

	// Clean the path
	clean := filepath.Clean(entryName)

	// Reject paths that start with .. (escape current directory)
	if strings.HasPrefix(clean, "..") {
		slog.Error("security_path_validation_failed", "path", entryName, "reason", "path_traversal")
		return fmt.Errorf("security: path traversal detected: %s", entryName)
	}

	return nil
}

// ValidateReference checks a file reference taken from a descriptor.
// References must stay next to the descriptor, so directory components are rejected too.
func (v *Validator) ValidateReference(name string) error {
	if err := v.ValidatePath(name); err != nil {
		return err
	}
	if filepath.Base(name) != name {
		slog.Error("security_reference_validation_failed", "name", name, "reason", "directory_component")
		return fmt.Errorf("security: file reference must not contain directories: %s", name)
	}
	return nil
}

// ValidateDiskSize checks if a disk payload exceeds max disk size
func (v *Validator) ValidateDiskSize(size int64) error {
	if v.maxDiskSize > 0 && size > v.maxDiskSize {
		slog.Error("security_disk_size_exceeded",
			"disk_size_mb", size/1024/1024,
			"max_disk_size_mb", v.maxDiskSize/1024/1024)
		return fmt.Errorf("security: disk size %d exceeds max %d", size, v.maxDiskSize)
	}
	return nil
}

// AddPayloadSize tracks total payload size of one template and checks against limit
func (v *Validator) AddPayloadSize(size int64) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.currentTotalSize += size

	if v.maxTotalSize > 0 && v.currentTotalSize > v.maxTotalSize {
		slog.Error("security_total_size_exceeded",
			"current_total_mb", v.currentTotalSize/1024/1024,
			"max_total_mb", v.maxTotalSize/1024/1024,
			"payload_size_mb", size/1024/1024)
		return fmt.Errorf("security: total template size %d exceeds max %d",
			v.currentTotalSize, v.maxTotalSize)
	}

	return nil
}

// Reset resets the total size counter
func (v *Validator) Reset() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.currentTotalSize = 0
}

// GetCurrentTotalSize returns the current total payload size
func (v *Validator) GetCurrentTotalSize() int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.currentTotalSize
}
