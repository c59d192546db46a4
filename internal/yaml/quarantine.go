package yaml

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/agentflow/internal/logging"
)

// Quarantine moves a corrupted file into <workspaceDir>/quarantine so it can
// be inspected later without blocking the collection it belonged to.
func Quarantine(logger *logging.Logger, workspaceDir, filePath string) error {
	quarantineDir := filepath.Join(workspaceDir, "quarantine")
	if err := os.MkdirAll(quarantineDir, 0755); err != nil {
		return fmt.Errorf("create quarantine dir: %w", err)
	}

	stamp := time.Now().Format("20060102T150405.000000000")
	dst := filepath.Join(quarantineDir, fmt.Sprintf("%s.%s.corrupt", filepath.Base(filePath), stamp))
	if err := os.Rename(filePath, dst); err != nil {
		return fmt.Errorf("move to quarantine: %w", err)
	}

	logger.Warnf("quarantined corrupted file %s as %s", filePath, dst)
	return nil
}

// RestoreFromBackup puts filePath.bak back in place if it is itself a valid
// fileType collection.
func RestoreFromBackup(logger *logging.Logger, filePath, fileType string) error {
	bakPath := filePath + ".bak"
	content, err := os.ReadFile(bakPath)
	if os.IsNotExist(err) {
		return fmt.Errorf("no backup file: %s", bakPath)
	}
	if err != nil {
		return fmt.Errorf("read backup: %w", err)
	}

	if err := WriteCollection(filePath, content, fileType); err != nil {
		return fmt.Errorf("restore from backup: %w", err)
	}

	logger.Infof("restored %s from %s", filePath, bakPath)
	return nil
}

func GenerateSkeleton(filePath string, fileType string) error {
	content, err := yamlv3.Marshal(Skeleton(fileType))
	if err != nil {
		return fmt.Errorf("marshal skeleton: %w", err)
	}
	if err := WriteCollection(filePath, content, fileType); err != nil {
		return fmt.Errorf("write skeleton: %w", err)
	}
	return nil
}

// RecoverCorruptedFile quarantines filePath, then restores the last good
// backup or, failing that, writes an empty skeleton of fileType.
func RecoverCorruptedFile(logger *logging.Logger, workspaceDir, filePath, fileType string) error {
	if err := Quarantine(logger, workspaceDir, filePath); err != nil {
		return fmt.Errorf("quarantine failed: %w", err)
	}

	err := RestoreFromBackup(logger, filePath, fileType)
	if err == nil {
		return nil
	}
	logger.Warnf("backup restore failed for %s: %v, writing empty skeleton", filePath, err)

	if err := GenerateSkeleton(filePath, fileType); err != nil {
		return fmt.Errorf("skeleton generation failed: %w", err)
	}
	return nil
}
// Skeleton returns the empty form of a collection file.
func Skeleton(fileType string) map[string]any {
	switch fileType {
	case FileTypeWaitingSessions:
		return map[string]any{
			"schema_version": CurrentSchemaVersion,
			"file_type":      FileTypeWaitingSessions,
			"sessions":       map[string]any{},
		}
	case FileTypeMessageQueue:
		return map[string]any{
			"schema_version":   CurrentSchemaVersion,
			"file_type":        FileTypeMessageQueue,
			"pending_messages": []any{},
		}
	case FileTypeConversationFlow:
		return map[string]any{
			"schema_version":       CurrentSchemaVersion,
			"file_type":            FileTypeConversationFlow,
			"active_conversations": []any{},
		}
	default:
		return map[string]any{
			"schema_version": CurrentSchemaVersion,
			"file_type":      fileType,
		}
	}
}
