package backup

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelsos/screening-sync/internal/logger"
)

// GetDefaultBackupDir returns the default backup directory
func GetDefaultBackupDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}

	backupDir := filepath.Join(homeDir, "backups")
	if err := os.MkdirAll(backupDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create backup directory: %w", err)
	}

	return backupDir, nil
}

// CreateBackup archives the durable state kept by the file backend:
// local history, resume pointer and client id
func CreateBackup(dataDir, backupDir string) (string, error) {
	if _, err := os.Stat(dataDir); err != nil {
		return "", fmt.Errorf("data directory %s is not readable: %w", dataDir, err)
	}

	if backupDir == "" {
		var err error
		backupDir, err = GetDefaultBackupDir()
		if err != nil {
			return "", fmt.Errorf("failed to get default backup directory: %w", err)
		}
	} else if err := os.MkdirAll(backupDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create backup directory: %w", err)
	}

	timestamp := time.Now().Format("20060102_150405")
	backupFile := filepath.Join(backupDir, fmt.Sprintf("screening_backup_%s.zip", timestamp))

	zipFile, err := os.Create(backupFile)
	if err != nil {
		return "", fmt.Errorf("failed to create backup file: %w", err)
	}
	defer zipFile.Close()

	zipWriter := zip.NewWriter(zipFile)

	count := 0
	err = filepath.Walk(dataDir, func(path string, info os.FileInfo, err error) error {
		added, err := AddToZip(path, info, err, dataDir, zipWriter)
		if added {
			count++
		}
		return err
	})
	if err != nil {
		zipWriter.Close()
		return "", fmt.Errorf("failed to create backup: %w", err)
	}

	if err := zipWriter.Close(); err != nil {
		return "", fmt.Errorf("failed to finalize backup: %w", err)
	}

	logger.Info("Backup of %d files created successfully: %s", count, backupFile)
	return backupFile, nil
}

// AddToZip adds one walked file to the archive and reports whether it was included
func AddToZip(path string, info os.FileInfo, err error, dataDir string, zipWriter *zip.Writer) (bool, error) {
	if err != nil {
		return false, err
	}

	if path == dataDir {
		return false, nil
	}

	relPath, err := filepath.Rel(dataDir, path)
	if err != nil {
		return false, fmt.Errorf("failed to get relative path: %w", err)
	}

	if !ShouldIncludeInBackup(relPath, info.IsDir()) {
		if info.IsDir() {
			logger.Debug("Skipping directory: %s", relPath)
			return false, filepath.SkipDir
		}
		logger.Debug("Skipping file: %s", relPath)
		return false, nil
	}

	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return false, fmt.Errorf("failed to create file header: %w", err)
	}

	header.Name = relPath
	header.Method = zip.Deflate

	writer, err := zipWriter.CreateHeader(header)
	if err != nil {
		return false, fmt.Errorf("failed to create file in zip: %w", err)
	}

	file, err := os.Open(path)
	if err != nil {
		return false, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	if _, err := io.Copy(writer, file); err != nil {
		return false, fmt.Errorf("failed to copy file contents: %w", err)
	}

	logger.Debug("Added file to backup: %s", relPath)
	return true, nil
}

// ShouldIncludeInBackup keeps the key files at the top of the data
// directory and skips in-progress temp files and subdirectories
func ShouldIncludeInBackup(relPath string, isDir bool) bool {
	if isDir || strings.ContainsRune(relPath, filepath.Separator) {
		return false
	}
	if strings.HasPrefix(relPath, ".tmp-") {
		return false
	}
	return strings.HasSuffix(relPath, ".json")
}
