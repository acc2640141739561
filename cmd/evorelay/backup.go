package main

import (
	"archive/tar"
	"compress/gzip"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"evorelay/internal/config"

	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"
)

// archiveFile maps a file on disk to its name inside the backup archive.
type archiveFile struct {
	path string
	name string
}

func backupCmd() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Create a backup of EvoRelay data (database + config)",
		Long: `Creates a compressed .tar.gz archive containing a consistent snapshot
of the SQLite database (safe to take while 'evorelay serve' is running,
WAL included) and the configuration file. Timestamped by default.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			dbPath := resolveDBPath(cfgPath)

			if outputPath == "" {
				backupDir := filepath.Join(config.DefaultConfigDir(), "backups")
				if err := os.MkdirAll(backupDir, 0o755); err != nil {
					return fmt.Errorf("cannot create backup directory: %w", err)
				}
				ts := time.Now().Format("20060102-150405")
				outputPath = filepath.Join(backupDir, fmt.Sprintf("evorelay-backup-%s.tar.gz", ts))
			}

			var files []archiveFile

			// Snapshot the database rather than copying the live file: a
			// raw copy taken mid-checkpoint loses WAL content.
			if _, err := os.Stat(dbPath); err == nil {
				tmpDir, err := os.MkdirTemp("", "evorelay-backup-")
				if err != nil {
					return err
				}
				defer os.RemoveAll(tmpDir)

				snap := filepath.Join(tmpDir, "evorelay.db")
				if err := snapshotDB(dbPath, snap); err != nil {
					return fmt.Errorf("snapshot database: %w", err)
				}
				files = append(files, archiveFile{path: snap, name: "evorelay.db"})
			}

			if _, err := os.Stat(cfgPath); err == nil {
				files = append(files, archiveFile{path: cfgPath, name: "config.json"})
			}

			if len(files) == 0 {
				return fmt.Errorf("no files to backup (db: %s, config: %s)", dbPath, cfgPath)
			}

			if err := createTarGz(outputPath, files); err != nil {
				return fmt.Errorf("backup failed: %w", err)
			}

			fmt.Printf("Backup created: %s\n", outputPath)
			fmt.Printf("Files included: %d\n", len(files))
			for _, f := range files {
				info, _ := os.Stat(f.path)
				size := int64(0)
				if info != nil {
					size = info.Size()
				}
				fmt.Printf("  - %s (%s)\n", f.name, humanSize(size))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "output file path (default: ~/.evorelay/backups/evorelay-backup-<timestamp>.tar.gz)")
	return cmd
}

func restoreCmd() *cobra.Command {
	var inputPath string
	var force bool

	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Restore EvoRelay data from a backup archive",
		Long: `Restores the SQLite database and configuration file from a .tar.gz
backup archive created by 'evorelay backup'. Stop 'evorelay serve' first.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if inputPath == "" && len(args) > 0 {
				inputPath = args[0]
			}
			if inputPath == "" {
				return fmt.Errorf("specify a backup file: evorelay restore <file.tar.gz>")
			}

			cfgPath := resolveConfigPath()
			dbPath := resolveDBPath(cfgPath)

			// Safety: warn before overwriting
			if !force {
				existing := false
				if _, err := os.Stat(dbPath); err == nil {
					existing = true
				}
				if _, err := os.Stat(cfgPath); err == nil {
					existing = true
				}
				if existing {
					fmt.Printf("WARNING: This will overwrite existing data.\n")
					fmt.Printf("  Database: %s\n", dbPath)
					fmt.Printf("  Config:   %s\n", cfgPath)
					fmt.Printf("Use --force to skip this warning.\n")
					return fmt.Errorf("restore aborted (use --force to proceed)")
				}
			}

			restored, err := extractTarGz(inputPath, dbPath, cfgPath)
			if err != nil {
				return fmt.Errorf("restore failed: %w", err)
			}

			fmt.Printf("Restore completed from: %s\n", inputPath)
			fmt.Printf("Files restored: %d\n", len(restored))
			for _, f := range restored {
				fmt.Printf("  - %s\n", f)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&inputPath, "input", "i", "", "backup file to restore from")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing data without warning")
	return cmd
}

// resolveDBPath reads the configured database path, falling back to a
// sibling of the config file when the config cannot be loaded.
func resolveDBPath(cfgPath string) string {
	if cfg, err := config.Load(cfgPath); err == nil && cfg.Store.DBPath != "" {
		return cfg.Store.DBPath
	}
	return filepath.Join(filepath.Dir(cfgPath), "evorelay.db")
}

// snapshotDB writes a consistent single-file copy of the database to dest
// using VACUUM INTO, which folds pending WAL content into the snapshot.
func snapshotDB(dbPath, dest string) error {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("cannot open: %w", err)
	}
	defer db.Close()

	if _, err := db.Exec("VACUUM INTO ?", dest); err != nil {
		return fmt.Errorf("vacuum into: %w", err)
	}
	return nil
}

// createTarGz creates a .tar.gz archive from the given files.
func createTarGz(outputPath string, files []archiveFile) error {
	outFile, err := os.Create(outputPath)
	if err != nil {
		return err
	}
	defer outFile.Close()

	gzWriter := gzip.NewWriter(outFile)
	defer gzWriter.Close()

	tarWriter := tar.NewWriter(gzWriter)
	defer tarWriter.Close()

	for _, f := range files {
		if err := addFileToTar(tarWriter, f); err != nil {
			return fmt.Errorf("add %s: %w", f.path, err)
		}
	}

	return nil
}

func addFileToTar(tw *tar.Writer, f archiveFile) error {
	file, err := os.Open(f.path)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}

	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	header.Name = f.name

	if err := tw.WriteHeader(header); err != nil {
		return err
	}

	_, err = io.Copy(tw, file)
	return err
}

// extractTarGz extracts the database and config from a backup archive.
// Stale WAL/SHM siblings of the database are removed after extraction so
// the restored snapshot is not overlaid with leftover journal content.
func extractTarGz(archivePath, dbPath, cfgPath string) ([]string, error) {
	file, err := os.Open(archivePath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	gzReader, err := gzip.NewReader(file)
	if err != nil {
		return nil, fmt.Errorf("not a valid gzip file: %w", err)
	}
	defer gzReader.Close()

	tarReader := tar.NewReader(gzReader)
	var restored []string

	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		var targetPath string
		baseName := filepath.Base(header.Name)
		switch {
		case baseName == "config.json":
			targetPath = cfgPath
		case strings.HasSuffix(baseName, ".db"):
			targetPath = dbPath
		default:
			fmt.Printf("Skipping unknown archive entry: %s\n", header.Name)
			continue
		}

		if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
			return nil, err
		}

		outFile, err := os.Create(targetPath)
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", targetPath, err)
		}

		if _, err := io.Copy(outFile, tarReader); err != nil {
			outFile.Close()
			return nil, fmt.Errorf("extract %s: %w", targetPath, err)
		}
		outFile.Close()

		if targetPath == dbPath {
			for _, suffix := range []string{"-wal", "-shm"} {
				os.Remove(dbPath + suffix)
			}
		}

		restored = append(restored, targetPath)
	}

	return restored, nil
}

func humanSize(bytes int64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(gb))
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
