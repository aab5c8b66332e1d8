package main

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"wanote/internal/config"
	"wanote/internal/store"
)

const snapshotName = "wanote.db"

func backupCmd() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Archive the allow-list/dedup database and the config file",
		Long: `Writes a .tar.gz with a consistent snapshot of the SQLite database
(taken with VACUUM INTO, safe while the server runs) and the config file.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			if outputPath == "" {
				dir := filepath.Join(config.DefaultConfigDir(), "backups")
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return fmt.Errorf("cannot create backup directory: %w", err)
				}
				outputPath = filepath.Join(dir, fmt.Sprintf("wanote-backup-%s.tar.gz", time.Now().Format("20060102-150405")))
			}

			tmp, err := os.MkdirTemp("", "wanote-backup-")
			if err != nil {
				return err
			}
			defer os.RemoveAll(tmp)

			snapshot := filepath.Join(tmp, snapshotName)
			if err := snapshotDB(cfg.Storage.DBPath, snapshot); err != nil {
				return fmt.Errorf("snapshot database: %w", err)
			}

			files := map[string]string{
				snapshotName:           snapshot,
				filepath.Base(cfgPath): cfgPath,
			}
			if err := writeArchive(outputPath, files); err != nil {
				return fmt.Errorf("backup failed: %w", err)
			}

			fmt.Printf("Backup created: %s\n", outputPath)
			for name, path := range files {
				var size uint64
				if info, err := os.Stat(path); err == nil {
					size = uint64(info.Size())
				}
				fmt.Printf("  - %s (%s)\n", name, humanize.Bytes(size))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "output file (default: ~/.wanote/backups/wanote-backup-<timestamp>.tar.gz)")
	return cmd
}

func restoreCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "restore <file.tar.gz>",
		Short: "Restore the database and config from a backup archive",
		Long:  "Stop 'wanote serve' first. Existing files are only overwritten with --force.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			dbPath := config.Defaults().Storage.DBPath
			if cfg, err := config.Load(cfgPath); err == nil {
				dbPath = cfg.Storage.DBPath
			}
			dbPath = config.ExpandPath(dbPath)

			if !force {
				for _, p := range []string{dbPath, cfgPath} {
					if _, err := os.Stat(p); err == nil {
						fmt.Printf("WARNING: %s exists and would be overwritten.\n", p)
						return fmt.Errorf("restore aborted (use --force to proceed)")
					}
				}
			}

			restored, err := readArchive(args[0], func(name string) string {
				switch {
				case name == snapshotName:
					return dbPath
				case strings.HasSuffix(name, ".json"), strings.HasSuffix(name, ".yaml"), strings.HasSuffix(name, ".yml"):
					return cfgPath
				default:
					return ""
				}
			})
			if err != nil {
				return fmt.Errorf("restore failed: %w", err)
			}
			// A stale WAL from the old database must not be replayed onto the restored one.
			for _, suffix := range []string{"-wal", "-shm"} {
				os.Remove(dbPath + suffix)
			}

			fmt.Printf("Restored from %s:\n", args[0])
			for _, f := range restored {
				fmt.Printf("  - %s\n", f)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing files")
	return cmd
}

func snapshotDB(dbPath, dest string) error {
	st, err := store.NewSQLiteStore(dbPath, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	_, err = st.DB().ExecContext(ctx, "VACUUM INTO ?", dest)
	return err
}

// writeArchive stores each source file under its archive name.
func writeArchive(outputPath string, files map[string]string) error {
	out, err := os.Create(outputPath)
	if err != nil {
		return err
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)
	for name, path := range files {
		if err := addToArchive(tw, name, path); err != nil {
			return fmt.Errorf("add %s: %w", name, err)
		}
	}
	if err := tw.Close(); err != nil {
		return err
	}
	if err := gz.Close(); err != nil {
		return err
	}
	return out.Close()
}

func addToArchive(tw *tar.Writer, name, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = name
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}

// readArchive extracts the entries target maps to a path; others are skipped.
func readArchive(archivePath string, target func(name string) string) ([]string, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("not a valid gzip file: %w", err)
	}
	defer gz.Close()

	var restored []string
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		dest := target(filepath.Base(hdr.Name))
		if dest == "" {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return nil, err
		}
		out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", dest, err)
		}
		if _, err := io.Copy(out, tr); err != nil {
			out.Close()
			return nil, fmt.Errorf("extract %s: %w", dest, err)
		}
		if err := out.Close(); err != nil {
			return nil, err
		}
		restored = append(restored, dest)
	}
	if len(restored) == 0 {
		return nil, fmt.Errorf("archive %s holds no wanote files", archivePath)
	}
	return restored, nil
}
