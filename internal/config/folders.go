package config

import (
	"bufio"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/me/myqueue/internal/fsutil"
)

// GlobalDir is $HOME/.myqueue.
func GlobalDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, DirName), nil
}

func foldersFile() (string, error) {
	dir, err := GlobalDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "folders.txt"), nil
}

// KnownFolders returns the registered tree roots that still have a
// .myqueue directory.
func KnownFolders() ([]string, error) {
	path, err := foldersFile()
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var roots []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || slices.Contains(roots, line) {
			continue
		}
		if fsutil.Exists(filepath.Join(line, DirName)) {
			roots = append(roots, line)
		}
	}
	return roots, sc.Err()
}

// RegisterFolder adds root to folders.txt and drops stale entries.
func RegisterFolder(root string) error {
	path, err := foldersFile()
	if err != nil {
		return err
	}
	roots, err := KnownFolders()
	if err != nil {
		return err
	}
	if !slices.Contains(roots, root) {
		roots = append(roots, root)
	}
	return fsutil.WriteFileAtomic(path, []byte(strings.Join(roots, "\n")+"\n"), 0o644)
}
