package schema

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ReadExpenseFile reads and validates one inbox expense file.
func ReadExpenseFile(path string) (*Expense, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read expense file %s: %w", path, err)
	}

	var expense Expense
	if err := json.Unmarshal(data, &expense); err != nil {
		return nil, fmt.Errorf("failed to parse expense file %s: %w", path, err)
	}

	if err := expense.Validate(); err != nil {
		return nil, fmt.Errorf("invalid expense file %s: %w", path, err)
	}

	return &expense, nil
}

// WriteExpenseFile writes expense to dir/name as indented JSON and returns
// the full path. The file is written under a temporary name and renamed, so
// a watcher never sees a half-written file with the .json suffix.
func WriteExpenseFile(dir, name string, expense *Expense) (string, error) {
	if err := expense.Validate(); err != nil {
		return "", fmt.Errorf("cannot write invalid expense: %w", err)
	}
	if !strings.HasSuffix(name, ".json") {
		name += ".json"
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create inbox directory: %w", err)
	}

	data, err := json.MarshalIndent(expense, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal expense: %w", err)
	}

	path := filepath.Join(dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write expense file %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to move expense file into place: %w", err)
	}

	return path, nil
}

// ExpenseFile is an inbox entry and the path it was read from.
type ExpenseFile struct {
	Path    string
	Expense *Expense
}

// ReadAllExpenseFiles reads every *.json file in dir. A missing directory is
// empty. Invalid files are skipped and reported in the second return value.
func ReadAllExpenseFiles(dir string) ([]ExpenseFile, map[string]error, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("failed to read inbox directory: %w", err)
	}

	var files []ExpenseFile
	var invalid map[string]error
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		expense, err := ReadExpenseFile(path)
		if err != nil {
			if invalid == nil {
				invalid = make(map[string]error)
			}
			invalid[path] = err
			continue
		}
		files = append(files, ExpenseFile{Path: path, Expense: expense})
	}

	return files, invalid, nil
}
