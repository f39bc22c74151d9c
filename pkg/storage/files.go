package storage

import (
	"bufio"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
)

// WriteLines записывает строки в файл, создавая каталоги. Если файл существует
// и overwrite == false, запись пропускается и возвращается false.
func WriteLines(path string, lines []string, overwrite bool) (bool, error) {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return false, nil
		} else if !errors.Is(err, fs.ErrNotExist) {
			return false, err
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, err
	}

	f, err := os.Create(path)
	if err != nil {
		return false, err
	}
	w := bufio.NewWriter(f)
	for _, line := range lines {
		if _, err := w.WriteString(line + "\n"); err != nil {
			f.Close()
			return false, err
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return false, err
	}
	return true, f.Close()
}
