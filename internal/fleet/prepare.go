package fleet

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/MrSnakeDoc/fleetmesh/internal/utils"
)

// Placeholders rewritten in the start script.
const (
	TokenPort     = "{port}"
	TokenTemplate = "{template}"
)

var (
	ErrStartScriptMissing = errors.New("fleet: start script missing")
	ErrStartScriptToken   = errors.New("fleet: start script has no port placeholder")
)

// copyTree copies the regular files and directories of src into dst,
// overwriting existing files. Symlinks are recreated as links.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		switch {
		case d.IsDir():
			return os.MkdirAll(target, 0o755)
		case d.Type()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			_ = os.Remove(target)
			return os.Symlink(link, target)
		case d.Type().IsRegular():
			info, err := d.Info()
			if err != nil {
				return err
			}
			return copyFile(path, target, info.Mode().Perm())
		default:
			return nil
		}
	})
}

func copyFile(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer utils.Close(in)

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// rewriteStartScript replaces the placeholders of the start script found in
// dir and returns its path.
func rewriteStartScript(dir string, port int, template string) (string, error) {
	path := filepath.Join(dir, StartScriptName)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrStartScriptMissing, path)
		}
		return "", fmt.Errorf("read start script: %w", err)
	}
	if !bytes.Contains(data, []byte(TokenPort)) {
		return "", fmt.Errorf("%w: %s", ErrStartScriptToken, path)
	}

	data = bytes.ReplaceAll(data, []byte(TokenPort), []byte(strconv.Itoa(port)))
	data = bytes.ReplaceAll(data, []byte(TokenTemplate), []byte(template))
	if err := os.WriteFile(path, data, 0o755); err != nil {
		return "", fmt.Errorf("write start script: %w", err)
	}
	return path, nil
}

// ResetInstances removes the instances root and recreates it empty.
func ResetInstances(root string) error {
	if err := os.RemoveAll(root); err != nil {
		return fmt.Errorf("clear instances directory: %w", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return fmt.Errorf("create instances directory: %w", err)
	}
	return nil
}
