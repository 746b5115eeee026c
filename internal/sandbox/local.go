package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"
)

// maxOutput caps captured stdout/stderr so a chatty command cannot flood
// the conversation.
const maxOutput = 64 * 1024

// ErrBlocked is returned for commands rejected by the deny list.
var ErrBlocked = errors.New("command blocked by sandbox policy")

// LocalRunner implements Runner with os/exec. Each request gets a fresh
// directory under BaseDir; on Linux with bubblewrap installed the command
// can only write inside it.
type LocalRunner struct {
	BaseDir        string
	DefaultTimeout time.Duration
	UseBwrap       bool
	KeepWorkDirs   bool
}

// NewLocalRunner creates a LocalRunner rooted at baseDir.
func NewLocalRunner(baseDir string, defaultTimeout time.Duration) *LocalRunner {
	if baseDir == "" {
		baseDir = filepath.Join(os.TempDir(), "daybreak-sandbox")
	}
	if defaultTimeout <= 0 {
		defaultTimeout = 60 * time.Second
	}
	return &LocalRunner{
		BaseDir:        baseDir,
		DefaultTimeout: defaultTimeout,
		UseBwrap:       true,
	}
}

// RunIsolated executes the request in a new work directory.
func (r *LocalRunner) RunIsolated(ctx context.Context, req Request) (*Result, error) {
	if strings.TrimSpace(req.Command) == "" {
		return nil, fmt.Errorf("empty command")
	}
	if BlockedShellCommand(req.Command) {
		return nil, ErrBlocked
	}

	if err := os.MkdirAll(r.BaseDir, 0755); err != nil {
		return nil, fmt.Errorf("create sandbox base: %w", err)
	}
	workDir, err := os.MkdirTemp(r.BaseDir, "run-")
	if err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	if !r.KeepWorkDirs {
		defer os.RemoveAll(workDir)
	}

	seeded := make(map[string]bool, len(req.Files))
	for name, content := range req.Files {
		rel, err := safeRelPath(name)
		if err != nil {
			return nil, err
		}
		path := filepath.Join(workDir, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("seed %s: %w", rel, err)
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			return nil, fmt.Errorf("seed %s: %w", rel, err)
		}
		seeded[filepath.ToSlash(rel)] = true
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = r.DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := r.command(runCtx, workDir, req.Command)
	cmd.Dir = workDir
	cmd.WaitDelay = time.Second
	cmd.Env = append(os.Environ(), "HOME="+workDir, "TMPDIR="+workDir)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &limitedWriter{buf: &stdout, max: maxOutput}
	cmd.Stderr = &limitedWriter{buf: &stderr, max: maxOutput}

	runErr := cmd.Run()
	result := &Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	var exitErr *exec.ExitError
	switch {
	case runErr == nil:
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		result.TimedOut = true
		result.ExitCode = -1
	case errors.As(runErr, &exitErr):
		result.ExitCode = exitErr.ExitCode()
	default:
		return nil, fmt.Errorf("run command: %w", runErr)
	}

	produced, err := listFiles(workDir, seeded)
	if err != nil {
		return nil, fmt.Errorf("list produced files: %w", err)
	}
	result.ProducedFiles = produced
	return result, nil
}

func (r *LocalRunner) command(ctx context.Context, workDir, command string) *exec.Cmd {
	if !r.UseBwrap || runtime.GOOS != "linux" {
		return exec.CommandContext(ctx, "sh", "-c", command)
	}
	bwrap, err := exec.LookPath("bwrap")
	if err != nil {
		return exec.CommandContext(ctx, "sh", "-c", command)
	}
	args := []string{
		"--bind", workDir, workDir,
		"--ro-bind", "/usr", "/usr",
		"--ro-bind", "/bin", "/bin",
		"--ro-bind", "/lib", "/lib",
		"--ro-bind-try", "/lib64", "/lib64",
		"--dev", "/dev",
		"--proc", "/proc",
		"--unshare-pid",
		"--chdir", workDir,
		"--", "sh", "-c", command,
	}
	return exec.CommandContext(ctx, bwrap, args...)
}

func safeRelPath(name string) (string, error) {
	clean := filepath.Clean(name)
	if filepath.IsAbs(clean) || clean == "." || strings.HasPrefix(clean, "..") {
		return "", fmt.Errorf("file path %q escapes the work directory", name)
	}
	return clean, nil
}

func listFiles(root string, skip map[string]bool) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if !skip[rel] {
			files = append(files, rel)
		}
		return nil
	})
	sort.Strings(files)
	return files, err
}

type limitedWriter struct {
	buf *bytes.Buffer
	max int
}

func (w *limitedWriter) Write(p []byte) (int, error) {
	if room := w.max - w.buf.Len(); room > 0 {
		if len(p) > room {
			w.buf.Write(p[:room])
		} else {
			w.buf.Write(p)
		}
	}
	return len(p), nil
}

// Verify LocalRunner implements Runner at compile time.
var _ Runner = (*LocalRunner)(nil)
