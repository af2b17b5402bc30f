package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/obstack/upgradectl/internal/model"
)

// versionToken extracts the first version-looking token from probe output,
// e.g. "node_exporter, version 1.2.0 (branch: HEAD)" → "1.2.0".
var versionToken = regexp.MustCompile(`v?[0-9]+\.[0-9]+(\.[0-9]+)?`)

// execCommand is the command-backed executor: probe/apply/restore shell out,
// health checks hit an HTTP endpoint or run a command, and backups copy the
// declared binary/config/data paths.
type execCommand struct {
	component string
	spec      model.ExecSpec
	client    *http.Client
}

// NewExecCommand builds the "exec" executor from a component spec.
func NewExecCommand(spec model.ComponentSpec) (Executor, error) {
	return &execCommand{
		component: spec.Name,
		spec:      spec.Exec,
		client:    &http.Client{},
	}, nil
}

func (e *execCommand) ProbeVersion(ctx context.Context) (string, error) {
	out, err := runShell(ctx, e.spec.ProbeCommand)
	if err != nil {
		return "", fmt.Errorf("probe %s: %w", e.component, err)
	}
	token := versionToken.FindString(out)
	if token == "" {
		return "", fmt.Errorf("probe %s: no version in output %q", e.component, strings.TrimSpace(out))
	}
	return strings.TrimPrefix(token, "v"), nil
}

func (e *execCommand) Apply(ctx context.Context, targetVersion string) error {
	cmd := strings.ReplaceAll(e.spec.ApplyCommand, "{version}", targetVersion)
	if _, err := runShell(ctx, cmd); err != nil {
		return fmt.Errorf("apply %s %s: %w", e.component, targetVersion, err)
	}
	return nil
}

func (e *execCommand) VerifyHealth(ctx context.Context) HealthResult {
	if e.spec.HealthURL != "" {
		return e.verifyHTTP(ctx)
	}
	return e.verifyCommand(ctx)
}

func (e *execCommand) verifyHTTP(ctx context.Context) HealthResult {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.spec.HealthURL, nil)
	if err != nil {
		return HealthResult{Health: Unknown, Detail: err.Error()}
	}
	resp, err := e.client.Do(req)
	if err != nil {
		// Transport errors (refused, timeout) say nothing about the
		// component's data: unknown, not unhealthy.
		return HealthResult{Health: Unknown, Detail: err.Error()}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return HealthResult{Health: Healthy}
	}
	return HealthResult{Health: Unhealthy, Detail: fmt.Sprintf("GET %s: %s", e.spec.HealthURL, resp.Status)}
}

func (e *execCommand) verifyCommand(ctx context.Context) HealthResult {
	_, err := runShell(ctx, e.spec.HealthCommand)
	if err == nil {
		return HealthResult{Health: Healthy}
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(ctx.Err(), context.Canceled) {
		return HealthResult{Health: Unknown, Detail: err.Error()}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return HealthResult{Health: Unhealthy, Detail: err.Error()}
	}
	return HealthResult{Health: Unknown, Detail: err.Error()}
}

func (e *execCommand) Backup(ctx context.Context, destDir string) (model.ArtifactRefs, error) {
	var refs model.ArtifactRefs

	if e.spec.BinaryPath != "" {
		dst := filepath.Join(destDir, "binary"+filepath.Ext(e.spec.BinaryPath))
		if err := copyFile(e.spec.BinaryPath, dst); err != nil {
			return refs, fmt.Errorf("backup binary: %w", err)
		}
		refs.Binary = dst
	}
	if e.spec.ConfigPath != "" {
		dst := filepath.Join(destDir, "config"+filepath.Ext(e.spec.ConfigPath))
		if err := copyFile(e.spec.ConfigPath, dst); err != nil {
			return refs, fmt.Errorf("backup config: %w", err)
		}
		refs.Config = dst
	}
	if e.spec.DataDir != "" {
		dst := filepath.Join(destDir, "data")
		if err := copyTree(ctx, e.spec.DataDir, dst); err != nil {
			return refs, fmt.Errorf("backup data: %w", err)
		}
		refs.DataSnapshot = dst
	}
	return refs, nil
}

func (e *execCommand) Restore(ctx context.Context, rec *model.BackupRecord) error {
	if rec.Artifacts.Binary != "" && e.spec.BinaryPath != "" {
		if err := copyFile(rec.Artifacts.Binary, e.spec.BinaryPath); err != nil {
			return fmt.Errorf("restore binary: %w", err)
		}
	}
	if rec.Artifacts.Config != "" && e.spec.ConfigPath != "" {
		if err := copyFile(rec.Artifacts.Config, e.spec.ConfigPath); err != nil {
			return fmt.Errorf("restore config: %w", err)
		}
	}
	if rec.Artifacts.DataSnapshot != "" && e.spec.DataDir != "" {
		if err := os.RemoveAll(e.spec.DataDir); err != nil {
			return fmt.Errorf("clear data dir: %w", err)
		}
		if err := copyTree(ctx, rec.Artifacts.DataSnapshot, e.spec.DataDir); err != nil {
			return fmt.Errorf("restore data: %w", err)
		}
	}
	if e.spec.RestoreCommand != "" {
		if _, err := runShell(ctx, e.spec.RestoreCommand); err != nil {
			return fmt.Errorf("restore command: %w", err)
		}
	}
	return nil
}

func runShell(ctx context.Context, command string) (string, error) {
	if command == "" {
		return "", errors.New("empty command")
	}
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("%q: %w (output: %s)", command, err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

func copyFile(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func copyTree(ctx context.Context, src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0755)
		}
		return copyFile(path, target)
	})
}
