package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"slices"
	"strings"

	"github.com/matgreaves/run"
	"github.com/matgreaves/watt/server/ready"
	"github.com/matgreaves/watt/spec"
)

// GoConfig is the type-specific config for "go" services.
type GoConfig struct {
	// Package is the directory of the main package, relative to the project
	// dir.
	Package string `json:"package"`

	// Args are passed to the binary, with ${VAR} expanded like process args.
	Args []string `json:"args,omitempty"`

	// Ready and ReadyPath select the readiness probe, as for processes.
	Ready     string `json:"ready,omitempty"`
	ReadyPath string `json:"readyPath,omitempty"`
}

// Go implements Type for the "go" service type. Every start compiles the
// package with the local toolchain, reusing a cached binary when the
// sources are unchanged, and then runs it like a process.
type Go struct{}

// Publish resolves the endpoint for a go service.
func (Go) Publish(_ context.Context, params PublishParams) (Endpoint, error) {
	return PublishLocal(params)
}

// ReadyCheck implements ReadyChecker.
func (Go) ReadyCheck(svc spec.Service) ready.Checker {
	var cfg GoConfig
	if err := decodeConfig(svc, &cfg); err != nil || cfg.Ready == "none" {
		return nil
	}
	return ready.For(cfg.Ready, cfg.ReadyPath)
}

// Prepare implements Preparer by building the binary into the cache.
func (Go) Prepare(ctx context.Context, params StartParams) (StartParams, error) {
	var cfg GoConfig
	if err := decodeConfig(params.Spec, &cfg); err != nil {
		return params, fmt.Errorf("invalid go config: %w", err)
	}
	if cfg.Package == "" {
		return params, errors.New("go config: package is required")
	}

	b := goBuild{Dir: resolveDir(params.ProjectDir, cfg.Package)}
	key, err := b.cacheKey()
	if err != nil {
		return params, err
	}
	bin := filepath.Join(CacheDir(), "go", key, "binary")
	if info, err := os.Stat(bin); err == nil && info.Size() > 0 {
		params.Logger.Debug().Str("binary", bin).Msg("using cached build")
		params.Artifact = bin
		return params, nil
	}

	params.Logger.Info().Str("package", b.Dir).Msg("building")
	if err := b.build(ctx, bin); err != nil {
		return params, err
	}
	params.Artifact = bin
	return params, nil
}

// Runner runs the binary produced by Prepare.
func (Go) Runner(params StartParams) run.Runner {
	if params.Artifact == "" {
		return failed(fmt.Errorf("service %q: not built", params.ServiceID))
	}
	var cfg GoConfig
	if err := decodeConfig(params.Spec, &cfg); err != nil {
		return failed(fmt.Errorf("service %q: invalid go config: %w", params.ServiceID, err))
	}
	return run.Process{
		Name:   params.ServiceID,
		Path:   params.Artifact,
		Dir:    params.ProjectDir,
		Args:   expandArgs(cfg.Args, params.Env),
		Env:    params.Env,
		Stdout: params.Stdout,
		Stderr: params.Stderr,
	}
}

// CacheDir is where built artifacts are kept. WATT_CACHE_DIR overrides the
// default of {user cache dir}/watt.
func CacheDir() string {
	if dir := os.Getenv("WATT_CACHE_DIR"); dir != "" {
		return dir
	}
	base, err := os.UserCacheDir()
	if err != nil {
		base = os.TempDir()
	}
	return filepath.Join(base, "watt")
}

// goBuild compiles the main package in Dir.
type goBuild struct {
	Dir string
}

// cacheKey hashes the toolchain, the target platform and every source file
// under Dir, plus the go.mod and go.sum of the enclosing module.
//
// Packages imported from elsewhere in the module are not hashed; a change
// there needs the cache entry removed by hand.
func (b goBuild) cacheKey() (string, error) {
	h := sha256.New()
	fmt.Fprintf(h, "goos:%s\ngoarch:%s\ngoversion:%s\n", runtime.GOOS, runtime.GOARCH, runtime.Version())

	files, err := sourceFiles(b.Dir)
	if err != nil {
		return "", fmt.Errorf("list source files: %w", err)
	}
	if root, ok := moduleRoot(b.Dir); ok {
		for _, name := range []string{"go.mod", "go.sum"} {
			p := filepath.Join(root, name)
			if _, err := os.Stat(p); err == nil && !slices.Contains(files, p) {
				files = append(files, p)
			}
		}
	}
	for _, f := range files {
		if err := hashFile(h, f); err != nil {
			return "", fmt.Errorf("hash %s: %w", f, err)
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// build compiles into a temporary file beside out and renames it into
// place, so concurrent builds of one package never expose a partial binary.
func (b goBuild) build(ctx context.Context, out string) error {
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(out), "build-*")
	if err != nil {
		return fmt.Errorf("create build output: %w", err)
	}
	tmp.Close()
	defer os.Remove(tmp.Name())

	cmd := exec.CommandContext(ctx, "go", "build", "-trimpath", "-o", tmp.Name(), ".")
	cmd.Dir = b.Dir
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("go build %s: %w: %s", b.Dir, err, strings.TrimSpace(string(output)))
	}
	return os.Rename(tmp.Name(), out)
}

// sourceFiles returns every .go, go.mod and go.sum file under dir, sorted.
func sourceFiles(dir string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && (strings.HasPrefix(d.Name(), ".") || d.Name() == "testdata") {
				return filepath.SkipDir
			}
			return nil
		}
		name := d.Name()
		if strings.HasSuffix(name, ".go") || name == "go.mod" || name == "go.sum" {
			paths = append(paths, path)
		}
		return nil
	})
	slices.Sort(paths)
	return paths, err
}

// moduleRoot walks up from dir to the directory holding go.mod.
func moduleRoot(dir string) (string, bool) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return "", false
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false
		}
		dir = parent
	}
}

// hashFile writes the file's path and contents into h. The path is
// included so renames change the key.
func hashFile(h io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	fmt.Fprintf(h, "file:%s\n", path)
	_, err = io.Copy(h, f)
	return err
}
