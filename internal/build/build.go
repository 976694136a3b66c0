package build

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/cratehq/boxd/internal/layer"
	"github.com/cratehq/boxd/internal/lifecycle"
)

// Controls recipe execution.
type Options struct {
	Recipe string // Path to the recipe file. Its directory is the build context.
	Tag    string // Reference for the finished image.
}

// Returned after successful recipe execution.
type Result struct {
	Ref   string // The tagged reference of the built image.
	Steps int    // Number of operations executed.
}

// How often a build polls for its step container to finish.
const pollInterval = 50 * time.Millisecond

// Executes a recipe against the container engine.
//
// Each operation runs in a fresh container created from the previous
// step's result and is committed into an intermediate image, so a failed
// step leaves earlier results intact. The final chain is tagged with the
// requested reference and configured with the recipe's entrypoint and
// accumulated environment; intermediate tags are removed before
// returning (their layers stay until garbage collection).
func Run(ctx context.Context, mgr *lifecycle.Manager, layers *layer.Store, opts Options) (*Result, error) {
	recipe, err := ParseRecipe(opts.Recipe)
	if err != nil {
		return nil, err
	}
	if opts.Tag == "" {
		return nil, fmt.Errorf("%w: no tag for the result", ErrRecipe)
	}

	slog.Info("executing recipe", "recipe", opts.Recipe, "base", recipe.Base, "tag", opts.Tag)

	b := &builder{
		mgr:      mgr,
		layers:   layers,
		buildCtx: filepath.Dir(opts.Recipe),
		scope:    strings.ReplaceAll(uuid.NewString(), "-", "")[:8],
		current:  recipe.Base,
	}
	defer b.removeIntermediates()

	state := newStepState()
	steps := 0
	for i, step := range recipe.Steps {
		if !step.isOperation() {
			state.apply(step)
			continue
		}
		if err := b.executeOperation(ctx, step, state.resolve(step)); err != nil {
			return nil, fmt.Errorf("%w: step %d: %w", ErrBuild, i+1, err)
		}
		steps++
	}

	img, err := b.tagResult(opts.Tag, recipe, state)
	if err != nil {
		return nil, err
	}

	slog.Info("recipe built", "ref", img.Name, "steps", steps, "layers", len(img.Layers))
	return &Result{Ref: img.Name, Steps: steps}, nil
}

// Holds shared state while executing one recipe.
type builder struct {
	mgr      *lifecycle.Manager
	layers   *layer.Store
	buildCtx string // directory copy sources are resolved against
	scope    string // unique prefix for this build's intermediate tags
	current  string // reference the next step builds on

	intermediates []string
}

// Runs one operation in a fresh container and commits the result as the
// new current reference.
func (b *builder) executeOperation(ctx context.Context, step Step, resolved *stepState) error {
	opts := lifecycle.CreateOptions{
		Image:       b.current,
		Env:         resolved.environ(),
		WorkingDir:  resolved.workdir,
		Hostname:    "build",
		HostNetwork: true,
	}
	if step.Run != "" {
		opts.Entrypoint = []string{resolved.shell, "-c", step.Run}
	} else {
		// Copy steps never run; the entrypoint only satisfies creation.
		opts.Entrypoint = []string{resolved.shell}
	}

	c, err := b.mgr.Create(ctx, opts)
	if err != nil {
		return err
	}
	defer b.mgr.Remove(ctx, c.ID)

	if resolved.workdir != "" {
		if err := os.MkdirAll(filepath.Join(c.MountPath, resolved.workdir), 0o755); err != nil {
			return err
		}
	}

	switch {
	case step.Run != "":
		slog.Debug("run", "command", step.Run, "shell", resolved.shell)
		if _, err := b.mgr.Start(ctx, c.ID); err != nil {
			return err
		}
		exited, err := b.waitExit(ctx, c.ID)
		if err != nil {
			return err
		}
		if exited.ExitCode != 0 {
			return fmt.Errorf("%w: exit code %d", ErrCommandFailed, exited.ExitCode)
		}

	case step.CopySrc != "":
		if err := executeCopy(c.MountPath, step.CopySrc, step.CopyDst, resolved.workdir, b.buildCtx); err != nil {
			return err
		}
	}

	ref := fmt.Sprintf("boxd-build-%s:step-%d", b.scope, len(b.intermediates)+1)
	img, err := b.mgr.Commit(ctx, c.ID, ref)
	if err != nil {
		return err
	}
	b.intermediates = append(b.intermediates, img.Name)
	b.current = img.Name
	return nil
}

// Blocks until the container reaches the stopped state.
func (b *builder) waitExit(ctx context.Context, id string) (lifecycle.Container, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		c, err := b.mgr.Get(ctx, id)
		if err != nil {
			return c, err
		}
		if c.State == lifecycle.StateStopped {
			return c, nil
		}
		select {
		case <-ctx.Done():
			return c, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tags the final chain under the requested reference with the recipe's
// entrypoint and the accumulated environment and workdir.
func (b *builder) tagResult(tag string, recipe *Recipe, state *stepState) (layer.Image, error) {
	final, err := b.layers.ResolveImage(b.current)
	if err != nil {
		return layer.Image{}, err
	}

	config := ocispec.ImageConfig{
		Env:        state.environ(),
		WorkingDir: state.workdir,
	}
	if len(recipe.Entrypoint) > 0 {
		config.Entrypoint = recipe.Entrypoint
	} else {
		config.Entrypoint = final.Config.Entrypoint
		config.Cmd = final.Config.Cmd
	}

	return b.layers.TagImage(tag, final.Layers, config)
}

// Removes this build's intermediate tags. Their layers remain on disk
// until garbage collection; the final image still references the ones it
// needs.
func (b *builder) removeIntermediates() {
	for _, ref := range b.intermediates {
		b.layers.RemoveImage(ref)
	}
}
