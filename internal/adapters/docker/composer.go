package docker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/manthysbr/sceneforge/internal/core/domain"
	"github.com/manthysbr/sceneforge/internal/core/ports"
)

// Composer stitches scene clips into the final video with ffmpeg running in a
// one-shot container. Each render gets its own workspace directory.
type Composer struct {
	runtime      Runtime
	image        string
	workspaceDir string
	logger       *slog.Logger
}

var _ ports.GenerationBackend = (*Composer)(nil)

func NewComposer(runtime Runtime, image, workspaceDir string, logger *slog.Logger) *Composer {
	if image == "" {
		image = "jrottenberg/ffmpeg:6-alpine"
	}
	return &Composer{runtime: runtime, image: image, workspaceDir: workspaceDir, logger: logger}
}

func (c *Composer) Name() string { return "ffmpeg-compose" }

func (c *Composer) Start(ctx context.Context, req domain.GenerationRequest) (domain.GenerationHandle, error) {
	if req.Kind != domain.GenerationCompose {
		return domain.GenerationHandle{}, domain.NewPermanentError(fmt.Sprintf("composer cannot produce %q", req.Kind), nil)
	}
	if len(req.Inputs) == 0 {
		return domain.GenerationHandle{}, domain.NewPermanentError("compose needs at least one clip", nil)
	}

	id := uuid.NewString()
	dir := filepath.Join(c.workspaceDir, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return domain.GenerationHandle{}, fmt.Errorf("failed to create workspace dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "inputs.txt"), []byte(concatList(req.Inputs)), 0o644); err != nil {
		_ = os.RemoveAll(dir)
		return domain.GenerationHandle{}, fmt.Errorf("failed to write concat list: %w", err)
	}

	spec := ContainerSpec{
		RenderID:     id,
		Image:        c.image,
		Args:         ffmpegArgs(req.Params),
		WorkspaceDir: dir,
	}
	if err := c.runtime.Run(ctx, spec); err != nil {
		_ = os.RemoveAll(dir)
		return domain.GenerationHandle{}, domain.NewTransientError("failed to launch render container", err)
	}
	c.logger.Info("compose render started", "render_id", id, "clips", len(req.Inputs), "image", c.image)
	return domain.GenerationHandle{ID: id, Backend: c.Name()}, nil
}

func (c *Composer) Poll(ctx context.Context, handle domain.GenerationHandle) (domain.GenerationStatus, error) {
	state, err := c.runtime.Inspect(ctx, handle.ID)
	if errors.Is(err, ErrContainerNotFound) {
		return domain.GenerationStatus{Done: true, Err: domain.NewTransientError("render container disappeared", err)}, nil
	}
	if err != nil {
		return domain.GenerationStatus{}, domain.NewTransientError("failed to inspect render container", err)
	}
	if state.Running {
		return domain.GenerationStatus{Progress: 50}, nil
	}

	if err := c.runtime.Remove(context.WithoutCancel(ctx), handle.ID); err != nil {
		c.logger.Warn("failed to remove render container", "render_id", handle.ID, "error", err)
	}

	switch {
	case state.ExitCode == 0:
		out := filepath.Join(c.workspaceDir, handle.ID, outputName)
		return domain.GenerationStatus{Done: true, Progress: 100, ArtifactRef: "file://" + out}, nil
	case state.OOMKilled || state.ExitCode == 137:
		return domain.GenerationStatus{Done: true, Err: domain.NewTransientError("render container was killed", nil)}, nil
	default:
		msg := fmt.Sprintf("ffmpeg exited with code %d", state.ExitCode)
		if state.Error != "" {
			msg += ": " + state.Error
		}
		return domain.GenerationStatus{Done: true, Err: domain.NewPermanentError(msg, nil)}, nil
	}
}

// Reap removes finished render containers left behind by a previous process.
func (c *Composer) Reap(ctx context.Context) error {
	ids, err := c.runtime.ListExited(ctx)
	if err != nil {
		return fmt.Errorf("list render containers: %w", err)
	}
	for _, id := range ids {
		if err := c.runtime.Remove(ctx, id); err != nil {
			return err
		}
	}
	if len(ids) > 0 {
		c.logger.Info("reaped render containers", "count", len(ids))
	}
	return nil
}

const outputName = "output.mp4"

func concatList(refs []string) string {
	var b strings.Builder
	for _, ref := range refs {
		ref = strings.TrimPrefix(ref, "file://")
		fmt.Fprintf(&b, "file '%s'\n", strings.ReplaceAll(ref, "'", `'\''`))
	}
	return b.String()
}

func ffmpegArgs(params domain.Params) []string {
	fps := 24
	if n, ok := params.Int("fps"); ok && n > 0 {
		fps = n
	}
	return []string{
		"-hide_banner", "-y",
		"-f", "concat", "-safe", "0",
		"-protocol_whitelist", "file,http,https,tcp,tls",
		"-i", "/workspace/inputs.txt",
		"-r", fmt.Sprint(fps),
		"-c:v", "libx264", "-pix_fmt", "yuv420p",
		"-movflags", "+faststart",
		"/workspace/" + outputName,
	}
}
