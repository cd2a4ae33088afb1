package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"math/rand"
	"strconv"
	"strings"
	"time"

	_ "image/jpeg"
	_ "image/png"

	"github.com/rs/zerolog"

	"github.com/comfycord/comfycord/pkg/comfy"
	"github.com/comfycord/comfycord/pkg/config"
	"github.com/comfycord/comfycord/pkg/monitor"
	"github.com/comfycord/comfycord/pkg/prompt"
	"github.com/comfycord/comfycord/pkg/queue"
	"github.com/comfycord/comfycord/pkg/store"
	"github.com/comfycord/comfycord/pkg/workflow"
)

// Expected failure modes. Callers match with errors.Is and turn each into a
// distinct user-visible message.
var (
	ErrUnavailable = errors.New("feature unavailable")
	ErrBusy        = errors.New("generation backend is busy, try again later")
	ErrTimeout     = errors.New("generation timed out")
	ErrBackend     = errors.New("generation backend error")
	ErrBadRequest  = errors.New("bad request")
)

const (
	FeatureText2Image  = "txt2img"
	FeatureImage2Image = "img2img"
	FeatureUpscale     = "upscale"
	FeatureInpaint     = "inpaint"
	FeatureDepth       = "depth"
	FeatureAnimate     = "animate"
)

const (
	defaultFrames = 5
	maxFrames     = 10
	defaultSpeed  = 500
	minSpeed      = 50
	maxSpeed      = 2000
)

// Request is one generation request from any surface (chat or REST).
// GuildId may be empty; stats are only recorded when it is set.
type Request struct {
	Feature  string
	GuildId  string
	UserId   string
	Username string
	Text     string
	Image    []byte
	Mask     []byte
}

// Result carries the generated artifacts plus what was actually submitted.
type Result struct {
	Images   []comfy.Artifact
	Elapsed  time.Duration
	Prompt   string
	Negative string
	Model    string
	Params   map[string]string
}

// Status is a snapshot of admission state for the REST status endpoint.
type Status struct {
	QueueDepth int  `json:"queue_depth"`
	Running    int  `json:"running"`
	Limit      int  `json:"limit"`
	Admissible bool `json:"admissible"`
}

// Engine drives one request through parse, build, admission, the gate and
// the backend. It is the only path to the backend; every feature submits
// through the gate and awaits the gate's ticket.
type Engine struct {
	cfg     *config.Config
	logger  zerolog.Logger
	builder *workflow.Builder
	client  *comfy.Client
	gate    *queue.Gate
	monitor *monitor.Monitor
	stats   *store.Stats
}

func New(cfg *config.Config, builder *workflow.Builder, client *comfy.Client, gate *queue.Gate, mon *monitor.Monitor, stats *store.Stats, logger zerolog.Logger) *Engine {
	return &Engine{cfg: cfg, logger: logger, builder: builder, client: client, gate: gate, monitor: mon, stats: stats}
}

func (e *Engine) Status(ctx context.Context) Status {
	return Status{
		QueueDepth: e.gate.Len(),
		Running:    e.gate.Running(),
		Limit:      e.gate.Limit(),
		Admissible: e.monitor.Admissible(ctx),
	}
}

// Generate runs one request end to end. Expected failures come back wrapped
// around one of the sentinel errors.
func (e *Engine) Generate(ctx context.Context, req Request) (*Result, error) {
	parsed := prompt.Parse(req.Text)

	if err := e.checkSources(req); err != nil {
		return nil, err
	}
	if e.monitor.Admissible(ctx) == false {
		return nil, fmt.Errorf("%w: vram over threshold", ErrBusy)
	}

	start := time.Now()
	var result *Result
	var err error
	if req.Feature == FeatureAnimate {
		result, err = e.animate(ctx, req, parsed)
	} else {
		result, err = e.single(ctx, req, parsed)
	}
	if err != nil {
		return nil, err
	}
	result.Elapsed = time.Since(start)
	result.Params = parsed.Params
	e.record(req, result)
	e.logger.Info().Str("feature", req.Feature).Str("user", req.UserId).
		Int("images", len(result.Images)).Dur("elapsed", result.Elapsed).Msg("engine: job complete")
	return result, nil
}

func (e *Engine) single(ctx context.Context, req Request, parsed prompt.Request) (*Result, error) {
	var job *workflow.Job
	var err error
	switch req.Feature {
	case FeatureText2Image:
		job, err = e.builder.Text2Image(parsed, req.UserId)
	case FeatureImage2Image:
		job, err = e.builder.Image2Image(parsed, req.UserId, req.Image)
	case FeatureUpscale:
		job, err = e.builder.Upscale(req.Image)
	case FeatureInpaint:
		job, err = e.builder.Inpaint(parsed, req.UserId, req.Image, req.Mask)
	case FeatureDepth:
		job, err = e.builder.DepthMap(parsed, req.Image)
	default:
		return nil, fmt.Errorf("%w: unknown feature %q", ErrBadRequest, req.Feature)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	jobctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout())
	defer cancel()

	var artifacts []comfy.Artifact
	ticket := e.gate.Enqueue(jobctx, func(ctx context.Context) error {
		var runerr error
		artifacts, runerr = e.run(ctx, job)
		return runerr
	})
	if err := ticket.Wait(jobctx); err != nil {
		return nil, e.classify(ctx, err)
	}
	return &Result{Images: artifacts, Prompt: job.Prompt, Negative: job.Negative, Model: job.Model}, nil
}

// animate builds one job per frame from a shared random base seed and runs
// the whole sequence as a single gated entry, then assembles the frames
// into a GIF.
func (e *Engine) animate(ctx context.Context, req Request, parsed prompt.Request) (*Result, error) {
	frames := safeRange(parsed.Params["frames"], defaultFrames, 1, maxFrames)
	speed := safeRange(parsed.Params["speed"], defaultSpeed, minSpeed, maxSpeed)
	baseseed := rand.Int63n(1<<62 - maxFrames)

	jobs := make([]*workflow.Job, 0, frames)
	for i := 0; i < frames; i++ {
		job, err := e.builder.AnimationFrame(parsed, req.UserId, baseseed, i)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		jobs = append(jobs, job)
	}

	jobctx, cancel := context.WithTimeout(ctx, time.Duration(frames)*e.cfg.Timeout())
	defer cancel()

	var framedata [][]byte
	ticket := e.gate.Enqueue(jobctx, func(ctx context.Context) error {
		for _, job := range jobs {
			artifacts, runerr := e.run(ctx, job)
			if runerr != nil {
				return runerr
			}
			if len(artifacts) == 0 {
				return fmt.Errorf("%w: frame produced no output", ErrBackend)
			}
			framedata = append(framedata, artifacts[0].Data)
		}
		return nil
	})
	if err := ticket.Wait(jobctx); err != nil {
		return nil, e.classify(ctx, err)
	}

	gifdata, err := assembleGif(framedata, speed)
	if err != nil {
		return nil, fmt.Errorf("%w: gif assembly: %v", ErrBackend, err)
	}
	first := jobs[0]
	return &Result{
		Images:   []comfy.Artifact{{Filename: "animation.gif", Data: gifdata}},
		Prompt:   first.Prompt,
		Negative: first.Negative,
		Model:    first.Model,
	}, nil
}

// run executes one job against the backend inside a gate slot: stage
// uploads, submit, then poll with the resource monitor watching. The watch
// cancels the poll and interrupts the backend on VRAM pressure.
func (e *Engine) run(ctx context.Context, job *workflow.Job) ([]comfy.Artifact, error) {
	for _, upload := range job.Uploads {
		if err := e.client.UploadImage(ctx, upload.Name, upload.Data); err != nil {
			return nil, fmt.Errorf("%w: upload: %v", ErrBackend, err)
		}
	}

	watchctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go e.monitor.Watch(watchctx, cancel)

	promptid, err := e.client.SubmitPrompt(watchctx, job.Graph)
	if err != nil {
		if watchctx.Err() != nil && ctx.Err() == nil {
			return nil, fmt.Errorf("%w: job cancelled under vram pressure", ErrBusy)
		}
		return nil, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	artifacts, err := e.client.CollectOutputs(watchctx, promptid)
	if err != nil {
		if watchctx.Err() != nil && ctx.Err() == nil {
			return nil, fmt.Errorf("%w: job cancelled under vram pressure", ErrBusy)
		}
		return nil, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	return artifacts, nil
}

// classify maps a ticket error onto the sentinel taxonomy. A deadline on
// the job context is a timeout; the backend-side job is not interrupted in
// that case, which is logged as an accepted limitation.
func (e *Engine) classify(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, ErrBusy), errors.Is(err, ErrBackend), errors.Is(err, ErrUnavailable), errors.Is(err, ErrBadRequest):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		e.logger.Warn().Msg("engine: deadline expired, backend job may still be running")
		return fmt.Errorf("%w after %s", ErrTimeout, e.cfg.Timeout())
	case errors.Is(err, context.Canceled) && ctx.Err() == nil:
		return fmt.Errorf("%w: job cancelled under vram pressure", ErrBusy)
	default:
		return err
	}
}

// checkSources validates required source images and rejects oversized ones
// before anything is uploaded.
func (e *Engine) checkSources(req Request) error {
	needsimage := false
	switch req.Feature {
	case FeatureImage2Image, FeatureUpscale, FeatureDepth, FeatureInpaint:
		needsimage = true
	}
	if needsimage == false {
		return nil
	}
	if len(req.Image) == 0 {
		return fmt.Errorf("%w: feature %s requires a source image", ErrBadRequest, req.Feature)
	}
	if req.Feature == FeatureInpaint && len(req.Mask) == 0 {
		return fmt.Errorf("%w: inpaint requires a mask image", ErrBadRequest)
	}
	for _, data := range [][]byte{req.Image, req.Mask} {
		if len(data) == 0 {
			continue
		}
		cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("%w: unreadable image: %v", ErrBadRequest, err)
		}
		if cfg.Width > e.cfg.Max_image_dimension || cfg.Height > e.cfg.Max_image_dimension {
			return fmt.Errorf("%w: image %dx%d exceeds %dpx limit", ErrBadRequest, cfg.Width, cfg.Height, e.cfg.Max_image_dimension)
		}
	}
	return nil
}

func (e *Engine) record(req Request, result *Result) {
	if e.stats == nil || req.GuildId == "" {
		return
	}
	delta := store.Delta{TotalTime: result.Elapsed.Seconds()}
	if req.Feature == FeatureDepth {
		delta.DepthMaps = len(result.Images)
	} else {
		delta.Images = len(result.Images)
	}
	if err := e.stats.Update(req.GuildId, req.UserId, req.Username, delta); err != nil {
		e.logger.Warn().Err(err).Str("user", req.UserId).Msg("engine: stats update failed")
	}
}

func safeRange(value string, fallback int, lo int, hi int) int {
	v := fallback
	if value != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			v = parsed
		}
	}
	if v < lo {
		v = lo
	}
	if v > hi {
		v = hi
	}
	return v
}
