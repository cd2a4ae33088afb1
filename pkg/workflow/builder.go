package workflow

import (
	"fmt"
	"math/rand"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/comfycord/comfycord/pkg/config"
	"github.com/comfycord/comfycord/pkg/prompt"
)

// Preferences is the persisted per-user model choice consulted when a
// request carries no explicit model parameter.
type Preferences interface {
	Model(userid string) (string, bool)
	SetModel(userid string, model string) error
}

// Upload is a source image staged on the backend before submission.
type Upload struct {
	Name string
	Data []byte
}

// Job is a fully filled job graph ready for submission.
type Job struct {
	Graph    Template
	Uploads  []Upload
	Seed     int64
	Model    string
	Prompt   string
	Negative string
	Batch    int
}

const (
	defaultSteps     = 35
	defaultCfg       = 4.0
	defaultSampler   = "dpmpp_2m_sde"
	defaultScheduler = "exponential"

	flagshipCfg       = 2.2
	flagshipSampler   = "euler_ancestral"
	flagshipScheduler = "sgm_uniform"
	flagshipPrefix    = "masterpiece, very awa, best quality, amazing quality, very aesthetic, absurdres, newest, intricate details"
	flagshipNegative  = "lowres, (worst quality, bad quality:1.2), bad anatomy, sketch, jpeg artifacts, old, oldest, censored, bar_censor, copyright_name, (dialogue), text, speech bubble, Dialogue box, error, fewer, extra, missing, worst quality, low quality, watermark, signature, extra digits, username, scan, abstract, multiple views, (censored), worst quality, low quality, logo, bad hands, mutated hands"
)

// ColorizeMethods are the depth map palettes the colorizer node accepts.
var ColorizeMethods = []string{
	"Spectral", "terrain", "viridis", "plasma", "inferno", "magma", "cividis",
	"twilight", "rainbow", "gist_rainbow", "gist_ncar", "gist_earth", "turbo",
	"jet", "afmhot", "copper", "seismic", "hsv", "brg",
}

const DefaultColorizeMethod = "Spectral"

// Builder fills job templates from parsed requests, one operation per
// feature. Named slots are validated against the loaded template before any
// value is written; a template missing a slot aborts the build.
type Builder struct {
	cache  *Cache
	prefs  Preferences
	cfg    *config.Config
	logger zerolog.Logger
}

func NewBuilder(cache *Cache, prefs Preferences, cfg *config.Config, logger zerolog.Logger) *Builder {
	return &Builder{cache: cache, prefs: prefs, cfg: cfg, logger: logger}
}

// Text2Image fills the txt2img template, or txt2img_hr when hr:yes.
func (b *Builder) Text2Image(req prompt.Request, userid string) (*Job, error) {
	name := "txt2img"
	if yes(req.Params["hr"]) {
		name = "txt2img_hr"
	}
	graph, err := b.cache.Load(name)
	if err != nil {
		return nil, err
	}
	if err := requireSlots(graph, slots{
		{3, "sampler", []string{"steps", "cfg", "seed", "sampler_name", "scheduler"}},
		{4, "checkpoint", []string{"ckpt_name"}},
		{5, "latent", []string{"width", "height", "batch_size"}},
		{6, "positive", []string{"text"}},
		{7, "negative", []string{"text"}},
	}); err != nil {
		return nil, err
	}

	job := &Job{Graph: graph, Seed: rand.Int63()}
	b.fillModelAndPrompts(job, req, userid, 4, 6, 7)
	b.fillSampler(job, req, 3)

	width := b.safeInt(req.Params["width"], b.cfg.Static_width, "width")
	height := b.safeInt(req.Params["height"], b.cfg.Static_height, "height")
	width, height = b.ValidateResolution(width, height)
	batch := b.safeInt(req.Params["batch"], 1, "batch")
	if batch > int(b.cfg.Max_batch_size) {
		batch = int(b.cfg.Max_batch_size)
	}
	if batch < 1 {
		batch = 1
	}
	job.Batch = batch
	graph[5].Inputs["width"] = width
	graph[5].Inputs["height"] = height
	graph[5].Inputs["batch_size"] = batch
	return job, nil
}

// Image2Image fills the img2img template and stages the source image.
func (b *Builder) Image2Image(req prompt.Request, userid string, image []byte) (*Job, error) {
	graph, err := b.cache.Load("img2img")
	if err != nil {
		return nil, err
	}
	if err := requireSlots(graph, slots{
		{3, "sampler", []string{"steps", "cfg", "seed", "sampler_name", "scheduler"}},
		{4, "checkpoint", []string{"ckpt_name"}},
		{5, "image", []string{"image"}},
		{6, "positive", []string{"text"}},
		{7, "negative", []string{"text"}},
	}); err != nil {
		return nil, err
	}

	job := &Job{Graph: graph, Seed: rand.Int63(), Batch: 1}
	b.fillModelAndPrompts(job, req, userid, 4, 6, 7)
	b.fillSampler(job, req, 3)

	filename := fmt.Sprintf("input_%s.png", uuid.New())
	graph[5].Inputs["image"] = filename
	job.Uploads = []Upload{{Name: filename, Data: image}}
	return job, nil
}

// Upscale fills the upscale template and stages the source image.
func (b *Builder) Upscale(image []byte) (*Job, error) {
	graph, err := b.cache.Load("upscale")
	if err != nil {
		return nil, err
	}
	if err := requireSlots(graph, slots{
		{3, "image", []string{"image"}},
	}); err != nil {
		return nil, err
	}

	filename := fmt.Sprintf("upscale_input_%s.png", uuid.New())
	graph[3].Inputs["image"] = filename
	return &Job{Graph: graph, Batch: 1, Uploads: []Upload{{Name: filename, Data: image}}}, nil
}

// Inpaint fills the inpaint template and stages the source image and mask.
func (b *Builder) Inpaint(req prompt.Request, userid string, image []byte, mask []byte) (*Job, error) {
	graph, err := b.cache.Load("inpaint")
	if err != nil {
		return nil, err
	}
	if err := requireSlots(graph, slots{
		{3, "image", []string{"image"}},
		{4, "mask", []string{"image"}},
		{5, "checkpoint", []string{"ckpt_name"}},
		{6, "positive", []string{"text"}},
		{7, "negative", []string{"text"}},
		{9, "sampler", []string{"steps", "cfg", "seed", "sampler_name", "scheduler"}},
	}); err != nil {
		return nil, err
	}

	job := &Job{Graph: graph, Seed: rand.Int63(), Batch: 1}
	b.fillModelAndPrompts(job, req, userid, 5, 6, 7)
	b.fillSampler(job, req, 9)

	imagename := fmt.Sprintf("inpaint_image_%s.png", uuid.New())
	maskname := fmt.Sprintf("inpaint_mask_%s.png", uuid.New())
	graph[3].Inputs["image"] = imagename
	graph[4].Inputs["image"] = maskname
	job.Uploads = []Upload{{Name: imagename, Data: image}, {Name: maskname, Data: mask}}
	return job, nil
}

// DepthMap fills the depth template, keeping either the grayscale branch or
// the colorizer branch depending on colorize:yes, and stages the image.
func (b *Builder) DepthMap(req prompt.Request, image []byte) (*Job, error) {
	graph, err := b.cache.Load("depth")
	if err != nil {
		return nil, err
	}
	if err := requireSlots(graph, slots{
		{3, "image", []string{"image"}},
		{6, "grayscale save", nil},
		{7, "colorizer", []string{"colorize_method"}},
		{8, "color save", nil},
	}); err != nil {
		return nil, err
	}

	filename := fmt.Sprintf("depth_input_%s.png", uuid.New())
	graph[3].Inputs["image"] = filename

	if yes(req.Params["colorize"]) {
		method := req.Params["method"]
		if validColorizeMethod(method) == false {
			if method != "" {
				b.logger.Warn().Str("method", method).Msg("builder: unknown colorize method, using default")
			}
			method = DefaultColorizeMethod
		}
		graph[7].Inputs["colorize_method"] = method
		delete(graph, 6)
	} else {
		delete(graph, 7)
		delete(graph, 8)
	}
	return &Job{Graph: graph, Batch: 1, Uploads: []Upload{{Name: filename, Data: image}}}, nil
}

// AnimationFrame fills the animate template for one frame of a sequence.
// Frames share one random base seed and derive sequential seeds from it.
func (b *Builder) AnimationFrame(req prompt.Request, userid string, baseseed int64, index int) (*Job, error) {
	graph, err := b.cache.Load("animate")
	if err != nil {
		return nil, err
	}
	if err := requireSlots(graph, slots{
		{3, "checkpoint", []string{"ckpt_name"}},
		{5, "positive", []string{"text"}},
		{6, "negative", []string{"text"}},
		{7, "sampler", []string{"steps", "cfg", "seed", "sampler_name", "scheduler"}},
	}); err != nil {
		return nil, err
	}

	job := &Job{Graph: graph, Seed: baseseed + int64(index), Batch: 1}
	b.fillModelAndPrompts(job, req, userid, 3, 5, 6)
	b.fillSampler(job, req, 7)
	return job, nil
}

// fillModelAndPrompts resolves the effective model and writes the checkpoint
// and prompt texts. The flagship model forces its curated prefix and
// negative prompt unless the caller disabled negatives with noneg.
func (b *Builder) fillModelAndPrompts(job *Job, req prompt.Request, userid string, ckptnode int, posnode int, negnode int) {
	modelkey := strings.ToLower(req.Params["model"])
	explicit := modelkey != ""
	if explicit == false && b.prefs != nil {
		if pref, ok := b.prefs.Model(userid); ok {
			modelkey = pref
		}
	}
	if modelkey == "" {
		modelkey = b.cfg.Default_model
	}
	ckptname, ok := b.cfg.Models[modelkey]
	if ok == false {
		b.logger.Warn().Str("model", modelkey).Msg("builder: unknown model, using default")
		modelkey = b.cfg.Default_model
		ckptname = b.cfg.Models[modelkey]
	}
	if explicit == true && b.prefs != nil {
		if err := b.prefs.SetModel(userid, modelkey); err != nil {
			b.logger.Warn().Err(err).Str("user", userid).Msg("builder: preference save failed")
		}
	}
	job.Model = modelkey
	job.Graph[ckptnode].Inputs["ckpt_name"] = ckptname

	noneg := yes(req.Params["noneg"])
	negative := ""
	if req.Negative != nil {
		negative = *req.Negative
	}
	prefix := b.cfg.Prompt_prefix
	if modelkey == b.cfg.Flagship_model && noneg == false {
		prefix = flagshipPrefix
		negative = flagshipNegative
	} else if negative == "" {
		negative = b.cfg.Default_negative
	}
	job.Prompt = strings.TrimSpace(prefix + " " + req.Positive)
	if noneg == true {
		job.Negative = ""
	} else {
		job.Negative = negative
	}
	job.Graph[posnode].Inputs["text"] = job.Prompt
	job.Graph[negnode].Inputs["text"] = job.Negative
}

// fillSampler writes steps, cfg, seed, sampler and scheduler. The flagship
// model pins cfg, sampler and scheduler regardless of caller parameters.
func (b *Builder) fillSampler(job *Job, req prompt.Request, samplernode int) {
	inputs := job.Graph[samplernode].Inputs
	inputs["steps"] = b.safeInt(req.Params["steps"], defaultSteps, "steps")
	inputs["seed"] = job.Seed
	if job.Model == b.cfg.Flagship_model && yes(req.Params["noneg"]) == false {
		inputs["cfg"] = flagshipCfg
		inputs["sampler_name"] = flagshipSampler
		inputs["scheduler"] = flagshipScheduler
		return
	}
	inputs["cfg"] = b.safeFloat(req.Params["cfg"], defaultCfg, "cfg")
	if sampler := req.Params["sampler_name"]; sampler != "" {
		inputs["sampler_name"] = sampler
	} else {
		inputs["sampler_name"] = defaultSampler
	}
	if scheduler := req.Params["scheduler"]; scheduler != "" {
		inputs["scheduler"] = scheduler
	} else {
		inputs["scheduler"] = defaultScheduler
	}
}

// ValidateResolution clamps each side to [0, 2048]; a side clamped to zero
// reverts both to the configured static default.
func (b *Builder) ValidateResolution(width int, height int) (int, int) {
	width = clamp(width, 0, 2048)
	height = clamp(height, 0, 2048)
	if width == 0 || height == 0 {
		b.logger.Warn().Int("width", width).Int("height", height).
			Msgf("builder: invalid resolution, using %dx%d", b.cfg.Static_width, b.cfg.Static_height)
		return b.cfg.Static_width, b.cfg.Static_height
	}
	return width, height
}

func (b *Builder) safeInt(value string, fallback int, name string) int {
	if value == "" {
		return fallback
	}
	v, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		b.logger.Warn().Str(name, value).Int("default", fallback).Msg("builder: invalid int parameter")
		return fallback
	}
	return v
}

func (b *Builder) safeFloat(value string, fallback float64, name string) float64 {
	if value == "" {
		return fallback
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		b.logger.Warn().Str(name, value).Float64("default", fallback).Msg("builder: invalid float parameter")
		return fallback
	}
	return v
}

type slot struct {
	id     int
	name   string
	inputs []string
}

type slots []slot

func requireSlots(graph Template, required slots) error {
	for _, s := range required {
		node, ok := graph[s.id]
		if ok == false {
			return fmt.Errorf("template missing %s node %d", s.name, s.id)
		}
		for _, input := range s.inputs {
			if _, ok := node.Inputs[input]; ok == false {
				return fmt.Errorf("template %s node %d missing input %q", s.name, s.id, input)
			}
		}
	}
	return nil
}

func validColorizeMethod(method string) bool {
	for _, m := range ColorizeMethods {
		if method == m {
			return true
		}
	}
	return false
}

func clamp(v int, lo int, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func yes(value string) bool {
	switch strings.ToLower(value) {
	case "yes", "true", "1", "on":
		return true
	}
	return false
}
