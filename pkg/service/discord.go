package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"

	"github.com/comfycord/comfycord/pkg/comfy"
	"github.com/comfycord/comfycord/pkg/config"
	"github.com/comfycord/comfycord/pkg/engine"
	"github.com/comfycord/comfycord/pkg/prompt"
	"github.com/comfycord/comfycord/pkg/store"
	"github.com/comfycord/comfycord/pkg/workflow"
)

const (
	drawPrefix    = "draw "
	messageBudget = 25 << 20
)

type handlerFunc func(ctx context.Context, s *discordgo.Session, m *discordgo.Message, args string)

type route struct {
	run   handlerFunc
	admin bool
	help  string
}

// DiscordService is the chat surface. One session, a static command
// registry populated at startup, and the reaction approval protocol on
// delivered results. Every generation goes through the engine.
type DiscordService struct {
	token   string
	prefix  string
	cfg     *config.Config
	eng     *engine.Engine
	cache   *workflow.Cache
	options *prompt.Options
	stats   *store.Stats
	admins  *store.Admins
	stop    context.CancelFunc
	logger  zerolog.Logger

	s         *discordgo.Session
	ctx       context.Context
	routes    map[string]route
	approvals *approvals
	games     *games
	hc        *http.Client
}

func NewDiscordService(token string, prefix string, cfg *config.Config, eng *engine.Engine, cache *workflow.Cache, options *prompt.Options, stats *store.Stats, admins *store.Admins, stop context.CancelFunc, logger zerolog.Logger) *DiscordService {
	d := &DiscordService{
		token:     token,
		prefix:    prefix,
		cfg:       cfg,
		eng:       eng,
		cache:     cache,
		options:   options,
		stats:     stats,
		admins:    admins,
		stop:      stop,
		logger:    logger,
		approvals: newApprovals(logger),
		games:     newGames(),
		hc:        &http.Client{Timeout: 30 * time.Second},
	}
	d.routes = map[string]route{
		"img2img":     {run: d.cmdImg2Img, help: "img2img <text> (attach or reply to an image)"},
		"upscale":     {run: d.cmdUpscale, help: "upscale (attach or reply to an image)"},
		"inpaint":     {run: d.cmdInpaint, help: "inpaint <text> (reply to an image, attach a mask)"},
		"depth":       {run: d.cmdDepth, help: "depth [colorize:yes method:<name>] (attach or reply to an image)"},
		"animate":     {run: d.cmdAnimate, help: "animate <text> [frames:5 speed:500]"},
		"startcanvas": {run: d.cmdStartCanvas, help: "startcanvas <text>"},
		"addcanvas":   {run: d.cmdAddCanvas, help: "addcanvas <text> (attach a mask)"},
		"showcanvas":  {run: d.cmdShowCanvas, help: "showcanvas"},
		"startgame":   {run: d.cmdStartGame, help: "startgame <text>"},
		"evolve":      {run: d.cmdEvolve, help: "evolve <text>"},
		"models":      {run: d.cmdModels, help: "models"},
		"params":      {run: d.cmdParams, help: "params"},
		"resolutions": {run: d.cmdResolutions, help: "resolutions"},
		"inspireme":   {run: d.cmdInspireMe, help: "inspireme"},
		"addstyle":    {run: d.cmdAddStyle, help: "addstyle <text>"},
		"stats":       {run: d.cmdStats, help: "stats [@user]"},
		"leaderboard": {run: d.cmdLeaderboard, help: "leaderboard"},
		"help":        {run: d.cmdHelp, help: "help"},
		"addadmin":    {run: d.cmdAddAdmin, admin: true, help: "addadmin @user"},
		"removeadmin": {run: d.cmdRemoveAdmin, admin: true, help: "removeadmin @user"},
		"listadmins":  {run: d.cmdListAdmins, admin: true, help: "listadmins"},
		"reload":      {run: d.cmdReload, admin: true, help: "reload"},
		"shutdown":    {run: d.cmdShutdown, admin: true, help: "shutdown"},
	}
	return d
}

func (d *DiscordService) Start(ctx context.Context) error {
	var err error
	d.ctx = ctx
	d.s, err = discordgo.New("Bot " + d.token)
	if err != nil {
		return err
	}
	d.s.AddHandler(d.messageCreate)
	d.s.AddHandler(d.reactionAdd)
	d.s.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsGuildMessageReactions |
		discordgo.IntentMessageContent
	if err = d.s.Open(); err != nil {
		return err
	}
	d.logger.Info().Str("prefix", d.prefix).Msg("service: discord bot is running")
	<-ctx.Done()
	d.logger.Info().Msg("service: stopping discord bot")
	return d.s.Close()
}

func (d *DiscordService) messageCreate(s *discordgo.Session, mc *discordgo.MessageCreate) {
	m := mc.Message
	if m.Author == nil || m.Author.ID == s.State.User.ID {
		return
	}
	content := strings.TrimSpace(m.Content)

	var run func(ctx context.Context)
	switch {
	case strings.HasPrefix(strings.ToLower(content), drawPrefix):
		args := strings.TrimSpace(content[len(drawPrefix):])
		run = func(ctx context.Context) { d.cmdDraw(ctx, s, m, args) }
	case strings.HasPrefix(content, d.prefix):
		name, args := splitCommand(content[len(d.prefix):])
		r, ok := d.routes[name]
		if ok == false {
			d.reply(s, m, fmt.Sprintf("unknown command %q, try %shelp", name, d.prefix))
			return
		}
		if r.admin == true && d.isAdmin(s, m) == false {
			d.reply(s, m, "that command needs admin privileges")
			return
		}
		run = func(ctx context.Context) { r.run(ctx, s, m, args) }
	case firstImageAttachment(m) != nil:
		// a bare image message is an implicit img2img with default settings
		run = func(ctx context.Context) { d.cmdImg2Img(ctx, s, m, content) }
	default:
		return
	}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error().Interface("panic", r).Str("user", m.Author.ID).Msg("service: handler panicked")
				d.reply(s, m, "something went wrong, try again")
			}
		}()
		run(d.ctx)
	}()
}

// splitCommand separates the command word from its argument text.
func splitCommand(content string) (string, string) {
	content = strings.TrimSpace(content)
	name, args, found := strings.Cut(content, " ")
	if found == false {
		return strings.ToLower(content), ""
	}
	return strings.ToLower(name), strings.TrimSpace(args)
}

// isAdmin grants the allowlist, the configured owner, the guild owner and
// holders of the configured admin role.
func (d *DiscordService) isAdmin(s *discordgo.Session, m *discordgo.Message) bool {
	uid := m.Author.ID
	if uid == d.cfg.Owner_id || d.admins.Contains(uid) {
		return true
	}
	if m.GuildID == "" {
		return false
	}
	guild, err := s.State.Guild(m.GuildID)
	if err != nil {
		guild, err = s.Guild(m.GuildID)
		if err != nil {
			d.logger.Warn().Err(err).Str("guild", m.GuildID).Msg("service: guild lookup failed")
			return false
		}
	}
	if guild.OwnerID == uid {
		return true
	}
	if d.cfg.Admin_role == "" || m.Member == nil {
		return false
	}
	for _, roleid := range m.Member.Roles {
		for _, role := range guild.Roles {
			if role.ID == roleid && role.Name == d.cfg.Admin_role {
				return true
			}
		}
	}
	return false
}

// generate runs one engine request, delivers the artifacts and arms the
// approval reactions. The redo reaction re-runs the identical request.
func (d *DiscordService) generate(ctx context.Context, s *discordgo.Session, m *discordgo.Message, req engine.Request) *engine.Result {
	s.ChannelTyping(m.ChannelID)
	result, err := d.eng.Generate(ctx, req)
	if err != nil {
		d.reply(s, m, userMessage(err))
		return nil
	}
	sent := d.deliver(s, m, result)
	d.approvals.arm(s, sent, m.Author.ID, func() {
		d.generate(ctx, s, m, req)
	})
	return result
}

// deliver sends the artifacts, splitting them across messages to stay
// under the per-message attachment budget.
func (d *DiscordService) deliver(s *discordgo.Session, m *discordgo.Message, result *engine.Result) []*discordgo.Message {
	sent := []*discordgo.Message{}
	content := resultCaption(result)
	for i, chunk := range splitArtifacts(result.Images, messageBudget) {
		files := []*discordgo.File{}
		for _, artifact := range chunk {
			files = append(files, &discordgo.File{Name: artifact.Filename, Reader: bytes.NewReader(artifact.Data)})
		}
		msg := &discordgo.MessageSend{Files: files, Reference: m.Reference()}
		if i == 0 {
			msg.Content = content
		}
		out, err := s.ChannelMessageSendComplex(m.ChannelID, msg)
		if err != nil {
			d.logger.Error().Err(err).Str("channel", m.ChannelID).Msg("service: result delivery failed")
			continue
		}
		sent = append(sent, out)
	}
	return sent
}

func resultCaption(result *engine.Result) string {
	caption := fmt.Sprintf("**%s** (%s, %.1fs)", result.Prompt, result.Model, result.Elapsed.Seconds())
	if len(caption) > 1800 {
		cut := 1800
		// never split a multi-byte rune in the prompt text
		for cut > 0 && utf8.RuneStart(caption[cut]) == false {
			cut--
		}
		caption = caption[:cut]
	}
	return caption
}

// splitArtifacts packs artifacts into chunks whose summed sizes stay under
// the budget. An artifact that alone exceeds the budget is dropped.
func splitArtifacts(artifacts []comfy.Artifact, budget int) [][]comfy.Artifact {
	chunks := [][]comfy.Artifact{}
	current := []comfy.Artifact{}
	size := 0
	for _, artifact := range artifacts {
		if len(artifact.Data) > budget {
			continue
		}
		if size+len(artifact.Data) > budget && len(current) > 0 {
			chunks = append(chunks, current)
			current = []comfy.Artifact{}
			size = 0
		}
		current = append(current, artifact)
		size += len(artifact.Data)
	}
	if len(current) > 0 {
		chunks = append(chunks, current)
	}
	return chunks
}

func (d *DiscordService) reply(s *discordgo.Session, m *discordgo.Message, text string) {
	_, err := s.ChannelMessageSendReply(m.ChannelID, text, m.Reference())
	if err != nil {
		d.logger.Error().Err(err).Str("channel", m.ChannelID).Msg("service: reply failed")
	}
}

// userMessage maps an engine sentinel onto the chat-facing wording.
func userMessage(err error) string {
	switch {
	case errors.Is(err, engine.ErrBusy):
		return "the backend is busy right now, try again in a bit"
	case errors.Is(err, engine.ErrTimeout):
		return "that took too long and was abandoned, try again later"
	case errors.Is(err, engine.ErrUnavailable):
		return "that feature is not available right now"
	case errors.Is(err, engine.ErrBadRequest):
		return err.Error()
	}
	return "generation failed, try again"
}

// firstImageAttachment returns the first image attachment on the message.
func firstImageAttachment(m *discordgo.Message) *discordgo.MessageAttachment {
	for _, attachment := range m.Attachments {
		if strings.HasPrefix(attachment.ContentType, "image/") {
			return attachment
		}
	}
	return nil
}

// sourceImage downloads the image attached to the message, or the one on
// the replied-to message.
func (d *DiscordService) sourceImage(ctx context.Context, s *discordgo.Session, m *discordgo.Message) ([]byte, error) {
	if attachment := firstImageAttachment(m); attachment != nil {
		return d.download(ctx, attachment.URL)
	}
	replied, err := d.repliedMessage(s, m)
	if err != nil {
		return nil, err
	}
	if replied != nil {
		if attachment := firstImageAttachment(replied); attachment != nil {
			return d.download(ctx, attachment.URL)
		}
	}
	return nil, nil
}

func (d *DiscordService) repliedMessage(s *discordgo.Session, m *discordgo.Message) (*discordgo.Message, error) {
	if m.MessageReference == nil {
		return nil, nil
	}
	if m.ReferencedMessage != nil {
		return m.ReferencedMessage, nil
	}
	return s.ChannelMessage(m.MessageReference.ChannelID, m.MessageReference.MessageID)
}

func (d *DiscordService) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download %s: status %d", url, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func flagSet(value string) bool {
	switch strings.ToLower(value) {
	case "yes", "true", "1", "on":
		return true
	}
	return false
}
