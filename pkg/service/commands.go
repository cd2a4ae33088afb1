package service

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/comfycord/comfycord/pkg/engine"
	"github.com/comfycord/comfycord/pkg/prompt"
	"github.com/comfycord/comfycord/pkg/store"
	"github.com/comfycord/comfycord/pkg/workflow"
)

func (d *DiscordService) request(m *discordgo.Message, feature string, text string) engine.Request {
	return engine.Request{
		Feature:  feature,
		GuildId:  m.GuildID,
		UserId:   m.Author.ID,
		Username: m.Author.Username,
		Text:     text,
	}
}

func (d *DiscordService) cmdDraw(ctx context.Context, s *discordgo.Session, m *discordgo.Message, args string) {
	d.generate(ctx, s, m, d.request(m, engine.FeatureText2Image, args))
}

// cmdImg2Img also carries the depth escape hatch: depth:yes inside an
// img2img request routes to the depth feature.
func (d *DiscordService) cmdImg2Img(ctx context.Context, s *discordgo.Session, m *discordgo.Message, args string) {
	image, err := d.sourceImage(ctx, s, m)
	if err != nil || image == nil {
		d.reply(s, m, "attach an image or reply to one")
		return
	}
	feature := engine.FeatureImage2Image
	if flagSet(prompt.Parse(args).Params["depth"]) {
		feature = engine.FeatureDepth
	}
	req := d.request(m, feature, args)
	req.Image = image
	d.generate(ctx, s, m, req)
}

func (d *DiscordService) cmdUpscale(ctx context.Context, s *discordgo.Session, m *discordgo.Message, args string) {
	image, err := d.sourceImage(ctx, s, m)
	if err != nil || image == nil {
		d.reply(s, m, "attach an image or reply to one")
		return
	}
	req := d.request(m, engine.FeatureUpscale, args)
	req.Image = image
	d.generate(ctx, s, m, req)
}

// cmdInpaint takes the source from the replied-to message and the mask
// from the command message's own attachment.
func (d *DiscordService) cmdInpaint(ctx context.Context, s *discordgo.Session, m *discordgo.Message, args string) {
	replied, err := d.repliedMessage(s, m)
	if err != nil || replied == nil || firstImageAttachment(replied) == nil {
		d.reply(s, m, "reply to the image you want to inpaint")
		return
	}
	maskattachment := firstImageAttachment(m)
	if maskattachment == nil {
		d.reply(s, m, "attach a mask image")
		return
	}
	image, err := d.download(ctx, firstImageAttachment(replied).URL)
	if err != nil {
		d.reply(s, m, "couldn't fetch the source image")
		return
	}
	mask, err := d.download(ctx, maskattachment.URL)
	if err != nil {
		d.reply(s, m, "couldn't fetch the mask image")
		return
	}
	req := d.request(m, engine.FeatureInpaint, args)
	req.Image = image
	req.Mask = mask
	d.generate(ctx, s, m, req)
}

func (d *DiscordService) cmdDepth(ctx context.Context, s *discordgo.Session, m *discordgo.Message, args string) {
	image, err := d.sourceImage(ctx, s, m)
	if err != nil || image == nil {
		d.reply(s, m, "attach an image or reply to one")
		return
	}
	req := d.request(m, engine.FeatureDepth, args)
	req.Image = image
	d.generate(ctx, s, m, req)
}

func (d *DiscordService) cmdAnimate(ctx context.Context, s *discordgo.Session, m *discordgo.Message, args string) {
	d.generate(ctx, s, m, d.request(m, engine.FeatureAnimate, args))
}

func (d *DiscordService) cmdStartCanvas(ctx context.Context, s *discordgo.Session, m *discordgo.Message, args string) {
	result := d.generate(ctx, s, m, d.request(m, engine.FeatureText2Image, args))
	if result == nil || len(result.Images) == 0 {
		return
	}
	d.games.startCanvas(m.GuildID, m.ChannelID, result.Prompt, result.Images[0].Data)
	d.reply(s, m, fmt.Sprintf("canvas started, add to it with %saddcanvas", d.prefix))
}

// cmdAddCanvas inpaints the attached mask region onto the shared canvas
// and makes the result the new canvas.
func (d *DiscordService) cmdAddCanvas(ctx context.Context, s *discordgo.Session, m *discordgo.Message, args string) {
	canvas := d.games.canvas(m.GuildID, m.ChannelID)
	if canvas == nil {
		d.reply(s, m, fmt.Sprintf("no canvas here yet, start one with %sstartcanvas", d.prefix))
		return
	}
	maskattachment := firstImageAttachment(m)
	if maskattachment == nil {
		d.reply(s, m, "attach a mask marking the region to paint")
		return
	}
	mask, err := d.download(ctx, maskattachment.URL)
	if err != nil {
		d.reply(s, m, "couldn't fetch the mask image")
		return
	}
	req := d.request(m, engine.FeatureInpaint, args)
	req.Image = canvas.image
	req.Mask = mask
	result := d.generate(ctx, s, m, req)
	if result == nil || len(result.Images) == 0 {
		return
	}
	d.games.updateCanvas(m.GuildID, m.ChannelID, result.Images[0].Data)
	d.recordGame(m, store.Delta{CanvasContributions: 1})
}

func (d *DiscordService) cmdShowCanvas(ctx context.Context, s *discordgo.Session, m *discordgo.Message, args string) {
	canvas := d.games.canvas(m.GuildID, m.ChannelID)
	if canvas == nil {
		d.reply(s, m, fmt.Sprintf("no canvas here yet, start one with %sstartcanvas", d.prefix))
		return
	}
	_, err := s.ChannelMessageSendComplex(m.ChannelID, &discordgo.MessageSend{
		Content: fmt.Sprintf("current canvas: **%s**", canvas.prompt),
		Files:   []*discordgo.File{{Name: "canvas.png", Reader: bytes.NewReader(canvas.image)}},
	})
	if err != nil {
		d.logger.Error().Err(err).Str("channel", m.ChannelID).Msg("service: canvas post failed")
	}
}

func (d *DiscordService) cmdStartGame(ctx context.Context, s *discordgo.Session, m *discordgo.Message, args string) {
	result := d.generate(ctx, s, m, d.request(m, engine.FeatureText2Image, args))
	if result == nil || len(result.Images) == 0 {
		return
	}
	d.games.startEvolution(m.GuildID, m.ChannelID, result.Prompt, result.Images[0].Data)
	d.reply(s, m, fmt.Sprintf("generation 0 is ready, evolve it with %sevolve", d.prefix))
}

// cmdEvolve runs the current generation through img2img. The chain ends
// after the configured number of generations.
func (d *DiscordService) cmdEvolve(ctx context.Context, s *discordgo.Session, m *discordgo.Message, args string) {
	evolution := d.games.evolution(m.GuildID, m.ChannelID)
	if evolution == nil {
		d.reply(s, m, fmt.Sprintf("no evolution running here, start one with %sstartgame", d.prefix))
		return
	}
	if evolution.generation >= maxGenerations {
		d.reply(s, m, fmt.Sprintf("this lineage is done after %d generations, start a new game", maxGenerations))
		return
	}
	req := d.request(m, engine.FeatureImage2Image, args)
	req.Image = evolution.image
	result := d.generate(ctx, s, m, req)
	if result == nil || len(result.Images) == 0 {
		return
	}
	generation := d.games.advanceEvolution(m.GuildID, m.ChannelID, result.Images[0].Data)
	d.recordGame(m, store.Delta{Evolutions: 1})
	d.reply(s, m, fmt.Sprintf("generation %d of %d", generation, maxGenerations))
}

func (d *DiscordService) cmdModels(ctx context.Context, s *discordgo.Session, m *discordgo.Message, args string) {
	lines := []string{"available models (model:<name>):"}
	for key := range d.cfg.Models {
		marks := ""
		if key == d.cfg.Default_model {
			marks += " (default)"
		}
		if key == d.cfg.Flagship_model {
			marks += " (flagship)"
		}
		lines = append(lines, "- "+key+marks)
	}
	d.reply(s, m, strings.Join(lines, "\n"))
}

func (d *DiscordService) cmdParams(ctx context.Context, s *discordgo.Session, m *discordgo.Message, args string) {
	d.reply(s, m, "parameters: "+strings.Join(prompt.Vocabulary, ", ")+
		"\nuse key:value anywhere in the prompt, e.g. draw a cat steps:50 neg:blurry"+
		"\ndepth colorize methods: "+strings.Join(workflow.ColorizeMethods, ", "))
}

func (d *DiscordService) cmdResolutions(ctx context.Context, s *discordgo.Session, m *discordgo.Message, args string) {
	d.reply(s, m, fmt.Sprintf("width and height go up to 2048 each, default %dx%d; source images up to %dpx a side",
		d.cfg.Static_width, d.cfg.Static_height, d.cfg.Max_image_dimension))
}

func (d *DiscordService) cmdInspireMe(ctx context.Context, s *discordgo.Session, m *discordgo.Message, args string) {
	idea, err := d.options.Inspire()
	if err != nil {
		d.reply(s, m, "no inspiration available right now")
		return
	}
	d.reply(s, m, fmt.Sprintf("how about: **%s**\n`draw %s`", idea, idea))
}

func (d *DiscordService) cmdAddStyle(ctx context.Context, s *discordgo.Session, m *discordgo.Message, args string) {
	if args == "" {
		d.reply(s, m, "usage: addstyle <style text>")
		return
	}
	if err := d.options.AddStyle(args); err != nil {
		d.logger.Error().Err(err).Msg("service: addstyle failed")
		d.reply(s, m, "couldn't save that style")
		return
	}
	d.reply(s, m, fmt.Sprintf("added style %q", args))
}

func (d *DiscordService) cmdStats(ctx context.Context, s *discordgo.Session, m *discordgo.Message, args string) {
	userid := m.Author.ID
	username := m.Author.Username
	if len(m.Mentions) > 0 {
		userid = m.Mentions[0].ID
		username = m.Mentions[0].Username
	}
	row, err := d.stats.User(m.GuildID, userid)
	if err != nil {
		d.logger.Error().Err(err).Str("user", userid).Msg("service: stats lookup failed")
		d.reply(s, m, "stats are unavailable right now")
		return
	}
	d.reply(s, m, fmt.Sprintf(
		"stats for **%s**:\nimages: %d\ncanvas contributions: %d\nevolutions: %d\ndepth maps: %d\ntotal generation time: %.0fs\nlast generated: %s",
		username, row.Images, row.CanvasContributions, row.Evolutions, row.DepthMaps, row.TotalTime, row.LastGenerated))
}

func (d *DiscordService) cmdLeaderboard(ctx context.Context, s *discordgo.Session, m *discordgo.Message, args string) {
	entries, err := d.stats.Leaderboard(m.GuildID, 10)
	if err != nil {
		d.logger.Error().Err(err).Str("guild", m.GuildID).Msg("service: leaderboard failed")
		d.reply(s, m, "leaderboard is unavailable right now")
		return
	}
	if len(entries) == 0 {
		d.reply(s, m, "nothing generated here yet")
		return
	}
	lines := []string{"top generators:"}
	for i, entry := range entries {
		name := entry.Username
		if name == "" {
			name = entry.UserId
		}
		lines = append(lines, fmt.Sprintf("%d. %s with %d images", i+1, name, entry.Images))
	}
	d.reply(s, m, strings.Join(lines, "\n"))
}

func (d *DiscordService) cmdHelp(ctx context.Context, s *discordgo.Session, m *discordgo.Message, args string) {
	lines := []string{"draw <text> starts a text-to-image job; commands:"}
	for _, r := range d.routes {
		if r.admin == true {
			continue
		}
		lines = append(lines, "- "+d.prefix+r.help)
	}
	d.reply(s, m, strings.Join(lines, "\n"))
}

func (d *DiscordService) cmdAddAdmin(ctx context.Context, s *discordgo.Session, m *discordgo.Message, args string) {
	if len(m.Mentions) == 0 {
		d.reply(s, m, "mention the user to promote")
		return
	}
	if err := d.admins.Add(m.Mentions[0].ID); err != nil {
		d.logger.Error().Err(err).Msg("service: addadmin failed")
		d.reply(s, m, "couldn't save the admin list")
		return
	}
	d.reply(s, m, fmt.Sprintf("%s is now an admin", m.Mentions[0].Username))
}

func (d *DiscordService) cmdRemoveAdmin(ctx context.Context, s *discordgo.Session, m *discordgo.Message, args string) {
	if len(m.Mentions) == 0 {
		d.reply(s, m, "mention the user to demote")
		return
	}
	if err := d.admins.Remove(m.Mentions[0].ID); err != nil {
		d.logger.Error().Err(err).Msg("service: removeadmin failed")
		d.reply(s, m, "couldn't save the admin list")
		return
	}
	d.reply(s, m, fmt.Sprintf("%s is no longer an admin", m.Mentions[0].Username))
}

func (d *DiscordService) cmdListAdmins(ctx context.Context, s *discordgo.Session, m *discordgo.Message, args string) {
	ids := d.admins.List()
	if len(ids) == 0 {
		d.reply(s, m, "the admin list is empty")
		return
	}
	lines := []string{"admins:"}
	for _, id := range ids {
		lines = append(lines, "- <@"+id+">")
	}
	d.reply(s, m, strings.Join(lines, "\n"))
}

func (d *DiscordService) cmdReload(ctx context.Context, s *discordgo.Session, m *discordgo.Message, args string) {
	d.cache.Invalidate()
	d.reply(s, m, "workflow templates reloaded")
}

func (d *DiscordService) cmdShutdown(ctx context.Context, s *discordgo.Session, m *discordgo.Message, args string) {
	d.reply(s, m, "shutting down")
	d.logger.Info().Str("user", m.Author.ID).Msg("service: shutdown requested")
	d.stop()
}

func (d *DiscordService) recordGame(m *discordgo.Message, delta store.Delta) {
	if m.GuildID == "" {
		return
	}
	if err := d.stats.Update(m.GuildID, m.Author.ID, m.Author.Username, delta); err != nil {
		d.logger.Warn().Err(err).Str("user", m.Author.ID).Msg("service: game stats update failed")
	}
}
