package service

import "sync"

const maxGenerations = 5

// canvasState is one shared collaborative image per channel.
type canvasState struct {
	prompt string
	image  []byte
}

// evolutionState is one image-to-image chain per channel.
type evolutionState struct {
	prompt     string
	image      []byte
	generation int
}

type games struct {
	mu         sync.Mutex
	canvases   map[string]*canvasState
	evolutions map[string]*evolutionState
}

func newGames() *games {
	return &games{
		canvases:   make(map[string]*canvasState),
		evolutions: make(map[string]*evolutionState),
	}
}

func gameKey(guildid string, channelid string) string {
	return guildid + "/" + channelid
}

func (g *games) startCanvas(guildid string, channelid string, prompt string, image []byte) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.canvases[gameKey(guildid, channelid)] = &canvasState{prompt: prompt, image: image}
}

func (g *games) canvas(guildid string, channelid string) *canvasState {
	g.mu.Lock()
	defer g.mu.Unlock()
	state, ok := g.canvases[gameKey(guildid, channelid)]
	if ok == false {
		return nil
	}
	return &canvasState{prompt: state.prompt, image: append([]byte{}, state.image...)}
}

func (g *games) updateCanvas(guildid string, channelid string, image []byte) {
	g.mu.Lock()
	defer g.mu.Unlock()
	state, ok := g.canvases[gameKey(guildid, channelid)]
	if ok == false {
		return
	}
	state.image = image
}

func (g *games) startEvolution(guildid string, channelid string, prompt string, image []byte) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.evolutions[gameKey(guildid, channelid)] = &evolutionState{prompt: prompt, image: image}
}

func (g *games) evolution(guildid string, channelid string) *evolutionState {
	g.mu.Lock()
	defer g.mu.Unlock()
	state, ok := g.evolutions[gameKey(guildid, channelid)]
	if ok == false {
		return nil
	}
	return &evolutionState{prompt: state.prompt, image: append([]byte{}, state.image...), generation: state.generation}
}

// advanceEvolution installs the next generation and returns its number.
func (g *games) advanceEvolution(guildid string, channelid string, image []byte) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	state, ok := g.evolutions[gameKey(guildid, channelid)]
	if ok == false {
		return 0
	}
	state.image = image
	state.generation++
	return state.generation
}
