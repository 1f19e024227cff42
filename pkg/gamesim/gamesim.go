// Package gamesim generates the mock game traffic used by the demo sender.
// Reliable payloads are critical game events; unreliable payloads are the
// frequent position and state updates a game would stream continuously.
// Both are small JSON objects so the demo output stays readable.
package gamesim

import (
	"encoding/json"
	"fmt"
	"math/rand"
)

// Generator produces mock payloads from a seeded source, so a given seed
// yields the same traffic on every run.
type Generator struct {
	rnd *rand.Rand
}

func New(seed int64) *Generator {
	return &Generator{rnd: rand.New(rand.NewSource(seed))}
}

var items = []string{"coin", "gem", "key"}
var animations = []string{"idle", "run", "jump"}

// Payload returns the payload for the packet with the given id. Reliable
// payloads are one of the event kinds, unreliable ones one of the update
// kinds, each picked at random from the generator's source.
func (g *Generator) Payload(id int, reliable bool) []byte {
	var v any
	if reliable {
		switch g.rnd.Intn(4) {
		case 0:
			v = map[string]any{"join": id, "name": fmt.Sprintf("P%d", id%10)}
		case 1:
			v = map[string]any{"score": g.rnd.Intn(1000)}
		case 2:
			v = map[string]any{"level": id%5 + 1}
		default:
			v = map[string]any{"item": items[g.rnd.Intn(len(items))], "val": 10 + g.rnd.Intn(41)}
		}
	} else {
		switch g.rnd.Intn(4) {
		case 0:
			v = map[string]any{"x": g.rnd.Intn(801), "y": g.rnd.Intn(601)}
		case 1:
			v = map[string]any{"vx": g.rnd.Intn(101) - 50, "vy": g.rnd.Intn(101) - 50}
		case 2:
			v = map[string]any{"angle": g.rnd.Intn(361)}
		default:
			v = map[string]any{"frame": id % 8, "state": animations[g.rnd.Intn(len(animations))]}
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		// Maps of strings to primitives always marshal.
		panic(err)
	}
	return data
}

// Flip draws a random channel choice, a 50/50 reliable/unreliable mix.
func (g *Generator) Flip() bool {
	return g.rnd.Intn(2) == 0
}

// Reliable reports the deterministic channel mix the runner uses: even
// packet ids travel on the reliable channel.
func Reliable(id int) bool {
	return id%2 == 0
}
