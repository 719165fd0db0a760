package behavior

import (
	"math/rand"
	"time"
)

// Persona bundles the stable quirks of one simulated operator. A session keeps
// its persona for its whole life; an identity reset rolls a fresh one.
type Persona struct {
	Name            string
	IdleTrigger     float64
	TypoProbability float64
	CadenceMin      time.Duration
	CadenceMax      time.Duration
}

var personas = []Persona{
	{
		Name:            "new_user",
		IdleTrigger:     0.25,
		TypoProbability: 0.04,
		CadenceMin:      90 * time.Millisecond,
		CadenceMax:      240 * time.Millisecond,
	},
	{
		Name:            "experienced_user",
		IdleTrigger:     0.10,
		TypoProbability: 0.015,
		CadenceMin:      45 * time.Millisecond,
		CadenceMax:      130 * time.Millisecond,
	},
}

func RandomPersona(rng *rand.Rand) Persona {
	return personas[rng.Intn(len(personas))]
}

func PersonaByName(name string) (Persona, bool) {
	for _, p := range personas {
		if p.Name == name {
			return p, true
		}
	}
	return Persona{}, false
}
