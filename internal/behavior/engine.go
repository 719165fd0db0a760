package behavior

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// PrimitiveKind identifies one low-level browser interaction step.
type PrimitiveKind string

const (
	PrimitiveMove   PrimitiveKind = "move"
	PrimitiveClick  PrimitiveKind = "click"
	PrimitiveScroll PrimitiveKind = "scroll"
	PrimitiveType   PrimitiveKind = "type"
	PrimitiveWait   PrimitiveKind = "wait"
	// PrimitiveSubmit is the click that hands the typed message to the page.
	// The session layer resolves the exact submit control; To carries the
	// approximate coordinates the pointer path was aimed at.
	PrimitiveSubmit PrimitiveKind = "submit"
)

type Point struct {
	X float64
	Y float64
}

type Primitive struct {
	Kind   PrimitiveKind
	To     Point
	DeltaY float64
	Text   string
	Delay  time.Duration
}

type Config struct {
	ThinkingDelayMu      float64
	ThinkingDelaySigma   float64
	ThinkingDelayPerChar time.Duration
	JitterFrac           float64
	MinJitterPx          float64
	PathStepsMin         int
	PathStepsMax         int
	IdleProbability      float64
	// TypoProbability above zero overrides the persona's own slip rate.
	TypoProbability float64
}

func (c Config) withDefaults() Config {
	if c.ThinkingDelayMu == 0 {
		c.ThinkingDelayMu = 6.5 // exp(6.5) ~ 665ms median
	}
	if c.ThinkingDelaySigma == 0 {
		c.ThinkingDelaySigma = 0.6
	}
	if c.ThinkingDelayPerChar <= 0 {
		c.ThinkingDelayPerChar = 4 * time.Millisecond
	}
	if c.JitterFrac == 0 {
		c.JitterFrac = 0.22
	}
	if c.MinJitterPx == 0 {
		c.MinJitterPx = 3
	}
	if c.PathStepsMin <= 0 {
		c.PathStepsMin = 8
	}
	if c.PathStepsMax <= c.PathStepsMin {
		c.PathStepsMax = c.PathStepsMin + 12
	}
	if c.IdleProbability == 0 {
		c.IdleProbability = 0.15
	}
	return c
}

// Engine turns high-level intents into sequences of human-plausible input
// primitives. It never touches a browser; executing the primitives is the
// session layer's job.
type Engine struct {
	cfg     Config
	persona Persona

	mu  sync.Mutex
	rng *rand.Rand
	pos Point
}

func New(cfg Config, persona Persona, seed int64) *Engine {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Engine{
		cfg:     cfg.withDefaults(),
		persona: persona,
		rng:     rand.New(rand.NewSource(seed)),
		pos:     Point{X: 400, Y: 300},
	}
}

func (e *Engine) Persona() Persona { return e.persona }

// ComposeSend plans the full interaction for delivering text to an input
// element: an optional idle decoy, a thinking pause scaled by input length,
// a curved pointer path to the input, a click, the keystrokes, then a pointer
// path to the send control and the submit click. Idle decoys roll
// independently before and after the primary action.
func (e *Engine) ComposeSend(target, send Point, text string) []Primitive {
	e.mu.Lock()
	defer e.mu.Unlock()

	var prims []Primitive
	if e.rng.Float64() < e.idleChance() {
		prims = append(prims, e.idleAction()...)
	}
	prims = append(prims, Primitive{Kind: PrimitiveWait, Delay: e.thinkingDelay(len(text))})
	prims = append(prims, e.mousePath(e.pos, target)...)
	prims = append(prims, Primitive{Kind: PrimitiveClick, To: target, Delay: e.shortPause()})
	e.pos = target
	prims = append(prims, e.keystrokes(text)...)
	prims = append(prims, e.mousePath(e.pos, send)...)
	prims = append(prims, Primitive{Kind: PrimitiveSubmit, To: send, Delay: e.shortPause()})
	e.pos = send
	if e.rng.Float64() < e.idleChance() {
		prims = append(prims, e.idleAction()...)
	}
	return prims
}

// ComposeMove plans a pointer move with no click, used for hover checks and
// audit-cycle navigation between page regions.
func (e *Engine) ComposeMove(target Point) []Primitive {
	e.mu.Lock()
	defer e.mu.Unlock()

	prims := e.mousePath(e.pos, target)
	e.pos = target
	return prims
}

// ComposeIdle plans a standalone decoy action for quiet periods.
func (e *Engine) ComposeIdle() []Primitive {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.idleAction()
}

func (e *Engine) ThinkingDelay(textLen int) time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.thinkingDelay(textLen)
}

func (e *Engine) thinkingDelay(textLen int) time.Duration {
	ms := math.Exp(e.cfg.ThinkingDelayMu + e.cfg.ThinkingDelaySigma*e.rng.NormFloat64())
	base := time.Duration(ms) * time.Millisecond
	return base + time.Duration(textLen)*e.cfg.ThinkingDelayPerChar
}

// mousePath samples a cubic Bezier curve between from and to. The two control
// points sit a third and two thirds of the way along the straight line,
// displaced perpendicular to it by a random fraction of the path length.
// Step timing eases in and out so the pointer decelerates near the target.
func (e *Engine) mousePath(from, to Point) []Primitive {
	dist := math.Hypot(to.X-from.X, to.Y-from.Y)
	if dist < 1 {
		return []Primitive{{Kind: PrimitiveMove, To: to, Delay: e.shortPause()}}
	}

	steps := e.cfg.PathStepsMin + e.rng.Intn(e.cfg.PathStepsMax-e.cfg.PathStepsMin+1)
	c1 := e.controlPoint(from, to, dist, 1.0/3.0)
	c2 := e.controlPoint(from, to, dist, 2.0/3.0)

	prims := make([]Primitive, 0, steps)
	for i := 1; i <= steps; i++ {
		t := float64(i) / float64(steps)
		p := cubicBezier(from, c1, c2, to, t)
		// slow down near the endpoint, mild speed-up mid-path
		pace := 0.5 + 1.5*easeInOut(t)
		delay := time.Duration(float64(4+e.rng.Intn(8)) * pace * float64(time.Millisecond))
		prims = append(prims, Primitive{Kind: PrimitiveMove, To: p, Delay: delay})
	}
	// land exactly on the target
	prims[len(prims)-1].To = to
	return prims
}

func (e *Engine) controlPoint(from, to Point, dist, t float64) Point {
	jitter := e.cfg.JitterFrac * dist
	if jitter < e.cfg.MinJitterPx {
		jitter = e.cfg.MinJitterPx
	}
	// perpendicular unit vector to the straight line
	nx := -(to.Y - from.Y) / dist
	ny := (to.X - from.X) / dist
	// offset is never zero so two paths between the same endpoints differ
	off := (e.rng.Float64()*2 - 1) * jitter
	if math.Abs(off) < e.cfg.MinJitterPx {
		if off < 0 {
			off = -e.cfg.MinJitterPx
		} else {
			off = e.cfg.MinJitterPx
		}
	}
	base := Point{
		X: from.X + (to.X-from.X)*t,
		Y: from.Y + (to.Y-from.Y)*t,
	}
	return Point{X: base.X + nx*off, Y: base.Y + ny*off}
}

func cubicBezier(p0, c1, c2, p1 Point, t float64) Point {
	u := 1 - t
	a := u * u * u
	b := 3 * u * u * t
	c := 3 * u * t * t
	d := t * t * t
	return Point{
		X: a*p0.X + b*c1.X + c*c2.X + d*p1.X,
		Y: a*p0.Y + b*c1.Y + c*c2.Y + d*p1.Y,
	}
}

func easeInOut(t float64) float64 {
	if t < 0.5 {
		return 1 - 2*t
	}
	return 2*t - 1
}

// keystrokes emits per-character type primitives with persona cadence and the
// occasional adjacent-key slip followed by a backspace correction.
func (e *Engine) keystrokes(text string) []Primitive {
	typoChance := e.persona.TypoProbability
	if e.cfg.TypoProbability > 0 {
		typoChance = e.cfg.TypoProbability
	}
	prims := make([]Primitive, 0, len(text)+4)
	for _, r := range text {
		if e.rng.Float64() < typoChance {
			if slip, ok := adjacentKey(r); ok {
				prims = append(prims,
					Primitive{Kind: PrimitiveType, Text: string(slip), Delay: e.cadence()},
					Primitive{Kind: PrimitiveType, Text: "\b", Delay: e.cadence() * 2},
				)
			}
		}
		prims = append(prims, Primitive{Kind: PrimitiveType, Text: string(r), Delay: e.cadence()})
	}
	return prims
}

func (e *Engine) cadence() time.Duration {
	span := e.persona.CadenceMax - e.persona.CadenceMin
	if span <= 0 {
		return e.persona.CadenceMin
	}
	return e.persona.CadenceMin + time.Duration(e.rng.Int63n(int64(span)))
}

func (e *Engine) shortPause() time.Duration {
	return time.Duration(30+e.rng.Intn(120)) * time.Millisecond
}

func (e *Engine) idleChance() float64 {
	if e.persona.IdleTrigger > 0 {
		return e.persona.IdleTrigger
	}
	return e.cfg.IdleProbability
}

// idleAction picks one of three decoys. Weights follow observed casual
// browsing: mostly aimless pointer wander, sometimes a small scroll nudge,
// rarely a longer distracted pause.
func (e *Engine) idleAction() []Primitive {
	roll := e.rng.Float64()
	switch {
	case roll < 0.60:
		return e.idleWander()
	case roll < 0.85:
		return e.idleNudge()
	default:
		return e.idleDistract()
	}
}

func (e *Engine) idleWander() []Primitive {
	target := Point{
		X: e.pos.X + (e.rng.Float64()*2-1)*180,
		Y: e.pos.Y + (e.rng.Float64()*2-1)*120,
	}
	if target.X < 10 {
		target.X = 10
	}
	if target.Y < 10 {
		target.Y = 10
	}
	prims := e.mousePath(e.pos, target)
	e.pos = target
	return prims
}

func (e *Engine) idleNudge() []Primitive {
	delta := float64(e.rng.Intn(160) - 80)
	return []Primitive{
		{Kind: PrimitiveScroll, DeltaY: delta, Delay: e.shortPause()},
		{Kind: PrimitiveScroll, DeltaY: -delta / 2, Delay: e.shortPause()},
	}
}

func (e *Engine) idleDistract() []Primitive {
	return []Primitive{
		{Kind: PrimitiveWait, Delay: time.Duration(800+e.rng.Intn(2200)) * time.Millisecond},
	}
}

var keyNeighbors = map[rune]string{
	'a': "sq", 'b': "vn", 'c': "xv", 'd': "sf", 'e': "wr", 'f': "dg",
	'g': "fh", 'h': "gj", 'i': "uo", 'j': "hk", 'k': "jl", 'l': "k",
	'm': "n", 'n': "bm", 'o': "ip", 'p': "o", 'q': "wa", 'r': "et",
	's': "ad", 't': "ry", 'u': "yi", 'v': "cb", 'w': "qe", 'x': "zc",
	'y': "tu", 'z': "x",
}

func adjacentKey(r rune) (rune, bool) {
	neighbors, ok := keyNeighbors[r]
	if !ok || neighbors == "" {
		return 0, false
	}
	return rune(neighbors[0]), true
}
