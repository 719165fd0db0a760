package behavior

import (
	"math"
	"testing"
	"time"
)

func newTestEngine(seed int64) *Engine {
	persona, _ := PersonaByName("experienced_user")
	return New(Config{}, persona, seed)
}

func movesOf(prims []Primitive) []Primitive {
	var moves []Primitive
	for _, p := range prims {
		if p.Kind == PrimitiveMove {
			moves = append(moves, p)
		}
	}
	return moves
}

func TestMousePathEndsOnTarget(t *testing.T) {
	e := newTestEngine(1)
	target := Point{X: 900, Y: 520}
	moves := movesOf(e.ComposeMove(target))
	if len(moves) == 0 {
		t.Fatal("expected move primitives")
	}
	last := moves[len(moves)-1]
	if last.To != target {
		t.Fatalf("path ends at %+v, want %+v", last.To, target)
	}
}

func TestMousePathDeviatesFromStraightLine(t *testing.T) {
	e := newTestEngine(2)
	from := e.pos
	target := Point{X: from.X + 500, Y: from.Y}
	moves := movesOf(e.ComposeMove(target))

	maxDev := 0.0
	for _, m := range moves {
		dev := math.Abs(m.To.Y - from.Y)
		if dev > maxDev {
			maxDev = dev
		}
	}
	if maxDev < 0.5 {
		t.Fatalf("path is near-degenerate, max deviation %.2fpx", maxDev)
	}
}

func TestMousePathNotRepeatedForSameEndpoints(t *testing.T) {
	e := newTestEngine(3)
	start := e.pos
	target := Point{X: 700, Y: 400}

	first := movesOf(e.ComposeMove(target))
	e.pos = start
	second := movesOf(e.ComposeMove(target))

	if len(first) == len(second) {
		same := true
		for i := range first {
			if first[i].To != second[i].To {
				same = false
				break
			}
		}
		if same {
			t.Fatal("two plans between the same endpoints produced identical paths")
		}
	}
}

func TestMousePathStepDelaysPositive(t *testing.T) {
	e := newTestEngine(4)
	for _, m := range movesOf(e.ComposeMove(Point{X: 100, Y: 800})) {
		if m.Delay <= 0 {
			t.Fatalf("move step with non-positive delay %v", m.Delay)
		}
	}
}

func TestComposeSendIncludesThinkingDelay(t *testing.T) {
	e := newTestEngine(5)
	prims := e.ComposeSend(Point{X: 300, Y: 300}, Point{X: 380, Y: 300}, "implement the parser")

	var wait *Primitive
	for i := range prims {
		if prims[i].Kind == PrimitiveWait && prims[i].Delay > 200*time.Millisecond {
			wait = &prims[i]
			break
		}
		if prims[i].Kind == PrimitiveType {
			break
		}
	}
	if wait == nil {
		t.Fatal("no thinking pause before typing")
	}
}

func TestThinkingDelayScalesWithLength(t *testing.T) {
	e := newTestEngine(6)
	const samples = 200
	var short, long time.Duration
	for i := 0; i < samples; i++ {
		short += e.ThinkingDelay(10)
		long += e.ThinkingDelay(400)
	}
	if long <= short {
		t.Fatalf("mean delay for long input (%v) not above short input (%v)", long/samples, short/samples)
	}
}

func TestKeystrokesReproduceText(t *testing.T) {
	e := newTestEngine(7)
	const text = "fix the retry loop"
	prims := e.ComposeSend(Point{X: 10, Y: 10}, Point{X: 80, Y: 10}, text)

	typed := make([]rune, 0, len(text))
	for _, p := range prims {
		if p.Kind != PrimitiveType {
			continue
		}
		for _, r := range p.Text {
			if r == '\b' {
				typed = typed[:len(typed)-1]
			} else {
				typed = append(typed, r)
			}
		}
	}
	if string(typed) != text {
		t.Fatalf("typed %q, want %q", string(typed), text)
	}
}

func TestSeededEnginesAgree(t *testing.T) {
	a := newTestEngine(42)
	b := newTestEngine(42)
	pa := a.ComposeSend(Point{X: 250, Y: 250}, Point{X: 320, Y: 250}, "hello")
	pb := b.ComposeSend(Point{X: 250, Y: 250}, Point{X: 320, Y: 250}, "hello")
	if len(pa) != len(pb) {
		t.Fatalf("seeded engines diverged: %d vs %d primitives", len(pa), len(pb))
	}
}

func TestComposeSendDeliversThroughSubmit(t *testing.T) {
	e := newTestEngine(8)
	send := Point{X: 820, Y: 540}
	prims := e.ComposeSend(Point{X: 400, Y: 520}, send, "run the tests")

	lastType, submitAt := -1, -1
	for i, p := range prims {
		switch p.Kind {
		case PrimitiveType:
			lastType = i
		case PrimitiveSubmit:
			submitAt = i
			if p.To != send {
				t.Fatalf("submit aimed at %+v, want %+v", p.To, send)
			}
		}
	}
	if submitAt == -1 {
		t.Fatal("composed send has no submit step")
	}
	if submitAt < lastType {
		t.Fatalf("submit at %d precedes last keystroke at %d", submitAt, lastType)
	}
}

func TestIdleDecoyFollowsSubmit(t *testing.T) {
	persona := Persona{
		Name:        "fidgety",
		IdleTrigger: 1.0,
		CadenceMin:  10 * time.Millisecond,
		CadenceMax:  20 * time.Millisecond,
	}
	e := New(Config{}, persona, 9)
	prims := e.ComposeSend(Point{X: 200, Y: 200}, Point{X: 260, Y: 200}, "ok")

	submitAt := -1
	for i, p := range prims {
		if p.Kind == PrimitiveSubmit {
			submitAt = i
		}
	}
	if submitAt == -1 {
		t.Fatal("no submit step composed")
	}
	if submitAt == len(prims)-1 {
		t.Fatal("no idle decoy after the send")
	}
}
