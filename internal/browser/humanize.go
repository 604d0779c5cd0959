package browser

import (
	"context"
	"math/rand"
	"time"
)

const mouseEventJS = `(type, x, y) => {
	document.dispatchEvent(new MouseEvent(type, {
		view: window,
		bubbles: true,
		cancelable: true,
		clientX: x,
		clientY: y
	}));
}`

// WarmUp replays a short burst of synthetic mouse movement, a scroll and
// maybe a click so behavioural bot checks see some interaction history
// before credentials are typed. Failures are ignored.
func WarmUp(ctx context.Context, p Page, rnd *rand.Rand) {
	for round := 0; round < 2; round++ {
		movements := 2 + rnd.Intn(3)
		for i := 0; i < movements; i++ {
			x := rnd.Intn(1200) + 100
			y := rnd.Intn(700) + 100
			_, _ = p.Eval(ctx, mouseEventJS, "mousemove", x, y)
			if Sleep(ctx, time.Duration(5+rnd.Intn(10))*time.Millisecond) != nil {
				return
			}
		}

		if round == 0 {
			_ = p.ScrollBy(ctx, float64(rnd.Intn(3)-1)*0.2)
		}

		if rnd.Float64() < 0.5 {
			x := rnd.Intn(1000) + 200
			y := rnd.Intn(600) + 200
			_, _ = p.Eval(ctx, mouseEventJS, "mousedown", x, y)
			_ = Sleep(ctx, time.Duration(10+rnd.Intn(20))*time.Millisecond)
			_, _ = p.Eval(ctx, mouseEventJS, "mouseup", x, y)
		}

		if Sleep(ctx, time.Duration(30+rnd.Intn(50))*time.Millisecond) != nil {
			return
		}
	}
}

// Jitter returns a random duration in [min, max).
func Jitter(rnd *rand.Rand, min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rnd.Int63n(int64(max-min)))
}
