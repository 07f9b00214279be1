package helper

import "math"

func RoundDownToTick(px, tick float64) float64 {
	if tick <= 0 {
		return px
	}
	steps := math.Floor(px/tick + 1e-12)
	return steps * tick
}

func RoundUpToTick(px, tick float64) float64 {
	if tick <= 0 {
		return px
	}
	steps := math.Ceil(px/tick - 1e-12)
	return steps * tick
}

// FloorToStep — размер вниз до шага лота.
func FloorToStep(sz, step float64) float64 {
	if step <= 0 {
		return sz
	}
	return math.Floor(sz/step+1e-9) * step
}
