package logging

// KeyContext returns a logger scoped to one (symbol, timeframe)
// aggregation key.
func KeyContext(symbol, timeframe string) *Logger {
	return Default().WithFields(map[string]interface{}{
		"symbol":    symbol,
		"timeframe": timeframe,
	}).WithComponent("pipeline")
}

// SignalContext returns a logger scoped to an emitted or restored signal.
func SignalContext(symbol, timeframe, direction string, confidence float64) *Logger {
	return Default().WithFields(map[string]interface{}{
		"symbol":     symbol,
		"timeframe":  timeframe,
		"direction":  direction,
		"confidence": confidence,
	}).WithComponent("signal")
}
