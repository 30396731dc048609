package session

// Observer receives copies of the raw bytes crossing the terminal, for
// recording or tracing. OnOutput runs on the reader goroutine as each
// chunk arrives; OnInput runs on the writer goroutine after the bytes
// reach the backend. The streams stall while an observer blocks. The
// slices must not be modified.
type Observer interface {
	OnOutput(p []byte)
	OnInput(p []byte)
}

// ObserverFuncs adapts a pair of functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	Output func(p []byte)
	Input  func(p []byte)
}

func (f ObserverFuncs) OnOutput(p []byte) {
	if f.Output != nil {
		f.Output(p)
	}
}

func (f ObserverFuncs) OnInput(p []byte) {
	if f.Input != nil {
		f.Input(p)
	}
}

type observers []Observer

func (o observers) OnOutput(p []byte) {
	for _, obs := range o {
		obs.OnOutput(p)
	}
}

func (o observers) OnInput(p []byte) {
	for _, obs := range o {
		obs.OnInput(p)
	}
}
