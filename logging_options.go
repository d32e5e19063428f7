package rls

import "errors"

// WithLogger installs a Logger on the Engine.
func WithLogger(l Logger) EngineOption {
	return func(e *Engine) error {
		if l == nil {
			return errors.New("rls: nil logger")
		}
		e.logger = l
		return nil
	}
}

// WithTraceIDFunc installs a custom trace id generator on the engine.
func WithTraceIDFunc(f TraceIDFunc) EngineOption {
	return func(e *Engine) error {
		if f == nil {
			return errors.New("rls: nil trace id func")
		}
		e.traceIDFunc = f
		return nil
	}
}
