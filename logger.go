package rls

import "github.com/oarkflow/rls/logger"

// Logger is the engine's logging surface, re-exported so callers configuring
// an Engine need not import the logger package.
type Logger = logger.Logger

// TraceIDFunc generates the id stamped on every evaluation.
type TraceIDFunc = logger.TraceIDFunc
