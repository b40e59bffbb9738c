package orchestrator

import (
	"context"
	"log/slog"
)

type contextKey string

const (
	loggerContextKey contextKey = "logger"
	runIDContextKey  contextKey = "run_id"
	nodeIDContextKey contextKey = "node_id"
)

// WithLogger attaches a logger to the context for agent implementations.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerContextKey, logger)
}

// LoggerFromContext retrieves a logger attached with WithLogger.
func LoggerFromContext(ctx context.Context) (*slog.Logger, bool) {
	logger, ok := ctx.Value(loggerContextKey).(*slog.Logger)
	return logger, ok
}

// WithRunID attaches the current run id to the context.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDContextKey, runID)
}

// RunIDFromContext retrieves the run id executing the current node.
func RunIDFromContext(ctx context.Context) (string, bool) {
	runID, ok := ctx.Value(runIDContextKey).(string)
	return runID, ok
}

// WithNodeID attaches the current node id to the context.
func WithNodeID(ctx context.Context, nodeID string) context.Context {
	return context.WithValue(ctx, nodeIDContextKey, nodeID)
}

// NodeIDFromContext retrieves the node id being executed.
func NodeIDFromContext(ctx context.Context) (string, bool) {
	nodeID, ok := ctx.Value(nodeIDContextKey).(string)
	return nodeID, ok
}
