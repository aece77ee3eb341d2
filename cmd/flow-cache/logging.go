package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/skupperproject/flowcache/internal/config"
	"github.com/skupperproject/flowcache/internal/flowlog"
)

func reportLogger(ctx context.Context, logger *slog.Logger, profile string, cfg config.Logging) (func(any), error) {
	logFn := logger.With(slog.String("component", "switchlink.reports")).Info
	var rules []flowlog.Rule
	switch profile {
	case "silent":
		return func(any) {}, nil
	case "minimal":
		rules = []flowlog.Rule{
			{Priority: 1, Match: flowlog.NewKindSet(flowlog.KindFlowRemoved), Strategy: flowlog.RateLimited(cfg.ReportRate, cfg.ReportBurst)},
		}
	case "moderate":
		rules = []flowlog.Rule{
			{Priority: 1, Match: flowlog.NewKindSet(flowlog.KindFlowRemoved), Strategy: flowlog.Unlimited()},
			{Priority: 2, Match: flowlog.NewKindSet(flowlog.KindFlowTable), Strategy: flowlog.SwitchHash(0.1, flowlog.RateLimited(cfg.ReportRate, cfg.ReportBurst))},
		}
	case "all":
		rules = []flowlog.Rule{
			{Priority: 1, Match: flowlog.NewKindSetAll(), Strategy: flowlog.Unlimited()},
		}
	default:
		return nil, fmt.Errorf("unknown report logging profile: %s", profile)
	}
	if cfg.ReportRate < 0 {
		return func(any) {}, nil
	}
	return flowlog.New(ctx, logFn, rules), nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return level, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return level, nil
}
