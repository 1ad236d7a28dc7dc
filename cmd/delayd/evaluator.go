package main

import (
	"context"
	"time"

	"github.com/xraph/delay/expression"
	"github.com/xraph/delay/message"
)

// newEvaluator builds the delay policy from the configured headers. The
// absolute release header wins over the relative delay header. Nil means
// every message gets the default delay.
func newEvaluator(cfg Config) expression.Evaluator {
	var evs []expression.Evaluator
	if cfg.DelayAtHeader != "" {
		evs = append(evs, expression.HeaderTime(cfg.DelayAtHeader, time.RFC3339))
	}
	if cfg.DelayHeader != "" {
		evs = append(evs, expression.Header(cfg.DelayHeader))
	}

	switch len(evs) {
	case 0:
		return nil
	case 1:
		return evs[0]
	}
	return firstOf(evs)
}

// firstOf returns the first result that is not None.
func firstOf(evs []expression.Evaluator) expression.Evaluator {
	return expression.Func(func(ctx context.Context, m *message.Message) (expression.Result, error) {
		for _, ev := range evs {
			res, err := ev.Evaluate(ctx, m)
			if err != nil {
				return expression.None(), err
			}
			if res.Kind() != expression.KindNone {
				return res, nil
			}
		}
		return expression.None(), nil
	})
}
