package engine

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/kbukum/authkit/errors"
	"github.com/kbukum/authkit/logger"
	"github.com/kbukum/authkit/validation"
)

const instrumentationName = "github.com/kbukum/authkit/engine"

type pipelineMetrics struct {
	tracer     trace.Tracer
	executions metric.Int64Counter
	duration   metric.Float64Histogram
}

func newPipelineMetrics() *pipelineMetrics {
	meter := otel.Meter(instrumentationName)
	executions, _ := meter.Int64Counter("authkit.step.executions",
		metric.WithDescription("Number of step executions by plugin, step and status."))
	duration, _ := meter.Float64Histogram("authkit.step.duration",
		metric.WithDescription("Step execution duration."),
		metric.WithUnit("ms"))
	return &pipelineMetrics{
		tracer:     otel.Tracer(instrumentationName),
		executions: executions,
		duration:   duration,
	}
}

// ExecuteStep runs one step of one plugin through the fixed pipeline:
// schema validation, the plugin's before hook, the step body, the
// plugin's after hook, then status-to-HTTP translation.
//
// Unknown plugin or step names are errors. Everything else that can go
// wrong during a well-addressed execution comes back as a *Result:
// validation failures, domain failures, and (wrapped as a failed
// result) unexpected step errors.
func (e *Engine) ExecuteStep(ctx context.Context, pluginName, stepName string, input map[string]any, device *DeviceInfo) (*Result, error) {
	e.mu.RLock()
	initialized := e.initialized
	p := e.plugins[pluginName]
	e.mu.RUnlock()

	if !initialized {
		return nil, errors.Configuration("engine is not initialized")
	}
	if p == nil {
		return nil, errors.PluginNotFound(pluginName)
	}
	step := p.step(stepName)
	if step == nil {
		return nil, errors.StepNotFound(pluginName, stepName)
	}

	ctx, span := e.metrics.tracer.Start(ctx, pluginName+"."+stepName,
		trace.WithAttributes(
			attribute.String("authkit.plugin", pluginName),
			attribute.String("authkit.step", stepName),
		))
	defer span.End()

	start := time.Now()
	pc := e.contextFor(p, device)
	result := e.runPipeline(ctx, pc, step, input)
	result.HTTPCode = httpCode(step, result)

	elapsed := time.Since(start)
	attrs := metric.WithAttributes(
		attribute.String("plugin", pluginName),
		attribute.String("step", stepName),
		attribute.String("status", result.Status),
		attribute.Bool("success", result.Success),
	)
	e.metrics.executions.Add(ctx, 1, attrs)
	e.metrics.duration.Record(ctx, float64(elapsed.Milliseconds()), attrs)
	span.SetAttributes(attribute.String("authkit.status", result.Status))

	pc.Logger.Debug("step executed", logger.Fields(
		logger.FieldStep, stepName,
		logger.FieldStatus, result.Status,
		logger.FieldDuration, elapsed.Milliseconds(),
	))
	return result, nil
}

func (e *Engine) runPipeline(ctx context.Context, pc *PluginContext, step *Step, raw map[string]any) *Result {
	// 1. Validate.
	var input any = raw
	if step.Schema != nil {
		schema := step.Schema()
		if appErr := validation.DecodeInto(raw, schema); appErr != nil {
			return &Result{
				Success: false,
				Status:  StatusInvalidInput,
				Message: appErr.Message,
				Data:    appErr.Details,
			}
		}
		input = schema
	}

	// 2. Before hook.
	if pc.plugin.Before != nil {
		replaced, short, err := pc.plugin.Before(ctx, pc, step, input)
		if err != nil {
			return e.faultResult(pc, step, "before hook", err)
		}
		if short != nil {
			return short
		}
		if replaced != nil {
			input = replaced
		}
	}

	// 3. Run.
	result, err := step.Run(ctx, pc, input)
	if err != nil {
		return e.faultResult(pc, step, "run", err)
	}
	if result == nil {
		return e.faultResult(pc, step, "run", fmt.Errorf("step returned neither result nor error"))
	}

	// 4. After hook.
	if pc.plugin.After != nil {
		replaced, err := pc.plugin.After(ctx, pc, step, result)
		if err != nil {
			return e.faultResult(pc, step, "after hook", err)
		}
		if replaced != nil {
			result = replaced
		}
	}
	return result
}

// faultResult converts an unexpected step error into a failed result.
// The cause is logged, never surfaced: clients see a generic failure.
func (e *Engine) faultResult(pc *PluginContext, step *Step, phase string, err error) *Result {
	pc.Logger.WithError(err).Error("step failed", logger.Fields(
		logger.FieldStep, step.Name,
		"phase", phase,
	))
	if appErr, ok := err.(*errors.AppError); ok {
		return &Result{
			Success: false,
			Status:  "error",
			Message: appErr.Message,
			Data:    map[string]any{"code": appErr.Code},
		}
	}
	return &Result{
		Success: false,
		Status:  "error",
		Message: "An unexpected error occurred.",
	}
}
