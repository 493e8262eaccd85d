package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"DetCurator/engine"
	iface "DetCurator/interface"
	"DetCurator/monitor"

	"go.uber.org/zap"
)

type job struct {
	ctx    context.Context
	model  engine.Model
	frame  iface.Frame
	result chan iface.ModelResult
}

// Predictor fans frames out to registry models on a fixed pool of workers.
type Predictor struct {
	reg  *engine.Registry
	jobs chan job
	log  *zap.Logger

	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewPredictor(reg *engine.Registry, workers int, log *zap.Logger) *Predictor {
	if workers <= 0 {
		workers = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	p := &Predictor{
		reg:  reg,
		jobs: make(chan job, workers),
		log:  log,
	}
	p.startWorkers(workers)
	return p
}

func (p *Predictor) startWorkers(n int) {
	p.wg.Add(n)
	for i := 0; i < n; i++ {
		go p.runWorker(i)
	}
}

func (p *Predictor) runWorker(id int) {
	defer p.wg.Done()
	p.log.Debug("worker created", zap.Int("worker", id))
	for j := range p.jobs {
		j.result <- p.run(j)
	}
}

// run never panics: a backend panic is already converted by the model, and
// anything escaping that is caught here so the worker keeps draining jobs.
func (p *Predictor) run(j job) (res iface.ModelResult) {
	name := j.model.Info().Name
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("worker panic", zap.String("model", name), zap.Any("panic", r))
			res = errorResult(name, fmt.Errorf("panic: %v", r))
		}
	}()
	if err := j.ctx.Err(); err != nil {
		return errorResult(name, err)
	}
	return p.infer(j.ctx, j.model, j.frame)
}

func (p *Predictor) infer(ctx context.Context, m engine.Model, frame iface.Frame) iface.ModelResult {
	name := m.Info().Name
	start := time.Now()
	inf, err := m.Infer(ctx, frame.Image)
	monitor.ObserveInference(name, time.Since(start), err)
	if err != nil {
		p.log.Warn("inference failed",
			zap.String("model", name),
			zap.String("filename", frame.Filename),
			zap.Error(err))
		return errorResult(name, err)
	}
	return iface.ModelResult{
		Model:      name,
		Detections: inf.Detections,
		Rendered:   inf.Rendered,
		Original:   frame.Original,
	}
}

func errorResult(model string, err error) iface.ModelResult {
	return iface.ModelResult{Model: model, Err: err.Error()}
}

// Lookup resolves a model by name; the error matches iface.ErrModelNotFound.
func (p *Predictor) Lookup(name string) (engine.Model, error) {
	return p.reg.Get(name)
}

// Models lists the registered model names in sorted order.
func (p *Predictor) Models() []string {
	return p.reg.Names()
}

// PredictOne runs a single named model on frame through the worker pool.
func (p *Predictor) PredictOne(ctx context.Context, frame iface.Frame, model string) iface.ModelResult {
	m, err := p.reg.Get(model)
	if err != nil {
		return errorResult(model, err)
	}
	ch, err := p.submit(ctx, m, frame)
	if err != nil {
		return errorResult(model, err)
	}
	return <-ch
}

// PredictAll runs every registered model on frame. A failing model yields an
// error entry and does not affect the others.
func (p *Predictor) PredictAll(ctx context.Context, frame iface.Frame) iface.BatchResult {
	names := p.reg.Names()
	out := iface.BatchResult{
		Filename: frame.Filename,
		Results:  make(map[string]iface.ModelResult, len(names)),
	}
	pending := make(map[string]chan iface.ModelResult, len(names))
	for _, name := range names {
		m, err := p.reg.Get(name)
		if err != nil {
			out.Results[name] = errorResult(name, err)
			continue
		}
		ch, err := p.submit(ctx, m, frame)
		if err != nil {
			out.Results[name] = errorResult(name, err)
			continue
		}
		pending[name] = ch
	}
	for name, ch := range pending {
		out.Results[name] = <-ch
	}
	return out
}

func (p *Predictor) submit(ctx context.Context, m engine.Model, frame iface.Frame) (chan iface.ModelResult, error) {
	ch := make(chan iface.ModelResult, 1)
	select {
	case p.jobs <- job{ctx: ctx, model: m, frame: frame, result: ch}:
		return ch, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops the workers after queued jobs drain. Callers must not predict
// after Close.
func (p *Predictor) Close() {
	p.closeOnce.Do(func() {
		close(p.jobs)
		p.wg.Wait()
	})
}
