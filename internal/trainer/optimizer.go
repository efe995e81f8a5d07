package trainer

import (
	"fmt"
	"math"
	"strings"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"

	"github.com/cnclabs/recbias/internal/model"
)

// Optimizer applies one update rule to a fixed set of parameters.
type Optimizer interface {
	Name() string

	// Step consumes the accumulated gradients and mutates the
	// parameters in place.
	Step()

	// ZeroGrad clears all gradients before the next batch.
	ZeroGrad()

	StateDict() OptimizerState
	LoadStateDict(OptimizerState) error
}

// OptimizerState is the serializable optimizer snapshot stored in
// checkpoints.
type OptimizerState struct {
	Learner   string               `json:"learner"`
	StepCount int64                `json:"step_count"`
	Buffers   map[string][]float64 `json:"buffers"`
}

// BuildOptimizer selects the update rule by learner name
// (case-insensitive). An unrecognized name falls back to Adam with a
// warning; sparse_adam ignores a nonzero weight decay with a warning.
func BuildOptimizer(logger *zap.Logger, learner string, learningRate, weightDecay float64, params []*model.Parameter) Optimizer {
	switch strings.ToLower(learner) {
	case "sgd":
		return newSGD(params, learningRate, weightDecay)
	case "adam":
		return newAdam(params, learningRate, weightDecay)
	case "adagrad":
		return newAdagrad(params, learningRate, weightDecay)
	case "rmsprop":
		return newRMSprop(params, learningRate, weightDecay)
	case "sparse_adam":
		if weightDecay > 0 {
			logger.Warn("sparse_adam does not support weight decay, dropping it",
				zap.Float64("weight_decay", weightDecay))
		}
		return newSparseAdam(params, learningRate)
	default:
		logger.Warn("unrecognized learner, falling back to adam",
			zap.String("learner", learner))
		return newAdam(params, learningRate, weightDecay)
	}
}

// forEachGradIndex visits every live gradient index of p: all indices
// for dense parameters, only active rows for sparse ones.
func forEachGradIndex(p *model.Parameter, fn func(i int)) {
	rows := p.ActiveRows()
	if rows == nil {
		for i := range p.Grad {
			fn(i)
		}
		return
	}
	for _, r := range rows {
		base := r * p.Cols
		for c := 0; c < p.Cols; c++ {
			fn(base + c)
		}
	}
}

func zeroGradAll(params []*model.Parameter) {
	for _, p := range params {
		p.ZeroGrad()
	}
}

// sgd implements plain stochastic gradient descent with optional L2
// weight decay.
type sgd struct {
	params []*model.Parameter
	lr     float64
	decay  float64
}

func newSGD(params []*model.Parameter, lr, decay float64) *sgd {
	return &sgd{params: params, lr: lr, decay: decay}
}

func (o *sgd) Name() string { return "sgd" }

func (o *sgd) Step() {
	for _, p := range o.params {
		if !p.Sparse && o.decay == 0 {
			floats.AddScaled(p.Data, -o.lr, p.Grad)
			continue
		}
		forEachGradIndex(p, func(i int) {
			p.Data[i] -= o.lr * (p.Grad[i] + o.decay*p.Data[i])
		})
	}
}

func (o *sgd) ZeroGrad() { zeroGradAll(o.params) }

func (o *sgd) StateDict() OptimizerState {
	return OptimizerState{Learner: o.Name(), Buffers: map[string][]float64{}}
}

func (o *sgd) LoadStateDict(OptimizerState) error { return nil }

// adam implements Adam with bias correction.
type adam struct {
	params []*model.Parameter
	lr     float64
	decay  float64
	beta1  float64
	beta2  float64
	eps    float64

	step  int64
	m, v  map[string][]float64
}

func newAdam(params []*model.Parameter, lr, decay float64) *adam {
	o := &adam{
		params: params,
		lr:     lr,
		decay:  decay,
		beta1:  0.9,
		beta2:  0.999,
		eps:    1e-8,
		m:      make(map[string][]float64, len(params)),
		v:      make(map[string][]float64, len(params)),
	}
	for _, p := range params {
		o.m[p.Name] = make([]float64, len(p.Data))
		o.v[p.Name] = make([]float64, len(p.Data))
	}
	return o
}

func (o *adam) Name() string { return "adam" }

func (o *adam) Step() {
	o.step++
	c1 := 1 - math.Pow(o.beta1, float64(o.step))
	c2 := 1 - math.Pow(o.beta2, float64(o.step))
	for _, p := range o.params {
		m, v := o.m[p.Name], o.v[p.Name]
		forEachGradIndex(p, func(i int) {
			g := p.Grad[i] + o.decay*p.Data[i]
			m[i] = o.beta1*m[i] + (1-o.beta1)*g
			v[i] = o.beta2*v[i] + (1-o.beta2)*g*g
			p.Data[i] -= o.lr * (m[i] / c1) / (math.Sqrt(v[i]/c2) + o.eps)
		})
	}
}

func (o *adam) ZeroGrad() { zeroGradAll(o.params) }

func (o *adam) StateDict() OptimizerState {
	buffers := make(map[string][]float64, 2*len(o.params))
	for name, buf := range o.m {
		buffers[name+".exp_avg"] = append([]float64(nil), buf...)
	}
	for name, buf := range o.v {
		buffers[name+".exp_avg_sq"] = append([]float64(nil), buf...)
	}
	return OptimizerState{Learner: o.Name(), StepCount: o.step, Buffers: buffers}
}

func (o *adam) LoadStateDict(st OptimizerState) error {
	for _, p := range o.params {
		m, ok := st.Buffers[p.Name+".exp_avg"]
		if !ok {
			return fmt.Errorf("optimizer state is missing buffer for %s", p.Name)
		}
		v, ok := st.Buffers[p.Name+".exp_avg_sq"]
		if !ok {
			return fmt.Errorf("optimizer state is missing buffer for %s", p.Name)
		}
		if len(m) != len(p.Data) || len(v) != len(p.Data) {
			return fmt.Errorf("optimizer buffer for %s has wrong length", p.Name)
		}
		copy(o.m[p.Name], m)
		copy(o.v[p.Name], v)
	}
	o.step = st.StepCount
	return nil
}

// adagrad accumulates squared gradients per coordinate.
type adagrad struct {
	params []*model.Parameter
	lr     float64
	decay  float64
	eps    float64

	sum map[string][]float64
}

func newAdagrad(params []*model.Parameter, lr, decay float64) *adagrad {
	o := &adagrad{
		params: params,
		lr:     lr,
		decay:  decay,
		eps:    1e-10,
		sum:    make(map[string][]float64, len(params)),
	}
	for _, p := range params {
		o.sum[p.Name] = make([]float64, len(p.Data))
	}
	return o
}

func (o *adagrad) Name() string { return "adagrad" }

func (o *adagrad) Step() {
	for _, p := range o.params {
		sum := o.sum[p.Name]
		forEachGradIndex(p, func(i int) {
			g := p.Grad[i] + o.decay*p.Data[i]
			sum[i] += g * g
			p.Data[i] -= o.lr * g / (math.Sqrt(sum[i]) + o.eps)
		})
	}
}

func (o *adagrad) ZeroGrad() { zeroGradAll(o.params) }

func (o *adagrad) StateDict() OptimizerState {
	buffers := make(map[string][]float64, len(o.params))
	for name, buf := range o.sum {
		buffers[name+".sum"] = append([]float64(nil), buf...)
	}
	return OptimizerState{Learner: o.Name(), Buffers: buffers}
}

func (o *adagrad) LoadStateDict(st OptimizerState) error {
	for _, p := range o.params {
		buf, ok := st.Buffers[p.Name+".sum"]
		if !ok {
			return fmt.Errorf("optimizer state is missing buffer for %s", p.Name)
		}
		if len(buf) != len(p.Data) {
			return fmt.Errorf("optimizer buffer for %s has wrong length", p.Name)
		}
		copy(o.sum[p.Name], buf)
	}
	return nil
}

// rmsprop keeps an exponential moving average of squared gradients.
type rmsprop struct {
	params []*model.Parameter
	lr     float64
	decay  float64
	alpha  float64
	eps    float64

	sq map[string][]float64
}

func newRMSprop(params []*model.Parameter, lr, decay float64) *rmsprop {
	o := &rmsprop{
		params: params,
		lr:     lr,
		decay:  decay,
		alpha:  0.99,
		eps:    1e-8,
		sq:     make(map[string][]float64, len(params)),
	}
	for _, p := range params {
		o.sq[p.Name] = make([]float64, len(p.Data))
	}
	return o
}

func (o *rmsprop) Name() string { return "rmsprop" }

func (o *rmsprop) Step() {
	for _, p := range o.params {
		sq := o.sq[p.Name]
		forEachGradIndex(p, func(i int) {
			g := p.Grad[i] + o.decay*p.Data[i]
			sq[i] = o.alpha*sq[i] + (1-o.alpha)*g*g
			p.Data[i] -= o.lr * g / (math.Sqrt(sq[i]) + o.eps)
		})
	}
}

func (o *rmsprop) ZeroGrad() { zeroGradAll(o.params) }

func (o *rmsprop) StateDict() OptimizerState {
	buffers := make(map[string][]float64, len(o.params))
	for name, buf := range o.sq {
		buffers[name+".square_avg"] = append([]float64(nil), buf...)
	}
	return OptimizerState{Learner: o.Name(), Buffers: buffers}
}

func (o *rmsprop) LoadStateDict(st OptimizerState) error {
	for _, p := range o.params {
		buf, ok := st.Buffers[p.Name+".square_avg"]
		if !ok {
			return fmt.Errorf("optimizer state is missing buffer for %s", p.Name)
		}
		if len(buf) != len(p.Data) {
			return fmt.Errorf("optimizer buffer for %s has wrong length", p.Name)
		}
		copy(o.sq[p.Name], buf)
	}
	return nil
}

// sparseAdam is Adam restricted to the rows touched each step, without
// weight decay. Dense parameters in the set still update fully.
type sparseAdam struct {
	*adam
}

func newSparseAdam(params []*model.Parameter, lr float64) *sparseAdam {
	return &sparseAdam{adam: newAdam(params, lr, 0)}
}

func (o *sparseAdam) Name() string { return "sparse_adam" }

func (o *sparseAdam) StateDict() OptimizerState {
	st := o.adam.StateDict()
	st.Learner = o.Name()
	return st
}
