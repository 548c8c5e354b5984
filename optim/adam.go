package optim

import (
	"math"

	"github.com/YuminosukeSato/supmoco/nn"
	"github.com/YuminosukeSato/supmoco/pkg/errors"
)

// Adam はバイアス補正付きの Adam です。weight decay は勾配に加える L2 項として扱います。
type Adam struct {
	lr    float64
	cfg   *config
	steps int
	m     map[string][]float64
	v     map[string][]float64
}

// NewAdam は学習率 lr の Adam を返します。
func NewAdam(lr float64, opts ...Option) (*Adam, error) {
	cfg, err := newConfig(lr, opts)
	if err != nil {
		return nil, err
	}
	return &Adam{lr: lr, cfg: cfg, m: make(map[string][]float64), v: make(map[string][]float64)}, nil
}

func (a *Adam) LearningRate() float64 { return a.lr }

func (a *Adam) Step(params []*nn.Param) error {
	if err := checkTrainable("Adam.Step", params); err != nil {
		return err
	}
	if err := prepareGrads("Adam.Step", params, a.cfg.gradClip, a.steps); err != nil {
		return err
	}
	a.steps++
	b1, b2 := a.cfg.beta1, a.cfg.beta2
	c1 := 1 - math.Pow(b1, float64(a.steps))
	c2 := 1 - math.Pow(b2, float64(a.steps))

	for _, p := range params {
		m, v := slot(a.m, p), slot(a.v, p)
		theta := p.Value.RawMatrix().Data
		grad := p.Grad.RawMatrix().Data
		for i := range theta {
			g := grad[i] + a.cfg.weightDecay*theta[i]
			m[i] = b1*m[i] + (1-b1)*g
			v[i] = b2*v[i] + (1-b2)*g*g
			theta[i] -= a.lr * (m[i] / c1) / (math.Sqrt(v[i]/c2) + a.cfg.eps)
		}
	}
	return nil
}

func (a *Adam) State() *State {
	return &State{
		Kind:  "adam",
		Steps: a.steps,
		Slots: cloneSlots(map[string]map[string][]float64{"m": a.m, "v": a.v}),
	}
}

func (a *Adam) LoadState(st *State) error {
	if st == nil || st.Kind != "adam" {
		return errors.NewValueError("Adam.LoadState", "state is not an adam state")
	}
	slots := cloneSlots(st.Slots)
	a.steps = st.Steps
	a.m, a.v = slots["m"], slots["v"]
	if a.m == nil {
		a.m = make(map[string][]float64)
	}
	if a.v == nil {
		a.v = make(map[string][]float64)
	}
	return nil
}
