package optim

import (
	"github.com/YuminosukeSato/supmoco/nn"
	"github.com/YuminosukeSato/supmoco/pkg/errors"
)

// SGD は v ← μv + (g + λθ), θ ← θ − ηv で更新します。μ = 0 なら通常の勾配降下です。
type SGD struct {
	lr       float64
	cfg      *config
	steps    int
	velocity map[string][]float64
}

// NewSGD は学習率 lr の SGD を返します。
func NewSGD(lr float64, opts ...Option) (*SGD, error) {
	cfg, err := newConfig(lr, opts)
	if err != nil {
		return nil, err
	}
	return &SGD{lr: lr, cfg: cfg, velocity: make(map[string][]float64)}, nil
}

func (s *SGD) LearningRate() float64 { return s.lr }

func (s *SGD) Step(params []*nn.Param) error {
	if err := checkTrainable("SGD.Step", params); err != nil {
		return err
	}
	if err := prepareGrads("SGD.Step", params, s.cfg.gradClip, s.steps); err != nil {
		return err
	}
	for _, p := range params {
		v := slot(s.velocity, p)
		theta := p.Value.RawMatrix().Data
		grad := p.Grad.RawMatrix().Data
		for i := range theta {
			g := grad[i] + s.cfg.weightDecay*theta[i]
			if s.cfg.momentum > 0 {
				v[i] = s.cfg.momentum*v[i] + g
				g = v[i]
			}
			theta[i] -= s.lr * g
		}
	}
	s.steps++
	return nil
}

func (s *SGD) State() *State {
	return &State{
		Kind:  "sgd",
		Steps: s.steps,
		Slots: cloneSlots(map[string]map[string][]float64{"velocity": s.velocity}),
	}
}

func (s *SGD) LoadState(st *State) error {
	if st == nil || st.Kind != "sgd" {
		return errors.NewValueError("SGD.LoadState", "state is not an sgd state")
	}
	s.steps = st.Steps
	s.velocity = cloneSlots(st.Slots)["velocity"]
	if s.velocity == nil {
		s.velocity = make(map[string][]float64)
	}
	return nil
}
