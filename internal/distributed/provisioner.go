package distributed

// Provider is the pluggable cloud abstraction a WorkerProvisioner scales
// against; concrete cloud SDKs implement this outside the core.
type Provider interface {
	ScaleUp(n int) error
	ScaleDown(n int) error
}

// Provisioner autoscales the worker fleet from exponentially-smoothed load,
// with hysteresis so a single noisy sample never triggers a scaling action
// (spec §4.6: "autoscaling is driven by exponential-smoothed load with
// hysteresis to prevent oscillation").
type Provisioner struct {
	provider Provider

	// Alpha is the EWMA smoothing factor in (0,1]; higher weights recent
	// samples more heavily.
	Alpha float64
	// ScaleUpThreshold/ScaleDownThreshold bound the smoothed load at which
	// scaling triggers; the gap between them is the hysteresis band.
	ScaleUpThreshold, ScaleDownThreshold float64

	smoothed    float64
	initialized bool
}

// NewProvisioner constructs a Provisioner. Typical thresholds leave a gap
// (e.g. 0.8 up / 0.3 down) so load oscillating around a single midpoint
// doesn't repeatedly scale up and down.
func NewProvisioner(provider Provider, alpha, scaleUp, scaleDown float64) *Provisioner {
	return &Provisioner{
		provider:          provider,
		Alpha:             alpha,
		ScaleUpThreshold:  scaleUp,
		ScaleDownThreshold: scaleDown,
	}
}

// Observe folds in one new fleet-wide load sample and triggers a scaling
// action if the smoothed load has crossed a threshold.
func (p *Provisioner) Observe(load float64) error {
	if !p.initialized {
		p.smoothed = load
		p.initialized = true
	} else {
		p.smoothed = p.Alpha*load + (1-p.Alpha)*p.smoothed
	}

	switch {
	case p.smoothed >= p.ScaleUpThreshold:
		return p.provider.ScaleUp(1)
	case p.smoothed <= p.ScaleDownThreshold:
		return p.provider.ScaleDown(1)
	}
	return nil
}

// Smoothed returns the current EWMA load estimate.
func (p *Provisioner) Smoothed() float64 {
	return p.smoothed
}
