package steps

import "time"

// BuiltinConfig configures the built-in steps that need it.
type BuiltinConfig struct {
	HTTP  HTTPConfig
	Shell ShellConfig
	// Parameters validates inputs to registered workflow types. Nil skips
	// validation and defaults.
	Parameters ParameterValidator
	// WaitTimeout bounds wait steps that set no timeout. Zero waits forever.
	WaitTimeout time.Duration
}

// RegisterBuiltins registers all built-in steps in the given registry.
func RegisterBuiltins(reg *Registry, cfg BuiltinConfig) error {
	all := []Step{
		noOpStep{},
		logStep{},
		returnStep{},
		failStep{},
		sleepStep{},
		waitStep{defaultTimeout: cfg.WaitTimeout},
		letStep{},
		transformStep{},
		retryStep{},

		// Entity steps.
		setSensorStep{},
		clearSensorStep{},
		setConfigStep{},
		invokeEffectorStep{},

		// I/O steps.
		newHTTPStep(cfg.HTTP),
		newShellStep(cfg.Shell),

		&workflowStep{params: cfg.Parameters},
	}
	for _, s := range all {
		if err := reg.Register(s); err != nil {
			return err
		}
	}
	return nil
}
