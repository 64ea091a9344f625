package tasks

import (
	"log/slog"

	"stackengine/internal/config"
	"stackengine/internal/engine"
)

// NewServices wires the default collaborators for a session.
func NewServices(cfg *config.Config, logger *slog.Logger) (engine.Services, error) {
	store, err := LoadTemplates(cfg.Tools.TemplateFile)
	if err != nil {
		return engine.Services{}, err
	}
	deb := NewDebayer()
	svc := engine.Services{
		Calibrator: NewCalibrator(logger),
		Registrar:  NewToolRegistrar(cfg.Tools, logger),
		Integrator: NewIntegrator(logger),
		Debayerer:  deb,
		Splitter:   deb,
		Cosmetic:   NewCosmeticCorrector(store, logger),
		Templates:  store,
	}
	if cfg.Processing.Previews {
		svc.Previewer = NewPreviewer(0)
	}
	return svc, nil
}
