/*
Copyright © 2025 Valentyn Solomko <valentyn.solomko@gmail.com>

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package cmd

import (
	"context"
	"log/slog"

	"github.com/valpere/promptforge/internal"
	"github.com/valpere/promptforge/internal/config"
	"github.com/valpere/promptforge/internal/orchestrator"
	"github.com/valpere/promptforge/internal/provider"
)

// buildFactory returns the per-request provider constructor. A key sent with
// the request takes precedence over the configured one for its backend.
func buildFactory(cfg config.Config) provider.Factory {
	return func(ctx context.Context, req internal.OptimizeRequest) (provider.Provider, error) {
		key := req.GeminiAPIKey
		if req.Backend == internal.BackendGrok {
			key = req.XAIAPIKey
		}
		return provider.New(ctx, req.Backend, cfg.ServiceConfig(req.Backend, key))
	}
}

func newOrchestrator(cfg config.Config, logger *slog.Logger) *orchestrator.Orchestrator {
	return orchestrator.New(buildFactory(cfg), orchestrator.OrchestratorConfig{
		DefaultBackend: cfg.DefaultBackend,
		MaxIterations:  cfg.MaxDSIterations,
		Threshold:      cfg.ConvergenceThreshold,
	}, logger)
}
