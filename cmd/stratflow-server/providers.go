package main

import (
	"fmt"
	"log/slog"
	"net/http"

	"stratflow/internal/clarify"
	"stratflow/internal/config"
	"stratflow/internal/domain"
	"stratflow/internal/execute"
	"stratflow/internal/extract"
	"stratflow/internal/llm"
	"stratflow/internal/remote"
	"stratflow/internal/session"
	"stratflow/internal/specgen"
)

// buildDeps wires the extraction, generation and execution collaborators
// named by the configured providers.
func buildDeps(cfg *config.Config, money clarify.Money, log *slog.Logger) (session.Deps, error) {
	extSvc, err := extractionService(cfg.Extraction, log)
	if err != nil {
		return session.Deps{}, err
	}
	genSvc, err := generationService(cfg.Generation.Endpoint, log)
	if err != nil {
		return session.Deps{}, err
	}
	exec, err := newExecutor(cfg.Execution)
	if err != nil {
		return session.Deps{}, err
	}

	intent := domain.Intent(cfg.Workflow.DefaultIntent)
	return session.Deps{
		Extractor: extract.NewAdapter(extSvc, money, intent, log),
		Generator: specgen.NewGenerator(genSvc, cfg.Generation.Stream, log),
		Executor:  exec,
		Log:       log,
	}, nil
}

func extractionService(ep config.Endpoint, log *slog.Logger) (extract.Service, error) {
	switch ep.Provider {
	case config.ProviderOpenAI:
		return llm.NewExtractor(llmConfig(ep, 0), log), nil
	case config.ProviderHTTP:
		if ep.URL == "" {
			return nil, fmt.Errorf("extraction: http provider needs a url")
		}
		return extract.NewHTTPService(ep.URL, remoteClient("extraction", ep)), nil
	}
	return nil, fmt.Errorf("extraction: unsupported provider %q", ep.Provider)
}

func generationService(ep config.Endpoint, log *slog.Logger) (specgen.Service, error) {
	switch ep.Provider {
	case config.ProviderOpenAI:
		return llm.NewGenerator(llmConfig(ep, 0.2), log), nil
	case config.ProviderHTTP:
		if ep.URL == "" {
			return nil, fmt.Errorf("generation: http provider needs a url")
		}
		return specgen.NewHTTPService(ep.URL, remoteClient("generation", ep)), nil
	}
	return nil, fmt.Errorf("generation: unsupported provider %q", ep.Provider)
}

func newExecutor(ep config.Endpoint) (execute.Executor, error) {
	switch ep.Provider {
	case config.ProviderSimulator, "":
		return execute.NewSimulator(), nil
	case config.ProviderHTTP:
		if ep.URL == "" {
			return nil, fmt.Errorf("execution: http provider needs a url")
		}
		return execute.NewHTTPExecutor(ep.URL, remoteClient("execution", ep)), nil
	}
	return nil, fmt.Errorf("execution: unsupported provider %q", ep.Provider)
}

func llmConfig(ep config.Endpoint, temperature float32) llm.Config {
	return llm.Config{
		APIKey:          ep.APIKey,
		BaseURL:         ep.URL,
		Model:           ep.Model,
		Temperature:     temperature,
		RateLimitPerMin: ep.RateLimitPerMin,
	}
}

// remoteClient has no client-side timeout; sessions bound each attempt.
func remoteClient(service string, ep config.Endpoint) *remote.Client {
	return remote.NewClient(service, ep.RateLimitPerMin, &http.Client{})
}
