package engine

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/orchestra-run/orchestra/internal/pipeline/gitutil"
	"github.com/orchestra-run/orchestra/internal/pipeline/model"
	"github.com/orchestra-run/orchestra/internal/pipeline/modeldb"
	"github.com/orchestra-run/orchestra/internal/cxdb"
)

// RunWithConfig executes a run using the run configuration file schema.
func RunWithConfig(ctx context.Context, dotSource []byte, cfg *RunConfigFile, overrides RunOptions) (*Result, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}
	applyConfigDefaults(cfg)

	// Prepare graph (parse + transforms + validate).
	g, _, err := PrepareWithOptions(dotSource, PrepareOptions{RepoPath: cfg.Repo.Path})
	if err != nil {
		return nil, err
	}

	// Ensure backend is specified for each provider used by the graph.
	usedProviders := map[string]bool{}
	for _, n := range g.Nodes {
		if n == nil {
			continue
		}
		if n.Shape() != "box" {
			continue
		}
		p := strings.TrimSpace(n.Attr("llm_provider", ""))
		if p == "" {
			continue // validation already fails, but keep defensive
		}
		usedProviders[normalizeProviderKey(p)] = true
	}
	runtimes, err := resolveProviderRuntimes(cfg)
	if err != nil {
		return nil, err
	}
	for p := range usedProviders {
		rt, ok := runtimes[p]
		if !ok || (rt.Backend != BackendAPI && rt.Backend != BackendCLI) {
			return nil, fmt.Errorf("missing llm.providers.%s.backend (orchestra forbids implicit backend defaults)", p)
		}
	}
	runUsesCLIProviders := false
	for p := range usedProviders {
		if rt, ok := runtimes[p]; ok && rt.Backend == BackendCLI {
			runUsesCLIProviders = true
			break
		}
	}

	opts := RunOptions{
		RepoPath:        cfg.Repo.Path,
		RunBranchPrefix: cfg.Git.RunBranchPrefix,
		StageTimeout:    durationFromOptionalMSOrDisabled(cfg.RuntimePolicy.StageTimeoutMS),
		StallTimeout:    durationFromOptionalMSOrDisabled(cfg.RuntimePolicy.StallTimeoutMS),
		StallCheckInterval: durationFromOptionalMSOrDisabled(
			cfg.RuntimePolicy.StallCheckIntervalMS,
		),
		MaxLLMRetries: copyOptionalInt(cfg.RuntimePolicy.MaxLLMRetries),
	}
	// Allow select overrides.
	if overrides.RunID != "" {
		opts.RunID = overrides.RunID
	}
	if overrides.LogsRoot != "" {
		opts.LogsRoot = overrides.LogsRoot
	}
	if overrides.WorktreeDir != "" {
		opts.WorktreeDir = overrides.WorktreeDir
	}
	if overrides.RunBranchPrefix != "" {
		opts.RunBranchPrefix = overrides.RunBranchPrefix
	}
	opts.AllowTestShim = overrides.AllowTestShim
	opts.ForceModels = normalizeForceModels(overrides.ForceModels)
	opts.ProgressSink = overrides.ProgressSink
	opts.Interviewer = overrides.Interviewer
	opts.OnEngineReady = overrides.OnEngineReady

	if err := opts.applyDefaults(); err != nil {
		return nil, err
	}
	// Wire require_clean from config (applyDefaults sets the safe default;
	// the config can explicitly relax it to false).
	if cfg.Git.RequireClean != nil {
		opts.RequireClean = *cfg.Git.RequireClean
	}

	// Repo validation: cheap local checks that must pass before any expensive
	// preflight work (provider probes, model catalog fetch, CXDB startup).
	if opts.RepoPath == "" {
		return nil, fmt.Errorf("repo.path is required")
	}
	if !gitutil.IsRepo(opts.RepoPath) {
		return nil, fmt.Errorf("not a git repo: %s", opts.RepoPath)
	}
	if opts.RequireClean {
		clean, err := gitutil.IsClean(opts.RepoPath)
		if err != nil {
			return nil, err
		}
		if !clean {
			return nil, fmt.Errorf("repo has uncommitted changes (require_clean=true)")
		}
	}
	// Verify the repo has at least one commit (HeadSHA fails on empty repos).
	// eng.run() needs this later for branch creation; catching it here avoids
	// wasting minutes on provider probes and CXDB startup first.
	if _, err := gitutil.HeadSHA(opts.RepoPath); err != nil {
		return nil, fmt.Errorf("repo has no commits or HEAD is unresolvable: %w", err)
	}
	// Ensure the logs directory is writable before expensive preflight work.
	// Several preflight steps write into LogsRoot, but an outright unwritable
	// path would surface as a confusing mid-preflight error instead of a clear
	// early one.
	if err := os.MkdirAll(opts.LogsRoot, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create logs directory %s: %w", opts.LogsRoot, err)
	}

	if err := validateRunCLIProfilePolicy(cfg, opts, runUsesCLIProviders); err != nil {
		report := &providerPreflightReport{
			GeneratedAt:         time.Now().UTC().Format(time.RFC3339Nano),
			CLIProfile:          normalizedCLIProfile(cfg),
			AllowTestShim:       opts.AllowTestShim,
			StrictCapabilities:  parseBool(strings.TrimSpace(os.Getenv("ORCHESTRA_PREFLIGHT_STRICT_CAPABILITIES")), false),
			CapabilityProbeMode: capabilityProbeMode(),
			PromptProbeMode:     promptProbeMode(cfg),
		}
		report.addCheck(providerPreflightCheck{
			Name:    "provider_executable_policy",
			Status:  preflightStatusFail,
			Message: err.Error(),
		})
		_ = writePreflightReport(opts.LogsRoot, report)
		return nil, err
	}

	// Resolve + snapshot the model catalog for this run (repeatability).
	resolved, err := modeldb.ResolveModelCatalog(
		ctx,
		cfg.ModelDB.OpenRouterModelInfoPath,
		opts.LogsRoot,
		modeldb.CatalogUpdatePolicy(strings.ToLower(strings.TrimSpace(cfg.ModelDB.OpenRouterModelInfoUpdatePolicy))),
		cfg.ModelDB.OpenRouterModelInfoURL,
		time.Duration(cfg.ModelDB.OpenRouterModelInfoFetchTimeoutMS)*time.Millisecond,
	)
	if err != nil {
		return nil, err
	}
	catalog, err := loadCatalogForRun(resolved.SnapshotPath)
	if err != nil {
		return nil, err
	}
	catalogChecks, catalogErr := validateProviderModelPairs(g, runtimes, catalog, opts)
	if catalogErr != nil {
		report := &providerPreflightReport{
			GeneratedAt:         time.Now().UTC().Format(time.RFC3339Nano),
			CLIProfile:          normalizedCLIProfile(cfg),
			AllowTestShim:       opts.AllowTestShim,
			StrictCapabilities:  parseBool(strings.TrimSpace(os.Getenv("ORCHESTRA_PREFLIGHT_STRICT_CAPABILITIES")), false),
			CapabilityProbeMode: capabilityProbeMode(),
			PromptProbeMode:     promptProbeMode(cfg),
		}
		for _, c := range catalogChecks {
			report.addCheck(c)
		}
		_ = writePreflightReport(opts.LogsRoot, report)
		return nil, catalogErr
	}
	if _, err := runProviderCLIPreflight(ctx, g, runtimes, cfg, opts, catalog, catalogChecks); err != nil {
		return nil, err
	}

	// CXDB is required in v1 and must be reachable.
	cxdbClient, bin, startup, err := ensureCXDBReady(ctx, cfg, opts.LogsRoot, opts.RunID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = bin.Close() }()
	if startup != nil {
		// Defer process shutdown after bin close is deferred so shutdown runs first (LIFO).
		defer func() { _ = startup.shutdownManagedProcesses() }()
	}
	if startup != nil && overrides.OnCXDBStartup != nil {
		overrides.OnCXDBStartup(startup)
	}
	bundleID, bundle, _, err := cxdb.OrchestraRegistryBundle()
	if err != nil {
		return nil, err
	}
	if _, err := cxdbClient.PublishRegistryBundle(ctx, bundleID, bundle); err != nil {
		return nil, err
	}
	ci, err := createContextWithFallback(ctx, cxdbClient, bin)
	if err != nil {
		return nil, err
	}
	sink := NewCXDBSink(cxdbClient, bin, opts.RunID, ci.ContextID, ci.HeadTurnID, bundleID)

	eng := newBaseEngine(g, dotSource, opts)
	eng.RunConfig = cfg
	eng.Context = NewContextWithGraphAttrs(g)
	eng.CodergenBackend = NewCodergenRouterWithRuntimes(cfg, catalog, runtimes)
	eng.CXDB = sink
	eng.ModelCatalogSHA = catalog.SHA256
	eng.ModelCatalogSource = resolved.Source
	eng.ModelCatalogPath = resolved.SnapshotPath
	if strings.TrimSpace(resolved.Warning) != "" {
		eng.Warn(resolved.Warning)
		eng.Context.AppendLog(resolved.Warning)
	}
	if startup != nil {
		for _, w := range startup.Warnings {
			eng.Warn(w)
		}
	}

	if overrides.OnEngineReady != nil {
		overrides.OnEngineReady(eng)
	}

	res, err := eng.run(ctx)
	if err != nil {
		return nil, err
	}
	if startup != nil {
		res.CXDBUIURL = strings.TrimSpace(startup.UIURL)
	}
	return res, nil
}

func validateProviderModelPairs(g *model.Graph, runtimes map[string]ProviderRuntime, catalog *modeldb.Catalog, opts RunOptions) ([]providerPreflightCheck, error) {
	if g == nil || catalog == nil {
		return nil, nil
	}
	var checks []providerPreflightCheck
	warnedUncovered := map[string]bool{}
	for _, n := range g.Nodes {
		if n == nil || n.Shape() != "box" {
			continue
		}
		provider := normalizeProviderKey(n.Attr("llm_provider", ""))
		modelID := modelIDForNode(n)
		if provider == "" || modelID == "" {
			continue
		}
		rt, ok := runtimes[provider]
		if !ok {
			return checks, fmt.Errorf("preflight: provider %s missing runtime definition", provider)
		}
		backend := rt.Backend
		if backend != BackendCLI && backend != BackendAPI {
			continue
		}
		if _, forced := forceModelForProvider(opts.ForceModels, provider); forced {
			continue
		}
		if !modeldb.CatalogCoversProvider(catalog, provider) {
			if !warnedUncovered[provider] {
				warnedUncovered[provider] = true
				checks = append(checks, providerPreflightCheck{
					Name:     "provider_model_catalog",
					Provider: provider,
					Status:   preflightStatusWarn,
					Message:  fmt.Sprintf("model validation skipped: provider %s not in catalog (prompt probe will validate)", provider),
					Details: map[string]any{
						"model":   modelID,
						"backend": string(backend),
					},
				})
			}
			continue
		}
		if !modeldb.CatalogHasProviderModel(catalog, provider, modelID) {
			checks = append(checks, providerPreflightCheck{
				Name:     "provider_model_catalog",
				Provider: provider,
				Status:   preflightStatusWarn,
				Message:  fmt.Sprintf("llm_provider=%s backend=%s model=%s not present in run catalog (catalog may be stale; prompt probe will validate)", provider, backend, modelID),
				Details: map[string]any{
					"model":   modelID,
					"backend": string(backend),
				},
			})
		}
	}
	return checks, nil
}

func loadCatalogForRun(path string) (*modeldb.Catalog, error) {
	return modeldb.LoadCatalogFromOpenRouterJSON(path)
}

func modelIDForNode(n *model.Node) string {
	if n == nil {
		return ""
	}
	modelID := strings.TrimSpace(n.Attr("llm_model", ""))
	if modelID == "" {
		// Best-effort compatibility with stylesheet examples that use "model".
		modelID = strings.TrimSpace(n.Attr("model", ""))
	}
	return modelID
}

func durationFromOptionalMSOrDisabled(ms *int) time.Duration {
	if ms == nil {
		return 0
	}
	if *ms <= 0 {
		return 0
	}
	return time.Duration(*ms) * time.Millisecond
}

func copyOptionalInt(v *int) *int {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}

func createContextWithFallback(ctx context.Context, client *cxdb.Client, bin *cxdb.BinaryClient) (cxdb.ContextInfo, error) {
	if bin != nil {
		ci, err := bin.CreateContext(ctx, 0)
		if err == nil {
			return cxdb.ContextInfo{
				ContextID:  strconv.FormatUint(ci.ContextID, 10),
				HeadTurnID: strconv.FormatUint(ci.HeadTurnID, 10),
				HeadDepth:  int(ci.HeadDepth),
			}, nil
		}
	}
	return client.CreateContext(ctx, "0")
}
