package cmd

import (
	"log/slog"
	"path/filepath"

	"github.com/cpmkit/cpm/internal/cas"
	"github.com/cpmkit/cpm/internal/embed"
	"github.com/cpmkit/cpm/internal/hub"
	"github.com/cpmkit/cpm/internal/oci"
	"github.com/cpmkit/cpm/internal/policy"
	"github.com/cpmkit/cpm/internal/query"
	"github.com/cpmkit/cpm/internal/registry"
	"github.com/cpmkit/cpm/internal/source"
	"github.com/cpmkit/cpm/internal/telemetry"
	"github.com/cpmkit/cpm/internal/ui"
	"github.com/cpmkit/cpm/internal/workspace"
)

// defaultCASQuota bounds the object cache at 2 GiB.
const defaultCASQuota int64 = 2 << 30

// app wires the shared command context: workspace, policy, sources,
// caches, and output.
type app struct {
	ws      *workspace.Workspace
	printer *ui.Printer

	policyEngine *policy.Engine
	hubClient    *hub.Client
	cache        *cas.Cache
	resolver     *source.Resolver
	caps         *registry.Registry
	embedCfg     workspace.EmbeddingsConfig
	verifyCfg    oci.VerifyConfig
}

// newApp assembles the command context from the workspace configuration.
func newApp() (*app, error) {
	ws := workspace.New(flagWorkspace)
	printer := ui.NewPrinter(flagJSON)

	pol, err := policy.Load(ws.Root)
	if err != nil {
		return nil, err
	}
	engine := policy.NewEngine(pol)

	hubSettings, err := hub.LoadSettings(ws.Root)
	if err != nil {
		return nil, err
	}
	hubClient := hub.New(hubSettings)
	if hubClient.Enabled() {
		engine.WithRemote(hubClient, hubClient.EnforceRemotePolicy())
	}

	cache, err := cas.New(ws.Root, defaultCASQuota)
	if err != nil {
		return nil, err
	}

	issuerKeys, err := oci.LoadIssuerKeys(filepath.Join(ws.Root, "config", "trust.yml"))
	if err != nil {
		return nil, err
	}
	verifyCfg := oci.VerifyConfig{IssuerKeys: issuerKeys, Weights: pol.Weights()}

	embedCfg, err := ws.LoadEmbeddingsConfig()
	if err != nil {
		return nil, err
	}

	ociSource := source.NewOciSource(localRegistries(ws.Root), verifyCfg, engine, ws.PackagesDir())
	resolver := source.NewResolver(
		source.NewHubSource(hubClient, ociSource),
		ociSource,
		source.NewDirSource(),
	)

	return &app{
		ws:           ws,
		printer:      printer,
		policyEngine: engine,
		hubClient:    hubClient,
		cache:        cache,
		resolver:     resolver,
		caps:         registerBuiltins(resolver),
		embedCfg:     embedCfg,
		verifyCfg:    verifyCfg,
	}, nil
}

// validCapability checks a CLI-selected capability against the registry.
func (a *app) validCapability(kind registry.Kind, name string) bool {
	if name == "" {
		return true
	}
	_, ok := a.caps.Lookup(kind, "cpm:"+name)
	return ok
}

// localRegistries maps registry hosts to filesystem-backed layouts under
// <workspace>/registries/<host>. The distribution-spec HTTP transport
// plugs in behind the same Registry interface.
func localRegistries(root string) source.RegistryResolver {
	return func(host string) (oci.Registry, error) {
		return oci.NewLayoutRegistry(filepath.Join(root, "registries", host)), nil
	}
}

// embedder builds the configured embedder client; offline selects the
// deterministic stub.
func (a *app) embedder(offline bool, urlOverride, modelOverride string) embed.Embedder {
	model := a.embedCfg.Model
	if modelOverride != "" {
		model = modelOverride
	}
	if offline {
		return embed.NewStubEmbedder(model, 256)
	}
	url := a.embedCfg.URL
	if urlOverride != "" {
		url = urlOverride
	}
	return embed.NewClient(embed.ClientConfig{
		BaseURL:      url,
		Model:        model,
		MaxSeqLength: a.embedCfg.MaxSeqLength,
		BatchSize:    a.embedCfg.BatchSize,
	})
}

// queryEngine assembles the query engine, attaching telemetry when the
// metrics store opens.
func (a *app) queryEngine(embedder embed.Embedder) *query.Engine {
	e := &query.Engine{
		Workspace: a.ws.Root,
		Resolver:  a.resolver,
		Cache:     a.cache,
		Policy:    a.policyEngine,
		Embedder:  embedder,
	}
	if metrics, err := telemetry.Open(a.ws.MetricsPath()); err == nil {
		e.Metrics = metrics
	}
	return e
}

// workspaceEmbedCache opens the cross-packet vector cache for a model.
func (a *app) workspaceEmbedCache(model string) *embed.WorkspaceCache {
	c, err := embed.NewWorkspaceCache(a.ws.Root, model, a.embedCfg.CacheQuotaBytes)
	if err != nil {
		return nil
	}
	return c
}

// registerBuiltins fills the capability registry with the built-in
// sources, retrievers, rerankers, and builder. Collisions disable only
// the offending entry.
func registerBuiltins(resolver *source.Resolver) *registry.Registry {
	r := registry.New()
	entries := []registry.Entry{
		{Kind: registry.KindSource, Name: "cpm:dir", Origin: "builtin", Target: resolver},
		{Kind: registry.KindSource, Name: "cpm:oci", Origin: "builtin", Target: resolver},
		{Kind: registry.KindSource, Name: "cpm:hub", Origin: "builtin", Target: resolver},
		{Kind: registry.KindBuilder, Name: "cpm:default-builder", Origin: "builtin"},
		{Kind: registry.KindRetriever, Name: "cpm:" + query.IndexerFlatIP, Origin: "builtin"},
		{Kind: registry.KindRetriever, Name: "cpm:" + query.IndexerBM25, Origin: "builtin"},
		{Kind: registry.KindRetriever, Name: "cpm:" + query.IndexerHybridRRF, Origin: "builtin"},
		{Kind: registry.KindRetriever, Name: "cpm:" + query.IndexerDenseHNSW, Origin: "builtin"},
		{Kind: registry.KindReranker, Name: "cpm:" + query.RerankerNone, Origin: "builtin"},
		{Kind: registry.KindReranker, Name: "cpm:" + query.RerankerTokenDiversity, Origin: "builtin"},
	}
	for _, e := range entries {
		if err := r.Register(e); err != nil {
			slog.Warn("capability_registration_failed", slog.String("name", e.Name), slog.String("error", err.Error()))
		}
	}
	return r
}
