package orchestrator

import (
	"encoding/json"
	"maps"
	"slices"

	"github.com/izavyalov-dev/testrun/protocol"
)

// RunDefaults is the base configuration every run request starts from.
type RunDefaults struct {
	Host              string                          `json:"host" yaml:"host"`
	Browsers          []protocol.Browser              `json:"browsers" yaml:"browsers"`
	ShouldRecordVideo bool                            `json:"shouldRecordVideo" yaml:"shouldRecordVideo"`
	ProxyURLsMap      map[string]protocol.ProxyTarget `json:"proxyUrlsMap,omitempty" yaml:"-"`
}

// DefaultRunDefaults matches what the control plane submits when nothing is configured.
func DefaultRunDefaults() RunDefaults {
	return RunDefaults{
		Host:              "null",
		Browsers:          []protocol.Browser{protocol.BrowserChrome},
		ShouldRecordVideo: true,
	}
}

// RunOverrides is a partial run configuration supplied by the caller. Nil and
// empty fields leave the base untouched. TestIDs is accepted on the wire but
// never reaches the request.
type RunOverrides struct {
	Host                      *string                         `json:"host,omitempty"`
	Browsers                  []protocol.Browser              `json:"browsers,omitempty"`
	ShouldRecordVideo         *bool                           `json:"shouldRecordVideo,omitempty"`
	ProxyURLsMap              map[string]protocol.ProxyTarget `json:"proxyUrlsMap,omitempty"`
	TestIDs                   []string                        `json:"testIds,omitempty"`
	DisableBaselineComparison *bool                           `json:"disableBaselineComparison,omitempty"`
	VCS                       *protocol.VCSContext            `json:"github,omitempty"`
	Deployment                *protocol.DeploymentContext     `json:"vercel,omitempty"`
	ExternalContext           map[string]string               `json:"context,omitempty"`
	BaselineBuildID           *string                         `json:"baselineBuildId,omitempty"`
}

// RunRequestInput carries everything BuildRunRequest needs.
type RunRequestInput struct {
	ProjectID string
	UserID    string
	Defaults  RunDefaults
	// Meta is the base meta of the run kind (draft or project level).
	Meta      protocol.RunMeta
	Overrides RunOverrides
	// ResolvedTestIDs always becomes Config.TestIDs.
	ResolvedTestIDs []string
	// ProjectBaselineBuildID is used when no override is given.
	ProjectBaselineBuildID *string
}

// BuildRunRequest merges overrides onto the defaults field by field. Maps merge
// key-wise and nested contexts merge per field. Slices such as Browsers are
// replaced whole when the override is non-empty, never merged by index. The
// result shares no memory with its input.
func BuildRunRequest(in RunRequestInput) protocol.RunRequest {
	base := in.Defaults
	over := in.Overrides

	config := protocol.RunConfig{
		ProxyURLsMap:      mergeProxyTargets(base.ProxyURLsMap, over.ProxyURLsMap),
		Browsers:          slices.Clone(base.Browsers),
		ShouldRecordVideo: base.ShouldRecordVideo,
		TestIDs:           slices.Clone(in.ResolvedTestIDs),
	}
	if len(over.Browsers) > 0 {
		config.Browsers = slices.Clone(over.Browsers)
	}
	if over.ShouldRecordVideo != nil {
		config.ShouldRecordVideo = *over.ShouldRecordVideo
	}
	if config.TestIDs == nil {
		config.TestIDs = []string{}
	}

	host := base.Host
	if over.Host != nil {
		host = *over.Host
	}

	meta := protocol.RunMeta{
		IsDraftRun:                in.Meta.IsDraftRun,
		IsProjectLevelRun:         in.Meta.IsProjectLevelRun,
		DisableBaselineComparison: in.Meta.DisableBaselineComparison,
		VCS:                       mergeVCS(in.Meta.VCS, over.VCS),
		Deployment:                mergeDeployment(in.Meta.Deployment, over.Deployment),
		ExternalContext:           mergeStrings(in.Meta.ExternalContext, over.ExternalContext),
	}
	if over.DisableBaselineComparison != nil {
		meta.DisableBaselineComparison = *over.DisableBaselineComparison
	}
	meta.Source = ClassifySource(meta)

	return protocol.RunRequest{
		ProjectID:       in.ProjectID,
		UserID:          in.UserID,
		Host:            host,
		Status:          protocol.BuildStatusCreated,
		Config:          config,
		Meta:            meta,
		BaselineBuildID: SelectBaseline(over.BaselineBuildID, in.ProjectBaselineBuildID),
	}
}

// SelectBaseline prefers the explicit override, then the project baseline.
// Nil means the run is not compared against a baseline.
func SelectBaseline(override, project *string) *string {
	switch {
	case override != nil && *override != "":
		return clonePtr(override)
	case project != nil && *project != "":
		return clonePtr(project)
	default:
		return nil
	}
}

// ClassifySource derives the trigger source: deployment hook, then VCS, then manual.
func ClassifySource(meta protocol.RunMeta) protocol.TriggerSource {
	if meta.Deployment != nil && meta.Deployment.CheckID != "" {
		return protocol.SourceDeployment
	}
	if meta.VCS != nil && meta.VCS.RepoName != "" {
		return protocol.SourceVCS
	}
	return protocol.SourceManual
}

func mergeProxyTargets(base, over map[string]protocol.ProxyTarget) map[string]protocol.ProxyTarget {
	if len(base) == 0 && len(over) == 0 {
		return nil
	}
	out := make(map[string]protocol.ProxyTarget, len(base)+len(over))
	for name, target := range base {
		out[name] = protocol.ProxyTarget{Tunnel: target.Tunnel, Intercept: cloneRaw(target.Intercept)}
	}
	for name, target := range over {
		merged := out[name]
		if target.Tunnel != "" {
			merged.Tunnel = target.Tunnel
		}
		if len(target.Intercept) > 0 {
			merged.Intercept = cloneRaw(target.Intercept)
		}
		out[name] = merged
	}
	return out
}

func mergeVCS(base, over *protocol.VCSContext) *protocol.VCSContext {
	if base == nil && over == nil {
		return nil
	}
	var out protocol.VCSContext
	if base != nil {
		out = *base
	}
	if over != nil {
		if over.RepoName != "" {
			out.RepoName = over.RepoName
		}
		if over.CommitID != "" {
			out.CommitID = over.CommitID
		}
	}
	return &out
}

func mergeDeployment(base, over *protocol.DeploymentContext) *protocol.DeploymentContext {
	if base == nil && over == nil {
		return nil
	}
	var out protocol.DeploymentContext
	if base != nil {
		out = *base
	}
	if over != nil {
		if over.CheckID != "" {
			out.CheckID = over.CheckID
		}
		if over.DeploymentID != "" {
			out.DeploymentID = over.DeploymentID
		}
		if over.TeamID != "" {
			out.TeamID = over.TeamID
		}
	}
	return &out
}

func mergeStrings(base, over map[string]string) map[string]string {
	if len(base) == 0 && len(over) == 0 {
		return nil
	}
	out := maps.Clone(base)
	if out == nil {
		out = make(map[string]string, len(over))
	}
	maps.Copy(out, over)
	return out
}

func clonePtr(v *string) *string {
	out := *v
	return &out
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return slices.Clone(raw)
}
