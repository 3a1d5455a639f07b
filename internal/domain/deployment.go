package domain

import "time"

// DeploymentRecord is the registry entry for one owner's deployed repository.
type DeploymentRecord struct {
	Owner           string    `json:"owner"`
	RepoName        string    `json:"repoName"`
	Repository      string    `json:"repository"`
	Branch          string    `json:"branch"`
	InstallCommand  string    `json:"installCommand"`
	BuildCommand    string    `json:"buildCommand"`
	OutputDir       string    `json:"outputDir"`
	SubDirectory    string    `json:"subDirectory,omitempty"`
	ProtocolLand    bool      `json:"protocolLand,omitempty"`
	WalletAddress   string    `json:"walletAddress,omitempty"`
	LastBuiltCommit string    `json:"lastBuiltCommit"`
	URL             string    `json:"url"`
	Undername       string    `json:"undername,omitempty"`
	DeployCount     int       `json:"deployCount"`
	MaxDailyDeploys int       `json:"maxDailyDeploys"`
	QuotaDay        string    `json:"quotaDay,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// QuotaDayLayout formats the UTC calendar day a deploy count belongs to.
const QuotaDayLayout = "2006-01-02"

// QuotaDayOf returns the quota bucket for t.
func QuotaDayOf(t time.Time) string {
	return t.UTC().Format(QuotaDayLayout)
}

// EffectiveDeployCount returns the deploy count for the calendar day containing now.
// Counts recorded on an earlier day no longer apply.
func (r DeploymentRecord) EffectiveDeployCount(now time.Time) int {
	if r.QuotaDay != "" && r.QuotaDay != QuotaDayOf(now) {
		return 0
	}
	return r.DeployCount
}

// QuotaExhausted reports whether no further deploys are allowed today.
func (r DeploymentRecord) QuotaExhausted(now time.Time) bool {
	if r.MaxDailyDeploys <= 0 {
		return false
	}
	return r.EffectiveDeployCount(now) >= r.MaxDailyDeploys
}
