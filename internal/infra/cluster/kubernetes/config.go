package kubernetes

// Config holds the Kubernetes coordination settings for a controller replica.
type Config struct {
	Namespace    string `json:"namespace"`
	LeaderLockID string `json:"leaderLockId"`
	// Identity uniquely names this replica in the lease, typically the pod name.
	Identity string `json:"identity"`
}
